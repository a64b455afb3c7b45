package drivers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// ButtonEvent is one debounced button press.
type ButtonEvent string

const (
	ButtonStart ButtonEvent = "start"
	ButtonStop  ButtonEvent = "stop"
	ButtonMenu  ButtonEvent = "menu"
	ButtonBack  ButtonEvent = "back"
)

// buttonRingCapacity bounds the pending-event ring; overflow drops the
// oldest queued event rather than blocking a GPIO edge callback.
const buttonRingCapacity = 32

// debounceWindow is the minimum spacing enforced per button, matching the
// hardware debounce window assumed by the edge-interrupt path.
const debounceWindow = 200 * time.Millisecond

// Buttons polls four momentary GPIO inputs (active-low, pulled up) and
// exposes debounced press events through a bounded ring buffer. Each pin
// is watched by its own edge-triggered goroutine (WaitForEdge on FALLING);
// boards without edge-interrupt support still work because periph.io's
// PinIn.WaitForEdge falls back to polling on GPIO implementations that
// lack hardware IRQ lines.
type Buttons struct {
	pinNames map[ButtonEvent]string
	pins     map[gpio.PinIO]ButtonEvent

	mu          sync.Mutex
	lastEventAt map[ButtonEvent]time.Time
	ring        []ButtonEvent

	stop chan struct{}
	done chan struct{}
}

// NewButtons constructs a Buttons driver bound to the four named pins.
func NewButtons(startPin, stopPin, menuPin, backPin string) *Buttons {
	return &Buttons{
		pinNames: map[ButtonEvent]string{
			ButtonStart: startPin,
			ButtonStop:  stopPin,
			ButtonMenu:  menuPin,
			ButtonBack:  backPin,
		},
		pins:        map[gpio.PinIO]ButtonEvent{},
		lastEventAt: map[ButtonEvent]time.Time{},
	}
}

// Init resolves all four GPIO pins as pulled-up inputs watching the
// falling edge, then starts one watcher goroutine per pin. A pin that
// cannot be resolved is simply omitted — Poll never reports events for a
// DriverAbsent button, it does not error.
func (b *Buttons) Init(ctx context.Context) error {
	var missing []string
	for evt, name := range b.pinNames {
		pin := gpioreg.ByName(name)
		if pin == nil {
			missing = append(missing, name)
			continue
		}
		if err := pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
			missing = append(missing, name)
			continue
		}
		b.pins[pin] = evt
	}

	b.stop = make(chan struct{})
	b.done = make(chan struct{}, len(b.pins))
	for pin, evt := range b.pins {
		go b.watch(pin, evt)
	}

	if len(missing) > 0 {
		return fmt.Errorf("buttons: pins unavailable: %v", missing)
	}
	return nil
}

// Close stops all watcher goroutines.
func (b *Buttons) Close() error {
	if b.stop == nil {
		return nil
	}
	close(b.stop)
	for range b.pins {
		select {
		case <-b.done:
		case <-time.After(2 * time.Second):
		}
	}
	return nil
}

func (b *Buttons) watch(pin gpio.PinIO, evt ButtonEvent) {
	defer func() { b.done <- struct{}{} }()
	for {
		select {
		case <-b.stop:
			return
		default:
		}
		if !pin.WaitForEdge(debounceWindow) {
			continue // timed out without an edge; re-check stop and loop
		}
		b.push(evt)
	}
}

// push enqueues evt if it clears the per-button debounce window and there
// is room in the ring; overflow drops the oldest queued event.
func (b *Buttons) push(evt ButtonEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if last, ok := b.lastEventAt[evt]; ok && now.Sub(last) < debounceWindow {
		return
	}
	b.lastEventAt[evt] = now

	if len(b.ring) >= buttonRingCapacity {
		b.ring = b.ring[1:]
	}
	b.ring = append(b.ring, evt)
}

// Poll dequeues the oldest pending event, if any.
func (b *Buttons) Poll() (ButtonEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ring) == 0 {
		return "", false
	}
	evt := b.ring[0]
	b.ring = b.ring[1:]
	return evt, true
}
