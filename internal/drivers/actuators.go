package drivers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
)

// Pattern names for Buzzer.Play.
type Pattern string

const (
	PatternInfo     Pattern = "info"
	PatternWarning  Pattern = "warning"
	PatternCritical Pattern = "critical"
	PatternSuccess  Pattern = "success"
	PatternError    Pattern = "error"
)

// Buzzer drives a passive buzzer over a single PWM-capable GPIO pin. Play
// is non-blocking: each call spawns a goroutine, serialized by a mutex so
// two patterns never overlap on the same channel.
type Buzzer struct {
	pinName string
	pin     gpio.PinIO
	baseHz  physic.Frequency

	mu sync.Mutex
}

// NewBuzzer constructs a Buzzer bound to the given pin, defaulting to a
// 2kHz base tone.
func NewBuzzer(pinName string) *Buzzer {
	return &Buzzer{pinName: pinName, baseHz: 2000 * physic.Hertz}
}

// Init resolves the GPIO pin.
func (b *Buzzer) Init(ctx context.Context) error {
	pin := gpioreg.ByName(b.pinName)
	if pin == nil {
		return fmt.Errorf("buzzer: unknown pin %q", b.pinName)
	}
	b.pin = pin
	return nil
}

// Close silences the buzzer.
func (b *Buzzer) Close() error {
	if b.pin == nil {
		return nil
	}
	return b.pin.Out(gpio.Low)
}

// Play starts the named pattern in a background goroutine and returns
// immediately.
func (b *Buzzer) Play(p Pattern) {
	go func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		switch p {
		case PatternWarning:
			b.beep(150*time.Millisecond, 50, 0)
			time.Sleep(100 * time.Millisecond)
			b.beep(150*time.Millisecond, 50, 0)
		case PatternCritical:
			for i := 0; i < 3; i++ {
				b.beep(100*time.Millisecond, 70, 2500*physic.Hertz)
				time.Sleep(80 * time.Millisecond)
			}
		case PatternSuccess:
			b.beep(100*time.Millisecond, 40, 1500*physic.Hertz)
			time.Sleep(50 * time.Millisecond)
			b.beep(150*time.Millisecond, 40, 2500*physic.Hertz)
		case PatternError:
			b.beep(150*time.Millisecond, 50, 2500*physic.Hertz)
			time.Sleep(50 * time.Millisecond)
			b.beep(200*time.Millisecond, 50, 1200*physic.Hertz)
		default: // PatternInfo
			b.beep(100*time.Millisecond, 40, 0)
		}
	}()
}

// beep drives the buzzer pin high for duration and then low. dutyPct and
// freq (zero meaning the driver's base frequency) are accepted but not
// applied: no PWM waveform is generated, so every pattern differs only in
// its timing.
func (b *Buzzer) beep(duration time.Duration, dutyPct int, freq physic.Frequency) {
	if b.pin == nil {
		return
	}
	if freq == 0 {
		freq = b.baseHz
	}
	pwm, ok := b.pin.(gpio.PinOut)
	if !ok {
		return
	}
	_ = pwm.Out(gpio.High) // plain on/off; no duty cycling
	time.Sleep(duration)
	_ = pwm.Out(gpio.Low)
	_ = dutyPct // not applied
}

// namedColor is an (R, G, B) triple, each channel 0-255.
type namedColor struct{ r, g, b uint8 }

// ledColors is the predefined color table; "ok" carries the product's
// branding color.
var ledColors = map[string]namedColor{
	"off":     {0, 0, 0},
	"ok":      {207, 255, 71},
	"red":     {255, 0, 0},
	"green":   {0, 255, 0},
	"blue":    {0, 0, 255},
	"orange":  {255, 120, 0},
	"yellow":  {255, 255, 0},
	"white":   {255, 255, 255},
	"offline": {0, 0, 80},
	"error":   {255, 0, 0},
	"warning": {255, 120, 0},
	"info":    {0, 80, 255},
}

// LED drives a common-cathode RGB LED over three PWM-capable GPIO pins.
type LED struct {
	redName, greenName, blueName string
	red, green, blue             gpio.PinIO

	blinkMu   sync.Mutex
	blinkStop chan struct{}
	blinkDone chan struct{}
}

// NewLED constructs an LED driver bound to the given pin names.
func NewLED(redName, greenName, blueName string) *LED {
	return &LED{redName: redName, greenName: greenName, blueName: blueName}
}

// Init resolves all three GPIO pins.
func (l *LED) Init(ctx context.Context) error {
	l.red = gpioreg.ByName(l.redName)
	l.green = gpioreg.ByName(l.greenName)
	l.blue = gpioreg.ByName(l.blueName)
	if l.red == nil || l.green == nil || l.blue == nil {
		return fmt.Errorf("led: one or more pins not found (r=%q g=%q b=%q)", l.redName, l.greenName, l.blueName)
	}
	return nil
}

// Close turns the LED off.
func (l *LED) Close() error {
	l.StopBlink()
	return l.setColor(0, 0, 0)
}

func (l *LED) setColor(r, g, b uint8) error {
	if l.red == nil || l.green == nil || l.blue == nil {
		return nil
	}
	level := func(v uint8) gpio.Level { return v >= 128 }
	if err := l.red.(gpio.PinOut).Out(level(r)); err != nil {
		return err
	}
	if err := l.green.(gpio.PinOut).Out(level(g)); err != nil {
		return err
	}
	return l.blue.(gpio.PinOut).Out(level(b))
}

// SetNamed stops any blink and sets a predefined color by name. Unknown
// names resolve to off.
func (l *LED) SetNamed(name string) {
	l.StopBlink()
	c := ledColors[name]
	_ = l.setColor(c.r, c.g, c.b)
}

// Off stops any blink and turns the LED off.
func (l *LED) Off() {
	l.StopBlink()
	_ = l.setColor(0, 0, 0)
}

// Blink starts a continuous, cancellable on/off cycle in a background
// goroutine. A later SetNamed/Off/Blink call stops the previous cycle
// first.
func (l *LED) Blink(name string, onDur, offDur time.Duration) {
	l.StopBlink()

	l.blinkMu.Lock()
	l.blinkStop = make(chan struct{})
	l.blinkDone = make(chan struct{})
	stop := l.blinkStop
	done := l.blinkDone
	l.blinkMu.Unlock()

	c := ledColors[name]
	if c == (namedColor{}) {
		c = namedColor{255, 0, 0}
	}

	go func() {
		defer close(done)
		for {
			_ = l.setColor(c.r, c.g, c.b)
			select {
			case <-time.After(onDur):
			case <-stop:
				_ = l.setColor(0, 0, 0)
				return
			}
			_ = l.setColor(0, 0, 0)
			select {
			case <-time.After(offDur):
			case <-stop:
				return
			}
		}
	}()
}

// StopBlink cancels any in-flight Blink goroutine and waits up to 2s for it
// to exit.
func (l *LED) StopBlink() {
	l.blinkMu.Lock()
	stop, done := l.blinkStop, l.blinkDone
	l.blinkStop, l.blinkDone = nil, nil
	l.blinkMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}
