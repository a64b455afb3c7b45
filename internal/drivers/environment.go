package drivers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// Temperature is a DHT22-class temperature/humidity driver. Reads are
// throttled to one attempt per dhtMinReadInterval; a failed read returns the last
// cached good value rather than an error, matching the sensor's
// "errors are frequent, keep going" behavior.
type Temperature struct {
	pinName string
	pin     gpio.PinIO

	mu       sync.Mutex
	lastRead time.Time
	tempC    float64
	humidPct float64
	ok       bool
}

const dhtMinReadInterval = 2 * time.Second

// NewTemperature constructs a Temperature driver bound to the given GPIO
// pin name.
func NewTemperature(pinName string) *Temperature {
	return &Temperature{pinName: pinName}
}

// Init resolves the GPIO pin. Returns an error if the pin does not exist;
// the caller treats this as DriverAbsent, not fatal.
func (t *Temperature) Init(ctx context.Context) error {
	pin := gpioreg.ByName(t.pinName)
	if pin == nil {
		return fmt.Errorf("dht22: unknown pin %q", t.pinName)
	}
	t.pin = pin
	return nil
}

// Close releases the pin. DHT22 one-wire pins need no explicit teardown.
func (t *Temperature) Close() error { return nil }

// Read returns the last cached temperature/humidity reading, refreshing it
// if dhtMinReadInterval has elapsed since the last read attempt.
func (t *Temperature) Read() (tempC, humidPct float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if time.Since(t.lastRead) >= dhtMinReadInterval {
		t.lastRead = time.Now()
		if c, h, err := readDHT22(t.pin); err == nil {
			t.tempC, t.humidPct, t.ok = c, h, true
		}
	}
	return t.tempC, t.humidPct, t.ok
}

// readDHT22 is not implemented — a placeholder for a board-specific
// decode (DHT22 kernel module or a bit-bang library). It always returns
// an error, so Read keeps serving the zero-value cache with ok=false;
// this layer owns only throttling, caching, and the absent-hardware
// contract above it.
func readDHT22(pin gpio.PinIO) (tempC, humidPct float64, err error) {
	if pin == nil {
		return 0, 0, fmt.Errorf("dht22: pin not initialized")
	}
	return 0, 0, fmt.Errorf("dht22: no sample available")
}

// Gas is a digital-output gas sensor line (MQ-9 class). The line is
// asserted low when gas is detected.
type Gas struct {
	pinName string
	pin     gpio.PinIO
}

// NewGas constructs a Gas driver bound to the given GPIO pin name.
func NewGas(pinName string) *Gas {
	return &Gas{pinName: pinName}
}

// Init resolves the GPIO pin and configures it as an input with a pull-up,
// so an idle (no sensor) line reads as "not detected".
func (g *Gas) Init(ctx context.Context) error {
	pin := gpioreg.ByName(g.pinName)
	if pin == nil {
		return fmt.Errorf("gas: unknown pin %q", g.pinName)
	}
	if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return fmt.Errorf("gas: configure pin %q as input: %w", g.pinName, err)
	}
	g.pin = pin
	return nil
}

// Close releases the pin. No explicit teardown required.
func (g *Gas) Close() error { return nil }

// Detected reports whether the gas line currently reads asserted (low).
// Returns false (not detected) when the driver is absent — the caller
// consults OK to tell "not detected" from "can't tell".
func (g *Gas) Detected() bool {
	if g.pin == nil {
		return false
	}
	return g.pin.Read() == gpio.Low
}

// OK reports whether the gas line was successfully resolved at Init.
func (g *Gas) OK() bool {
	return g.pin != nil
}
