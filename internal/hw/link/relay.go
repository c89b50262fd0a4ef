package link

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/DomeGo/internal/debug"
	"github.com/cjeanneret/DomeGo/internal/hw/gpio"
)

// relayDeadTime separates releasing one direction relay from energizing the
// other so the motor never sees both at once.
const relayDeadTime = 50 * time.Millisecond

const switchPollInterval = 20 * time.Millisecond

// GPIORelay drives a two-relay motor board directly from GPIO and watches
// the home switch. It understands the relay protocol only.
type GPIORelay struct {
	gpio       gpio.Driver
	cwPin      int
	ccwPin     int
	homePin    int // 0 = no switch
	running    atomic.Bool
	energized  atomic.Int32 // 0 off, 1 cw, -1 ccw
	lines      lineQueue
	pollPeriod time.Duration
}

// NewGPIORelay sets the relay pins up as outputs, both released.
func NewGPIORelay(g gpio.Driver, cwPin, ccwPin, homePin int) (*GPIORelay, error) {
	r := &GPIORelay{
		gpio:       g,
		cwPin:      cwPin,
		ccwPin:     ccwPin,
		homePin:    homePin,
		lines:      newLineQueue(),
		pollPeriod: switchPollInterval,
	}
	for _, pin := range []int{cwPin, ccwPin} {
		if err := g.SetupPin(pin, gpio.Output); err != nil {
			return nil, fmt.Errorf("relay pin %d: %w", pin, err)
		}
		if err := g.WritePin(pin, gpio.Low); err != nil {
			return nil, fmt.Errorf("relay pin %d: %w", pin, err)
		}
	}
	if homePin > 0 {
		if err := g.SetupPin(homePin, gpio.InputPullUp); err != nil {
			return nil, fmt.Errorf("home switch pin %d: %w", homePin, err)
		}
	}
	return r, nil
}

func (r *GPIORelay) Lines() <-chan string { return r.lines }
func (r *GPIORelay) Connected() bool      { return r.running.Load() }

// Send accepts RELAY CW, RELAY CCW and RELAY OFF.
func (r *GPIORelay) Send(line string) error {
	if !r.running.Load() {
		return ErrNotConnected
	}
	debug.Wire(">", "gpio-relay", line)

	fields := strings.Fields(strings.ToUpper(line))
	if len(fields) != 2 || fields[0] != "RELAY" {
		return fmt.Errorf("gpio relay: unsupported command %q", line)
	}
	switch fields[1] {
	case "OFF":
		return r.release()
	case "CW":
		return r.energize(1, r.cwPin)
	case "CCW":
		return r.energize(-1, r.ccwPin)
	}
	return fmt.Errorf("gpio relay: unsupported direction %q", fields[1])
}

func (r *GPIORelay) release() error {
	err1 := r.gpio.WritePin(r.cwPin, gpio.Low)
	err2 := r.gpio.WritePin(r.ccwPin, gpio.Low)
	r.energized.Store(0)
	if err1 != nil {
		return err1
	}
	return err2
}

func (r *GPIORelay) energize(dir int32, pin int) error {
	prev := r.energized.Load()
	if prev == dir {
		return nil
	}
	if err := r.release(); err != nil {
		return err
	}
	if prev != 0 {
		time.Sleep(relayDeadTime)
	}
	if err := r.gpio.WritePin(pin, gpio.High); err != nil {
		return err
	}
	r.energized.Store(dir)
	return nil
}

// Run polls the home switch until ctx is done, then releases both relays.
// The switch pulls the pin LOW when closed; each closing edge emits HOMED.
func (r *GPIORelay) Run(ctx context.Context) error {
	r.running.Store(true)
	defer func() {
		r.running.Store(false)
		if err := r.release(); err != nil {
			debug.Warn("gpio relay: release on shutdown: %v", err)
		}
	}()

	ticker := time.NewTicker(r.pollPeriod)
	defer ticker.Stop()
	closed := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if r.homePin <= 0 {
			continue
		}
		level, err := r.gpio.ReadPin(r.homePin)
		if err != nil {
			debug.Warn("gpio relay: home switch: %v", err)
			continue
		}
		now := level == gpio.Low
		if now && !closed {
			debug.Verbose("gpio relay: home switch closed")
			r.lines.push("HOMED")
		}
		closed = now
	}
}
