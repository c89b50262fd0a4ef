package stepper

import (
	"context"
	"time"

	"github.com/cjeanneret/DomeGo/internal/debug"
	"github.com/cjeanneret/DomeGo/internal/hw/gpio"
)

// Config holds the hardware configuration for the dome rotation stepper.
type Config struct {
	StepPin   int
	DirPin    int
	EnablePin int           // A4988 ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	StepDelay time.Duration // delay per half-cycle of STEP pulse at full speed. Total step = 2*StepDelay.
}

// Stepper generates STEP/DIR pulses. A move can be cut short by cancelling
// its context; the number of steps actually emitted is reported back so the
// caller can keep its step count honest.
type Stepper struct {
	gpio  gpio.Driver
	cfg   Config
	delay time.Duration // delay between STEP pulse half-cycles
}

// NewStepper creates a new stepper motor controller.
// cfg.StepDelay: if 0, defaults to 1ms.
func NewStepper(g gpio.Driver, cfg Config) *Stepper {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)

	delay := cfg.StepDelay
	if delay <= 0 {
		delay = 1 * time.Millisecond
	}

	s := &Stepper{
		gpio:  g,
		cfg:   cfg,
		delay: delay,
	}

	// A4988 ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = g.WritePin(cfg.EnablePin, gpio.Low) // enable by default
	}

	return s
}

// DelayForSpeed scales the half-cycle for a 1-100 speed percentage.
// Speeds outside the range are clamped.
func (s *Stepper) DelayForSpeed(speed int) time.Duration {
	speed = max(1, min(100, speed))
	return s.delay * 100 / time.Duration(speed)
}

// MoveSteps moves the motor by a number of steps (positive = clockwise)
// at full speed.
func (s *Stepper) MoveSteps(ctx context.Context, steps int) (int, error) {
	return s.MoveStepsAt(ctx, steps, s.delay)
}

// MoveStepsAt moves by steps with the given half-cycle delay. It returns
// the signed number of steps emitted, which is less than requested when ctx
// is cancelled.
func (s *Stepper) MoveStepsAt(ctx context.Context, steps int, delay time.Duration) (int, error) {
	if steps == 0 {
		return 0, nil
	}

	dirLevel := gpio.High
	direction := "cw"
	sign := 1
	if steps < 0 {
		dirLevel = gpio.Low
		direction = "ccw"
		sign = -1
		steps = -steps
	}

	debug.Verbose("Stepper: moving %d steps (%s) on pin %d", steps, direction, s.cfg.StepPin)

	if err := s.gpio.WritePin(s.cfg.DirPin, dirLevel); err != nil {
		return 0, err
	}

	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			debug.Verbose("Stepper: interrupted after %d/%d steps", i, steps)
			return sign * i, err
		}
		if err := s.stepPulse(delay); err != nil {
			return sign * i, err
		}
	}
	return sign * steps, nil
}

func (s *Stepper) stepPulse(delay time.Duration) error {
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	time.Sleep(delay)
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	time.Sleep(delay)
	return nil
}

// Enable turns on the motor driver (A4988 ENABLE=LOW). Motors hold position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (A4988 ENABLE=HIGH). The dome can then
// be pushed by hand.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.High)
}
