package stepper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cjeanneret/DomeGo/internal/hw/gpio"
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	calls   []gpioCall
	onWrite func(n int) // called after each write with the write count
	writes  int
}

type gpioCall struct {
	op    string // "setup", "write"
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	d.writes++
	if d.onWrite != nil {
		d.onWrite(d.writes)
	}
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (d *recordingDriver) Close() error {
	return nil
}

func (d *recordingDriver) writeCalls() []gpioCall {
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" {
			result = append(result, c)
		}
	}
	return result
}

func (d *recordingDriver) writeCallsForPin(pin int) []gpioCall {
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" && c.pin == pin {
			result = append(result, c)
		}
	}
	return result
}

func TestStepper_MoveStepsForward(t *testing.T) {
	drv := &recordingDriver{}
	cfg := Config{
		StepPin:   17,
		DirPin:    27,
		EnablePin: 5,
		StepDelay: 1 * time.Microsecond,
	}
	s := NewStepper(drv, cfg)
	drv.calls = nil // reset after init

	done, err := s.MoveSteps(context.Background(), 10)
	if err != nil {
		t.Fatalf("MoveSteps: %v", err)
	}
	if done != 10 {
		t.Errorf("done = %d, want 10", done)
	}

	// First call should set direction HIGH (forward)
	writes := drv.writeCalls()
	if len(writes) == 0 {
		t.Fatal("expected GPIO write calls")
	}
	if writes[0].pin != 27 || writes[0].level != gpio.High {
		t.Errorf("first write should set dir pin HIGH, got pin=%d level=%v", writes[0].pin, writes[0].level)
	}

	// Count step pulses (HIGH+LOW pairs on step pin)
	stepPulses := 0
	for _, c := range writes {
		if c.pin == cfg.StepPin && c.level == gpio.High {
			stepPulses++
		}
	}
	if stepPulses != 10 {
		t.Errorf("expected 10 step pulses, got %d", stepPulses)
	}
}

func TestStepper_MoveStepsBackward(t *testing.T) {
	drv := &recordingDriver{}
	cfg := Config{
		StepPin:   17,
		DirPin:    27,
		EnablePin: 5,
		StepDelay: 1 * time.Microsecond,
	}
	s := NewStepper(drv, cfg)
	drv.calls = nil

	done, err := s.MoveSteps(context.Background(), -5)
	if err != nil {
		t.Fatalf("MoveSteps: %v", err)
	}
	if done != -5 {
		t.Errorf("done = %d, want -5", done)
	}

	writes := drv.writeCalls()
	if len(writes) == 0 {
		t.Fatal("expected GPIO write calls")
	}
	// Direction should be LOW (backward)
	if writes[0].pin != 27 || writes[0].level != gpio.Low {
		t.Errorf("first write should set dir pin LOW, got pin=%d level=%v", writes[0].pin, writes[0].level)
	}

	stepPulses := 0
	for _, c := range writes {
		if c.pin == cfg.StepPin && c.level == gpio.High {
			stepPulses++
		}
	}
	if stepPulses != 5 {
		t.Errorf("expected 5 step pulses, got %d", stepPulses)
	}
}

func TestStepper_MoveStepsZero(t *testing.T) {
	drv := &recordingDriver{}
	cfg := Config{
		StepPin:   17,
		DirPin:    27,
		EnablePin: 5,
		StepDelay: 1 * time.Microsecond,
	}
	s := NewStepper(drv, cfg)
	drv.calls = nil

	if _, err := s.MoveSteps(context.Background(), 0); err != nil {
		t.Fatalf("MoveSteps: %v", err)
	}

	if len(drv.calls) != 0 {
		t.Errorf("zero steps should produce no GPIO calls, got %d", len(drv.calls))
	}
}

func TestStepper_EnableDisable(t *testing.T) {
	drv := &recordingDriver{}
	cfg := Config{
		StepPin:   17,
		DirPin:    27,
		EnablePin: 5,
		StepDelay: 1 * time.Microsecond,
	}
	s := NewStepper(drv, cfg)
	drv.calls = nil

	if err := s.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	enableCalls := drv.writeCallsForPin(5)
	if len(enableCalls) != 1 || enableCalls[0].level != gpio.Low {
		t.Errorf("Enable should write LOW to enable pin, got %v", enableCalls)
	}

	drv.calls = nil
	if err := s.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	disableCalls := drv.writeCallsForPin(5)
	if len(disableCalls) != 1 || disableCalls[0].level != gpio.High {
		t.Errorf("Disable should write HIGH to enable pin, got %v", disableCalls)
	}
}

func TestStepper_EnableDisable_NoEnablePin(t *testing.T) {
	drv := &recordingDriver{}
	cfg := Config{
		StepPin:   17,
		DirPin:    27,
		EnablePin: 0, // no enable pin
		StepDelay: 1 * time.Microsecond,
	}
	s := NewStepper(drv, cfg)
	drv.calls = nil

	if err := s.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := s.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}

	if len(drv.calls) != 0 {
		t.Errorf("with EnablePin=0, Enable/Disable should produce no GPIO calls, got %d", len(drv.calls))
	}
}

func TestStepper_DefaultStepDelay(t *testing.T) {
	drv := &recordingDriver{}
	cfg := Config{
		StepPin:   17,
		DirPin:    27,
		StepDelay: 0, // should default to 1ms
	}
	s := NewStepper(drv, cfg)
	if s.delay != 1*time.Millisecond {
		t.Errorf("default delay = %v, want 1ms", s.delay)
	}
}

func TestStepper_StepPulsePattern(t *testing.T) {
	drv := &recordingDriver{}
	cfg := Config{
		StepPin:   17,
		DirPin:    27,
		EnablePin: 5,
		StepDelay: 1 * time.Microsecond,
	}
	s := NewStepper(drv, cfg)
	drv.calls = nil

	s.MoveSteps(context.Background(), 1) // single step

	stepCalls := drv.writeCallsForPin(17)
	// Should be HIGH then LOW
	if len(stepCalls) != 2 {
		t.Fatalf("single step should produce 2 writes on step pin, got %d", len(stepCalls))
	}
	if stepCalls[0].level != gpio.High {
		t.Error("first pulse should be HIGH")
	}
	if stepCalls[1].level != gpio.Low {
		t.Error("second pulse should be LOW")
	}
}

func TestStepper_CancelStopsMidMove(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drv := &recordingDriver{}
	cfg := Config{StepPin: 17, DirPin: 27, StepDelay: 1 * time.Microsecond}
	s := NewStepper(drv, cfg)
	drv.calls = nil
	drv.writes = 0
	// dir write + 3 full pulses, then STOP arrives
	drv.onWrite = func(n int) {
		if n == 7 {
			cancel()
		}
	}

	done, err := s.MoveSteps(ctx, -100)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if done != -3 {
		t.Errorf("done = %d, want -3", done)
	}
}

func TestStepper_DelayForSpeed(t *testing.T) {
	s := NewStepper(&recordingDriver{}, Config{StepPin: 17, DirPin: 27, StepDelay: 500 * time.Microsecond})
	tests := []struct {
		speed int
		want  time.Duration
	}{
		{100, 500 * time.Microsecond},
		{50, 1 * time.Millisecond},
		{250, 500 * time.Microsecond},
		{0, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := s.DelayForSpeed(tt.speed); got != tt.want {
			t.Errorf("DelayForSpeed(%d) = %v, want %v", tt.speed, got, tt.want)
		}
	}
}
