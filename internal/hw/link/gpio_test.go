package link

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/cjeanneret/DomeGo/internal/config"
	"github.com/cjeanneret/DomeGo/internal/hw/gpio"
	"github.com/cjeanneret/DomeGo/internal/hw/stepper"
)

func level(t *testing.T, m *gpio.MockDriver, pin int) gpio.Level {
	t.Helper()
	l, err := m.ReadPin(pin)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestGPIORelay_Interlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := gpio.NewMockDriver()
	r, err := NewGPIORelay(m, 23, 24, 25)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Send("RELAY CW"); err == nil {
		t.Error("Send before Run should fail")
	}
	go r.Run(ctx)
	waitFor(t, "relay running", r.Connected)

	if err := r.Send("RELAY CW"); err != nil {
		t.Fatal(err)
	}
	if level(t, m, 23) != gpio.High || level(t, m, 24) != gpio.Low {
		t.Error("CW should energize only the cw relay")
	}
	if err := r.Send("RELAY CCW"); err != nil {
		t.Fatal(err)
	}
	if level(t, m, 23) != gpio.Low || level(t, m, 24) != gpio.High {
		t.Error("CCW should energize only the ccw relay")
	}
	if err := r.Send("RELAY OFF"); err != nil {
		t.Fatal(err)
	}
	if level(t, m, 23) != gpio.Low || level(t, m, 24) != gpio.Low {
		t.Error("OFF should release both relays")
	}
	if err := r.Send("MOVE 10.00 50"); err == nil {
		t.Error("relay board must reject MOVE")
	}
}

func TestGPIORelay_HomeSwitchEdge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := gpio.NewMockDriver()
	r, err := NewGPIORelay(m, 23, 24, 25)
	if err != nil {
		t.Fatal(err)
	}
	r.pollPeriod = time.Millisecond
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	waitFor(t, "relay running", r.Connected)
	_ = r.Send("RELAY CW")

	m.SetInput(25, gpio.Low)
	expectLine(t, r.Lines(), "HOMED")

	cancel()
	<-done
	if level(t, m, 23) != gpio.Low {
		t.Error("relays must be released on shutdown")
	}
}

func newTestGPIOStepper(t *testing.T) (*GPIOStepper, *gpio.MockDriver, context.CancelFunc) {
	t.Helper()
	m := gpio.NewMockDriver()
	motor := stepper.NewStepper(m, stepper.Config{StepPin: 17, DirPin: 27, StepDelay: time.Microsecond})
	s, err := NewGPIOStepper(m, motor, 10, 0, 25)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	waitFor(t, "stepper running", s.Connected)
	return s, m, cancel
}

func TestGPIOStepper_MoveAndStatus(t *testing.T) {
	s, _, cancel := newTestGPIOStepper(t)
	defer cancel()

	if err := s.Send("MOVE 9.00 100"); err != nil {
		t.Fatal(err)
	}
	expectLine(t, s.Lines(), "TARGET REACHED")
	if got := s.Position(); math.Abs(got-9) > 1e-9 {
		t.Errorf("position = %v, want 9", got)
	}

	_ = s.Send("MOVE 359.00 100")
	expectLine(t, s.Lines(), "TARGET REACHED")
	if got := s.Position(); math.Abs(got-359) > 1e-9 {
		t.Errorf("position = %v, want 359", got)
	}

	_ = s.Send("STATUS")
	expectLine(t, s.Lines(), "STATUS: Azimuth=359.00 Target=359.00 Moving=NO Home=NO")
	_ = s.Send("PING")
	expectLine(t, s.Lines(), "PONG")
}

func TestGPIOStepper_StopInterruptsMove(t *testing.T) {
	s, _, cancel := newTestGPIOStepper(t)
	defer cancel()

	// 1800 steps at the slowest speed
	_ = s.Send("MOVE 180.00 1")
	if err := s.Send("STOP"); err != nil {
		t.Fatal(err)
	}
	line := <-s.Lines()
	if line != "STOPPED" && line != "TARGET REACHED" {
		t.Fatalf("line = %q", line)
	}
}

func TestGPIOStepper_Home(t *testing.T) {
	s, m, cancel := newTestGPIOStepper(t)
	defer cancel()

	_ = s.Send("MOVE 20.00 100")
	expectLine(t, s.Lines(), "TARGET REACHED")

	m.SetInput(25, gpio.Low)
	if err := s.Send("HOME CCW"); err != nil {
		t.Fatal(err)
	}
	expectLine(t, s.Lines(), "HOMED")
	if s.Position() != 0 {
		t.Errorf("position after homing = %v, want 0", s.Position())
	}
}

func TestOpen(t *testing.T) {
	cfg := &config.Config{Driver: config.DriverConfig{Link: config.LinkSim, DegreesPerSecond: 5}}
	l, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(*Sim); !ok {
		t.Errorf("sim link = %T", l)
	}

	cfg.Driver.Link = config.LinkGPIO
	cfg.Driver.Protocol = config.ProtocolRelay
	cfg.Driver.GPIO = config.GPIOConfig{Mock: true, RelayCWPin: 23, RelayCCWPin: 24}
	if l, err = Open(cfg); err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(*closingLink).Link.(*GPIORelay); !ok {
		t.Errorf("gpio relay link = %T", l)
	}

	cfg.Driver.Link = "carrier-pigeon"
	if _, err := Open(cfg); err == nil {
		t.Error("expected error for unknown link")
	}
}
