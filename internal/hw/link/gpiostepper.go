package link

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/DomeGo/internal/debug"
	"github.com/cjeanneret/DomeGo/internal/hw/gpio"
	"github.com/cjeanneret/DomeGo/internal/hw/stepper"
	"github.com/cjeanneret/DomeGo/internal/logic/geometry"
)

var errSuperseded = errors.New("superseded by a newer command")

// GPIOStepper runs the native protocol in-process on a step/dir driver
// board, so the dome driver talks to it like to any other controller.
type GPIOStepper struct {
	motor          *stepper.Stepper
	gpio           gpio.Driver
	stepsPerDegree float64
	homeAzimuth    float64
	homePin        int

	count  atomic.Int64 // steps from home
	target atomic.Uint64
	moving atomic.Bool

	mu      sync.Mutex
	base    context.Context
	cancel  context.CancelCauseFunc
	done    chan struct{}
	lines   lineQueue
	running atomic.Bool
}

// NewGPIOStepper wires the stepper and the optional home switch.
func NewGPIOStepper(g gpio.Driver, motor *stepper.Stepper, stepsPerDegree, homeAzimuth float64, homePin int) (*GPIOStepper, error) {
	if stepsPerDegree <= 0 {
		return nil, fmt.Errorf("gpio stepper: steps per degree must be > 0")
	}
	if homePin > 0 {
		if err := g.SetupPin(homePin, gpio.InputPullUp); err != nil {
			return nil, fmt.Errorf("home switch pin %d: %w", homePin, err)
		}
	}
	return &GPIOStepper{
		motor:          motor,
		gpio:           g,
		stepsPerDegree: stepsPerDegree,
		homeAzimuth:    homeAzimuth,
		homePin:        homePin,
		base:           context.Background(),
		lines:          newLineQueue(),
	}, nil
}

func (s *GPIOStepper) Lines() <-chan string { return s.lines }
func (s *GPIOStepper) Connected() bool      { return s.running.Load() }

// Position is the azimuth implied by the step count.
func (s *GPIOStepper) Position() float64 {
	return geometry.Normalize(s.homeAzimuth + float64(s.count.Load())/s.stepsPerDegree)
}

// Run enables the motor and holds the context moves run under. On exit the
// running move is cancelled and the motor released.
func (s *GPIOStepper) Run(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	if err := s.motor.Enable(); err != nil {
		return fmt.Errorf("gpio stepper: enable: %w", err)
	}
	s.running.Store(true)

	<-ctx.Done()

	s.running.Store(false)
	s.mu.Lock()
	s.halt(context.Canceled)
	s.mu.Unlock()
	return s.motor.Disable()
}

// Send accepts MOVE, STOP, STATUS, HOME and PING.
func (s *GPIOStepper) Send(line string) error {
	if !s.running.Load() {
		return ErrNotConnected
	}
	debug.Wire(">", "gpio-stepper", line)

	fields := strings.Fields(strings.ToUpper(line))
	if len(fields) == 0 {
		return fmt.Errorf("gpio stepper: empty command")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch fields[0] {
	case "MOVE":
		if len(fields) != 3 {
			return fmt.Errorf("gpio stepper: bad MOVE %q", line)
		}
		az, err1 := strconv.ParseFloat(fields[1], 64)
		speed, err2 := strconv.Atoi(fields[2])
		if err := errors.Join(err1, err2); err != nil {
			return fmt.Errorf("gpio stepper: bad MOVE %q: %w", line, err)
		}
		s.target.Store(math.Float64bits(az))
		steps := int(math.Round(geometry.Delta(s.Position(), az) * s.stepsPerDegree))
		delay := s.motor.DelayForSpeed(speed)
		s.start(func(ctx context.Context) string {
			if err := s.step(ctx, steps, delay); err != nil {
				return s.interrupted(ctx, err)
			}
			return "TARGET REACHED"
		})
	case "STOP":
		s.halt(nil)
	case "STATUS":
		s.lines.push(s.status())
	case "HOME":
		if s.homePin <= 0 {
			return fmt.Errorf("gpio stepper: no home switch configured")
		}
		sign := 1
		if len(fields) > 1 && fields[1] == "CCW" {
			sign = -1
		}
		s.start(func(ctx context.Context) string { return s.seekHome(ctx, sign) })
	case "PING":
		s.lines.push("PONG")
	default:
		return fmt.Errorf("gpio stepper: unsupported command %q", line)
	}
	return nil
}

// start runs fn as the single in-flight move. Callers hold s.mu.
func (s *GPIOStepper) start(fn func(ctx context.Context) string) {
	s.halt(errSuperseded)
	ctx, cancel := context.WithCancelCause(s.base)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.moving.Store(true)
	go func() {
		defer close(done)
		reply := fn(ctx)
		s.moving.Store(false)
		if reply != "" {
			s.lines.push(reply)
		}
	}()
}

// halt cancels the running move and waits for its last pulse. A nil cause
// is an explicit STOP. Callers hold s.mu.
func (s *GPIOStepper) halt(cause error) {
	if s.cancel == nil {
		return
	}
	s.cancel(cause)
	<-s.done
	s.cancel, s.done = nil, nil
}

func (s *GPIOStepper) interrupted(ctx context.Context, err error) string {
	if errors.Is(context.Cause(ctx), errSuperseded) {
		return ""
	}
	if ctx.Err() == nil {
		debug.Warn("gpio stepper: %v", err)
	}
	return "STOPPED"
}

// step emits steps in chunks of about one degree so Position stays current.
func (s *GPIOStepper) step(ctx context.Context, steps int, delay time.Duration) error {
	chunk := max(1, int(s.stepsPerDegree))
	for steps != 0 {
		n := steps
		if n > chunk {
			n = chunk
		} else if n < -chunk {
			n = -chunk
		}
		done, err := s.motor.MoveStepsAt(ctx, n, delay)
		s.count.Add(int64(done))
		steps -= done
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *GPIOStepper) seekHome(ctx context.Context, sign int) string {
	delay := s.motor.DelayForSpeed(50)
	for {
		level, err := s.gpio.ReadPin(s.homePin)
		if err != nil {
			debug.Warn("gpio stepper: home switch: %v", err)
			return "STOPPED"
		}
		if level == gpio.Low {
			s.count.Store(0)
			return "HOMED"
		}
		if err := s.step(ctx, sign, delay); err != nil {
			return s.interrupted(ctx, err)
		}
	}
}

func (s *GPIOStepper) status() string {
	moving, home := "NO", "NO"
	if s.moving.Load() {
		moving = "YES"
	}
	if s.homePin > 0 {
		if level, err := s.gpio.ReadPin(s.homePin); err == nil && level == gpio.Low {
			home = "YES"
		}
	}
	return fmt.Sprintf("STATUS: Azimuth=%.2f Target=%.2f Moving=%s Home=%s",
		s.Position(), math.Float64frombits(s.target.Load()), moving, home)
}
