package dome

import (
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/DomeGo/internal/debug"
	"github.com/cjeanneret/DomeGo/internal/logic/geometry"
)

// Motion describes a rotation the controller was just told to perform.
type Motion struct {
	Target     float64
	Direction  Direction
	Continuous bool // homing: rotate until told otherwise
	Started    time.Time
}

// Tracker estimates the dome position for one sensing strategy.
type Tracker interface {
	Name() string
	Position() float64
	Moving() bool
	Start(m Motion)
	Halt(now time.Time)
	// Observe feeds a parsed controller line.
	Observe(r Response, now time.Time)
	// Advance updates the estimate to now. It returns true when the target
	// has been reached and the controller has to be told to stop.
	Advance(now time.Time) bool
	// Reset re-zeroes the estimate at az (homing).
	Reset(az float64)
}

// TrackerConfig holds the ratios every strategy may need.
type TrackerConfig struct {
	StepsPerDegree   float64
	TicksPerDegree   float64
	Tolerance        float64 // degrees
	DegreesPerSecond float64
	HomeAzimuth      float64
}

// NewTracker returns the tracker for a motor type.
func NewTracker(motorType string, cfg TrackerConfig) (Tracker, error) {
	switch motorType {
	case "stepper":
		return NewStepperTracker(cfg), nil
	case "encoder":
		return NewEncoderTracker(cfg), nil
	case "timed":
		return NewTimedTracker(cfg), nil
	}
	return nil, fmt.Errorf("unknown motor type %q", motorType)
}

// CheckPairing rejects motor/protocol combinations that cannot stop. The
// relay board reports nothing and only releases when told to, which only
// the timed tracker does.
func CheckPairing(motorType, protocol string) error {
	if protocol == "relay" && motorType != "timed" {
		return fmt.Errorf("the relay protocol needs motor type timed, got %q", motorType)
	}
	return nil
}

// StepperTracker integrates commanded steps. There is no feedback: the
// estimate drifts until the next homing.
type StepperTracker struct {
	steps  *geometry.StepsCalculator
	cfg    TrackerConfig
	count  int // steps from home
	moving bool
	target float64
	endBy  time.Time
}

func NewStepperTracker(cfg TrackerConfig) *StepperTracker {
	return &StepperTracker{
		steps: geometry.NewStepsCalculator(cfg.StepsPerDegree),
		cfg:   cfg,
	}
}

func (t *StepperTracker) Name() string { return "stepper" }
func (t *StepperTracker) Moving() bool { return t.moving }
func (t *StepperTracker) Steps() int   { return t.count }

func (t *StepperTracker) Reset(az float64) {
	t.cfg.HomeAzimuth, t.count, t.moving = az, 0, false
}

func (t *StepperTracker) Position() float64 {
	return geometry.Normalize(t.cfg.HomeAzimuth + t.steps.AngleFromSteps(t.count))
}

func (t *StepperTracker) Start(m Motion) {
	if m.Continuous {
		t.moving = true
		t.endBy = time.Time{}
		return
	}
	delta := geometry.Delta(t.Position(), m.Target)
	n := t.steps.StepsFromAngle(delta)
	t.count += n
	t.target = m.Target
	t.moving = n != 0
	t.endBy = m.Started.Add(travelTime(math.Abs(delta), t.cfg.DegreesPerSecond))
	debug.Verbose("stepper tracker: %+d steps (%.2f°) -> count %d", n, delta, t.count)
}

func (t *StepperTracker) Halt(time.Time) { t.moving = false }

func (t *StepperTracker) Observe(r Response, _ time.Time) {
	switch r.Kind {
	case RespTargetReached, RespStopped:
		t.moving = false
	case RespStatus:
		t.moving = r.Moving
	}
}

// Advance ends a move the controller never confirmed once its expected
// travel time has passed twice over.
func (t *StepperTracker) Advance(now time.Time) bool {
	if t.moving && !t.endBy.IsZero() && now.After(t.endBy) {
		t.moving = false
	}
	return false
}

// EncoderTracker reads the position from encoder feedback.
type EncoderTracker struct {
	cfg      TrackerConfig
	pos      float64
	moving   bool
	target   float64
	seeking  bool
	tickBase float64 // azimuth at tick zero
}

func NewEncoderTracker(cfg TrackerConfig) *EncoderTracker {
	return &EncoderTracker{cfg: cfg, pos: cfg.HomeAzimuth, tickBase: cfg.HomeAzimuth}
}

func (t *EncoderTracker) Name() string      { return "encoder" }
func (t *EncoderTracker) Position() float64 { return t.pos }
func (t *EncoderTracker) Moving() bool      { return t.moving }

func (t *EncoderTracker) Reset(az float64) {
	t.pos, t.tickBase, t.moving, t.seeking = az, az, false, false
}

func (t *EncoderTracker) Start(m Motion) {
	t.moving = true
	t.target = m.Target
	t.seeking = !m.Continuous
}

func (t *EncoderTracker) Halt(time.Time) { t.moving, t.seeking = false, false }

func (t *EncoderTracker) Observe(r Response, _ time.Time) {
	switch {
	case r.HasTicks && t.cfg.TicksPerDegree > 0:
		t.pos = geometry.Normalize(t.tickBase + float64(r.Ticks)/t.cfg.TicksPerDegree)
	case r.HasAzimuth:
		t.pos = geometry.Normalize(r.Azimuth)
	}
	switch r.Kind {
	case RespTargetReached, RespStopped:
		t.moving, t.seeking = false, false
	case RespStatus:
		if !t.seeking {
			t.moving = r.Moving
		}
	}
}

func (t *EncoderTracker) Advance(time.Time) bool {
	if !t.seeking {
		return false
	}
	if math.Abs(geometry.Delta(t.pos, t.target)) <= t.cfg.Tolerance {
		t.moving, t.seeking = false, false
		return true
	}
	return false
}

// TimedTracker dead-reckons direction x elapsed time x rate.
type TimedTracker struct {
	cfg        TrackerConfig
	pos        float64
	moving     bool
	continuous bool
	dir        Direction
	target     float64
	last       time.Time
}

func NewTimedTracker(cfg TrackerConfig) *TimedTracker {
	return &TimedTracker{cfg: cfg, pos: cfg.HomeAzimuth}
}

func (t *TimedTracker) Name() string      { return "timed" }
func (t *TimedTracker) Position() float64 { return t.pos }
func (t *TimedTracker) Moving() bool      { return t.moving }

func (t *TimedTracker) Reset(az float64) { t.pos, t.moving = az, false }

func (t *TimedTracker) Start(m Motion) {
	t.moving = true
	t.continuous = m.Continuous
	t.dir = m.Direction
	t.target = m.Target
	t.last = m.Started
}

func (t *TimedTracker) Halt(now time.Time) {
	if t.moving {
		t.integrate(now)
	}
	t.moving = false
}

// Observe ignores positions: there is no sensor. Only a controller-side
// stop is honored.
func (t *TimedTracker) Observe(r Response, now time.Time) {
	if r.Kind == RespStopped && t.moving {
		t.integrate(now)
		t.moving = false
	}
}

func (t *TimedTracker) integrate(now time.Time) float64 {
	dt := now.Sub(t.last).Seconds()
	if dt < 0 {
		dt = 0
	}
	step := t.cfg.DegreesPerSecond * dt
	t.pos = geometry.Normalize(t.pos + t.dir.Sign()*step)
	t.last = now
	return step
}

func (t *TimedTracker) Advance(now time.Time) bool {
	if !t.moving {
		return false
	}
	before := geometry.Delta(t.pos, t.target) * t.dir.Sign()
	step := t.integrate(now)
	if t.continuous {
		return false
	}
	remaining := geometry.Delta(t.pos, t.target) * t.dir.Sign()
	// remaining flips sign when the last step carried us past the target
	overshot := before >= 0 && remaining < 0 && before <= step+t.cfg.Tolerance
	if math.Abs(remaining) <= t.cfg.Tolerance || overshot {
		t.pos = geometry.Normalize(t.target)
		t.moving = false
		return true
	}
	return false
}

func travelTime(deg, dps float64) time.Duration {
	if dps <= 0 {
		return 0
	}
	return time.Duration(2 * deg / dps * float64(time.Second))
}
