package dome

import (
	"math"
	"testing"
	"time"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestStepperTracker_IntegratesSteps(t *testing.T) {
	trk := NewStepperTracker(TrackerConfig{StepsPerDegree: 100, DegreesPerSecond: 5})
	t0 := time.Unix(0, 0)

	trk.Start(Motion{Target: 10, Direction: CW, Started: t0})
	if trk.Steps() != 1000 {
		t.Errorf("steps = %d, want 1000", trk.Steps())
	}
	if !approx(trk.Position(), 10) || !trk.Moving() {
		t.Errorf("position = %v moving = %v", trk.Position(), trk.Moving())
	}

	// shortest path across north: 10 -> 350 is -20 degrees
	trk.Start(Motion{Target: 350, Direction: CCW, Started: t0})
	if trk.Steps() != -1000 {
		t.Errorf("steps = %d, want -1000", trk.Steps())
	}
	if !approx(trk.Position(), 350) {
		t.Errorf("position = %v, want 350", trk.Position())
	}

	trk.Reset(90)
	if trk.Steps() != 0 || !approx(trk.Position(), 90) || trk.Moving() {
		t.Errorf("after reset: steps=%d pos=%v moving=%v", trk.Steps(), trk.Position(), trk.Moving())
	}
}

func TestStepperTracker_UnconfirmedMoveTimesOut(t *testing.T) {
	trk := NewStepperTracker(TrackerConfig{StepsPerDegree: 10, DegreesPerSecond: 10})
	t0 := time.Unix(0, 0)
	trk.Start(Motion{Target: 20, Started: t0})

	// 20 degrees at 10 deg/s, given twice the travel time
	if trk.Advance(t0.Add(3*time.Second)) || !trk.Moving() {
		t.Fatal("still expected to be moving")
	}
	if trk.Advance(t0.Add(5 * time.Second)) {
		t.Error("stepper tracker never requests a stop")
	}
	if trk.Moving() {
		t.Error("expected move to be considered finished")
	}
}

func TestStepperTracker_Observe(t *testing.T) {
	trk := NewStepperTracker(TrackerConfig{StepsPerDegree: 10})
	trk.Start(Motion{Target: 20})
	trk.Observe(Response{Kind: RespTargetReached}, time.Time{})
	if trk.Moving() {
		t.Error("TARGET REACHED should end the move")
	}
	if !approx(trk.Position(), 20) {
		t.Errorf("position = %v", trk.Position())
	}
}

func TestEncoderTracker_Ticks(t *testing.T) {
	trk := NewEncoderTracker(TrackerConfig{TicksPerDegree: 10, Tolerance: 0.5})
	now := time.Unix(0, 0)
	trk.Start(Motion{Target: 20, Direction: CW})

	trk.Observe(Response{Kind: RespStatus, HasTicks: true, Ticks: 150, Moving: true}, now)
	if !approx(trk.Position(), 15) {
		t.Errorf("position = %v, want 15", trk.Position())
	}
	if trk.Advance(now) {
		t.Error("5 degrees away, should not stop")
	}

	trk.Observe(Response{Kind: RespStatus, HasTicks: true, Ticks: 198, Moving: true}, now)
	if !trk.Advance(now) {
		t.Error("within tolerance, should request stop")
	}
	if trk.Moving() {
		t.Error("expected stopped")
	}
}

func TestEncoderTracker_AzimuthFallbackAndReset(t *testing.T) {
	trk := NewEncoderTracker(TrackerConfig{TicksPerDegree: 10, Tolerance: 0.5})
	trk.Observe(Response{Kind: RespPosition, HasAzimuth: true, Azimuth: 123.4}, time.Time{})
	if !approx(trk.Position(), 123.4) {
		t.Errorf("position = %v", trk.Position())
	}

	trk.Reset(45)
	trk.Observe(Response{Kind: RespStatus, HasTicks: true, Ticks: -100}, time.Time{})
	if !approx(trk.Position(), 35) {
		t.Errorf("ticks are relative to the reset azimuth, position = %v", trk.Position())
	}
}

func TestTimedTracker_DeadReckoning(t *testing.T) {
	trk := NewTimedTracker(TrackerConfig{DegreesPerSecond: 5, Tolerance: 0.5})
	t0 := time.Unix(0, 0)
	trk.Start(Motion{Target: 10, Direction: CW, Started: t0})

	if trk.Advance(t0.Add(time.Second)) {
		t.Fatal("arrived too early")
	}
	if !approx(trk.Position(), 5) {
		t.Errorf("position = %v, want 5", trk.Position())
	}
	if !trk.Advance(t0.Add(1950 * time.Millisecond)) {
		t.Fatal("expected arrival within tolerance")
	}
	if !approx(trk.Position(), 10) || trk.Moving() {
		t.Errorf("position = %v moving = %v", trk.Position(), trk.Moving())
	}
}

func TestTimedTracker_OvershootSnapsToTarget(t *testing.T) {
	trk := NewTimedTracker(TrackerConfig{DegreesPerSecond: 5, Tolerance: 0.5})
	t0 := time.Unix(0, 0)
	trk.Start(Motion{Target: 10, Direction: CW, Started: t0})

	if !trk.Advance(t0.Add(2500 * time.Millisecond)) {
		t.Fatal("expected arrival after overshoot")
	}
	if !approx(trk.Position(), 10) {
		t.Errorf("position = %v, want 10", trk.Position())
	}
}

func TestTimedTracker_CounterClockwise(t *testing.T) {
	trk := NewTimedTracker(TrackerConfig{DegreesPerSecond: 5, Tolerance: 0.5})
	t0 := time.Unix(0, 0)
	trk.Start(Motion{Target: 350, Direction: CCW, Started: t0})

	trk.Advance(t0.Add(time.Second))
	if !approx(trk.Position(), 355) {
		t.Errorf("position = %v, want 355", trk.Position())
	}
}

func TestTimedTracker_HaltIntegrates(t *testing.T) {
	trk := NewTimedTracker(TrackerConfig{DegreesPerSecond: 2})
	t0 := time.Unix(0, 0)
	trk.Start(Motion{Direction: CW, Continuous: true, Started: t0})
	if trk.Advance(t0.Add(time.Second)) {
		t.Error("continuous motion never arrives")
	}
	trk.Halt(t0.Add(3 * time.Second))
	if !approx(trk.Position(), 6) || trk.Moving() {
		t.Errorf("position = %v moving = %v", trk.Position(), trk.Moving())
	}
}

func TestNewTracker(t *testing.T) {
	for _, name := range []string{"stepper", "encoder", "timed"} {
		trk, err := NewTracker(name, TrackerConfig{StepsPerDegree: 1})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if trk.Name() != name {
			t.Errorf("Name() = %q, want %q", trk.Name(), name)
		}
	}
	if _, err := NewTracker("servo", TrackerConfig{}); err == nil {
		t.Error("expected error for unknown motor type")
	}
}
