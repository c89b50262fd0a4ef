package link

import (
	"math"
	"testing"
	"time"

	"github.com/cjeanneret/DomeGo/internal/hw/dome"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.now = c.now.Add(d)
	return c.now
}

func newTestSim(cfg SimConfig) (*Sim, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)}
	s := NewSim(cfg)
	s.SetClock(clk.Now)
	return s, clk
}

func TestSim_MoveReachesTarget(t *testing.T) {
	s, clk := newTestSim(SimConfig{DegreesPerSecond: 10})
	if err := s.Send("MOVE 90.00 50"); err != nil {
		t.Fatal(err)
	}
	s.Step(clk.Advance(5 * time.Second))
	if got := s.Position(); math.Abs(got-50) > 1e-9 {
		t.Errorf("position = %v, want 50", got)
	}
	s.Step(clk.Advance(5 * time.Second))
	if got := s.Position(); got != 90 {
		t.Errorf("position = %v, want 90", got)
	}
	expectLine(t, s.Lines(), "TARGET REACHED")
}

func TestSim_ShortestPathAcrossNorth(t *testing.T) {
	s, clk := newTestSim(SimConfig{DegreesPerSecond: 10, StartAzimuth: 350})
	_ = s.Send("G 10")
	s.Step(clk.Advance(time.Second))
	if got := s.Position(); math.Abs(got-0) > 1e-9 {
		t.Errorf("position = %v, want 0", got)
	}
}

func TestSim_HomeAndStatus(t *testing.T) {
	s, clk := newTestSim(SimConfig{DegreesPerSecond: 10, HomeAzimuth: 30, TicksPerDegree: 10, StartAzimuth: 90})
	_ = s.Send("HOME CCW")
	s.Step(clk.Advance(3 * time.Second))
	if got := s.Position(); math.Abs(got-60) > 1e-9 {
		t.Errorf("position = %v, want 60", got)
	}
	s.Step(clk.Advance(4 * time.Second))
	expectLine(t, s.Lines(), "HOMED")

	_ = s.Send("STATUS")
	line := expectLine(t, s.Lines(), "STATUS:")
	resp, err := dome.ParseResponse(line)
	if err != nil {
		t.Fatalf("sim status does not parse: %v", err)
	}
	if resp.Azimuth != 30 || !resp.AtHome || resp.Moving || !resp.HasTicks || resp.Ticks != 0 {
		t.Errorf("status = %+v", resp)
	}
}

func TestSim_LegacyPosition(t *testing.T) {
	s, _ := newTestSim(SimConfig{Legacy: true, StartAzimuth: 123.44})
	_ = s.Send("P")
	resp, err := dome.ParseResponse(expectLine(t, s.Lines(), "123.4"))
	if err != nil || resp.Kind != dome.RespPosition {
		t.Fatalf("resp = %+v err = %v", resp, err)
	}
}

func TestSim_RelayRotatesUntilOff(t *testing.T) {
	s, clk := newTestSim(SimConfig{DegreesPerSecond: 10, HomeAzimuth: 200, StartAzimuth: 100})
	_ = s.Send("RELAY CW")
	s.Step(clk.Advance(2 * time.Second))
	_ = s.Send("RELAY OFF")
	s.Step(clk.Advance(2 * time.Second))
	if got := s.Position(); math.Abs(got-120) > 1e-9 {
		t.Errorf("position = %v, want 120", got)
	}
}

func TestSim_StopReportsStopped(t *testing.T) {
	s, clk := newTestSim(SimConfig{DegreesPerSecond: 10})
	_ = s.Send("MOVE 90.00 50")
	s.Step(clk.Advance(time.Second))
	_ = s.Send("STOP")
	expectLine(t, s.Lines(), "STOPPED")
	if err := s.Send("FLY"); err == nil {
		t.Error("expected error for unknown command")
	}
}

// The dome driver closes the loop over the simulated controller.
func TestSim_DriverEndToEnd(t *testing.T) {
	s, clk := newTestSim(SimConfig{DegreesPerSecond: 10, TicksPerDegree: 10})
	s.running.Store(true)

	trk := dome.NewEncoderTracker(dome.TrackerConfig{TicksPerDegree: 10, Tolerance: 0.5})
	d := dome.New(s, dome.Native{}, trk, dome.Config{StatusInterval: 100 * time.Millisecond})
	d.SetClock(clk.Now)

	if err := d.Move(90, 100); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 120; i++ {
		now := clk.Advance(100 * time.Millisecond)
		s.Step(now)
		if err := d.Poll(now); err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}
	st := d.Status()
	if st.Moving {
		t.Error("dome still moving")
	}
	if math.Abs(st.Azimuth-90) > 0.5 {
		t.Errorf("azimuth = %v, want 90 ± 0.5", st.Azimuth)
	}
	if !d.Connected() {
		t.Error("sim link should be connected")
	}
}
