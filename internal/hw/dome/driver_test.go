package dome

import (
	"errors"
	"testing"
	"time"
)

// fakeTransport records sent lines and replays queued controller lines.
type fakeTransport struct {
	sent    []string
	lines   chan string
	down    bool
	sendErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{lines: make(chan string, 16)}
}

func (f *fakeTransport) Send(line string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, line)
	return nil
}

func (f *fakeTransport) Lines() <-chan string { return f.lines }
func (f *fakeTransport) Connected() bool      { return !f.down }

func (f *fakeTransport) reply(lines ...string) {
	for _, l := range lines {
		f.lines <- l
	}
}

func (f *fakeTransport) last() string {
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func sentEqual(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("sent %q, want %q", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("sent %q, want %q", got, want)
		}
	}
}

var epoch = time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)

func newTestDriver(t *testing.T, protocol, motor string, cfg Config) (*Driver, *fakeTransport) {
	t.Helper()
	enc, err := NewEncoder(protocol)
	if err != nil {
		t.Fatal(err)
	}
	trk, err := NewTracker(motor, TrackerConfig{
		StepsPerDegree:   100,
		TicksPerDegree:   10,
		Tolerance:        0.5,
		DegreesPerSecond: 5,
		HomeAzimuth:      cfg.HomeAzimuth,
	})
	if err != nil {
		t.Fatal(err)
	}
	tr := newFakeTransport()
	d := New(tr, enc, trk, cfg)
	d.SetClock(func() time.Time { return epoch })
	return d, tr
}

func TestDriver_MoveEncodesAndTracks(t *testing.T) {
	d, tr := newTestDriver(t, "native", "stepper", Config{})

	if err := d.Move(90, 50); err != nil {
		t.Fatalf("Move: %v", err)
	}
	sentEqual(t, tr.sent, []string{"MOVE 90.00 50"})

	st := d.Status()
	if !st.Moving || !st.HasTarget || st.Target != 90 {
		t.Errorf("state = %+v", st)
	}
	if !approx(st.Azimuth, 90) {
		t.Errorf("stepper position = %v, want 90", st.Azimuth)
	}
	if d.Name() != "stepper/native" {
		t.Errorf("Name() = %q", d.Name())
	}
}

func TestDriver_EncoderStopsWithinTolerance(t *testing.T) {
	d, tr := newTestDriver(t, "native", "encoder", Config{})
	if err := d.Move(90, 50); err != nil {
		t.Fatal(err)
	}

	tr.reply("STATUS: Azimuth=60.0 Moving=YES")
	if err := d.Poll(epoch.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if tr.last() == "STOP" {
		t.Fatal("stopped 30 degrees short")
	}

	tr.sent = nil
	tr.reply("STATUS: Azimuth=89.8 Moving=YES")
	if err := d.Poll(epoch.Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	sentEqual(t, tr.sent, []string{"STOP", "STATUS"})

	st := d.Status()
	if st.Moving || st.HasTarget || !approx(st.Azimuth, 89.8) {
		t.Errorf("state = %+v", st)
	}
	if !st.LastGood.Equal(epoch.Add(2 * time.Second)) {
		t.Errorf("LastGood = %v", st.LastGood)
	}
}

func TestDriver_ShortestPathDirection(t *testing.T) {
	d, tr := newTestDriver(t, "relay", "timed", Config{HomeAzimuth: 10})
	if err := d.Move(350, 100); err != nil {
		t.Fatal(err)
	}
	sentEqual(t, tr.sent, []string{"RELAY CCW"})
}

func TestDriver_RelayDeadReckoning(t *testing.T) {
	d, tr := newTestDriver(t, "relay", "timed", Config{})
	if err := d.Move(10, 100); err != nil {
		t.Fatal(err)
	}

	if err := d.Poll(epoch.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	sentEqual(t, tr.sent, []string{"RELAY CW"})
	if st := d.Status(); !approx(st.Azimuth, 5) || !st.Moving {
		t.Errorf("state = %+v", st)
	}

	if err := d.Poll(epoch.Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	sentEqual(t, tr.sent, []string{"RELAY CW", "RELAY OFF"})
	st := d.Status()
	if !approx(st.Azimuth, 10) || st.Moving {
		t.Errorf("state = %+v", st)
	}
	// no status query exists: a connected link is the liveness signal
	if !st.LastGood.Equal(epoch.Add(2 * time.Second)) {
		t.Errorf("LastGood = %v", st.LastGood)
	}
}

func TestDriver_RelayReleasesOnceAtTarget(t *testing.T) {
	d, tr := newTestDriver(t, "relay", "timed", Config{})
	if err := d.Move(90, 100); err != nil {
		t.Fatal(err)
	}
	for now := epoch; now.Before(epoch.Add(60 * time.Second)); now = now.Add(100 * time.Millisecond) {
		if err := d.Poll(now); err != nil {
			t.Fatal(err)
		}
	}
	offs := 0
	for _, s := range tr.sent {
		if s == "RELAY OFF" {
			offs++
		}
	}
	if offs != 1 {
		t.Errorf("sent %v, want exactly one RELAY OFF", tr.sent)
	}
	if st := d.Status(); st.Moving || !approx(st.Azimuth, 90) {
		t.Errorf("state = %+v", st)
	}
}

func TestCheckPairing(t *testing.T) {
	cases := []struct {
		motor, protocol string
		ok              bool
	}{
		{"timed", "relay", true},
		{"stepper", "relay", false},
		{"encoder", "relay", false},
		{"stepper", "native", true},
		{"encoder", "legacy", true},
		{"timed", "native", true},
	}
	for _, tc := range cases {
		t.Run(tc.motor+"/"+tc.protocol, func(t *testing.T) {
			err := CheckPairing(tc.motor, tc.protocol)
			if (err == nil) != tc.ok {
				t.Errorf("CheckPairing() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestDriver_RelayLinkDownIsNotLive(t *testing.T) {
	d, tr := newTestDriver(t, "relay", "timed", Config{})
	tr.down = true
	if err := d.Poll(epoch); err != nil {
		t.Fatal(err)
	}
	if !d.Status().LastGood.IsZero() {
		t.Error("a disconnected relay link must not count as alive")
	}
	if d.Connected() {
		t.Error("Connected() should follow the transport")
	}
}

func TestDriver_HomeResetsPosition(t *testing.T) {
	d, tr := newTestDriver(t, "native", "stepper", Config{HomeAzimuth: 45, HomeTimeout: time.Minute})
	if err := d.Move(200, 50); err != nil {
		t.Fatal(err)
	}
	tr.sent = nil

	if err := d.Home(CW); err != nil {
		t.Fatal(err)
	}
	sentEqual(t, tr.sent, []string{"HOME CW"})
	if st := d.Status(); !st.Homing || !st.Moving {
		t.Errorf("state while homing = %+v", st)
	}

	tr.reply("HOMED")
	if err := d.Poll(epoch.Add(30 * time.Second)); err != nil {
		t.Fatal(err)
	}
	st := d.Status()
	if st.Homing || !st.AtHome || st.Moving {
		t.Errorf("state after homing = %+v", st)
	}
	if !approx(st.Azimuth, 45) {
		t.Errorf("azimuth = %v, want home azimuth 45", st.Azimuth)
	}
	if tr.sent[1] != "STOP" {
		t.Errorf("expected STOP after home signal, sent %q", tr.sent)
	}
}

func TestDriver_HomeViaStatusSwitch(t *testing.T) {
	d, tr := newTestDriver(t, "native", "encoder", Config{HomeAzimuth: 0, HomeTimeout: time.Minute})
	if err := d.Home(CCW); err != nil {
		t.Fatal(err)
	}
	tr.reply("STATUS: Azimuth=2.0 Moving=YES Home=YES")
	if err := d.Poll(epoch.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	st := d.Status()
	if st.Homing || !st.AtHome || !approx(st.Azimuth, 0) {
		t.Errorf("state = %+v", st)
	}
}

func TestDriver_HomeTimeoutIsFault(t *testing.T) {
	d, tr := newTestDriver(t, "native", "stepper", Config{HomeTimeout: 10 * time.Second})
	if err := d.Home(CW); err != nil {
		t.Fatal(err)
	}
	if err := d.Poll(epoch.Add(5 * time.Second)); err != nil {
		t.Fatalf("before deadline: %v", err)
	}

	err := d.Poll(epoch.Add(11 * time.Second))
	if !errors.Is(err, ErrDriverFault) {
		t.Fatalf("err = %v, want ErrDriverFault", err)
	}
	var fe *FaultError
	if !errors.As(err, &fe) || fe.Kind != KindHome {
		t.Errorf("fault = %#v", fe)
	}
	if tr.last() != "STOP" {
		t.Errorf("expected STOP on timeout, sent %q", tr.sent)
	}
	if st := d.Status(); st.Homing || st.Moving {
		t.Errorf("state = %+v", st)
	}
}

func TestDriver_MalformedLinesAreCounted(t *testing.T) {
	d, tr := newTestDriver(t, "native", "encoder", Config{})
	tr.reply("#$%garbage", "STATUS: Moving=YES")
	if err := d.Poll(epoch); err != nil {
		t.Fatalf("malformed lines must not fail the poll: %v", err)
	}
	if d.Malformed() != 2 {
		t.Errorf("Malformed() = %d, want 2", d.Malformed())
	}
	if !d.Status().LastGood.IsZero() {
		t.Error("malformed lines must not refresh liveness")
	}
}

func TestDriver_NonFiniteStatusIsMalformed(t *testing.T) {
	d, tr := newTestDriver(t, "native", "encoder", Config{})
	tr.reply("STATUS: Azimuth=NaN Target=0 Moving=NO", "STATUS: Azimuth=725.5 Moving=NO", "STATUS: Azimuth=-Inf Moving=NO")
	if err := d.Poll(epoch); err != nil {
		t.Fatal(err)
	}
	if d.Malformed() != 3 {
		t.Errorf("Malformed() = %d, want 3", d.Malformed())
	}
	st := d.Status()
	if st.Azimuth != 0 || !st.LastGood.IsZero() {
		t.Errorf("state = %+v, want position untouched and no liveness", st)
	}
}

func TestDriver_HeartbeatWhileIdle(t *testing.T) {
	d, tr := newTestDriver(t, "native", "stepper", Config{
		WatchdogInterval: 5 * time.Second,
		StatusInterval:   time.Hour,
	})
	if err := d.Poll(epoch); err != nil {
		t.Fatal(err)
	}
	if err := d.Poll(epoch.Add(3 * time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := d.Poll(epoch.Add(6 * time.Second)); err != nil {
		t.Fatal(err)
	}
	sentEqual(t, tr.sent, []string{"STATUS", "PING"})
}

func TestDriver_SendErrorKeepsHostStopped(t *testing.T) {
	d, tr := newTestDriver(t, "native", "stepper", Config{})
	if err := d.Move(90, 50); err != nil {
		t.Fatal(err)
	}
	tr.sendErr = errors.New("link down")
	if err := d.Stop(); err == nil {
		t.Fatal("expected send error")
	}
	if st := d.Status(); st.Moving || st.HasTarget {
		t.Errorf("host view must stop regardless, state = %+v", st)
	}
}

func TestDriver_Execute(t *testing.T) {
	d, tr := newTestDriver(t, "legacy", "encoder", Config{})
	for _, cmd := range []Command{
		{Kind: KindMove, Target: 12.34, Speed: 10},
		{Kind: KindStatus},
		{Kind: KindHome},
		{Kind: KindStop},
	} {
		if err := d.Execute(cmd); err != nil {
			t.Fatalf("Execute(%v): %v", cmd.Kind, err)
		}
	}
	sentEqual(t, tr.sent, []string{"G 12.3", "P", "H", "S"})
	if err := d.Execute(Command{Kind: Kind(9)}); err == nil {
		t.Error("expected error for unknown command")
	}
}
