package dome

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/DomeGo/internal/debug"
	"github.com/cjeanneret/DomeGo/internal/logic/geometry"
)

// Transport is a line-oriented link to the motor controller. Send must not
// block longer than the link's write timeout.
type Transport interface {
	Send(line string) error
	Lines() <-chan string
	Connected() bool
}

// Config tunes the driver.
type Config struct {
	HomeAzimuth      float64
	HomeTimeout      time.Duration
	WatchdogInterval time.Duration // heartbeat period while idle
	StatusInterval   time.Duration // STATUS query period
}

// Driver implements move/stop/status/home over any Tracker x Encoder pair.
// Commands are serialized: one is in flight at a time and each supersedes
// the previous one.
type Driver struct {
	mu  sync.Mutex
	t   Transport
	enc Encoder
	trk Tracker
	cfg Config

	state atomic.Pointer[State]

	homing       bool
	homeDeadline time.Time
	target       float64
	hasTarget    bool
	atHome       bool
	lastSend     time.Time
	lastQuery    time.Time
	lastGood     time.Time
	malformed    int

	now func() time.Time
}

// New composes a driver.
func New(t Transport, enc Encoder, trk Tracker, cfg Config) *Driver {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 500 * time.Millisecond
	}
	d := &Driver{
		t:   t,
		enc: enc,
		trk: trk,
		cfg: cfg,
		now: time.Now,
	}
	d.publish()
	return d
}

// SetClock replaces time.Now (tests, simulation).
func (d *Driver) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Name describes the composition, e.g. "encoder/native".
func (d *Driver) Name() string {
	return d.trk.Name() + "/" + d.enc.Name()
}

// Status returns the last published state.
func (d *Driver) Status() State {
	return *d.state.Load()
}

// Connected reports the transport link state.
func (d *Driver) Connected() bool {
	return d.t.Connected()
}

// Malformed returns how many unparseable lines were received.
func (d *Driver) Malformed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.malformed
}

// Execute dispatches an abstract command.
func (d *Driver) Execute(cmd Command) error {
	switch cmd.Kind {
	case KindMove:
		return d.Move(cmd.Target, cmd.Speed)
	case KindStop:
		return d.Stop()
	case KindHome:
		return d.Home(cmd.Direction)
	case KindStatus:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.query(d.now())
	}
	return fmt.Errorf("unknown command %v", cmd.Kind)
}

// Move rotates to target along the shortest path.
func (d *Driver) Move(target float64, speed int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	target = geometry.Normalize(target)
	dir := CW
	if geometry.Delta(d.trk.Position(), target) < 0 {
		dir = CCW
	}
	cmd := Command{Kind: KindMove, Target: target, Speed: speed, Direction: dir}
	if err := d.send(cmd, now); err != nil {
		return err
	}
	d.homing = false
	d.atHome = false
	d.target, d.hasTarget = target, true
	d.trk.Start(Motion{Target: target, Direction: dir, Started: now})
	debug.Live("Dome MOVE %.2f° speed %d (%s) via %s", target, speed, dir, d.Name())
	d.publish()
	return nil
}

// Stop halts any rotation, homing included.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stop(d.now())
}

func (d *Driver) stop(now time.Time) error {
	err := d.send(Command{Kind: KindStop}, now)
	// the host view stops regardless: a failed STOP is the link's problem
	d.trk.Halt(now)
	d.homing = false
	d.hasTarget = false
	d.publish()
	if err != nil {
		return err
	}
	debug.Live("Dome STOP at %.2f°", d.trk.Position())
	return nil
}

// Home rotates in dir until the home switch reports, then re-zeroes the
// tracker at the configured home azimuth.
func (d *Driver) Home(dir Direction) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if err := d.send(Command{Kind: KindHome, Direction: dir}, now); err != nil {
		return err
	}
	d.homing = true
	d.atHome = false
	d.hasTarget = false
	d.homeDeadline = now.Add(d.cfg.HomeTimeout)
	d.trk.Start(Motion{Direction: dir, Continuous: true, Started: now})
	debug.Info("Dome homing %s (timeout %v)", dir, d.cfg.HomeTimeout)
	d.publish()
	return nil
}

// Poll consumes controller lines, advances the tracker, keeps the link
// watched and enforces the homing timeout. It never blocks on the link.
func (d *Driver) Poll(now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.publish()

	d.drain(now)

	if d.homing && d.cfg.HomeTimeout > 0 && now.After(d.homeDeadline) {
		_ = d.stop(now)
		return &FaultError{Kind: KindHome, Err: fmt.Errorf("no home signal within %v", d.cfg.HomeTimeout)}
	}

	if d.trk.Advance(now) && !d.homing {
		debug.Verbose("Dome target %.2f° reached by %s tracker", d.target, d.trk.Name())
		if err := d.stop(now); err != nil {
			return err
		}
	}

	if !d.hasStatusQuery() {
		// nothing to ask: the link itself is the only sign of life
		if d.t.Connected() {
			d.lastGood = now
		}
		return nil
	}
	if now.Sub(d.lastQuery) >= d.cfg.StatusInterval {
		if err := d.query(now); err != nil {
			return err
		}
	}
	if hb := d.enc.Heartbeat(); hb != "" && d.cfg.WatchdogInterval > 0 &&
		!d.trk.Moving() && now.Sub(d.lastSend) >= d.cfg.WatchdogInterval {
		if err := d.t.Send(hb); err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		d.lastSend = now
	}
	return nil
}

func (d *Driver) drain(now time.Time) {
	for {
		select {
		case line, ok := <-d.t.Lines():
			if !ok {
				return
			}
			d.handle(line, now)
		default:
			return
		}
	}
}

func (d *Driver) handle(line string, now time.Time) {
	resp, err := ParseResponse(line)
	if err != nil {
		d.malformed++
		debug.Warn("motor controller: %v", err)
		return
	}
	d.lastGood = now
	d.trk.Observe(resp, now)

	switch resp.Kind {
	case RespHomed:
		d.finishHoming(now)
	case RespStatus:
		d.atHome = resp.AtHome
		if d.homing && resp.AtHome {
			d.finishHoming(now)
		}
	case RespTargetReached:
		d.hasTarget = false
	}
}

func (d *Driver) finishHoming(now time.Time) {
	if !d.homing {
		d.atHome = true
		return
	}
	_ = d.stop(now)
	d.trk.Reset(d.cfg.HomeAzimuth)
	d.atHome = true
	debug.Info("Dome homed, position reset to %.2f°", d.cfg.HomeAzimuth)
}

func (d *Driver) hasStatusQuery() bool {
	line, err := d.enc.Encode(Command{Kind: KindStatus})
	return err == nil && line != ""
}

func (d *Driver) query(now time.Time) error {
	d.lastQuery = now
	return d.send(Command{Kind: KindStatus}, now)
}

func (d *Driver) send(cmd Command, now time.Time) error {
	line, err := d.enc.Encode(cmd)
	if err != nil {
		return &FaultError{Kind: cmd.Kind, Err: err}
	}
	if line == "" {
		return nil
	}
	if err := d.t.Send(line); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Kind, err)
	}
	d.lastSend = now
	return nil
}

func (d *Driver) publish() {
	d.state.Store(&State{
		Azimuth:   d.trk.Position(),
		Moving:    d.trk.Moving(),
		Target:    d.target,
		HasTarget: d.hasTarget && d.trk.Moving(),
		AtHome:    d.atHome,
		Homing:    d.homing,
		LastGood:  d.lastGood,
	})
}
