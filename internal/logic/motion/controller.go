// Package motion is the dome-slaving control loop: a fixed-rate state machine
// that turns telescope pointing into dome moves and degrades safely when a
// link fails.
package motion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/DomeGo/internal/config"
	"github.com/cjeanneret/DomeGo/internal/debug"
	"github.com/cjeanneret/DomeGo/internal/hw/dome"
	"github.com/cjeanneret/DomeGo/internal/logic/calibration"
	"github.com/cjeanneret/DomeGo/internal/logic/fusion"
	"github.com/cjeanneret/DomeGo/internal/logic/geometry"
	"github.com/cjeanneret/DomeGo/internal/observability"
	"github.com/cjeanneret/DomeGo/internal/storage"
)

// Dome is the motor driver as seen by the control loop.
type Dome interface {
	Move(target float64, speed int) error
	Stop() error
	Home(dir dome.Direction) error
	Poll(now time.Time) error
	Status() dome.State
	Connected() bool
	Malformed() int
}

// PointingSource is the latest-value-wins mount holder.
type PointingSource interface {
	Latest() (geometry.Pointing, error)
	LastGood() time.Time
	Connected() bool
}

// Parker raises the telescope out of the slit.
type Parker interface {
	Park(ctx context.Context, altitude float64) error
}

// DriftSource is the latest-value-wins vision holder.
type DriftSource interface {
	LatestDrift() *fusion.Reading
	LastSeen() time.Time
	Connected() bool
}

// Journal persists operator-relevant events.
type Journal interface {
	RecordEvent(ctx context.Context, ev storage.Event) error
	RecordCalibration(ctx context.Context, rec storage.CalibrationRecord) error
}

// Deps are the collaborators of the control loop. Config, Dome and Mount are
// required.
type Deps struct {
	Config  *config.Holder
	Dome    Dome
	Mount   PointingSource
	Parker  Parker
	Vision  DriftSource
	Metrics *observability.Collector
	Journal Journal
	// OnCalibrated runs on its own goroutine after a converged solve has
	// been published (e.g. to write the offsets back to the config file).
	OnCalibrated func(calibration.Result)
}

// Snapshot is the published state of the control loop. It is replaced
// whole every tick.
type Snapshot struct {
	Time        time.Time
	Mode        Mode
	Health      Health
	Dome        dome.State
	Target      float64 // slaving target, valid when HasTarget
	HasTarget   bool
	Predicted   float64
	Source      fusion.Source
	MountUp     bool
	MotorUp     bool
	VisionUp    bool
	Parked      bool
	ParkPending bool // a dome move is held for the mount park
	Samples     int  // calibration samples collected so far
	LastError   string
}

const journalQueueSize = 64

const originPark = "park"

// Controller runs the control loop. Tick must only be called from one
// goroutine; every other method is safe for concurrent use.
type Controller struct {
	deps     Deps
	solver   *calibration.Solver
	queue    chan request
	journalQ chan func(context.Context, Journal) error
	base     context.Context
	snap     atomic.Pointer[Snapshot]

	// owned by the tick goroutine
	mode      Mode
	mount     linkMonitor
	motor     linkMonitor
	vision    linkMonitor
	extrap    geometry.Extrapolator
	target    float64
	hasTarget bool
	predicted float64
	source    fusion.Source
	park      *parkRequest
	parked    bool
	parking   bool // a park MOVE is under way
	samples   []calibration.Sample
	lastErr   error
}

// New builds a controller in MANUAL mode.
func New(deps Deps) (*Controller, error) {
	if deps.Config == nil || deps.Config.Load() == nil {
		return nil, errors.New("motion: config is required")
	}
	if deps.Dome == nil {
		return nil, errors.New("motion: dome driver is required")
	}
	if deps.Mount == nil {
		return nil, errors.New("motion: mount source is required")
	}
	c := &Controller{
		deps:     deps,
		solver:   calibration.NewSolver(),
		queue:    make(chan request),
		journalQ: make(chan func(context.Context, Journal) error, journalQueueSize),
		base:     context.Background(),
		mount:    linkMonitor{name: LinkMount},
		motor:    linkMonitor{name: LinkMotor},
		vision:   linkMonitor{name: LinkVision},
	}
	c.publish(deps.Config.Load(), time.Now())
	return c, nil
}

// Snapshot returns the state published by the last tick.
func (c *Controller) Snapshot() Snapshot {
	return *c.snap.Load()
}

// Run ticks at the configured rate until ctx is done, then stops the dome.
// A changed tick rate is picked up on the next tick.
func (c *Controller) Run(ctx context.Context) error {
	c.base = ctx

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeJournal(ctx)
	}()

	interval := c.deps.Config.Load().TickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	debug.Info("Control loop running every %v", interval)

	for {
		select {
		case <-ctx.Done():
			c.cancelPark()
			if err := c.deps.Dome.Stop(); err != nil {
				debug.Warn("Dome stop on shutdown: %v", err)
			}
			wg.Wait()
			return nil
		case now := <-ticker.C:
			c.Tick(now)
			if next := c.deps.Config.Load().TickInterval(); next != interval {
				debug.Info("Control loop period %v -> %v", interval, next)
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Tick runs one control cycle: liveness checks (and the critical stop they
// may trigger) first, then the driver, pending commands, the safety gate
// and slaving. Nothing in here blocks on a link.
func (c *Controller) Tick(now time.Time) {
	start := time.Now()
	cfg := c.deps.Config.Load()

	c.checkLinks(cfg, now)

	if err := c.deps.Dome.Poll(now); err != nil {
		c.driverError(err, now)
	}
	c.updateVisionMode(cfg, now)
	c.drainCommands(cfg, now)
	c.pollPark(cfg, now)
	if c.mode.Slaving() && c.park == nil {
		c.slave(cfg, now)
	}

	c.publish(cfg, now)
	c.deps.Metrics.ObserveTick(time.Since(start))
}

func (c *Controller) checkLinks(cfg *config.Config, now time.Time) {
	timeout, maxMisses := cfg.LinkTimeout(), cfg.Control.MaxMissedChecks
	m := c.deps.Mount
	st := c.deps.Dome.Status()

	var lost []string
	if c.checkLink(&c.mount, fresh(m.Connected(), m.LastGood(), now, timeout), maxMisses) {
		lost = append(lost, LinkMount)
	}
	if c.checkLink(&c.motor, fresh(c.deps.Dome.Connected(), st.LastGood, now, timeout), maxMisses) {
		lost = append(lost, LinkMotor)
	}
	if c.visionEnabled(cfg) {
		v := c.deps.Vision
		if c.checkLink(&c.vision, fresh(v.Connected(), v.LastSeen(), now, timeout), maxMisses) {
			debug.Warn("Vision link lost, slaving blind")
		}
	} else {
		c.vision = linkMonitor{name: LinkVision}
	}

	if len(lost) > 0 {
		c.enterCriticalStop(now, fmt.Errorf("%w: %s", ErrLinkLost, strings.Join(lost, ", ")))
	}
}

func (c *Controller) checkLink(l *linkMonitor, alive bool, maxMisses int) bool {
	wasUp := l.up
	lost := l.check(alive, maxMisses)
	if !alive && l.seen {
		c.deps.Metrics.IncMissedCheck(l.name)
		debug.Trace("%s link: missed check %d/%d", l.name, l.misses, maxMisses)
	}
	if !wasUp && l.up {
		debug.Info("%s link up", l.name)
	}
	return lost
}

func (c *Controller) visionEnabled(cfg *config.Config) bool {
	return cfg.Vision.Enabled && c.deps.Vision != nil
}

func (c *Controller) fuser(cfg *config.Config) fusion.Fuser {
	bound := cfg.Safety.DriftPlausibilityDeg
	if bound <= 0 {
		bound = fusion.PlausibilityBound(cfg.Dome.SlitWidth, cfg.Dome.Radius)
	}
	return fusion.Fuser{StaleAfter: cfg.VisionStaleAfter(), Plausibility: bound}
}

// updateVisionMode promotes slaving to NOMINAL when a fresh marker is seen
// over a live vision link, and demotes it to BLIND otherwise.
func (c *Controller) updateVisionMode(cfg *config.Config, now time.Time) {
	if !c.mode.Slaving() {
		return
	}
	want := AutoSlaveBlind
	if cfg.DriftCorrection() && c.visionEnabled(cfg) && c.vision.up &&
		c.fuser(cfg).Fresh(c.deps.Vision.LatestDrift(), now) {
		want = AutoSlaveNominal
	}
	c.setMode(want)
}

func (c *Controller) slave(cfg *config.Config, now time.Time) {
	p, err := c.deps.Mount.Latest()
	if err != nil {
		return
	}
	// RA/Dec hold while the mount tracks: a stale sample is evaluated now
	p.Time = now
	az, err := geometry.AzimuthGuarded(p, cfg.Observatory(), cfg.Control.ZenithGuardDeg)
	if err != nil {
		if errors.Is(err, geometry.ErrIndeterminate) {
			c.deps.Metrics.IncIndeterminate()
			debug.Trace("Geometry indeterminate, holding %.2f°", c.target)
			return
		}
		c.fail(err)
		return
	}
	c.extrap.Latency = cfg.LatencyCompensation()
	az = c.extrap.Next(az, now)

	est := fusion.Estimate{Predicted: az, Corrected: az, Source: fusion.SourceMath}
	if c.mode == AutoSlaveNominal {
		est, err = c.fuser(cfg).Fuse(az, c.deps.Vision.LatestDrift(), now)
		if errors.Is(err, fusion.ErrDriftOutlier) {
			c.deps.Metrics.IncDriftOutlier()
			debug.Warn("%v, discarded", err)
		}
	}
	c.predicted, c.source = est.Predicted, est.Source
	c.target, c.hasTarget = clampLimits(cfg, est.Corrected), true

	st := c.deps.Dome.Status()
	if st.Homing {
		return
	}
	errDeg := geometry.Delta(st.Azimuth, c.target)
	threshold := cfg.Control.CorrectionThresholdDeg
	if math.Abs(errDeg) <= threshold {
		return
	}
	if st.HasTarget && math.Abs(geometry.Delta(st.Target, c.target)) <= threshold {
		// already on its way
		return
	}
	if err := c.moveTo(cfg, c.target, speedFor(cfg, errDeg), "slaving", now); err != nil {
		c.fail(err)
	}
}

// speedFor is proportional to the error, capped at the configured maximum.
func speedFor(cfg *config.Config, errDeg float64) int {
	s := int(math.Ceil(math.Abs(errDeg) * cfg.Control.SpeedGain))
	return max(1, min(s, cfg.Control.MaxSpeed))
}

// moveTo applies the rotation limits and the safety gate, then moves. A
// held move is not an error.
func (c *Controller) moveTo(cfg *config.Config, target float64, speed int, origin string, now time.Time) error {
	target = clampLimits(cfg, target)
	delta := geometry.Delta(c.deps.Dome.Status().Azimuth, target)
	if c.needsPark(cfg, delta, now) {
		c.deferMove(cfg, target, speed, origin, now)
		return nil
	}
	return c.move(target, speed, origin)
}

// move sends MOVE. Only a move with origin "park" ends up setting Parked.
func (c *Controller) move(target float64, speed int, origin string) error {
	if err := c.deps.Dome.Move(target, speed); err != nil {
		return fmt.Errorf("dome move: %w", err)
	}
	c.deps.Metrics.IncCommand("MOVE", origin)
	c.parked = false
	c.parking = origin == originPark
	return nil
}

func (c *Controller) stopDome(origin string) {
	if err := c.deps.Dome.Stop(); err != nil {
		c.fail(fmt.Errorf("dome stop: %w", err))
	}
	c.deps.Metrics.IncCommand("STOP", origin)
}

// enterCriticalStop stops the dome once and latches CRITICAL_STOP until
// acknowledged.
func (c *Controller) enterCriticalStop(now time.Time, cause error) {
	if c.mode == CriticalStop {
		return
	}
	prev := c.mode
	c.stopDome("critical")
	c.setMode(CriticalStop)
	c.cancelPark()
	c.samples = nil
	c.hasTarget, c.parking = false, false
	c.lastErr = cause

	debug.Error(fmt.Errorf("critical stop: %w", cause))
	c.deps.Metrics.IncCriticalStop()
	c.event(storage.EventCriticalStop, fmt.Sprintf("%v (was %v)", cause, prev), now)
}

func (c *Controller) setMode(m Mode) {
	if c.mode == m {
		return
	}
	debug.Info("Mode %v -> %v", c.mode, m)
	c.mode = m
}

func (c *Controller) fail(err error) {
	c.lastErr = err
	debug.Warn("%v", err)
}

func (c *Controller) driverError(err error, now time.Time) {
	if errors.Is(err, dome.ErrDriverFault) {
		c.parking = false
		c.fail(err)
		c.event(storage.EventDriverFault, err.Error(), now)
		return
	}
	// link errors surface through liveness
	debug.Verbose("dome poll: %v", err)
}

func (c *Controller) drainCommands(cfg *config.Config, now time.Time) {
	for {
		select {
		case req := <-c.queue:
			if req.ctx.Err() != nil {
				continue
			}
			res, err := c.execute(cfg, req.cmd, now)
			if err != nil {
				debug.Verbose("command %v rejected: %v", req.cmd.Kind, err)
			}
			req.reply <- reply{err: err, result: res}
		default:
			return
		}
	}
}

func (c *Controller) execute(cfg *config.Config, cmd Command, now time.Time) (*calibration.Result, error) {
	switch cmd.Kind {
	case CmdSlew:
		if c.mode.Slaving() || c.mode == CriticalStop {
			return nil, fmt.Errorf("%w: slew not allowed in %v", ErrInvalidOperation, c.mode)
		}
		return nil, c.moveTo(cfg, cmd.Azimuth, cfg.Control.MaxSpeed, "operator", now)

	case CmdPark:
		if c.mode == CriticalStop {
			return nil, fmt.Errorf("%w: park not allowed in %v", ErrInvalidOperation, c.mode)
		}
		c.leave()
		return nil, c.moveTo(cfg, cfg.Dome.ParkAzimuth, cfg.Control.MaxSpeed, originPark, now)

	case CmdAbort:
		c.enterCriticalStop(now, errors.New("abort requested"))
		return nil, nil

	case CmdFindHome:
		if c.mode == CriticalStop {
			return nil, fmt.Errorf("%w: homing not allowed in %v", ErrInvalidOperation, c.mode)
		}
		c.leave()
		if err := c.deps.Dome.Home(cmd.Direction); err != nil {
			return nil, fmt.Errorf("dome home: %w", err)
		}
		c.deps.Metrics.IncCommand("HOME", "operator")
		c.parked = false
		return nil, nil

	case CmdSetMode:
		return nil, c.requestMode(cfg, cmd.Mode, now)

	case CmdAcknowledge:
		return nil, c.acknowledge(now)

	case CmdCalibrate:
		return nil, c.requestMode(cfg, Calibrate, now)

	case CmdCalibrationSample:
		return c.recordSample(cfg, cmd.Cardinal, now)

	case CmdCalibrationAbort:
		if c.mode == Calibrate {
			debug.Info("Calibration aborted after %d samples", len(c.samples))
			c.samples = nil
			c.setMode(Manual)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unknown command %v", ErrInvalidOperation, cmd.Kind)
}

// leave drops slaving or calibration for MANUAL, stopping a slaving move.
func (c *Controller) leave() {
	if c.mode.Slaving() {
		c.cancelPark()
		if c.deps.Dome.Status().Moving {
			c.stopDome("operator")
		}
		c.hasTarget = false
	}
	if c.mode == Calibrate {
		c.samples = nil
	}
	c.setMode(Manual)
}

func (c *Controller) requestMode(cfg *config.Config, m Mode, now time.Time) error {
	switch {
	case m == CriticalStop:
		c.enterCriticalStop(now, errors.New("critical stop requested"))
		return nil
	case c.mode == CriticalStop:
		return fmt.Errorf("%w: acknowledge the critical stop first", ErrInvalidOperation)
	case m == c.mode || (m.Slaving() && c.mode.Slaving()):
		return nil
	case m.Slaving():
		if c.mode == Calibrate {
			return fmt.Errorf("%w: finish or abort calibration first", ErrInvalidOperation)
		}
		if !c.mount.up || !c.motor.up {
			return fmt.Errorf("%w: mount and motor must be up to slave", ErrLinkLost)
		}
		c.extrap.Reset()
		c.setMode(AutoSlaveBlind)
		c.updateVisionMode(cfg, now)
		return nil
	case m == Calibrate:
		if !c.mount.up {
			return fmt.Errorf("%w: mount must be up to calibrate", ErrLinkLost)
		}
		c.leave()
		c.samples = nil
		c.setMode(Calibrate)
		return nil
	case m == Manual:
		c.leave()
		return nil
	}
	return fmt.Errorf("%w: unknown mode %v", ErrInvalidOperation, m)
}

func (c *Controller) acknowledge(now time.Time) error {
	if c.mode != CriticalStop {
		return nil
	}
	var down []string
	if !c.mount.up {
		down = append(down, LinkMount)
	}
	if !c.motor.up {
		down = append(down, LinkMotor)
	}
	if len(down) > 0 {
		return fmt.Errorf("%w: %s still down", ErrLinkLost, strings.Join(down, ", "))
	}
	c.setMode(Manual)
	c.lastErr = nil
	debug.Info("Critical stop acknowledged")
	c.event(storage.EventAcknowledge, "critical stop cleared", now)
	return nil
}

func (c *Controller) recordSample(cfg *config.Config, dir calibration.Direction, now time.Time) (*calibration.Result, error) {
	if c.mode != Calibrate {
		return nil, fmt.Errorf("%w: not calibrating", ErrInvalidOperation)
	}
	p, err := c.deps.Mount.Latest()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLinkLost, err)
	}
	s := calibration.Sample{
		Direction:       dir,
		MeasuredAzimuth: c.deps.Dome.Status().Azimuth,
		PierSide:        p.PierSide,
	}
	replaced := false
	for i := range c.samples {
		if c.samples[i].Direction == dir {
			c.samples[i], replaced = s, true
		}
	}
	if !replaced {
		c.samples = append(c.samples, s)
	}
	debug.Info("Calibration sample %v: dome at %.2f° (%v)", dir, s.MeasuredAzimuth, s.PierSide)
	if len(c.samples) < len(calibration.Directions) {
		return nil, nil
	}

	samples := c.samples
	c.samples = nil
	c.setMode(Manual)

	res, err := c.solver.Solve(samples, cfg.Observatory())
	if err != nil {
		c.lastErr = err
		c.deps.Metrics.IncCalibration("diverged")
		c.recordCalibration(storage.CalibrationRecord{Time: now, Error: err.Error()})
		debug.Error(fmt.Errorf("calibration: %w", err))
		return nil, err
	}

	c.deps.Config.Store(cfg.WithGeometry(res.OffsetEast, res.OffsetNorth, res.PierHeight))
	c.deps.Metrics.IncCalibration("converged")
	c.recordCalibration(storage.CalibrationRecord{
		Time:        now,
		Converged:   true,
		OffsetEast:  res.OffsetEast,
		OffsetNorth: res.OffsetNorth,
		PierHeight:  res.PierHeight,
		RMS:         res.RMS,
		MaxResidual: res.MaxResidual,
	})
	if hook := c.deps.OnCalibrated; hook != nil {
		go hook(*res)
	}
	return res, nil
}

func (c *Controller) publish(cfg *config.Config, now time.Time) {
	st := c.deps.Dome.Status()
	if c.parking && !st.Moving {
		c.parking = false
		c.parked = math.Abs(geometry.Delta(st.Azimuth, cfg.Dome.ParkAzimuth)) <= cfg.Control.CorrectionThresholdDeg
	}

	h := Critical
	if c.mount.up && c.motor.up {
		h = Healthy
		if c.visionEnabled(cfg) && !c.vision.up {
			h = Degraded
		}
	}

	s := &Snapshot{
		Time:        now,
		Mode:        c.mode,
		Health:      h,
		Dome:        st,
		Target:      c.target,
		HasTarget:   c.hasTarget,
		Predicted:   c.predicted,
		Source:      c.source,
		MountUp:     c.mount.up,
		MotorUp:     c.motor.up,
		VisionUp:    c.vision.up,
		Parked:      c.parked,
		ParkPending: c.park != nil,
		Samples:     len(c.samples),
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	c.snap.Store(s)

	m := c.deps.Metrics
	m.SetMode(c.mode.String())
	m.SetHealth(int(h))
	m.SetMalformed(c.deps.Dome.Malformed())
	if c.hasTarget {
		m.SetAzimuths(st.Azimuth, c.target, geometry.Delta(st.Azimuth, c.target))
	}
}

func (c *Controller) event(kind, detail string, now time.Time) {
	ev := storage.Event{Kind: kind, Detail: detail, Time: now}
	c.record(func(ctx context.Context, j Journal) error { return j.RecordEvent(ctx, ev) })
}

func (c *Controller) recordCalibration(rec storage.CalibrationRecord) {
	c.record(func(ctx context.Context, j Journal) error { return j.RecordCalibration(ctx, rec) })
}

// record queues a journal write; the tick never waits on the database.
func (c *Controller) record(write func(context.Context, Journal) error) {
	if c.deps.Journal == nil {
		return
	}
	select {
	case c.journalQ <- write:
	default:
		debug.Warn("journal queue full, entry dropped")
	}
}

func (c *Controller) writeJournal(ctx context.Context) {
	if c.deps.Journal == nil {
		return
	}
	write := func(w func(context.Context, Journal) error) {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w(wctx, c.deps.Journal); err != nil {
			debug.Warn("journal: %v", err)
		}
	}
	for {
		select {
		case w := <-c.journalQ:
			write(w)
		case <-ctx.Done():
			for {
				select {
				case w := <-c.journalQ:
					write(w)
				default:
					return
				}
			}
		}
	}
}
