package link

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/DomeGo/internal/debug"
	"github.com/cjeanneret/DomeGo/internal/logic/geometry"
)

// SimConfig describes the simulated dome.
type SimConfig struct {
	DegreesPerSecond float64
	HomeAzimuth      float64
	TicksPerDegree   float64 // encoder resolution reported in STATUS
	StartAzimuth     float64
	Legacy           bool // answer P with a bare azimuth
}

// Sim is an in-process motor controller with a dome that rotates at a fixed
// rate. It accepts the native, legacy and relay command sets.
type Sim struct {
	cfg     SimConfig
	lines   lineQueue
	running atomic.Bool
	clock   func() time.Time

	mu         sync.Mutex
	pos        float64
	target     float64
	moving     bool
	continuous bool // homing or relay: rotate until stopped
	homing     bool
	dir        float64
	last       time.Time
}

// NewSim returns a stopped dome at cfg.StartAzimuth.
func NewSim(cfg SimConfig) *Sim {
	if cfg.DegreesPerSecond <= 0 {
		cfg.DegreesPerSecond = 5
	}
	return &Sim{
		cfg:   cfg,
		lines: newLineQueue(),
		clock: time.Now,
		pos:   geometry.Normalize(cfg.StartAzimuth),
	}
}

// SetClock replaces time.Now. Call before Run.
func (s *Sim) SetClock(now func() time.Time) {
	s.clock = now
}

func (s *Sim) Lines() <-chan string { return s.lines }
func (s *Sim) Connected() bool      { return s.running.Load() }

// Position returns the simulated true azimuth.
func (s *Sim) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Run advances the simulation every 50ms until ctx is done.
func (s *Sim) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)
	debug.Info("Using simulated dome motor (%.1f°/s)", s.cfg.DegreesPerSecond)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Step(s.clock())
		}
	}
}

// Send interprets one command line.
func (s *Sim) Send(line string) error {
	fields := strings.Fields(strings.ToUpper(line))
	if len(fields) == 0 {
		return fmt.Errorf("sim: empty command")
	}
	debug.Wire(">", "sim", line)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	s.advance(now)

	switch fields[0] {
	case "MOVE", "G":
		if len(fields) < 2 {
			return fmt.Errorf("sim: %q needs an azimuth", line)
		}
		az, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("sim: bad azimuth in %q: %w", line, err)
		}
		s.goTo(az, now)
	case "STOP", "S":
		s.halt()
	case "STATUS":
		s.lines.push(s.statusLine())
	case "P":
		if s.cfg.Legacy {
			s.lines.push(fmt.Sprintf("%.1f", s.pos))
		} else {
			s.lines.push(s.statusLine())
		}
	case "HOME", "H":
		dir := 1.0
		if len(fields) > 1 && fields[1] == "CCW" {
			dir = -1
		}
		s.rotate(dir, true, now)
	case "RELAY":
		if len(fields) != 2 {
			return fmt.Errorf("sim: bad relay command %q", line)
		}
		switch fields[1] {
		case "CW":
			s.rotate(1, false, now)
		case "CCW":
			s.rotate(-1, false, now)
		case "OFF":
			s.moving, s.continuous = false, false
		default:
			return fmt.Errorf("sim: bad relay command %q", line)
		}
	case "PING":
		s.lines.push("PONG")
	default:
		return fmt.Errorf("sim: unsupported command %q", line)
	}
	return nil
}

// Step advances the simulated dome to now.
func (s *Sim) Step(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance(now)
}

func (s *Sim) goTo(az float64, now time.Time) {
	s.target = geometry.Normalize(az)
	d := geometry.Delta(s.pos, s.target)
	s.dir = math.Copysign(1, d)
	s.moving = d != 0
	s.continuous, s.homing = false, false
	s.last = now
	if !s.moving {
		s.lines.push("TARGET REACHED")
	}
}

func (s *Sim) rotate(dir float64, homing bool, now time.Time) {
	s.dir = dir
	s.moving, s.continuous, s.homing = true, true, homing
	s.last = now
}

func (s *Sim) halt() {
	if s.moving {
		s.moving, s.continuous, s.homing = false, false, false
		s.lines.push("STOPPED")
	}
}

// advance moves the dome by rate x elapsed and raises the events the
// controller would report. Callers hold s.mu.
func (s *Sim) advance(now time.Time) {
	if !s.moving {
		s.last = now
		return
	}
	step := s.cfg.DegreesPerSecond * now.Sub(s.last).Seconds()
	s.last = now
	if step <= 0 {
		return
	}

	if s.homing {
		if distanceAlong(s.pos, s.cfg.HomeAzimuth, s.dir) <= step {
			s.pos = geometry.Normalize(s.cfg.HomeAzimuth)
			s.moving, s.continuous, s.homing = false, false, false
			s.lines.push("HOMED")
			return
		}
	} else if !s.continuous {
		if distanceAlong(s.pos, s.target, s.dir) <= step {
			s.pos = s.target
			s.moving = false
			s.lines.push("TARGET REACHED")
			return
		}
	} else if distanceAlong(s.pos, s.cfg.HomeAzimuth, s.dir) <= step {
		// relay rotation: the switch closes as the dome sweeps past it
		s.lines.push("HOMED")
	}
	s.pos = geometry.Normalize(s.pos + s.dir*step)
}

func (s *Sim) statusLine() string {
	yes := func(b bool) string {
		if b {
			return "YES"
		}
		return "NO"
	}
	home := math.Abs(geometry.Delta(s.pos, s.cfg.HomeAzimuth)) < 0.05
	line := fmt.Sprintf("STATUS: Azimuth=%.2f Target=%.2f Moving=%s Home=%s",
		s.pos, s.target, yes(s.moving), yes(home))
	if s.cfg.TicksPerDegree > 0 {
		ticks := math.Round(geometry.Normalize(s.pos-s.cfg.HomeAzimuth) * s.cfg.TicksPerDegree)
		line += fmt.Sprintf(" Ticks=%d", int64(ticks))
	}
	return line
}

// distanceAlong is how far from -> to is when rotating in direction dir.
func distanceAlong(from, to, dir float64) float64 {
	if dir < 0 {
		return geometry.Normalize(from - to)
	}
	return geometry.Normalize(to - from)
}
