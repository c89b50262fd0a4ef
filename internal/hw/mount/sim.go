package mount

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cjeanneret/DomeGo/internal/debug"
	"github.com/cjeanneret/DomeGo/internal/logic/geometry"
)

// ErrOffline is returned by a Sim switched offline.
var ErrOffline = errors.New("simulated mount offline")

// Sim is a tracking mount that holds a fixed RA/Dec. Alt/az slews are
// converted to the RA/Dec under them at the time of the slew.
type Sim struct {
	Latitude  float64
	Longitude float64
	SlewTime  time.Duration // how long park and slew requests take

	mu      sync.Mutex
	ra      float64
	dec     float64
	side    geometry.PierSide
	offline bool
	parks   int
	now     func() time.Time
}

// NewSim starts pointing at alt 45° due south on the east side of the pier.
func NewSim(latitude, longitude float64) *Sim {
	s := &Sim{
		Latitude:  latitude,
		Longitude: longitude,
		side:      geometry.PierEast,
		now:       time.Now,
	}
	s.setAltAz(45, 180)
	return s
}

// SetClock replaces time.Now.
func (s *Sim) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetOffline makes every call fail with ErrOffline.
func (s *Sim) SetOffline(off bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = off
}

// SetPointing points the mount at ra (hours) / dec (degrees).
func (s *Sim) SetPointing(ra, dec float64, side geometry.PierSide) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ra, s.dec, s.side = ra, dec, side
}

// Parks returns how many park requests completed.
func (s *Sim) Parks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parks
}

func (s *Sim) Poll(ctx context.Context) (geometry.Pointing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return geometry.Pointing{}, ErrOffline
	}
	return geometry.Pointing{
		RightAscension: s.ra,
		Declination:    s.dec,
		PierSide:       s.side,
		Time:           s.now(),
	}, nil
}

func (s *Sim) Park(ctx context.Context, altitude float64) error {
	s.mu.Lock()
	lst := geometry.LocalSiderealTime(s.now(), s.Longitude)
	_, az := geometry.AltAz(s.ra, s.dec, s.Latitude, lst)
	s.mu.Unlock()

	if err := s.SlewToAltAz(ctx, altitude, az); err != nil {
		return err
	}
	s.mu.Lock()
	s.parks++
	s.mu.Unlock()
	return nil
}

func (s *Sim) SlewToAltAz(ctx context.Context, alt, az float64) error {
	s.mu.Lock()
	off := s.offline
	s.mu.Unlock()
	if off {
		return ErrOffline
	}
	debug.Live("sim mount: slew to alt %.1f° az %.1f°", alt, az)

	if s.SlewTime > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.SlewTime):
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setAltAz(alt, az)
	return nil
}

// setAltAz converts alt/az to RA/Dec at the current time. Callers hold s.mu
// (or own s exclusively).
func (s *Sim) setAltAz(alt, az float64) {
	lst := geometry.LocalSiderealTime(s.now(), s.Longitude)
	s.ra, s.dec = geometry.RADec(alt, az, s.Latitude, lst)
}
