package motion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/DomeGo/internal/config"
	"github.com/cjeanneret/DomeGo/internal/debug"
	"github.com/cjeanneret/DomeGo/internal/logic/geometry"
	"github.com/cjeanneret/DomeGo/internal/storage"
)

// parkAttempts is how many times the mount is asked to park before a
// deferred move escalates to CRITICAL_STOP.
const parkAttempts = 2

// safeAltitudeMargin absorbs mount pointing noise around the safe altitude.
const safeAltitudeMargin = 0.5

var errNoParker = errors.New("no mount to park")

// parkRequest is a dome move held back until the mount confirms its park.
type parkRequest struct {
	target   float64
	speed    int
	origin   string
	attempts int
	result   chan error
	cancel   context.CancelFunc
}

// needsPark reports whether a move of delta degrees has to wait for the
// telescope to be raised out of the slit.
func (c *Controller) needsPark(cfg *config.Config, delta float64, now time.Time) bool {
	s := cfg.Safety
	if !s.TelescopeProtrudes || math.Abs(delta) <= s.MaxNudgeWhileProtruding {
		return false
	}
	alt, ok := c.mountAltitude(cfg, now)
	return !ok || alt < s.SafeAltitude-safeAltitudeMargin
}

func (c *Controller) mountAltitude(cfg *config.Config, now time.Time) (float64, bool) {
	p, err := c.deps.Mount.Latest()
	if err != nil {
		return 0, false
	}
	lst := geometry.LocalSiderealTime(now, cfg.Observatory.Longitude)
	alt, _ := geometry.AltAz(p.RightAscension, p.Declination, cfg.Observatory.Latitude, lst)
	return alt, true
}

// deferMove parks the mount and holds the move. A move requested while a
// park is pending replaces the held one.
func (c *Controller) deferMove(cfg *config.Config, target float64, speed int, origin string, now time.Time) {
	if c.park != nil {
		c.park.target, c.park.speed, c.park.origin = target, speed, origin
		return
	}
	c.park = &parkRequest{target: target, speed: speed, origin: origin}
	debug.Warn("Dome move to %.2f° held: telescope protrudes, parking mount at %.0f°",
		target, cfg.Safety.SafeAltitude)
	c.event(storage.EventSafetyDeferral, fmt.Sprintf("move to %.2f° held for mount park", target), now)
	c.launchPark(cfg)
}

func (c *Controller) launchPark(cfg *config.Config) {
	p := c.park
	p.attempts++
	ctx, cancel := context.WithTimeout(c.base, cfg.ParkTimeout())
	result := make(chan error, 1)
	p.result, p.cancel = result, cancel

	parker, alt := c.deps.Parker, cfg.Safety.SafeAltitude
	go func() {
		defer cancel()
		if parker == nil {
			result <- errNoParker
			return
		}
		result <- parker.Park(ctx, alt)
	}()
}

// pollPark releases the held move once the park is confirmed. A failed or
// timed out park is retried once, then escalates.
func (c *Controller) pollPark(cfg *config.Config, now time.Time) {
	p := c.park
	if p == nil {
		return
	}
	var err error
	select {
	case err = <-p.result:
	default:
		return
	}

	if err == nil {
		c.park = nil
		debug.Info("Mount parked, releasing dome move to %.2f°", p.target)
		if err := c.move(p.target, p.speed, p.origin); err != nil {
			c.fail(err)
		}
		return
	}
	if p.attempts < parkAttempts {
		debug.Warn("Mount park failed (%v), retrying", err)
		c.launchPark(cfg)
		return
	}
	c.park = nil
	c.enterCriticalStop(now, fmt.Errorf("%w: mount park not confirmed: %v", ErrSafetyViolation, err))
}

func (c *Controller) cancelPark() {
	if c.park == nil {
		return
	}
	c.park.cancel()
	c.park = nil
}

// clampLimits keeps az inside [AzMin, AzMax]. The range may wrap through
// north (AzMin > AzMax).
func clampLimits(cfg *config.Config, az float64) float64 {
	az = geometry.Normalize(az)
	if !cfg.HasAzimuthLimits() {
		return az
	}
	lo, hi := cfg.Dome.AzMin, cfg.Dome.AzMax
	inside := az >= lo && az <= hi
	if lo > hi {
		inside = az >= lo || az <= hi
	}
	if inside {
		return az
	}
	if math.Abs(geometry.Delta(az, lo)) <= math.Abs(geometry.Delta(az, hi)) {
		return lo
	}
	return hi
}
