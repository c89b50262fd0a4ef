// Package mount talks to the telescope mount: pointing samples in, park and
// slew requests out.
package mount

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cjeanneret/DomeGo/internal/debug"
	"github.com/cjeanneret/DomeGo/internal/logic/geometry"
)

// ErrNoSample is returned by Latest before the first successful poll.
var ErrNoSample = errors.New("no mount sample yet")

// Mount is the telescope collaborator. Every call must honor ctx deadlines.
type Mount interface {
	Poll(ctx context.Context) (geometry.Pointing, error)
	// Park raises the tube to altitude at its current azimuth and returns
	// once the slew has finished.
	Park(ctx context.Context, altitude float64) error
	SlewToAltAz(ctx context.Context, alt, az float64) error
}

// Reader polls a Mount on its own goroutine and keeps only the latest
// sample. Readers never block on the mount.
type Reader struct {
	mount   Mount
	period  time.Duration
	timeout time.Duration

	latest    atomic.Pointer[geometry.Pointing]
	lastGood  atomic.Int64 // unix nanos
	connected atomic.Bool
	failures  atomic.Uint64
}

// NewReader polls m every period, each request bounded by timeout.
func NewReader(m Mount, period, timeout time.Duration) *Reader {
	if period <= 0 {
		period = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Reader{mount: m, period: period, timeout: timeout}
}

// Mount returns the underlying collaborator for park and slew requests.
func (r *Reader) Mount() Mount { return r.mount }

// Latest returns the most recent sample, possibly stale.
func (r *Reader) Latest() (geometry.Pointing, error) {
	p := r.latest.Load()
	if p == nil {
		return geometry.Pointing{}, ErrNoSample
	}
	return *p, nil
}

// LastGood returns the time of the last successful poll.
func (r *Reader) LastGood() time.Time {
	n := r.lastGood.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (r *Reader) Connected() bool  { return r.connected.Load() }
func (r *Reader) Failures() uint64 { return r.failures.Load() }

// Run polls until ctx is done. Failures back off exponentially, never
// faster than the poll period.
func (r *Reader) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.period
	b.MaxInterval = 30 * time.Second

	for {
		wait := r.period
		if err := r.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if r.connected.Swap(false) {
				debug.Warn("mount: link lost: %v", err)
			}
			wait = max(wait, b.NextBackOff())
			debug.Verbose("mount: poll failed: %v (retry in %v)", err, wait.Round(time.Millisecond))
		} else {
			b.Reset()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (r *Reader) pollOnce(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	p, err := r.mount.Poll(pctx)
	if err != nil {
		r.failures.Add(1)
		return err
	}
	if p.Time.IsZero() {
		p.Time = time.Now()
	}
	r.latest.Store(&p)
	r.lastGood.Store(time.Now().UnixNano())
	if !r.connected.Swap(true) {
		debug.Info("mount: connected (RA %.4fh Dec %.3f° %v)", p.RightAscension, p.Declination, p.PierSide)
	}
	return nil
}
