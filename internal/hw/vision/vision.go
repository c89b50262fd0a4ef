// Package vision receives drift measurements from the external marker
// detector. Detection itself happens elsewhere; here a measurement is an
// opaque, possibly stale, possibly absent signed offset.
package vision

import (
	"sync/atomic"
	"time"

	"github.com/cjeanneret/DomeGo/internal/logic/fusion"
)

// Holder keeps the latest drift reading. Writers replace it whole.
type Holder struct {
	latest   atomic.Pointer[fusion.Reading]
	lastSeen atomic.Int64 // unix nanos of the last message, detected or not
	linked   atomic.Bool
}

func NewHolder() *Holder { return &Holder{} }

// Store publishes r as the latest reading. A reading without a marker
// replaces the last detection too, so a lost marker is never fused.
func (h *Holder) Store(r fusion.Reading, received time.Time) {
	h.lastSeen.Store(received.UnixNano())
	h.latest.Store(&r)
}

// LatestDrift returns the latest reading, detected or not, or nil before the
// first one.
func (h *Holder) LatestDrift() *fusion.Reading {
	return h.latest.Load()
}

// LastSeen returns when the feed last delivered a message.
func (h *Holder) LastSeen() time.Time {
	n := h.lastSeen.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// SetConnected records the feed connection state.
func (h *Holder) SetConnected(v bool) { h.linked.Store(v) }

// Connected reports whether the feed is connected.
func (h *Holder) Connected() bool { return h.linked.Load() }
