package motion

import "time"

// Link names, used in logs and metrics.
const (
	LinkMount  = "mount"
	LinkMotor  = "motor"
	LinkVision = "vision"
)

// linkMonitor turns per-tick liveness checks into an up/down state. A link
// goes down after maxMisses consecutive failed checks and comes back up on
// the first good one.
type linkMonitor struct {
	name   string
	misses int
	up     bool
	seen   bool // has been up at least once
}

// check records one liveness check. It returns true when this check took
// the link down.
func (l *linkMonitor) check(alive bool, maxMisses int) (lost bool) {
	if alive {
		l.misses = 0
		l.up, l.seen = true, true
		return false
	}
	l.misses++
	if l.up && l.misses >= maxMisses {
		l.up = false
		return true
	}
	return false
}

// fresh reports whether a link with the given last success is alive at now.
func fresh(connected bool, lastGood, now time.Time, timeout time.Duration) bool {
	if !connected || lastGood.IsZero() {
		return false
	}
	return now.Sub(lastGood) <= timeout
}
