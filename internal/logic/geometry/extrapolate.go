package geometry

import "time"

// Extrapolator compensates command latency by projecting the predicted
// azimuth forward along its current angular velocity.
type Extrapolator struct {
	Latency time.Duration

	last   float64
	lastAt time.Time
	primed bool
}

// Next records az observed at now and returns it projected Latency ahead.
// The first call, or a zero latency, returns az unchanged.
func (e *Extrapolator) Next(az float64, now time.Time) float64 {
	az = Normalize(az)
	prev, prevAt, primed := e.last, e.lastAt, e.primed
	e.last, e.lastAt, e.primed = az, now, true

	latency := e.Latency
	if latency < 0 {
		latency = 0
	}
	if !primed || latency == 0 {
		return az
	}
	dt := now.Sub(prevAt).Seconds()
	if dt <= 0 {
		return az
	}
	velocity := Delta(prev, az) / dt
	return Normalize(az + velocity*latency.Seconds())
}

// Reset forgets the velocity history.
func (e *Extrapolator) Reset() {
	e.primed = false
}
