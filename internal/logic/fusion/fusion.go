package fusion

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/DomeGo/internal/logic/geometry"
)

// ErrDriftOutlier is returned when a fresh vision offset exceeds the
// plausibility bound. The offset is discarded.
var ErrDriftOutlier = errors.New("drift outlier")

// Source tells where the corrected azimuth came from.
type Source int

const (
	SourceMath Source = iota
	SourceVision
)

func (s Source) String() string {
	if s == SourceVision {
		return "VISION"
	}
	return "MATH"
}

// Reading is a vision drift measurement.
type Reading struct {
	Offset    float64 // signed degrees, positive is clockwise
	Timestamp time.Time
	Detected  bool // the marker was found in the frame
}

// Estimate is the result of one fusion step.
type Estimate struct {
	Predicted float64
	Corrected float64
	Source    Source
	// Confidence is true only when a fresh marker observation was applied.
	Confidence bool
}

// Fuser applies vision offsets to geometric predictions.
type Fuser struct {
	StaleAfter   time.Duration
	Plausibility float64 // max |offset| in degrees
}

// PlausibilityBound returns the angular half-width of the slit seen from the
// dome center, in degrees.
func PlausibilityBound(slitWidth, domeRadius float64) float64 {
	if domeRadius <= 0 || slitWidth <= 0 {
		return 0
	}
	half := slitWidth / 2 / domeRadius
	if half >= 1 {
		return 90
	}
	return math.Asin(half) * 180 / math.Pi
}

// Fresh reports whether r is a usable marker observation at now.
func (f Fuser) Fresh(r *Reading, now time.Time) bool {
	if r == nil || !r.Detected {
		return false
	}
	age := now.Sub(r.Timestamp)
	return age >= 0 && age <= f.StaleAfter
}

// Fuse combines predicted with the vision reading r (nil when absent).
//
// Without a fresh reading the prediction passes through untouched. A fresh
// reading above the plausibility bound returns the untouched prediction
// together with ErrDriftOutlier. Otherwise the full offset is applied.
func (f Fuser) Fuse(predicted float64, r *Reading, now time.Time) (Estimate, error) {
	est := Estimate{
		Predicted: predicted,
		Corrected: predicted,
		Source:    SourceMath,
	}
	if !f.Fresh(r, now) {
		return est, nil
	}
	if math.Abs(r.Offset) > f.Plausibility {
		return est, fmt.Errorf("%w: offset %.2f° exceeds %.2f°", ErrDriftOutlier, r.Offset, f.Plausibility)
	}
	est.Corrected = geometry.Normalize(predicted + r.Offset)
	est.Source = SourceVision
	est.Confidence = true
	return est, nil
}
