package fusion

import (
	"errors"
	"math"
	"testing"
	"time"
)

var now = time.Date(2025, time.March, 14, 22, 0, 0, 0, time.UTC)

func testFuser() Fuser {
	return Fuser{StaleAfter: 2 * time.Second, Plausibility: 5}
}

func TestFuse_NoVisionIsIdentity(t *testing.T) {
	f := testFuser()
	for _, predicted := range []float64{0, 12.345678, 180, 359.999} {
		cases := map[string]*Reading{
			"absent":       nil,
			"stale":        {Offset: 1, Timestamp: now.Add(-3 * time.Second), Detected: true},
			"not_detected": {Offset: 1, Timestamp: now, Detected: false},
			"future":       {Offset: 1, Timestamp: now.Add(time.Second), Detected: true},
		}
		for name, r := range cases {
			est, err := f.Fuse(predicted, r, now)
			if err != nil {
				t.Fatalf("%s: unexpected error %v", name, err)
			}
			if est.Corrected != predicted || est.Source != SourceMath || est.Confidence {
				t.Errorf("%s: got %+v, want pass-through of %v", name, est, predicted)
			}
		}
	}
}

func TestFuse_AppliesFreshOffset(t *testing.T) {
	f := testFuser()
	cases := []struct {
		name      string
		predicted float64
		offset    float64
		want      float64
	}{
		{"positive", 100, 2.5, 102.5},
		{"negative", 100, -1.25, 98.75},
		{"wraps_up", 359, 3, 2},
		{"wraps_down", 1, -3, 358},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &Reading{Offset: tc.offset, Timestamp: now.Add(-time.Second), Detected: true}
			est, err := f.Fuse(tc.predicted, r, now)
			if err != nil {
				t.Fatalf("Fuse: %v", err)
			}
			if math.Abs(est.Corrected-tc.want) > 1e-9 {
				t.Errorf("Corrected = %v, want %v", est.Corrected, tc.want)
			}
			if est.Source != SourceVision || !est.Confidence {
				t.Errorf("source = %v confidence = %v, want VISION/true", est.Source, est.Confidence)
			}
			if est.Predicted != tc.predicted {
				t.Errorf("Predicted = %v, want %v", est.Predicted, tc.predicted)
			}
		})
	}
}

func TestFuse_OutlierNeverChangesAzimuth(t *testing.T) {
	f := testFuser()
	for _, offset := range []float64{5.0001, -5.0001, 40, -179} {
		r := &Reading{Offset: offset, Timestamp: now, Detected: true}
		est, err := f.Fuse(200, r, now)
		if !errors.Is(err, ErrDriftOutlier) {
			t.Errorf("offset %v: err = %v, want ErrDriftOutlier", offset, err)
		}
		if est.Corrected != 200 || est.Source != SourceMath {
			t.Errorf("offset %v: estimate %+v changed the prediction", offset, est)
		}
	}
}

func TestPlausibilityBound(t *testing.T) {
	// 0.8m slit on a 2.5m dome: asin(0.16) = 9.21°
	if got := PlausibilityBound(0.8, 2.5); math.Abs(got-9.207) > 1e-2 {
		t.Errorf("PlausibilityBound = %v, want ~9.207", got)
	}
	if got := PlausibilityBound(0.8, 0); got != 0 {
		t.Errorf("zero radius bound = %v, want 0", got)
	}
	if got := PlausibilityBound(6, 2); got != 90 {
		t.Errorf("oversized slit bound = %v, want 90", got)
	}
}

func TestSourceString(t *testing.T) {
	if SourceMath.String() != "MATH" || SourceVision.String() != "VISION" {
		t.Errorf("unexpected names %q %q", SourceMath, SourceVision)
	}
}
