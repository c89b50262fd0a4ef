package calibration

import (
	"errors"
	"math"
	"testing"

	"github.com/cjeanneret/DomeGo/internal/logic/geometry"
)

func baseGeometry() geometry.Observatory {
	return geometry.Observatory{
		Latitude:   51.5074,
		Longitude:  -0.1278,
		DomeRadius: 2.5,
		SlitWidth:  0.8,
		PierHeight: 1.5,
	}
}

// samplesFor generates the four measurements a perfectly centered dome would
// give for the true geometry.
func samplesFor(t *testing.T, east, north, pier float64, side geometry.PierSide) []Sample {
	t.Helper()
	truth := baseGeometry()
	truth.OffsetEast, truth.OffsetNorth, truth.PierHeight = east, north, pier
	var out []Sample
	for _, d := range Directions {
		az, err := geometry.DomeAzimuthFromAltAz(CalibrationAltitude, d.Azimuth(), side, truth, 0)
		if err != nil {
			t.Fatalf("generate %v: %v", d, err)
		}
		out = append(out, Sample{Direction: d, MeasuredAzimuth: az, PierSide: side})
	}
	return out
}

func TestSolve_RoundTrip(t *testing.T) {
	cases := []struct {
		name              string
		east, north, pier float64
		side              geometry.PierSide
	}{
		{"ne_offset", 0.3, 0.2, 0.5, geometry.PierEast},
		{"nw_offset_tall_pier", -0.25, 0.15, 1.2, geometry.PierEast},
		{"se_offset_low_pier", 0.4, -0.3, 0.3, geometry.PierEast},
		{"small_offsets", 0.1, 0.1, 1.0, geometry.PierEast},
		{"west_of_pier", 0.3, 0.2, 0.5, geometry.PierWest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			samples := samplesFor(t, tc.east, tc.north, tc.pier, tc.side)
			res, err := NewSolver().Solve(samples, baseGeometry())
			if err != nil {
				t.Fatalf("Solve: %v", err)
			}
			const tol = 1e-4
			if math.Abs(res.OffsetEast-tc.east) > tol ||
				math.Abs(res.OffsetNorth-tc.north) > tol ||
				math.Abs(res.PierHeight-tc.pier) > tol {
				t.Errorf("got east=%.6f north=%.6f pier=%.6f, want %.4f %.4f %.4f",
					res.OffsetEast, res.OffsetNorth, res.PierHeight, tc.east, tc.north, tc.pier)
			}
			if res.RMS > 1e-6 {
				t.Errorf("RMS = %g, want ~0", res.RMS)
			}
		})
	}
}

func TestSolve_DoesNotModifyBase(t *testing.T) {
	base := baseGeometry()
	before := base
	if _, err := NewSolver().Solve(samplesFor(t, 0.3, 0.2, 0.5, geometry.PierEast), base); err != nil {
		t.Fatal(err)
	}
	if base != before {
		t.Errorf("base geometry changed: %+v", base)
	}
}

func TestSolve_ToleratesSmallNoise(t *testing.T) {
	samples := samplesFor(t, 0.3, 0.2, 0.5, geometry.PierEast)
	noise := []float64{0.03, -0.02, 0.01, -0.04}
	for i := range samples {
		samples[i].MeasuredAzimuth = geometry.Normalize(samples[i].MeasuredAzimuth + noise[i])
	}
	res, err := NewSolver().Solve(samples, baseGeometry())
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if res.MaxResidual > 0.1 {
		t.Errorf("MaxResidual = %v, want < 0.1", res.MaxResidual)
	}
}

func TestSolve_ImpossibleSamplesDiverge(t *testing.T) {
	var samples []Sample
	for _, d := range Directions {
		samples = append(samples, Sample{Direction: d, MeasuredAzimuth: 0, PierSide: geometry.PierEast})
	}
	_, err := NewSolver().Solve(samples, baseGeometry())
	if !errors.Is(err, ErrDivergence) {
		t.Errorf("err = %v, want ErrDivergence", err)
	}
}

func TestSolve_UndeterminedGeometryDiverges(t *testing.T) {
	// with no north offset the pier height trades off against the east offset
	samples := samplesFor(t, 0.3, 0, 0.8, geometry.PierEast)
	_, err := NewSolver().Solve(samples, baseGeometry())
	if !errors.Is(err, ErrDivergence) {
		t.Errorf("err = %v, want ErrDivergence", err)
	}
}

func TestSolve_SampleValidation(t *testing.T) {
	good := samplesFor(t, 0.3, 0.2, 0.5, geometry.PierEast)

	dup := append([]Sample(nil), good...)
	dup[3].Direction = North

	bad := append([]Sample(nil), good...)
	bad[0].Direction = Direction(7)

	cases := map[string][]Sample{
		"none":      nil,
		"three":     good[:3],
		"five":      append(append([]Sample(nil), good...), good[0]),
		"duplicate": dup,
		"invalid":   bad,
	}
	for name, samples := range cases {
		if _, err := NewSolver().Solve(samples, baseGeometry()); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestDirection(t *testing.T) {
	for i, d := range Directions {
		if d.Azimuth() != float64(i)*90 {
			t.Errorf("%v.Azimuth() = %v", d, d.Azimuth())
		}
		parsed, err := ParseDirection(d.String())
		if err != nil || parsed != d {
			t.Errorf("ParseDirection(%q) = %v, %v", d.String(), parsed, err)
		}
	}
	if _, err := ParseDirection("NE"); err == nil {
		t.Error("ParseDirection(NE) should fail")
	}
}
