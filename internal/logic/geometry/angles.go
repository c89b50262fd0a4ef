package geometry

import "math"

const (
	deg2rad = math.Pi / 180
	rad2deg = 180 / math.Pi
)

// Normalize wraps an angle into [0, 360).
func Normalize(deg float64) float64 {
	r := math.Mod(deg, 360)
	if r < 0 {
		r += 360
	}
	// math.Mod(-1e-15, 360) + 360 rounds to 360
	if r >= 360 {
		r = 0
	}
	return r
}

// Delta returns the shortest signed rotation from one azimuth to another,
// in (-180, 180]. Positive is clockwise.
func Delta(from, to float64) float64 {
	d := Normalize(to - from)
	if d > 180 {
		d -= 360
	}
	return d
}
