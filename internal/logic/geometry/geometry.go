package geometry

import (
	"errors"
	"fmt"
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// DefaultZenithGuard is the angular distance from the zenith (degrees) inside
// which the dome azimuth is reported as indeterminate.
const DefaultZenithGuard = 3.0

// ErrIndeterminate is returned when the pointing direction does not define a
// stable dome azimuth (target near the zenith).
var ErrIndeterminate = errors.New("dome azimuth indeterminate")

// PierSide is the side of the pier the optical tube is on.
type PierSide int

const (
	PierUnknown PierSide = iota
	PierEast
	PierWest
)

func (s PierSide) String() string {
	switch s {
	case PierEast:
		return "east"
	case PierWest:
		return "west"
	default:
		return "unknown"
	}
}

// Observatory is the geometry every azimuth computation is made against.
// Distances are in meters, angles in degrees.
type Observatory struct {
	Latitude    float64
	Longitude   float64 // east positive
	Elevation   float64
	DomeRadius  float64
	SlitWidth   float64
	PierHeight  float64 // aperture height above the dome center plane
	OffsetEast  float64 // GEM horizontal offset, east side of pier
	OffsetNorth float64
}

// Pointing is one mount sample.
type Pointing struct {
	RightAscension float64 // hours
	Declination    float64 // degrees
	PierSide       PierSide
	Time           time.Time
}

// LocalSiderealTime returns the local mean sidereal time in degrees.
func LocalSiderealTime(t time.Time, longitude float64) float64 {
	u := t.UTC()
	jd := satellite.JDay(u.Year(), int(u.Month()), u.Day(), u.Hour(), u.Minute(), u.Second())
	jd += float64(u.Nanosecond()) / 86400e9
	return Normalize(satellite.ThetaG_JD(jd)*rad2deg + longitude)
}

// AltAz converts equatorial coordinates to horizontal ones for an observer at
// latitude lat and local sidereal time lst (degrees). Azimuth is measured from
// north through east.
func AltAz(ra, dec, lat, lst float64) (alt, az float64) {
	h := (lst - ra*15) * deg2rad
	d := dec * deg2rad
	phi := lat * deg2rad

	sinAlt := math.Sin(phi)*math.Sin(d) + math.Cos(phi)*math.Cos(d)*math.Cos(h)
	sinAlt = math.Max(-1, math.Min(1, sinAlt))
	alt = math.Asin(sinAlt) * rad2deg

	y := -math.Cos(d) * math.Sin(h)
	x := math.Sin(d)*math.Cos(phi) - math.Cos(d)*math.Sin(phi)*math.Cos(h)
	az = Normalize(math.Atan2(y, x) * rad2deg)
	return alt, az
}

// RADec is the inverse of AltAz: right ascension in hours, declination in
// degrees.
func RADec(alt, az, lat, lst float64) (ra, dec float64) {
	a, z, phi := alt*deg2rad, az*deg2rad, lat*deg2rad

	sinDec := math.Sin(phi)*math.Sin(a) + math.Cos(phi)*math.Cos(a)*math.Cos(z)
	sinDec = math.Max(-1, math.Min(1, sinDec))
	dec = math.Asin(sinDec) * rad2deg

	y := -math.Cos(a) * math.Sin(z)
	x := math.Sin(a)*math.Cos(phi) - math.Cos(a)*math.Sin(phi)*math.Cos(z)
	h := math.Atan2(y, x) * rad2deg
	ra = Normalize(lst-h) / 15
	return ra, dec
}

// DomeAzimuthFromAltAz intersects the optical axis with the dome hemisphere and
// returns the azimuth of the intersection seen from the dome center.
//
// The aperture sits at (OffsetEast, OffsetNorth, PierHeight) for PierEast and
// at the mirrored horizontal offset for PierWest.
func DomeAzimuthFromAltAz(alt, az float64, side PierSide, obs Observatory, zenithGuard float64) (float64, error) {
	if alt > 90-zenithGuard {
		return 0, ErrIndeterminate
	}
	if obs.DomeRadius <= 0 {
		return 0, fmt.Errorf("dome radius must be > 0, got %.3f", obs.DomeRadius)
	}

	s := 1.0
	if side == PierWest {
		s = -1
	}
	px, py, pz := s*obs.OffsetEast, s*obs.OffsetNorth, obs.PierHeight

	a, z := alt*deg2rad, az*deg2rad
	dx := math.Cos(a) * math.Sin(z)
	dy := math.Cos(a) * math.Cos(z)
	dz := math.Sin(a)

	// |p + t*d| = R, d is a unit vector
	b := px*dx + py*dy + pz*dz
	c := px*px + py*py + pz*pz - obs.DomeRadius*obs.DomeRadius
	if c >= 0 {
		return 0, fmt.Errorf("%w: aperture outside dome radius", ErrIndeterminate)
	}
	t := -b + math.Sqrt(b*b-c)

	qx, qy := px+t*dx, py+t*dy
	if math.Hypot(qx, qy) < 1e-9 {
		return 0, ErrIndeterminate
	}
	return Normalize(math.Atan2(qx, qy) * rad2deg), nil
}

// Azimuth returns the dome azimuth that keeps the slit on the optical axis for
// pointing p, using DefaultZenithGuard.
func Azimuth(p Pointing, obs Observatory) (float64, error) {
	return AzimuthGuarded(p, obs, DefaultZenithGuard)
}

// AzimuthGuarded is Azimuth with an explicit zenith guard in degrees.
func AzimuthGuarded(p Pointing, obs Observatory, zenithGuard float64) (float64, error) {
	lst := LocalSiderealTime(p.Time, obs.Longitude)
	alt, az := AltAz(p.RightAscension, p.Declination, obs.Latitude, lst)
	return DomeAzimuthFromAltAz(alt, az, p.PierSide, obs, zenithGuard)
}
