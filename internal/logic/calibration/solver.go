package calibration

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/cjeanneret/DomeGo/internal/logic/geometry"
)

// CalibrationAltitude is the mount altitude (degrees) every sample is taken at.
const CalibrationAltitude = 45.0

// ErrDivergence is returned when the fit did not converge, its residuals are
// out of bounds, or the samples do not determine the parameters.
var ErrDivergence = errors.New("calibration did not converge")

// Direction is a cardinal mount direction.
type Direction int

const (
	North Direction = iota
	East
	South
	West
)

// Directions lists the calibration order.
var Directions = []Direction{North, East, South, West}

// Azimuth returns the mount azimuth the direction corresponds to.
func (d Direction) Azimuth() float64 {
	return float64(d) * 90
}

func (d Direction) String() string {
	switch d {
	case North:
		return "N"
	case East:
		return "E"
	case South:
		return "S"
	case West:
		return "W"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ParseDirection accepts N/E/S/W (any case) or the full names.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "N", "n", "north", "North", "NORTH":
		return North, nil
	case "E", "e", "east", "East", "EAST":
		return East, nil
	case "S", "s", "south", "South", "SOUTH":
		return South, nil
	case "W", "w", "west", "West", "WEST":
		return West, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// Sample is the dome azimuth measured with the mount pointing at Direction.
type Sample struct {
	Direction       Direction
	MeasuredAzimuth float64
	PierSide        geometry.PierSide
}

// Result is a converged fit.
type Result struct {
	OffsetEast  float64
	OffsetNorth float64
	PierHeight  float64
	RMS         float64 // degrees
	MaxResidual float64 // degrees
	Iterations  int
}

// Solver fits mount offsets with Levenberg-Marquardt.
type Solver struct {
	MaxIterations int
	Tolerance     float64 // step norm (m) below which the fit has converged
	MaxResidual   float64 // largest acceptable residual (degrees)
	MaxCondition  float64 // largest acceptable condition number of JᵀJ
}

// NewSolver returns a solver with default bounds.
func NewSolver() *Solver {
	return &Solver{
		MaxIterations: 200,
		Tolerance:     1e-10,
		MaxResidual:   1,
		MaxCondition:  1e8,
	}
}

const (
	jacobianStep = 1e-6
	lambdaStart  = 1e-3
	lambdaMax    = 1e12
)

// Solve fits {OffsetEast, OffsetNorth, PierHeight} to samples, one per
// cardinal direction, starting from base. base is only read.
func (s *Solver) Solve(samples []Sample, base geometry.Observatory) (*Result, error) {
	if err := checkSamples(samples); err != nil {
		return nil, err
	}
	if base.DomeRadius <= 0 {
		return nil, fmt.Errorf("dome radius must be > 0")
	}

	p := problem{samples: samples, base: base}
	x := [3]float64{base.OffsetEast, base.OffsetNorth, base.PierHeight}
	if x[2] <= 0 {
		x[2] = base.DomeRadius / 2
	}
	x = p.clamp(x)

	r, err := p.residuals(x)
	if err != nil {
		return nil, fmt.Errorf("%w: initial geometry: %v", ErrDivergence, err)
	}
	cost := sumSquares(r)
	lambda := lambdaStart

	iter := 0
	converged := false
	for ; iter < s.MaxIterations && !converged; iter++ {
		J, err := p.jacobian(x)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDivergence, err)
		}
		var jtj mat.Dense
		jtj.Mul(J.T(), J)
		var g mat.VecDense
		g.MulVec(J.T(), mat.NewVecDense(len(r), r))
		g.ScaleVec(-1, &g)

		accepted := false
		for !accepted {
			a := mat.DenseCopyOf(&jtj)
			for i := 0; i < 3; i++ {
				a.Set(i, i, a.At(i, i)+lambda)
			}
			var step mat.VecDense
			if err := step.SolveVec(a, &g); err == nil {
				cand := p.clamp([3]float64{x[0] + step.AtVec(0), x[1] + step.AtVec(1), x[2] + step.AtVec(2)})
				if rc, err := p.residuals(cand); err == nil {
					if c := sumSquares(rc); c < cost {
						if mat.Norm(&step, 2) < s.Tolerance || c < 1e-20 {
							converged = true
						}
						x, r, cost = cand, rc, c
						lambda /= 10
						accepted = true
						continue
					}
				}
			}
			lambda *= 10
			if lambda > lambdaMax {
				// no descent direction left: x is a minimum
				converged = true
				break
			}
		}
	}
	if !converged {
		return nil, fmt.Errorf("%w: no convergence after %d iterations", ErrDivergence, iter)
	}

	res := &Result{
		OffsetEast:  x[0],
		OffsetNorth: x[1],
		PierHeight:  x[2],
		RMS:         math.Sqrt(cost / float64(len(r))),
		Iterations:  iter,
	}
	for _, v := range r {
		if math.IsNaN(v) {
			res.MaxResidual = math.NaN()
			break
		}
		res.MaxResidual = math.Max(res.MaxResidual, math.Abs(v))
	}
	if math.IsNaN(res.MaxResidual) || res.MaxResidual > s.MaxResidual {
		return res, fmt.Errorf("%w: residual %.3f° exceeds %.3f°", ErrDivergence, res.MaxResidual, s.MaxResidual)
	}

	J, err := p.jacobian(x)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrDivergence, err)
	}
	var jtj mat.Dense
	jtj.Mul(J.T(), J)
	if c := mat.Cond(&jtj, 2); math.IsNaN(c) || c > s.MaxCondition {
		return res, fmt.Errorf("%w: samples do not determine the geometry (condition %.3g)", ErrDivergence, c)
	}
	return res, nil
}

func checkSamples(samples []Sample) error {
	if len(samples) != len(Directions) {
		return fmt.Errorf("need exactly %d samples, got %d", len(Directions), len(samples))
	}
	var seen [4]bool
	for _, smp := range samples {
		if smp.Direction < North || smp.Direction > West {
			return fmt.Errorf("invalid direction %v", smp.Direction)
		}
		if seen[smp.Direction] {
			return fmt.Errorf("duplicate sample for %v", smp.Direction)
		}
		seen[smp.Direction] = true
	}
	return nil
}

type problem struct {
	samples []Sample
	base    geometry.Observatory
}

func (p problem) observatory(x [3]float64) geometry.Observatory {
	obs := p.base
	obs.OffsetEast, obs.OffsetNorth, obs.PierHeight = x[0], x[1], x[2]
	return obs
}

// clamp keeps the aperture inside the dome and above the center plane.
func (p problem) clamp(x [3]float64) [3]float64 {
	r := p.base.DomeRadius
	x[2] = math.Min(math.Max(x[2], 0), 0.95*r)
	for i := 0; i < 2; i++ {
		x[i] = math.Min(math.Max(x[i], -0.9*r), 0.9*r)
	}
	if n := math.Sqrt(x[0]*x[0] + x[1]*x[1] + x[2]*x[2]); n > 0.95*r {
		k := 0.95 * r / n
		x[0], x[1], x[2] = x[0]*k, x[1]*k, x[2]*k
	}
	return x
}

// residuals returns predicted minus measured azimuth per sample, wrapped.
func (p problem) residuals(x [3]float64) ([]float64, error) {
	obs := p.observatory(x)
	out := make([]float64, len(p.samples))
	for i, smp := range p.samples {
		pred, err := geometry.DomeAzimuthFromAltAz(CalibrationAltitude, smp.Direction.Azimuth(), smp.PierSide, obs, 0)
		if err != nil {
			return nil, err
		}
		out[i] = geometry.Delta(smp.MeasuredAzimuth, pred)
	}
	return out, nil
}

func (p problem) jacobian(x [3]float64) (*mat.Dense, error) {
	J := mat.NewDense(len(p.samples), 3, nil)
	for j := 0; j < 3; j++ {
		xp, xm := x, x
		xp[j] += jacobianStep
		xm[j] -= jacobianStep
		rp, err := p.residuals(xp)
		if err != nil {
			return nil, err
		}
		rm, err := p.residuals(xm)
		if err != nil {
			return nil, err
		}
		for i := range rp {
			J.Set(i, j, (rp[i]-rm[i])/(2*jacobianStep))
		}
	}
	return J, nil
}

func sumSquares(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return s
}
