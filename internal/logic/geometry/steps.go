package geometry

import "math"

// StepsCalculator converts azimuth angles to motor units (steps or encoder
// ticks) and back.
type StepsCalculator struct {
	unitsPerDegree float64
}

// NewStepsCalculator creates a calculator for a fixed units-per-degree ratio.
func NewStepsCalculator(unitsPerDegree float64) *StepsCalculator {
	return &StepsCalculator{unitsPerDegree: unitsPerDegree}
}

// UnitsPerDegree derives the ratio from the motor and drive train:
// full steps per motor revolution, microstepping factor and the number of
// motor revolutions per dome revolution.
func UnitsPerDegree(stepsPerRev, microstepping int, gearRatio float64) float64 {
	if microstepping <= 0 {
		microstepping = 1
	}
	if gearRatio <= 0 {
		gearRatio = 1
	}
	return float64(stepsPerRev*microstepping) * gearRatio / 360.0
}

// PerDegree returns the configured ratio.
func (s *StepsCalculator) PerDegree() float64 {
	return s.unitsPerDegree
}

// StepsFromAngle converts an angle (degrees) to the nearest whole step count.
func (s *StepsCalculator) StepsFromAngle(angleDegrees float64) int {
	return int(math.Round(angleDegrees * s.unitsPerDegree))
}

// AngleFromSteps converts a step count back to degrees.
func (s *StepsCalculator) AngleFromSteps(steps int) float64 {
	if s.unitsPerDegree == 0 {
		return 0
	}
	return float64(steps) / s.unitsPerDegree
}
