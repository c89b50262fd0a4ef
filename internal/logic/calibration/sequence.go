package calibration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/DomeGo/internal/debug"
)

// Slewer points the mount. It is optional: without one the operator slews
// the telescope by hand.
type Slewer interface {
	SlewToAltAz(ctx context.Context, alt, az float64) error
}

// Recorder is the control loop side of a calibration run.
type Recorder interface {
	RequestCalibration(ctx context.Context) error
	// RecordCalibrationSample measures the dome for dir. After the fourth
	// direction it returns the solve outcome.
	RecordCalibrationSample(ctx context.Context, dir Direction) (*Result, error)
	AbortCalibration(ctx context.Context) error
}

// Prompt blocks until the operator has centered the slit on the telescope
// pointing at dir.
type Prompt func(ctx context.Context, dir Direction) error

// Sequence walks the operator through the four-point calibration.
type Sequence struct {
	recorder Recorder
	slewer   Slewer
	prompt   Prompt

	Settle time.Duration // wait after each slew before prompting
}

func NewSequence(r Recorder, s Slewer, p Prompt) *Sequence {
	return &Sequence{
		recorder: r,
		slewer:   s,
		prompt:   p,
		Settle:   2 * time.Second,
	}
}

// Run performs N, E, S, W in order and returns the fitted geometry. Any
// failure or cancellation aborts the run on the control loop side.
func (s *Sequence) Run(ctx context.Context) (*Result, error) {
	debug.Section("Calibration")
	if err := s.recorder.RequestCalibration(ctx); err != nil {
		return nil, fmt.Errorf("enter calibration: %w", err)
	}

	var res *Result
	for i, dir := range Directions {
		debug.Step(i+1, fmt.Sprintf("direction %v (az %.0f°, alt %.0f°)", dir, dir.Azimuth(), CalibrationAltitude))

		r, err := s.sample(ctx, dir)
		if err != nil {
			if errors.Is(err, ErrDivergence) {
				// the control loop already left calibration
				return r, err
			}
			s.abort()
			return nil, err
		}
		res = r
	}
	if res == nil {
		s.abort()
		return nil, fmt.Errorf("calibration finished without a result")
	}

	debug.Info("Calibration converged: east=%.4f north=%.4f pier=%.4f rms=%.3f°",
		res.OffsetEast, res.OffsetNorth, res.PierHeight, res.RMS)
	return res, nil
}

func (s *Sequence) sample(ctx context.Context, dir Direction) (*Result, error) {
	if s.slewer != nil {
		debug.Live("Slewing mount to %v", dir)
		if err := s.slewer.SlewToAltAz(ctx, CalibrationAltitude, dir.Azimuth()); err != nil {
			return nil, fmt.Errorf("slew to %v: %w", dir, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.Settle):
		}
	}

	if s.prompt != nil {
		if err := s.prompt(ctx, dir); err != nil {
			return nil, fmt.Errorf("prompt %v: %w", dir, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := s.recorder.RecordCalibrationSample(ctx, dir)
	if err != nil {
		return res, fmt.Errorf("sample %v: %w", dir, err)
	}
	return res, nil
}

// abort leaves calibration even when ctx is already canceled.
func (s *Sequence) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.recorder.AbortCalibration(ctx); err != nil {
		debug.Warn("calibration abort: %v", err)
	}
}
