package motion

import (
	"context"
	"fmt"

	"github.com/cjeanneret/DomeGo/internal/hw/dome"
	"github.com/cjeanneret/DomeGo/internal/logic/calibration"
)

// CommandKind enumerates what operators and remote clients can ask for.
type CommandKind int

const (
	CmdSlew CommandKind = iota
	CmdPark
	CmdAbort
	CmdFindHome
	CmdSetMode
	CmdAcknowledge
	CmdCalibrate
	CmdCalibrationSample
	CmdCalibrationAbort
)

func (k CommandKind) String() string {
	switch k {
	case CmdSlew:
		return "slew"
	case CmdPark:
		return "park"
	case CmdAbort:
		return "abort"
	case CmdFindHome:
		return "findhome"
	case CmdSetMode:
		return "setmode"
	case CmdAcknowledge:
		return "acknowledge"
	case CmdCalibrate:
		return "calibrate"
	case CmdCalibrationSample:
		return "calibration-sample"
	case CmdCalibrationAbort:
		return "calibration-abort"
	default:
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
}

// Command is a request to the control loop. Only the fields of Kind are read.
type Command struct {
	Kind      CommandKind
	Azimuth   float64               // CmdSlew
	Mode      Mode                  // CmdSetMode
	Direction dome.Direction        // CmdFindHome
	Cardinal  calibration.Direction // CmdCalibrationSample
}

type reply struct {
	err    error
	result *calibration.Result
}

type request struct {
	ctx   context.Context
	cmd   Command
	reply chan reply
}

// Submit hands cmd to the control loop and waits, bounded by the configured
// command timeout, for the tick that executes it. It returns once the command
// is accepted, not once the dome has moved.
func (c *Controller) Submit(ctx context.Context, cmd Command) error {
	_, err := c.submit(ctx, cmd)
	return err
}

func (c *Controller) submit(ctx context.Context, cmd Command) (*calibration.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.deps.Config.Load().CommandTimeout())
	defer cancel()

	req := request{ctx: ctx, cmd: cmd, reply: make(chan reply, 1)}
	select {
	case c.queue <- req:
	case <-ctx.Done():
		return nil, fmt.Errorf("%v: %w", cmd.Kind, ErrCommandTimeout)
	}
	select {
	case r := <-req.reply:
		return r.result, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%v: %w", cmd.Kind, ErrCommandTimeout)
	}
}

// Slew rotates the dome to az outside of slaving.
func (c *Controller) Slew(ctx context.Context, az float64) error {
	return c.Submit(ctx, Command{Kind: CmdSlew, Azimuth: az})
}

// Park leaves slaving and rotates the dome to its park azimuth.
func (c *Controller) Park(ctx context.Context) error {
	return c.Submit(ctx, Command{Kind: CmdPark})
}

// Abort stops the dome and enters CRITICAL_STOP.
func (c *Controller) Abort(ctx context.Context) error {
	return c.Submit(ctx, Command{Kind: CmdAbort})
}

// FindHome starts homing in dir.
func (c *Controller) FindHome(ctx context.Context, dir dome.Direction) error {
	return c.Submit(ctx, Command{Kind: CmdFindHome, Direction: dir})
}

// SetMode requests a mode change. CRITICAL_STOP can only be left with
// Acknowledge.
func (c *Controller) SetMode(ctx context.Context, m Mode) error {
	return c.Submit(ctx, Command{Kind: CmdSetMode, Mode: m})
}

// SetSlaved toggles between MANUAL and automatic slaving.
func (c *Controller) SetSlaved(ctx context.Context, slaved bool) error {
	m := Manual
	if slaved {
		m = AutoSlaveNominal
	}
	return c.SetMode(ctx, m)
}

// Acknowledge clears CRITICAL_STOP once the mount and motor links are back.
func (c *Controller) Acknowledge(ctx context.Context) error {
	return c.Submit(ctx, Command{Kind: CmdAcknowledge})
}

// RequestCalibration enters CALIBRATE.
func (c *Controller) RequestCalibration(ctx context.Context) error {
	return c.Submit(ctx, Command{Kind: CmdCalibrate})
}

// RecordCalibrationSample stores the current dome azimuth for dir. The fourth
// distinct direction triggers the solve; its outcome is returned and the loop
// goes back to MANUAL.
func (c *Controller) RecordCalibrationSample(ctx context.Context, dir calibration.Direction) (*calibration.Result, error) {
	return c.submit(ctx, Command{Kind: CmdCalibrationSample, Cardinal: dir})
}

// AbortCalibration drops the collected samples and returns to MANUAL.
func (c *Controller) AbortCalibration(ctx context.Context) error {
	return c.Submit(ctx, Command{Kind: CmdCalibrationAbort})
}
