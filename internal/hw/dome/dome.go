package dome

import (
	"errors"
	"fmt"
	"time"
)

// ErrDriverFault marks a command the motor controller could not complete
// (homing timeout, rejected command). Motion for that command is halted.
var ErrDriverFault = errors.New("driver fault")

// ErrMalformed is returned by ParseResponse for lines it does not understand.
var ErrMalformed = errors.New("malformed response")

// Kind is the abstract command kind.
type Kind int

const (
	KindMove Kind = iota
	KindStop
	KindStatus
	KindHome
)

func (k Kind) String() string {
	switch k {
	case KindMove:
		return "MOVE"
	case KindStop:
		return "STOP"
	case KindStatus:
		return "STATUS"
	case KindHome:
		return "HOME"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Direction of rotation, seen from above.
type Direction int

const (
	CW Direction = iota
	CCW
)

func (d Direction) String() string {
	if d == CCW {
		return "CCW"
	}
	return "CW"
}

// Sign returns +1 for CW and -1 for CCW.
func (d Direction) Sign() float64 {
	if d == CCW {
		return -1
	}
	return 1
}

// ParseDirection accepts CW/CCW in any case.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "CW", "cw":
		return CW, nil
	case "CCW", "ccw":
		return CCW, nil
	}
	return CW, fmt.Errorf("unknown direction %q", s)
}

// Command is one request for the motor controller. Only one is in flight at a
// time; a new command supersedes the previous one.
type Command struct {
	Kind      Kind
	Target    float64 // degrees, MOVE only
	Speed     int     // 0-100, MOVE only
	Direction Direction
}

// State is the driver's view of the dome. It is published as a whole and
// never mutated after publication.
type State struct {
	Azimuth   float64
	Moving    bool
	Target    float64
	HasTarget bool
	AtHome    bool
	Homing    bool
	LastGood  time.Time // last time the controller proved alive
}

// FaultError is a driver fault for one command.
type FaultError struct {
	Kind Kind
	Err  error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("driver fault on %v: %v", e.Kind, e.Err)
}

// Unwrap exposes both ErrDriverFault and the cause to errors.Is.
func (e *FaultError) Unwrap() []error {
	return []error{ErrDriverFault, e.Err}
}
