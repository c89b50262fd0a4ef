package motion

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLinkLost reports a mount or motor link that stopped answering.
	ErrLinkLost = errors.New("link lost")
	// ErrSafetyViolation reports a large dome move that could not be made
	// safe because the mount never confirmed its park.
	ErrSafetyViolation = errors.New("safety violation")
	// ErrInvalidOperation rejects a command the current mode does not allow.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrCommandTimeout is returned when the control loop did not acknowledge
	// a command in time. The command is dropped.
	ErrCommandTimeout = errors.New("command not acknowledged in time")
)

// Mode is the operating mode of the control loop.
type Mode int

const (
	Manual Mode = iota
	AutoSlaveNominal
	AutoSlaveBlind
	Calibrate
	CriticalStop
)

var modeNames = [...]string{
	Manual:           "MANUAL",
	AutoSlaveNominal: "AUTO_SLAVE_NOMINAL",
	AutoSlaveBlind:   "AUTO_SLAVE_BLIND",
	Calibrate:        "CALIBRATE",
	CriticalStop:     "CRITICAL_STOP",
}

func (m Mode) String() string {
	if m >= 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Slaving reports whether the dome follows the telescope in this mode.
func (m Mode) Slaving() bool {
	return m == AutoSlaveNominal || m == AutoSlaveBlind
}

// ParseMode accepts the names returned by String, case-insensitively.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return Mode(m), nil
		}
	}
	return Manual, fmt.Errorf("unknown mode %q", s)
}

// Health summarizes the external links.
type Health int

const (
	Healthy  Health = iota // mount, motor and vision (when enabled) alive
	Degraded               // vision down
	Critical               // mount or motor down
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "HEALTHY"
	case Degraded:
		return "DEGRADED"
	default:
		return "CRITICAL"
	}
}
