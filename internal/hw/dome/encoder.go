package dome

import (
	"fmt"
	"math"

	"github.com/cjeanneret/DomeGo/internal/logic/geometry"
)

// Encoder translates abstract commands into the text line the motor
// controller understands. An empty line means nothing is sent.
type Encoder interface {
	Name() string
	Encode(cmd Command) (string, error)
	// Heartbeat is sent while idle to keep the controller watchdog fed.
	// Empty when the protocol has none.
	Heartbeat() string
}

// NewEncoder returns the encoder for a protocol name.
func NewEncoder(protocol string) (Encoder, error) {
	switch protocol {
	case "native":
		return Native{}, nil
	case "legacy":
		return Legacy{}, nil
	case "relay":
		return Relay{}, nil
	}
	return nil, fmt.Errorf("unknown protocol %q", protocol)
}

func clampSpeed(s int) int {
	return max(0, min(100, s))
}

// Native is the full protocol: MOVE <az> <speed>, STOP, STATUS, HOME <dir>.
type Native struct{}

func (Native) Name() string      { return "native" }
func (Native) Heartbeat() string { return "PING" }

func (Native) Encode(cmd Command) (string, error) {
	switch cmd.Kind {
	case KindMove:
		return fmt.Sprintf("MOVE %.2f %d", formatAzimuth(cmd.Target), clampSpeed(cmd.Speed)), nil
	case KindStop:
		return "STOP", nil
	case KindStatus:
		return "STATUS", nil
	case KindHome:
		return "HOME " + cmd.Direction.String(), nil
	}
	return "", fmt.Errorf("native: unsupported command %v", cmd.Kind)
}

// Legacy is the single-letter protocol of third-party controllers.
type Legacy struct{}

func (Legacy) Name() string      { return "legacy" }
func (Legacy) Heartbeat() string { return "" }

func (Legacy) Encode(cmd Command) (string, error) {
	switch cmd.Kind {
	case KindMove:
		return fmt.Sprintf("G %.1f", geometry.Normalize(math.Round(cmd.Target*10)/10)), nil
	case KindStop:
		return "S", nil
	case KindStatus:
		return "P", nil
	case KindHome:
		return "H", nil
	}
	return "", fmt.Errorf("legacy: unsupported command %v", cmd.Kind)
}

// Relay drives a two-relay board: no azimuth, no status. Position has to be
// dead reckoned by the caller.
type Relay struct{}

func (Relay) Name() string      { return "relay" }
func (Relay) Heartbeat() string { return "" }

func (Relay) Encode(cmd Command) (string, error) {
	switch cmd.Kind {
	case KindMove, KindHome:
		return "RELAY " + cmd.Direction.String(), nil
	case KindStop:
		return "RELAY OFF", nil
	case KindStatus:
		return "", nil
	}
	return "", fmt.Errorf("relay: unsupported command %v", cmd.Kind)
}

// formatAzimuth rounds to the wire precision without producing 360.00.
func formatAzimuth(az float64) float64 {
	return geometry.Normalize(math.Round(geometry.Normalize(az)*100) / 100)
}
