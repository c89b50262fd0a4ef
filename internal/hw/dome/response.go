package dome

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ResponseKind classifies a line received from the motor controller.
type ResponseKind int

const (
	RespTargetReached ResponseKind = iota
	RespStopped
	RespStatus
	RespHomed
	RespAck
	RespPosition // bare azimuth, legacy reply to P
)

// Response is a parsed controller line.
type Response struct {
	Kind       ResponseKind
	Azimuth    float64
	HasAzimuth bool
	Target     float64
	HasTarget  bool
	Moving     bool
	AtHome     bool
	Ticks      int64
	HasTicks   bool
}

// ParseResponse parses one line. Unknown or truncated lines return
// ErrMalformed; callers count them as missed liveness checks.
//
// Recognized forms:
//
//	TARGET REACHED
//	STOPPED
//	STATUS: Azimuth=123.45 Target=130.00 Moving=YES [Home=YES] [Ticks=4445]
//	HOMED
//	PONG | OK
//	123.4
func ParseResponse(line string) (Response, error) {
	s := strings.TrimSpace(line)
	upper := strings.ToUpper(s)

	switch {
	case s == "":
		return Response{}, fmt.Errorf("%w: empty line", ErrMalformed)
	case strings.HasPrefix(upper, "TARGET REACHED"):
		return Response{Kind: RespTargetReached}, nil
	case upper == "STOPPED":
		return Response{Kind: RespStopped}, nil
	case upper == "HOMED" || upper == "HOME REACHED":
		return Response{Kind: RespHomed, AtHome: true}, nil
	case upper == "PONG" || upper == "OK":
		return Response{Kind: RespAck}, nil
	case strings.HasPrefix(upper, "STATUS:"):
		return parseStatus(s[len("STATUS:"):])
	}

	az, err := parseAzimuth(s)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %q: %v", ErrMalformed, s, err)
	}
	return Response{Kind: RespPosition, Azimuth: az, HasAzimuth: true}, nil
}

// parseAzimuth accepts finite degrees in [0, 360).
func parseAzimuth(s string) (float64, error) {
	az, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(az) || az < 0 || az >= 360 {
		return 0, fmt.Errorf("%v out of range", az)
	}
	return az, nil
}

func parseStatus(body string) (Response, error) {
	r := Response{Kind: RespStatus}
	var haveMoving bool
	for _, field := range strings.Fields(body) {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			return Response{}, fmt.Errorf("%w: status field %q", ErrMalformed, field)
		}
		var err error
		switch strings.ToLower(key) {
		case "azimuth":
			r.Azimuth, err = parseAzimuth(val)
			r.HasAzimuth = err == nil
		case "target":
			r.Target, err = parseAzimuth(val)
			r.HasTarget = err == nil
		case "moving":
			r.Moving, err = parseYesNo(val)
			haveMoving = err == nil
		case "home":
			r.AtHome, err = parseYesNo(val)
		case "ticks":
			r.Ticks, err = strconv.ParseInt(val, 10, 64)
			r.HasTicks = err == nil
		default:
			// newer firmware may add fields
		}
		if err != nil {
			return Response{}, fmt.Errorf("%w: status field %q: %v", ErrMalformed, field, err)
		}
	}
	if !r.HasAzimuth || !haveMoving {
		return Response{}, fmt.Errorf("%w: status without Azimuth and Moving", ErrMalformed)
	}
	return r, nil
}

func parseYesNo(s string) (bool, error) {
	switch strings.ToUpper(s) {
	case "YES", "1", "TRUE":
		return true, nil
	case "NO", "0", "FALSE":
		return false, nil
	}
	return false, fmt.Errorf("not YES/NO: %q", s)
}
