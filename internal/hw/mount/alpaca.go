package mount

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/DomeGo/internal/debug"
	"github.com/cjeanneret/DomeGo/internal/logic/geometry"
)

// Alpaca SideOfPier values.
const (
	alpacaPierUnknown = -1
	alpacaPierEast    = 0
	alpacaPierWest    = 1
)

const slewPollInterval = 250 * time.Millisecond

// AlpacaError is a non-zero ErrorNumber in an Alpaca response envelope.
type AlpacaError struct {
	Method  string
	Number  int
	Message string
}

func (e *AlpacaError) Error() string {
	return fmt.Sprintf("alpaca %s: error 0x%X: %s", e.Method, e.Number, e.Message)
}

type alpacaResponse struct {
	Value        json.RawMessage
	ErrorNumber  int
	ErrorMessage string
}

// AlpacaClient drives an ASCOM Alpaca telescope device over HTTP.
type AlpacaClient struct {
	base      string
	http      *http.Client
	clientID  uint32
	txn       atomic.Uint32
	connected atomic.Bool
}

// NewAlpacaClient targets device number dev on server (e.g.
// http://localhost:11112).
func NewAlpacaClient(server string, dev int, timeout time.Duration) *AlpacaClient {
	return &AlpacaClient{
		base:     fmt.Sprintf("%s/api/v1/telescope/%d/", strings.TrimRight(server, "/"), dev),
		http:     &http.Client{Timeout: timeout},
		clientID: rand.Uint32N(65535) + 1,
	}
}

func (c *AlpacaClient) params() url.Values {
	v := url.Values{}
	v.Set("ClientID", strconv.FormatUint(uint64(c.clientID), 10))
	v.Set("ClientTransactionID", strconv.FormatUint(uint64(c.txn.Add(1)), 10))
	return v
}

func (c *AlpacaClient) get(ctx context.Context, method string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+method+"?"+c.params().Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(req, method, out)
}

func (c *AlpacaClient) put(ctx context.Context, method string, form url.Values) error {
	body := c.params()
	for k, vs := range form {
		body[k] = vs
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+method, strings.NewReader(body.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, method, nil)
}

func (c *AlpacaClient) do(req *http.Request, method string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("alpaca %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("alpaca %s: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("alpaca %s: HTTP %d: %s", method, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var env alpacaResponse
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("alpaca %s: %w", method, err)
	}
	if env.ErrorNumber != 0 {
		return &AlpacaError{Method: method, Number: env.ErrorNumber, Message: env.ErrorMessage}
	}
	if out != nil {
		if err := json.Unmarshal(env.Value, out); err != nil {
			return fmt.Errorf("alpaca %s: value: %w", method, err)
		}
	}
	return nil
}

// Connect asks the server to connect the device. Poll calls it on first use
// and after every failure.
func (c *AlpacaClient) Connect(ctx context.Context) error {
	if err := c.put(ctx, "connected", url.Values{"Connected": {"true"}}); err != nil {
		return err
	}
	c.connected.Store(true)
	return nil
}

// Poll reads right ascension, declination and side of pier.
func (c *AlpacaClient) Poll(ctx context.Context) (geometry.Pointing, error) {
	if !c.connected.Load() {
		if err := c.Connect(ctx); err != nil {
			return geometry.Pointing{}, err
		}
	}
	var p geometry.Pointing
	var side int
	err := c.get(ctx, "rightascension", &p.RightAscension)
	if err == nil {
		err = c.get(ctx, "declination", &p.Declination)
	}
	if err == nil {
		err = c.get(ctx, "sideofpier", &side)
	}
	if err != nil {
		c.connected.Store(false)
		return geometry.Pointing{}, err
	}
	switch side {
	case alpacaPierEast:
		p.PierSide = geometry.PierEast
	case alpacaPierWest:
		p.PierSide = geometry.PierWest
	default:
		p.PierSide = geometry.PierUnknown
	}
	p.Time = time.Now()
	return p, nil
}

// Park raises the tube to altitude at the current azimuth.
func (c *AlpacaClient) Park(ctx context.Context, altitude float64) error {
	var az float64
	if err := c.get(ctx, "azimuth", &az); err != nil {
		return err
	}
	return c.SlewToAltAz(ctx, altitude, az)
}

// SlewToAltAz stops tracking, starts an asynchronous alt/az slew and waits
// for it to finish.
func (c *AlpacaClient) SlewToAltAz(ctx context.Context, alt, az float64) error {
	debug.Live("mount: slew to alt %.1f° az %.1f°", alt, az)
	if err := c.put(ctx, "tracking", url.Values{"Tracking": {"false"}}); err != nil {
		return err
	}
	err := c.put(ctx, "slewtoaltazasync", url.Values{
		"Azimuth":  {strconv.FormatFloat(geometry.Normalize(az), 'f', 4, 64)},
		"Altitude": {strconv.FormatFloat(alt, 'f', 4, 64)},
	})
	if err != nil {
		return err
	}
	return c.waitSlew(ctx)
}

func (c *AlpacaClient) waitSlew(ctx context.Context) error {
	ticker := time.NewTicker(slewPollInterval)
	defer ticker.Stop()
	for {
		var slewing bool
		if err := c.get(ctx, "slewing", &slewing); err != nil {
			return err
		}
		if !slewing {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("mount slew: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
