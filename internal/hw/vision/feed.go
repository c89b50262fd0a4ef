package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/cjeanneret/DomeGo/internal/debug"
	"github.com/cjeanneret/DomeGo/internal/logic/fusion"
)

// Message is one drift report on the feed.
//
//	{"offset_deg": -0.42, "timestamp": "2026-03-01T22:00:00.1Z", "detected": true, "confidence": 0.93}
type Message struct {
	OffsetDeg  float64   `json:"offset_deg"`
	Timestamp  time.Time `json:"timestamp"`
	Detected   bool      `json:"detected"`
	Confidence float64   `json:"confidence"`
}

// FeedClient subscribes to the detector's websocket and fills a Holder.
type FeedClient struct {
	url         string
	holder      *Holder
	dialer      *websocket.Dialer
	readTimeout time.Duration
	now         func() time.Time
}

// NewFeedClient reads url into h. A connection silent for longer than
// readTimeout is dropped and redialed.
func NewFeedClient(url string, h *Holder, readTimeout time.Duration) *FeedClient {
	if readTimeout <= 0 {
		readTimeout = 5 * time.Second
	}
	return &FeedClient{
		url:         url,
		holder:      h,
		dialer:      &websocket.Dialer{HandshakeTimeout: readTimeout},
		readTimeout: readTimeout,
		now:         time.Now,
	}
}

// Run keeps the subscription alive until ctx is done.
func (c *FeedClient) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	for {
		err := c.session(ctx, b)
		c.holder.SetConnected(false)
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		debug.Warn("vision feed: %v (retry in %v)", err, wait.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *FeedClient) session(ctx context.Context, b *backoff.ExponentialBackOff) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (HTTP %d)", c.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	b.Reset()
	c.holder.SetConnected(true)
	debug.Info("vision feed: connected to %s", c.url)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if badMessage(err) {
				debug.Warn("vision feed: bad message: %v", err)
				continue
			}
			return err
		}
		c.accept(msg)
	}
}

func badMessage(err error) bool {
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	var ts *time.ParseError
	return errors.As(err, &syn) || errors.As(err, &typ) || errors.As(err, &ts)
}

func (c *FeedClient) accept(msg Message) {
	now := c.now()
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = now
	}
	c.holder.Store(fusion.Reading{
		Offset:    msg.OffsetDeg,
		Timestamp: ts,
		Detected:  msg.Detected,
	}, now)
	debug.Trace("vision feed: offset %+.3f° detected=%v confidence=%.2f", msg.OffsetDeg, msg.Detected, msg.Confidence)
}
