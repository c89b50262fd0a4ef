// Package link carries text lines between the dome driver and the motor
// controller. Every link owns its connection lifecycle; the control loop
// only sees Connected() and the lines that arrive.
package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cjeanneret/DomeGo/internal/debug"
	"github.com/cjeanneret/DomeGo/internal/hw/dome"
)

var (
	ErrNotConnected = errors.New("link not connected")
	ErrWriteTimeout = errors.New("link write timed out")
)

// Link is a dome.Transport with a lifecycle. Run blocks until ctx is done.
type Link interface {
	dome.Transport
	Run(ctx context.Context) error
}

// DialFunc opens one byte stream to the controller.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// lineQueue is a bounded inbox. When the reader falls behind the oldest line
// is dropped: status lines are superseded by newer ones anyway.
type lineQueue chan string

func newLineQueue() lineQueue { return make(lineQueue, 64) }

func (q lineQueue) push(line string) {
	for {
		select {
		case q <- line:
			return
		default:
		}
		select {
		case <-q:
		default:
		}
	}
}

// Reconnecting is a line stream over a DialFunc that redials with
// exponential backoff whenever the connection drops.
type Reconnecting struct {
	name         string
	dial         DialFunc
	writeTimeout time.Duration
	newBackOff   func() *backoff.ExponentialBackOff

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	writeMu sync.Mutex
	lines   lineQueue
}

// NewReconnecting wraps dial. writeTimeout bounds every Send.
func NewReconnecting(name string, dial DialFunc, writeTimeout time.Duration) *Reconnecting {
	if writeTimeout <= 0 {
		writeTimeout = 500 * time.Millisecond
	}
	return &Reconnecting{
		name:         name,
		dial:         dial,
		writeTimeout: writeTimeout,
		newBackOff: func() *backoff.ExponentialBackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = 30 * time.Second
			return b
		},
		lines: newLineQueue(),
	}
}

func (r *Reconnecting) Lines() <-chan string { return r.lines }

func (r *Reconnecting) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Send writes one line. A write that does not finish within the write
// timeout drops the connection so Run redials.
func (r *Reconnecting) Send(line string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	done := make(chan error, 1)
	go func() {
		_, err := io.WriteString(conn, line+"\n")
		done <- err
	}()

	timer := time.NewTimer(r.writeTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			r.drop(conn, err)
			return fmt.Errorf("%s: %w", r.name, err)
		}
		debug.Wire(">", r.name, line)
		return nil
	case <-timer.C:
		r.drop(conn, ErrWriteTimeout)
		return fmt.Errorf("%s: %w", r.name, ErrWriteTimeout)
	}
}

// Run dials, reads lines until the connection fails, and redials.
func (r *Reconnecting) Run(ctx context.Context) error {
	b := r.newBackOff()
	for {
		conn, err := r.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := b.NextBackOff()
			debug.Warn("%s: connect failed: %v (retry in %v)", r.name, err, wait.Round(time.Millisecond))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()
		debug.Info("%s: connected", r.name)

		err = r.read(ctx, conn)
		r.drop(conn, err)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (r *Reconnecting) read(ctx context.Context, conn io.ReadWriteCloser) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		debug.Wire("<", r.name, line)
		r.lines.push(line)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

// drop closes conn if it is still the current connection.
func (r *Reconnecting) drop(conn io.ReadWriteCloser, cause error) {
	r.mu.Lock()
	current := r.conn == conn
	if current {
		r.conn = nil
	}
	r.mu.Unlock()
	if !current {
		return
	}
	_ = conn.Close()
	debug.Warn("%s: disconnected: %v", r.name, cause)
}
