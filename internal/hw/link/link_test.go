package link

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func expectLine(t *testing.T, lines <-chan string, prefix string) string {
	t.Helper()
	select {
	case l := <-lines:
		if !strings.HasPrefix(l, prefix) {
			t.Fatalf("line = %q, want prefix %q", l, prefix)
		}
		return l
	case <-time.After(2 * time.Second):
		t.Fatalf("no line, want %q", prefix)
	}
	return ""
}

// pipeDialer hands out queued connections, blocking until one is queued.
func pipeDialer(conns chan net.Conn) DialFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		select {
		case c := <-conns:
			return c, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestReconnecting_LinesBothWays(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conns := make(chan net.Conn, 1)
	server, client := net.Pipe()
	conns <- client

	r := NewReconnecting("pipe", pipeDialer(conns), time.Second)
	go r.Run(ctx)
	waitFor(t, "connect", r.Connected)

	go io.WriteString(server, "STATUS: Azimuth=1.00 Moving=NO\n\nTARGET REACHED\n")
	expectLine(t, r.Lines(), "STATUS:")
	expectLine(t, r.Lines(), "TARGET REACHED")

	got := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(server).ReadString('\n')
		got <- line
	}()
	if err := r.Send("MOVE 10.00 50"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if line := <-got; line != "MOVE 10.00 50\n" {
		t.Errorf("controller read %q", line)
	}
}

func TestReconnecting_RedialsAfterDrop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conns := make(chan net.Conn, 1)
	server1, client1 := net.Pipe()
	conns <- client1

	r := NewReconnecting("pipe", pipeDialer(conns), time.Second)
	go r.Run(ctx)
	waitFor(t, "first connect", r.Connected)

	server1.Close()
	waitFor(t, "disconnect", func() bool { return !r.Connected() })
	if err := r.Send("STOP"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send while down = %v, want ErrNotConnected", err)
	}

	server2, client2 := net.Pipe()
	defer server2.Close()
	conns <- client2
	waitFor(t, "reconnect", r.Connected)
}

func TestReconnecting_WriteTimeoutDropsConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conns := make(chan net.Conn, 1)
	server, client := net.Pipe()
	defer server.Close()
	conns <- client

	r := NewReconnecting("pipe", pipeDialer(conns), 20*time.Millisecond)
	go r.Run(ctx)
	waitFor(t, "connect", r.Connected)

	// nobody reads the server side: the write never completes
	start := time.Now()
	err := r.Send("STOP")
	if !errors.Is(err, ErrWriteTimeout) {
		t.Fatalf("err = %v, want ErrWriteTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Send blocked for %v", time.Since(start))
	}
	if r.Connected() {
		t.Error("a timed out write must drop the connection")
	}
}

func TestReconnecting_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewReconnecting("nowhere", func(context.Context) (io.ReadWriteCloser, error) {
		return nil, errors.New("refused")
	}, time.Second)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLineQueue_DropsOldest(t *testing.T) {
	q := make(lineQueue, 2)
	q.push("a")
	q.push("b")
	q.push("c")
	if got := <-q; got != "b" {
		t.Errorf("first = %q, want b", got)
	}
	if got := <-q; got != "c" {
		t.Errorf("second = %q, want c", got)
	}
}
