package link

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"go.bug.st/serial"
)

// SerialDialer opens the controller's serial port, 8N1.
func SerialDialer(port string, baud int) DialFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		p, err := serial.Open(port, &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", port, err)
		}
		// stale bytes from before the reset would parse as garbage
		_ = p.ResetInputBuffer()
		return p, nil
	}
}

// TCPDialer connects to a serial-over-TCP bridge or a networked controller.
func TCPDialer(address string, timeout time.Duration) DialFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		d := net.Dialer{Timeout: timeout, KeepAlive: 15 * time.Second}
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
