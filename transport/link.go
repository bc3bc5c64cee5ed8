package transport

import (
	"context"
	"fmt"
	"net"

	"go.bug.st/serial"
)

// OpenSerial opens a gateway attached to a serial device (8N1).
func OpenSerial(device string, baud int, opts ...Option) (*Conn, error) {
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", device, err)
	}
	return NewConn(port, opts...), nil
}

// DialTCP connects to a serial forwarder that relays frames unchanged.
func DialTCP(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewConn(c, opts...), nil
}

// Pipe returns two connected in-memory links sharing opts. Neither is started.
func Pipe(opts ...Option) (*Conn, *Conn) {
	ca, cb := net.Pipe()
	return NewConn(ca, opts...), NewConn(cb, opts...)
}
