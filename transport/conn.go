// Package transport owns the physical link to the gateway.
//
// Conn carries protocol frames over any byte stream: a serial port, a TCP socket
// to a serial forwarder, or an in-memory pipe in tests. One goroutine (recvLoop)
// reads frames and hands them to the handler registered for the frame's port;
// writes from any goroutine are serialized so frames never interleave.
//
//	channel ──Send(port 1)──┐
//	otap    ──Send(port 2)──┼──→ single stream ──→ gateway ──→ nodes
//	                        │
//	recvLoop: ←── frame(port 1) → handler[1] → channel.onFrame
package transport

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"nodelink/protocol"
)

var ErrClosed = errors.New("transport: link closed")

// Packet is one decoded frame.
type Packet struct {
	Src     protocol.NodeID
	Dst     protocol.NodeID
	Port    protocol.Port
	Payload []byte
}

// Handler receives packets for one port. It runs on the read loop, so packets
// are delivered in arrival order and a slow handler delays the whole link.
type Handler func(Packet)

// Conn is a framed, port-multiplexed link.
type Conn struct {
	rwc  io.ReadWriteCloser
	self protocol.NodeID
	log  *zerolog.Logger

	hmu      sync.RWMutex
	handlers map[protocol.Port]Handler

	sending sync.Mutex // whole frames only; a frame is written with a single Write
	seq     uint8      // link sequence (protected by sending)

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger replaces the default logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(c *Conn) { c.log = l }
}

// WithAddress sets the source id stamped on frames sent with Send. Defaults to 0,
// the base station.
func WithAddress(id protocol.NodeID) Option {
	return func(c *Conn) { c.self = id }
}

// NewConn wraps rwc. Nothing is read until Start is called, so handlers can be
// registered first.
func NewConn(rwc io.ReadWriteCloser, opts ...Option) *Conn {
	c := &Conn{
		rwc:      rwc,
		handlers: make(map[protocol.Port]Handler),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
			With().Str("component", "transport").Timestamp().Logger().Level(zerolog.WarnLevel)
		c.log = &l
	}
	return c
}

// Self returns the address used as source for Send.
func (c *Conn) Self() protocol.NodeID { return c.self }

// Handle registers h for port, replacing any previous handler.
func (c *Conn) Handle(port protocol.Port, h Handler) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handlers[port] = h
}

// Start launches the read loop. Calling it more than once has no effect.
func (c *Conn) Start() {
	c.startOnce.Do(func() { go c.recvLoop() })
}

// Send transmits payload to dst on port with this link's own address as source.
func (c *Conn) Send(dst protocol.NodeID, port protocol.Port, payload []byte) error {
	return c.Write(Packet{Src: c.self, Dst: dst, Port: port, Payload: payload})
}

// Write transmits p as given. It returns once the frame has been handed to the
// underlying stream, which is the link's notion of send completion.
func (c *Conn) Write(p Packet) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.sending.Lock()
	defer c.sending.Unlock()

	c.seq++
	h := protocol.Header{Dst: p.Dst, Src: p.Src, Seq: c.seq, Port: p.Port}
	if err := protocol.Encode(c.rwc, &h, p.Payload); err != nil {
		if errors.Is(err, protocol.ErrBodyTooLarge) {
			return err
		}
		c.shutdown(err)
		return err
	}
	c.log.Trace().Stringer("dst", p.Dst).Uint8("port", uint8(p.Port)).Int("len", len(p.Payload)).Msg("frame sent")
	return nil
}

// recvLoop reads frames until the stream fails. A corrupted frame is logged and
// skipped; the next read resynchronises on the following magic byte.
func (c *Conn) recvLoop() {
	for {
		header, body, err := protocol.Decode(c.rwc)
		if err != nil {
			if protocol.Corrupted(err) {
				c.log.Debug().Err(err).Msg("dropping corrupted frame")
				continue
			}
			c.shutdown(err)
			return
		}

		c.hmu.RLock()
		h, ok := c.handlers[header.Port]
		c.hmu.RUnlock()
		if !ok {
			c.log.Debug().Uint8("port", uint8(header.Port)).Stringer("src", header.Src).Msg("no handler for port")
			continue
		}
		h(Packet{Src: header.Src, Dst: header.Dst, Port: header.Port, Payload: body})
	}
}

// shutdown records the first error, closes the stream and releases Done.
func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		if err == nil || errors.Is(err, io.EOF) {
			err = ErrClosed
		}
		c.err = err
		close(c.done)
		c.rwc.Close()
		c.log.Debug().Err(err).Msg("link down")
	})
}

// Done is closed when the link is no longer usable.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the link went down, or nil while it is up.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close tears the link down.
func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	return nil
}
