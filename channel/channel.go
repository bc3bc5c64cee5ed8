// Package channel multiplexes remote calls and events over one link.
//
// Every call gets a one-byte correlation id. The id travels with the request and
// comes back as the first byte popped from the response, so responses are matched
// by id and never by arrival order. Id 255 is reserved for unsolicited events.
//
//	caller A ──┐ initiating (serialized)     ┌── pending[id] ── done ← onFrame
//	caller B ──┼──→ allocate id ──→ outbox ──┤
//	caller C ──┘    (short lock)   (1 slot)  └── txLoop ──paced──→ link
//
// Waiting for a response happens outside every lock, so callers only queue
// behind each other for the instant it takes to allocate an id and hand the
// frame to the outbox.
package channel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"nodelink/codec"
	"nodelink/message"
	"nodelink/metrics"
	"nodelink/protocol"
	"nodelink/transport"
)

const (
	DefaultWaitingTime = 3 * time.Second
	// DefaultStaleAfter bounds how long an id may stay pending before a new call
	// is allowed to reclaim it. Entries this old were leaked (e.g. a lost frame
	// on a call with a very long waiting time).
	DefaultStaleAfter = 60 * time.Second
	DefaultTxInterval = time.Millisecond
)

var (
	ErrChannelBusy = errors.New("channel: correlation id still in use")
	ErrTimeout     = errors.New("channel: no response within waiting time")
	ErrClosed      = errors.New("channel: closed")
)

// Link is the part of transport.Conn the channel needs.
type Link interface {
	Send(dst protocol.NodeID, port protocol.Port, payload []byte) error
	Handle(port protocol.Port, h transport.Handler)
	Done() <-chan struct{}
}

type pendingCall struct {
	id      message.CorrelationID
	node    protocol.NodeID
	created time.Time
	done    chan struct{}
	resp    *codec.Frame
	err     error
}

type outgoing struct {
	call  *pendingCall
	frame []byte
}

// Channel is safe for concurrent use.
type Channel struct {
	link       Link
	log        *zerolog.Logger
	events     *Registry
	staleAfter time.Duration
	limiter    *rate.Limiter
	now        func() time.Time

	waiting atomic.Int64 // time.Duration

	initiating sync.Mutex // serializes id allocation and outbox hand-off

	mu      sync.Mutex // guards seq and pending
	seq     message.CorrelationID
	pending map[message.CorrelationID]*pendingCall

	outbox chan outgoing

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

type Option func(*Channel)

func WithLogger(l *zerolog.Logger) Option {
	return func(c *Channel) { c.log = l }
}

func WithWaitingTime(d time.Duration) Option {
	return func(c *Channel) { c.waiting.Store(int64(d)) }
}

func WithStaleAfter(d time.Duration) Option {
	return func(c *Channel) { c.staleAfter = d }
}

// WithTxInterval sets the minimum gap between two frames handed to the link.
func WithTxInterval(d time.Duration) Option {
	return func(c *Channel) { c.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

// WithRegistry injects an event registry, e.g. one shared by several channels.
func WithRegistry(r *Registry) Option {
	return func(c *Channel) { c.events = r }
}

// New attaches a channel to the remote access port of link and starts the
// transmit loop. The link read loop must be started by the caller.
func New(link Link, opts ...Option) *Channel {
	c := &Channel{
		link:       link,
		staleAfter: DefaultStaleAfter,
		limiter:    rate.NewLimiter(rate.Every(DefaultTxInterval), 1),
		now:        time.Now,
		pending:    make(map[message.CorrelationID]*pendingCall),
		outbox:     make(chan outgoing, 1),
	}
	c.waiting.Store(int64(DefaultWaitingTime))
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
			With().Str("component", "channel").Timestamp().Logger().Level(zerolog.WarnLevel)
		c.log = &l
	}
	if c.events == nil {
		c.events = NewRegistry()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	link.Handle(protocol.PortRemoteAccess, c.onFrame)
	go c.txLoop()
	go c.watchLink()
	return c
}

// Events returns the registry consulted for inbound events.
func (c *Channel) Events() *Registry { return c.events }

// WaitingTime returns the default per-call waiting time.
func (c *Channel) WaitingTime() time.Duration { return time.Duration(c.waiting.Load()) }

// SetWaitingTime changes the default waiting time for calls started afterwards.
func (c *Channel) SetWaitingTime(d time.Duration) {
	c.waiting.Store(int64(d))
}

// Call sends frame to node and waits for the response with the default waiting
// time. The returned frame starts at the response status byte.
func (c *Channel) Call(ctx context.Context, node protocol.NodeID, frame *codec.Frame) (*codec.Frame, error) {
	return c.CallWithin(ctx, node, frame, 0)
}

// CallWithin is Call with an explicit waiting time; wait <= 0 uses the default.
//
// Exactly one of the following is observed: a response, ErrTimeout,
// ErrChannelBusy, ErrClosed (or a link error) or the context's error.
func (c *Channel) CallWithin(ctx context.Context, node protocol.NodeID, frame *codec.Frame, wait time.Duration) (*codec.Frame, error) {
	if wait <= 0 {
		wait = c.WaitingTime()
	}

	c.initiating.Lock()
	call, err := c.register(node)
	if err != nil {
		c.initiating.Unlock()
		return nil, err
	}
	out := frame.Clone()
	out.PushU8(call.id)

	select {
	case c.outbox <- outgoing{call: call, frame: out.Bytes()}:
	case <-c.ctx.Done():
		c.initiating.Unlock()
		c.release(call)
		return nil, c.closeErr
	case <-ctx.Done():
		c.initiating.Unlock()
		c.release(call)
		return nil, ctx.Err()
	}
	c.initiating.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var expired error
	select {
	case <-call.done:
		return call.resp, call.err
	case <-timer.C:
		expired = ErrTimeout
	case <-ctx.Done():
		expired = ctx.Err()
	}

	// The response may have landed between the timer firing and here.
	c.mu.Lock()
	select {
	case <-call.done:
		c.mu.Unlock()
		return call.resp, call.err
	default:
	}
	if c.pending[call.id] == call {
		delete(c.pending, call.id)
	}
	c.mu.Unlock()

	c.log.Debug().Uint8("id", call.id).Stringer("node", node).Dur("wait", wait).Err(expired).Msg("call expired")
	return nil, expired
}

// register allocates the next correlation id and records the pending call.
func (c *Channel) register(node protocol.NodeID) (*pendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return nil, c.closeErr
	}

	c.seq = nextID(c.seq)
	id := c.seq
	now := c.now()
	if old, ok := c.pending[id]; ok {
		age := now.Sub(old.created)
		if age < c.staleAfter {
			c.log.Warn().Uint8("id", id).Dur("age", age).Msg("correlation id in use")
			return nil, fmt.Errorf("%w: id %d pending for %v", ErrChannelBusy, id, age.Round(time.Millisecond))
		}
		c.log.Warn().Uint8("id", id).Dur("age", age).Stringer("node", old.node).Msg("reclaiming stale correlation id")
		c.finishLocked(old, nil, ErrTimeout)
	}

	call := &pendingCall{id: id, node: node, created: now, done: make(chan struct{})}
	c.pending[id] = call
	return call, nil
}

// nextID returns the id following prev, wrapping below the event marker.
func nextID(prev message.CorrelationID) message.CorrelationID {
	return message.CorrelationID((int(prev) + 1) % int(message.EventMarker))
}

func (c *Channel) release(call *pendingCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[call.id] == call {
		delete(c.pending, call.id)
	}
}

// finishLocked completes call once. c.mu must be held.
func (c *Channel) finishLocked(call *pendingCall, resp *codec.Frame, err error) {
	select {
	case <-call.done:
		return
	default:
	}
	if c.pending[call.id] == call {
		delete(c.pending, call.id)
	}
	call.resp, call.err = resp, err
	close(call.done)
}

func (c *Channel) finish(call *pendingCall, resp *codec.Frame, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked(call, resp, err)
}

// txLoop is the transport-ready tick: it drains the one-slot outbox at the
// configured pace.
func (c *Channel) txLoop() {
	for {
		select {
		case out := <-c.outbox:
			if err := c.limiter.Wait(c.ctx); err != nil {
				c.finish(out.call, nil, c.closeErr)
				return
			}
			if err := c.link.Send(out.call.node, protocol.PortRemoteAccess, out.frame); err != nil {
				c.log.Debug().Err(err).Uint8("id", out.call.id).Msg("send failed")
				c.finish(out.call, nil, err)
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Channel) watchLink() {
	select {
	case <-c.link.Done():
		c.shutdown(fmt.Errorf("%w: link down", ErrClosed))
	case <-c.ctx.Done():
	}
}

// onFrame handles one inbound remote access frame from the link read loop.
func (c *Channel) onFrame(p transport.Packet) {
	f := codec.FromBytes(p.Payload)
	id, err := f.PopU8()
	if err != nil {
		c.log.Debug().Stringer("src", p.Src).Msg("empty frame")
		metrics.RecordDrop("empty")
		return
	}
	if id == message.EventMarker {
		c.dispatch(p.Src, f)
		return
	}

	c.mu.Lock()
	call, ok := c.pending[id]
	if !ok || (call.node != protocol.Broadcast && call.node != p.Src) {
		c.mu.Unlock()
		c.log.Debug().Uint8("id", id).Stringer("src", p.Src).Msg("dropping unmatched response")
		metrics.RecordDrop("unmatched_response")
		return
	}
	c.finishLocked(call, f, nil)
	c.mu.Unlock()
}

func (c *Channel) dispatch(src protocol.NodeID, f *codec.Frame) {
	h, err := message.DecodeEventHeader(f)
	if err != nil {
		c.log.Debug().Err(err).Stringer("src", src).Msg("malformed event")
		metrics.RecordDrop("malformed_event")
		return
	}
	key := Key{Node: src, Module: h.Module, Event: h.Event}
	cb, ok := c.events.Lookup(key)
	if !ok {
		c.log.Warn().Stringer("key", key).Uint16("counter", h.Counter).Msg("no subscription for event")
		metrics.RecordDrop("unknown_event")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Stringer("key", key).Msg("event callback panicked")
		}
	}()
	cb(Event{Key: key, Counter: h.Counter, Payload: f})
}

// shutdown fails every pending call with err and stops the transmit loop.
func (c *Channel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.cancel()
		for _, call := range c.pending {
			c.finishLocked(call, nil, err)
		}
		c.mu.Unlock()
	})
}

// Close fails every pending call with ErrClosed. The link is left open.
func (c *Channel) Close() error {
	c.shutdown(ErrClosed)
	return nil
}
