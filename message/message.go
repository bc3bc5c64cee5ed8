// Package message defines the remote access envelope exchanged with the peers.
//
// A request travels as
//
//	args... | name | tag | module | correlation id        (pushed in this order)
//
// and the peer answers with
//
//	payload... | status | correlation id
//
// Unsolicited events reuse the correlation slot with EventMarker:
//
//	payload... | event | module | counter | 255
package message

import (
	"fmt"

	"nodelink/codec"
	"nodelink/protocol"
)

// CorrelationID tags one in-flight call so its response can be matched.
type CorrelationID = uint8

const (
	// EventMarker is never allocated to a call; it flags an event frame.
	EventMarker CorrelationID = 255
	// MaxCorrelationID is the largest id handed to a call.
	MaxCorrelationID CorrelationID = 254
)

// Tag is the trailing byte of a request naming the kind of access.
type Tag uint8

const (
	TagVariable    Tag = 0 // variable get (no value) or set (value pushed first)
	TagMethod      Tag = 1 // synchronous method call
	TagSubscribe   Tag = 2 // event subscribe
	TagUnsubscribe Tag = 3 // event unsubscribe
	TagAsyncMethod Tag = 4 // method with a deferred "task done" event
)

func (t Tag) String() string {
	switch t {
	case TagVariable:
		return "variable"
	case TagMethod:
		return "method"
	case TagSubscribe:
		return "subscribe"
	case TagUnsubscribe:
		return "unsubscribe"
	case TagAsyncMethod:
		return "async"
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// Status is the leading byte of every response. Anything but StatusSuccess is a
// remote-side failure and the rest of the payload must not be decoded.
type Status uint8

const (
	StatusSuccess           Status = 0
	StatusNoSuchModule      Status = 1
	StatusNoSuchVariable    Status = 2
	StatusNoSuchMethod      Status = 3
	StatusNoSuchEvent       Status = 4
	StatusInvalidMethodType Status = 5
)

// RemoteError carries a non-zero status returned by a peer.
type RemoteError struct {
	Node   protocol.NodeID
	Module string
	Name   string
	Status Status
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d from %v (%s.%s)", e.Status, e.Node, e.Module, e.Name)
}

// Request describes one remote access before it is handed to the channel.
//
//   - Frame holds the already-marshaled arguments (and the value for a variable set).
//   - Module and Name are appended by Build, followed by Tag.
type Request struct {
	Node   protocol.NodeID
	Module string
	Name   string
	Tag    Tag
	Frame  *codec.Frame
}

// Build returns the frame to transmit, without the correlation id which the
// channel adds when the id is allocated.
func (r *Request) Build() (*codec.Frame, error) {
	f := codec.NewFrame(0)
	if r.Frame != nil {
		f = r.Frame.Clone()
	}
	if err := f.PushString(r.Name); err != nil {
		return nil, fmt.Errorf("message: name %q: %w", r.Name, err)
	}
	f.PushU8(uint8(r.Tag))
	if err := f.PushString(r.Module); err != nil {
		return nil, fmt.Errorf("message: module %q: %w", r.Module, err)
	}
	return f, nil
}

func (r *Request) String() string {
	return fmt.Sprintf("%v %s.%s (%s)", r.Node, r.Module, r.Name, r.Tag)
}

// Status pops the status byte from a response frame and turns a non-zero value
// into a *RemoteError.
func (r *Request) Status(resp *codec.Frame) error {
	st, err := resp.PopU8()
	if err != nil {
		return fmt.Errorf("message: response without status: %w", err)
	}
	if Status(st) != StatusSuccess {
		return &RemoteError{Node: r.Node, Module: r.Module, Name: r.Name, Status: Status(st)}
	}
	return nil
}

// EventHeader is the fixed part of an event frame after the marker.
type EventHeader struct {
	Counter uint16
	Module  string
	Event   string
}

// DecodeEventHeader pops counter, module and event name. The frame is left with
// the event payload.
func DecodeEventHeader(f *codec.Frame) (EventHeader, error) {
	var h EventHeader
	var err error
	if h.Counter, err = f.PopU16(); err != nil {
		return h, err
	}
	if h.Module, err = f.PopString(); err != nil {
		return h, err
	}
	if h.Event, err = f.PopString(); err != nil {
		return h, err
	}
	return h, nil
}

// EncodeEvent builds a complete event frame, marker included. Used by peers
// raising an event.
func EncodeEvent(h EventHeader, payload *codec.Frame) (*codec.Frame, error) {
	f := codec.NewFrame(0)
	if payload != nil {
		f = payload.Clone()
	}
	if err := f.PushString(h.Event); err != nil {
		return nil, err
	}
	if err := f.PushString(h.Module); err != nil {
		return nil, err
	}
	f.PushU16(h.Counter)
	f.PushU8(EventMarker)
	return f, nil
}
