package emulator

import (
	"sync"

	"nodelink/codec"
	"nodelink/message"
	"nodelink/protocol"
)

// Call is one method invocation seen by an emulated module.
type Call struct {
	Node  *Node
	Src   protocol.NodeID
	Args  *codec.Frame // arguments, last declared on top
	Async bool         // invoked with the async tag; the done event is subscribed
}

// NoResponse makes the node swallow the request, as if the frame was lost.
const NoResponse message.Status = 0xFF

// MethodFunc implements a method. The returned frame is the result payload; any
// status but success discards it.
type MethodFunc func(c Call) (*codec.Frame, message.Status)

type variable struct {
	get func(resp *codec.Frame)
	set func(value *codec.Frame) bool
}

type method struct {
	fn        MethodFunc
	doneEvent string // companion event for async calls, "" if none
}

// Module is a remotely accessible module on an emulated node.
type Module struct {
	name string
	node *Node

	mu      sync.RWMutex
	vars    map[string]*variable
	methods map[string]*method
	events  map[string]bool
}

// Variable exposes a variable. get pushes the current value; set pops a new one
// and reports whether it was accepted.
func (m *Module) Variable(name string, get func(resp *codec.Frame), set func(value *codec.Frame) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vars[name] = &variable{get: get, set: set}
}

func (m *Module) Method(name string, fn MethodFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[name] = &method{fn: fn}
}

// AsyncMethod exposes a method whose completion is announced by doneEvent.
// The method may also be called synchronously.
func (m *Module) AsyncMethod(name, doneEvent string, fn MethodFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[name] = &method{fn: fn, doneEvent: doneEvent}
	m.events[doneEvent] = true
}

func (m *Module) Event(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[name] = true
}

// Raise sends event to the base station if it is subscribed.
func (m *Module) Raise(event string, payload *codec.Frame) (bool, error) {
	return m.node.Raise(m.name, event, payload)
}

func (m *Module) dispatch(src protocol.NodeID, tag message.Tag, name string, args *codec.Frame) (*codec.Frame, message.Status) {
	m.mu.RLock()
	v := m.vars[name]
	meth := m.methods[name]
	known := m.events[name]
	m.mu.RUnlock()

	switch tag {
	case message.TagVariable:
		if v == nil {
			return nil, message.StatusNoSuchVariable
		}
		// an empty body reads, anything else writes
		if args.Len() == 0 {
			resp := codec.NewFrame(4)
			v.get(resp)
			return resp, message.StatusSuccess
		}
		if v.set == nil || !v.set(args) {
			return nil, message.StatusNoSuchVariable
		}
		return nil, message.StatusSuccess

	case message.TagMethod:
		if meth == nil {
			return nil, message.StatusNoSuchMethod
		}
		return meth.fn(Call{Node: m.node, Src: src, Args: args})

	case message.TagSubscribe:
		if !known {
			return nil, message.StatusNoSuchEvent
		}
		counter, err := args.PopU16()
		if err != nil {
			return nil, message.StatusNoSuchEvent
		}
		m.node.subscribe(m.name, name, counter, src)
		return nil, message.StatusSuccess

	case message.TagUnsubscribe:
		if !known || !m.node.unsubscribe(m.name, name) {
			return nil, message.StatusNoSuchEvent
		}
		return nil, message.StatusSuccess

	case message.TagAsyncMethod:
		if meth == nil {
			return nil, message.StatusNoSuchMethod
		}
		if meth.doneEvent == "" {
			return nil, message.StatusInvalidMethodType
		}
		m.node.subscribe(m.name, meth.doneEvent, 1, src)
		resp, st := meth.fn(Call{Node: m.node, Src: src, Args: args, Async: true})
		if st != message.StatusSuccess {
			m.node.unsubscribe(m.name, meth.doneEvent)
		}
		return resp, st
	}
	return nil, message.StatusInvalidMethodType
}
