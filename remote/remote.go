// Package remote provides typed proxies for modules running on remote nodes.
//
// A Module is bound to a (module name, node id) pair. Methods, variables and
// events are declared up front and kept in an explicit name → declaration map;
// each declaration returns a handle that marshals its arguments and decodes its
// result:
//
//	otap := remote.New(ch, "otap", 12)
//	gnmv, _ := otap.DeclareMethod("gnmv", remote.Of(codec.U8))
//	n, err := gnmv.Call(ctx)
//
// Any number of proxies may share one channel.
package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"nodelink/channel"
	"nodelink/codec"
	"nodelink/message"
	"nodelink/middleware"
	"nodelink/protocol"
)

var (
	ErrDuplicateDeclaration = errors.New("remote: name already declared")
	ErrCallbackMismatch     = errors.New("remote: a different callback is bound to the event")
	ErrArity                = errors.New("remote: wrong number of arguments")
)

// Caller is implemented by *channel.Channel.
type Caller interface {
	CallWithin(ctx context.Context, node protocol.NodeID, frame *codec.Frame, wait time.Duration) (*codec.Frame, error)
	Events() *channel.Registry
}

// Kind tags a declaration.
type Kind uint8

const (
	KindVariable Kind = iota
	KindMethod
	KindAsyncMethod
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindVariable:
		return "variable"
	case KindMethod:
		return "method"
	case KindAsyncMethod:
		return "async method"
	case KindEvent:
		return "event"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Declaration is one entry of a module's declaration map: *Variable, *Method or *Event.
type Declaration interface {
	Kind() Kind
	Name() string
}

// Value describes how a result, variable or event payload is decoded.
type Value struct {
	Type   codec.Type
	Bits   int           // vector length for codec.Bits
	Decode codec.Decoder // decoder for codec.Struct
}

// Of describes a scalar or string value.
func Of(t codec.Type) Value { return Value{Type: t} }

// BitsOf describes a bit vector of n bits.
func BitsOf(n int) Value { return Value{Type: codec.Bits, Bits: n} }

// StructOf describes a composite value decoded by dec.
func StructOf(dec codec.Decoder) Value { return Value{Type: codec.Struct, Decode: dec} }

func (v Value) decode(f *codec.Frame) (any, error) {
	return codec.Decode(f, v.Type, v.Bits, v.Decode)
}

// Module is a proxy for one module on one node.
type Module struct {
	caller Caller
	name   string
	node   protocol.NodeID
	log    *zerolog.Logger
	chain  []middleware.Middleware

	invoke  middleware.HandlerFunc
	waiting atomic.Int64 // time.Duration, 0 = channel default

	mu    sync.Mutex
	decls map[string]Declaration
}

type Option func(*Module)

func WithLogger(l *zerolog.Logger) Option {
	return func(m *Module) { m.log = l }
}

// WithMiddleware wraps every call issued by the module, outermost first.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(m *Module) { m.chain = append(m.chain, mw...) }
}

func New(caller Caller, module string, node protocol.NodeID, opts ...Option) *Module {
	m := &Module{
		caller: caller,
		name:   module,
		node:   node,
		decls:  make(map[string]Declaration),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
			With().Str("component", "remote").Timestamp().Logger().Level(zerolog.WarnLevel)
		m.log = &l
	}
	m.invoke = middleware.Chain(m.chain...)(m.call)
	return m
}

func (m *Module) Name() string          { return m.name }
func (m *Module) Node() protocol.NodeID { return m.node }

// SetWaitingTime overrides the channel waiting time for calls from this proxy
// and returns the previous override. Zero restores the channel default.
func (m *Module) SetWaitingTime(d time.Duration) time.Duration {
	return time.Duration(m.waiting.Swap(int64(d)))
}

// Lookup returns the declaration registered under name.
func (m *Module) Lookup(name string) (Declaration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decls[name]
	return d, ok
}

func (m *Module) declare(d Declaration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.decls[d.Name()]; ok {
		m.log.Warn().Str("module", m.name).Str("name", d.Name()).Stringer("existing", old.Kind()).
			Msg("duplicate declaration")
		return fmt.Errorf("%w: %s.%s (%s)", ErrDuplicateDeclaration, m.name, d.Name(), old.Kind())
	}
	m.decls[d.Name()] = d
	return nil
}

// call is the terminal invoker: it appends the envelope, hands the frame to the
// channel and strips the status byte.
func (m *Module) call(ctx context.Context, req *message.Request) (*codec.Frame, error) {
	f, err := req.Build()
	if err != nil {
		return nil, err
	}
	resp, err := m.caller.CallWithin(ctx, req.Node, f, time.Duration(m.waiting.Load()))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req, err)
	}
	if err := req.Status(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (m *Module) request(name string, tag message.Tag, args *codec.Frame) *message.Request {
	return &message.Request{Node: m.node, Module: m.name, Name: name, Tag: tag, Frame: args}
}

// encodeArgs marshals args in declared order. Nothing is sent on error.
func encodeArgs(types []codec.Type, args []any) (*codec.Frame, error) {
	if len(args) != len(types) {
		return nil, &codec.MarshalError{Index: len(args), Err: fmt.Errorf("%w: want %d, got %d", ErrArity, len(types), len(args))}
	}
	f := codec.NewFrame(0)
	for i, t := range types {
		if err := codec.Encode(f, t, args[i]); err != nil {
			var me *codec.MarshalError
			if errors.As(err, &me) {
				me.Index = i
			}
			return nil, err
		}
	}
	return f, nil
}

// Variable is a remotely readable and writable value.
type Variable struct {
	mod   *Module
	name  string
	value Value
}

func (v *Variable) Kind() Kind   { return KindVariable }
func (v *Variable) Name() string { return v.name }

func (m *Module) DeclareVariable(name string, value Value) (*Variable, error) {
	v := &Variable{mod: m, name: name, value: value}
	if err := m.declare(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Get reads the variable. An empty request body means read.
func (v *Variable) Get(ctx context.Context) (any, error) {
	resp, err := v.mod.invoke(ctx, v.mod.request(v.name, message.TagVariable, nil))
	if err != nil {
		return nil, err
	}
	return v.value.decode(resp)
}

// Set writes the variable.
func (v *Variable) Set(ctx context.Context, value any) error {
	f := codec.NewFrame(0)
	if err := codec.Encode(f, v.value.Type, value); err != nil {
		var me *codec.MarshalError
		if errors.As(err, &me) {
			me.Index = -1
		}
		return err
	}
	_, err := v.mod.invoke(ctx, v.mod.request(v.name, message.TagVariable, f))
	return err
}

// Method is a remote method. Async methods answer with an immediate result and
// raise their companion event once the operation finished.
type Method struct {
	mod   *Module
	name  string
	ret   Value
	args  []codec.Type
	async *Event
}

func (m *Method) Kind() Kind {
	if m.async != nil {
		return KindAsyncMethod
	}
	return KindMethod
}

func (m *Method) Name() string { return m.name }

// Done returns the companion event of an async method, nil otherwise.
func (m *Method) Done() *Event { return m.async }

func (m *Module) DeclareMethod(name string, ret Value, args ...codec.Type) (*Method, error) {
	meth := &Method{mod: m, name: name, ret: ret, args: args}
	if err := m.declare(meth); err != nil {
		return nil, err
	}
	return meth, nil
}

// DeclareAsyncMethod declares name together with its completion event. If the
// event is already declared with the same callback it is reused; a different
// callback is rejected with ErrCallbackMismatch and the method is not declared.
//
// Callbacks are the same when they share their code pointer: closures built
// from one func literal count as one callback whatever they capture. Pass the
// same value, or distinct functions, to get the intended check.
func (m *Module) DeclareAsyncMethod(event string, payload Value, cb EventFunc, name string, ret Value, args ...codec.Type) (*Method, error) {
	var ev *Event
	if d, ok := m.Lookup(event); ok {
		existing, isEvent := d.(*Event)
		if !isEvent {
			return nil, fmt.Errorf("%w: %s.%s (%s)", ErrDuplicateDeclaration, m.name, event, d.Kind())
		}
		if !existing.boundTo(cb) {
			m.log.Warn().Str("module", m.name).Str("event", event).Str("method", name).
				Msg("different callback for existing async completion event")
			return nil, fmt.Errorf("%w: %s.%s", ErrCallbackMismatch, m.name, event)
		}
		ev = existing
	}

	meth := &Method{mod: m, name: name, ret: ret, args: args}
	if err := m.declare(meth); err != nil {
		return nil, err
	}
	if ev == nil {
		var err error
		if ev, err = m.DeclareEvent(event, payload); err != nil {
			m.undeclare(name)
			return nil, err
		}
		if err := ev.Bind(cb); err != nil {
			m.undeclare(name)
			m.undeclare(event)
			return nil, err
		}
	}
	meth.async = ev
	return meth, nil
}

func (m *Module) undeclare(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.decls, name)
}

// Call invokes the method and returns its decoded result (nil for codec.None).
// For an async method the result is only the immediate answer.
func (m *Method) Call(ctx context.Context, args ...any) (any, error) {
	f, err := encodeArgs(m.args, args)
	if err != nil {
		return nil, err
	}
	tag := message.TagMethod
	if m.async != nil {
		tag = message.TagAsyncMethod
	}
	resp, err := m.mod.invoke(ctx, m.mod.request(m.name, tag, f))
	if err != nil {
		return nil, err
	}
	return m.ret.decode(resp)
}

// EventFunc receives a decoded event payload raised by node.
type EventFunc func(node protocol.NodeID, counter uint16, v any)

// Event is a remote event.
type Event struct {
	mod     *Module
	name    string
	payload Value

	mu sync.Mutex
	cb EventFunc
}

func (e *Event) Kind() Kind   { return KindEvent }
func (e *Event) Name() string { return e.name }

func (m *Module) DeclareEvent(name string, payload Value) (*Event, error) {
	e := &Event{mod: m, name: name, payload: payload}
	if err := m.declare(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Event) key() channel.Key {
	return channel.Key{Node: e.mod.node, Module: e.mod.name, Event: e.name}
}

// sameFunc compares code pointers only; captured variables are not part of it.
func sameFunc(a, b EventFunc) bool {
	return a != nil && b != nil && reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

func (e *Event) boundTo(cb EventFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sameFunc(e.cb, cb)
}

// Bind registers cb locally without contacting the node, e.g. for events the node
// raises on its own. Binding the same callback twice is a no-op.
func (e *Event) Bind(cb EventFunc) error {
	if cb == nil {
		return fmt.Errorf("remote: nil callback for %s.%s", e.mod.name, e.name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cb != nil {
		if sameFunc(e.cb, cb) {
			return nil
		}
		return fmt.Errorf("%w: %s.%s", ErrCallbackMismatch, e.mod.name, e.name)
	}
	if err := e.mod.caller.Events().Subscribe(e.key(), e.dispatch); err != nil {
		return err
	}
	e.cb = cb
	return nil
}

func (e *Event) dispatch(ev channel.Event) {
	e.mu.Lock()
	cb := e.cb
	e.mu.Unlock()
	if cb == nil {
		return
	}
	v, err := e.payload.decode(ev.Payload)
	if err != nil {
		e.mod.log.Warn().Err(err).Stringer("key", ev.Key).Msg("cannot decode event payload")
		return
	}
	cb(ev.Node, ev.Counter, v)
}

// Subscribe binds cb and asks the node to raise the event; counter is echoed
// back in every event.
func (e *Event) Subscribe(ctx context.Context, counter uint16, cb EventFunc) error {
	if err := e.Bind(cb); err != nil {
		return err
	}
	f := codec.NewFrame(2)
	f.PushU16(counter)
	_, err := e.mod.invoke(ctx, e.mod.request(e.name, message.TagSubscribe, f))
	return err
}

// Unsubscribe asks the node to stop raising the event and drops the local binding.
func (e *Event) Unsubscribe(ctx context.Context) error {
	_, err := e.mod.invoke(ctx, e.mod.request(e.name, message.TagUnsubscribe, nil))
	e.Unbind()
	return err
}

// Unbind drops the local binding only.
func (e *Event) Unbind() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cb == nil {
		return
	}
	e.cb = nil
	e.mod.caller.Events().Unsubscribe(e.key())
}
