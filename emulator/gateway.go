// Package emulator hosts emulated nodes behind an in-process gateway so the base
// station stack can be exercised without hardware.
//
// Request processing pipeline:
//
//	transport read loop → onRequest (one goroutine per addressed node)
//	  → pop id, module, tag, name → Module dispatch → push status, id → write response
//
// Data packets (firmware segments) are handled inline on the read loop so they
// are seen in link order.
package emulator

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"nodelink/codec"
	"nodelink/message"
	"nodelink/protocol"
	"nodelink/transport"
)

// Gateway answers on behalf of every node it hosts.
type Gateway struct {
	conn     *transport.Conn
	log      *zerolog.Logger
	mu       sync.RWMutex
	nodes    map[protocol.NodeID]*Node
	wg       sync.WaitGroup // in-flight requests, for Shutdown
	shutdown atomic.Bool
}

type Option func(*Gateway)

func WithLogger(l *zerolog.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// NewGateway serves nodes on conn. Call Start once nodes are added.
func NewGateway(conn *transport.Conn, opts ...Option) *Gateway {
	g := &Gateway{conn: conn, nodes: make(map[protocol.NodeID]*Node)}
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
			With().Str("component", "emulator").Timestamp().Logger().Level(zerolog.WarnLevel)
		g.log = &l
	}
	conn.Handle(protocol.PortRemoteAccess, g.onRequest)
	conn.Handle(protocol.PortOtap, g.onData)
	return g
}

func (g *Gateway) Start() { g.conn.Start() }

// AddNode creates node id, or returns it if it already exists.
func (g *Gateway) AddNode(id protocol.NodeID) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id]; ok {
		return n
	}
	n := &Node{
		id:      id,
		gw:      g,
		modules: make(map[string]*Module),
		subs:    make(map[subKey]uint16),
	}
	g.nodes[id] = n
	return n
}

func (g *Gateway) Node(id protocol.NodeID) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns the hosted node ids in ascending order.
func (g *Gateway) Nodes() []protocol.NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]protocol.NodeID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// targets resolves a destination to the nodes it reaches.
func (g *Gateway) targets(dst protocol.NodeID) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if dst != protocol.Broadcast {
		if n, ok := g.nodes[dst]; ok {
			return []*Node{n}
		}
		return nil
	}
	all := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		all = append(all, n)
	}
	return all
}

func (g *Gateway) onRequest(p transport.Packet) {
	if g.shutdown.Load() {
		return
	}
	for _, n := range g.targets(p.Dst) {
		g.wg.Add(1)
		go func(n *Node) {
			defer g.wg.Done()
			n.handleRequest(p.Src, codec.FromBytes(p.Payload))
		}(n)
	}
}

func (g *Gateway) onData(p transport.Packet) {
	for _, n := range g.targets(p.Dst) {
		n.handleData(p.Payload)
	}
}

func (g *Gateway) send(src, dst protocol.NodeID, f *codec.Frame) error {
	return g.conn.Write(transport.Packet{Src: src, Dst: dst, Port: protocol.PortRemoteAccess, Payload: f.Bytes()})
}

// Shutdown stops answering and waits for in-flight requests.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	g.shutdown.Store(true)

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return g.conn.Close()
	case <-time.After(timeout):
		g.conn.Close()
		return fmt.Errorf("emulator: timeout waiting for ongoing requests to finish")
	}
}

type subKey struct {
	module string
	event  string
}

// Node is one emulated device.
type Node struct {
	id protocol.NodeID
	gw *Gateway

	mu      sync.Mutex
	modules map[string]*Module
	subs    map[subKey]uint16 // subscribed events → counter
	base    protocol.NodeID   // where events go

	silent   atomic.Bool
	requests atomic.Int64
	data     func([]byte)
}

func (n *Node) ID() protocol.NodeID { return n.id }

// SetSilent makes the node ignore every request, as if out of range.
func (n *Node) SetSilent(on bool) { n.silent.Store(on) }

// Requests returns the number of remote access requests the node has seen.
func (n *Node) Requests() int { return int(n.requests.Load()) }

// AddModule creates a module, or returns the existing one.
func (n *Node) AddModule(name string) *Module {
	n.mu.Lock()
	defer n.mu.Unlock()
	if m, ok := n.modules[name]; ok {
		return m
	}
	m := &Module{
		name:    name,
		node:    n,
		vars:    make(map[string]*variable),
		methods: make(map[string]*method),
		events:  make(map[string]bool),
	}
	n.modules[name] = m
	return m
}

func (n *Node) module(name string) (*Module, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.modules[name]
	return m, ok
}

// HandleData installs the receiver for data port packets addressed to the node.
func (n *Node) HandleData(fn func([]byte)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.data = fn
}

func (n *Node) handleData(b []byte) {
	n.mu.Lock()
	fn := n.data
	n.mu.Unlock()
	if fn != nil {
		fn(b)
	}
}

func (n *Node) subscribe(module, event string, counter uint16, base protocol.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs[subKey{module, event}] = counter
	n.base = base
}

func (n *Node) unsubscribe(module, event string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	k := subKey{module, event}
	_, ok := n.subs[k]
	delete(n.subs, k)
	return ok
}

// Raise sends an event to the base station if it subscribed. It reports whether
// the event was sent.
func (n *Node) Raise(module, event string, payload *codec.Frame) (bool, error) {
	n.mu.Lock()
	counter, ok := n.subs[subKey{module, event}]
	base := n.base
	n.mu.Unlock()
	if !ok {
		return false, nil
	}
	f, err := message.EncodeEvent(message.EventHeader{Counter: counter, Module: module, Event: event}, payload)
	if err != nil {
		return false, err
	}
	return true, n.gw.send(n.id, base, f)
}

// handleRequest mirrors the node-side remote access dispatch.
func (n *Node) handleRequest(src protocol.NodeID, f *codec.Frame) {
	if n.silent.Load() {
		return
	}
	n.requests.Add(1)

	seq, err := f.PopU8()
	if err != nil || seq == message.EventMarker {
		return
	}
	modName, err := f.PopString()
	if err != nil {
		return
	}
	tag, err := f.PopU8()
	if err != nil {
		return
	}
	name, err := f.PopString()
	if err != nil {
		return
	}

	var resp *codec.Frame
	status := message.StatusNoSuchModule
	if m, ok := n.module(modName); ok {
		resp, status = m.dispatch(src, message.Tag(tag), name, f)
	}
	if status == NoResponse {
		return
	}
	if resp == nil || status != message.StatusSuccess {
		resp = codec.NewFrame(2)
	}
	resp.PushU8(uint8(status))
	resp.PushU8(seq)

	if err := n.gw.send(n.id, src, resp); err != nil {
		n.gw.log.Debug().Err(err).Stringer("node", n.id).Msg("response not sent")
	}
}
