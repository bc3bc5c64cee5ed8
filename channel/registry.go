package channel

import (
	"errors"
	"fmt"
	"sync"

	"nodelink/codec"
	"nodelink/protocol"
)

var ErrAlreadyRegistered = errors.New("channel: event already registered")

// Key identifies one subscription: the node raising the event, the module that
// owns it and the event name.
type Key struct {
	Node   protocol.NodeID
	Module string
	Event  string
}

func (k Key) String() string {
	return fmt.Sprintf("%v/%s.%s", k.Node, k.Module, k.Event)
}

// Event is an inbound notification handed to a subscriber. Payload holds only
// the event-specific values.
type Event struct {
	Key
	Counter uint16
	Payload *codec.Frame
}

// Callback consumes events for one key. Callbacks run on the link read loop.
type Callback func(Event)

// Registry maps subscription keys to their single callback.
type Registry struct {
	mu   sync.RWMutex
	subs map[Key]Callback
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[Key]Callback)}
}

// Subscribe binds cb to key. A key holds at most one callback; a second
// Subscribe fails with ErrAlreadyRegistered and leaves the first in place.
func (r *Registry) Subscribe(key Key, cb Callback) error {
	if cb == nil {
		return fmt.Errorf("channel: nil callback for %v", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[key]; ok {
		return fmt.Errorf("%w: %v", ErrAlreadyRegistered, key)
	}
	r.subs[key] = cb
	return nil
}

// Unsubscribe removes key and reports whether it was present.
func (r *Registry) Unsubscribe(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[key]
	delete(r.subs, key)
	return ok
}

func (r *Registry) Lookup(key Key) (Callback, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.subs[key]
	return cb, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
