package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"nodelink/protocol"
)

type memEntry struct {
	inst NodeInstance
	exp  *time.Timer // nil without ttl
}

// Memory is an in-process Registry. Entries with a ttl expire on their own.
// The zero value is not usable; call NewMemory.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]map[protocol.NodeID]*memEntry
	watchers map[string][]chan []NodeInstance
}

func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[string]map[protocol.NodeID]*memEntry),
		watchers: make(map[string][]chan []NodeInstance),
	}
}

func (m *Memory) Register(_ context.Context, inst NodeInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	gw := m.entries[inst.Gateway]
	if gw == nil {
		gw = make(map[protocol.NodeID]*memEntry)
		m.entries[inst.Gateway] = gw
	}
	if old, ok := gw[inst.ID]; ok && old.exp != nil {
		old.exp.Stop()
	}
	e := &memEntry{inst: inst}
	if ttl > 0 {
		e.exp = time.AfterFunc(time.Duration(ttl)*time.Second, func() { m.expire(inst.Gateway, inst.ID, e) })
	}
	gw[inst.ID] = e
	m.notifyLocked(inst.Gateway)
	return nil
}

func (m *Memory) expire(gateway string, id protocol.NodeID, e *memEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[gateway][id] != e {
		return
	}
	delete(m.entries[gateway], id)
	m.notifyLocked(gateway)
}

func (m *Memory) Deregister(_ context.Context, gateway string, id protocol.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[gateway][id]
	if !ok {
		return ErrNotFound
	}
	if e.exp != nil {
		e.exp.Stop()
	}
	delete(m.entries[gateway], id)
	m.notifyLocked(gateway)
	return nil
}

func (m *Memory) Discover(_ context.Context, gateway string) ([]NodeInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(gateway), nil
}

func (m *Memory) listLocked(gateway string) []NodeInstance {
	instances := make([]NodeInstance, 0, len(m.entries[gateway]))
	for _, e := range m.entries[gateway] {
		instances = append(instances, e.inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances
}

// Watch emits the directory after every change. A slow reader only sees the
// latest snapshot.
func (m *Memory) Watch(ctx context.Context, gateway string) <-chan []NodeInstance {
	ch := make(chan []NodeInstance, 1)
	m.mu.Lock()
	m.watchers[gateway] = append(m.watchers[gateway], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[gateway]
		for i, w := range ws {
			if w == ch {
				m.watchers[gateway] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (m *Memory) notifyLocked(gateway string) {
	snapshot := m.listLocked(gateway)
	for _, ch := range m.watchers[gateway] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
