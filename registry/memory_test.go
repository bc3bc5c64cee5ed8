package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"nodelink/otap"
	"nodelink/protocol"
)

func TestMemoryRegisterDiscover(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, id := range []protocol.NodeID{9, 2, 5} {
		if err := m.Register(ctx, NodeInstance{Gateway: "a", ID: id, Status: StatusSeen}, 0); err != nil {
			t.Fatal(err)
		}
	}
	m.Register(ctx, NodeInstance{Gateway: "b", ID: 1}, 0)

	got, _ := m.Discover(ctx, "a")
	if ids := IDs(got); len(ids) != 3 || ids[0] != 2 || ids[2] != 9 {
		t.Fatalf("ids %v", ids)
	}
	if err := m.Deregister(ctx, "a", 5); err != nil {
		t.Fatal(err)
	}
	if err := m.Deregister(ctx, "a", 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if got, _ := m.Discover(ctx, "a"); len(got) != 2 {
		t.Fatalf("got %d entries", len(got))
	}
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Register(ctx, NodeInstance{Gateway: "a", ID: 1}, 1)
	m.Register(ctx, NodeInstance{Gateway: "a", ID: 2}, 0)

	time.Sleep(1200 * time.Millisecond)
	got, _ := m.Discover(ctx, "a")
	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("got %+v after ttl", got)
	}
}

func TestMemoryWatch(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	ch := m.Watch(ctx, "a")

	m.Register(context.Background(), NodeInstance{Gateway: "a", ID: 4}, 0)
	select {
	case got := <-ch:
		if len(got) != 1 || got[0].ID != 4 {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no update")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected update after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}

func TestPublishRun(t *testing.T) {
	m := NewMemory()
	rep := &otap.Report{Outcomes: map[protocol.NodeID]otap.Outcome{
		1: {State: otap.Done},
		2: {State: otap.Failed, Code: otap.CodeTimeout, Phase: otap.PhaseInit},
	}}
	if err := PublishRun(context.Background(), m, "gw", rep, 1, 0xCAFE, 0); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Discover(context.Background(), "gw")
	if len(got) != 2 {
		t.Fatalf("got %d entries", len(got))
	}
	if got[0].Status != StatusFlashed || got[0].CRC != 0xCAFE || got[0].Slot != 1 {
		t.Fatalf("node 1 %+v", got[0])
	}
	if got[1].Status != StatusFailed || got[1].Code != otap.CodeTimeout {
		t.Fatalf("node 2 %+v", got[1])
	}
}
