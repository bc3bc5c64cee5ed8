package registry

import (
	"context"
	"testing"
	"time"
)

// etcd 不可达时跳过
func etcdOrSkip(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"}, time.Second)
	if err != nil {
		t.Skipf("etcd client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := reg.Ping(ctx); err != nil {
		reg.Close()
		t.Skipf("etcd not reachable: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg := etcdOrSkip(t)
	ctx := context.Background()
	gw := "test-" + time.Now().Format("150405.000")

	inst1 := NodeInstance{Gateway: gw, ID: 3, Status: StatusSeen}
	inst2 := NodeInstance{Gateway: gw, ID: 1, Status: StatusFlashed, Slot: 1, CRC: 0xBEEF}
	if err := reg.Register(ctx, inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, inst2, 0); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(ctx, gw)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}
	if instances[0].ID != 1 || instances[0].CRC != 0xBEEF {
		t.Fatalf("first instance %+v", instances[0])
	}

	if err := reg.Deregister(ctx, gw, inst1.ID); err != nil {
		t.Fatal(err)
	}
	instances, err = reg.Discover(ctx, gw)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].ID != 1 {
		t.Fatalf("expect node 1 after deregister, got %+v", instances)
	}

	reg.Deregister(ctx, gw, inst2.ID)
}

func TestEtcdWatch(t *testing.T) {
	reg := etcdOrSkip(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := "watch-" + time.Now().Format("150405.000")

	ch := reg.Watch(ctx, gw)
	time.Sleep(100 * time.Millisecond)
	if err := reg.Register(ctx, NodeInstance{Gateway: gw, ID: 7}, 0); err != nil {
		t.Fatal(err)
	}
	select {
	case instances := <-ch:
		if len(instances) != 1 || instances[0].ID != 7 {
			t.Fatalf("got %+v", instances)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no watch update")
	}
	reg.Deregister(ctx, gw, 7)
}
