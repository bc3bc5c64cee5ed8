package otap_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"nodelink/channel"
	"nodelink/emulator"
	"nodelink/firmware"
	"nodelink/message"
	"nodelink/otap"
	"nodelink/protocol"
	"nodelink/registry"
	"nodelink/transport"
)

type bench struct {
	ch    *channel.Channel
	base  *transport.Conn
	gw    *emulator.Gateway
	nodes map[protocol.NodeID]*emulator.Otap
}

// newBench 启动一个基站和一组模拟节点
func newBench(t *testing.T, cfgs map[protocol.NodeID]emulator.OtapConfig) *bench {
	t.Helper()
	base, gwConn := transport.Pipe()
	gw := emulator.NewGateway(gwConn)
	b := &bench{base: base, gw: gw, nodes: make(map[protocol.NodeID]*emulator.Otap)}
	for id, cfg := range cfgs {
		b.nodes[id] = emulator.NewOtap(gw.AddNode(id), cfg)
	}
	b.ch = channel.New(base, channel.WithWaitingTime(300*time.Millisecond))
	gw.Start()
	base.Start()
	t.Cleanup(func() {
		b.ch.Close()
		base.Close()
		gw.Shutdown(time.Second)
	})
	return b
}

func testImage(t *testing.T, n int) *firmware.Image {
	t.Helper()
	data := bytes.Repeat([]byte("firmware"), n/8+1)[:n]
	im, err := firmware.New(data, 0x8000, 0)
	if err != nil {
		t.Fatalf("image: %v", err)
	}
	return im
}

func testConfig() otap.Config {
	cfg := otap.DefaultConfig()
	cfg.SendInterval = 0
	cfg.PacingDelay = 0
	cfg.Timeout = 500 * time.Millisecond
	cfg.MaxRounds = 5
	return cfg
}

func run(t *testing.T, b *bench, im *firmware.Image, cfg otap.Config, nodes ...protocol.NodeID) *otap.Report {
	t.Helper()
	d, err := otap.New(b.ch, b.base, im, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := d.Run(ctx, nodes)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Outcomes) != len(nodes) {
		t.Fatalf("report has %d nodes, want %d", len(report.Outcomes), len(nodes))
	}
	return report
}

func wantFailed(t *testing.T, r *otap.Report, id protocol.NodeID, phase string, code uint8) {
	t.Helper()
	o := r.Outcomes[id]
	if o.State != otap.Failed || o.Phase != phase || o.Code != code {
		t.Fatalf("node %v: got %v, want failed(%d) in %s", id, o, code, phase)
	}
	var pe *otap.ProtocolError
	if !errors.As(o.Err, &pe) || pe.Node != id {
		t.Fatalf("node %v: outcome error %v is not a ProtocolError", id, o.Err)
	}
}

func TestRunResendsOnlyMissing(t *testing.T) {
	// 两个分段，第二段首次丢失
	b := newBench(t, map[protocol.NodeID]emulator.OtapConfig{
		7: {DropSegments: map[int]int{1: 1}},
	})
	im := testImage(t, 300)
	if im.Len() != 2 {
		t.Fatalf("image has %d segments, want 2", im.Len())
	}

	r := run(t, b, im, testConfig(), 7)
	if got := r.Succeeded(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("succeeded %v, report %v", got, r)
	}
	n := b.nodes[7]
	if n.Received(0) != 1 {
		t.Fatalf("segment 0 received %d times, want 1", n.Received(0))
	}
	if n.Received(1) != 1 {
		t.Fatalf("segment 1 received %d times, want 1", n.Received(1))
	}
}

func TestRunPushesSendInterval(t *testing.T) {
	for _, async := range []bool{false, true} {
		b := newBench(t, map[protocol.NodeID]emulator.OtapConfig{3: {}})
		cfg := testConfig()
		cfg.SendInterval = time.Millisecond
		cfg.Async = async
		run(t, b, testImage(t, 64), cfg, 3)
		if got := b.nodes[3].Interval(); got != 1 {
			t.Fatalf("async=%v: interval %d, want 1", async, got)
		}
	}
}

func TestRunInitFailureIsNodeScoped(t *testing.T) {
	for _, async := range []bool{false, true} {
		b := newBench(t, map[protocol.NodeID]emulator.OtapConfig{
			1: {},
			2: {InitCode: otap.FirmwareInvalidFirmware},
			3: {InitStatus: message.StatusNoSuchMethod},
		})
		cfg := testConfig()
		cfg.Async = async
		cfg.Unicast = true
		im := testImage(t, 600)
		r := run(t, b, im, cfg, 1, 2, 3)

		if o := r.Outcomes[1]; o.State != otap.Done {
			t.Fatalf("async=%v: node 1 %v, report %v", async, o, r)
		}
		wantFailed(t, r, 2, otap.PhaseInit, otap.FirmwareInvalidFirmware)
		wantFailed(t, r, 3, otap.PhaseInit, uint8(message.StatusNoSuchMethod))

		// 初始化失败的节点只收到 init，之后的阶段全部跳过
		for _, id := range []protocol.NodeID{2, 3} {
			n, _ := b.gw.Node(id)
			if got := n.Requests(); got != 1 {
				t.Fatalf("async=%v: node %v saw %d requests, want only init", async, id, got)
			}
			if got := b.nodes[id].Interval(); got != 0 {
				t.Fatalf("async=%v: node %v got send interval %d", async, id, got)
			}
			for seg := 0; seg < im.Len(); seg++ {
				if got := b.nodes[id].Received(seg); got != 0 {
					t.Fatalf("async=%v: node %v received segment %d", async, id, seg)
				}
			}
		}
		if got := b.nodes[1].Received(0); got != 1 {
			t.Fatalf("async=%v: node 1 segment 0 received %d times", async, got)
		}
	}
}

func TestRunSilentNode(t *testing.T) {
	b := newBench(t, map[protocol.NodeID]emulator.OtapConfig{1: {}, 2: {}})
	n, _ := b.gw.Node(2)
	n.SetSilent(true)

	r := run(t, b, testImage(t, 100), testConfig(), 1, 2)
	if o := r.Outcomes[1]; o.State != otap.Done {
		t.Fatalf("node 1 %v", o)
	}
	wantFailed(t, r, 2, otap.PhaseInit, otap.CodeGeneric)
	if !errors.Is(r.Outcomes[2].Err, channel.ErrTimeout) {
		t.Fatalf("node 2 error %v, want timeout", r.Outcomes[2].Err)
	}
}

func TestRunAsyncMissingDoneEvent(t *testing.T) {
	b := newBench(t, map[protocol.NodeID]emulator.OtapConfig{4: {NoDoneEvent: true}})
	cfg := testConfig()
	cfg.Async = true
	cfg.Timeout = 100 * time.Millisecond
	r := run(t, b, testImage(t, 100), cfg, 4)
	wantFailed(t, r, 4, otap.PhaseInit, otap.CodeTimeout)
}

func TestRunAsyncVerify(t *testing.T) {
	b := newBench(t, map[protocol.NodeID]emulator.OtapConfig{5: {}, 6: {VerifyCode: otap.FirmwareCRCError}})
	cfg := testConfig()
	cfg.Async = true
	r := run(t, b, testImage(t, 700), cfg, 5, 6)
	if o := r.Outcomes[5]; o.State != otap.Done {
		t.Fatalf("node 5 %v", o)
	}
	wantFailed(t, r, 6, otap.PhaseVerify, otap.FirmwareCRCError)
}

func TestRunRoundsExhausted(t *testing.T) {
	b := newBench(t, map[protocol.NodeID]emulator.OtapConfig{
		1: {DropSegments: map[int]int{0: 100}},
		2: {},
	})
	cfg := testConfig()
	cfg.MaxRounds = 3
	cfg.Unicast = true
	r := run(t, b, testImage(t, 300), cfg, 1, 2)
	wantFailed(t, r, 1, otap.PhaseSend, otap.CodeRoundsExhausted)
	if o := r.Outcomes[2]; o.State != otap.Done {
		t.Fatalf("node 2 %v", o)
	}
	if got := b.nodes[2].Received(0); got != 1 {
		t.Fatalf("unicast resends reached node 2: segment 0 received %d times", got)
	}
}

func TestRunVectorFailure(t *testing.T) {
	b := newBench(t, map[protocol.NodeID]emulator.OtapConfig{9: {FailVectors: true}})
	r := run(t, b, testImage(t, 100), testConfig(), 9)
	wantFailed(t, r, 9, otap.PhaseSend, uint8(message.StatusNoSuchMethod))
}

func TestRunTwiceWithoutInit(t *testing.T) {
	b := newBench(t, map[protocol.NodeID]emulator.OtapConfig{8: {}})
	im := testImage(t, 600)
	run(t, b, im, testConfig(), 8)

	cfg := testConfig()
	cfg.Ops = "sv"
	cfg.Async = true
	r := run(t, b, im, cfg, 8)
	if o := r.Outcomes[8]; o.State != otap.Done {
		t.Fatalf("second run %v", o)
	}
	for i := 0; i < im.Len(); i++ {
		if got := b.nodes[8].Received(i); got != 1 {
			t.Fatalf("segment %d received %d times, want 1", i, got)
		}
	}
}

func TestNewRejectsBadOps(t *testing.T) {
	b := newBench(t, nil)
	cfg := testConfig()
	cfg.Ops = "ix"
	if _, err := otap.New(b.ch, b.base, testImage(t, 10), cfg); !errors.Is(err, otap.ErrBadOps) {
		t.Fatalf("got %v, want ErrBadOps", err)
	}
	if _, err := otap.New(b.ch, b.base, nil, testConfig()); !errors.Is(err, otap.ErrNoImage) {
		t.Fatalf("got %v, want ErrNoImage", err)
	}
}

func TestRunCanceled(t *testing.T) {
	b := newBench(t, map[protocol.NodeID]emulator.OtapConfig{1: {}})
	d, err := otap.New(b.ch, b.base, testImage(t, 100), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, err := d.Run(ctx, []protocol.NodeID{1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if o := r.Outcomes[1]; o.State != otap.Failed {
		t.Fatalf("node 1 %v, want failed", o)
	}
}

func TestMissing(t *testing.T) {
	b := newBench(t, map[protocol.NodeID]emulator.OtapConfig{2: {DropSegments: map[int]int{1: 1, 3: 1}}})
	im := testImage(t, 1000)
	cfg := testConfig()
	cfg.Ops = "i"
	run(t, b, im, cfg, 2)

	ctx := context.Background()
	missing, err := otap.Missing(ctx, b.ch, 2, im.Len())
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != im.Len() {
		t.Fatalf("missing %v, want all %d", missing, im.Len())
	}

	cfg.Ops = "s"
	run(t, b, im, cfg, 2)
	missing, err = otap.Missing(ctx, b.ch, 2, im.Len())
	if err != nil || len(missing) != 0 {
		t.Fatalf("missing %v, %v after send", missing, err)
	}
}

func TestActivate(t *testing.T) {
	b := newBench(t, map[protocol.NodeID]emulator.OtapConfig{
		1: {},
		2: {RunIgnore: 2},
		3: {RunCode: otap.FirmwareInvalidSlot},
	})
	b.ch.SetWaitingTime(50 * time.Millisecond)

	failed := otap.Activate(context.Background(), b.ch, []protocol.NodeID{3, 2, 1}, 1, 500, 3)
	if _, ok := failed[1]; ok {
		t.Fatalf("node 1 failed: %v", failed[1])
	}
	if err, ok := failed[2]; ok {
		t.Fatalf("node 2 failed after retries: %v", err)
	}
	if !errors.Is(failed[3], otap.ErrNotAcknowledged) {
		t.Fatalf("node 3: %v, want ErrNotAcknowledged", failed[3])
	}

	slot, delay, ok := b.nodes[2].Ran()
	if !ok || slot != 1 || delay != 500 {
		t.Fatalf("node 2 ran=%v slot=%d delay=%d", ok, slot, delay)
	}
	if got := b.nodes[2].RunCalls(); got != 3 {
		t.Fatalf("node 2 saw %d run calls, want 3", got)
	}
	if got := b.nodes[3].RunCalls(); got != 3 {
		t.Fatalf("node 3 saw %d run calls, want 3", got)
	}
}

// 完整流程：刷写、激活、结果写入节点目录
func TestFlashActivatePublish(t *testing.T) {
	b := newBench(t, map[protocol.NodeID]emulator.OtapConfig{
		1: {DropSegments: map[int]int{2: 2}},
		2: {},
		3: {VerifyCode: otap.FirmwareCorruptedImage},
	})
	im := testImage(t, 1500)
	cfg := testConfig()
	cfg.Slot = 1
	r := run(t, b, im, cfg, 1, 2, 3)
	if got := r.Succeeded(); len(got) != 2 {
		t.Fatalf("succeeded %v, report %v", got, r)
	}
	wantFailed(t, r, 3, otap.PhaseVerify, otap.FirmwareCorruptedImage)

	failed := otap.Activate(context.Background(), b.ch, r.Succeeded(), cfg.Slot, 100, 2)
	if len(failed) != 0 {
		t.Fatalf("activation failed: %v", failed)
	}
	for _, id := range r.Succeeded() {
		if slot, _, ok := b.nodes[id].Ran(); !ok || slot != 1 {
			t.Fatalf("node %v not activated", id)
		}
	}

	dir := registry.NewMemory()
	if err := registry.PublishRun(context.Background(), dir, "lab", r, cfg.Slot, im.CRC, 0); err != nil {
		t.Fatal(err)
	}
	entries, _ := dir.Discover(context.Background(), "lab")
	if len(entries) != 3 || entries[0].Status != registry.StatusFlashed || entries[2].Status != registry.StatusFailed {
		t.Fatalf("directory %+v", entries)
	}
}
