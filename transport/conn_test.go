package transport

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"nodelink/protocol"
)

func collect(c *Conn, port protocol.Port) <-chan Packet {
	ch := make(chan Packet, 16)
	c.Handle(port, func(p Packet) { ch <- p })
	return ch
}

// 测试两端按端口收发
func TestConnSendReceive(t *testing.T) {
	base, gw := Pipe()
	defer base.Close()
	defer gw.Close()

	ra := collect(gw, protocol.PortRemoteAccess)
	data := collect(gw, protocol.PortOtap)
	base.Start()
	gw.Start()

	if err := base.Send(7, protocol.PortRemoteAccess, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := base.Send(protocol.Broadcast, protocol.PortOtap, []byte{9}); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-ra:
		if p.Dst != 7 || p.Src != 0 || !bytes.Equal(p.Payload, []byte{1, 2, 3}) {
			t.Fatalf("unexpected packet: %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("remote access packet not delivered")
	}
	select {
	case p := <-data:
		if p.Dst != protocol.Broadcast || p.Payload[0] != 9 {
			t.Fatalf("unexpected packet: %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("otap packet not delivered")
	}
}

// 测试 Write 可以伪造源地址（网关代多个节点回复）
func TestConnWriteKeepsSource(t *testing.T) {
	base, gw := Pipe(WithAddress(0))
	defer base.Close()
	defer gw.Close()

	got := collect(base, protocol.PortRemoteAccess)
	base.Start()
	gw.Start()

	if err := gw.Write(Packet{Src: 0x22, Dst: 0, Port: protocol.PortRemoteAccess, Payload: []byte{5}}); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-got:
		if p.Src != 0x22 {
			t.Fatalf("src: got %v", p.Src)
		}
	case <-time.After(time.Second):
		t.Fatal("packet not delivered")
	}
}

// 测试损坏的帧被跳过，链路继续可用
func TestConnSkipsCorruptedFrame(t *testing.T) {
	raw, peer := net.Pipe()
	c := NewConn(peer)
	defer c.Close()
	got := collect(c, protocol.PortRemoteAccess)
	c.Start()

	var bad bytes.Buffer
	h := protocol.Header{Dst: 0, Src: 3, Port: protocol.PortRemoteAccess}
	if err := protocol.Encode(&bad, &h, []byte("broken")); err != nil {
		t.Fatal(err)
	}
	frame := bad.Bytes()
	frame[len(frame)-1] ^= 0xFF

	var good bytes.Buffer
	if err := protocol.Encode(&good, &h, []byte("fine")); err != nil {
		t.Fatal(err)
	}

	go func() {
		raw.Write([]byte{0x00, 0x13}) // line noise
		raw.Write(frame)
		raw.Write(good.Bytes())
	}()

	select {
	case p := <-got:
		if string(p.Payload) != "fine" {
			t.Fatalf("expect only the intact frame, got %q", p.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("link did not recover after corruption")
	}
	if c.Err() != nil {
		t.Fatalf("link should still be up, got %v", c.Err())
	}
	raw.Close()
}

func TestConnCloseReleasesDone(t *testing.T) {
	base, gw := Pipe()
	base.Start()
	gw.Start()

	gw.Close()
	select {
	case <-base.Done():
	case <-time.After(time.Second):
		t.Fatal("peer close not observed")
	}
	if err := base.Send(1, protocol.PortRemoteAccess, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", err)
	}
	if !errors.Is(base.Err(), ErrClosed) {
		t.Fatalf("Err: got %v", base.Err())
	}
}

// 测试并发写不会交错
func TestConnConcurrentWrites(t *testing.T) {
	base, gw := Pipe()
	defer base.Close()
	defer gw.Close()

	var mu sync.Mutex
	seen := make(map[byte]bool)
	all := make(chan struct{})
	gw.Handle(protocol.PortOtap, func(p Packet) {
		mu.Lock()
		defer mu.Unlock()
		if len(p.Payload) != 100 || p.Payload[0] != p.Payload[99] {
			t.Errorf("interleaved frame: %v", p.Payload[:4])
		}
		seen[p.Payload[0]] = true
		if len(seen) == 50 {
			close(all)
		}
	})
	base.Start()
	gw.Start()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n byte) {
			defer wg.Done()
			if err := base.Send(1, protocol.PortOtap, bytes.Repeat([]byte{n}, 100)); err != nil {
				t.Errorf("send: %v", err)
			}
		}(byte(i))
	}
	wg.Wait()

	select {
	case <-all:
	case <-time.After(2 * time.Second):
		t.Fatal("not all frames delivered")
	}
}
