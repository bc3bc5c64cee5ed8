package main

import (
	"context"
	"errors"
	"flag"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"nodelink/channel"
	"nodelink/codec"
	"nodelink/config"
	"nodelink/message"
	"nodelink/middleware"
)

func TestParseNodes(t *testing.T) {
	ids, err := parseNodes("3, 0x10,3,,7")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 || ids[0] != 3 || ids[1] != 16 || ids[2] != 7 {
		t.Fatalf("got %v", ids)
	}
	if _, err := parseNodes("0xFFFF"); err == nil {
		t.Fatal("broadcast accepted as target")
	}
	if _, err := parseNodes("abc"); err == nil {
		t.Fatal("bad id accepted")
	}
}

func TestParseArgs(t *testing.T) {
	types, values, err := parseArgs([]string{"u16:300", "bool:true", "string:a:b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(types) != 3 || types[0] != codec.U16 || types[2] != codec.String {
		t.Fatalf("types %v", types)
	}
	if values[0].(uint64) != 300 || values[1].(bool) != true || values[2].(string) != "a:b" {
		t.Fatalf("values %v", values)
	}

	for _, bad := range []string{"300", "u9:1", "u8:x", "bits:1"} {
		if _, _, err := parseArgs([]string{bad}); err == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
}

func TestRunUsage(t *testing.T) {
	if err := run(nil); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("got %v, want ErrHelp", err)
	}
	if err := run([]string{"frobnicate"}); err == nil {
		t.Fatal("unknown command accepted")
	}
}

func TestCallMiddleware(t *testing.T) {
	log := zerolog.Nop()
	if got := len(callMiddleware(config.Default().Channel, &log)); got != 2 {
		t.Fatalf("default chain has %d layers, want 2", got)
	}

	c := config.Default().Channel
	c.CallTimeout = 20 * time.Millisecond
	c.CallRate, c.CallBurst = 1000, 1
	mws := callMiddleware(c, &log)
	if len(mws) != 4 {
		t.Fatalf("chain has %d layers, want 4", len(mws))
	}

	// 节点不应答时由超时中间件截断
	stuck := func(ctx context.Context, _ *message.Request) (*codec.Frame, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h := middleware.Chain(mws...)(stuck)
	start := time.Now()
	_, err := h(context.Background(), &message.Request{Node: 1, Module: "otap", Name: "gnmv", Tag: message.TagMethod})
	if !errors.Is(err, channel.ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("call timeout ignored, took %v", time.Since(start))
	}
}
