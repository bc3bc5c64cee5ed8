package message

import (
	"errors"
	"testing"

	"nodelink/codec"
)

func TestRequestBuild(t *testing.T) {
	args := codec.NewFrame(4)
	args.PushU8(3)

	req := &Request{Node: 5, Module: "otap", Name: "gmv", Tag: TagMethod, Frame: args}
	f, err := req.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	// Peer-side read order: module, tag, name, args
	mod, _ := f.PopString()
	tag, _ := f.PopU8()
	name, _ := f.PopString()
	arg, _ := f.PopU8()
	if mod != "otap" || Tag(tag) != TagMethod || name != "gmv" || arg != 3 {
		t.Fatalf("unexpected decode: %s %d %s %d", mod, tag, name, arg)
	}
	if args.Len() != 1 {
		t.Fatal("Build must not consume the argument frame")
	}
}

func TestRequestStatus(t *testing.T) {
	req := &Request{Node: 9, Module: "otap", Name: "init"}

	ok := codec.NewFrame(2)
	ok.PushU16(42)
	ok.PushU8(uint8(StatusSuccess))
	if err := req.Status(ok); err != nil {
		t.Fatalf("expect success, got %v", err)
	}
	if v, _ := ok.PopU16(); v != 42 {
		t.Fatalf("payload after status: got %d", v)
	}

	bad := codec.NewFrame(1)
	bad.PushU8(3)
	err := req.Status(bad)
	var re *RemoteError
	if !errors.As(err, &re) || re.Status != 3 || re.Node != 9 {
		t.Fatalf("expect RemoteError status 3, got %v", err)
	}
}

func TestEventRoundTrip(t *testing.T) {
	payload := codec.NewFrame(2)
	payload.PushU8(0)
	payload.PushU8(1)

	f, err := EncodeEvent(EventHeader{Counter: 7, Module: "otap", Event: "oed"}, payload)
	if err != nil {
		t.Fatal(err)
	}
	marker, _ := f.PopU8()
	if marker != EventMarker {
		t.Fatalf("marker: got %d", marker)
	}
	h, err := DecodeEventHeader(f)
	if err != nil {
		t.Fatal(err)
	}
	if h.Counter != 7 || h.Module != "otap" || h.Event != "oed" {
		t.Fatalf("header mismatch: %+v", h)
	}
	if f.Len() != 2 {
		t.Fatalf("payload should remain, %d bytes left", f.Len())
	}
}
