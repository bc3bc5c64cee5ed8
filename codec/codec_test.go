package codec

import (
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	f := NewFrame(32)

	f.PushU8(0xAB)
	f.PushU16(0xBEEF)
	f.PushU32(0xDEADBEEF)
	f.PushU64(0x0123456789ABCDEF)
	f.PushBool(true)
	if err := f.PushString("otap"); err != nil {
		t.Fatalf("PushString failed: %v", err)
	}

	// Values come back in reverse order
	s, err := f.PopString()
	if err != nil || s != "otap" {
		t.Fatalf("PopString: got %q, %v", s, err)
	}
	b, err := f.PopBool()
	if err != nil || !b {
		t.Fatalf("PopBool: got %v, %v", b, err)
	}
	u64, err := f.PopU64()
	if err != nil || u64 != 0x0123456789ABCDEF {
		t.Fatalf("PopU64: got %x, %v", u64, err)
	}
	u32, err := f.PopU32()
	if err != nil || u32 != 0xDEADBEEF {
		t.Fatalf("PopU32: got %x, %v", u32, err)
	}
	u16, err := f.PopU16()
	if err != nil || u16 != 0xBEEF {
		t.Fatalf("PopU16: got %x, %v", u16, err)
	}
	u8, err := f.PopU8()
	if err != nil || u8 != 0xAB {
		t.Fatalf("PopU8: got %x, %v", u8, err)
	}
	if f.Len() != 0 {
		t.Fatalf("expect empty frame, %d bytes left", f.Len())
	}
}

func TestFrameWireOrder(t *testing.T) {
	f := NewFrame(8)
	f.PushU16(0x0102)
	if err := f.PushString("ab"); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x01, 0x02, 'a', 'b', 2}
	got := f.Bytes()
	if string(got) != string(want) {
		t.Fatalf("wire bytes: got %v, want %v", got, want)
	}
}

func TestFrameShort(t *testing.T) {
	f := FromBytes([]byte{0x01})
	if _, err := f.PopU16(); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expect ErrShortFrame, got %v", err)
	}
	// a length byte promising more than is left
	f = FromBytes([]byte{'a', 5})
	if _, err := f.PopString(); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expect ErrShortFrame for string, got %v", err)
	}
}

func TestStringTooLong(t *testing.T) {
	long := make([]byte, 256)
	f := NewFrame(0)
	err := Encode(f, String, string(long))
	var me *MarshalError
	if !errors.As(err, &me) || !errors.Is(err, ErrStringLength) {
		t.Fatalf("expect MarshalError wrapping ErrStringLength, got %v", err)
	}
	if f.Len() != 0 {
		t.Fatalf("frame must stay untouched, has %d bytes", f.Len())
	}
}

func TestEncodeDecodeTypes(t *testing.T) {
	cases := []struct {
		name string
		typ  Type
		in   any
		want any
	}{
		{"u8", U8, 200, uint8(200)},
		{"u16", U16, uint16(65000), uint16(65000)},
		{"u32", U32, 70000, uint32(70000)},
		{"u64", U64, uint64(1 << 40), uint64(1 << 40)},
		{"bool", Bool, false, false},
		{"string", String, "gmv", "gmv"},
	}

	for _, tc := range cases {
		f := NewFrame(16)
		if err := Encode(f, tc.typ, tc.in); err != nil {
			t.Fatalf("%s: Encode failed: %v", tc.name, err)
		}
		got, err := Decode(f, tc.typ, 0, nil)
		if err != nil {
			t.Fatalf("%s: Decode failed: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: got %v (%T), want %v (%T)", tc.name, got, got, tc.want, tc.want)
		}
	}
}

func TestEncodeTypeMismatch(t *testing.T) {
	cases := []struct {
		typ Type
		in  any
	}{
		{U8, 256},
		{U8, -1},
		{U16, "x"},
		{Bool, 1},
		{String, 3},
		{Bits, nil},
		{Struct, 4},
	}
	for _, tc := range cases {
		f := NewFrame(4)
		err := Encode(f, tc.typ, tc.in)
		var me *MarshalError
		if !errors.As(err, &me) {
			t.Errorf("%s <- %v: expect MarshalError, got %v", tc.typ, tc.in, err)
		}
		if f.Len() != 0 {
			t.Errorf("%s <- %v: frame written despite error", tc.typ, tc.in)
		}
	}
}

func TestBitVector(t *testing.T) {
	bv := NewBitVector(20)
	bv.Set(0, true)
	bv.Set(9, true)
	bv.Set(19, true)
	bv.Set(25, true) // out of range, ignored

	if got := bv.Count(-1); got != 3 {
		t.Fatalf("Count: got %d, want 3", got)
	}
	if got := bv.Count(10); got != 2 {
		t.Fatalf("Count(10): got %d, want 2", got)
	}

	f := NewFrame(4)
	if err := Encode(f, Bits, bv); err != nil {
		t.Fatal(err)
	}
	v, err := Decode(f, Bits, 20, nil)
	if err != nil {
		t.Fatal(err)
	}
	back := v.(*BitVector)
	for i := 0; i < 20; i++ {
		if back.Get(i) != bv.Get(i) {
			t.Fatalf("bit %d differs after round trip", i)
		}
	}
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("u16")
	if err != nil || typ != U16 {
		t.Fatalf("ParseType(u16): got %v, %v", typ, err)
	}
	if _, err := ParseType("float"); err == nil {
		t.Fatal("expect error for unknown type")
	}
}
