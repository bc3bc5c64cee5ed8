package firmware

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewSegmentsAndPads(t *testing.T) {
	data := []byte("123456789")
	im, err := New(data, 0x100, 4)
	if err != nil {
		t.Fatal(err)
	}
	if im.Len() != 3 || im.Size != 9 || im.Start != 0x100 {
		t.Fatalf("unexpected image: %v", im)
	}
	last, _ := im.Segment(2)
	if !bytes.Equal(last, []byte{'9', 0, 0, 0}) {
		t.Fatalf("last segment not zero padded: %v", last)
	}

	// checksum covers the padding
	padded := append([]byte("123456789"), 0, 0, 0)
	whole, _ := New(padded, 0, len(padded))
	if im.CRC != whole.CRC {
		t.Fatalf("incremental crc 0x%04x != one-shot 0x%04x", im.CRC, whole.CRC)
	}
}

func TestChecksumXModem(t *testing.T) {
	// standard check value for CRC-16/XMODEM
	if got := Checksum([][]byte{[]byte("1234"), []byte("56789")}); got != 0x31C3 {
		t.Fatalf("crc: got 0x%04x, want 0x31c3", got)
	}
}

func TestNewRejects(t *testing.T) {
	cases := []struct {
		data []byte
		size int
		want error
	}{
		{nil, 256, ErrEmptyImage},
		{[]byte{1}, MaxSegmentSize + 1, ErrSegmentSize},
		{[]byte{1}, -1, ErrSegmentSize},
		{make([]byte, MaxSegments+1), 1, ErrTooManySegments},
	}
	for i, tc := range cases {
		if _, err := New(tc.data, 0, tc.size); !errors.Is(err, tc.want) {
			t.Errorf("case %d: expect %v, got %v", i, tc.want, err)
		}
	}
}

func TestDefaultSegmentSize(t *testing.T) {
	im, err := New(make([]byte, 600), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if im.SegmentSize != DefaultSegmentSize || im.Len() != 3 {
		t.Fatalf("unexpected image: %v", im)
	}
	if _, err := im.Segment(3); !errors.Is(err, ErrSegmentOutOfRange) {
		t.Fatalf("expect ErrSegmentOutOfRange, got %v", err)
	}
}

const sampleHex = `:0400000001020304F2
:02000800AABB91
:00000001FF
`

func TestLoadHexFillsGaps(t *testing.T) {
	im, err := LoadHex(strings.NewReader(sampleHex), 16)
	if err != nil {
		t.Fatal(err)
	}
	seg, _ := im.Segment(0)
	want := []byte{1, 2, 3, 4, 0xFF, 0xFF, 0xFF, 0xFF, 0xAA, 0xBB}
	if im.Size != len(want) || !bytes.Equal(seg[:len(want)], want) {
		t.Fatalf("image bytes: got %x (size %d)", seg, im.Size)
	}
}

func TestLoadHexStartAddress(t *testing.T) {
	im, err := LoadHex(strings.NewReader(":021000001122BB\n:00000001FF\n"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if im.Start != 0x1000 || im.Size != 2 {
		t.Fatalf("unexpected image: %v", im)
	}
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()

	hexPath := filepath.Join(dir, "fw.hex")
	if err := os.WriteFile(hexPath, []byte(sampleHex), 0o644); err != nil {
		t.Fatal(err)
	}
	im, err := Load(hexPath, 0)
	if err != nil {
		t.Fatal(err)
	}
	if im.Size != 10 {
		t.Fatalf("hex image size: got %d", im.Size)
	}

	binPath := filepath.Join(dir, "fw.bin")
	if err := os.WriteFile(binPath, []byte(sampleHex), 0o644); err != nil {
		t.Fatal(err)
	}
	raw, err := Load(binPath, 0)
	if err != nil {
		t.Fatal(err)
	}
	if raw.Size != len(sampleHex) || raw.Start != 0 {
		t.Fatalf("raw image: %v", raw)
	}
}
