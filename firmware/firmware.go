// Package firmware turns a firmware file into the fixed-size segments pushed to
// the nodes, together with the checksum the nodes verify after flashing.
package firmware

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"
	"github.com/sigurn/crc16"
)

const (
	DefaultSegmentSize = 256
	MaxSegmentSize     = 1024
	// MaxSegments is the largest count expressible in the init message.
	MaxSegments = 0xFFFF

	// gapFill is the erased-flash value used between hex records.
	gapFill byte = 0xFF
)

var (
	ErrEmptyImage        = errors.New("firmware: image is empty")
	ErrSegmentSize       = errors.New("firmware: invalid segment size")
	ErrTooManySegments   = errors.New("firmware: image has too many segments")
	ErrSegmentOutOfRange = errors.New("firmware: segment index out of range")
)

var table = crc16.MakeTable(crc16.CRC16_XMODEM)

// Image is a segmented firmware image. Every segment is exactly SegmentSize
// bytes; the last one is zero-padded.
type Image struct {
	Start       uint32 // flash address of the first byte
	Size        int    // length before padding
	SegmentSize int
	CRC         uint16 // CRC-16/XMODEM over all padded segments
	segments    [][]byte
}

// New segments data. segmentSize 0 selects DefaultSegmentSize.
func New(data []byte, start uint32, segmentSize int) (*Image, error) {
	if segmentSize == 0 {
		segmentSize = DefaultSegmentSize
	}
	if segmentSize < 0 || segmentSize > MaxSegmentSize {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrSegmentSize, segmentSize, MaxSegmentSize)
	}
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	n := (len(data) + segmentSize - 1) / segmentSize
	if n > MaxSegments {
		return nil, fmt.Errorf("%w: %d", ErrTooManySegments, n)
	}

	im := &Image{Start: start, Size: len(data), SegmentSize: segmentSize, segments: make([][]byte, n)}
	sum := crc16.Init(table)
	for i := range im.segments {
		seg := make([]byte, segmentSize)
		copy(seg, data[i*segmentSize:])
		im.segments[i] = seg
		sum = crc16.Update(sum, seg, table)
	}
	im.CRC = crc16.Complete(sum, table)
	return im, nil
}

// Load reads an Intel hex file (.hex, .ihex) or a raw binary (anything else,
// placed at address 0).
func Load(path string, segmentSize int) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex", ".ihx":
		return LoadHex(f, segmentSize)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return New(data, 0, segmentSize)
}

// LoadHex parses Intel hex records. Gaps between records are filled with 0xFF
// and the image starts at the lowest data address.
func LoadHex(r io.Reader, segmentSize int) (*Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("firmware: parse hex: %w", err)
	}
	segs := mem.GetDataSegments()
	if len(segs) == 0 {
		return nil, ErrEmptyImage
	}
	lo, hi := segs[0].Address, segs[0].Address+uint32(len(segs[0].Data))
	for _, s := range segs[1:] {
		if s.Address < lo {
			lo = s.Address
		}
		if end := s.Address + uint32(len(s.Data)); end > hi {
			hi = end
		}
	}
	return New(mem.ToBinary(lo, hi-lo, gapFill), lo, segmentSize)
}

// Len returns the number of segments.
func (im *Image) Len() int { return len(im.segments) }

// Segment returns segment i. The slice must not be modified.
func (im *Image) Segment(i int) ([]byte, error) {
	if i < 0 || i >= len(im.segments) {
		return nil, fmt.Errorf("%w: %d of %d", ErrSegmentOutOfRange, i, len(im.segments))
	}
	return im.segments[i], nil
}

// Checksum computes the image checksum over segs the way nodes do after
// receiving them.
func Checksum(segs [][]byte) uint16 {
	sum := crc16.Init(table)
	for _, s := range segs {
		sum = crc16.Update(sum, s, table)
	}
	return crc16.Complete(sum, table)
}

func (im *Image) String() string {
	return fmt.Sprintf("%d bytes @0x%x, %d x %d B segments, crc 0x%04x", im.Size, im.Start, im.Len(), im.SegmentSize, im.CRC)
}
