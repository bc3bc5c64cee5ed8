package codec

import (
	"encoding/binary"
	"errors"
)

// MaxStringLen is the longest string a frame can carry; the length travels in one byte.
const MaxStringLen = 255

var (
	ErrShortFrame   = errors.New("codec: frame too short")
	ErrStringLength = errors.New("codec: string longer than 255 bytes")
)

// Frame is an ordered byte buffer used as a stack: Push* appends to the tail and
// Pop* consumes from the tail. The peer reads fields in the reverse order they
// were written, so the last value pushed (the correlation id) is the first one read.
//
//	Push(a) Push(b) Push(c)   →   [ a | b | c ]
//	Pop → c, Pop → b, Pop → a
//
// Multi-byte integers are pushed most significant byte first.
type Frame struct {
	buf []byte
}

// NewFrame returns an empty frame with room for n bytes.
func NewFrame(n int) *Frame {
	return &Frame{buf: make([]byte, 0, n)}
}

// FromBytes wraps a received buffer. The bytes are copied so the frame owns its data.
func FromBytes(b []byte) *Frame {
	buf := make([]byte, len(b))
	copy(buf, b)
	return &Frame{buf: buf}
}

// Bytes returns the frame contents in wire order.
func (f *Frame) Bytes() []byte {
	return f.buf
}

// Len returns the number of bytes left in the frame.
func (f *Frame) Len() int {
	return len(f.buf)
}

// Clone returns an independent copy of the frame.
func (f *Frame) Clone() *Frame {
	return FromBytes(f.buf)
}

func (f *Frame) PushU8(v uint8) {
	f.buf = append(f.buf, v)
}

func (f *Frame) PushBool(v bool) {
	if v {
		f.buf = append(f.buf, 1)
	} else {
		f.buf = append(f.buf, 0)
	}
}

func (f *Frame) PushU16(v uint16) {
	f.buf = binary.BigEndian.AppendUint16(f.buf, v)
}

func (f *Frame) PushU32(v uint32) {
	f.buf = binary.BigEndian.AppendUint32(f.buf, v)
}

func (f *Frame) PushU64(v uint64) {
	f.buf = binary.BigEndian.AppendUint64(f.buf, v)
}

// PushBytes appends raw bytes without any length information.
func (f *Frame) PushBytes(b []byte) {
	f.buf = append(f.buf, b...)
}

// PushString appends the string bytes followed by a one-byte length.
func (f *Frame) PushString(s string) error {
	if len(s) > MaxStringLen {
		return ErrStringLength
	}
	f.buf = append(f.buf, s...)
	f.buf = append(f.buf, byte(len(s)))
	return nil
}

// pop removes the last n bytes and returns them.
func (f *Frame) pop(n int) ([]byte, error) {
	if len(f.buf) < n {
		return nil, ErrShortFrame
	}
	at := len(f.buf) - n
	out := f.buf[at:]
	f.buf = f.buf[:at]
	return out, nil
}

func (f *Frame) PopU8() (uint8, error) {
	b, err := f.pop(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (f *Frame) PopBool() (bool, error) {
	v, err := f.PopU8()
	return v == 1, err
}

func (f *Frame) PopU16() (uint16, error) {
	b, err := f.pop(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (f *Frame) PopU32() (uint32, error) {
	b, err := f.pop(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (f *Frame) PopU64() (uint64, error) {
	b, err := f.pop(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// PopBytes removes the last n bytes. The returned slice is a copy.
func (f *Frame) PopBytes(n int) ([]byte, error) {
	b, err := f.pop(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (f *Frame) PopString() (string, error) {
	n, err := f.PopU8()
	if err != nil {
		return "", err
	}
	b, err := f.pop(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
