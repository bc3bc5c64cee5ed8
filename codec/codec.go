// Package codec implements the frame codec shared with the peer nodes.
//
// Both sides agree on argument order and types purely by convention: the only
// self-describing element on the wire is the length byte of a string. Declarations
// therefore carry a Type per argument, and Encode refuses values that do not match
// before anything is written to the frame.
package codec

import (
	"fmt"
)

// Type identifies how a declared argument, result or event payload is laid out.
type Type byte

const (
	None   Type = iota // no value (methods without result, events without payload)
	U8                 // uint8
	U16                // uint16
	U32                // uint32
	U64                // uint64
	Bool               // bool
	String             // string, up to 255 bytes
	Bits               // *BitVector
	Struct             // value implementing Marshaler / decoded through a Decoder
	Raw                // *Frame, the remaining bytes untouched
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case U8:
		return "u8"
	case U16:
		return "u16"
	case U32:
		return "u32"
	case U64:
		return "u64"
	case Bool:
		return "bool"
	case String:
		return "string"
	case Bits:
		return "bits"
	case Struct:
		return "struct"
	case Raw:
		return "raw"
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// ParseType maps the short names used on the command line to a Type.
func ParseType(s string) (Type, error) {
	for t := None; t <= Raw; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return None, fmt.Errorf("codec: unknown type %q", s)
}

// Marshaler is implemented by composite values that know their own layout.
type Marshaler interface {
	MarshalFrame(f *Frame) error
}

// Decoder decodes a composite value from the tail of a frame.
type Decoder func(f *Frame) (any, error)

// MarshalError reports an argument whose Go value does not fit its declared type.
// Nothing is sent when a MarshalError is returned.
type MarshalError struct {
	Index int   // argument position, -1 for a variable value
	Want  Type  // declared type
	Got   any   // offending value
	Err   error // underlying codec error, if any
}

func (e *MarshalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: argument %d (%s): %v", e.Index, e.Want, e.Err)
	}
	return fmt.Sprintf("codec: argument %d: want %s, got %T", e.Index, e.Want, e.Got)
}

func (e *MarshalError) Unwrap() error { return e.Err }

// Encode pushes v onto f according to t. Untyped Go integers are accepted for the
// unsigned types as long as they fit.
func Encode(f *Frame, t Type, v any) error {
	switch t {
	case None:
		return nil
	case U8:
		n, ok := unsigned(v, 0xFF)
		if !ok {
			return &MarshalError{Want: t, Got: v}
		}
		f.PushU8(uint8(n))
	case U16:
		n, ok := unsigned(v, 0xFFFF)
		if !ok {
			return &MarshalError{Want: t, Got: v}
		}
		f.PushU16(uint16(n))
	case U32:
		n, ok := unsigned(v, 0xFFFFFFFF)
		if !ok {
			return &MarshalError{Want: t, Got: v}
		}
		f.PushU32(uint32(n))
	case U64:
		n, ok := unsigned(v, ^uint64(0))
		if !ok {
			return &MarshalError{Want: t, Got: v}
		}
		f.PushU64(n)
	case Bool:
		b, ok := v.(bool)
		if !ok {
			return &MarshalError{Want: t, Got: v}
		}
		f.PushBool(b)
	case String:
		s, ok := v.(string)
		if !ok {
			return &MarshalError{Want: t, Got: v}
		}
		if err := f.PushString(s); err != nil {
			return &MarshalError{Want: t, Got: v, Err: err}
		}
	case Bits:
		bv, ok := v.(*BitVector)
		if !ok || bv == nil {
			return &MarshalError{Want: t, Got: v}
		}
		return bv.MarshalFrame(f)
	case Struct:
		m, ok := v.(Marshaler)
		if !ok {
			return &MarshalError{Want: t, Got: v}
		}
		return m.MarshalFrame(f)
	case Raw:
		r, ok := v.(*Frame)
		if !ok || r == nil {
			return &MarshalError{Want: t, Got: v}
		}
		f.PushBytes(r.Bytes())
	default:
		return &MarshalError{Want: t, Got: v}
	}
	return nil
}

// Decode pops a value of type t from f. Bits decodes a vector of bits bits;
// Struct requires dec. Raw hands back the whole remaining frame.
func Decode(f *Frame, t Type, bits int, dec Decoder) (any, error) {
	switch t {
	case None:
		return nil, nil
	case U8:
		return f.PopU8()
	case U16:
		return f.PopU16()
	case U32:
		return f.PopU32()
	case U64:
		return f.PopU64()
	case Bool:
		return f.PopBool()
	case String:
		return f.PopString()
	case Bits:
		bv := NewBitVector(bits)
		if err := bv.UnmarshalFrame(f); err != nil {
			return nil, err
		}
		return bv, nil
	case Struct:
		if dec == nil {
			return nil, fmt.Errorf("codec: no decoder for struct value")
		}
		return dec(f)
	case Raw:
		return f.Clone(), nil
	}
	return nil, fmt.Errorf("codec: cannot decode %s", t)
}

// unsigned converts any Go integer to uint64 if it is non-negative and <= max.
func unsigned(v any, max uint64) (uint64, bool) {
	var n uint64
	switch x := v.(type) {
	case uint8:
		n = uint64(x)
	case uint16:
		n = uint64(x)
	case uint32:
		n = uint64(x)
	case uint64:
		n = x
	case uint:
		n = uint64(x)
	case int:
		if x < 0 {
			return 0, false
		}
		n = uint64(x)
	case int8:
		if x < 0 {
			return 0, false
		}
		n = uint64(x)
	case int16:
		if x < 0 {
			return 0, false
		}
		n = uint64(x)
	case int32:
		if x < 0 {
			return 0, false
		}
		n = uint64(x)
	case int64:
		if x < 0 {
			return 0, false
		}
		n = uint64(x)
	default:
		return 0, false
	}
	return n, n <= max
}
