package codec

import "math/bits"

// BitVector is a fixed-length set of bits packed LSB first, as reported by the
// peers when they describe which firmware segments they still need.
type BitVector struct {
	n    int
	data []byte
}

// NewBitVector returns a cleared vector of n bits.
func NewBitVector(n int) *BitVector {
	if n < 0 {
		n = 0
	}
	return &BitVector{n: n, data: make([]byte, (n+7)/8)}
}

// Len returns the number of bits in the vector.
func (v *BitVector) Len() int { return v.n }

// Get reports bit i; out-of-range bits read as false.
func (v *BitVector) Get(i int) bool {
	if i < 0 || i >= v.n {
		return false
	}
	return v.data[i/8]&(1<<(i%8)) != 0
}

// Set changes bit i; out-of-range positions are ignored.
func (v *BitVector) Set(i int, on bool) {
	if i < 0 || i >= v.n {
		return
	}
	if on {
		v.data[i/8] |= 1 << (i % 8)
	} else {
		v.data[i/8] &^= 1 << (i % 8)
	}
}

// Fill sets every bit to on.
func (v *BitVector) Fill(on bool) {
	for i := 0; i < v.n; i++ {
		v.Set(i, on)
	}
}

// Count returns the number of set bits among the first limit bits.
// A negative limit counts the whole vector.
func (v *BitVector) Count(limit int) int {
	if limit < 0 || limit > v.n {
		limit = v.n
	}
	c := 0
	full := limit / 8
	for _, b := range v.data[:full] {
		c += bits.OnesCount8(b)
	}
	for i := full * 8; i < limit; i++ {
		if v.Get(i) {
			c++
		}
	}
	return c
}

// Bytes returns the packed representation.
func (v *BitVector) Bytes() []byte { return v.data }

// MarshalFrame pushes the packed bytes, byte 0 first.
func (v *BitVector) MarshalFrame(f *Frame) error {
	f.PushBytes(v.data)
	return nil
}

// UnmarshalFrame pops len(Bytes()) bytes in reverse push order.
func (v *BitVector) UnmarshalFrame(f *Frame) error {
	for i := len(v.data) - 1; i >= 0; i-- {
		b, err := f.PopU8()
		if err != nil {
			return err
		}
		v.data[i] = b
	}
	return nil
}
