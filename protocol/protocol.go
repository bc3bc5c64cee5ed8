// Package protocol implements the serial-style link framing shared by the serial
// line and the TCP gateway socket.
//
// A serial line has no message boundaries and flips bits, so every frame starts
// with a magic byte, carries its body length, and ends with a CRC-16 over the
// header and body. The receiver reads the fixed header first to learn the body
// length, then reads exactly that many bytes plus the checksum.
//
// Frame format (big-endian):
//
//	0    1        3        5        7    8     9               9+len   11+len
//	┌────┬────────┬────────┬────────┬────┬─────┬───────────────┬───────┐
//	│0xC5│ bodyLen│  dst   │  src   │seq │port │   body ...    │ crc16 │
//	│    │ uint16 │ uint16 │ uint16 │ u8 │ u8  │ bodyLen bytes │ u16   │
//	└────┴────────┴────────┴────────┴────┴─────┴───────────────┴───────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sigurn/crc16"
)

const (
	Magic      byte = 0xC5
	HeaderSize int  = 9 // 1 (magic) + 2 (bodyLen) + 2 (dst) + 2 (src) + 1 (seq) + 1 (port)
	CRCSize    int  = 2
	MaxBodyLen int  = 1200
)

// NodeID addresses one peer on the link.
type NodeID uint16

// Broadcast reaches every node behind the gateway.
const Broadcast NodeID = 0xFFFF

func (id NodeID) String() string {
	if id == Broadcast {
		return "broadcast"
	}
	return fmt.Sprintf("0x%04x", uint16(id))
}

// Port selects the service a frame belongs to.
type Port byte

const (
	PortRemoteAccess Port = 1 // remote calls, responses and events
	PortOtap         Port = 2 // firmware segment data
)

var (
	ErrBadMagic     = errors.New("protocol: bad magic byte")
	ErrBodyTooLarge = errors.New("protocol: body too large")
	ErrChecksum     = errors.New("protocol: checksum mismatch")
)

var table = crc16.MakeTable(crc16.CRC16_XMODEM)

// Header is the fixed 9-byte frame header.
type Header struct {
	Dst     NodeID
	Src     NodeID
	Seq     uint8 // link-level sequence, informational
	Port    Port
	BodyLen uint16
}

// Encode writes a complete frame (header + body + checksum) to w in one Write.
// The caller must serialize writers sharing w.
func Encode(w io.Writer, h *Header, body []byte) error {
	if len(body) > MaxBodyLen {
		return ErrBodyTooLarge
	}
	buf := make([]byte, HeaderSize+len(body)+CRCSize)

	buf[0] = Magic
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(body)))
	binary.BigEndian.PutUint16(buf[3:5], uint16(h.Dst))
	binary.BigEndian.PutUint16(buf[5:7], uint16(h.Src))
	buf[7] = h.Seq
	buf[8] = byte(h.Port)
	copy(buf[HeaderSize:], body)

	// checksum covers everything after the magic byte
	sum := crc16.Checksum(buf[1:HeaderSize+len(body)], table)
	binary.BigEndian.PutUint16(buf[HeaderSize+len(body):], sum)

	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r.
//
// ErrBadMagic, ErrBodyTooLarge and ErrChecksum describe a corrupted frame; the
// stream is still usable and the caller may keep reading. Any other error comes
// from r itself.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf[:1]); err != nil {
		return nil, nil, err
	}
	if headerBuf[0] != Magic {
		return nil, nil, ErrBadMagic
	}
	if _, err := io.ReadFull(r, headerBuf[1:]); err != nil {
		return nil, nil, err
	}

	bodyLen := binary.BigEndian.Uint16(headerBuf[1:3])
	if int(bodyLen) > MaxBodyLen {
		return nil, nil, ErrBodyTooLarge
	}

	rest := make([]byte, int(bodyLen)+CRCSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, nil, err
	}
	body := rest[:bodyLen]

	sum := crc16.Init(table)
	sum = crc16.Update(sum, headerBuf[1:], table)
	sum = crc16.Update(sum, body, table)
	sum = crc16.Complete(sum, table)
	if sum != binary.BigEndian.Uint16(rest[bodyLen:]) {
		return nil, nil, ErrChecksum
	}

	return &Header{
		BodyLen: bodyLen,
		Dst:     NodeID(binary.BigEndian.Uint16(headerBuf[3:5])),
		Src:     NodeID(binary.BigEndian.Uint16(headerBuf[5:7])),
		Seq:     headerBuf[7],
		Port:    Port(headerBuf[8]),
	}, body, nil
}

// Corrupted reports whether err describes a damaged frame rather than a broken stream.
func Corrupted(err error) bool {
	return errors.Is(err, ErrBadMagic) || errors.Is(err, ErrBodyTooLarge) || errors.Is(err, ErrChecksum)
}
