package otap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"nodelink/codec"
)

// Names of the OTAP module surface on the nodes.
const (
	ModuleName = "otap"

	MethodInit           = "init"
	MethodVerify         = "veri"
	MethodNumVectors     = "gnmv"
	MethodMissingVector  = "gmv"
	MethodSetInterval    = "si"
	MethodRun            = "run"
	EventOperationDone   = "oed"
	VectorBits           = 256 // segments covered by one missing vector
	PacketSize           = 64  // segment bytes per data packet
	packetHeaderSize     = 4
	DefaultSendInterval  = 20 // ms between data packets
	DefaultActivateTries = 5
)

// Operation ids carried by the done event.
const (
	OpErase  uint8 = 1
	OpWrite  uint8 = 2
	OpVerify uint8 = 3
)

// Status codes returned by the node's firmware layer.
const (
	FirmwareSuccess         uint8 = 0
	FirmwareInvalidSlot     uint8 = 1
	FirmwareInvalidSegment  uint8 = 2
	FirmwareInvalidFirmware uint8 = 3
	FirmwareCRCError        uint8 = 4
	FirmwareSizeError       uint8 = 5
	FirmwareAddressError    uint8 = 6
	FirmwareIsFinal         uint8 = 7
	FirmwareHardwareError   uint8 = 8
	FirmwareError           uint8 = 9
	FirmwareNotSupported    uint8 = 10
	FirmwareCorruptedImage  uint8 = 11
	FirmwareInvalidCallback uint8 = 12
	FirmwareBusy            uint8 = 13
)

// Codes recorded for failures that did not come with a node status.
const (
	CodeGeneric         uint8 = 0xFF
	CodeTimeout         uint8 = 0xFE
	CodeRoundsExhausted uint8 = 0xFD
)

// InitMessage prepares a flash slot for an image.
type InitMessage struct {
	Slot     uint8
	Segments uint16
	CRC      uint16
}

func (m InitMessage) MarshalFrame(f *codec.Frame) error {
	f.PushU8(m.Slot)
	f.PushU16(m.Segments)
	f.PushU16(m.CRC)
	return nil
}

// DecodeInitMessage is the node-side inverse of MarshalFrame.
func DecodeInitMessage(f *codec.Frame) (InitMessage, error) {
	var m InitMessage
	var err error
	if m.CRC, err = f.PopU16(); err != nil {
		return m, err
	}
	if m.Segments, err = f.PopU16(); err != nil {
		return m, err
	}
	m.Slot, err = f.PopU8()
	return m, err
}

// TaskDone is the payload of the done event raised after an async init or verify.
type TaskDone struct {
	Status  uint8
	OpID    uint8
	Size    uint32 // image size, when reported
	Version uint16 // firmware version, when reported
}

func (d TaskDone) MarshalFrame(f *codec.Frame) error {
	f.PushU16(d.Version)
	f.PushU32(d.Size)
	f.PushU8(d.OpID)
	f.PushU8(d.Status)
	return nil
}

// DecodeTaskDone accepts both the short (status, op) and the long form.
func DecodeTaskDone(f *codec.Frame) (any, error) {
	var d TaskDone
	var err error
	if d.Status, err = f.PopU8(); err != nil {
		return nil, err
	}
	if d.OpID, err = f.PopU8(); err != nil {
		return nil, err
	}
	if f.Len() >= 6 {
		d.Size, _ = f.PopU32()
		d.Version, _ = f.PopU16()
	}
	return d, nil
}

var ErrShortPacket = errors.New("otap: short segment packet")

// Packet is one piece of a segment on the data port:
//
//	segId u16 | index u8 | count u8 | chunk...
//
// Unlike remote access frames, data packets are read front to back.
type Packet struct {
	Segment uint16
	Index   uint8
	Count   uint8
	Chunk   []byte
}

func (p Packet) Marshal() []byte {
	b := make([]byte, packetHeaderSize+len(p.Chunk))
	binary.BigEndian.PutUint16(b, p.Segment)
	b[2] = p.Index
	b[3] = p.Count
	copy(b[packetHeaderSize:], p.Chunk)
	return b
}

func ParsePacket(b []byte) (Packet, error) {
	if len(b) < packetHeaderSize {
		return Packet{}, ErrShortPacket
	}
	p := Packet{
		Segment: binary.BigEndian.Uint16(b),
		Index:   b[2],
		Count:   b[3],
		Chunk:   append([]byte(nil), b[packetHeaderSize:]...),
	}
	if p.Count == 0 || p.Index >= p.Count {
		return Packet{}, fmt.Errorf("otap: bad packet index %d/%d", p.Index, p.Count)
	}
	return p, nil
}

// Split cuts a segment into data packets.
func Split(segment uint16, data []byte) []Packet {
	n := (len(data) + PacketSize - 1) / PacketSize
	if n == 0 {
		n = 1
	}
	pkts := make([]Packet, n)
	for i := range pkts {
		end := min((i+1)*PacketSize, len(data))
		pkts[i] = Packet{Segment: segment, Index: uint8(i), Count: uint8(n), Chunk: data[i*PacketSize : end]}
	}
	return pkts
}
