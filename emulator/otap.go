package emulator

import (
	"sync"
	"time"

	"nodelink/codec"
	"nodelink/firmware"
	"nodelink/message"
	"nodelink/otap"
)

// OtapConfig injects faults into an emulated OTAP module. The zero value is a
// well-behaved node.
type OtapConfig struct {
	InitStatus   message.Status // remote status answered to init
	InitCode     uint8          // firmware code of init (returned, or in the done event)
	VerifyCode   uint8          // forced verify result; 0 computes it from the received data
	RunCode      uint8
	RunIgnore    int           // number of run requests to swallow before answering
	FailVectors  bool          // answer gmv with a remote error
	DropSegments map[int]int   // segment index → number of receptions to lose
	NoDoneEvent  bool          // never raise the done event
	EventDelay   time.Duration // delay before the done event, default 5ms
	Version      uint16
}

type assembly struct {
	count  uint8
	chunks map[uint8][]byte
}

// Otap emulates the node side of the firmware transfer.
type Otap struct {
	mod *Module
	cfg OtapConfig

	mu       sync.Mutex
	slot     uint8
	segCount int
	crc      uint16
	interval uint16
	have     map[int][]byte
	received map[int]int
	partial  map[uint16]*assembly
	drops    map[int]int
	runCalls int
	ran      bool
	runSlot  uint8
	runDelay uint16
}

// NewOtap installs the OTAP module on n.
func NewOtap(n *Node, cfg OtapConfig) *Otap {
	if cfg.EventDelay == 0 {
		cfg.EventDelay = 5 * time.Millisecond
	}
	o := &Otap{
		mod:      n.AddModule(otap.ModuleName),
		cfg:      cfg,
		have:     make(map[int][]byte),
		received: make(map[int]int),
		partial:  make(map[uint16]*assembly),
		drops:    make(map[int]int),
	}
	for seg, k := range cfg.DropSegments {
		o.drops[seg] = k
	}
	o.mod.AsyncMethod(otap.MethodInit, otap.EventOperationDone, o.init)
	o.mod.AsyncMethod(otap.MethodVerify, otap.EventOperationDone, o.verify)
	o.mod.Method(otap.MethodNumVectors, o.numVectors)
	o.mod.Method(otap.MethodMissingVector, o.missingVector)
	o.mod.Method(otap.MethodSetInterval, o.setInterval)
	o.mod.Method(otap.MethodRun, o.run)
	n.HandleData(o.onData)
	return o
}

func u8(v uint8) *codec.Frame {
	f := codec.NewFrame(1)
	f.PushU8(v)
	return f
}

func (o *Otap) done(status, op uint8) {
	if o.cfg.NoDoneEvent {
		return
	}
	o.mu.Lock()
	size := uint32(o.segCount * firmware.DefaultSegmentSize)
	if len(o.have) > 0 {
		size = 0
		for _, s := range o.have {
			size += uint32(len(s))
		}
	}
	o.mu.Unlock()

	payload := codec.NewFrame(8)
	otap.TaskDone{Status: status, OpID: op, Size: size, Version: o.cfg.Version}.MarshalFrame(payload)
	time.AfterFunc(o.cfg.EventDelay, func() {
		o.mod.Raise(otap.EventOperationDone, payload)
	})
}

func (o *Otap) init(c Call) (*codec.Frame, message.Status) {
	if o.cfg.InitStatus != message.StatusSuccess {
		return nil, o.cfg.InitStatus
	}
	msg, err := otap.DecodeInitMessage(c.Args)
	if err != nil {
		return nil, message.StatusInvalidMethodType
	}

	code := o.cfg.InitCode
	if code == otap.FirmwareSuccess {
		o.mu.Lock()
		o.slot, o.segCount, o.crc = msg.Slot, int(msg.Segments), msg.CRC
		o.have = make(map[int][]byte)
		o.partial = make(map[uint16]*assembly)
		o.mu.Unlock()
	}

	if c.Async {
		o.done(code, otap.OpErase)
		return u8(otap.FirmwareSuccess), message.StatusSuccess
	}
	return u8(code), message.StatusSuccess
}

func (o *Otap) check(crc uint16) uint8 {
	if o.cfg.VerifyCode != otap.FirmwareSuccess {
		return o.cfg.VerifyCode
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.segCount == 0 || len(o.have) < o.segCount {
		return otap.FirmwareInvalidFirmware
	}
	segs := make([][]byte, o.segCount)
	for i := range segs {
		segs[i] = o.have[i]
	}
	if firmware.Checksum(segs) != crc {
		return otap.FirmwareCRCError
	}
	return otap.FirmwareSuccess
}

func (o *Otap) verify(c Call) (*codec.Frame, message.Status) {
	if c.Async {
		slot, err := c.Args.PopU8()
		if err != nil {
			return nil, message.StatusInvalidMethodType
		}
		o.mu.Lock()
		ok := slot == o.slot
		crc := o.crc
		o.mu.Unlock()
		code := otap.FirmwareInvalidSlot
		if ok {
			code = o.check(crc)
		}
		o.done(code, otap.OpVerify)
		return u8(otap.FirmwareSuccess), message.StatusSuccess
	}

	if _, err := c.Args.PopU32(); err != nil { // start address
		return nil, message.StatusInvalidMethodType
	}
	crc, err := c.Args.PopU16()
	if err != nil {
		return nil, message.StatusInvalidMethodType
	}
	return u8(o.check(crc)), message.StatusSuccess
}

func (o *Otap) numVectors(Call) (*codec.Frame, message.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return u8(uint8((o.segCount + otap.VectorBits - 1) / otap.VectorBits)), message.StatusSuccess
}

func (o *Otap) missingVector(c Call) (*codec.Frame, message.Status) {
	if o.cfg.FailVectors {
		return nil, message.StatusNoSuchMethod
	}
	idx, err := c.Args.PopU8()
	if err != nil {
		return nil, message.StatusInvalidMethodType
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	bv := codec.NewBitVector(otap.VectorBits)
	base := int(idx) * otap.VectorBits
	for i := 0; i < otap.VectorBits && base+i < o.segCount; i++ {
		if _, ok := o.have[base+i]; !ok {
			bv.Set(i, true)
		}
	}
	f := codec.NewFrame(otap.VectorBits / 8)
	bv.MarshalFrame(f)
	return f, message.StatusSuccess
}

func (o *Otap) setInterval(c Call) (*codec.Frame, message.Status) {
	v, err := c.Args.PopU16()
	if err != nil {
		return nil, message.StatusInvalidMethodType
	}
	o.mu.Lock()
	o.interval = v
	o.mu.Unlock()
	return nil, message.StatusSuccess
}

func (o *Otap) run(c Call) (*codec.Frame, message.Status) {
	delay, err := c.Args.PopU16()
	if err != nil {
		return nil, message.StatusInvalidMethodType
	}
	slot, err := c.Args.PopU8()
	if err != nil {
		return nil, message.StatusInvalidMethodType
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.runCalls++
	if o.runCalls <= o.cfg.RunIgnore {
		return nil, NoResponse
	}
	if o.cfg.RunCode == otap.FirmwareSuccess {
		o.ran, o.runSlot, o.runDelay = true, slot, delay
	}
	return u8(o.cfg.RunCode), message.StatusSuccess
}

func (o *Otap) onData(b []byte) {
	p, err := otap.ParsePacket(b)
	if err != nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	seg := int(p.Segment)
	if seg >= o.segCount {
		return
	}
	a, ok := o.partial[p.Segment]
	if !ok || a.count != p.Count {
		a = &assembly{count: p.Count, chunks: make(map[uint8][]byte)}
		o.partial[p.Segment] = a
	}
	a.chunks[p.Index] = p.Chunk
	if len(a.chunks) < int(a.count) {
		return
	}
	delete(o.partial, p.Segment)

	if o.drops[seg] > 0 {
		o.drops[seg]--
		return
	}
	var data []byte
	for i := uint8(0); i < a.count; i++ {
		data = append(data, a.chunks[i]...)
	}
	o.have[seg] = data
	o.received[seg]++
}

// Received returns how many times segment i was received completely.
func (o *Otap) Received(i int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.received[i]
}

// Interval returns the send interval pushed by the base station.
func (o *Otap) Interval() uint16 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interval
}

// Ran reports the slot and delay of the last acknowledged run call.
func (o *Otap) Ran() (slot uint8, delay uint16, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runSlot, o.runDelay, o.ran
}

func (o *Otap) RunCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runCalls
}
