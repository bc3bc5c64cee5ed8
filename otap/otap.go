// Package otap distributes a firmware image to nodes over the air.
//
// A run walks every target through three phases:
//
//	INIT    erase the slot and announce segment count and checksum
//	SEND    push segments, re-query the missing vectors, resend what is missing
//	VERIFY  have the node check the image against the checksum
//
// A node that fails a phase is recorded with a code and skipped from then on;
// the other nodes carry on. In async mode init and verify only acknowledge the
// request and the node reports the outcome later through the done event; sync
// results are fed through the same completion path so both modes finish a phase
// the same way.
package otap

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"nodelink/firmware"
	"nodelink/metrics"
	"nodelink/protocol"
	"nodelink/remote"
)

var (
	ErrNoImage  = errors.New("otap: no firmware image")
	ErrBadOps   = errors.New("otap: operations must be a subset of \"isv\"")
	ErrNoTarget = errors.New("otap: no target nodes")
)

// Config controls one run.
type Config struct {
	Slot         uint8
	SendInterval time.Duration // gap between data packets, also pushed to the nodes
	Timeout      time.Duration // init/verify waiting time and phase completion bound
	Unicast      bool          // address segments to each node instead of broadcasting
	Async        bool          // use the done event for init and verify
	Ops          string        // phases to run, subset of "isv"
	PacingDelay  time.Duration // pause between segment sends and vector re-queries
	MaxRounds    int           // send/re-query rounds per node before giving up
	WaitingTime  time.Duration // per-call waiting time outside init/verify, 0 = channel default
}

func DefaultConfig() Config {
	return Config{
		SendInterval: DefaultSendInterval * time.Millisecond,
		Timeout:      30 * time.Second,
		Ops:          "isv",
		PacingDelay:  5 * time.Millisecond,
		MaxRounds:    20,
	}
}

func (c Config) validate() error {
	for _, r := range c.Ops {
		if !strings.ContainsRune("isv", r) {
			return fmt.Errorf("%w: %q", ErrBadOps, c.Ops)
		}
	}
	return nil
}

// Distributor runs firmware transfers of one image.
type Distributor struct {
	caller remote.Caller
	sender *SegmentSender
	image  *firmware.Image
	cfg    Config
	opts   options
}

// New prepares a distributor. link carries the segment data and is normally the
// same transport.Conn the channel runs on.
func New(caller remote.Caller, link Sender, image *firmware.Image, cfg Config, opts ...Option) (*Distributor, error) {
	if image == nil {
		return nil, ErrNoImage
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Ops == "" {
		cfg.Ops = "isv"
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultConfig().MaxRounds
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Distributor{
		caller: caller,
		sender: NewSegmentSender(link, cfg.SendInterval),
		image:  image,
		cfg:    cfg,
		opts:   buildOptions(opts),
	}, nil
}

// run is the state of one Run call.
type run struct {
	mu       sync.Mutex
	outcomes map[protocol.NodeID]Outcome
	proxies  map[protocol.NodeID]*proxy
	phase    atomic.Pointer[phase]
	log      *zerolog.Logger
}

// active returns the nodes that have not failed, ascending.
func (r *run) active() []protocol.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []protocol.NodeID
	for id, o := range r.outcomes {
		if o.State == Pending || o.State == Active {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// fail moves id to failed. A node fails at most once.
func (r *run) fail(id protocol.NodeID, phase string, code uint8, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.outcomes[id]
	if o.State == Failed || o.State == Done {
		return
	}
	pe := &ProtocolError{Node: id, Phase: phase, Code: code, Err: err}
	r.outcomes[id] = Outcome{State: Failed, Code: code, Phase: phase, Err: pe}
	r.log.Warn().Stringer("node", id).Str("phase", phase).Uint8("code", code).AnErr("cause", err).Msg("node failed")
	metrics.RecordNode(phase, false, code)
}

func (r *run) isActive(id protocol.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[id].State == Active
}

func (r *run) activate(id protocol.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes[id].State == Pending {
		r.outcomes[id] = Outcome{State: Active}
	}
}

// phase collects one completion per node. closed once every expected node reported.
type phase struct {
	name    string
	op      uint8
	mu      sync.Mutex
	waiting map[protocol.NodeID]bool
	codes   map[protocol.NodeID]uint8
	done    chan struct{}
}

func newPhase(name string, op uint8, nodes []protocol.NodeID) *phase {
	p := &phase{
		name:    name,
		op:      op,
		waiting: make(map[protocol.NodeID]bool, len(nodes)),
		codes:   make(map[protocol.NodeID]uint8, len(nodes)),
		done:    make(chan struct{}),
	}
	for _, id := range nodes {
		p.waiting[id] = true
	}
	if len(nodes) == 0 {
		close(p.done)
	}
	return p
}

// complete records the outcome of id; duplicates and strangers are ignored.
func (p *phase) complete(id protocol.NodeID, code uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.waiting[id] {
		return false
	}
	delete(p.waiting, id)
	p.codes[id] = code
	if len(p.waiting) == 0 {
		close(p.done)
	}
	return true
}

// missingNodes returns the nodes that never reported.
func (p *phase) missingNodes() []protocol.NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []protocol.NodeID
	for id := range p.waiting {
		ids = append(ids, id)
	}
	return ids
}

// Run transfers the image to nodes. The report lists every node; the error is
// only set when the run itself could not proceed (e.g. ctx canceled).
func (d *Distributor) Run(ctx context.Context, nodes []protocol.NodeID) (*Report, error) {
	if len(nodes) == 0 {
		return nil, ErrNoTarget
	}
	r := &run{
		outcomes: make(map[protocol.NodeID]Outcome, len(nodes)),
		proxies:  make(map[protocol.NodeID]*proxy, len(nodes)),
		log:      d.opts.log,
	}
	for _, id := range nodes {
		r.outcomes[id] = Outcome{State: Pending}
	}
	defer func() {
		for _, p := range r.proxies {
			p.release()
		}
	}()

	for _, id := range r.active() {
		var onDone remote.EventFunc
		if d.cfg.Async {
			onDone = func(node protocol.NodeID, _ uint16, v any) { d.onDone(r, node, v) }
		}
		p, err := newProxy(d.caller, id, onDone, d.opts.remote()...)
		if err != nil {
			r.fail(id, PhaseInit, CodeGeneric, err)
			continue
		}
		if d.cfg.WaitingTime > 0 {
			p.mod.SetWaitingTime(d.cfg.WaitingTime)
		}
		r.proxies[id] = p
	}

	d.opts.log.Info().Int("nodes", len(nodes)).Str("ops", d.cfg.Ops).Bool("async", d.cfg.Async).
		Bool("unicast", d.cfg.Unicast).Stringer("image", d.image).Msg("starting firmware run")

	var err error
	if strings.ContainsRune(d.cfg.Ops, 'i') {
		err = d.initPhase(ctx, r)
	}
	if err == nil && strings.ContainsRune(d.cfg.Ops, 's') {
		err = d.sendPhase(ctx, r)
	}
	if err == nil && strings.ContainsRune(d.cfg.Ops, 'v') {
		err = d.verifyPhase(ctx, r)
	}
	if err != nil {
		for _, id := range r.active() {
			r.fail(id, "run", CodeGeneric, err)
		}
	}

	r.mu.Lock()
	for id, o := range r.outcomes {
		if o.State == Pending || o.State == Active {
			r.outcomes[id] = Outcome{State: Done}
			metrics.RecordNode("run", true, 0)
		}
	}
	report := &Report{Outcomes: maps.Clone(r.outcomes)}
	r.mu.Unlock()

	d.opts.log.Info().Int("succeeded", len(report.Succeeded())).Int("failed", len(report.Failed())).Msg("firmware run finished")
	return report, err
}

// onDone receives done events; it runs on the link read loop and must not block.
func (d *Distributor) onDone(r *run, node protocol.NodeID, v any) {
	td, ok := v.(TaskDone)
	if !ok {
		return
	}
	p := r.phase.Load()
	if p == nil || p.op != td.OpID {
		r.log.Debug().Stringer("node", node).Uint8("op", td.OpID).Msg("done event outside its phase")
		return
	}
	if p.complete(node, td.Status) {
		r.log.Debug().Stringer("node", node).Str("phase", p.name).Uint8("status", td.Status).
			Uint32("size", td.Size).Uint16("version", td.Version).Msg("done event")
	}
}

// await blocks until every node reported for p or the run timeout passes, then
// fails the nodes that reported an error or nothing at all.
func (d *Distributor) await(ctx context.Context, r *run, p *phase) error {
	timer := time.NewTimer(d.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		d.opts.log.Warn().Str("phase", p.name).Dur("timeout", d.cfg.Timeout).Msg("timeout waiting for completion events")
	case <-ctx.Done():
	}
	r.phase.Store(nil)

	for _, id := range p.missingNodes() {
		r.fail(id, p.name, CodeTimeout, fmt.Errorf("no completion within %v", d.cfg.Timeout))
	}
	p.mu.Lock()
	codes := maps.Clone(p.codes)
	p.mu.Unlock()
	for id, code := range codes {
		if code != FirmwareSuccess {
			r.fail(id, p.name, code, nil)
		} else {
			r.activate(id)
		}
	}
	return ctx.Err()
}

// callPhase issues call for every active node with the phase timeout as waiting
// time and feeds the results into a phase completion. after runs once the phase
// completed, only for the nodes it left active.
func (d *Distributor) callPhase(ctx context.Context, r *run, name string, op uint8, call func(ctx context.Context, p *proxy) (uint8, error), after func(ctx context.Context, id protocol.NodeID, p *proxy)) error {
	nodes := r.active()
	ph := newPhase(name, op, nodes)
	r.phase.Store(ph)

	for _, id := range nodes {
		if err := ctx.Err(); err != nil {
			r.phase.Store(nil)
			return err
		}
		p := r.proxies[id]
		prev := p.mod.SetWaitingTime(d.cfg.Timeout)
		code, err := call(ctx, p)
		p.mod.SetWaitingTime(prev)

		switch {
		case err != nil:
			code := failureCode(err)
			r.fail(id, name, code, err)
			ph.complete(id, code)
		case code != FirmwareSuccess:
			ph.complete(id, code)
		default:
			if !d.cfg.Async {
				ph.complete(id, FirmwareSuccess)
			}
		}
	}
	if err := d.await(ctx, r, ph); err != nil {
		return err
	}
	if after == nil {
		return nil
	}
	for _, id := range nodes {
		if r.isActive(id) {
			after(ctx, id, r.proxies[id])
		}
	}
	return ctx.Err()
}

func (d *Distributor) initPhase(ctx context.Context, r *run) error {
	msg := InitMessage{Slot: d.cfg.Slot, Segments: uint16(d.image.Len()), CRC: d.image.CRC}
	interval := uint16(min(d.cfg.SendInterval.Milliseconds(), 0xFFFF))

	return d.callPhase(ctx, r, PhaseInit, OpErase,
		func(ctx context.Context, p *proxy) (uint8, error) {
			v, err := p.init.Call(ctx, msg)
			if err != nil {
				return 0, err
			}
			return v.(uint8), nil
		},
		func(ctx context.Context, id protocol.NodeID, p *proxy) {
			if _, err := p.si.Call(ctx, interval); err != nil {
				d.opts.log.Warn().Stringer("node", id).Err(err).Msg("cannot set send interval")
			}
		})
}

func (d *Distributor) verifyPhase(ctx context.Context, r *run) error {
	return d.callPhase(ctx, r, PhaseVerify, OpVerify,
		func(ctx context.Context, p *proxy) (uint8, error) {
			var v any
			var err error
			if d.cfg.Async {
				v, err = p.veri.Call(ctx, d.cfg.Slot)
			} else {
				v, err = p.veri.Call(ctx, d.image.CRC, d.image.Start)
			}
			if err != nil {
				return 0, err
			}
			return v.(uint8), nil
		}, nil)
}

// sendPhase services the active nodes one after another until each lacks no
// segment, a vector query fails, or MaxRounds is reached.
func (d *Distributor) sendPhase(ctx context.Context, r *run) error {
	total := d.image.Len()
	for _, id := range r.active() {
		p := r.proxies[id]
		dst := protocol.Broadcast
		if d.cfg.Unicast {
			dst = id
		}

		for round := 0; ; round++ {
			missing, err := p.missing(ctx, total)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.fail(id, PhaseSend, failureCode(err), err)
				break
			}
			d.opts.log.Debug().Stringer("node", id).Int("round", round).Int("received", total-len(missing)).
				Int("total", total).Msg("missing vectors")
			if len(missing) == 0 {
				r.activate(id)
				break
			}
			if round == d.cfg.MaxRounds {
				r.fail(id, PhaseSend, CodeRoundsExhausted, fmt.Errorf("%d segments still missing after %d rounds", len(missing), round))
				break
			}
			for _, seg := range missing {
				data, err := d.image.Segment(seg)
				if err != nil {
					r.fail(id, PhaseSend, CodeGeneric, err)
					break
				}
				if err := d.sender.Send(ctx, dst, uint16(seg), data); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					r.fail(id, PhaseSend, CodeGeneric, err)
					break
				}
				if err := sleep(ctx, d.cfg.PacingDelay); err != nil {
					return err
				}
			}
			if !slices.Contains(r.active(), id) {
				break
			}
			if err := sleep(ctx, d.cfg.PacingDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
