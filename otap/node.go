package otap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"nodelink/codec"
	"nodelink/message"
	"nodelink/middleware"
	"nodelink/protocol"
	"nodelink/remote"
)

var ErrNotAcknowledged = errors.New("otap: run not acknowledged")

// proxy holds the OTAP declarations for one node.
type proxy struct {
	mod  *remote.Module
	init *remote.Method
	veri *remote.Method
	gnmv *remote.Method
	gmv  *remote.Method
	si   *remote.Method
	run  *remote.Method
}

// newProxy declares the OTAP surface of node. With onDone set, init and verify
// are declared async and report through the done event.
func newProxy(caller remote.Caller, node protocol.NodeID, onDone remote.EventFunc, opts ...remote.Option) (*proxy, error) {
	p := &proxy{mod: remote.New(caller, ModuleName, node, opts...)}
	u8 := remote.Of(codec.U8)

	var err error
	if onDone != nil {
		done := remote.StructOf(DecodeTaskDone)
		if p.init, err = p.mod.DeclareAsyncMethod(EventOperationDone, done, onDone, MethodInit, u8, codec.Struct); err != nil {
			return nil, err
		}
		if p.veri, err = p.mod.DeclareAsyncMethod(EventOperationDone, done, onDone, MethodVerify, u8, codec.U8); err != nil {
			return nil, err
		}
	} else {
		if p.init, err = p.mod.DeclareMethod(MethodInit, u8, codec.Struct); err != nil {
			return nil, err
		}
		if p.veri, err = p.mod.DeclareMethod(MethodVerify, u8, codec.U16, codec.U32); err != nil {
			return nil, err
		}
	}
	if p.gnmv, err = p.mod.DeclareMethod(MethodNumVectors, u8); err != nil {
		return nil, err
	}
	if p.gmv, err = p.mod.DeclareMethod(MethodMissingVector, remote.BitsOf(VectorBits), codec.U8); err != nil {
		return nil, err
	}
	if p.si, err = p.mod.DeclareMethod(MethodSetInterval, remote.Of(codec.None), codec.U16); err != nil {
		return nil, err
	}
	if p.run, err = p.mod.DeclareMethod(MethodRun, u8, codec.U8, codec.U16); err != nil {
		return nil, err
	}
	return p, nil
}

// release drops the local done-event binding so a later run can bind again.
func (p *proxy) release() {
	if ev := p.init.Done(); ev != nil {
		ev.Unbind()
	}
}

// missing returns the indices of segments the node still needs, below total.
func (p *proxy) missing(ctx context.Context, total int) ([]int, error) {
	v, err := p.gnmv.Call(ctx)
	if err != nil {
		return nil, fmt.Errorf("number of vectors: %w", err)
	}
	n := int(v.(uint8))

	var out []int
	for i := 0; i < n; i++ {
		v, err := p.gmv.Call(ctx, uint8(i))
		if err != nil {
			return nil, fmt.Errorf("vector %d: %w", i, err)
		}
		bv := v.(*codec.BitVector)
		for b := 0; b < bv.Len(); b++ {
			seg := i*VectorBits + b
			if seg >= total {
				break
			}
			if bv.Get(b) {
				out = append(out, seg)
			}
		}
	}
	return out, nil
}

// failureCode extracts the code recorded for a failed call.
func failureCode(err error) uint8 {
	var re *message.RemoteError
	if errors.As(err, &re) {
		return uint8(re.Status)
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeGeneric
}

type options struct {
	log *zerolog.Logger
	mw  []middleware.Middleware
}

// Option configures Distributor, Activate and Missing.
type Option func(*options)

func WithLogger(l *zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMiddleware wraps every remote call issued on behalf of the run.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(o *options) { o.mw = append(o.mw, mw...) }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		l := zerolog.Nop()
		o.log = &l
	}
	return o
}

func (o options) remote() []remote.Option {
	return []remote.Option{remote.WithLogger(o.log), remote.WithMiddleware(o.mw...)}
}

// Missing queries every missing vector of node and returns the segments below
// total it still lacks.
func Missing(ctx context.Context, caller remote.Caller, node protocol.NodeID, total int, opts ...Option) ([]int, error) {
	o := buildOptions(opts)
	p, err := newProxy(caller, node, nil, o.remote()...)
	if err != nil {
		return nil, err
	}
	return p.missing(ctx, total)
}

// Activate asks nodes to boot the image in slot after delay ms. Each node gets
// up to attempts tries; a timeout or a non-zero answer is retried. The result
// holds an error for every node that never acknowledged.
func Activate(ctx context.Context, caller remote.Caller, nodes []protocol.NodeID, slot uint8, delay uint16, attempts int, opts ...Option) map[protocol.NodeID]error {
	o := buildOptions(opts)
	if attempts < 1 {
		attempts = DefaultActivateTries
	}
	retry := middleware.RetryIf(attempts-1, 100*time.Millisecond, o.log, func(err error) bool {
		return errors.Is(err, ErrNotAcknowledged) || middleware.Retryable(err)
	})

	failed := make(map[protocol.NodeID]error)
	sorted := append([]protocol.NodeID(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, id := range sorted {
		p, err := newProxy(caller, id, nil, o.remote()...)
		if err != nil {
			failed[id] = err
			continue
		}
		call := retry(func(ctx context.Context, _ *message.Request) (*codec.Frame, error) {
			v, err := p.run.Call(ctx, slot, delay)
			if err != nil {
				return nil, err
			}
			if code := v.(uint8); code != FirmwareSuccess {
				return nil, &ProtocolError{Node: id, Phase: MethodRun, Code: code, Err: ErrNotAcknowledged}
			}
			return nil, nil
		})
		if _, err := call(ctx, &message.Request{Node: id, Module: ModuleName, Name: MethodRun, Tag: message.TagMethod}); err != nil {
			o.log.Warn().Stringer("node", id).Err(err).Msg("activation failed")
			failed[id] = err
			continue
		}
		o.log.Info().Stringer("node", id).Uint8("slot", slot).Uint16("delay", delay).Msg("activation acknowledged")
	}
	return failed
}
