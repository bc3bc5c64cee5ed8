package registry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"

	"nodelink/protocol"
)

// EtcdRegistry implements Registry using etcd v3.
//
//	Key:   /nodelink/{gateway}/{node id}
//	Value: JSON-encoded NodeInstance
//
// Entries registered with a ttl are attached to a lease kept alive in the
// background; when the process stops renewing it the entry disappears.
type EtcdRegistry struct {
	client *clientv3.Client
	log    *zerolog.Logger
}

type EtcdOption func(*EtcdRegistry)

func WithLogger(l *zerolog.Logger) EtcdOption {
	return func(r *EtcdRegistry) { r.log = l }
}

// NewEtcdRegistry connects to endpoints. The connection is established lazily;
// dialTimeout bounds the first request.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, opts ...EtcdOption) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	r := &EtcdRegistry{client: c}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
			With().Str("component", "registry").Timestamp().Logger().Level(zerolog.WarnLevel)
		r.log = &l
	}
	return r, nil
}

// Ping checks that at least the first endpoint answers.
func (r *EtcdRegistry) Ping(ctx context.Context) error {
	eps := r.client.Endpoints()
	if len(eps) == 0 {
		return errors.New("registry: no endpoints")
	}
	_, err := r.client.Status(ctx, eps[0])
	return err
}

func (r *EtcdRegistry) Close() error { return r.client.Close() }

// Register stores inst, replacing any previous entry for the node.
//
// leaseID stays local so one EtcdRegistry can be shared by concurrent callers.
func (r *EtcdRegistry) Register(ctx context.Context, inst NodeInstance, ttl int64) error {
	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	k := key(inst.Gateway, inst.ID)

	if ttl <= 0 {
		_, err = r.client.Put(ctx, k, string(val))
		return err
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, k, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// renewal outlives ctx; it stops with the client
	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
		r.log.Debug().Str("key", k).Msg("lease keepalive ended")
	}()
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, gateway string, id protocol.NodeID) error {
	resp, err := r.client.Delete(ctx, key(gateway, id))
	if err != nil {
		return err
	}
	if resp.Deleted == 0 {
		return ErrNotFound
	}
	return nil
}

// Watch emits the full directory of gateway after every change until ctx ends.
func (r *EtcdRegistry) Watch(ctx context.Context, gateway string) <-chan []NodeInstance {
	ch := make(chan []NodeInstance, 1)
	go func() {
		defer close(ch)
		for wr := range r.client.Watch(ctx, prefix(gateway), clientv3.WithPrefix()) {
			if err := wr.Err(); err != nil {
				r.log.Warn().Err(err).Str("gateway", gateway).Msg("watch failed")
				return
			}
			instances, err := r.Discover(ctx, gateway)
			if err != nil {
				r.log.Warn().Err(err).Str("gateway", gateway).Msg("cannot refresh directory")
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Discover returns the nodes registered for gateway, ordered by id.
func (r *EtcdRegistry) Discover(ctx context.Context, gateway string) ([]NodeInstance, error) {
	resp, err := r.client.Get(ctx, prefix(gateway), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]NodeInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst NodeInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.log.Warn().Str("key", string(kv.Key)).Err(err).Msg("skipping malformed entry")
			continue
		}
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}
