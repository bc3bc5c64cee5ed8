// Package registry keeps a directory of the nodes reachable through each
// gateway, together with the firmware they were last flashed with.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nodelink/otap"
	"nodelink/protocol"
)

var ErrNotFound = errors.New("registry: node not registered")

// Status of a directory entry.
const (
	StatusSeen    = "seen"    // answered, firmware unknown
	StatusFlashed = "flashed" // last run succeeded
	StatusFailed  = "failed"  // last run failed
)

// NodeInstance is one directory entry.
type NodeInstance struct {
	Gateway string          `json:"gateway"`
	ID      protocol.NodeID `json:"id"`
	Status  string          `json:"status"`
	Slot    uint8           `json:"slot"`
	CRC     uint16          `json:"crc"`
	Code    uint8           `json:"code,omitempty"` // failure code of the last run
	Updated time.Time       `json:"updated"`
}

// Registry stores NodeInstances per gateway. A ttl of 0 keeps the entry until it is
// deregistered.
type Registry interface {
	Register(ctx context.Context, inst NodeInstance, ttl int64) error
	Deregister(ctx context.Context, gateway string, id protocol.NodeID) error
	Discover(ctx context.Context, gateway string) ([]NodeInstance, error)
	Watch(ctx context.Context, gateway string) <-chan []NodeInstance
}

func key(gateway string, id protocol.NodeID) string {
	return fmt.Sprintf("/nodelink/%s/%d", gateway, uint16(id))
}

func prefix(gateway string) string {
	return "/nodelink/" + gateway + "/"
}

// IDs returns the node ids of instances.
func IDs(instances []NodeInstance) []protocol.NodeID {
	ids := make([]protocol.NodeID, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	return ids
}

// PublishRun records the outcome of a firmware run for every node in the report.
func PublishRun(ctx context.Context, r Registry, gateway string, rep *otap.Report, slot uint8, crc uint16, ttl int64) error {
	now := time.Now().UTC()
	var errs []error
	for id, o := range rep.Outcomes {
		inst := NodeInstance{Gateway: gateway, ID: id, Slot: slot, CRC: crc, Updated: now}
		switch o.State {
		case otap.Done:
			inst.Status = StatusFlashed
		case otap.Failed:
			inst.Status, inst.Code = StatusFailed, o.Code
		default:
			continue
		}
		if err := r.Register(ctx, inst, ttl); err != nil {
			errs = append(errs, fmt.Errorf("node %v: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
