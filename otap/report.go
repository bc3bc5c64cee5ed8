package otap

import (
	"fmt"
	"sort"
	"strings"

	"nodelink/protocol"
)

// State is where a node stands in a run.
type State uint8

const (
	Pending State = iota // not yet serviced
	Active               // passed every phase so far
	Done                 // completed all requested phases
	Failed               // dropped out; see Outcome.Code
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Phase names, as used in logs, metrics and errors.
const (
	PhaseInit   = "init"
	PhaseSend   = "send"
	PhaseVerify = "verify"
)

// Outcome is the per-node result of a run.
type Outcome struct {
	State State
	Code  uint8  // failure code, valid when State is Failed
	Phase string // phase the node failed in
	Err   error  // *ProtocolError when State is Failed
}

func (o Outcome) String() string {
	if o.State == Failed {
		return fmt.Sprintf("failed(%d) in %s", o.Code, o.Phase)
	}
	return o.State.String()
}

// ProtocolError describes why a node dropped out of a run.
type ProtocolError struct {
	Node  protocol.NodeID
	Phase string
	Code  uint8
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("otap: node %v failed in %s with code %d: %v", e.Node, e.Phase, e.Code, e.Err)
	}
	return fmt.Sprintf("otap: node %v failed in %s with code %d", e.Node, e.Phase, e.Code)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Report is the result of Run.
type Report struct {
	Outcomes map[protocol.NodeID]Outcome
}

func (r *Report) filter(keep func(Outcome) bool) []protocol.NodeID {
	var ids []protocol.NodeID
	for id, o := range r.Outcomes {
		if keep(o) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Failed returns the failed nodes in ascending order.
func (r *Report) Failed() []protocol.NodeID {
	return r.filter(func(o Outcome) bool { return o.State == Failed })
}

// Succeeded returns the nodes that completed, in ascending order.
func (r *Report) Succeeded() []protocol.NodeID {
	return r.filter(func(o Outcome) bool { return o.State == Done })
}

func (r *Report) String() string {
	var b strings.Builder
	ids := r.filter(func(Outcome) bool { return true })
	for i, id := range ids {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%v: %v", id, r.Outcomes[id])
	}
	return b.String()
}
