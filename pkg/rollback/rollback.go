// Package rollback tracks a user initiated rollback proposal through the
// orchestrator's two phase protocol: submit, confirm, then commit or cancel.
//
// Reduce is the pure transition function. Machine owns a State, applies inputs
// serially and forwards the resulting outbound frames to a Sender.
package rollback

import (
	"encoding/json"
	"fmt"

	"github.com/wilhg/ckptviz/pkg/checkpoint"
	"github.com/wilhg/ckptviz/pkg/errmodel"
	"github.com/wilhg/ckptviz/pkg/protocol"
)

// Phase is the protocol position of the current proposal.
type Phase int

const (
	Idle Phase = iota
	// ProposalPending: a submit was sent, the affected set is not known yet.
	ProposalPending
	// AwaitingCommitDecision: the affected set arrived, the user decides.
	AwaitingCommitDecision
	// Committing: commit was sent, waiting for the rollback result.
	Committing
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case ProposalPending:
		return "proposal_pending"
	case AwaitingCommitDecision:
		return "awaiting_commit_decision"
	case Committing:
		return "committing"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for _, c := range []Phase{Idle, ProposalPending, AwaitingCommitDecision, Committing} {
		if c.String() == string(b) {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("unknown rollback phase %q", b)
}

var (
	ErrBusy       = errmodel.Validation("rollback_busy", "a rollback proposal is already in progress", nil)
	ErrNoProposal = errmodel.Validation("no_proposal", "no rollback proposal awaits a decision", nil)
	ErrNoEvent    = errmodel.Validation("invalid_event", "rollback needs an event id", nil)
	ErrStale      = errmodel.Protocol("stale_confirm", "rollback confirm outside a pending proposal", nil, nil)
)

// State is the rollback triple exposed to UI controls.
type State struct {
	Phase              Phase                `json:"phase"`
	OriginalCheckpoint checkpoint.EventID   `json:"original_checkpoint,omitempty"`
	PendingNodes       []checkpoint.EventID `json:"pending_nodes,omitempty"`
}

// Clone returns a copy that shares no memory with s.
func (s State) Clone() State {
	out := s
	if s.PendingNodes != nil {
		out.PendingNodes = append([]checkpoint.EventID(nil), s.PendingNodes...)
	}
	return out
}

// IsPending reports whether id is part of the confirmed affected set.
func (s State) IsPending(id checkpoint.EventID) bool {
	for _, p := range s.PendingNodes {
		if p == id {
			return true
		}
	}
	return false
}

// Equal compares phase, original checkpoint and pending set.
func (s State) Equal(o State) bool {
	if s.Phase != o.Phase || s.OriginalCheckpoint != o.OriginalCheckpoint || len(s.PendingNodes) != len(o.PendingNodes) {
		return false
	}
	for i := range s.PendingNodes {
		if s.PendingNodes[i] != o.PendingNodes[i] {
			return false
		}
	}
	return true
}

func (s State) String() string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Input is one of Submit, Confirm, Commit, Cancel or Result.
type Input interface{ input() }

// Submit proposes rolling back to Event. User action.
type Submit struct{ Event checkpoint.EventID }

// Confirm delivers the affected set computed by the orchestrator. Inbound.
type Confirm struct{ Affected []checkpoint.EventID }

// Commit executes the pending proposal. User action.
type Commit struct{}

// Cancel withdraws the pending proposal. User action.
type Cancel struct{}

// Result reports that the orchestrator finished a rollback. Inbound.
type Result struct{}

func (Submit) input()  {}
func (Confirm) input() {}
func (Commit) input()  {}
func (Cancel) input()  {}
func (Result) input()  {}

var idle = State{Phase: Idle}

// Reduce computes the next state and the frames to send for in. On error the
// returned state is s and nothing is to be sent.
func Reduce(s State, in Input) (State, []protocol.Outbound, error) {
	switch m := in.(type) {
	case Submit:
		if s.Phase != Idle {
			return s, nil, ErrBusy.With(map[string]any{"phase": s.Phase.String()})
		}
		if m.Event == "" {
			return s, nil, ErrNoEvent
		}
		next := State{Phase: ProposalPending, OriginalCheckpoint: m.Event}
		return next, []protocol.Outbound{protocol.Submit(m.Event)}, nil

	case Confirm:
		if s.Phase != ProposalPending {
			return s, nil, ErrStale.With(map[string]any{"phase": s.Phase.String()})
		}
		if len(m.Affected) == 0 {
			return idle, nil, nil
		}
		return State{
			Phase:              AwaitingCommitDecision,
			OriginalCheckpoint: s.OriginalCheckpoint,
			PendingNodes:       append([]checkpoint.EventID(nil), m.Affected...),
		}, nil, nil

	case Commit:
		if s.Phase != AwaitingCommitDecision {
			return s, nil, ErrNoProposal.With(map[string]any{"phase": s.Phase.String()})
		}
		next := s.Clone()
		next.Phase = Committing
		return next, []protocol.Outbound{protocol.Commit(true)}, nil

	case Cancel:
		if s.Phase != AwaitingCommitDecision {
			return s, nil, ErrNoProposal.With(map[string]any{"phase": s.Phase.String()})
		}
		return idle, []protocol.Outbound{protocol.Commit(false)}, nil

	case Result:
		return idle, nil, nil

	default:
		return s, nil, errmodel.Validation("unknown_input", fmt.Sprintf("unsupported rollback input %T", in), nil)
	}
}
