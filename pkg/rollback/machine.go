package rollback

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wilhg/ckptviz/pkg/checkpoint"
	"github.com/wilhg/ckptviz/pkg/errmodel"
	"github.com/wilhg/ckptviz/pkg/protocol"
)

// Sender delivers outbound frames to the orchestrator.
type Sender interface {
	Send(ctx context.Context, msg protocol.Outbound) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg protocol.Outbound) error

func (f SenderFunc) Send(ctx context.Context, msg protocol.Outbound) error { return f(ctx, msg) }

// Discard is a Sender that drops every frame.
var Discard Sender = SenderFunc(func(context.Context, protocol.Outbound) error { return nil })

// Machine applies inputs to a State one at a time. Frames are sent after the
// new state is stored and the lock released, so a sender may deliver the reply
// synchronously through Apply.
type Machine struct {
	mu     sync.Mutex
	state  State
	gen    uint64
	sender Sender
	logger *slog.Logger
}

// MachineOption configures a Machine at construction time.
type MachineOption func(*Machine)

// WithLogger sets the logger used for transition records.
func WithLogger(l *slog.Logger) MachineOption {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMachine returns an idle machine sending through s. A nil s discards.
func NewMachine(s Sender, opts ...MachineOption) *Machine {
	if s == nil {
		s = Discard
	}
	m := &Machine{sender: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns a copy of the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Apply reduces in against the current state, stores the result and sends the
// resulting frames. When a send fails the prior state is restored unless
// another input was applied meanwhile. Cancel clears locally in every case.
func (m *Machine) Apply(ctx context.Context, in Input) (State, error) {
	m.mu.Lock()
	prev := m.state
	next, out, err := Reduce(prev, in)
	if err != nil {
		m.mu.Unlock()
		return prev.Clone(), err
	}
	if !next.Equal(prev) {
		m.logger.DebugContext(ctx, "rollback transition", "from", prev.Phase.String(), "to", next.Phase.String(),
			"original", string(next.OriginalCheckpoint), "pending", len(next.PendingNodes))
	}
	m.state = next
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	for _, msg := range out {
		if serr := m.sender.Send(ctx, msg); serr != nil {
			m.logger.WarnContext(ctx, "rollback frame not sent", "kind", string(msg.Kind), "err", serr)
			m.mu.Lock()
			if _, cancel := in.(Cancel); !cancel && m.gen == gen {
				m.state = prev
				m.gen++
			}
			st := m.state.Clone()
			m.mu.Unlock()
			return st, errmodel.Network("send_failed", "send "+string(msg.Kind), nil, serr)
		}
	}
	return next.Clone(), nil
}

// Submit proposes rolling back to event id.
func (m *Machine) Submit(ctx context.Context, id checkpoint.EventID) (State, error) {
	return m.Apply(ctx, Submit{Event: id})
}

// Commit executes the pending proposal.
func (m *Machine) Commit(ctx context.Context) (State, error) { return m.Apply(ctx, Commit{}) }

// Cancel withdraws the pending proposal.
func (m *Machine) Cancel(ctx context.Context) (State, error) { return m.Apply(ctx, Cancel{}) }
