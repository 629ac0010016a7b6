// Package causal reconstructs a causally consistent ordering of checkpoint
// events recorded on nodes that share no clock.
//
// Compute annotates every event of a log with a vector clock and a scalar
// position index. It is a pure function of the log: callers rerun it on the
// complete log after every update instead of patching earlier results.
//
// The computation runs to a fixpoint:
//
//  1. Event i of node N starts at clock[N] = i+1, every other component 0.
//  2. Each pass visits nodes in log order and events in sequence order:
//     a. an event absorbs its predecessor's clock (component-wise max); when the
//     merged maximum does not exceed the predecessor's maximum every component
//     is incremented by one, so distinct events never share a position. The
//     node's own component is kept strictly above the predecessor's.
//     b. a receive whose send is known increments by one every component that
//     has not yet passed the send's component.
//  3. Passes repeat until nothing changes.
//
// The position index is the largest component of the final clock. It is a
// layout hint only; use HappenedBefore for causality.
package causal

import (
	"errors"

	"github.com/wilhg/ckptviz/pkg/checkpoint"
	"github.com/wilhg/ckptviz/pkg/vclock"
)

// ErrNoFixpoint is returned with the last computed annotation when the pass
// budget runs out. This only happens for causally cyclic input.
var ErrNoFixpoint = errors.New("causal: vector clocks did not reach a fixpoint")

// Result describes one computation.
type Result struct {
	Passes    int
	Converged bool
	// Unresolved lists receive events whose MatchingEventId names no event in
	// the log. They are clocked by local succession only.
	Unresolved []checkpoint.EventID
}

// Option tunes Compute.
type Option func(*config)

type config struct {
	maxPasses int
}

// WithMaxPasses overrides the pass budget. Values <= 0 keep the default.
func WithMaxPasses(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxPasses = n
		}
	}
}

// DefaultMaxPasses is the pass budget used for a log with total events.
// A receive climbs one unit per pass towards a send whose components are
// bounded by the length of the longest causal chain, so acyclic logs settle
// well within it.
func DefaultMaxPasses(total int) int { return 16 + 8*total }

type ref struct {
	node int
	idx  int
}

// Compute annotates log with vector clocks and position indexes.
func Compute(log checkpoint.Log, opts ...Option) (checkpoint.Log, Result, error) {
	nodes := log.NodeLogs()
	cfg := config{maxPasses: DefaultMaxPasses(log.Len())}
	for _, o := range opts {
		o(&cfg)
	}

	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = string(n.Node)
	}

	// 1) Initialise and index events by id (first occurrence wins).
	byID := make(map[checkpoint.EventID]ref, log.Len())
	for ni, n := range nodes {
		for ei := range n.Events {
			c := vclock.New(ids...)
			c.Set(string(n.Node), uint64(ei+1))
			n.Events[ei].VectorClock = c
			if _, dup := byID[n.Events[ei].ID]; !dup {
				byID[n.Events[ei].ID] = ref{node: ni, idx: ei}
			}
		}
	}

	var res Result
	seen := make(map[checkpoint.EventID]bool)
	for ni := range nodes {
		for _, e := range nodes[ni].Events {
			if !e.IsReceive() {
				continue
			}
			if _, ok := byID[*e.MatchingEventID]; !ok && !seen[e.ID] {
				seen[e.ID] = true
				res.Unresolved = append(res.Unresolved, e.ID)
			}
		}
	}

	// 2) Propagate until stable or out of budget.
	for res.Passes < cfg.maxPasses {
		res.Passes++
		if !pass(nodes, byID) {
			res.Converged = true
			break
		}
	}

	// 3) Derive positions.
	for ni := range nodes {
		for ei := range nodes[ni].Events {
			nodes[ni].Events[ei].PositionIndex = nodes[ni].Events[ei].VectorClock.Max()
		}
	}

	out := checkpoint.NewLog(nodes...)
	if !res.Converged {
		return out, res, ErrNoFixpoint
	}
	return out, res, nil
}

// pass runs one sweep and reports whether any component changed.
func pass(nodes []checkpoint.NodeLog, byID map[checkpoint.EventID]ref) bool {
	changed := false
	for ni := range nodes {
		events := nodes[ni].Events
		for ei := range events {
			cur := events[ei].VectorClock
			if ei > 0 {
				prev := events[ei-1].VectorClock
				if cur.MergeFrom(prev) {
					changed = true
				}
				own := string(nodes[ni].Node)
				if cur[own] <= prev[own] {
					cur[own] = prev[own] + 1
					changed = true
				}
				if cur.Max() <= prev.Max() {
					cur.IncrementAll()
					changed = true
				}
			}
			if !events[ei].IsReceive() {
				continue
			}
			r, ok := byID[*events[ei].MatchingEventID]
			if !ok {
				continue
			}
			send := nodes[r.node].Events[r.idx].VectorClock
			for k, sv := range send {
				if cur[k] <= sv {
					cur[k]++
					changed = true
				}
			}
		}
	}
	return changed
}

// HappenedBefore reports whether a causally precedes b according to their
// computed clocks.
func HappenedBefore(a, b checkpoint.Event) bool {
	return a.VectorClock.HappenedBefore(b.VectorClock)
}
