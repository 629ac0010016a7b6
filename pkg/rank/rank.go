// Package rank derives a stable presentation order for nodes from the rank
// hints carried by checkpoint events.
package rank

import (
	"sort"
	"sync"

	"github.com/wilhg/ckptviz/pkg/checkpoint"
)

// Entry pairs a node with the rank it resolved to.
type Entry struct {
	Node checkpoint.NodeID `json:"node"`
	Rank int               `json:"rank"`
}

// Resolve finds, for every node, the first event carrying a NodeRank and
// returns the nodes sorted by ascending rank. Equal ranks keep log order.
// ok is false when at least one node has no ranked event yet, or the log has
// no nodes at all.
func Resolve(log checkpoint.Log) (entries []Entry, ok bool) {
	nodes := log.NodeLogs()
	if len(nodes) == 0 {
		return nil, false
	}
	entries = make([]Entry, 0, len(nodes))
	for _, n := range nodes {
		found := false
		for _, e := range n.Events {
			if e.NodeRank != nil {
				entries = append(entries, Entry{Node: n.Node, Rank: *e.NodeRank})
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Rank < entries[j].Rank })
	return entries, true
}

// Resolver remembers the first complete resolution of a session.
// It is safe for concurrent use.
type Resolver struct {
	mu     sync.RWMutex
	frozen []Entry
}

// Observe resolves ranks for log unless an order is already frozen. It reports
// whether an order is frozen after the call.
func (r *Resolver) Observe(log checkpoint.Log) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen != nil {
		return true
	}
	entries, ok := Resolve(log)
	if !ok {
		return false
	}
	r.frozen = entries
	return true
}

// Resolved reports whether an order has been frozen.
func (r *Resolver) Resolved() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen != nil
}

// Entries returns a copy of the frozen resolution, nil while unresolved.
func (r *Resolver) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.frozen == nil {
		return nil
	}
	out := make([]Entry, len(r.frozen))
	copy(out, r.frozen)
	return out
}

// Order returns the node order to present log in. With a frozen resolution it
// is the frozen order restricted to nodes present in log, followed by nodes the
// resolution never saw in natural order. Without one it is the natural order.
func (r *Resolver) Order(log checkpoint.Log) []checkpoint.NodeID {
	natural := log.Nodes()
	r.mu.RLock()
	frozen := r.frozen
	r.mu.RUnlock()
	if frozen == nil {
		return natural
	}
	out := make([]checkpoint.NodeID, 0, len(natural))
	known := make(map[checkpoint.NodeID]bool, len(frozen))
	for _, e := range frozen {
		known[e.Node] = true
		if log.Has(e.Node) {
			out = append(out, e.Node)
		}
	}
	for _, n := range natural {
		if !known[n] {
			out = append(out, n)
		}
	}
	return out
}

// Reset forgets the frozen order, starting a new session.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.frozen = nil
	r.mu.Unlock()
}
