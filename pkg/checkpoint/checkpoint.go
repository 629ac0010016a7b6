// Package checkpoint defines the per-node checkpoint event log received from the
// debugger orchestrator.
//
// A Log is an immutable value: it is built once per protocol notification and
// replaced wholesale on the next one. Accessors hand out copies so readers never
// observe a log mid-update.
package checkpoint

import (
	"github.com/wilhg/ckptviz/pkg/vclock"
)

// EventID identifies a checkpoint event across all nodes.
type EventID string

// NodeID identifies a node (debugged process) and keys the per-node log.
type NodeID string

// Event is one recorded checkpoint on a node.
type Event struct {
	ID              EventID  `json:"Id"`
	NodeID          NodeID   `json:"NodeId"`
	SequenceIndex   int      `json:"SequenceIndex"`
	OpName          string   `json:"OpName"`
	CanBeRestored   bool     `json:"CanBeRestored"`
	CurrentLocation bool     `json:"CurrentLocation"`
	NodeRank        *int     `json:"NodeRank"`
	MatchingEventID *EventID `json:"MatchingEventId"`
	IsSend          bool     `json:"IsSend"`
	// Tag is the MPI message tag when the backend could evaluate it.
	Tag *int `json:"Tag"`

	// Computed by the causal engine.
	VectorClock   vclock.Clock `json:"VectorClock,omitempty"`
	PositionIndex uint64       `json:"PositionIndex"`
}

// IsReceive reports whether the event is the receive side of a matched pair.
func (e Event) IsReceive() bool { return e.MatchingEventID != nil && !e.IsSend }

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	out := e
	if e.NodeRank != nil {
		r := *e.NodeRank
		out.NodeRank = &r
	}
	if e.MatchingEventID != nil {
		m := *e.MatchingEventID
		out.MatchingEventID = &m
	}
	if e.Tag != nil {
		t := *e.Tag
		out.Tag = &t
	}
	if e.VectorClock != nil {
		out.VectorClock = e.VectorClock.Copy()
	}
	return out
}

// NodeLog is the ordered event sequence of a single node.
type NodeLog struct {
	Node   NodeID
	Events []Event
}

// Log maps every node to its ordered events and remembers node discovery order.
type Log struct {
	nodes []NodeLog
	index map[NodeID]int
}

// NewLog builds a log from node sequences in the order given. Each event gets
// its NodeID and SequenceIndex from its position. A node listed twice keeps its
// first position and its last sequence.
func NewLog(nodes ...NodeLog) Log {
	l := Log{index: make(map[NodeID]int, len(nodes))}
	for _, n := range nodes {
		events := make([]Event, len(n.Events))
		for i, e := range n.Events {
			ev := e.Clone()
			ev.NodeID = n.Node
			ev.SequenceIndex = i
			events[i] = ev
		}
		if pos, ok := l.index[n.Node]; ok {
			l.nodes[pos].Events = events
			continue
		}
		l.index[n.Node] = len(l.nodes)
		l.nodes = append(l.nodes, NodeLog{Node: n.Node, Events: events})
	}
	return l
}

// Nodes returns node ids in natural (discovery) order.
func (l Log) Nodes() []NodeID {
	out := make([]NodeID, len(l.nodes))
	for i, n := range l.nodes {
		out[i] = n.Node
	}
	return out
}

// Has reports whether node is part of the log.
func (l Log) Has(node NodeID) bool {
	_, ok := l.index[node]
	return ok
}

// Events returns a copy of the events of node, nil when the node is unknown.
func (l Log) Events(node NodeID) []Event {
	pos, ok := l.index[node]
	if !ok {
		return nil
	}
	src := l.nodes[pos].Events
	out := make([]Event, len(src))
	for i, e := range src {
		out[i] = e.Clone()
	}
	return out
}

// NodeLogs returns a deep copy of all node sequences in natural order.
func (l Log) NodeLogs() []NodeLog {
	out := make([]NodeLog, len(l.nodes))
	for i, n := range l.nodes {
		out[i] = NodeLog{Node: n.Node, Events: l.Events(n.Node)}
	}
	return out
}

// Find returns the first event with the given id in log order.
func (l Log) Find(id EventID) (Event, bool) {
	for _, n := range l.nodes {
		for _, e := range n.Events {
			if e.ID == id {
				return e.Clone(), true
			}
		}
	}
	return Event{}, false
}

// Len returns the total number of events across nodes.
func (l Log) Len() int {
	total := 0
	for _, n := range l.nodes {
		total += len(n.Events)
	}
	return total
}

// NodeCount returns the number of nodes.
func (l Log) NodeCount() int { return len(l.nodes) }

// IsEmpty reports whether the log holds no events.
func (l Log) IsEmpty() bool { return l.Len() == 0 }
