// Package graph turns an annotated checkpoint log into the positioned structure
// a renderer draws: one column per node, one vertex per event placed at its
// position index, and one edge per resolved message.
package graph

import (
	"github.com/wilhg/ckptviz/pkg/checkpoint"
	"github.com/wilhg/ckptviz/pkg/rank"
	"github.com/wilhg/ckptviz/pkg/rollback"
	"github.com/wilhg/ckptviz/pkg/vclock"
)

// Mark is how a vertex should be highlighted.
type Mark string

const (
	MarkPending    Mark = "pending"
	MarkOrigin     Mark = "origin"
	MarkCurrent    Mark = "current"
	MarkRestorable Mark = "restorable"
	MarkPlain      Mark = "plain"
)

type Column struct {
	Index int               `json:"index"`
	Node  checkpoint.NodeID `json:"node"`
	// Rank is set once every node's rank is known.
	Rank *int `json:"rank,omitempty"`
}

type Vertex struct {
	ID         checkpoint.EventID  `json:"id"`
	Node       checkpoint.NodeID   `json:"node"`
	Column     int                 `json:"column"`
	Row        uint64              `json:"row"`
	Sequence   int                 `json:"sequence"`
	OpName     string              `json:"op_name"`
	Clock      vclock.Clock        `json:"clock"`
	IsSend     bool                `json:"is_send"`
	Matching   *checkpoint.EventID `json:"matching,omitempty"`
	Tag        *int                `json:"tag,omitempty"`
	Restorable bool                `json:"restorable"`
	Current    bool                `json:"current"`
	Mark       Mark                `json:"mark"`
	Selectable bool                `json:"selectable"`
}

// Edge joins a send to its receive.
type Edge struct {
	From       checkpoint.EventID `json:"from"`
	To         checkpoint.EventID `json:"to"`
	FromColumn int                `json:"from_column"`
	FromRow    uint64             `json:"from_row"`
	ToColumn   int                `json:"to_column"`
	ToRow      uint64             `json:"to_row"`
	Tag        *int               `json:"tag,omitempty"`
}

type Graph struct {
	Columns  []Column       `json:"columns"`
	Vertices []Vertex       `json:"vertices"`
	Edges    []Edge         `json:"edges"`
	Rows     uint64         `json:"rows"`
	Rollback rollback.State `json:"rollback"`
}

// Build lays out log. order is the column order; nodes of log it omits are
// appended in natural order. ranks labels columns and may be nil.
func Build(log checkpoint.Log, order []checkpoint.NodeID, ranks []rank.Entry, st rollback.State) Graph {
	rankOf := make(map[checkpoint.NodeID]int, len(ranks))
	for _, e := range ranks {
		rankOf[e.Node] = e.Rank
	}

	cols := make([]checkpoint.NodeID, 0, log.NodeCount())
	placed := make(map[checkpoint.NodeID]bool, log.NodeCount())
	for _, n := range order {
		if log.Has(n) && !placed[n] {
			placed[n] = true
			cols = append(cols, n)
		}
	}
	for _, n := range log.Nodes() {
		if !placed[n] {
			placed[n] = true
			cols = append(cols, n)
		}
	}

	g := Graph{Columns: make([]Column, 0, len(cols)), Vertices: make([]Vertex, 0, log.Len()), Edges: []Edge{}}
	at := make(map[checkpoint.EventID]int, log.Len())
	for ci, n := range cols {
		c := Column{Index: ci, Node: n}
		if r, ok := rankOf[n]; ok {
			r := r
			c.Rank = &r
		}
		g.Columns = append(g.Columns, c)
		for _, e := range log.Events(n) {
			v := Vertex{
				ID:         e.ID,
				Node:       n,
				Column:     ci,
				Row:        e.PositionIndex,
				Sequence:   e.SequenceIndex,
				OpName:     e.OpName,
				Clock:      e.VectorClock,
				IsSend:     e.IsSend,
				Matching:   e.MatchingEventID,
				Tag:        e.Tag,
				Restorable: e.CanBeRestored,
				Current:    e.CurrentLocation,
			}
			if v.Row+1 > g.Rows {
				g.Rows = v.Row + 1
			}
			if _, dup := at[v.ID]; !dup {
				at[v.ID] = len(g.Vertices)
			}
			g.Vertices = append(g.Vertices, v)
		}
	}

	for _, v := range g.Vertices {
		if !v.IsSend || v.Matching == nil {
			continue
		}
		ri, ok := at[*v.Matching]
		if !ok {
			continue
		}
		r := g.Vertices[ri]
		g.Edges = append(g.Edges, Edge{
			From: v.ID, To: r.ID,
			FromColumn: v.Column, FromRow: v.Row,
			ToColumn: r.Column, ToRow: r.Row,
			Tag: v.Tag,
		})
	}
	return Remark(g, st)
}

// Remark recomputes marks and selectability for st without touching layout.
// The returned graph shares layout slices with g except Vertices.
func Remark(g Graph, st rollback.State) Graph {
	out := g
	out.Rollback = st.Clone()
	out.Vertices = make([]Vertex, len(g.Vertices))
	proposal := st.OriginalCheckpoint != ""
	for i, v := range g.Vertices {
		v.Mark = markFor(v, st, proposal)
		v.Selectable = !proposal && v.Restorable && !v.Current
		out.Vertices[i] = v
	}
	return out
}

func markFor(v Vertex, st rollback.State, proposal bool) Mark {
	switch {
	case proposal && st.IsPending(v.ID):
		return MarkPending
	case proposal && st.OriginalCheckpoint == v.ID:
		return MarkOrigin
	case proposal:
		return MarkPlain
	case v.Current:
		return MarkCurrent
	case v.Restorable:
		return MarkRestorable
	default:
		return MarkPlain
	}
}

// Vertex returns the first vertex with id.
func (g Graph) Vertex(id checkpoint.EventID) (Vertex, bool) {
	for _, v := range g.Vertices {
		if v.ID == id {
			return v, true
		}
	}
	return Vertex{}, false
}
