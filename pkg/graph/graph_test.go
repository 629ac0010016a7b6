package graph

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wilhg/ckptviz/pkg/causal"
	"github.com/wilhg/ckptviz/pkg/checkpoint"
	"github.com/wilhg/ckptviz/pkg/rank"
	"github.com/wilhg/ckptviz/pkg/rollback"
)

func idp(s string) *checkpoint.EventID {
	id := checkpoint.EventID(s)
	return &id
}

func annotated(t *testing.T) checkpoint.Log {
	t.Helper()
	l := checkpoint.NewLog(
		checkpoint.NodeLog{Node: "A", Events: []checkpoint.Event{
			{ID: "a0", OpName: "MPI_Init"},
			{ID: "a1", OpName: "MPI_Send", IsSend: true, CanBeRestored: true, MatchingEventID: idp("b1")},
			{ID: "a2", OpName: "MPI_Barrier", CanBeRestored: true, CurrentLocation: true},
		}},
		checkpoint.NodeLog{Node: "B", Events: []checkpoint.Event{
			{ID: "b0", OpName: "MPI_Init"},
			{ID: "b1", OpName: "MPI_Recv", CanBeRestored: true, MatchingEventID: idp("a1")},
			{ID: "b2", OpName: "MPI_Send", IsSend: true, CanBeRestored: true, MatchingEventID: idp("lost")},
		}},
	)
	out, _, err := causal.Compute(l)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func marks(g Graph) map[checkpoint.EventID]Mark {
	out := map[checkpoint.EventID]Mark{}
	for _, v := range g.Vertices {
		out[v.ID] = v.Mark
	}
	return out
}

func TestBuildLayout(t *testing.T) {
	log := annotated(t)
	two := 2
	g := Build(log, []checkpoint.NodeID{"B", "A"}, []rank.Entry{{Node: "B", Rank: 0}, {Node: "A", Rank: 2}}, rollback.State{})

	if len(g.Columns) != 2 || g.Columns[0].Node != "B" || g.Columns[1].Node != "A" {
		t.Fatalf("columns=%+v", g.Columns)
	}
	if diff := cmp.Diff(&two, g.Columns[1].Rank); diff != "" {
		t.Fatalf("rank (-want +got):\n%s", diff)
	}
	b1, ok := g.Vertex("b1")
	if !ok || b1.Column != 0 || b1.Row != 3 || b1.Sequence != 1 {
		t.Fatalf("b1=%+v", b1)
	}
	if g.Rows != 5 { // b2 is pushed to row 4 by the tie-break
		t.Fatalf("rows=%d want 5", g.Rows)
	}
	want := []Edge{{From: "a1", To: "b1", FromColumn: 1, FromRow: 2, ToColumn: 0, ToRow: 3}}
	if diff := cmp.Diff(want, g.Edges); diff != "" {
		t.Fatalf("edges (-want +got):\n%s", diff)
	}
}

func TestBuildAppendsNodesMissingFromOrder(t *testing.T) {
	g := Build(annotated(t), []checkpoint.NodeID{"B", "ghost"}, nil, rollback.State{})
	if len(g.Columns) != 2 || g.Columns[0].Node != "B" || g.Columns[1].Node != "A" || g.Columns[1].Rank != nil {
		t.Fatalf("columns=%+v", g.Columns)
	}
}

func TestMarksWithoutProposal(t *testing.T) {
	g := Build(annotated(t), nil, nil, rollback.State{})
	want := map[checkpoint.EventID]Mark{
		"a0": MarkPlain, "a1": MarkRestorable, "a2": MarkCurrent,
		"b0": MarkPlain, "b1": MarkRestorable, "b2": MarkRestorable,
	}
	if diff := cmp.Diff(want, marks(g)); diff != "" {
		t.Fatalf("marks (-want +got):\n%s", diff)
	}
	for _, v := range g.Vertices {
		wantSel := v.ID == "a1" || v.ID == "b1" || v.ID == "b2"
		if v.Selectable != wantSel {
			t.Fatalf("%s selectable=%v", v.ID, v.Selectable)
		}
	}
}

func TestMarksDuringProposal(t *testing.T) {
	st := rollback.State{Phase: rollback.AwaitingCommitDecision, OriginalCheckpoint: "a1", PendingNodes: []checkpoint.EventID{"a2", "b1"}}
	g := Build(annotated(t), nil, nil, st)
	want := map[checkpoint.EventID]Mark{
		"a0": MarkPlain, "a1": MarkOrigin, "a2": MarkPending,
		"b0": MarkPlain, "b1": MarkPending, "b2": MarkPlain,
	}
	if diff := cmp.Diff(want, marks(g)); diff != "" {
		t.Fatalf("marks (-want +got):\n%s", diff)
	}
	for _, v := range g.Vertices {
		if v.Selectable {
			t.Fatalf("%s selectable during a proposal", v.ID)
		}
	}
	if g.Rollback.OriginalCheckpoint != "a1" {
		t.Fatalf("rollback state not carried: %s", g.Rollback)
	}
}

func TestRemarkKeepsLayout(t *testing.T) {
	g := Build(annotated(t), nil, nil, rollback.State{})
	r := Remark(g, rollback.State{Phase: rollback.ProposalPending, OriginalCheckpoint: "b1"})
	if diff := cmp.Diff(g.Edges, r.Edges); diff != "" {
		t.Fatalf("edges changed (-want +got):\n%s", diff)
	}
	if v, _ := r.Vertex("b1"); v.Mark != MarkOrigin {
		t.Fatalf("b1 mark=%s", v.Mark)
	}
	if v, _ := g.Vertex("b1"); v.Mark != MarkRestorable {
		t.Fatal("Remark mutated its input")
	}
}

func TestBuildEmpty(t *testing.T) {
	g := Build(checkpoint.NewLog(), nil, nil, rollback.State{})
	if len(g.Columns) != 0 || len(g.Vertices) != 0 || g.Edges == nil || g.Rows != 0 {
		t.Fatalf("unexpected graph %+v", g)
	}
}
