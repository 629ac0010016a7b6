package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wilhg/ckptviz/pkg/checkpoint"
	"github.com/wilhg/ckptviz/pkg/graph"
	"github.com/wilhg/ckptviz/pkg/protocol"
	"github.com/wilhg/ckptviz/pkg/rollback"
	"github.com/wilhg/ckptviz/pkg/store/memstore"
)

type recorder struct {
	mu   sync.Mutex
	sent []protocol.Outbound
}

func (r *recorder) Send(_ context.Context, msg protocol.Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recorder) frames() []protocol.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Outbound(nil), r.sent...)
}

const logA = `{
  "1":[{"Id":"a0","OpName":"MPI_Init","NodeRank":1},
       {"Id":"a1","OpName":"MPI_Send","IsSend":true,"CanBeRestored":true,"MatchingEventId":"b1"},
       {"Id":"a2","OpName":"MPI_Barrier","CanBeRestored":true,"CurrentLocation":true}],
  "0":[{"Id":"b0","OpName":"MPI_Init","NodeRank":0},
       {"Id":"b1","OpName":"MPI_Recv","CanBeRestored":true,"MatchingEventId":"a1","CurrentLocation":true}]
}`

const logB = `{"1":[{"Id":"x0","OpName":"MPI_Init","NodeRank":5}],"0":[{"Id":"y0","OpName":"MPI_Init","NodeRank":9}]}`

func frame(kind, value string) []byte {
	return []byte(`{"Type":"` + kind + `","Value":` + value + `}`)
}

func newController(t *testing.T) (*Controller, *recorder) {
	t.Helper()
	rec := &recorder{}
	return New(rec, WithArchive(memstore.New())), rec
}

func TestCheckpointUpdateBuildsView(t *testing.T) {
	c, _ := newController(t)
	ctx := context.Background()
	c.Dispatch(ctx, frame("checkpointUpdate", logA))

	g := c.View(ctx)
	if len(g.Columns) != 2 || g.Columns[0].Node != "0" || g.Columns[1].Node != "1" {
		t.Fatalf("columns not in rank order: %+v", g.Columns)
	}
	b1, ok := g.Vertex("b1")
	if !ok || b1.Row != 3 {
		t.Fatalf("b1=%+v", b1)
	}
	if len(g.Edges) != 1 || g.Edges[0].From != "a1" {
		t.Fatalf("edges=%+v", g.Edges)
	}
	if c.LastCausal().Passes == 0 || !c.LastCausal().Converged {
		t.Fatalf("causal=%+v", c.LastCausal())
	}
}

func TestRankOrderFrozenAcrossUpdates(t *testing.T) {
	c, _ := newController(t)
	ctx := context.Background()
	c.Dispatch(ctx, frame("checkpointUpdate", logA))
	c.Dispatch(ctx, frame("checkpointUpdate", `{"1":[{"Id":"a0","NodeRank":0}],"0":[{"Id":"b0","NodeRank":1}]}`))
	g := c.View(ctx)
	if g.Columns[0].Node != "0" {
		t.Fatalf("rank order changed: %+v", g.Columns)
	}
}

func TestMalformedFramesAreDiscarded(t *testing.T) {
	c, _ := newController(t)
	ctx := context.Background()
	c.Dispatch(ctx, frame("checkpointUpdate", logA))
	before := c.View(ctx)
	for _, f := range [][]byte{
		[]byte(`garbage`),
		frame("checkpointUpdate", `[1,2]`),
		frame("debuggerExploded", `{}`),
	} {
		c.Dispatch(ctx, f)
	}
	if diff := cmp.Diff(before, c.View(ctx)); diff != "" {
		t.Fatalf("malformed frame changed the view (-want +got):\n%s", diff)
	}
}

func TestRollbackFlowThroughDispatch(t *testing.T) {
	c, rec := newController(t)
	ctx := context.Background()
	c.Dispatch(ctx, frame("checkpointUpdate", logA))

	if _, err := c.SubmitRollback(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	if c.Rollback().Phase != rollback.ProposalPending {
		t.Fatalf("phase=%s", c.Rollback().Phase)
	}
	if v, _ := c.View(ctx).Vertex("a1"); v.Mark != graph.MarkOrigin {
		t.Fatalf("a1 mark=%s", v.Mark)
	}

	c.Dispatch(ctx, frame("rollbackConfirm", `{"0":{"Id":"b1"},"1":{"Id":"a1"}}`))
	st := c.Rollback()
	if st.Phase != rollback.AwaitingCommitDecision || !st.IsPending("b1") {
		t.Fatalf("state=%s", st)
	}
	if v, _ := c.View(ctx).Vertex("b1"); v.Mark != graph.MarkPending {
		t.Fatalf("b1 mark=%s", v.Mark)
	}

	if _, err := c.CommitRollback(ctx); err != nil {
		t.Fatal(err)
	}
	c.Dispatch(ctx, frame("rollbackResult", logB))
	if !c.Rollback().Equal(rollback.State{}) {
		t.Fatalf("state after result=%s", c.Rollback())
	}
	if _, ok := c.Current().Find("x0"); !ok {
		t.Fatal("rollback result did not replace the log")
	}
	want := []protocol.Outbound{protocol.Submit("a1"), protocol.Commit(true)}
	if diff := cmp.Diff(want, rec.frames()); diff != "" {
		t.Fatalf("frames (-want +got):\n%s", diff)
	}
}

func TestRejectedProposalReturnsToIdle(t *testing.T) {
	c, _ := newController(t)
	ctx := context.Background()
	c.Dispatch(ctx, frame("checkpointUpdate", logA))
	_, _ = c.SubmitRollback(ctx, "a1")
	c.Dispatch(ctx, frame("rollbackConfirm", `null`))
	if !c.Rollback().Equal(rollback.State{}) {
		t.Fatalf("state=%s", c.Rollback())
	}
	if v, _ := c.View(ctx).Vertex("a1"); !v.Selectable {
		t.Fatal("a1 should be selectable again")
	}
}

func TestStaleConfirmIgnored(t *testing.T) {
	c, _ := newController(t)
	ctx := context.Background()
	c.Dispatch(ctx, frame("rollbackConfirm", `["a1"]`))
	if !c.Rollback().Equal(rollback.State{}) {
		t.Fatalf("state=%s", c.Rollback())
	}
}

func TestSubmitGuards(t *testing.T) {
	c, rec := newController(t)
	ctx := context.Background()
	c.Dispatch(ctx, frame("checkpointUpdate", logA))
	cases := []struct {
		id   checkpoint.EventID
		want error
	}{
		{"nope", ErrUnknownEvent},
		{"a0", ErrNotRestorable},
		{"a2", ErrCurrentLocation},
	}
	for _, tc := range cases {
		if _, err := c.SubmitRollback(ctx, tc.id); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err=%v want %v", tc.id, err, tc.want)
		}
	}
	if _, err := c.SubmitRollback(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SubmitRollback(ctx, "a1"); !errors.Is(err, rollback.ErrBusy) {
		t.Fatalf("err=%v want ErrBusy", err)
	}
	if _, err := c.CancelRollback(ctx); !errors.Is(err, rollback.ErrNoProposal) {
		t.Fatalf("err=%v want ErrNoProposal", err)
	}
	if n := len(rec.frames()); n != 1 {
		t.Fatalf("frames=%d want 1", n)
	}
}

func TestCriuCheckpointArchivesPriorLog(t *testing.T) {
	c, _ := newController(t)
	ctx := context.Background()

	// Nothing to archive yet.
	c.Dispatch(ctx, frame("criuCheckpoint", logA))
	if n := len(c.Snapshots()); n != 1 {
		t.Fatalf("snapshots=%d want 1", n)
	}

	c.Dispatch(ctx, frame("criuCheckpoint", logB))
	snaps := c.Snapshots()
	if len(snaps) != 2 || snaps[1].Label != "Checkpoint 1" || snaps[1].Events != 5 || snaps[1].Seq != 1 {
		t.Fatalf("snapshots=%+v", snaps)
	}
	if !snaps[0].Selected || snaps[0].Events != 2 {
		t.Fatalf("current entry=%+v", snaps[0])
	}

	if err := c.Select(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.View(ctx).Vertex("a1"); !ok {
		t.Fatal("selected snapshot not presented")
	}
	if err := c.Select(ctx, 2); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("err=%v want ErrNoSnapshot", err)
	}

	// Any log update brings the current log back.
	c.Dispatch(ctx, frame("checkpointUpdate", logB))
	if c.Selected() != 0 {
		t.Fatalf("selected=%d want 0", c.Selected())
	}
	if _, ok := c.View(ctx).Vertex("x0"); !ok {
		t.Fatal("current log not presented")
	}
}

func TestCriuRestoreClearsLog(t *testing.T) {
	c, _ := newController(t)
	ctx := context.Background()
	c.Dispatch(ctx, frame("checkpointUpdate", logA))
	c.Dispatch(ctx, []byte(`{"Type":"criuRestore","Value":null}`))
	if !c.Current().IsEmpty() || len(c.View(ctx).Vertices) != 0 {
		t.Fatal("restore should clear the log")
	}
}

func TestResumeLoadsArchive(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	first := New(nil, WithArchive(st), WithSessionID("s-1"))
	first.Dispatch(ctx, frame("checkpointUpdate", logA))
	first.Dispatch(ctx, frame("criuCheckpoint", logB))

	second := New(nil, WithArchive(st), WithSessionID("s-1"))
	if err := second.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	snaps := second.Snapshots()
	if len(snaps) != 2 || snaps[1].SnapshotID == "" {
		t.Fatalf("snapshots=%+v", snaps)
	}
	if second.ID() != "s-1" {
		t.Fatalf("id=%s", second.ID())
	}
}

func TestViewIsCached(t *testing.T) {
	c, _ := newController(t)
	ctx := context.Background()
	c.Dispatch(ctx, frame("checkpointUpdate", logA))
	g1 := c.View(ctx)
	g2 := c.View(ctx)
	if &g1.Vertices[0] != &g2.Vertices[0] {
		t.Fatal("unchanged inputs should return the cached view")
	}
	if _, err := c.SubmitRollback(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	g3 := c.View(ctx)
	if &g3.Vertices[0] == &g2.Vertices[0] || &g3.Edges[0] != &g2.Edges[0] {
		t.Fatal("a rollback transition should remark without relayout")
	}
}

func TestInProcessOrchestratorRepliesDuringSend(t *testing.T) {
	ctx := context.Background()
	var c *Controller
	c = New(rollback.SenderFunc(func(ctx context.Context, msg protocol.Outbound) error {
		if msg.Kind == protocol.KindRollbackSubmit {
			c.Dispatch(ctx, frame("rollbackConfirm", `null`))
		}
		return nil
	}))
	c.Dispatch(ctx, frame("checkpointUpdate", logA))

	done := make(chan error, 1)
	go func() {
		_, err := c.SubmitRollback(ctx, "a1")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SubmitRollback blocked on the synchronous rejection")
	}
	if !c.Rollback().Equal(rollback.State{}) {
		t.Fatalf("state=%s want idle after rejection", c.Rollback())
	}
}
