package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wilhg/ckptviz/pkg/graph"
	"github.com/wilhg/ckptviz/pkg/rollback"
	"github.com/wilhg/ckptviz/pkg/session"
)

var frames = []string{
	`{"Type":"checkpointUpdate","Value":{"0":[{"Id":"b0","NodeRank":0},{"Id":"b1","CanBeRestored":true,"MatchingEventId":"a1"}],"1":[{"Id":"a0","NodeRank":1},{"Id":"a1","IsSend":true,"CanBeRestored":true,"MatchingEventId":"b1"}]}}`,
	`{"Type":"criuCheckpoint","Value":{"0":[{"Id":"b0","NodeRank":0}],"1":[{"Id":"a0","NodeRank":1},{"Id":"a1","IsSend":true,"CanBeRestored":true,"MatchingEventId":"b1"},{"Id":"a2","CurrentLocation":true}]}}`,
}

func capture() Capture {
	c := Capture{SessionID: "r1"}
	for _, f := range frames {
		c.Messages = append(c.Messages, json.RawMessage(f))
	}
	return c
}

func TestRunReplaysToFinalGraph(t *testing.T) {
	g, err := Run(context.Background(), capture())
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Vertices) != 4 || len(g.Edges) != 0 {
		t.Fatalf("final graph vertices=%d edges=%d", len(g.Vertices), len(g.Edges))
	}
	if v, ok := g.Vertex("a2"); !ok || v.Mark != graph.MarkCurrent {
		t.Fatalf("a2=%+v", v)
	}
	if !g.Rollback.Equal(rollback.State{}) {
		t.Fatalf("rollback=%s", g.Rollback)
	}
}

func TestRecorderRoundTrip(t *testing.T) {
	ctx := context.Background()
	live := session.New(rollback.Discard)
	rec := NewRecorder("r1", live)
	rec.Dispatch(ctx, []byte("not json"))
	for _, f := range frames {
		rec.Dispatch(ctx, []byte(f))
	}
	if n := len(rec.Capture().Messages); n != len(frames) {
		t.Fatalf("recorded=%d want %d", n, len(frames))
	}

	var buf bytes.Buffer
	if _, err := rec.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.SessionID != "r1" {
		t.Fatalf("session=%s", loaded.SessionID)
	}
	g, err := Run(ctx, loaded)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(live.View(ctx), g); diff != "" {
		t.Fatalf("replayed graph differs from live (-live +replay):\n%s", diff)
	}
}

func TestRunHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, capture()); err != context.Canceled {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	if _, err := Load(strings.NewReader("{")); err == nil {
		t.Fatal("expected error")
	}
}
