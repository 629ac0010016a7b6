// Package storetest holds the behaviour every store.ArchiveStore must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wilhg/ckptviz/pkg/checkpoint"
	"github.com/wilhg/ckptviz/pkg/store"
)

func rank(n int) *int { return &n }

// SampleLog returns a small two node log whose node order is not sorted.
func SampleLog(tag string) checkpoint.Log {
	match := checkpoint.EventID(tag + "-b1")
	back := checkpoint.EventID(tag + "-a1")
	return checkpoint.NewLog(
		checkpoint.NodeLog{Node: "7", Events: []checkpoint.Event{
			{ID: checkpoint.EventID(tag + "-a0"), OpName: "MPI_Init", NodeRank: rank(1)},
			{ID: back, OpName: "MPI_Send", IsSend: true, CanBeRestored: true, MatchingEventID: &match},
		}},
		checkpoint.NodeLog{Node: "3", Events: []checkpoint.Event{
			{ID: checkpoint.EventID(tag + "-b0"), OpName: "MPI_Init", NodeRank: rank(0)},
			{ID: match, OpName: "MPI_Recv", CanBeRestored: true, CurrentLocation: true, MatchingEventID: &back},
		}},
	)
}

// Run exercises a fresh store returned by open.
func Run(t *testing.T, open func(t *testing.T) store.ArchiveStore) {
	t.Run("SequencePerSession", func(t *testing.T) {
		ctx := context.Background()
		st := open(t)
		for i, want := range []int64{1, 2, 3} {
			rec, err := st.SaveSnapshot(ctx, store.SnapshotRecord{SessionID: "s1", Log: SampleLog(string(rune('a' + i)))})
			if err != nil {
				t.Fatal(err)
			}
			if rec.Seq != want {
				t.Fatalf("seq=%d want %d", rec.Seq, want)
			}
			if rec.SnapshotID == "" || rec.CreatedAt.IsZero() {
				t.Fatalf("defaults not assigned: %+v", rec)
			}
		}
		other, err := st.SaveSnapshot(ctx, store.SnapshotRecord{SessionID: "s2", SnapshotID: "fixed", Log: SampleLog("z")})
		if err != nil {
			t.Fatal(err)
		}
		if other.Seq != 1 || other.SnapshotID != "fixed" {
			t.Fatalf("unexpected %+v", other)
		}
	})

	t.Run("ListAndLoadRoundTrip", func(t *testing.T) {
		ctx := context.Background()
		st := open(t)
		at := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
		for _, tag := range []string{"first", "second"} {
			if _, err := st.SaveSnapshot(ctx, store.SnapshotRecord{SessionID: "s", Log: SampleLog(tag), CreatedAt: at}); err != nil {
				t.Fatal(err)
			}
		}
		list, err := st.ListSnapshots(ctx, "s")
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 2 || list[0].Seq != 1 || list[1].Seq != 2 {
			t.Fatalf("unexpected list %+v", list)
		}
		if diff := cmp.Diff(SampleLog("second").NodeLogs(), list[1].Log.NodeLogs()); diff != "" {
			t.Fatalf("log changed (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]checkpoint.NodeID{"7", "3"}, list[0].Log.Nodes()); diff != "" {
			t.Fatalf("node order changed (-want +got):\n%s", diff)
		}
		if !list[0].CreatedAt.Equal(at) {
			t.Fatalf("created_at=%s want %s", list[0].CreatedAt, at)
		}

		got, err := st.LoadSnapshot(ctx, "s", 1)
		if err != nil {
			t.Fatal(err)
		}
		if got.SnapshotID != list[0].SnapshotID {
			t.Fatalf("id=%s want %s", got.SnapshotID, list[0].SnapshotID)
		}
		if diff := cmp.Diff(SampleLog("first").NodeLogs(), got.Log.NodeLogs()); diff != "" {
			t.Fatalf("log changed (-want +got):\n%s", diff)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		ctx := context.Background()
		st := open(t)
		if _, err := st.LoadSnapshot(ctx, "nobody", 1); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("err=%v want ErrNotFound", err)
		}
		if _, err := st.SaveSnapshot(ctx, store.SnapshotRecord{SessionID: "s", Log: SampleLog("x")}); err != nil {
			t.Fatal(err)
		}
		if _, err := st.LoadSnapshot(ctx, "s", 2); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("err=%v want ErrNotFound", err)
		}
		list, err := st.ListSnapshots(ctx, "nobody")
		if err != nil || len(list) != 0 {
			t.Fatalf("list=%v err=%v", list, err)
		}
	})

	t.Run("EmptyLog", func(t *testing.T) {
		ctx := context.Background()
		st := open(t)
		if _, err := st.SaveSnapshot(ctx, store.SnapshotRecord{SessionID: "e", Log: checkpoint.NewLog()}); err != nil {
			t.Fatal(err)
		}
		got, err := st.LoadSnapshot(ctx, "e", 1)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Log.IsEmpty() {
			t.Fatalf("expected empty log, got %d events", got.Log.Len())
		}
	})
}
