// Package store defines persistence for archived checkpoint logs.
// Implementations must provide identical semantics across backends so a
// session restored from any of them presents the same snapshot list.
package store

import (
	"context"
	"time"

	"github.com/wilhg/ckptviz/pkg/checkpoint"
	"github.com/wilhg/ckptviz/pkg/errmodel"
)

// ErrNotFound is returned when a snapshot does not exist.
var ErrNotFound = errmodel.Validation("not_found", "snapshot not found", nil)

// SnapshotRecord is a checkpoint log archived when a CRIU image was taken.
// Seq is 1-based and increases per session in archive order.
type SnapshotRecord struct {
	SnapshotID string
	SessionID  string
	Seq        int64
	Log        checkpoint.Log
	CreatedAt  time.Time
}

// ArchiveStore persists archived logs per session.
type ArchiveStore interface {
	// SaveSnapshot assigns the next Seq of the session, and SnapshotID and
	// CreatedAt when unset, then stores the record.
	SaveSnapshot(ctx context.Context, s SnapshotRecord) (SnapshotRecord, error)
	// ListSnapshots returns the session's snapshots in ascending Seq.
	ListSnapshots(ctx context.Context, sessionID string) ([]SnapshotRecord, error)
	// LoadSnapshot returns one snapshot or ErrNotFound.
	LoadSnapshot(ctx context.Context, sessionID string, seq int64) (SnapshotRecord, error)
}
