// Package memstore is an in-memory store.ArchiveStore. It is the default when
// no DATABASE_URL is configured; archives live as long as the process.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wilhg/ckptviz/pkg/store"
)

type Store struct {
	mu       sync.RWMutex
	sessions map[string][]store.SnapshotRecord
}

func New() *Store {
	return &Store{sessions: make(map[string][]store.SnapshotRecord)}
}

func (s *Store) SaveSnapshot(ctx context.Context, rec store.SnapshotRecord) (store.SnapshotRecord, error) {
	if err := ctx.Err(); err != nil {
		return store.SnapshotRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.sessions[rec.SessionID]
	rec.Seq = int64(len(list)) + 1
	if rec.SnapshotID == "" {
		rec.SnapshotID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.sessions[rec.SessionID] = append(list, rec)
	return rec, nil
}

func (s *Store) ListSnapshots(ctx context.Context, sessionID string) ([]store.SnapshotRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.sessions[sessionID]
	out := make([]store.SnapshotRecord, len(list))
	copy(out, list)
	return out, nil
}

func (s *Store) LoadSnapshot(ctx context.Context, sessionID string, seq int64) (store.SnapshotRecord, error) {
	if err := ctx.Err(); err != nil {
		return store.SnapshotRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.sessions[sessionID]
	if seq < 1 || seq > int64(len(list)) {
		return store.SnapshotRecord{}, store.ErrNotFound
	}
	return list[seq-1], nil
}
