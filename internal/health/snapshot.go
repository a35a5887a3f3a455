package health

import (
	"context"
	"sync"
	"time"
)

// Issue is one failing observation from a monitor pass.
type Issue struct {
	Component string   `json:"component"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
}

// Snapshot is one scored monitor pass, persisted for trend queries.
type Snapshot struct {
	Component string    `json:"component"`
	Score     int       `json:"score"`
	Issues    []Issue   `json:"issues"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotStore persists monitor passes.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s Snapshot) error
	Latest(ctx context.Context, component string) (Snapshot, bool, error)
	// History returns up to limit snapshots for a component, newest first.
	History(ctx context.Context, component string, limit int) ([]Snapshot, error)
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

type MemorySnapshotStore struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{}
}

func (s *MemorySnapshotStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *MemorySnapshotStore) Latest(_ context.Context, component string) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		if s.snapshots[i].Component == component {
			return s.snapshots[i], true, nil
		}
	}
	return Snapshot{}, false, nil
}

func (s *MemorySnapshotStore) History(_ context.Context, component string, limit int) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Snapshot
	for i := len(s.snapshots) - 1; i >= 0 && len(out) < limit; i-- {
		if s.snapshots[i].Component == component {
			out = append(out, s.snapshots[i])
		}
	}
	return out, nil
}

func (s *MemorySnapshotStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.snapshots[:0]
	n := 0
	for _, snap := range s.snapshots {
		if snap.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, snap)
	}
	s.snapshots = kept
	return n, nil
}
