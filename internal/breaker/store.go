package breaker

import (
	"context"
	"sync"
	"time"
)

// StateStore persists circuit state per channel. Update applies fn
// atomically with respect to concurrent updaters of the same channel.
type StateStore interface {
	Get(ctx context.Context, channelID string) (ChannelState, bool, error)
	Update(ctx context.Context, channelID string, fn func(ChannelState) ChannelState) error

	// List returns all channels with recorded state.
	List(ctx context.Context) (map[string]ChannelState, error)

	// DeleteStale removes records not touched since the cutoff. Run by the
	// health monitor so channels that stopped receiving traffic do not pin
	// circuit state forever.
	DeleteStale(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore keeps circuit state in process. Single-process deployments
// and tests; multi-worker deployments want the Redis store.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]ChannelState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]ChannelState)}
}

func (s *MemoryStore) Get(_ context.Context, channelID string) (ChannelState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.states[channelID]
	return cs, ok, nil
}

func (s *MemoryStore) Update(_ context.Context, channelID string, fn func(ChannelState) ChannelState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[channelID] = fn(s.states[channelID])
	return nil
}

func (s *MemoryStore) List(_ context.Context) (map[string]ChannelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ChannelState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) DeleteStale(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, v := range s.states {
		if v.UpdatedAt.Before(cutoff) {
			delete(s.states, k)
			n++
		}
	}
	return n, nil
}
