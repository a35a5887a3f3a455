package rule

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process setups.
type MemoryStore struct {
	mu       sync.RWMutex
	rules    map[string]Rule
	channels map[string]Channel
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:    make(map[string]Rule),
		channels: make(map[string]Channel),
	}
}

func (s *MemoryStore) PutRule(r Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
}

func (s *MemoryStore) PutChannel(c Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[c.ID] = c
}

func (s *MemoryStore) RulesFor(_ context.Context, tenantID, eventType string) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Rule
	for _, r := range s.rules {
		if r.Enabled && r.TenantID == tenantID && r.EventType == eventType {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (s *MemoryStore) GetChannel(_ context.Context, channelID string) (Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[channelID]
	if !ok {
		return Channel{}, ErrChannelNotFound
	}
	return c, nil
}

func (s *MemoryStore) OrphanedRules(_ context.Context) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Rule
	for _, r := range s.rules {
		if !r.Enabled {
			continue
		}
		c, ok := s.channels[r.TargetChannelID]
		if !ok || !c.Active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (s *MemoryStore) TenantsWithoutChannels(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	active := make(map[string]bool)
	for _, c := range s.channels {
		if c.Active {
			active[c.TenantID] = true
		}
	}
	seen := make(map[string]bool)
	var out []string
	for _, r := range s.rules {
		if r.Enabled && !active[r.TenantID] && !seen[r.TenantID] {
			seen[r.TenantID] = true
			out = append(out, r.TenantID)
		}
	}
	sort.Strings(out)
	return out, nil
}
