package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/internal/event"
)

// MemoryStore is an in-memory Store and AttemptLog with the same transition
// rules as the Postgres implementation. Used by tests and by components that
// run without a database.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	events   map[string]event.CanonicalEvent // by event ID
	byDedupe map[string]string               // tenant|dedupe -> event ID
	attempts []Attempt
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*Job),
		events:   make(map[string]event.CanonicalEvent),
		byDedupe: make(map[string]string),
		now:      time.Now,
	}
}

// SetClock overrides the store's clock. Test helper.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) UpsertEvent(_ context.Context, ev event.CanonicalEvent) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ev.TenantID + "|" + ev.DedupeKey
	if id, ok := s.byDedupe[key]; ok {
		return id, false, nil
	}
	s.events[ev.ID] = ev
	s.byDedupe[key] = ev.ID
	return ev.ID, true, nil
}

func (s *MemoryStore) Enqueue(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.DedupeKey == job.DedupeKey && j.RuleID == job.RuleID && !j.Status.Terminal() {
			return ErrDuplicate
		}
	}
	now := s.now()
	job.Status = StatusPending
	job.Tier = TierImmediate
	job.AttemptCount = 0
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	if ev, ok := s.events[job.EventID]; ok {
		job.Event = ev
	}
	s.jobs[job.ID] = &job
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, workerID string, limit int, visibility time.Duration) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var eligible []*Job
	for _, j := range s.jobs {
		if j.Status == StatusPending && j.Tier == TierImmediate && !j.ScheduledFor.After(now) {
			eligible = append(eligible, j)
		}
	}
	sort.Slice(eligible, func(a, b int) bool {
		if eligible[a].Priority != eligible[b].Priority {
			return eligible[a].Priority > eligible[b].Priority
		}
		if !eligible[a].CreatedAt.Equal(eligible[b].CreatedAt) {
			return eligible[a].CreatedAt.Before(eligible[b].CreatedAt)
		}
		return strings.Compare(eligible[a].ID, eligible[b].ID) < 0
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]Job, 0, len(eligible))
	for _, j := range eligible {
		j.Status = StatusInFlight
		j.ClaimedBy = workerID
		j.ClaimExpiresAt = now.Add(visibility)
		j.UpdatedAt = now
		if ev, ok := s.events[j.EventID]; ok {
			j.Event = ev
		}
		out = append(out, *j)
	}
	return out, nil
}

func (s *MemoryStore) ExtendClaim(_ context.Context, jobID, workerID string, visibility time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != StatusInFlight || j.ClaimedBy != workerID {
		return ErrInvalidTransition
	}
	j.ClaimExpiresAt = s.now().Add(visibility)
	j.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Ack(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != StatusInFlight {
		return ErrInvalidTransition
	}
	j.Status = StatusSucceeded
	j.AttemptCount++
	j.ClaimedBy = ""
	j.ClaimExpiresAt = time.Time{}
	j.LastError = ""
	j.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ScheduleRetry(_ context.Context, jobID string, at time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != StatusInFlight {
		return ErrInvalidTransition
	}
	j.Status = StatusFailedRetryable
	j.Tier = TierDelayed
	j.AttemptCount++
	j.ScheduledFor = at
	j.ClaimedBy = ""
	j.ClaimExpiresAt = time.Time{}
	j.LastError = lastErr
	j.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Defer(_ context.Context, jobID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != StatusInFlight {
		return ErrInvalidTransition
	}
	j.Status = StatusFailedRetryable
	j.Tier = TierDelayed
	j.ScheduledFor = at
	j.ClaimedBy = ""
	j.ClaimExpiresAt = time.Time{}
	j.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) MoveToDeadLetter(_ context.Context, jobID string, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != StatusInFlight {
		return ErrInvalidTransition
	}
	j.Status = StatusFailedTerminal
	j.Tier = TierDeadLetter
	j.AttemptCount++
	j.ClaimedBy = ""
	j.ClaimExpiresAt = time.Time{}
	j.LastError = lastErr
	j.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) PromoteDue(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == StatusFailedRetryable && !j.ScheduledFor.After(now) {
			j.Status = StatusPending
			j.Tier = TierImmediate
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ReleaseExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == StatusInFlight && j.ClaimExpiresAt.Before(now) {
			j.Status = StatusPending
			j.Tier = TierImmediate
			j.ClaimedBy = ""
			j.ClaimExpiresAt = time.Time{}
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SetRenderedPayload(_ context.Context, jobID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	j.RenderedPayload = payload
	j.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	out := *j
	if ev, ok := s.events[j.EventID]; ok {
		out.Event = ev
	}
	return out, nil
}

func (s *MemoryStore) ListDeadLetter(_ context.Context, channelID string, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []Job
	for _, j := range s.jobs {
		if j.Status != StatusFailedTerminal {
			continue
		}
		if channelID != "" && j.ChannelID != channelID {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.After(out[b].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RetryJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusFailedTerminal {
		return ErrNotTerminal
	}
	s.revive(j)
	return nil
}

func (s *MemoryStore) revive(j *Job) {
	now := s.now()
	j.Status = StatusPending
	j.Tier = TierImmediate
	j.AttemptCount = 0
	j.ScheduledFor = now
	j.LastError = ""
	j.UpdatedAt = now
}

func (s *MemoryStore) RetryByFilter(_ context.Context, f RetryFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, j := range s.jobs {
		if j.Status != StatusFailedTerminal {
			continue
		}
		if f.OlderThan > 0 && j.UpdatedAt.After(now.Add(-f.OlderThan)) {
			continue
		}
		if f.TenantID != "" && j.TenantID != f.TenantID {
			continue
		}
		if f.ChannelID != "" && j.ChannelID != f.ChannelID {
			continue
		}
		s.revive(j)
		n++
	}
	return n, nil
}

func (s *MemoryStore) Depths(_ context.Context) (map[Tier]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[Tier]int{TierImmediate: 0, TierDelayed: 0, TierDeadLetter: 0}
	for _, j := range s.jobs {
		if j.Status == StatusSucceeded {
			continue
		}
		out[j.Tier]++
	}
	return out, nil
}

func (s *MemoryStore) OldestPendingAge(_ context.Context, now time.Time) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest time.Time
	for _, j := range s.jobs {
		if j.Status == StatusPending && j.Tier == TierImmediate {
			if oldest.IsZero() || j.CreatedAt.Before(oldest) {
				oldest = j.CreatedAt
			}
		}
	}
	if oldest.IsZero() {
		return 0, nil
	}
	return now.Sub(oldest), nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

// Attempts returns a copy of every recorded attempt. Test helper.
func (s *MemoryStore) Attempts() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attempt, len(s.attempts))
	copy(out, s.attempts)
	return out
}

func (s *MemoryStore) AttemptsForJob(_ context.Context, jobID string) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Attempt
	for _, a := range s.attempts {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].AttemptNo < out[b].AttemptNo })
	return out, nil
}

func (s *MemoryStore) SuccessRatio(_ context.Context, since time.Time) (float64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	succeeded, total := 0, 0
	for _, a := range s.attempts {
		if a.Timestamp.Before(since) || a.Outcome == OutcomeCircuitOpen {
			continue
		}
		total++
		if a.Outcome == OutcomeSucceeded {
			succeeded++
		}
	}
	if total == 0 {
		return 1.0, 0, nil
	}
	return float64(succeeded) / float64(total), total, nil
}
