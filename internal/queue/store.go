package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicate means a non-terminal job already exists for the same
	// (dedupe_key, rule_id) pair; duplicate ingestion must not fan out again.
	ErrDuplicate = errors.New("duplicate job for dedupe key and rule")

	// ErrNotFound means the job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrNotTerminal means a manual retry targeted a job that is not in the
	// dead-letter tier.
	ErrNotTerminal = errors.New("job is not failed_terminal")

	// ErrInvalidTransition means a state change was requested that the job's
	// current status does not allow.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// RetryFilter selects failed_terminal jobs for bulk manual recovery.
type RetryFilter struct {
	OlderThan time.Duration // only jobs dead-lettered longer ago than this
	TenantID  string        // optional
	ChannelID string        // optional
}

// Store is the durable, tiered delivery queue. Claims are exclusive and
// enforced by the store itself (visibility timeout), never by in-process
// locking: workers may be separate processes.
type Store interface {
	// Enqueue persists a fresh pending job in tier 0. Returns ErrDuplicate
	// when a non-terminal job for the same (dedupe_key, rule_id) exists.
	Enqueue(ctx context.Context, job Job) error

	// Claim atomically moves up to limit eligible tier-0 pending jobs to
	// in_flight, invisible to other claimers until the visibility deadline.
	Claim(ctx context.Context, workerID string, limit int, visibility time.Duration) ([]Job, error)

	// ExtendClaim pushes out the visibility deadline of a held claim.
	ExtendClaim(ctx context.Context, jobID, workerID string, visibility time.Duration) error

	// Ack marks an in_flight job succeeded and counts the attempt.
	Ack(ctx context.Context, jobID string) error

	// ScheduleRetry moves an in_flight job to failed_retryable in tier 1,
	// increments its attempt count, and schedules it for the given time.
	ScheduleRetry(ctx context.Context, jobID string, at time.Time, lastErr string) error

	// Defer moves an in_flight job to failed_retryable in tier 1 without
	// counting an attempt. Used when delivery was shed before any network
	// call, e.g. by an open circuit.
	Defer(ctx context.Context, jobID string, at time.Time) error

	// MoveToDeadLetter moves an in_flight job to failed_terminal in tier 2
	// and increments its attempt count.
	MoveToDeadLetter(ctx context.Context, jobID string, lastErr string) error

	// PromoteDue returns due tier-1 jobs to pending in tier 0.
	PromoteDue(ctx context.Context, now time.Time) (int, error)

	// ReleaseExpired returns in_flight jobs whose claim lapsed to pending in
	// tier 0. Each expired claim is released exactly once.
	ReleaseExpired(ctx context.Context, now time.Time) (int, error)

	// SetRenderedPayload persists the rendered payload so retries and
	// fallback reuse the exact bytes.
	SetRenderedPayload(ctx context.Context, jobID string, payload []byte) error

	// Get returns a job by ID.
	Get(ctx context.Context, jobID string) (Job, error)

	// ListDeadLetter returns tier-2 jobs, newest first, optionally filtered
	// by channel.
	ListDeadLetter(ctx context.Context, channelID string, limit int) ([]Job, error)

	// RetryJob revives one failed_terminal job: attempts reset, pending,
	// tier 0. The only path out of the dead-letter tier.
	RetryJob(ctx context.Context, jobID string) error

	// RetryByFilter revives all matching failed_terminal jobs and reports
	// how many.
	RetryByFilter(ctx context.Context, f RetryFilter) (int, error)

	// Depths reports the number of live jobs per tier.
	Depths(ctx context.Context) (map[Tier]int, error)

	// OldestPendingAge reports how long the oldest tier-0 pending job has
	// been waiting; zero when the queue is empty.
	OldestPendingAge(ctx context.Context, now time.Time) (time.Duration, error)
}

// AttemptLog is the append-only dispatch attempt record.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, a Attempt) error
	AttemptsForJob(ctx context.Context, jobID string) ([]Attempt, error)

	// SuccessRatio returns the fraction of succeeded attempts since the
	// given time and the total attempt count. circuit_open outcomes are
	// excluded: infrastructure shedding is not a logical endpoint failure.
	SuccessRatio(ctx context.Context, since time.Time) (float64, int, error)
}
