package queue

import (
	"time"

	"github.com/chatrelay/chatrelay/internal/event"
)

// Status is the delivery job lifecycle state. Transitions are monotonic:
// pending -> in_flight -> succeeded, or in_flight -> failed_retryable ->
// pending (after backoff), or in_flight -> failed_terminal. A terminal job
// only re-enters pending through explicit manual retry.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInFlight        Status = "in_flight"
	StatusSucceeded       Status = "succeeded"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedTerminal  Status = "failed_terminal"
)

// Terminal reports whether the status ends automatic processing.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailedTerminal
}

// Tier partitions the durable queue by eligibility.
type Tier int16

const (
	TierImmediate  Tier = 0 // fresh jobs, eligible for claim now
	TierDelayed    Tier = 1 // jobs waiting out a backoff delay
	TierDeadLetter Tier = 2 // exhausted jobs awaiting manual recovery
)

// Job is one pending delivery of a matched event to a channel.
type Job struct {
	ID              string
	EventID         string
	DedupeKey       string
	TenantID        string
	RuleID          string
	ChannelID       string
	RenderedPayload []byte
	Priority        int
	Tier            Tier
	AttemptCount    int
	MaxAttempts     int
	Status          Status
	ScheduledFor    time.Time
	ClaimedBy       string
	ClaimExpiresAt  time.Time
	LastError       string
	TraceHeaders    map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// Event is the canonical event snapshot hydrated on claim; rendering
	// needs it and the fallback path carries it inline.
	Event event.CanonicalEvent
}

// Attempt is one append-only dispatch record. Never mutated; feeds audit,
// breaker signal, and health metrics.
type Attempt struct {
	JobID     string        `json:"job_id"`
	AttemptNo int           `json:"attempt_no"`
	Endpoint  string        `json:"endpoint"`
	Outcome   string        `json:"outcome"` // succeeded, failed, circuit_open, render_error
	Path      string        `json:"path"`    // worker or fallback
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Attempt outcomes and paths.
const (
	OutcomeSucceeded   = "succeeded"
	OutcomeFailed      = "failed"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeRenderError = "render_error"

	PathWorker   = "worker"
	PathFallback = "fallback"
)

const DLQType = "delivery.dlq"

// DeadLetter is the versioned envelope published when a job exhausts its
// attempts, for downstream consumers watching the dead-letter topic.
type DeadLetter struct {
	Type      string `json:"type"`    // "delivery.dlq"
	Version   string `json:"version"` // schema version
	At        string `json:"at"`      // RFC3339 time the envelope was emitted
	Reason    string `json:"reason"`  // human/debug text
	Attempt   int    `json:"attempt"` // attempt count when dead-lettered
	LastError string `json:"last_error,omitempty"`
	JobID     string `json:"job_id"`
	TenantID  string `json:"tenant_id"`
	ChannelID string `json:"channel_id"`
	RuleID    string `json:"rule_id"`
	DedupeKey string `json:"dedupe_key"`
}

func NewDeadLetter(j Job, reason string) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().UTC().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempt:   j.AttemptCount,
		LastError: j.LastError,
		JobID:     j.ID,
		TenantID:  j.TenantID,
		ChannelID: j.ChannelID,
		RuleID:    j.RuleID,
		DedupeKey: j.DedupeKey,
	}
}
