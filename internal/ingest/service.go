// Package ingest accepts raw CRM events, normalizes them, matches rules, and
// fans out delivery jobs to the durable queue. When the queue cannot accept a
// job it falls back to direct delivery so an accepted event is never dropped.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/chatrelay/chatrelay/internal/dispatch"
	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/metrics"
	"github.com/chatrelay/chatrelay/internal/queue"
	"github.com/chatrelay/chatrelay/internal/rule"
	"github.com/chatrelay/chatrelay/internal/tracing"
)

// JobStore is the queue plus event persistence, both backed by the same
// database so fanout sees a consistent view.
type JobStore interface {
	queue.Store
	UpsertEvent(ctx context.Context, ev event.CanonicalEvent) (string, bool, error)
}

// Sender delivers a payload directly, bypassing the queue. Used only on the
// fallback path.
type Sender interface {
	Send(ctx context.Context, ch rule.Channel, payload []byte) (dispatch.Result, error)
}

// Result reports what ingestion did with one event.
type Result struct {
	EventID    string   `json:"event_id"`
	EventType  string   `json:"event_type"`
	DedupeKey  string   `json:"dedupe_key"`
	Suppressed bool     `json:"suppressed"` // duplicate delivery of a known event
	JobIDs     []string `json:"job_ids,omitempty"`
	Fallback   int      `json:"fallback_deliveries,omitempty"` // jobs delivered directly because enqueue failed
}

type Service struct {
	normalizer  *event.Normalizer
	matcher     *rule.Matcher
	rules       rule.Store
	store       JobStore
	attempts    queue.AttemptLog
	sender      Sender
	renderer    dispatch.Renderer
	maxAttempts int
	logger      *logging.Logger
}

func NewService(
	normalizer *event.Normalizer,
	matcher *rule.Matcher,
	rules rule.Store,
	store JobStore,
	attempts queue.AttemptLog,
	sender Sender,
	renderer dispatch.Renderer,
	maxAttempts int,
	logger *logging.Logger,
) *Service {
	return &Service{
		normalizer:  normalizer,
		matcher:     matcher,
		rules:       rules,
		store:       store,
		attempts:    attempts,
		sender:      sender,
		renderer:    renderer,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Ingest runs one raw event through the pipeline. A *event.ValidationError
// is the caller's problem; anything else is ours.
func (s *Service) Ingest(ctx context.Context, tenantID string, raw []byte) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.event",
		attribute.String("tenant_id", tenantID),
	)
	defer span.End()

	ev, err := s.normalizer.Normalize(tenantID, raw)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}
	span.SetAttributes(
		attribute.String("event_id", ev.ID),
		attribute.String("event_type", ev.EventType),
	)
	log := s.logger.WithContext(ctx).WithTenant(tenantID).WithEvent(ev.ID)

	eventID, inserted, err := s.store.UpsertEvent(ctx, ev)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("persist event: %w", err)
	}
	if !inserted {
		// Same source event seen before; its jobs already exist or already
		// ran. No second fanout.
		tracing.AddSpanEvent(ctx, "duplicate_event_suppressed")
		metrics.EventsSuppressedTotal.Inc()
		log.WithField("event_type", ev.EventType).Debug("duplicate event suppressed")
		return Result{EventID: eventID, EventType: ev.EventType, DedupeKey: ev.DedupeKey, Suppressed: true}, nil
	}
	ev.ID = eventID
	metrics.EventsIngestedTotal.WithLabelValues(tenantID, ev.EventType).Inc()

	rules, err := s.rules.RulesFor(ctx, tenantID, ev.EventType)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("load rules: %w", err)
	}
	matches := s.matcher.Match(ev, rules)
	span.SetAttributes(attribute.Int("matches", len(matches)))

	res := Result{EventID: eventID, EventType: ev.EventType, DedupeKey: ev.DedupeKey}
	traceHeaders := tracing.PropagateTraceToJob(ctx)

	for _, m := range matches {
		job := queue.Job{
			ID:           uuid.NewString(),
			EventID:      eventID,
			DedupeKey:    ev.DedupeKey,
			TenantID:     tenantID,
			RuleID:       m.Rule.ID,
			ChannelID:    m.ChannelID,
			Priority:     m.Rule.Priority,
			MaxAttempts:  s.maxAttempts,
			TraceHeaders: traceHeaders,
			Event:        ev,
		}
		err := s.store.Enqueue(ctx, job)
		switch {
		case err == nil:
			res.JobIDs = append(res.JobIDs, job.ID)
		case errors.Is(err, queue.ErrDuplicate):
			// A live job for this (event, rule) already exists.
			log.WithRule(m.Rule.ID).Debug("duplicate job suppressed")
		default:
			// Queue unavailable. Deliver directly rather than lose the
			// notification; no retry budget on this path.
			tracing.AddSpanEvent(ctx, "enqueue_failed_fallback",
				attribute.String("rule_id", m.Rule.ID))
			log.WithRule(m.Rule.ID).WithError(err).Warn("enqueue failed, attempting direct delivery")
			if s.deliverDirect(ctx, job, log) {
				res.Fallback++
			}
		}
	}

	log.WithFields(map[string]any{
		"event_type": ev.EventType,
		"jobs":       len(res.JobIDs),
		"fallback":   res.Fallback,
	}).Info("event ingested")
	return res, nil
}

// deliverDirect is the degraded path: render and post synchronously. Every
// fallback attempt is recorded with the fallback path label, whatever its
// outcome, so the audit trail shows the queue was bypassed.
func (s *Service) deliverDirect(ctx context.Context, job queue.Job, log *logging.LogEntry) bool {
	payload, err := s.renderer.Render(job.RuleID, job.Event)
	if err != nil {
		log.WithError(err).Error("fallback render failed")
		s.recordFallback(ctx, job, "", queue.OutcomeRenderError, 0, err, log)
		return false
	}
	ch, err := s.rules.GetChannel(ctx, job.ChannelID)
	if err != nil || !ch.Active {
		if err == nil {
			err = fmt.Errorf("channel %s inactive", job.ChannelID)
		}
		log.WithChannel(job.ChannelID).WithError(err).Error("fallback channel unavailable")
		s.recordFallback(ctx, job, "", queue.OutcomeFailed, 0, err, log)
		return false
	}

	res, sendErr := s.sender.Send(ctx, ch, payload)
	outcome := queue.OutcomeSucceeded
	if sendErr != nil {
		outcome = queue.OutcomeFailed
	}
	s.recordFallback(ctx, job, ch.EndpointURL, outcome, res.Latency, sendErr, log)

	if sendErr != nil {
		log.WithChannel(job.ChannelID).WithError(sendErr).Error("fallback delivery failed")
		return false
	}
	log.WithChannel(job.ChannelID).Info("fallback delivery succeeded")
	return true
}

func (s *Service) recordFallback(ctx context.Context, job queue.Job, endpoint, outcome string, latency time.Duration, cause error, log *logging.LogEntry) {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	attempt := queue.Attempt{
		JobID:     job.ID,
		AttemptNo: 1,
		Endpoint:  endpoint,
		Outcome:   outcome,
		Path:      queue.PathFallback,
		Latency:   latency,
		Error:     errText,
		Timestamp: time.Now().UTC(),
	}
	if err := s.attempts.RecordAttempt(ctx, attempt); err != nil {
		log.WithError(err).Error("fallback attempt record failed")
	}
	metrics.RecordDelivery(outcome, queue.PathFallback, latency)
}
