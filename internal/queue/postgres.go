package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatrelay/chatrelay/internal/event"
)

// PostgresStore implements Store, AttemptLog, and event persistence over the
// chatrelay schema. The delivery_jobs table is the durable queue: tiers are a
// column, claims are FOR UPDATE SKIP LOCKED plus a visibility deadline.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// UpsertEvent stores a canonical event, ignoring duplicates on
// (tenant_id, dedupe_key). Returns the stored event's ID and whether this
// call inserted it.
func (s *PostgresStore) UpsertEvent(ctx context.Context, ev event.CanonicalEvent) (string, bool, error) {
	attrs, err := json.Marshal(ev.Attributes)
	if err != nil {
		return "", false, fmt.Errorf("marshal attributes: %w", err)
	}
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO chatrelay.events(id, tenant_id, event_type, entity_type, entity_id, attributes, occurred_at, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
		ON CONFLICT ON CONSTRAINT uq_events_tenant_dedupe DO NOTHING`,
		ev.ID, ev.TenantID, ev.EventType, ev.EntityType, ev.EntityID, string(attrs), ev.OccurredAt, ev.DedupeKey,
	)
	if err != nil {
		return "", false, fmt.Errorf("insert event: %w", err)
	}
	if ct.RowsAffected() > 0 {
		return ev.ID, true, nil
	}
	var existingID string
	if err := s.pool.QueryRow(ctx, `
		SELECT id FROM chatrelay.events WHERE tenant_id = $1 AND dedupe_key = $2`,
		ev.TenantID, ev.DedupeKey,
	).Scan(&existingID); err != nil {
		return "", false, fmt.Errorf("select existing event: %w", err)
	}
	return existingID, false, nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, job Job) error {
	headers, err := json.Marshal(job.TraceHeaders)
	if err != nil {
		return fmt.Errorf("marshal trace headers: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO chatrelay.delivery_jobs(
			id, event_id, dedupe_key, tenant_id, rule_id, channel_id,
			priority, tier, attempt_count, max_attempts, status, scheduled_for, trace_headers)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, $8, 'pending', now(), $9::jsonb)`,
		job.ID, job.EventID, job.DedupeKey, job.TenantID, job.RuleID, job.ChannelID,
		job.Priority, job.MaxAttempts, string(headers),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return ErrDuplicate
		}
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

const jobColumns = `
	j.id, j.event_id, j.dedupe_key, j.tenant_id, j.rule_id, j.channel_id,
	j.rendered_payload, j.priority, j.tier, j.attempt_count, j.max_attempts,
	j.status, j.scheduled_for, COALESCE(j.claimed_by, ''), COALESCE(j.claim_expires_at, 'epoch'::timestamptz),
	COALESCE(j.last_error, ''), COALESCE(j.trace_headers, '{}'::jsonb), j.created_at, j.updated_at,
	e.event_type, e.entity_type, e.entity_id, e.attributes, e.occurred_at`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	var headers, attrs []byte
	err := row.Scan(
		&j.ID, &j.EventID, &j.DedupeKey, &j.TenantID, &j.RuleID, &j.ChannelID,
		&j.RenderedPayload, &j.Priority, &j.Tier, &j.AttemptCount, &j.MaxAttempts,
		&j.Status, &j.ScheduledFor, &j.ClaimedBy, &j.ClaimExpiresAt,
		&j.LastError, &headers, &j.CreatedAt, &j.UpdatedAt,
		&j.Event.EventType, &j.Event.EntityType, &j.Event.EntityID, &attrs, &j.Event.OccurredAt,
	)
	if err != nil {
		return Job{}, err
	}
	if len(headers) > 0 {
		_ = json.Unmarshal(headers, &j.TraceHeaders)
	}
	if len(attrs) > 0 {
		_ = json.Unmarshal(attrs, &j.Event.Attributes)
	}
	j.Event.ID = j.EventID
	j.Event.TenantID = j.TenantID
	j.Event.DedupeKey = j.DedupeKey
	return j, nil
}

func (s *PostgresStore) Claim(ctx context.Context, workerID string, limit int, visibility time.Duration) ([]Job, error) {
	rows, err := s.pool.Query(ctx, `
		WITH eligible AS (
			SELECT id FROM chatrelay.delivery_jobs
			WHERE status = 'pending' AND tier = 0 AND scheduled_for <= now()
			ORDER BY priority DESC, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE chatrelay.delivery_jobs j
		SET status = 'in_flight', claimed_by = $1, claim_expires_at = now() + $3, updated_at = now()
		FROM eligible, chatrelay.events e
		WHERE j.id = eligible.id AND e.id = j.event_id
		RETURNING `+jobColumns,
		workerID, limit, visibility,
	)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ExtendClaim(ctx context.Context, jobID, workerID string, visibility time.Duration) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE chatrelay.delivery_jobs
		SET claim_expires_at = now() + $3, updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND status = 'in_flight'`,
		jobID, workerID, visibility,
	)
	if err != nil {
		return fmt.Errorf("extend claim: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) Ack(ctx context.Context, jobID string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE chatrelay.delivery_jobs
		SET status = 'succeeded', attempt_count = attempt_count + 1,
		    claimed_by = NULL, claim_expires_at = NULL, last_error = NULL, updated_at = now()
		WHERE id = $1 AND status = 'in_flight'`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) ScheduleRetry(ctx context.Context, jobID string, at time.Time, lastErr string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE chatrelay.delivery_jobs
		SET status = 'failed_retryable', tier = 1, attempt_count = attempt_count + 1,
		    scheduled_for = $2, claimed_by = NULL, claim_expires_at = NULL,
		    last_error = $3, updated_at = now()
		WHERE id = $1 AND status = 'in_flight'`,
		jobID, at, lastErr,
	)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) Defer(ctx context.Context, jobID string, at time.Time) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE chatrelay.delivery_jobs
		SET status = 'failed_retryable', tier = 1, scheduled_for = $2,
		    claimed_by = NULL, claim_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'in_flight'`,
		jobID, at,
	)
	if err != nil {
		return fmt.Errorf("defer job: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) MoveToDeadLetter(ctx context.Context, jobID string, lastErr string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE chatrelay.delivery_jobs
		SET status = 'failed_terminal', tier = 2, attempt_count = attempt_count + 1,
		    claimed_by = NULL, claim_expires_at = NULL, last_error = $2, updated_at = now()
		WHERE id = $1 AND status = 'in_flight'`,
		jobID, lastErr,
	)
	if err != nil {
		return fmt.Errorf("move to dead letter: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE chatrelay.delivery_jobs
		SET status = 'pending', tier = 0, updated_at = now()
		WHERE status = 'failed_retryable' AND scheduled_for <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("promote due jobs: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func (s *PostgresStore) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE chatrelay.delivery_jobs
		SET status = 'pending', tier = 0, claimed_by = NULL, claim_expires_at = NULL, updated_at = now()
		WHERE status = 'in_flight' AND claim_expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("release expired claims: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func (s *PostgresStore) SetRenderedPayload(ctx context.Context, jobID string, payload []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chatrelay.delivery_jobs
		SET rendered_payload = $2, updated_at = now()
		WHERE id = $1`,
		jobID, payload,
	)
	if err != nil {
		return fmt.Errorf("set rendered payload: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM chatrelay.delivery_jobs j
		JOIN chatrelay.events e ON e.id = j.event_id
		WHERE j.id = $1`,
		jobID,
	)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListDeadLetter(ctx context.Context, channelID string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + jobColumns + `
		FROM chatrelay.delivery_jobs j
		JOIN chatrelay.events e ON e.id = j.event_id
		WHERE j.status = 'failed_terminal'`
	args := []any{limit}
	if channelID != "" {
		query += ` AND j.channel_id = $2`
		args = append(args, channelID)
	}
	query += ` ORDER BY j.updated_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letter: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RetryJob(ctx context.Context, jobID string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE chatrelay.delivery_jobs
		SET status = 'pending', tier = 0, attempt_count = 0,
		    scheduled_for = now(), last_error = NULL, updated_at = now()
		WHERE id = $1 AND status = 'failed_terminal'`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if ct.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, jobID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrNotTerminal
	}
	return nil
}

func (s *PostgresStore) RetryByFilter(ctx context.Context, f RetryFilter) (int, error) {
	query := `
		UPDATE chatrelay.delivery_jobs
		SET status = 'pending', tier = 0, attempt_count = 0,
		    scheduled_for = now(), last_error = NULL, updated_at = now()
		WHERE status = 'failed_terminal'`
	args := []any{}
	argn := 0
	if f.OlderThan > 0 {
		argn++
		query += fmt.Sprintf(" AND updated_at < now() - $%d::interval", argn)
		args = append(args, f.OlderThan)
	}
	if f.TenantID != "" {
		argn++
		query += fmt.Sprintf(" AND tenant_id = $%d", argn)
		args = append(args, f.TenantID)
	}
	if f.ChannelID != "" {
		argn++
		query += fmt.Sprintf(" AND channel_id = $%d", argn)
		args = append(args, f.ChannelID)
	}
	ct, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry by filter: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func (s *PostgresStore) Depths(ctx context.Context) (map[Tier]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tier, COUNT(*)
		FROM chatrelay.delivery_jobs
		WHERE status IN ('pending', 'in_flight', 'failed_retryable', 'failed_terminal')
		GROUP BY tier`)
	if err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	defer rows.Close()

	out := map[Tier]int{TierImmediate: 0, TierDelayed: 0, TierDeadLetter: 0}
	for rows.Next() {
		var tier Tier
		var count int
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, fmt.Errorf("scan depth: %w", err)
		}
		out[tier] = count
	}
	return out, rows.Err()
}

func (s *PostgresStore) OldestPendingAge(ctx context.Context, now time.Time) (time.Duration, error) {
	var oldest *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT MIN(created_at) FROM chatrelay.delivery_jobs
		WHERE status = 'pending' AND tier = 0`).Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("oldest pending age: %w", err)
	}
	if oldest == nil {
		return 0, nil
	}
	return now.Sub(*oldest), nil
}

// AttemptLog implementation

func (s *PostgresStore) RecordAttempt(ctx context.Context, a Attempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chatrelay.delivery_attempts(job_id, attempt_no, endpoint, outcome, path, latency_ms, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		a.JobID, a.AttemptNo, a.Endpoint, a.Outcome, a.Path, a.Latency.Milliseconds(), a.Error, a.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) AttemptsForJob(ctx context.Context, jobID string) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, attempt_no, endpoint, outcome, path, latency_ms, COALESCE(error, ''), created_at
		FROM chatrelay.delivery_attempts
		WHERE job_id = $1
		ORDER BY attempt_no`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("attempts for job: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var latencyMS int64
		if err := rows.Scan(&a.JobID, &a.AttemptNo, &a.Endpoint, &a.Outcome, &a.Path, &latencyMS, &a.Error, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Latency = time.Duration(latencyMS) * time.Millisecond
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SuccessRatio(ctx context.Context, since time.Time) (float64, int, error) {
	var succeeded, total int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE outcome = 'succeeded'), COUNT(*)
		FROM chatrelay.delivery_attempts
		WHERE created_at >= $1 AND outcome <> 'circuit_open'`,
		since,
	).Scan(&succeeded, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("success ratio: %w", err)
	}
	if total == 0 {
		return 1.0, 0, nil
	}
	return float64(succeeded) / float64(total), total, nil
}
