package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAlertStore implements AlertStore over the alerts table. The
// partial unique index on (alert_key) WHERE unresolved makes Raise
// idempotent under concurrent monitors.
type PostgresAlertStore struct {
	pool *pgxpool.Pool
}

func NewPostgresAlertStore(pool *pgxpool.Pool) *PostgresAlertStore {
	return &PostgresAlertStore{pool: pool}
}

func (s *PostgresAlertStore) Raise(ctx context.Context, key string, severity Severity, component, message string) (Alert, bool, error) {
	id := uuid.NewString()
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO chatrelay.alerts(id, alert_key, severity, component, message, status)
		VALUES ($1, $2, $3, $4, $5, 'raised')
		ON CONFLICT DO NOTHING`,
		id, key, severity, component, message,
	)
	if err != nil {
		return Alert{}, false, fmt.Errorf("raise alert: %w", err)
	}
	raised := ct.RowsAffected() > 0

	var a Alert
	row := s.pool.QueryRow(ctx, `
		SELECT id, alert_key, severity, component, message, status, raised_at, acknowledged_at, resolved_at
		FROM chatrelay.alerts
		WHERE alert_key = $1 AND status IN ('raised', 'acknowledged')`,
		key,
	)
	if err := row.Scan(&a.ID, &a.Key, &a.Severity, &a.Component, &a.Message, &a.Status,
		&a.RaisedAt, &a.AcknowledgedAt, &a.ResolvedAt); err != nil {
		return Alert{}, false, fmt.Errorf("read live alert: %w", err)
	}
	return a, raised, nil
}

func (s *PostgresAlertStore) Acknowledge(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, `
		UPDATE chatrelay.alerts
		SET status = 'acknowledged', acknowledged_at = now()
		WHERE id = $1 AND status = 'raised'`)
}

func (s *PostgresAlertStore) Resolve(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, `
		UPDATE chatrelay.alerts
		SET status = 'resolved', resolved_at = now()
		WHERE id = $1 AND status IN ('raised', 'acknowledged')`)
}

func (s *PostgresAlertStore) setStatus(ctx context.Context, id, query string) error {
	ct, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if ct.RowsAffected() == 0 {
		if _, gErr := s.Get(ctx, id); errors.Is(gErr, ErrAlertNotFound) {
			return ErrAlertNotFound
		}
		return ErrAlertResolved
	}
	return nil
}

func (s *PostgresAlertStore) ResolveByKey(ctx context.Context, key string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE chatrelay.alerts
		SET status = 'resolved', resolved_at = now()
		WHERE alert_key = $1 AND status IN ('raised', 'acknowledged')`,
		key,
	)
	if err != nil {
		return false, fmt.Errorf("resolve alert by key: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *PostgresAlertStore) Get(ctx context.Context, id string) (Alert, error) {
	var a Alert
	err := s.pool.QueryRow(ctx, `
		SELECT id, alert_key, severity, component, message, status, raised_at, acknowledged_at, resolved_at
		FROM chatrelay.alerts WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.Key, &a.Severity, &a.Component, &a.Message, &a.Status,
		&a.RaisedAt, &a.AcknowledgedAt, &a.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Alert{}, ErrAlertNotFound
		}
		return Alert{}, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

func (s *PostgresAlertStore) ListOpen(ctx context.Context) ([]Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, alert_key, severity, component, message, status, raised_at, acknowledged_at, resolved_at
		FROM chatrelay.alerts
		WHERE status IN ('raised', 'acknowledged')
		ORDER BY raised_at`)
	if err != nil {
		return nil, fmt.Errorf("list open alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.Key, &a.Severity, &a.Component, &a.Message, &a.Status,
			&a.RaisedAt, &a.AcknowledgedAt, &a.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PostgresSnapshotStore implements SnapshotStore over health_snapshots.
type PostgresSnapshotStore struct {
	pool *pgxpool.Pool
}

func NewPostgresSnapshotStore(pool *pgxpool.Pool) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{pool: pool}
}

func (s *PostgresSnapshotStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	issues, err := json.Marshal(snap.Issues)
	if err != nil {
		return fmt.Errorf("marshal issues: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO chatrelay.health_snapshots(component, score, issues, created_at)
		VALUES ($1, $2, $3::jsonb, $4)`,
		snap.Component, snap.Score, string(issues), snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *PostgresSnapshotStore) Latest(ctx context.Context, component string) (Snapshot, bool, error) {
	var snap Snapshot
	var issues []byte
	err := s.pool.QueryRow(ctx, `
		SELECT component, score, issues, created_at
		FROM chatrelay.health_snapshots
		WHERE component = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		component,
	).Scan(&snap.Component, &snap.Score, &issues, &snap.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("latest snapshot: %w", err)
	}
	if len(issues) > 0 {
		_ = json.Unmarshal(issues, &snap.Issues)
	}
	return snap, true, nil
}

func (s *PostgresSnapshotStore) History(ctx context.Context, component string, limit int) ([]Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT component, score, issues, created_at
		FROM chatrelay.health_snapshots
		WHERE component = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		component, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("snapshot history: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var issues []byte
		if err := rows.Scan(&snap.Component, &snap.Score, &issues, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if len(issues) > 0 {
			_ = json.Unmarshal(issues, &snap.Issues)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PostgresSnapshotStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM chatrelay.health_snapshots WHERE created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return int(ct.RowsAffected()), nil
}
