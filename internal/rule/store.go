package rule

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrChannelNotFound = errors.New("channel not found")

// Store reads rules and channels. The core never writes these; the external
// admin API owns them.
type Store interface {
	RulesFor(ctx context.Context, tenantID, eventType string) ([]Rule, error)
	GetChannel(ctx context.Context, channelID string) (Channel, error)
	OrphanedRules(ctx context.Context) ([]Rule, error)
	TenantsWithoutChannels(ctx context.Context) ([]string, error)
}

// PostgresStore implements Store over the rules/channels tables. Rule lookups
// ride the partial (tenant_id, event_type) index, so matching stays bounded
// regardless of total rule volume.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) RulesFor(ctx context.Context, tenantID, eventType string) ([]Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, event_type, filter_predicate, target_channel_id, enabled, priority
		FROM chatrelay.rules
		WHERE tenant_id = $1 AND event_type = $2 AND enabled`,
		tenantID, eventType,
	)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		var predicate []byte
		if err := rows.Scan(&r.ID, &r.TenantID, &r.EventType, &predicate, &r.TargetChannelID, &r.Enabled, &r.Priority); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if len(predicate) > 0 {
			p, err := ParsePredicate(predicate)
			if err != nil {
				// Keep the rule; the matcher logs and skips it per-event.
				r.FilterPredicate = &Predicate{Op: "invalid"}
			} else {
				r.FilterPredicate = p
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	var c Channel
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, endpoint_url, secret, active
		FROM chatrelay.channels
		WHERE id = $1`,
		channelID,
	).Scan(&c.ID, &c.TenantID, &c.EndpointURL, &c.Secret, &c.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Channel{}, ErrChannelNotFound
		}
		return Channel{}, fmt.Errorf("get channel: %w", err)
	}
	return c, nil
}

// OrphanedRules returns enabled rules whose target channel is missing or
// inactive. Detection only; nothing destructive happens to these rules.
func (s *PostgresStore) OrphanedRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.tenant_id, r.event_type, r.target_channel_id, r.priority
		FROM chatrelay.rules r
		LEFT JOIN chatrelay.channels c ON c.id = r.target_channel_id
		WHERE r.enabled AND (c.id IS NULL OR NOT c.active)`)
	if err != nil {
		return nil, fmt.Errorf("query orphaned rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.TenantID, &r.EventType, &r.TargetChannelID, &r.Priority); err != nil {
			return nil, fmt.Errorf("scan orphaned rule: %w", err)
		}
		r.Enabled = true
		out = append(out, r)
	}
	return out, rows.Err()
}

// TenantsWithoutChannels returns tenants that have enabled rules but no
// active channel at all.
func (s *PostgresStore) TenantsWithoutChannels(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT r.tenant_id
		FROM chatrelay.rules r
		WHERE r.enabled AND NOT EXISTS (
			SELECT 1 FROM chatrelay.channels c
			WHERE c.tenant_id = r.tenant_id AND c.active
		)`)
	if err != nil {
		return nil, fmt.Errorf("query tenants without channels: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, tenantID)
	}
	return out, rows.Err()
}
