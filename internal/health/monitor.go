// Package health runs the self-healing monitor: periodic audits of the
// pipeline, a weighted health score, operator alerts, and the small set of
// repairs that are safe to apply unattended.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatrelay/chatrelay/internal/breaker"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/metrics"
	"github.com/chatrelay/chatrelay/internal/queue"
	"github.com/chatrelay/chatrelay/internal/rule"
)

const pipelineComponent = "pipeline"

// Check weights. Delivery success dominates: a full backlog with healthy
// endpoints recovers by itself; failing deliveries do not. Open circuits get
// their own slot because SuccessRatio excludes shed attempts, so a breaker
// outage is invisible to the delivery check.
const (
	weightDelivery = 0.40
	weightBacklog  = 0.25
	weightBreakers = 0.20
	weightConfig   = 0.15
)

// Alert keys, one live alert per failing check.
const (
	alertKeyDelivery = "delivery_success_low"
	alertKeyBacklog  = "queue_backlog_high"
	alertKeyWorkers  = "workers_stalled"
	alertKeyBreakers = "channels_circuit_open"
	alertKeyConfig   = "config_integrity"
)

// staleBreakerAge bounds how long idle circuit state is kept before the
// monitor clears it.
const staleBreakerAge = 24 * time.Hour

// Publisher is the alert notification sink. Satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Report is the scored output of one monitor pass.
type Report struct {
	Status    string    `json:"status"` // healthy, degraded, critical
	Score     int       `json:"score"`
	Issues    []Issue   `json:"issues,omitempty"`
	Repairs   []string  `json:"repairs,omitempty"` // auto-fixes applied this pass
	CheckedAt time.Time `json:"checked_at"`
}

// Monitor audits the pipeline on an interval. Detection is broad; repair is
// deliberately narrow: it only releases expired claims and clears stale
// circuit state. Everything else becomes an alert for a human.
type Monitor struct {
	store     queue.Store
	attempts  queue.AttemptLog
	rules     rule.Store
	breakers  breaker.StateStore
	alerts    AlertStore
	snapshots SnapshotStore
	cfg       config.Monitor
	logger    *logging.Logger

	producer    Publisher // nil unless alert publishing is enabled
	alertsTopic string

	now func() time.Time
}

func NewMonitor(
	store queue.Store,
	attempts queue.AttemptLog,
	rules rule.Store,
	breakers breaker.StateStore,
	alerts AlertStore,
	snapshots SnapshotStore,
	cfg config.Monitor,
	logger *logging.Logger,
) *Monitor {
	return &Monitor{
		store:     store,
		attempts:  attempts,
		rules:     rules,
		breakers:  breakers,
		alerts:    alerts,
		snapshots: snapshots,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// WithAlertPublisher enables publishing newly raised alerts to a topic.
func (m *Monitor) WithAlertPublisher(p Publisher, topic string) *Monitor {
	m.producer = p
	m.alertsTopic = topic
	return m
}

// Run audits on the configured interval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	m.logger.Plain().WithField("interval", m.cfg.Interval.String()).Info("health monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Plain().Info("health monitor stopped")
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.logger.Plain().WithError(err).Error("monitor pass failed")
			}
		}
	}
}

// RunOnce performs a single audit pass: repair, check, score, alert,
// snapshot.
func (m *Monitor) RunOnce(ctx context.Context) (Report, error) {
	now := m.now()
	report := Report{CheckedAt: now}

	report.Repairs = m.repair(ctx, now)

	deliveryScore, deliveryIssue := m.checkDelivery(ctx, now)
	backlogScore, backlogIssue, stalledIssue := m.checkBacklog(ctx, now)
	breakerScore, breakerIssue := m.checkBreakers(ctx)
	configScore, configIssue := m.checkConfig(ctx)

	report.Score = int(
		deliveryScore*weightDelivery +
			backlogScore*weightBacklog +
			breakerScore*weightBreakers +
			configScore*weightConfig)

	switch {
	case report.Score >= 90:
		report.Status = "healthy"
	case report.Score >= 70:
		report.Status = "degraded"
	default:
		report.Status = "critical"
	}

	m.applyAlert(ctx, alertKeyDelivery, deliveryIssue)
	m.applyAlert(ctx, alertKeyBacklog, backlogIssue)
	m.applyAlert(ctx, alertKeyWorkers, stalledIssue)
	m.applyAlert(ctx, alertKeyBreakers, breakerIssue)
	m.applyAlert(ctx, alertKeyConfig, configIssue)

	for _, issue := range []*Issue{deliveryIssue, backlogIssue, stalledIssue, breakerIssue, configIssue} {
		if issue != nil {
			report.Issues = append(report.Issues, *issue)
		}
	}

	metrics.HealthScore.Set(float64(report.Score))
	m.updateAlertGauges(ctx)

	snap := Snapshot{
		Component: pipelineComponent,
		Score:     report.Score,
		Issues:    report.Issues,
		CreatedAt: now,
	}
	if snap.Issues == nil {
		snap.Issues = []Issue{}
	}
	if err := m.snapshots.SaveSnapshot(ctx, snap); err != nil {
		m.logger.Plain().WithError(err).Error("snapshot save failed")
	}
	if _, err := m.snapshots.Prune(ctx, now.Add(-m.cfg.SnapshotRetention)); err != nil {
		m.logger.Plain().WithError(err).Error("snapshot prune failed")
	}

	m.logger.Plain().WithFields(map[string]any{
		"score":  report.Score,
		"status": report.Status,
		"issues": len(report.Issues),
	}).Info("monitor pass complete")
	return report, nil
}

// repair applies the safe auto-fixes.
func (m *Monitor) repair(ctx context.Context, now time.Time) []string {
	var repairs []string
	if n, err := m.store.ReleaseExpired(ctx, now); err != nil {
		m.logger.Plain().WithError(err).Error("release expired failed")
	} else if n > 0 {
		repairs = append(repairs, fmt.Sprintf("released %d expired claims", n))
		m.logger.Plain().WithField("count", n).Warn("released expired claims")
	}
	if n, err := m.store.PromoteDue(ctx, now); err != nil {
		m.logger.Plain().WithError(err).Error("promote due failed")
	} else if n > 0 {
		repairs = append(repairs, fmt.Sprintf("promoted %d due retries", n))
	}
	if n, err := m.breakers.DeleteStale(ctx, now.Add(-staleBreakerAge)); err != nil {
		m.logger.Plain().WithError(err).Error("breaker cleanup failed")
	} else if n > 0 {
		repairs = append(repairs, fmt.Sprintf("cleared %d stale circuit records", n))
	}
	return repairs
}

func (m *Monitor) checkDelivery(ctx context.Context, now time.Time) (float64, *Issue) {
	ratio, total, err := m.attempts.SuccessRatio(ctx, now.Add(-m.cfg.SuccessWindow))
	if err != nil {
		m.logger.Plain().WithError(err).Error("success ratio check failed")
		return 100, nil // do not page on a broken check
	}
	if total == 0 || ratio >= m.cfg.SuccessFloor {
		return 100, nil
	}
	score := ratio / m.cfg.SuccessFloor * 100
	severity := SeverityWarning
	if ratio < m.cfg.SuccessFloor/2 {
		severity = SeverityCritical
	}
	return score, &Issue{
		Component: "delivery",
		Severity:  severity,
		Message:   fmt.Sprintf("delivery success ratio %.2f below floor %.2f over %d attempts", ratio, m.cfg.SuccessFloor, total),
	}
}

// checkBacklog audits queue size and age together. A deep backlog degrades
// the score; a pending job older than the age bound zeroes it, because the
// only way tier 0 stops draining is that the workers stopped.
func (m *Monitor) checkBacklog(ctx context.Context, now time.Time) (float64, *Issue, *Issue) {
	score := 100.0
	var backlogIssue, stalledIssue *Issue

	depths, err := m.store.Depths(ctx)
	if err != nil {
		m.logger.Plain().WithError(err).Error("backlog check failed")
		return 100, nil, nil
	}
	backlog := depths[queue.TierImmediate] + depths[queue.TierDelayed]
	if backlog >= m.cfg.BacklogWarning {
		// Score decays linearly past the warning line, bottoming out at 4x.
		over := float64(backlog) / float64(m.cfg.BacklogWarning)
		score = 100 - (over-1)*33
		if score < 0 {
			score = 0
		}
		severity := SeverityWarning
		if over >= 2 {
			severity = SeverityCritical
		}
		backlogIssue = &Issue{
			Component: "queue",
			Severity:  severity,
			Message:   fmt.Sprintf("queue backlog %d at or above warning threshold %d", backlog, m.cfg.BacklogWarning),
		}
	}

	age, err := m.store.OldestPendingAge(ctx, now)
	if err != nil {
		m.logger.Plain().WithError(err).Error("worker check failed")
		return score, backlogIssue, nil
	}
	if age > m.cfg.BacklogMaxAge {
		score = 0
		stalledIssue = &Issue{
			Component: "workers",
			Severity:  SeverityCritical,
			Message:   fmt.Sprintf("oldest pending job waiting %s, exceeds %s; workers may be down", age.Round(time.Second), m.cfg.BacklogMaxAge),
		}
	}
	return score, backlogIssue, stalledIssue
}

// checkBreakers scores the fraction of channels whose circuit is open. Shed
// attempts are excluded from the delivery ratio, so this is the only check
// that sees a breaker outage.
func (m *Monitor) checkBreakers(ctx context.Context) (float64, *Issue) {
	states, err := m.breakers.List(ctx)
	if err != nil {
		m.logger.Plain().WithError(err).Error("breaker check failed")
		return 100, nil
	}
	open := 0
	for _, cs := range states {
		if cs.State == breaker.StateOpen {
			open++
		}
	}
	if open == 0 {
		return 100, nil
	}
	frac := float64(open) / float64(len(states))
	score := 100 * (1 - frac)
	severity := SeverityWarning
	if frac >= 0.5 {
		severity = SeverityCritical
	}
	return score, &Issue{
		Component: "breakers",
		Severity:  severity,
		Message:   fmt.Sprintf("%d of %d channels have an open circuit", open, len(states)),
	}
}

// checkConfig audits rule/channel integrity. Report-only: disabling rules
// or touching channels is never safe to automate.
func (m *Monitor) checkConfig(ctx context.Context) (float64, *Issue) {
	orphaned, err := m.rules.OrphanedRules(ctx)
	if err != nil {
		m.logger.Plain().WithError(err).Error("orphaned rule check failed")
		return 100, nil
	}
	tenants, err := m.rules.TenantsWithoutChannels(ctx)
	if err != nil {
		m.logger.Plain().WithError(err).Error("tenant channel check failed")
		return 100, nil
	}
	if len(orphaned) == 0 && len(tenants) == 0 {
		return 100, nil
	}
	return 50, &Issue{
		Component: "config",
		Severity:  SeverityWarning,
		Message:   fmt.Sprintf("%d rules target missing or inactive channels; %d tenants have rules but no active channel", len(orphaned), len(tenants)),
	}
}

// applyAlert raises the alert when the check fails and resolves it when the
// check recovers.
func (m *Monitor) applyAlert(ctx context.Context, key string, issue *Issue) {
	if issue == nil {
		resolved, err := m.alerts.ResolveByKey(ctx, key)
		if err != nil {
			m.logger.Plain().WithError(err).WithField("alert_key", key).Error("alert resolve failed")
		} else if resolved {
			m.logger.Plain().WithField("alert_key", key).Info("alert resolved")
		}
		return
	}
	alert, raised, err := m.alerts.Raise(ctx, key, issue.Severity, issue.Component, issue.Message)
	if err != nil {
		m.logger.Plain().WithError(err).WithField("alert_key", key).Error("alert raise failed")
		return
	}
	if !raised {
		return // already live, no re-notification
	}
	m.logger.Plain().WithFields(map[string]any{
		"alert_key": key,
		"severity":  string(issue.Severity),
	}).Warn(issue.Message)
	if m.producer != nil {
		b, _ := json.Marshal(alert)
		if err := m.producer.Publish(m.alertsTopic, b); err != nil {
			m.logger.Plain().WithError(err).Error("alert publish failed")
		}
	}
}

func (m *Monitor) updateAlertGauges(ctx context.Context) {
	open, err := m.alerts.ListOpen(ctx)
	if err != nil {
		return
	}
	counts := map[Severity]int{SeverityInfo: 0, SeverityWarning: 0, SeverityCritical: 0}
	for _, a := range open {
		counts[a.Severity]++
	}
	for sev, n := range counts {
		metrics.AlertsOpen.WithLabelValues(string(sev)).Set(float64(n))
	}
}
