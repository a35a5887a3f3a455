package health

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chatrelay/chatrelay/internal/breaker"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/queue"
	"github.com/chatrelay/chatrelay/internal/rule"
)

type monitorEnv struct {
	store     *queue.MemoryStore
	rules     *rule.MemoryStore
	breakers  *breaker.MemoryStore
	alerts    *MemoryAlertStore
	snapshots *MemorySnapshotStore
	monitor   *Monitor
}

func newMonitorEnv(t *testing.T) *monitorEnv {
	t.Helper()
	e := &monitorEnv{
		store:     queue.NewMemoryStore(),
		rules:     rule.NewMemoryStore(),
		breakers:  breaker.NewMemoryStore(),
		alerts:    NewMemoryAlertStore(),
		snapshots: NewMemorySnapshotStore(),
	}
	cfg := config.Monitor{
		Interval:          30 * time.Second,
		SuccessFloor:      0.70,
		SuccessWindow:     15 * time.Minute,
		BacklogWarning:    10,
		BacklogMaxAge:     5 * time.Minute,
		SnapshotRetention: 24 * time.Hour,
	}
	e.rules.PutChannel(rule.Channel{ID: "ch-1", TenantID: "tenant-1", Active: true})
	e.monitor = NewMonitor(e.store, e.store, e.rules, e.breakers, e.alerts, e.snapshots, cfg, logging.New("test"))
	return e
}

func recordAttempts(t *testing.T, e *monitorEnv, succeeded, failed int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < succeeded; i++ {
		if err := e.store.RecordAttempt(ctx, queue.Attempt{JobID: uuid.NewString(), AttemptNo: 1, Outcome: queue.OutcomeSucceeded, Timestamp: now}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < failed; i++ {
		if err := e.store.RecordAttempt(ctx, queue.Attempt{JobID: uuid.NewString(), AttemptNo: 1, Outcome: queue.OutcomeFailed, Timestamp: now}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMonitorHealthyPipeline(t *testing.T) {
	ctx := context.Background()
	e := newMonitorEnv(t)
	recordAttempts(t, e, 10, 0)

	report, err := e.monitor.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Status != "healthy" || report.Score != 100 {
		t.Fatalf("report = %+v", report)
	}
	open, _ := e.alerts.ListOpen(ctx)
	if len(open) != 0 {
		t.Fatalf("open alerts = %+v", open)
	}

	snap, ok, _ := e.snapshots.Latest(ctx, "pipeline")
	if !ok || snap.Score != 100 {
		t.Fatalf("snapshot = %+v ok=%v", snap, ok)
	}
}

func TestMonitorLowSuccessRatioRaisesAlert(t *testing.T) {
	ctx := context.Background()
	e := newMonitorEnv(t)
	recordAttempts(t, e, 1, 9) // 10% success

	report, err := e.monitor.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != "critical" {
		t.Fatalf("status = %s, want critical; report = %+v", report.Status, report)
	}

	open, _ := e.alerts.ListOpen(ctx)
	if len(open) != 1 || open[0].Key != alertKeyDelivery {
		t.Fatalf("open alerts = %+v", open)
	}
	if open[0].Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical for ratio far below floor", open[0].Severity)
	}

	// Second pass with the same condition does not duplicate the alert.
	if _, err := e.monitor.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	open, _ = e.alerts.ListOpen(ctx)
	if len(open) != 1 {
		t.Fatalf("alerts duplicated: %+v", open)
	}
}

func TestMonitorAlertAutoResolvesOnRecovery(t *testing.T) {
	ctx := context.Background()
	e := newMonitorEnv(t)
	recordAttempts(t, e, 1, 9)

	if _, err := e.monitor.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	open, _ := e.alerts.ListOpen(ctx)
	if len(open) != 1 {
		t.Fatalf("expected one open alert, got %+v", open)
	}

	// Recovery: plenty of fresh successes.
	recordAttempts(t, e, 50, 0)
	if _, err := e.monitor.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	open, _ = e.alerts.ListOpen(ctx)
	if len(open) != 0 {
		t.Fatalf("alert not resolved after recovery: %+v", open)
	}
}

func TestMonitorBacklogAlert(t *testing.T) {
	ctx := context.Background()
	e := newMonitorEnv(t)
	for i := 0; i < 15; i++ {
		j := queue.Job{
			ID: uuid.NewString(), EventID: uuid.NewString(), DedupeKey: uuid.NewString(),
			TenantID: "tenant-1", RuleID: "r-1", ChannelID: "ch-1", MaxAttempts: 6,
		}
		if err := e.store.Enqueue(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	report, err := e.monitor.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, issue := range report.Issues {
		if issue.Component == "queue" {
			found = true
		}
	}
	if !found {
		t.Fatalf("backlog issue missing: %+v", report.Issues)
	}
}

func TestMonitorOpenCircuitsLowerScore(t *testing.T) {
	ctx := context.Background()
	e := newMonitorEnv(t)
	recordAttempts(t, e, 10, 0)

	// Every channel open. Shed attempts never reach the success ratio, so
	// the breaker check is the only place this outage can show up.
	now := time.Now()
	for _, ch := range []string{"ch-1", "ch-2", "ch-3"} {
		err := e.breakers.Update(ctx, ch, func(cs breaker.ChannelState) breaker.ChannelState {
			cs.State = breaker.StateOpen
			cs.OpenedAt = now
			cs.Cooldown = time.Minute
			cs.UpdatedAt = now
			return cs
		})
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 5; i++ {
			if err := e.store.RecordAttempt(ctx, queue.Attempt{JobID: uuid.NewString(), AttemptNo: 1, Outcome: queue.OutcomeCircuitOpen, Timestamp: now}); err != nil {
				t.Fatal(err)
			}
		}
	}

	report, err := e.monitor.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Score != 80 || report.Status != "degraded" {
		t.Fatalf("score = %d status = %s, want 80/degraded", report.Score, report.Status)
	}
	found := false
	for _, issue := range report.Issues {
		if issue.Component == "breakers" {
			found = true
			if issue.Severity != SeverityCritical {
				t.Errorf("severity = %s, want critical with every channel open", issue.Severity)
			}
		}
	}
	if !found {
		t.Fatalf("breakers issue missing: %+v", report.Issues)
	}
	open, _ := e.alerts.ListOpen(ctx)
	if len(open) != 1 || open[0].Key != alertKeyBreakers {
		t.Fatalf("open alerts = %+v", open)
	}
}

func TestMonitorStalledWorkersAlert(t *testing.T) {
	ctx := context.Background()
	e := newMonitorEnv(t)
	recordAttempts(t, e, 10, 0)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.store.SetClock(func() time.Time { return clock })

	j := queue.Job{
		ID: uuid.NewString(), EventID: uuid.NewString(), DedupeKey: uuid.NewString(),
		TenantID: "tenant-1", RuleID: "r-1", ChannelID: "ch-1", MaxAttempts: 6,
	}
	if err := e.store.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}

	// One pending job, far too old. Depth alone would not trip anything.
	e.monitor.now = func() time.Time { return clock.Add(time.Hour) }
	report, err := e.monitor.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != "degraded" {
		t.Fatalf("status = %s, want degraded; report = %+v", report.Status, report)
	}
	found := false
	for _, issue := range report.Issues {
		if issue.Component == "workers" {
			found = true
		}
	}
	if !found {
		t.Fatalf("workers issue missing: %+v", report.Issues)
	}
	open, _ := e.alerts.ListOpen(ctx)
	if len(open) != 1 || open[0].Key != alertKeyWorkers {
		t.Fatalf("open alerts = %+v", open)
	}
}

func TestMonitorRepairsExpiredClaims(t *testing.T) {
	ctx := context.Background()
	e := newMonitorEnv(t)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.store.SetClock(func() time.Time { return clock })

	j := queue.Job{
		ID: uuid.NewString(), EventID: uuid.NewString(), DedupeKey: uuid.NewString(),
		TenantID: "tenant-1", RuleID: "r-1", ChannelID: "ch-1", MaxAttempts: 6,
	}
	if err := e.store.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := e.store.Claim(ctx, "w-dead", 1, 30*time.Second); err != nil {
		t.Fatal(err)
	}

	// Monitor runs after the claim lapsed.
	e.monitor.now = func() time.Time { return clock.Add(time.Hour) }
	report, err := e.monitor.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Repairs) == 0 {
		t.Fatalf("no repairs reported: %+v", report)
	}
	got, _ := e.store.Get(ctx, j.ID)
	if got.Status != queue.StatusPending {
		t.Fatalf("stuck job not released: %s", got.Status)
	}
}

func TestMonitorConfigIntegrityAlert(t *testing.T) {
	ctx := context.Background()
	e := newMonitorEnv(t)
	recordAttempts(t, e, 5, 0)
	e.rules.PutRule(rule.Rule{ID: "r-orphan", TenantID: "tenant-2", EventType: "deal.won", TargetChannelID: "ch-missing", Enabled: true})

	report, err := e.monitor.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, issue := range report.Issues {
		if issue.Component == "config" {
			found = true
		}
	}
	if !found {
		t.Fatalf("config issue missing: %+v", report.Issues)
	}
	open, _ := e.alerts.ListOpen(ctx)
	if len(open) != 1 || open[0].Key != alertKeyConfig {
		t.Fatalf("alerts = %+v", open)
	}
	// Orphaned rules are reported, never auto-disabled.
	rules, _ := e.rules.RulesFor(ctx, "tenant-2", "deal.won")
	if len(rules) != 1 || !rules[0].Enabled {
		t.Fatalf("rule was mutated: %+v", rules)
	}
}

func TestMonitorPublishesNewAlerts(t *testing.T) {
	ctx := context.Background()
	e := newMonitorEnv(t)
	recordAttempts(t, e, 1, 9)

	pub := &capturePublisher{}
	e.monitor.WithAlertPublisher(pub, "health_alerts")

	if _, err := e.monitor.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if pub.topic != "health_alerts" {
		t.Fatalf("published to %q", pub.topic)
	}
	var a Alert
	if err := json.Unmarshal(pub.body, &a); err != nil {
		t.Fatal(err)
	}
	if a.Key != alertKeyDelivery {
		t.Errorf("published alert = %+v", a)
	}
}

type capturePublisher struct {
	topic string
	body  []byte
}

func (p *capturePublisher) Publish(topic string, body []byte) error {
	p.topic = topic
	p.body = body
	return nil
}
