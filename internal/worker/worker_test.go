package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chatrelay/chatrelay/internal/breaker"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/dispatch"
	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/queue"
	"github.com/chatrelay/chatrelay/internal/retry"
	"github.com/chatrelay/chatrelay/internal/rule"
)

type scriptedSender struct {
	mu    sync.Mutex
	errs  []error // popped per call; nil means success
	calls int
}

func (s *scriptedSender) Send(_ context.Context, _ rule.Channel, _ []byte) (dispatch.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return dispatch.Result{StatusCode: 200, Latency: 5 * time.Millisecond}, nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	if err == nil {
		return dispatch.Result{StatusCode: 200, Latency: 5 * time.Millisecond}, nil
	}
	return dispatch.Result{StatusCode: 503, Latency: 5 * time.Millisecond}, err
}

type fixture struct {
	store  *queue.MemoryStore
	rules  *rule.MemoryStore
	sender *scriptedSender
	pool   *Pool
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	logger := logging.New("test")
	store := queue.NewMemoryStore()
	rules := rule.NewMemoryStore()
	rules.PutChannel(rule.Channel{ID: "ch-1", TenantID: "tenant-1", EndpointURL: "http://chat.example/hook", Secret: "s", Active: true})

	sender := &scriptedSender{}
	br := breaker.New(breaker.NewMemoryStore(), breaker.Config{
		FailureThreshold: 3,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
		MaxCooldown:      5 * time.Minute,
	}, logger)
	retries := retry.NewController(store, config.Retry{
		MaxAttempts:   maxAttempts,
		BaseDelay:     time.Second,
		MaxDelay:      time.Minute,
		JitterPercent: 0.25,
	}, logger)

	cfg := config.Worker{
		PoolSize:        2,
		ClaimBatch:      4,
		PollInterval:    10 * time.Millisecond,
		ClaimVisibility: time.Minute,
		DispatchTimeout: time.Second,
	}
	p := NewPool("w-test", store, store, rules, br, sender, dispatch.NewMessageRenderer(), retries, cfg, logger)
	return &fixture{store: store, rules: rules, sender: sender, pool: p}
}

func (f *fixture) enqueueAndClaim(t *testing.T, maxAttempts int) queue.Job {
	t.Helper()
	ctx := context.Background()
	ev := event.CanonicalEvent{
		ID:         uuid.NewString(),
		TenantID:   "tenant-1",
		EventType:  "deal.won",
		EntityType: "deal",
		EntityID:   "deal-1",
		Attributes: map[string]any{"name": "Acme", "amount": 100.0},
		OccurredAt: time.Now().UTC(),
		DedupeKey:  event.DedupeKey(uuid.NewString(), "deal.updated"),
	}
	if _, _, err := f.store.UpsertEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	j := queue.Job{
		ID:          uuid.NewString(),
		EventID:     ev.ID,
		DedupeKey:   ev.DedupeKey,
		TenantID:    "tenant-1",
		RuleID:      "r-1",
		ChannelID:   "ch-1",
		MaxAttempts: maxAttempts,
	}
	if err := f.store.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	claimed, err := f.store.Claim(ctx, "w-test", 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	return claimed[0]
}

func TestProcessSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	j := f.enqueueAndClaim(t, 3)

	f.pool.process(ctx, j)

	got, _ := f.store.Get(ctx, j.ID)
	if got.Status != queue.StatusSucceeded || got.AttemptCount != 1 {
		t.Fatalf("status=%s attempts=%d", got.Status, got.AttemptCount)
	}
	if len(got.RenderedPayload) == 0 {
		t.Errorf("rendered payload not persisted")
	}
	attempts, _ := f.store.AttemptsForJob(ctx, j.ID)
	if len(attempts) != 1 || attempts[0].Outcome != queue.OutcomeSucceeded {
		t.Fatalf("attempts = %+v", attempts)
	}
}

func TestProcessFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.sender.errs = []error{&dispatch.Error{Reason: "http_5xx", StatusCode: 503}}
	j := f.enqueueAndClaim(t, 3)

	f.pool.process(ctx, j)

	got, _ := f.store.Get(ctx, j.ID)
	if got.Status != queue.StatusFailedRetryable || got.AttemptCount != 1 {
		t.Fatalf("status=%s attempts=%d", got.Status, got.AttemptCount)
	}
}

func TestProcessExhaustionDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.sender.errs = []error{&dispatch.Error{Reason: "http_5xx", StatusCode: 503}}
	j := f.enqueueAndClaim(t, 1)

	f.pool.process(ctx, j)

	got, _ := f.store.Get(ctx, j.ID)
	if got.Status != queue.StatusFailedTerminal || got.Tier != queue.TierDeadLetter {
		t.Fatalf("status=%s tier=%d", got.Status, got.Tier)
	}
}

func TestProcessRenderErrorTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	j := f.enqueueAndClaim(t, 3)
	j.Event.EntityID = "" // renderer rejects this
	j.RenderedPayload = nil

	f.pool.process(ctx, j)

	got, _ := f.store.Get(ctx, j.ID)
	if got.Status != queue.StatusFailedTerminal {
		t.Fatalf("status = %s, want failed_terminal", got.Status)
	}
	if f.sender.calls != 0 {
		t.Errorf("sender called %d times for unrenderable job", f.sender.calls)
	}
	attempts, _ := f.store.AttemptsForJob(ctx, j.ID)
	if len(attempts) != 1 || attempts[0].Outcome != queue.OutcomeRenderError {
		t.Fatalf("attempts = %+v", attempts)
	}
}

func TestProcessMissingChannelTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	j := f.enqueueAndClaim(t, 3)
	j.ChannelID = "ch-gone"

	f.pool.process(ctx, j)

	got, _ := f.store.Get(ctx, j.ID)
	if got.Status != queue.StatusFailedTerminal {
		t.Fatalf("status = %s, want failed_terminal", got.Status)
	}
	if f.sender.calls != 0 {
		t.Errorf("sender called for missing channel")
	}
}

func TestProcessCircuitOpenShedsWithoutAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	// Trip the circuit for ch-1.
	for i := 0; i < 3; i++ {
		f.sender.errs = append(f.sender.errs, &dispatch.Error{Reason: "timeout"})
	}
	for i := 0; i < 3; i++ {
		j := f.enqueueAndClaim(t, 6)
		f.pool.process(ctx, j)
	}

	j := f.enqueueAndClaim(t, 6)
	f.pool.process(ctx, j)

	got, _ := f.store.Get(ctx, j.ID)
	if got.Status != queue.StatusFailedRetryable || got.Tier != queue.TierDelayed {
		t.Fatalf("status=%s tier=%d", got.Status, got.Tier)
	}
	if got.AttemptCount != 0 {
		t.Fatalf("shed delivery consumed an attempt: %d", got.AttemptCount)
	}
	attempts, _ := f.store.AttemptsForJob(ctx, j.ID)
	if len(attempts) != 1 || attempts[0].Outcome != queue.OutcomeCircuitOpen {
		t.Fatalf("attempts = %+v", attempts)
	}
}

func TestRunProcessesAndDrains(t *testing.T) {
	f := newFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())

	bg := context.Background()
	ev := event.CanonicalEvent{
		ID: uuid.NewString(), TenantID: "tenant-1", EventType: "deal.won",
		EntityType: "deal", EntityID: "deal-1", OccurredAt: time.Now().UTC(),
		DedupeKey: event.DedupeKey(uuid.NewString(), "deal.updated"),
	}
	if _, _, err := f.store.UpsertEvent(bg, ev); err != nil {
		t.Fatal(err)
	}
	j := queue.Job{
		ID: uuid.NewString(), EventID: ev.ID, DedupeKey: ev.DedupeKey,
		TenantID: "tenant-1", RuleID: "r-1", ChannelID: "ch-1", MaxAttempts: 3,
	}
	if err := f.store.Enqueue(bg, j); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		f.pool.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		got, err := f.store.Get(bg, j.ID)
		if err == nil && got.Status == queue.StatusSucceeded {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never delivered: %+v", got)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not drain after cancel")
	}
}

func TestScriptedSenderContract(t *testing.T) {
	s := &scriptedSender{errs: []error{errors.New("boom"), nil}}
	_, err := s.Send(context.Background(), rule.Channel{}, nil)
	if err == nil {
		t.Fatal("first call should fail")
	}
	_, err = s.Send(context.Background(), rule.Channel{}, nil)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
}
