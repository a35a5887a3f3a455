package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chatrelay/chatrelay/internal/dispatch"
	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/queue"
	"github.com/chatrelay/chatrelay/internal/rule"
)

type fakeSender struct {
	calls int
	err   error
}

func (f *fakeSender) Send(_ context.Context, _ rule.Channel, _ []byte) (dispatch.Result, error) {
	f.calls++
	if f.err != nil {
		return dispatch.Result{StatusCode: 503}, f.err
	}
	return dispatch.Result{StatusCode: 200, Latency: time.Millisecond}, nil
}

// failingEnqueueStore simulates a queue outage: events persist, jobs do not.
type failingEnqueueStore struct {
	*queue.MemoryStore
}

func (s *failingEnqueueStore) Enqueue(context.Context, queue.Job) error {
	return errors.New("connection refused")
}

type env struct {
	svc    *Service
	store  *queue.MemoryStore
	rules  *rule.MemoryStore
	sender *fakeSender
}

func newEnv(t *testing.T, js JobStore, ms *queue.MemoryStore) *env {
	t.Helper()
	logger := logging.New("test")
	norm, err := event.NewNormalizer(nil)
	if err != nil {
		t.Fatal(err)
	}
	rules := rule.NewMemoryStore()
	rules.PutChannel(rule.Channel{ID: "ch-1", TenantID: "tenant-1", EndpointURL: "http://chat.example/hook", Secret: "s", Active: true})
	rules.PutRule(rule.Rule{ID: "r-won", TenantID: "tenant-1", EventType: "deal.won", TargetChannelID: "ch-1", Enabled: true})

	sender := &fakeSender{}
	svc := NewService(norm, rule.NewMatcher(logger), rules, js, ms, sender, dispatch.NewMessageRenderer(), 6, logger)
	return &env{svc: svc, store: ms, rules: rules, sender: sender}
}

func rawEvent(id string) []byte {
	return []byte(`{
		"id": "` + id + `",
		"type": "deal.updated",
		"entity": {"type": "deal", "id": "deal-9"},
		"attributes": {"status": "won", "name": "Acme", "amount": 900.0},
		"occurred_at": "2026-03-01T12:00:00Z"
	}`)
}

func TestIngestCreatesJobs(t *testing.T) {
	ctx := context.Background()
	ms := queue.NewMemoryStore()
	e := newEnv(t, ms, ms)

	res, err := e.svc.Ingest(ctx, "tenant-1", rawEvent("src-1"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Suppressed || len(res.JobIDs) != 1 {
		t.Fatalf("result = %+v", res)
	}
	// Promotion happened before matching: the deal.won rule fired.
	if res.EventType != "deal.won" {
		t.Errorf("event type = %s", res.EventType)
	}

	job, err := ms.Get(ctx, res.JobIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if job.RuleID != "r-won" || job.ChannelID != "ch-1" || job.Status != queue.StatusPending {
		t.Errorf("job = %+v", job)
	}
	if e.sender.calls != 0 {
		t.Errorf("direct sender used on healthy path")
	}
}

func TestIngestDuplicateSuppressed(t *testing.T) {
	ctx := context.Background()
	ms := queue.NewMemoryStore()
	e := newEnv(t, ms, ms)

	first, err := e.svc.Ingest(ctx, "tenant-1", rawEvent("src-1"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.svc.Ingest(ctx, "tenant-1", rawEvent("src-1"))
	if err != nil {
		t.Fatal(err)
	}
	if !second.Suppressed || len(second.JobIDs) != 0 {
		t.Fatalf("second result = %+v", second)
	}
	if second.EventID != first.EventID {
		t.Errorf("duplicate resolved to different event: %s vs %s", second.EventID, first.EventID)
	}
}

func TestIngestValidationError(t *testing.T) {
	ctx := context.Background()
	ms := queue.NewMemoryStore()
	e := newEnv(t, ms, ms)

	_, err := e.svc.Ingest(ctx, "tenant-1", []byte(`{"type": "deal.updated"}`))
	var verr *event.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestIngestFallbackOnQueueFailure(t *testing.T) {
	ctx := context.Background()
	ms := queue.NewMemoryStore()
	e := newEnv(t, &failingEnqueueStore{ms}, ms)

	res, err := e.svc.Ingest(ctx, "tenant-1", rawEvent("src-1"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Fallback != 1 || len(res.JobIDs) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if e.sender.calls != 1 {
		t.Fatalf("sender calls = %d", e.sender.calls)
	}

	// The bypass leaves an audit trail.
	attempts := ms.Attempts()
	if len(attempts) != 1 {
		t.Fatalf("attempts = %+v", attempts)
	}
	if attempts[0].Path != queue.PathFallback || attempts[0].Outcome != queue.OutcomeSucceeded {
		t.Fatalf("attempt = %+v", attempts[0])
	}
}

type failingRenderer struct{}

func (failingRenderer) Render(string, event.CanonicalEvent) ([]byte, error) {
	return nil, &dispatch.RenderError{Reason: "template missing"}
}

func TestIngestFallbackRecordsAttemptOnRenderFailure(t *testing.T) {
	ctx := context.Background()
	ms := queue.NewMemoryStore()
	logger := logging.New("test")
	norm, err := event.NewNormalizer(nil)
	if err != nil {
		t.Fatal(err)
	}
	rules := rule.NewMemoryStore()
	rules.PutChannel(rule.Channel{ID: "ch-1", TenantID: "tenant-1", EndpointURL: "http://chat.example/hook", Secret: "s", Active: true})
	rules.PutRule(rule.Rule{ID: "r-won", TenantID: "tenant-1", EventType: "deal.won", TargetChannelID: "ch-1", Enabled: true})
	sender := &fakeSender{}
	svc := NewService(norm, rule.NewMatcher(logger), rules, &failingEnqueueStore{ms}, ms, sender, failingRenderer{}, 6, logger)

	res, err := svc.Ingest(ctx, "tenant-1", rawEvent("src-1"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Fallback != 0 {
		t.Fatalf("result = %+v", res)
	}
	if sender.calls != 0 {
		t.Fatalf("sender called despite render failure")
	}

	// Render failure still lands in the attempt log under the fallback path.
	attempts := ms.Attempts()
	if len(attempts) != 1 {
		t.Fatalf("attempts = %+v", attempts)
	}
	a := attempts[0]
	if a.Path != queue.PathFallback || a.Outcome != queue.OutcomeRenderError {
		t.Fatalf("attempt = %+v", a)
	}
	if a.Error == "" {
		t.Errorf("attempt missing error text")
	}
}

func TestIngestFallbackRecordsAttemptOnInactiveChannel(t *testing.T) {
	ctx := context.Background()
	ms := queue.NewMemoryStore()
	e := newEnv(t, &failingEnqueueStore{ms}, ms)
	e.rules.PutChannel(rule.Channel{ID: "ch-1", TenantID: "tenant-1", EndpointURL: "http://chat.example/hook", Secret: "s", Active: false})

	res, err := e.svc.Ingest(ctx, "tenant-1", rawEvent("src-1"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Fallback != 0 {
		t.Fatalf("result = %+v", res)
	}
	if e.sender.calls != 0 {
		t.Fatalf("sender called despite inactive channel")
	}
	attempts := ms.Attempts()
	if len(attempts) != 1 {
		t.Fatalf("attempts = %+v", attempts)
	}
	if attempts[0].Path != queue.PathFallback || attempts[0].Outcome != queue.OutcomeFailed {
		t.Fatalf("attempt = %+v", attempts[0])
	}
}

func TestHandlerStatusCodes(t *testing.T) {
	ms := queue.NewMemoryStore()
	e := newEnv(t, ms, ms)
	mux := http.NewServeMux()
	NewHandler(e.svc, logging.New("test")).Register(mux)

	post := func(tenant string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(body))
		if tenant != "" {
			req.Header.Set("X-Tenant-ID", tenant)
		}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	rec := post("tenant-1", rawEvent("src-http-1"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("queued event status = %d body = %s", rec.Code, rec.Body.String())
	}
	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if len(res.JobIDs) != 1 {
		t.Fatalf("result = %+v", res)
	}

	rec = post("", rawEvent("src-http-2"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing tenant status = %d", rec.Code)
	}

	rec = post("tenant-1", []byte(`{"id": "x"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid event status = %d", rec.Code)
	}
	var eb errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &eb); err != nil {
		t.Fatal(err)
	}
	if eb.Error.Message == "" {
		t.Errorf("error body missing message: %s", rec.Body.String())
	}
}

func TestHandlerFallbackReturns200(t *testing.T) {
	ms := queue.NewMemoryStore()
	e := newEnv(t, &failingEnqueueStore{ms}, ms)
	mux := http.NewServeMux()
	NewHandler(e.svc, logging.New("test")).Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(rawEvent("src-fb-1")))
	req.Header.Set("X-Tenant-ID", "tenant-1")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("fallback status = %d, want 200", rec.Code)
	}
}
