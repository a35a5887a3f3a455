package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/queue"
	"github.com/chatrelay/chatrelay/internal/retry"
)

// Handler exposes the query and operations API:
//
//	GET  /v1/health                  latest score, issues, open alerts, queue depths
//	GET  /v1/alerts                  open alerts
//	POST /v1/alerts/{id}/ack         acknowledge
//	POST /v1/alerts/{id}/resolve     resolve
//	GET  /v1/jobs/{id}               job detail with attempt history
//	GET  /v1/dlq                     dead-lettered jobs
//	POST /v1/retry                   manual retry, one job or by filter
type Handler struct {
	store     queue.Store
	attempts  queue.AttemptLog
	alerts    AlertStore
	snapshots SnapshotStore
	retries   *retry.Controller
	logger    *logging.Logger
}

func NewHandler(
	store queue.Store,
	attempts queue.AttemptLog,
	alerts AlertStore,
	snapshots SnapshotStore,
	retries *retry.Controller,
	logger *logging.Logger,
) *Handler {
	return &Handler{
		store:     store,
		attempts:  attempts,
		alerts:    alerts,
		snapshots: snapshots,
		retries:   retries,
		logger:    logger,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/health", h.getHealth)
	mux.HandleFunc("GET /v1/health/history", h.getHealthHistory)
	mux.HandleFunc("GET /v1/alerts", h.listAlerts)
	mux.HandleFunc("POST /v1/alerts/{id}/ack", h.ackAlert)
	mux.HandleFunc("POST /v1/alerts/{id}/resolve", h.resolveAlert)
	mux.HandleFunc("GET /v1/jobs/{id}", h.getJob)
	mux.HandleFunc("GET /v1/dlq", h.listDLQ)
	mux.HandleFunc("POST /v1/retry", h.postRetry)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"message": message}})
}

type healthResponse struct {
	Status    string         `json:"status"`
	Score     int            `json:"score"`
	Issues    []Issue        `json:"issues"`
	Alerts    []Alert        `json:"alerts"`
	Depths    map[string]int `json:"queue_depths"`
	CheckedAt time.Time      `json:"checked_at"`
}

func (h *Handler) getHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	snap, ok, err := h.snapshots.Latest(ctx, pipelineComponent)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("latest snapshot read failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	resp := healthResponse{Status: "healthy", Score: 100, Issues: []Issue{}}
	if ok {
		resp.Score = snap.Score
		resp.Issues = snap.Issues
		resp.CheckedAt = snap.CreatedAt
		switch {
		case snap.Score >= 90:
			resp.Status = "healthy"
		case snap.Score >= 70:
			resp.Status = "degraded"
		default:
			resp.Status = "critical"
		}
	}

	if alerts, err := h.alerts.ListOpen(ctx); err == nil {
		resp.Alerts = alerts
	}
	if resp.Alerts == nil {
		resp.Alerts = []Alert{}
	}
	if depths, err := h.store.Depths(ctx); err == nil {
		resp.Depths = map[string]int{
			"immediate":   depths[queue.TierImmediate],
			"delayed":     depths[queue.TierDelayed],
			"dead_letter": depths[queue.TierDeadLetter],
		}
	}

	status := http.StatusOK
	if resp.Status == "critical" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *Handler) getHealthHistory(w http.ResponseWriter, r *http.Request) {
	component := r.URL.Query().Get("component")
	if component == "" {
		component = pipelineComponent
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	snaps, err := h.snapshots.History(r.Context(), component, limit)
	if err != nil {
		h.logger.WithContext(r.Context()).WithError(err).Error("snapshot history read failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if snaps == nil {
		snaps = []Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.alerts.ListOpen(r.Context())
	if err != nil {
		h.logger.WithContext(r.Context()).WithError(err).Error("list alerts failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := alerts[:0]
		for _, a := range alerts {
			if string(a.Status) == status {
				filtered = append(filtered, a)
			}
		}
		alerts = filtered
	}
	if alerts == nil {
		alerts = []Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (h *Handler) ackAlert(w http.ResponseWriter, r *http.Request) {
	h.alertTransition(w, r, h.alerts.Acknowledge)
}

func (h *Handler) resolveAlert(w http.ResponseWriter, r *http.Request) {
	h.alertTransition(w, r, h.alerts.Resolve)
}

func (h *Handler) alertTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error) {
	id := r.PathValue("id")
	if err := fn(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, ErrAlertNotFound):
			writeError(w, http.StatusNotFound, "alert not found")
		case errors.Is(err, ErrAlertResolved):
			writeError(w, http.StatusConflict, "alert already resolved")
		default:
			h.logger.WithContext(r.Context()).WithError(err).Error("alert update failed")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	alert, err := h.alerts.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

type jobResponse struct {
	Job      jobView         `json:"job"`
	Attempts []queue.Attempt `json:"attempts"`
}

// jobView is the wire shape of a job; rendered payload and trace headers are
// internal.
type jobView struct {
	ID           string    `json:"id"`
	EventID      string    `json:"event_id"`
	TenantID     string    `json:"tenant_id"`
	RuleID       string    `json:"rule_id"`
	ChannelID    string    `json:"channel_id"`
	Status       string    `json:"status"`
	Tier         int       `json:"tier"`
	AttemptCount int       `json:"attempt_count"`
	MaxAttempts  int       `json:"max_attempts"`
	ScheduledFor time.Time `json:"scheduled_for"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toJobView(j queue.Job) jobView {
	return jobView{
		ID:           j.ID,
		EventID:      j.EventID,
		TenantID:     j.TenantID,
		RuleID:       j.RuleID,
		ChannelID:    j.ChannelID,
		Status:       string(j.Status),
		Tier:         int(j.Tier),
		AttemptCount: j.AttemptCount,
		MaxAttempts:  j.MaxAttempts,
		ScheduledFor: j.ScheduledFor,
		LastError:    j.LastError,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.WithContext(r.Context()).WithError(err).Error("job read failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	attempts, err := h.attempts.AttemptsForJob(r.Context(), id)
	if err != nil {
		h.logger.WithContext(r.Context()).WithError(err).Error("attempts read failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if attempts == nil {
		attempts = []queue.Attempt{}
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: toJobView(job), Attempts: attempts})
}

func (h *Handler) listDLQ(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	jobs, err := h.store.ListDeadLetter(r.Context(), r.URL.Query().Get("channel_id"), limit)
	if err != nil {
		h.logger.WithContext(r.Context()).WithError(err).Error("dlq read failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, toJobView(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

type retryRequest struct {
	JobID     string `json:"job_id,omitempty"`
	OlderThan string `json:"older_than,omitempty"` // Go duration, e.g. "1h"
	TenantID  string `json:"tenant_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

func (h *Handler) postRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.JobID != "" {
		err := h.retries.RetryJob(r.Context(), req.JobID)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]any{"retried": 1})
		case errors.Is(err, queue.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, queue.ErrNotTerminal):
			writeError(w, http.StatusConflict, "job is not in the dead-letter tier")
		default:
			h.logger.WithContext(r.Context()).WithError(err).Error("manual retry failed")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	f := queue.RetryFilter{TenantID: req.TenantID, ChannelID: req.ChannelID}
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil {
			writeError(w, http.StatusBadRequest, "older_than must be a duration like 30m or 2h")
			return
		}
		f.OlderThan = d
	}
	if f.OlderThan == 0 && f.TenantID == "" && f.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "provide job_id or at least one filter")
		return
	}
	n, err := h.retries.RetryByFilter(r.Context(), f)
	if err != nil {
		h.logger.WithContext(r.Context()).WithError(err).Error("bulk retry failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retried": n})
}
