package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/logging"
)

const tenantHeader = "X-Tenant-ID"

// maxBodyBytes bounds inbound event documents.
const maxBodyBytes = 1 << 20

// Handler exposes the ingest API:
//
//	POST /v1/events   accept one raw CRM event
//
// 202 means queued for delivery, 200 means accepted but delivered (or
// attempted) on the degraded direct path, 400 names the invalid field.
type Handler struct {
	svc    *Service
	logger *logging.Logger
}

func NewHandler(svc *Service, logger *logging.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/events", h.postEvent)
}

type errorBody struct {
	Error struct {
		Field   string `json:"field,omitempty"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, field, message string) {
	var body errorBody
	body.Error.Field = field
	body.Error.Message = message
	writeJSON(w, status, body)
}

func (h *Handler) postEvent(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(tenantHeader)
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id", "missing "+tenantHeader+" header")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "", "unreadable request body")
		return
	}

	res, err := h.svc.Ingest(r.Context(), tenantID, raw)
	if err != nil {
		var verr *event.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Field, verr.Msg)
			return
		}
		h.logger.WithContext(r.Context()).WithTenant(tenantID).WithError(err).Error("ingest failed")
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return
	}

	// Fallback deliveries already happened synchronously; tell the caller
	// the event was handled now rather than queued.
	status := http.StatusAccepted
	if res.Fallback > 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}
