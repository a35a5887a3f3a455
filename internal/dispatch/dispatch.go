package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/chatrelay/chatrelay/internal/rule"
	"github.com/chatrelay/chatrelay/internal/tracing"
)

const (
	sigHeader   = "X-ChatRelay-Signature" // sha256=<hex>
	tsHeader    = "X-ChatRelay-Timestamp" // unix seconds
	traceHeader = "X-Trace-Id"
)

// Error is a failed dispatch attempt: the endpoint rejected the message or
// was unreachable. Always retryable from the dispatcher's point of view;
// attempt budgets decide when to stop.
type Error struct {
	Reason     string // timeout, connection_refused, dns_error, network, http_5xx, http_429, http_4xx, other
	StatusCode int    // 0 when the request never got a response
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("dispatch %s: status %d", e.Reason, e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }

// Result is the outcome of a successful POST.
type Result struct {
	StatusCode int
	Latency    time.Duration
}

// Dispatcher posts rendered payloads to channel endpoints, signing each
// request with the channel secret (HMAC-SHA256 over body||timestamp).
type Dispatcher struct {
	client *http.Client
}

func New(timeout time.Duration) *Dispatcher {
	return &Dispatcher{client: &http.Client{Timeout: timeout}}
}

// Send posts payload to the channel endpoint. The returned latency covers
// the HTTP round trip; it is populated on failure too.
func (d *Dispatcher) Send(ctx context.Context, ch rule.Channel, payload []byte) (Result, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.EndpointURL, bytes.NewReader(payload))
	if err != nil {
		return Result{}, &Error{Reason: "other", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tsHeader, ts)
	req.Header.Set(sigHeader, "sha256="+Sign(ch.Secret, payload, ts))
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set(traceHeader, traceID)
	}

	tracing.AddSpanEvent(ctx, "http.send_message",
		attribute.String("channel_id", ch.ID),
		attribute.String("endpoint_url", ch.EndpointURL),
	)

	start := time.Now()
	resp, doErr := d.client.Do(req)
	latency := time.Since(start)
	status := 0
	if doErr == nil {
		status = resp.StatusCode
		_ = resp.Body.Close()
	}

	if doErr == nil && status >= 200 && status < 300 {
		return Result{StatusCode: status, Latency: latency}, nil
	}
	return Result{StatusCode: status, Latency: latency}, &Error{
		Reason:     ClassifyReason(doErr, status),
		StatusCode: status,
		Err:        doErr,
	}
}

// Sign computes the hex HMAC-SHA256 of body||timestamp under secret.
func Sign(secret string, body []byte, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(ts))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a "sha256=<hex>" header value in constant time.
func VerifySignature(secret string, body []byte, ts, header string) bool {
	want := "sha256=" + Sign(secret, body, ts)
	return hmac.Equal([]byte(header), []byte(want))
}

// ClassifyReason buckets a dispatch failure for metrics and retry decisions.
func ClassifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
