package main

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/dispatch"
)

func signedHeaders(secret, body string, ts int64) map[string]string {
	t := strconv.FormatInt(ts, 10)
	return map[string]string{
		"X-ChatRelay-Timestamp": t,
		"X-ChatRelay-Signature": "sha256=" + dispatch.Sign(secret, []byte(body), t),
	}
}

func TestHandleHook(t *testing.T) {
	tests := []struct {
		name                 string
		body                 string
		headers              map[string]string
		cfg                  config.FakeChat
		expectedStatus       int
		expectedBodyContains string
	}{
		{
			name:                 "successful request",
			body:                 `{"text":"Deal won: Acme (1200.00)"}`,
			cfg:                  config.FakeChat{},
			expectedStatus:       http.StatusOK,
			expectedBodyContains: "ok",
		},
		{
			name:                 "fail first request",
			body:                 `{"text":"hello"}`,
			cfg:                  config.FakeChat{FailFirstN: 1},
			expectedStatus:       http.StatusInternalServerError,
			expectedBodyContains: "temporary failure",
		},
		{
			name: "missing signature with secret configured",
			body: `{"text":"hello"}`,
			headers: map[string]string{
				"X-ChatRelay-Timestamp": strconv.FormatInt(time.Now().Unix(), 10),
			},
			cfg:                  config.FakeChat{ChannelSecret: "test-secret", SigningLeewaySeconds: 300},
			expectedStatus:       http.StatusUnauthorized,
			expectedBodyContains: "missing headers",
		},
		{
			name:                 "stale timestamp rejected",
			body:                 `{"text":"hello"}`,
			headers:              signedHeaders("test-secret", `{"text":"hello"}`, time.Now().Add(-time.Hour).Unix()),
			cfg:                  config.FakeChat{ChannelSecret: "test-secret", SigningLeewaySeconds: 300},
			expectedStatus:       http.StatusUnauthorized,
			expectedBodyContains: "timestamp outside leeway",
		},
		{
			name:                 "wrong secret rejected",
			body:                 `{"text":"hello"}`,
			headers:              signedHeaders("other-secret", `{"text":"hello"}`, time.Now().Unix()),
			cfg:                  config.FakeChat{ChannelSecret: "test-secret", SigningLeewaySeconds: 300},
			expectedStatus:       http.StatusUnauthorized,
			expectedBodyContains: "sig mismatch",
		},
		{
			name:                 "valid signature accepted",
			body:                 `{"text":"hello"}`,
			headers:              signedHeaders("test-secret", `{"text":"hello"}`, time.Now().Unix()),
			cfg:                  config.FakeChat{ChannelSecret: "test-secret", SigningLeewaySeconds: 300},
			expectedStatus:       http.StatusOK,
			expectedBodyContains: "ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reqCount.Store(0)

			req := httptest.NewRequest("POST", "/hook", strings.NewReader(tt.body))
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()

			handleHook(w, req, tt.cfg)

			if w.Code != tt.expectedStatus {
				t.Errorf("handleHook() status = %d, want %d", w.Code, tt.expectedStatus)
			}
			if !strings.Contains(w.Body.String(), tt.expectedBodyContains) {
				t.Errorf("handleHook() body = %q, want to contain %q", w.Body.String(), tt.expectedBodyContains)
			}
		})
	}
}

func TestFailFirstNThenRecovers(t *testing.T) {
	reqCount.Store(0)
	cfg := config.FakeChat{FailFirstN: 2}

	for i, want := range []int{http.StatusInternalServerError, http.StatusInternalServerError, http.StatusOK} {
		req := httptest.NewRequest("POST", "/hook", strings.NewReader(`{"text":"x"}`))
		w := httptest.NewRecorder()
		handleHook(w, req, cfg)
		if w.Code != want {
			t.Errorf("request %d status = %d, want %d", i+1, w.Code, want)
		}
	}
}

func TestAbs64(t *testing.T) {
	tests := []struct {
		input    int64
		expected int64
	}{
		{42, 42},
		{-42, 42},
		{0, 0},
	}
	for _, tt := range tests {
		if got := abs64(tt.input); got != tt.expected {
			t.Errorf("abs64(%d) = %d, want %d", tt.input, got, tt.expected)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input    string
		length   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "hello..."},
		{"", 5, ""},
	}
	for _, tt := range tests {
		if got := truncate(tt.input, tt.length); got != tt.expected {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.length, got, tt.expected)
		}
	}
}
