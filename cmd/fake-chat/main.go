// fake-chat is a local stand-in for a team-chat webhook endpoint. It verifies
// message signatures and can be told to fail the first N requests, which
// exercises the retry and circuit breaker paths end to end.
package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/dispatch"
)

var reqCount atomic.Int64

func main() {
	cfg := config.FromEnv()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /hook", func(w http.ResponseWriter, r *http.Request) {
		handleHook(w, r, cfg.FakeChat)
	})

	srv := &http.Server{
		Addr:         cfg.FakeChat.Port,
		Handler:      mux,
		ReadTimeout:  cfg.FakeChat.ReadTimeout,
		WriteTimeout: cfg.FakeChat.WriteTimeout,
		IdleTimeout:  cfg.FakeChat.IdleTimeout,
	}
	log.Printf("fake-chat listening on %s", srv.Addr)
	log.Fatal(srv.ListenAndServe())
}

func handleHook(w http.ResponseWriter, r *http.Request, cfg config.FakeChat) {
	n := reqCount.Add(1)
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if cfg.ChannelSecret != "" {
		leeway := time.Duration(cfg.SigningLeewaySeconds) * time.Second
		if ok, msg := checkSignature(cfg.ChannelSecret, body, r, leeway); !ok {
			log.Printf("fake-chat rejected message: %s", msg)
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	if cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(cfg.ResponseDelayMS) * time.Millisecond)
	}

	// Simulate a flaky channel: first N requests -> 500.
	if n <= int64(cfg.FailFirstN) {
		log.Printf("FAILING (%d/%d) body=%s", n, cfg.FailFirstN, truncate(string(body), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	var msg struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(body, &msg)
	log.Printf("fake-chat OK text=%q trace=%s", truncate(msg.Text, 160), r.Header.Get("X-Trace-Id"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func checkSignature(secret string, body []byte, r *http.Request, leeway time.Duration) (bool, string) {
	ts := r.Header.Get("X-ChatRelay-Timestamp")
	sig := r.Header.Get("X-ChatRelay-Signature")
	if ts == "" || sig == "" {
		return false, "missing headers"
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, "invalid timestamp"
	}
	if abs64(time.Now().Unix()-unix) > int64(leeway.Seconds()) {
		return false, "timestamp outside leeway"
	}
	if !dispatch.VerifySignature(secret, body, ts, sig) {
		return false, "sig mismatch"
	}
	return true, ""
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
