package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatrelay/chatrelay/internal/auth"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/db"
	"github.com/chatrelay/chatrelay/internal/dispatch"
	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/ingest"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/metrics"
	"github.com/chatrelay/chatrelay/internal/queue"
	"github.com/chatrelay/chatrelay/internal/rule"
	"github.com/chatrelay/chatrelay/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("chatrelay-ingest")

	shutdown, err := tracing.InitTracing(ctx, "chatrelay-ingest")
	if err != nil {
		logger.Plain().WithError(err).Fatal("tracing init failed")
	}
	defer shutdown()

	if err := db.Migrate(cfg.DSN()); err != nil {
		logger.Plain().WithError(err).Fatal("migrations failed")
	}
	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	normalizer, err := event.NewNormalizer(nil)
	if err != nil {
		logger.Plain().WithError(err).Fatal("normalizer init failed")
	}

	store := queue.NewPostgresStore(pool)
	rules := rule.NewPostgresStore(pool)
	matcher := rule.NewMatcher(logger)
	dispatcher := dispatch.New(cfg.Worker.DispatchTimeout)
	renderer := dispatch.NewMessageRenderer()

	svc := ingest.NewService(normalizer, matcher, rules, store, store, dispatcher, renderer, cfg.Retry.MaxAttempts, logger)

	mux := http.NewServeMux()
	ingest.NewHandler(svc, logger).Register(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"ok":false}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	var handler http.Handler = mux
	if cfg.Auth.PublicKeyPEM != "" {
		validator, err := auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("jwt validator init failed")
		}
		handler = validator.HTTPMiddleware(mux)
		logger.Plain().Info("bearer token auth enabled")
	} else {
		logger.Plain().Warn("AUTH_PUBLIC_KEY_PEM not set, running without auth")
	}

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: handler}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("ingest HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down ingest")
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("ingest stopped")
}
