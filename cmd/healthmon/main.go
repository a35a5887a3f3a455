package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/chatrelay/chatrelay/internal/auth"
	"github.com/chatrelay/chatrelay/internal/breaker"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/db"
	"github.com/chatrelay/chatrelay/internal/health"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/metrics"
	"github.com/chatrelay/chatrelay/internal/queue"
	"github.com/chatrelay/chatrelay/internal/retry"
	"github.com/chatrelay/chatrelay/internal/rule"
	"github.com/chatrelay/chatrelay/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("chatrelay-healthmon")

	shutdown, err := tracing.InitTracing(ctx, "chatrelay-healthmon")
	if err != nil {
		logger.Plain().WithError(err).Fatal("tracing init failed")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	var states breaker.StateStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Plain().WithError(err).Fatal("redis connect failed")
		}
		defer rdb.Close()
		states = breaker.NewRedisStore(rdb)
	} else {
		logger.Plain().Warn("REDIS_ADDR not set, stale breaker cleanup disabled")
		states = breaker.NewMemoryStore()
	}

	store := queue.NewPostgresStore(pool)
	rules := rule.NewPostgresStore(pool)
	alerts := health.NewPostgresAlertStore(pool)
	snapshots := health.NewPostgresSnapshotStore(pool)

	monitor := health.NewMonitor(store, store, rules, states, alerts, snapshots, cfg.Monitor, logger)
	if cfg.NSQ.PublishAlerts {
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer producer.Stop()
		monitor.WithAlertPublisher(producer, cfg.NSQ.AlertsTopic)
	}

	retries := retry.NewController(store, cfg.Retry, logger)

	mux := http.NewServeMux()
	health.NewHandler(store, store, alerts, snapshots, retries, logger).Register(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
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

	httpSrv := &http.Server{Addr: cfg.Monitor.HTTPPort, Handler: handler}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("healthmon HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	go monitor.Run(runCtx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down healthmon")
	cancel()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("healthmon stopped")
}
