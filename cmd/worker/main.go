package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/chatrelay/chatrelay/internal/breaker"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/db"
	"github.com/chatrelay/chatrelay/internal/dispatch"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/metrics"
	"github.com/chatrelay/chatrelay/internal/queue"
	"github.com/chatrelay/chatrelay/internal/retry"
	"github.com/chatrelay/chatrelay/internal/rule"
	"github.com/chatrelay/chatrelay/internal/tracing"
	"github.com/chatrelay/chatrelay/internal/worker"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("chatrelay-worker")

	shutdown, err := tracing.InitTracing(ctx, "chatrelay-worker")
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

	// Breaker state lives in Redis so every worker process sees the same
	// circuit per channel. An unset REDIS_ADDR falls back to process-local
	// state, which is only correct for a single worker.
	var states breaker.StateStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Plain().WithError(err).Fatal("redis connect failed")
		}
		defer rdb.Close()
		states = breaker.NewRedisStore(rdb)
	} else {
		logger.Plain().Warn("REDIS_ADDR not set, breaker state is process-local")
		states = breaker.NewMemoryStore()
	}

	store := queue.NewPostgresStore(pool)
	rules := rule.NewPostgresStore(pool)
	br := breaker.New(states, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           cfg.Breaker.Window,
		Cooldown:         cfg.Breaker.Cooldown,
		MaxCooldown:      cfg.Breaker.MaxCooldown,
	}, logger)
	dispatcher := dispatch.New(cfg.Worker.DispatchTimeout)
	renderer := dispatch.NewMessageRenderer()

	retries := retry.NewController(store, cfg.Retry, logger)
	if cfg.NSQ.PublishDLQ {
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer producer.Stop()
		retries.WithDLQPublisher(producer, cfg.NSQ.DLQTopic)
	}

	workerID := "worker-" + uuid.NewString()[:8]
	pl := worker.NewPool(workerID, store, store, rules, br, dispatcher, renderer, retries, cfg.Worker, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		pl.Run(runCtx)
	}()
	logger.Plain().WithField("worker_id", workerID).Info("worker started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down worker")
	cancel()
	<-done
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker stopped")
}
