package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Redis struct {
	Addr string
	DB   int
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	DLQTopic       string // dead-letter envelope topic
	AlertsTopic    string // raised-alert notification topic
	PublishDLQ     bool   // publish dead-letter envelopes to NSQ
	PublishAlerts  bool   // publish raised alerts to NSQ
}

type Worker struct {
	PoolSize        int           // concurrent delivery workers
	ClaimBatch      int           // jobs claimed per poll
	PollInterval    time.Duration // queue poll interval when idle
	ClaimVisibility time.Duration // claim visibility timeout
	DispatchTimeout time.Duration // outbound HTTP timeout
	HTTPPort        string        // worker metrics/health port
}

type Retry struct {
	MaxAttempts   int           // delivery attempts before dead-letter
	BaseDelay     time.Duration // first backoff delay
	MaxDelay      time.Duration // backoff cap
	JitterPercent float64       // backoff jitter (0.0-1.0)
}

type Breaker struct {
	FailureThreshold int           // windowed failures before opening
	Window           time.Duration // failure counting window
	Cooldown         time.Duration // open-state cooldown before a probe
	MaxCooldown      time.Duration // cap for cooldown extension on failed probes
}

type Monitor struct {
	Interval          time.Duration // audit interval
	SuccessFloor      float64       // success ratio below which delivery is failing
	SuccessWindow     time.Duration // attempt-log window for the success ratio
	BacklogWarning    int           // pending jobs before backlog is degraded
	BacklogMaxAge     time.Duration // oldest pending job age before workers count as stalled
	SnapshotRetention time.Duration // how long snapshot history is kept
	HTTPPort          string        // health/ops API port
}

type Auth struct {
	PublicKeyPEM string // RS256 public key for bearer tokens; empty disables auth
	Issuer       string
	Audience     string
}

type FakeChat struct {
	FailFirstN           int           // requests to fail before succeeding
	ChannelSecret        string        // secret for signature verification
	SigningLeewaySeconds int           // allowed timestamp skew
	ResponseDelayMS      int           // simulated response delay
	Port                 string        // listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName  string
	HTTPPort string // ingest API port
	DB       DB
	Redis    Redis
	NSQ      NSQ
	Worker   Worker
	Retry    Retry
	Breaker  Breaker
	Monitor  Monitor
	Auth     Auth
	FakeChat FakeChat
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "chatrelay"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "chatrelay"),
		},
		Redis: Redis{
			Addr: getenv("REDIS_ADDR", ""), // empty means process-local breaker state
			DB:   getenvInt("REDIS_DB", 0),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "delivery_dlq"),
			AlertsTopic:    getenv("NSQ_ALERTS_TOPIC", "health_alerts"),
			PublishDLQ:     getenvBool("PUBLISH_DLQ_TOPIC", false),
			PublishAlerts:  getenvBool("PUBLISH_ALERTS_TOPIC", false),
		},
		Worker: Worker{
			PoolSize:        getenvInt("WORKER_POOL_SIZE", 8),
			ClaimBatch:      getenvInt("WORKER_CLAIM_BATCH", 16),
			PollInterval:    getenvDuration("WORKER_POLL_INTERVAL", 500*time.Millisecond),
			ClaimVisibility: getenvDuration("WORKER_CLAIM_VISIBILITY", 30*time.Second),
			DispatchTimeout: getenvDuration("DISPATCH_TIMEOUT", 10*time.Second),
			HTTPPort:        ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Retry: Retry{
			MaxAttempts:   getenvInt("MAX_ATTEMPTS", 6),
			BaseDelay:     getenvDuration("RETRY_BASE_DELAY", time.Second),
			MaxDelay:      getenvDuration("RETRY_MAX_DELAY", 10*time.Minute),
			JitterPercent: getenvFloat("RETRY_JITTER_PCT", 0.25),
		},
		Breaker: Breaker{
			FailureThreshold: getenvInt("BREAKER_FAILURE_THRESHOLD", 5),
			Window:           getenvDuration("BREAKER_WINDOW", time.Minute),
			Cooldown:         getenvDuration("BREAKER_COOLDOWN", 30*time.Second),
			MaxCooldown:      getenvDuration("BREAKER_MAX_COOLDOWN", 10*time.Minute),
		},
		Monitor: Monitor{
			Interval:          getenvDuration("MONITOR_INTERVAL", 30*time.Second),
			SuccessFloor:      getenvFloat("MONITOR_SUCCESS_FLOOR", 0.70),
			SuccessWindow:     getenvDuration("MONITOR_SUCCESS_WINDOW", 15*time.Minute),
			BacklogWarning:    getenvInt("MONITOR_BACKLOG_WARNING", 1000),
			BacklogMaxAge:     getenvDuration("MONITOR_BACKLOG_MAX_AGE", 5*time.Minute),
			SnapshotRetention: getenvDuration("MONITOR_SNAPSHOT_RETENTION", 7*24*time.Hour),
			HTTPPort:          ":" + getenv("MONITOR_HTTP_PORT", "8084"),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("AUTH_PUBLIC_KEY_PEM", ""),
			Issuer:       getenv("AUTH_ISSUER", "chatrelay"),
			Audience:     getenv("AUTH_AUDIENCE", "chatrelay-api"),
		},
		FakeChat: FakeChat{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			ChannelSecret:        getenv("CHANNEL_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_CHAT_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_CHAT_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_CHAT_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_CHAT_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
