package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
}

type NSQ struct {
	NsqdTCPAddr     string // e.g. nsqd:4150
	LookupHTTPAddr  string // e.g. nsqlookupd:4161; empty connects the consumer straight to nsqd
	DeliveriesTopic string // wake-up tasks for newly created deliveries
	DLQTopic        string // dead letters for deliveries that ended failed
	WorkerChannel   string
	Enabled         bool

	NsqdHTTPAddr    string        // stats endpoint polled by nsq-monitor
	StatsInterval   time.Duration // nsq-monitor poll period
	MonitorHTTPPort string
}

type Redis struct {
	Addr     string
	Password string
	DB       int
	CacheTTL time.Duration // lifetime of a cached subscription lookup
	Enabled  bool
}

type Worker struct {
	Concurrency     int           // parallel attempts per worker process
	PollInterval    time.Duration // how often to look for due deliveries without a wake-up
	LeaseDuration   time.Duration // how long a claim stays exclusive
	BacklogInterval time.Duration // due-backlog gauge refresh
	PublishDLQ      bool
	HTTPPort        string // metrics and health
	UserAgent       string
}

// Retry holds subscription defaults and the scheduler's global knobs.
type Retry struct {
	DefaultPolicy      string // none | fixed | exponential
	DefaultInterval    time.Duration
	DefaultBase        time.Duration
	DefaultCap         time.Duration
	DefaultMaxAttempts int
	DefaultTimeout     time.Duration
	MaxTimeout         time.Duration // upper bound of any subscription timeout
	JitterPercent      float64       // 0.0-1.0
}

type Signing struct {
	SignatureHeader string
	TimestampHeader string
	DeliveryHeader  string
	EventHeader     string
}

type Auth struct {
	Enabled      bool
	PublicKeyPEM string
	JWKSURL      string
	Issuer       string
	Audience     string
}

type Secrets struct {
	EncryptionKey string // base64, 32 bytes
}

type API struct {
	RateLimitRPS   float64
	RateLimitBurst int
	MaxPageSize    int
}

type Tracing struct {
	Enabled     bool
	Endpoint    string
	SampleRatio float64
}

type FakeReceiver struct {
	FailFirstN           int           // Number of requests to fail initially
	FailStatus           int           // status returned while failing
	FixedStatus          int           // when set, every request gets this status
	EndpointSecret       string        // Secret for webhook signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName           string
	HTTPPort          string // :8080
	GRPCPort          string // :50051
	LogLevel          string
	AllowInsecureURLs bool // permit http:// subscription targets (local development only)

	DB           DB
	NSQ          NSQ
	Redis        Redis
	Worker       Worker
	Retry        Retry
	Signing      Signing
	Auth         Auth
	Secrets      Secrets
	API          API
	Tracing      Tracing
	FakeReceiver FakeReceiver
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

// port accepts "8083" or ":8083".
func port(key, def string) string {
	v := getenv(key, def)
	if !strings.HasPrefix(v, ":") && !strings.Contains(v, ":") {
		return ":" + v
	}
	return v
}

func FromEnv() Config {
	return Config{
		AppName:           getenv("APP_NAME", "callhook"),
		HTTPPort:          port("HTTP_PORT", ":8080"),
		GRPCPort:          port("GRPC_PORT", ":50051"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		AllowInsecureURLs: getenvBool("ALLOW_INSECURE_URLS", false),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "callhook"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr:  getenv("NSQ_LOOKUP_HTTP_ADDR", "nsqlookupd:4161"),
			DeliveriesTopic: getenv("NSQ_DELIVERIES_TOPIC", "deliveries"),
			DLQTopic:        getenv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
			WorkerChannel:   getenv("NSQ_WORKER_CHANNEL", "workers"),
			Enabled:         getenvBool("NSQ_ENABLED", true),
			NsqdHTTPAddr:    getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			StatsInterval:   getenvDuration("NSQ_STATS_INTERVAL", 15*time.Second),
			MonitorHTTPPort: port("NSQ_MONITOR_PORT", "8084"),
		},
		Redis: Redis{
			Addr:     getenv("REDIS_ADDR", "redis:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
			CacheTTL: getenvDuration("REDIS_CACHE_TTL", 5*time.Minute),
			Enabled:  getenvBool("REDIS_ENABLED", true),
		},
		Worker: Worker{
			Concurrency:     getenvInt("WORKER_CONCURRENCY", 16),
			PollInterval:    getenvDuration("WORKER_POLL_INTERVAL", 1*time.Second),
			LeaseDuration:   getenvDuration("WORKER_LEASE_DURATION", 2*time.Minute),
			BacklogInterval: getenvDuration("WORKER_BACKLOG_INTERVAL", 15*time.Second),
			PublishDLQ:      getenvBool("PUBLISH_DLQ_TOPIC", false),
			HTTPPort:        port("WORKER_HTTP_PORT", "8083"),
			UserAgent:       getenv("WEBHOOK_USER_AGENT", "callhook/1.0"),
		},
		Retry: Retry{
			DefaultPolicy:      getenv("RETRY_DEFAULT_POLICY", "exponential"),
			DefaultInterval:    getenvDuration("RETRY_DEFAULT_INTERVAL", 1*time.Minute),
			DefaultBase:        getenvDuration("RETRY_DEFAULT_BASE", 30*time.Second),
			DefaultCap:         getenvDuration("RETRY_DEFAULT_CAP", 1*time.Hour),
			DefaultMaxAttempts: getenvInt("RETRY_DEFAULT_MAX_ATTEMPTS", 5),
			DefaultTimeout:     getenvDuration("RETRY_DEFAULT_TIMEOUT", 10*time.Second),
			MaxTimeout:         getenvDuration("RETRY_MAX_TIMEOUT", 60*time.Second),
			JitterPercent:      getenvFloat("BACKOFF_JITTER_PCT", 0),
		},
		Signing: Signing{
			SignatureHeader: getenv("WEBHOOK_SIGNATURE_HEADER", "X-Callhook-Signature"),
			TimestampHeader: getenv("WEBHOOK_TIMESTAMP_HEADER", "X-Callhook-Timestamp"),
			DeliveryHeader:  getenv("WEBHOOK_DELIVERY_HEADER", "X-Callhook-Delivery"),
			EventHeader:     getenv("WEBHOOK_EVENT_HEADER", "X-Callhook-Event"),
		},
		Auth: Auth{
			Enabled:      getenvBool("AUTH_ENABLED", false),
			PublicKeyPEM: getenv("AUTH_PUBLIC_KEY_PEM", ""),
			JWKSURL:      getenv("AUTH_JWKS_URL", ""),
			Issuer:       getenv("AUTH_ISSUER", "callhook"),
			Audience:     getenv("AUTH_AUDIENCE", "callhook-api"),
		},
		Secrets: Secrets{
			EncryptionKey: getenv("SECRETS_ENCRYPTION_KEY", ""),
		},
		API: API{
			RateLimitRPS:   getenvFloat("API_RATE_LIMIT_RPS", 50),
			RateLimitBurst: getenvInt("API_RATE_LIMIT_BURST", 100),
			MaxPageSize:    getenvInt("API_MAX_PAGE_SIZE", 100),
		},
		Tracing: Tracing{
			Enabled:     getenvBool("TRACING_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "tempo:4318"),
			SampleRatio: getenvFloat("TRACING_SAMPLE_RATIO", 1),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			FailStatus:           getenvInt("FAIL_STATUS", 503),
			FixedStatus:          getenvInt("FIXED_STATUS", 0),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 port("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 70*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

// PersistBudget is how long the coordinator retries one storage call on the
// attempt path. An attempt does two: the subscription load and the status write.
const PersistBudget = 10 * time.Second

// Validate checks cross-field rules the engine depends on.
func (c Config) Validate() error {
	var errs []error
	if need := c.Retry.MaxTimeout + 2*PersistBudget; c.Worker.LeaseDuration <= need {
		errs = append(errs, fmt.Errorf("WORKER_LEASE_DURATION (%s) must exceed RETRY_MAX_TIMEOUT (%s) plus %s of storage retries",
			c.Worker.LeaseDuration, c.Retry.MaxTimeout, 2*PersistBudget))
	}
	if c.Retry.MaxTimeout > 60*time.Second || c.Retry.MaxTimeout < time.Second {
		errs = append(errs, fmt.Errorf("RETRY_MAX_TIMEOUT must be between 1s and 60s"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be >= 1"))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_POLL_INTERVAL must be positive"))
	}
	if c.Retry.JitterPercent < 0 || c.Retry.JitterPercent > 1 {
		errs = append(errs, fmt.Errorf("BACKOFF_JITTER_PCT must be within [0, 1]"))
	}
	if c.Retry.DefaultMaxAttempts < 0 || c.Retry.DefaultMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("RETRY_DEFAULT_MAX_ATTEMPTS must be within [0, 10]"))
	}
	if c.Retry.DefaultTimeout < time.Second || c.Retry.DefaultTimeout > c.Retry.MaxTimeout {
		errs = append(errs, fmt.Errorf("RETRY_DEFAULT_TIMEOUT must be within [1s, RETRY_MAX_TIMEOUT]"))
	}
	if c.Secrets.EncryptionKey == "" {
		errs = append(errs, fmt.Errorf("SECRETS_ENCRYPTION_KEY is required"))
	}
	if c.Auth.Enabled && c.Auth.PublicKeyPEM == "" && c.Auth.JWKSURL == "" {
		errs = append(errs, fmt.Errorf("AUTH_ENABLED requires AUTH_PUBLIC_KEY_PEM or AUTH_JWKS_URL"))
	}
	return errors.Join(errs...)
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
