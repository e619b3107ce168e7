package config

import (
	"strings"
	"testing"
	"time"
)

func TestGetenvHelpers(t *testing.T) {
	t.Setenv("CH_TEST_STR", "value")
	t.Setenv("CH_TEST_INT", "42")
	t.Setenv("CH_TEST_BAD_INT", "forty-two")
	t.Setenv("CH_TEST_FLOAT", "0.25")
	t.Setenv("CH_TEST_BOOL", "true")
	t.Setenv("CH_TEST_BAD_BOOL", "maybe")
	t.Setenv("CH_TEST_DUR", "90s")
	t.Setenv("CH_TEST_BAD_DUR", "soon")

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"string set", getenv("CH_TEST_STR", "def"), "value"},
		{"string unset", getenv("CH_TEST_UNSET", "def"), "def"},
		{"int set", getenvInt("CH_TEST_INT", 1), 42},
		{"int invalid", getenvInt("CH_TEST_BAD_INT", 1), 1},
		{"float set", getenvFloat("CH_TEST_FLOAT", 1), 0.25},
		{"float unset", getenvFloat("CH_TEST_UNSET", 1.5), 1.5},
		{"bool set", getenvBool("CH_TEST_BOOL", false), true},
		{"bool invalid", getenvBool("CH_TEST_BAD_BOOL", false), false},
		{"duration set", getenvDuration("CH_TEST_DUR", time.Second), 90 * time.Second},
		{"duration invalid", getenvDuration("CH_TEST_BAD_DUR", time.Second), time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestPort(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"8083", ":8083"},
		{":9000", ":9000"},
		{"0.0.0.0:9000", "0.0.0.0:9000"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv("CH_TEST_PORT", tt.env)
			if got := port("CH_TEST_PORT", "1"); got != tt.want {
				t.Errorf("port() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	if cfg.AppName != "callhook" {
		t.Errorf("AppName = %q", cfg.AppName)
	}
	if cfg.Signing.SignatureHeader != "X-Callhook-Signature" || cfg.Signing.TimestampHeader != "X-Callhook-Timestamp" {
		t.Errorf("signing headers = %+v", cfg.Signing)
	}
	if cfg.Worker.LeaseDuration != 2*time.Minute {
		t.Errorf("LeaseDuration = %v, want 2m", cfg.Worker.LeaseDuration)
	}
	if cfg.Retry.JitterPercent != 0 {
		t.Errorf("JitterPercent = %v, want 0", cfg.Retry.JitterPercent)
	}
	if cfg.NSQ.DeliveriesTopic != "deliveries" {
		t.Errorf("DeliveriesTopic = %q", cfg.NSQ.DeliveriesTopic)
	}
	if cfg.NSQ.NsqdHTTPAddr != "nsqd:4151" || cfg.NSQ.MonitorHTTPPort != ":8084" {
		t.Errorf("nsq monitor = %q %q", cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.MonitorHTTPPort)
	}
	if cfg.AllowInsecureURLs {
		t.Error("AllowInsecureURLs should default to false")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "4")
	t.Setenv("WORKER_LEASE_DURATION", "5m")
	t.Setenv("ALLOW_INSECURE_URLS", "true")
	t.Setenv("WEBHOOK_SIGNATURE_HEADER", "X-Sig")
	t.Setenv("REDIS_ENABLED", "false")

	cfg := FromEnv()
	if cfg.Worker.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", cfg.Worker.Concurrency)
	}
	if cfg.Worker.LeaseDuration != 5*time.Minute {
		t.Errorf("LeaseDuration = %v, want 5m", cfg.Worker.LeaseDuration)
	}
	if !cfg.AllowInsecureURLs {
		t.Error("AllowInsecureURLs = false, want true")
	}
	if cfg.Signing.SignatureHeader != "X-Sig" {
		t.Errorf("SignatureHeader = %q", cfg.Signing.SignatureHeader)
	}
	if cfg.Redis.Enabled {
		t.Error("Redis.Enabled = true, want false")
	}
}

func validConfig() Config {
	cfg := FromEnv()
	cfg.Secrets.EncryptionKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults with key", mutate: func(*Config) {}},
		{name: "lease not above max timeout", mutate: func(c *Config) { c.Worker.LeaseDuration = 60 * time.Second }, wantErr: "WORKER_LEASE_DURATION"},
		{
			name: "lease without room for storage retries",
			mutate: func(c *Config) {
				c.Retry.MaxTimeout, c.Retry.DefaultTimeout, c.Worker.LeaseDuration = 10*time.Second, 10*time.Second, 15*time.Second
			},
			wantErr: "WORKER_LEASE_DURATION",
		},
		{
			name: "lease covers timeout and storage retries",
			mutate: func(c *Config) {
				c.Retry.MaxTimeout, c.Retry.DefaultTimeout, c.Worker.LeaseDuration = 10*time.Second, 10*time.Second, 31*time.Second
			},
		},
		{name: "max timeout too large", mutate: func(c *Config) { c.Retry.MaxTimeout = 2 * time.Minute; c.Worker.LeaseDuration = time.Hour }, wantErr: "RETRY_MAX_TIMEOUT"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Worker.Concurrency = 0 }, wantErr: "WORKER_CONCURRENCY"},
		{name: "jitter above one", mutate: func(c *Config) { c.Retry.JitterPercent = 1.5 }, wantErr: "BACKOFF_JITTER_PCT"},
		{name: "max attempts above ten", mutate: func(c *Config) { c.Retry.DefaultMaxAttempts = 11 }, wantErr: "RETRY_DEFAULT_MAX_ATTEMPTS"},
		{name: "default timeout too small", mutate: func(c *Config) { c.Retry.DefaultTimeout = 500 * time.Millisecond }, wantErr: "RETRY_DEFAULT_TIMEOUT"},
		{name: "missing key", mutate: func(c *Config) { c.Secrets.EncryptionKey = "" }, wantErr: "SECRETS_ENCRYPTION_KEY"},
		{name: "auth without key source", mutate: func(c *Config) { c.Auth.Enabled = true }, wantErr: "AUTH_ENABLED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestDSN(t *testing.T) {
	cfg := Config{DB: DB{User: "u", Pass: "p", Host: "h", Port: "5433", Name: "n"}}
	want := "postgres://u:p@h:5433/n?sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
