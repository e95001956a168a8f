package jobqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds configuration for a queue runtime: the worker pool, the
// retry policy and the backend it talks to.
type Config struct {
	// Workers is the number of concurrent worker loops.
	Workers int `json:"workers"`

	// PollInterval is how long an idle worker waits before polling again
	// when no enqueue wakes it first.
	PollInterval Duration `json:"poll_interval"`

	// ShutdownTimeout is the maximum time to wait for in-flight jobs
	// during graceful shutdown.
	ShutdownTimeout Duration `json:"shutdown_timeout"`

	// HeartbeatInterval is how often the pool refreshes the liveness stamp
	// of the jobs it is running. Zero disables heartbeats.
	HeartbeatInterval Duration `json:"heartbeat_interval"`

	// StaleJobThreshold is how long a claimed job may go without a
	// heartbeat before it is returned to the queue. Zero disables reaping.
	StaleJobThreshold Duration `json:"stale_job_threshold"`

	// BackoffBase is the base delay of the exponential retry backoff.
	BackoffBase Duration `json:"backoff_base"`

	// BackoffMax caps the retry delay. Zero means uncapped.
	BackoffMax Duration `json:"backoff_max"`

	// RateLimit is the pool-wide maximum number of claims per second.
	// Zero disables rate limiting.
	RateLimit float64 `json:"rate_limit"`

	// RateBurst is the burst size for RateLimit.
	RateBurst int `json:"rate_burst"`

	// Backend selects the storage driver: memory, redis, postgres,
	// sqlite, mongo or pebble.
	Backend string `json:"backend"`

	// DSN is the driver connection string (redis URL, postgres DSN,
	// sqlite file, mongo URI).
	DSN string `json:"dsn"`

	// Database is the mongo database name.
	Database string `json:"database"`

	// DataDir is the pebble data directory.
	DataDir string `json:"data_dir"`

	// MetricsAddr is the listen address of the Prometheus endpoint.
	// Empty disables it.
	MetricsAddr string `json:"metrics_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`

	// LogFormat is text or json.
	LogFormat string `json:"log_format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		PollInterval:      Duration(time.Second),
		ShutdownTimeout:   Duration(30 * time.Second),
		HeartbeatInterval: Duration(10 * time.Second),
		StaleJobThreshold: Duration(30 * time.Second),
		BackoffBase:       Duration(60 * time.Second),
		RateBurst:         1,
		Backend:           "memory",
		Database:          "jobqueue",
		DataDir:           "jobqueue-data",
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// LoadConfig reads a JSON configuration file on top of the defaults. An
// empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("jobqueue: read config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("jobqueue: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ConfigFromEnv overlays JOBQUEUE_* environment variables onto cfg.
// Malformed values are ignored.
func ConfigFromEnv(cfg *Config) {
	if v := os.Getenv("JOBQUEUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	envDuration("JOBQUEUE_POLL_INTERVAL", &cfg.PollInterval)
	envDuration("JOBQUEUE_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	envDuration("JOBQUEUE_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	envDuration("JOBQUEUE_STALE_JOB_THRESHOLD", &cfg.StaleJobThreshold)
	envDuration("JOBQUEUE_BACKOFF_BASE", &cfg.BackoffBase)
	envDuration("JOBQUEUE_BACKOFF_MAX", &cfg.BackoffMax)
	if v := os.Getenv("JOBQUEUE_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit = f
		}
	}
	if v := os.Getenv("JOBQUEUE_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateBurst = n
		}
	}
	envString("JOBQUEUE_BACKEND", &cfg.Backend)
	envString("JOBQUEUE_DSN", &cfg.DSN)
	envString("JOBQUEUE_DATABASE", &cfg.Database)
	envString("JOBQUEUE_DATA_DIR", &cfg.DataDir)
	envString("JOBQUEUE_METRICS_ADDR", &cfg.MetricsAddr)
	envString("JOBQUEUE_LOG_LEVEL", &cfg.LogLevel)
	envString("JOBQUEUE_LOG_FORMAT", &cfg.LogFormat)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// Duration is a time.Duration that reads and writes Go duration strings
// ("1.5s", "2m") in JSON. Bare numbers are taken as nanoseconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("jobqueue: duration must be a string or integer: %s", b)
		}
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("jobqueue: parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}
