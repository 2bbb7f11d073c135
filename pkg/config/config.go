package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultPollInterval  = 5 * time.Second
	DefaultTaskTimeout   = 300 * time.Second
	DefaultStaleGrace    = 600 * time.Second
	DefaultShutdownGrace = 60 * time.Second
	DefaultHTTPAddr      = ":8000"
	DefaultAgentCount    = 3
	DefaultDriverCmd     = "python3 run_task.py"
)

// Config holds the process configuration, sourced from the environment.
// The hub and the worker share one config type; Validate* methods check the
// subset each entry point needs.
type Config struct {
	// Stores
	PostgresURL    string
	MongoURL       string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioSecure    bool

	// Worker identity and loop tuning
	AgentID       string // raw; normalize at point of use
	PollInterval  time.Duration
	TaskTimeout   time.Duration
	StaleGrace    time.Duration
	ShutdownGrace time.Duration
	WorkdirRoot   string
	DriverCmd     []string

	// Hub
	HTTPAddr   string
	AgentCount int

	// Logging
	LogLevel string
	LogJSON  bool
}

// FromEnv builds a Config from the environment
func FromEnv() (*Config, error) {
	cfg := &Config{
		PostgresURL:    firstEnv("POSTGRES_URL", "POSTGRES_DSN"),
		MongoURL:       os.Getenv("MONGODB_URL"),
		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		AgentID:        os.Getenv("AGENT_ID"),
		WorkdirRoot:    os.Getenv("WORKDIR_ROOT"),
		HTTPAddr:       os.Getenv("HTTP_ADDR"),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		LogJSON:        boolEnv("LOG_JSON", false),
	}

	var err error
	if cfg.PollInterval, err = secondsEnv("POLL_INTERVAL_SECONDS", DefaultPollInterval); err != nil {
		return nil, err
	}
	if cfg.TaskTimeout, err = secondsEnv("RUN_TASK_TIMEOUT_SECONDS", DefaultTaskTimeout); err != nil {
		return nil, err
	}
	if cfg.StaleGrace, err = secondsEnv("STALE_TASK_GRACE_SECONDS", DefaultStaleGrace); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace, err = secondsEnv("SHUTDOWN_GRACE_SECONDS", DefaultShutdownGrace); err != nil {
		return nil, err
	}
	if cfg.AgentCount, err = intEnv("AGENT_COUNT", DefaultAgentCount); err != nil {
		return nil, err
	}

	cfg.MinioSecure = minioSecure(cfg.MinioEndpoint)
	cfg.DriverCmd = strings.Fields(envOr("DRIVER_COMMAND", DefaultDriverCmd))

	if cfg.WorkdirRoot == "" {
		cfg.WorkdirRoot = filepath.Join(os.TempDir(), "agent_work")
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

// ValidateHub checks the settings the hub server needs
func (c *Config) ValidateHub() error {
	if c.PostgresURL == "" {
		return fmt.Errorf("POSTGRES_URL is required")
	}
	if c.MongoURL == "" {
		return fmt.Errorf("MONGODB_URL is required")
	}
	if c.MinioEndpoint == "" {
		return fmt.Errorf("MINIO_ENDPOINT is required")
	}
	if c.AgentCount < 1 {
		return fmt.Errorf("AGENT_COUNT must be at least 1")
	}
	return nil
}

// ValidateWorker checks the settings a worker process needs
func (c *Config) ValidateWorker() error {
	if c.AgentID == "" {
		return fmt.Errorf("AGENT_ID is required for workers")
	}
	if len(c.DriverCmd) == 0 {
		return fmt.Errorf("DRIVER_COMMAND must not be empty")
	}
	return c.ValidateHub()
}

// minioSecure decides TLS for the object store endpoint. MINIO_SECURE wins
// when set; otherwise local endpoints default to plain HTTP.
func minioSecure(endpoint string) bool {
	switch strings.ToLower(os.Getenv("MINIO_SECURE")) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	for _, local := range []string{"localhost", "127.0.0.1", "0.0.0.0", "minio:"} {
		if strings.HasPrefix(host, local) {
			return false
		}
	}
	return !strings.Contains(host, ":9000")
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func secondsEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(n) * time.Second, nil
}
