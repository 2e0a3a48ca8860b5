package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Environment names accepted in APP_ENV.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the process-wide configuration. It is built once from the
// environment and validated before any component is initialised.
type Config struct {
	Addr        string
	Environment string
	ProcessID   string
	LogLevel    string

	DatabaseURL string
	BusURL      string
	BusTopic    string
	QueueURL    string
	ClientURL   string
	AdminToken  string

	// Signing keys, most recent first. Cookie and claim keys never overlap.
	CookieKeys [][]byte
	ClaimKeys  [][]byte

	Redis  RedisConfig
	Worker WorkerConfig
}

// RedisConfig tunes the go-redis pools used by the bus and the job broker.
type RedisConfig struct {
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// WorkerConfig controls the in-process job workers.
type WorkerConfig struct {
	Concurrency int
}

// Development reports whether the process runs in development mode.
func (c *Config) Development() bool {
	return c.Environment == EnvDevelopment
}

// BusScheme returns the bus backend selected by BUS_URL ("redis", "kafka"
// or "memory").
func (c *Config) BusScheme() string {
	u, err := url.Parse(c.BusURL)
	if err != nil {
		return ""
	}
	if u.Scheme == "rediss" {
		return "redis"
	}
	return u.Scheme
}

// FromEnv builds a Config from environment variables and validates it.
func FromEnv() (*Config, error) {
	return Load(os.Getenv)
}

// Load builds a Config from the given lookup function.
func Load(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		Addr:        withDefault(getenv("ADDR"), ":8080"),
		Environment: withDefault(getenv("APP_ENV"), EnvProduction),
		ProcessID:   withDefault(getenv("PROCESS_ID"), uuid.NewString()),
		LogLevel:    withDefault(getenv("LOG_LEVEL"), "info"),
		DatabaseURL: getenv("DATABASE_URL"),
		BusURL:      getenv("BUS_URL"),
		BusTopic:    withDefault(getenv("BUS_TOPIC"), "switchboard.broadcast"),
		QueueURL:    getenv("QUEUE_URL"),
		ClientURL:   strings.TrimRight(getenv("CLIENT_URL"), "/"),
		AdminToken:  getenv("ADMIN_TOKEN"),
		Redis: RedisConfig{
			PoolSize:     20,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
	}

	var errs []error
	require := func(name, value string) {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	require("DATABASE_URL", cfg.DatabaseURL)
	require("BUS_URL", cfg.BusURL)
	require("CLIENT_URL", cfg.ClientURL)

	cookieSecret, jwtSecret := getenv("COOKIE_SECRET"), getenv("JWT_SECRET")
	require("COOKIE_SECRET", cookieSecret)
	require("JWT_SECRET", jwtSecret)
	if cookieSecret != "" && cookieSecret == jwtSecret {
		errs = append(errs, errors.New("COOKIE_SECRET and JWT_SECRET must differ"))
	}
	cfg.CookieKeys = keyList(cookieSecret, getenv("COOKIE_SECRET_PREVIOUS"))
	cfg.ClaimKeys = keyList(jwtSecret, getenv("JWT_SECRET_PREVIOUS"))

	switch cfg.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("APP_ENV must be %q or %q, got %q", EnvDevelopment, EnvProduction, cfg.Environment))
	}

	if cfg.ClientURL != "" {
		if u, err := url.Parse(cfg.ClientURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("CLIENT_URL must be an absolute URL, got %q", cfg.ClientURL))
		}
	}

	if cfg.BusURL != "" {
		switch cfg.BusScheme() {
		case "redis":
			if cfg.QueueURL == "" {
				cfg.QueueURL = cfg.BusURL
			}
		case "kafka":
			require("QUEUE_URL", cfg.QueueURL)
		case "memory":
			// An in-process bus only reaches this process, so jobs stay local too.
			if cfg.QueueURL == "" {
				cfg.QueueURL = cfg.BusURL
			}
		default:
			errs = append(errs, fmt.Errorf("BUS_URL scheme must be redis, kafka or memory, got %q", cfg.BusURL))
		}
	}

	concurrency, err := intWithDefault(getenv("WORKER_CONCURRENCY"), 4)
	if err != nil || concurrency < 0 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be a non-negative integer"))
	}
	cfg.Worker.Concurrency = concurrency

	if cfg.AdminToken == "" && !cfg.Development() {
		errs = append(errs, errors.New("ADMIN_TOKEN is required outside development"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func keyList(current, previous string) [][]byte {
	var keys [][]byte
	if current != "" {
		keys = append(keys, []byte(current))
	}
	if previous != "" && previous != current {
		keys = append(keys, []byte(previous))
	}
	return keys
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intWithDefault(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
