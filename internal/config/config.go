package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// StoreSpec is one dispatchable database: a short identifier and its
// pgxpool DSN.
type StoreSpec struct {
	Name string
	DSN  string
}

type Config struct {
	AppEnv string
	Port   int

	// Postgres stores. Stores is the dispatchable fleet; GlobalStore,
	// when set, names the member that also gets the dedicated
	// control-plane loop.
	Stores      []StoreSpec
	GlobalStore string

	// JWT verification for the admin API
	JWTSecret string
	JWTIssuer string

	// Redis (lease coordination). Empty addr disables the redis factory
	// and leases fall back to the per-store postgres factories.
	RedisAddr string
	RedisPass string
	RedisDB   int

	// RabbitMQ forwarding. Empty URL disables forwarding.
	RabbitURL      string
	RabbitExchange string
	ForwardTopics  []string

	// Dispatch tuning
	PollInterval  time.Duration
	BatchSize     int
	ClaimLease    time.Duration
	LeaseDuration time.Duration
	MaxAttempts   int
	Strategy      string // "round_robin" or "drain_first"

	// Maintenance loops
	ReapInterval    time.Duration
	CleanupInterval time.Duration
	CleanupMaxAge   time.Duration

	// Logging
	LogLevel string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.AppEnv = getEnv("APP_ENV", "dev")
	cfg.Port = getInt("PORT", 8080)

	// --- Postgres stores: STORE_DSNS is "name=dsn,name=dsn"; a bare
	// DATABASE_URL becomes the single store "default".
	stores, err := parseStores(os.Getenv("STORE_DSNS"))
	if err != nil {
		return nil, err
	}
	if len(stores) == 0 {
		if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
			stores = []StoreSpec{{Name: "default", DSN: dsn}}
		}
	}
	cfg.Stores = stores
	cfg.GlobalStore = getEnv("GLOBAL_STORE", "")

	// --- JWT
	cfg.JWTSecret = getEnv("JWT_SECRET", "")
	cfg.JWTIssuer = getEnv("JWT_ISSUER", "")

	// --- Redis
	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	cfg.RedisPass = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getInt("REDIS_DB", 0)

	// --- RabbitMQ
	cfg.RabbitURL = getEnv("RABBITMQ_URL", "")
	cfg.RabbitExchange = getEnv("RABBITMQ_EXCHANGE", "relay.events")
	cfg.ForwardTopics = splitList(os.Getenv("FORWARD_TOPICS"))

	// --- Dispatch
	cfg.PollInterval = getDuration("POLL_INTERVAL", 250*time.Millisecond)
	cfg.BatchSize = getInt("BATCH_SIZE", 20)
	cfg.ClaimLease = getDuration("CLAIM_LEASE", 30*time.Second)
	cfg.LeaseDuration = getDuration("LEASE_DURATION", 30*time.Second)
	cfg.MaxAttempts = getInt("MAX_ATTEMPTS", 12)
	cfg.Strategy = getEnv("STRATEGY", "round_robin")

	// --- Maintenance
	cfg.ReapInterval = getDuration("REAP_INTERVAL", 5*time.Second)
	cfg.CleanupInterval = getDuration("CLEANUP_INTERVAL", 10*time.Minute)
	cfg.CleanupMaxAge = getDuration("CLEANUP_MAX_AGE", 72*time.Hour)

	// --- Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	// --- Validation (fail fast)
	if len(cfg.Stores) == 0 {
		return nil, fmt.Errorf("missing store config: provide STORE_DSNS or DATABASE_URL")
	}
	if cfg.GlobalStore != "" && !cfg.hasStore(cfg.GlobalStore) {
		return nil, fmt.Errorf("GLOBAL_STORE %q is not in STORE_DSNS", cfg.GlobalStore)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("missing JWT_SECRET")
	}
	switch cfg.Strategy {
	case "round_robin", "drain_first":
	default:
		return nil, fmt.Errorf("invalid STRATEGY %q: want round_robin or drain_first", cfg.Strategy)
	}
	if cfg.RabbitURL == "" && len(cfg.ForwardTopics) > 0 {
		return nil, fmt.Errorf("FORWARD_TOPICS set but RABBITMQ_URL is empty")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("BATCH_SIZE must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("MAX_ATTEMPTS must be positive")
	}

	return cfg, nil
}

func (c *Config) hasStore(name string) bool {
	for _, s := range c.Stores {
		if s.Name == name {
			return true
		}
	}
	return false
}

// parseStores splits "name=dsn,name=dsn". Commas inside a DSN are not
// supported; use one DATABASE_URL per store name instead.
func parseStores(raw string) ([]StoreSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var out []StoreSpec
	seen := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, dsn, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		dsn = strings.TrimSpace(dsn)
		if !ok || name == "" || dsn == "" {
			return nil, fmt.Errorf("invalid STORE_DSNS entry %q: want name=dsn", part)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate store name %q in STORE_DSNS", name)
		}
		seen[name] = true
		out = append(out, StoreSpec{Name: name, DSN: dsn})
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
