package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	Limiter    LimiterConfig
	Allocation AllocationConfig
	Cache      CacheConfig
	Queue      QueueConfig
	Signing    SigningConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	IdempotencyTTL time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

type PostgresConfig struct {
	User     string
	Password string
	Name     string
	Host     string
	Port     int
	SSLMode  string
	MaxConns int32
	MinConns int32
}

// DSN renders the connection URL understood by pgxpool.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User,
		p.Password,
		p.Host,
		p.Port,
		p.Name,
		p.SSLMode,
	)
}

// LimiterConfig holds the per-user purchase rule, the optional global rule
// and the per-address edge rule in front of the HTTP handler.
type LimiterConfig struct {
	Capacity        float64
	RefillPerSecond float64
	Tokens          int
	Blocking        bool
	Timeout         time.Duration
	Warmup          bool

	GlobalCapacity        float64
	GlobalRefillPerSecond float64

	EdgeCapacity        float64
	EdgeRefillPerSecond float64
}

type AllocationConfig struct {
	MaxIntentAge time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

type CacheConfig struct {
	PurchasesTTL time.Duration
	InventoryTTL time.Duration
	AuditTTL     time.Duration
}

type QueueConfig struct {
	Stream          string
	Group           string
	Consumer        string
	MaxLen          int64
	Workers         int
	Batch           int64
	Block           time.Duration
	PollInterval    time.Duration
	ReclaimInterval time.Duration
	ReclaimIdle     time.Duration
}

type SigningConfig struct {
	Key string
}

type LogConfig struct {
	Level  string
	Format string
}

func New() (*Config, error) {
	const op = "config.New"

	_ = godotenv.Load()

	var (
		cfg Config
		err error
	)

	cfg.Server.Host = envString("SERVER_HOST", "localhost")
	if cfg.Server.Port, err = envInt("SERVER_PORT", 8080); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cfg.Server.IdempotencyTTL, err = envDuration("IDEMPOTENCY_TTL", 2*time.Hour); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if cfg.Postgres, err = loadPostgres(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cfg.Redis.Addr = envString("REDIS_ADDR", "localhost:6380")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if cfg.Redis.DB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cfg.Redis.PoolSize, err = envInt("REDIS_POOL_SIZE", 0); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if cfg.Limiter, err = loadLimiter(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if cfg.Allocation, err = loadAllocation(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if cfg.Cache.PurchasesTTL, err = envDuration("CACHE_PURCHASES_TTL", time.Hour); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cfg.Cache.InventoryTTL, err = envDuration("CACHE_INVENTORY_TTL", time.Second); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cfg.Cache.AuditTTL, err = envDuration("SUBMISSION_AUDIT_TTL", 24*time.Hour); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if cfg.Queue, err = loadQueue(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cfg.Signing.Key = os.Getenv("INTENT_SIGNING_KEY")
	if cfg.Signing.Key == "" {
		return nil, fmt.Errorf("%s: missing INTENT_SIGNING_KEY", op)
	}

	cfg.Log.Level = strings.ToLower(envString("LOG_LEVEL", "info"))
	cfg.Log.Format = strings.ToLower(envString("LOG_FORMAT", "text"))

	return &cfg, nil
}

func loadPostgres() (PostgresConfig, error) {
	var (
		p   PostgresConfig
		err error
	)

	p.Host = envString("POSTGRES_HOST", "localhost")
	if p.Port, err = envInt("POSTGRES_PORT", 5432); err != nil {
		return p, err
	}

	p.User = os.Getenv("POSTGRES_USER")
	if p.User == "" {
		return p, fmt.Errorf("missing POSTGRES_USER")
	}

	p.Password = os.Getenv("POSTGRES_PASSWORD")
	if p.Password == "" {
		return p, fmt.Errorf("missing POSTGRES_PASSWORD")
	}

	p.Name = os.Getenv("POSTGRES_DB")
	if p.Name == "" {
		return p, fmt.Errorf("missing POSTGRES_DB")
	}

	p.SSLMode = envString("POSTGRES_SSLMODE", "disable")

	maxConns, err := envInt("POSTGRES_MAX_CONNS", 0)
	if err != nil {
		return p, err
	}
	minConns, err := envInt("POSTGRES_MIN_CONNS", 0)
	if err != nil {
		return p, err
	}
	p.MaxConns = int32(maxConns)
	p.MinConns = int32(minConns)

	return p, nil
}

func loadLimiter() (LimiterConfig, error) {
	var (
		l   LimiterConfig
		err error
	)

	if l.Capacity, err = envFloat("RATE_LIMIT_CAPACITY", 5); err != nil {
		return l, err
	}
	if l.RefillPerSecond, err = envFloat("RATE_LIMIT_REFILL_PER_SECOND", 1); err != nil {
		return l, err
	}
	if l.Tokens, err = envInt("RATE_LIMIT_TOKENS", 1); err != nil {
		return l, err
	}
	if l.Blocking, err = envBool("RATE_LIMIT_BLOCKING", false); err != nil {
		return l, err
	}
	if l.Timeout, err = envDuration("RATE_LIMIT_TIMEOUT", 200*time.Millisecond); err != nil {
		return l, err
	}
	if l.Warmup, err = envBool("RATE_LIMIT_WARMUP", true); err != nil {
		return l, err
	}
	if l.GlobalCapacity, err = envFloat("RATE_LIMIT_GLOBAL_CAPACITY", 0); err != nil {
		return l, err
	}
	if l.GlobalRefillPerSecond, err = envFloat("RATE_LIMIT_GLOBAL_REFILL_PER_SECOND", 0); err != nil {
		return l, err
	}
	if l.EdgeCapacity, err = envFloat("RATE_LIMIT_EDGE_CAPACITY", 20); err != nil {
		return l, err
	}
	if l.EdgeRefillPerSecond, err = envFloat("RATE_LIMIT_EDGE_REFILL_PER_SECOND", 10); err != nil {
		return l, err
	}

	if l.Capacity <= 0 || l.RefillPerSecond < 0 {
		return l, fmt.Errorf("invalid RATE_LIMIT_CAPACITY/RATE_LIMIT_REFILL_PER_SECOND")
	}
	if l.Tokens <= 0 {
		return l, fmt.Errorf("invalid RATE_LIMIT_TOKENS: must be positive")
	}

	return l, nil
}

func loadAllocation() (AllocationConfig, error) {
	var (
		a   AllocationConfig
		err error
	)

	if a.MaxIntentAge, err = envDuration("MAX_INTENT_AGE", 5*time.Minute); err != nil {
		return a, err
	}
	if a.MaxAttempts, err = envInt("ALLOCATION_MAX_ATTEMPTS", 5); err != nil {
		return a, err
	}
	if a.BackoffBase, err = envDuration("ALLOCATION_BACKOFF_BASE", 5*time.Millisecond); err != nil {
		return a, err
	}
	if a.BackoffMax, err = envDuration("ALLOCATION_BACKOFF_MAX", 100*time.Millisecond); err != nil {
		return a, err
	}

	return a, nil
}

func loadQueue() (QueueConfig, error) {
	var (
		q   QueueConfig
		err error
	)

	q.Stream = envString("QUEUE_STREAM", "tixrush:v1:intents")
	q.Group = envString("QUEUE_GROUP", "allocators")

	host, _ := os.Hostname()
	if host == "" {
		host = "allocator"
	}
	q.Consumer = envString("QUEUE_CONSUMER", host)

	if q.MaxLen, err = envInt64("QUEUE_MAX_LEN", 1_000_000); err != nil {
		return q, err
	}
	if q.Workers, err = envInt("QUEUE_WORKERS", 4); err != nil {
		return q, err
	}
	if q.Batch, err = envInt64("QUEUE_BATCH", 16); err != nil {
		return q, err
	}
	if q.Block, err = envDuration("QUEUE_BLOCK", 2*time.Second); err != nil {
		return q, err
	}
	if q.PollInterval, err = envDuration("QUEUE_POLL_INTERVAL", 100*time.Millisecond); err != nil {
		return q, err
	}
	if q.ReclaimInterval, err = envDuration("QUEUE_RECLAIM_INTERVAL", 30*time.Second); err != nil {
		return q, err
	}
	if q.ReclaimIdle, err = envDuration("QUEUE_RECLAIM_IDLE", time.Minute); err != nil {
		return q, err
	}

	return q, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return n, nil
}

func envInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return f, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}

	return b, nil
}

// envDuration accepts Go durations ("250ms", "1h") or a bare number of
// seconds.
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}

	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return d, nil
}
