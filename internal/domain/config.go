package domain

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Profile selects the backing services for a deployment
	Profile Profile `json:"profile"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Pipeline tuning
	Scoring ScoringConfig `json:"scoring"`
	Explain ExplainConfig `json:"explain"`
	History HistoryConfig `json:"history"`
	Ledger  LedgerConfig  `json:"ledger"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// ScoringConfig bounds the ensemble scorer.
type ScoringConfig struct {
	// ModelTimeout is the per-model inference deadline. A model that misses
	// it is dropped from the ensemble for that request.
	ModelTimeout time.Duration `json:"modelTimeout"`

	// MaxConcurrent bounds concurrent model invocations per request.
	MaxConcurrent int `json:"maxConcurrent"`
}

// ExplainConfig tunes the explanation ranker.
type ExplainConfig struct {
	// TopFactors is how many ranked risk factors a response carries.
	TopFactors int `json:"topFactors"`
}

// HistoryConfig tunes the historical context provider.
type HistoryConfig struct {
	// LookbackDays bounds the baseline aggregation window.
	LookbackDays int `json:"lookbackDays"`

	// CacheTTL is how long computed aggregates stay cached.
	CacheTTL time.Duration `json:"cacheTTL"`
}

// LedgerConfig holds audit ledger settings.
type LedgerConfig struct {
	// RetentionDays is the compliance window. Events older than this are
	// eligible for the retention sweep.
	RetentionDays int `json:"retentionDays"`

	// SweepInterval is how often the worker runs the retention sweep.
	SweepInterval time.Duration `json:"sweepInterval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Profile names a deployment shape.
type Profile string

const (
	// ProfileStandalone runs on SQLite, in-process channels and a local LRU.
	ProfileStandalone Profile = "standalone"

	// ProfileCluster runs on PostgreSQL, NATS and Redis.
	ProfileCluster Profile = "cluster"
)

// DefaultConfig returns the standalone-profile defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Profile: ProfileStandalone,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300 * time.Second,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring: ScoringConfig{
			ModelTimeout:  50 * time.Millisecond,
			MaxConcurrent: 8,
		},
		Explain: ExplainConfig{
			TopFactors: 3,
		},
		History: HistoryConfig{
			LookbackDays: 90,
			CacheTTL:     60 * time.Second,
		},
		Ledger: LedgerConfig{
			RetentionDays: 2555,
			SweepInterval: time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ClusterConfig returns the cluster-profile defaults.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Profile = ProfileCluster
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig builds the configuration from the environment. A .env file in
// the working directory is honored when present; real environment variables
// win over it.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if getEnv("KESTREL_PROFILE", "") == string(ProfileCluster) {
		cfg = ClusterConfig()
	}

	cfg.Server.Host = getEnv("KESTREL_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("KESTREL_PORT", cfg.Server.Port)

	cfg.Repository.Driver = getEnv("KESTREL_DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = getEnv("KESTREL_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("KESTREL_PG_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = getEnvInt("KESTREL_PG_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = getEnv("KESTREL_PG_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("KESTREL_PG_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("KESTREL_PG_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = getEnv("KESTREL_PG_SSLMODE", cfg.Repository.PostgresSSLMode)

	cfg.Cache.RedisAddr = getEnv("KESTREL_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("KESTREL_REDIS_PASSWORD", cfg.Cache.RedisPassword)

	cfg.EventBus.NATSUrl = getEnv("KESTREL_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = getEnv("KESTREL_NATS_TOKEN", cfg.EventBus.NATSToken)

	if ms := getEnvInt("KESTREL_MODEL_TIMEOUT_MS", 0); ms > 0 {
		cfg.Scoring.ModelTimeout = time.Duration(ms) * time.Millisecond
	}
	cfg.Explain.TopFactors = getEnvInt("KESTREL_TOP_FACTORS", cfg.Explain.TopFactors)
	cfg.Ledger.RetentionDays = getEnvInt("KESTREL_RETENTION_DAYS", cfg.Ledger.RetentionDays)

	cfg.Logging.Level = getEnv("KESTREL_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("KESTREL_LOG_FORMAT", cfg.Logging.Format)

	if getEnv("KESTREL_TRACING", "") == "true" {
		cfg.Tracing.Enabled = true
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
