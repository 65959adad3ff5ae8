package domain

import "time"

// Config holds the complete Talon configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backends are used
	Tier Tier `json:"tier"`

	// Decision thresholds
	Engine EngineConfig `json:"engine"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Graph      GraphConfig      `json:"graph"`
	Worker     WorkerConfig     `json:"worker"`

	// OverridesPath points at a JSON file of known per-account facts.
	OverridesPath string `json:"overridesPath"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// EngineConfig holds the thresholds of the decision state machine.
// Experiments change these values, not the code path.
type EngineConfig struct {
	NewAccountMaxAgeDays       int           `json:"newAccountMaxAgeDays"`
	FlaggedPercentageThreshold float64       `json:"flaggedPercentageThreshold"`
	FastWithdrawalThreshold    time.Duration `json:"fastWithdrawalThreshold"`
	VelocityLookahead          time.Duration `json:"velocityLookahead"`
	MaxInflows                 int           `json:"maxInflows"`
	SamplePairLimit            int           `json:"samplePairLimit"`
	MoneyLookback              time.Duration `json:"moneyLookback"`
	ContactSubtype             string        `json:"contactSubtype"`
	FetchTimeout               time.Duration `json:"fetchTimeout"`
	BatchConcurrency           int           `json:"batchConcurrency"`
}

// DefaultEngineConfig returns the thresholds of the authoritative decision flow.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		NewAccountMaxAgeDays:       30,
		FlaggedPercentageThreshold: 15,
		FastWithdrawalThreshold:    6 * time.Hour,
		VelocityLookahead:          30 * 24 * time.Hour,
		MaxInflows:                 10,
		SamplePairLimit:            5,
		MoneyLookback:              90 * 24 * time.Hour,
		ContactSubtype:             "cuenta_de_hacker",
		FetchTimeout:               10 * time.Second,
		BatchConcurrency:           8,
	}
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// GraphConfig holds the relationship-graph service settings.
// An empty BaseURL means graph facts come from the warehouse snapshots.
type GraphConfig struct {
	BaseURL    string        `json:"baseUrl"`
	Timeout    time.Duration `json:"timeout"`
	Depth      int           `json:"depth"`
	MaxHops    int           `json:"maxHops"`
	BoundLevel string        `json:"boundLevel"`
}

// WorkerConfig holds async case evaluation settings.
type WorkerConfig struct {
	Enabled   bool     `json:"enabled"`
	TenantIDs []string `json:"tenantIds"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process cache and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier:   TierCommunity,
		Engine: DefaultEngineConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./talon.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			FactTTL:      10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Graph: GraphConfig{
			Timeout:    10 * time.Second,
			Depth:      2,
			MaxHops:    3,
			BoundLevel: "HIGH_TRUST",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "talon",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "talon",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		FactTTL:        10 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
