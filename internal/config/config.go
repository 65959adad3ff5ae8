// Package config loads the Talon configuration.
//
// Values are resolved in order: tier defaults (domain.DefaultConfig or
// domain.ProConfig, chosen by "tier"), an optional config file (yaml, json or
// toml), then TALON_* environment variables. Nested keys map to env names by
// replacing dots with underscores, e.g. TALON_CACHE_REDISADDR or
// TALON_ENGINE_FLAGGEDPERCENTAGETHRESHOLD.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/opensource-finance/talon/internal/domain"
)

// EnvPrefix is the prefix of every configuration environment variable.
const EnvPrefix = "TALON"

// Load resolves the configuration. An empty path skips the config file.
func Load(path string) (*domain.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	base := domain.DefaultConfig()
	switch tier := domain.Tier(strings.ToLower(v.GetString("tier"))); tier {
	case "", domain.TierCommunity:
	case domain.TierPro:
		base = domain.ProConfig()
	default:
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
	setDefaults(v, base)

	cfg := &domain.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func Validate(cfg *domain.Config) error {
	var errs []error

	if cfg.Tier != domain.TierCommunity && cfg.Tier != domain.TierPro {
		errs = append(errs, fmt.Errorf("tier must be %q or %q", domain.TierCommunity, domain.TierPro))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported repository driver %q", cfg.Repository.Driver))
	}

	e := cfg.Engine
	if e.NewAccountMaxAgeDays < 0 {
		errs = append(errs, errors.New("engine.newAccountMaxAgeDays must not be negative"))
	}
	if e.FlaggedPercentageThreshold <= 0 || e.FlaggedPercentageThreshold > 100 {
		errs = append(errs, fmt.Errorf("engine.flaggedPercentageThreshold %v not in (0, 100]", e.FlaggedPercentageThreshold))
	}
	if e.FastWithdrawalThreshold <= 0 {
		errs = append(errs, errors.New("engine.fastWithdrawalThreshold must be positive"))
	}
	if e.VelocityLookahead < e.FastWithdrawalThreshold {
		errs = append(errs, errors.New("engine.velocityLookahead must cover engine.fastWithdrawalThreshold"))
	}
	if e.MaxInflows <= 0 {
		errs = append(errs, errors.New("engine.maxInflows must be positive"))
	}

	if cfg.EventBus.Type == "kafka" && cfg.Worker.Enabled && len(cfg.Worker.TenantIDs) == 0 {
		errs = append(errs, errors.New("worker.tenantIds is required with the kafka event bus"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper, c *domain.Config) {
	defaults := map[string]any{
		"tier": c.Tier,

		"server.host":         c.Server.Host,
		"server.port":         c.Server.Port,
		"server.readtimeout":  c.Server.ReadTimeout,
		"server.writetimeout": c.Server.WriteTimeout,

		"engine.newaccountmaxagedays":       c.Engine.NewAccountMaxAgeDays,
		"engine.flaggedpercentagethreshold": c.Engine.FlaggedPercentageThreshold,
		"engine.fastwithdrawalthreshold":    c.Engine.FastWithdrawalThreshold,
		"engine.velocitylookahead":          c.Engine.VelocityLookahead,
		"engine.maxinflows":                 c.Engine.MaxInflows,
		"engine.samplepairlimit":            c.Engine.SamplePairLimit,
		"engine.moneylookback":              c.Engine.MoneyLookback,
		"engine.contactsubtype":             c.Engine.ContactSubtype,
		"engine.fetchtimeout":               c.Engine.FetchTimeout,
		"engine.batchconcurrency":           c.Engine.BatchConcurrency,

		"repository.driver":           c.Repository.Driver,
		"repository.sqlitepath":       c.Repository.SQLitePath,
		"repository.postgreshost":     c.Repository.PostgresHost,
		"repository.postgresport":     c.Repository.PostgresPort,
		"repository.postgresuser":     c.Repository.PostgresUser,
		"repository.postgrespassword": c.Repository.PostgresPassword,
		"repository.postgresdb":       c.Repository.PostgresDB,
		"repository.postgressslmode":  c.Repository.PostgresSSLMode,
		"repository.maxopenconns":     c.Repository.MaxOpenConns,
		"repository.maxidleconns":     c.Repository.MaxIdleConns,
		"repository.connmaxlifetime":  c.Repository.ConnMaxLifetime,

		"cache.type":           c.Cache.Type,
		"cache.localmaxsize":   c.Cache.LocalMaxSize,
		"cache.localttl":       c.Cache.LocalTTL,
		"cache.redisaddr":      c.Cache.RedisAddr,
		"cache.redispassword":  c.Cache.RedisPassword,
		"cache.redisdb":        c.Cache.RedisDB,
		"cache.enabletwophase": c.Cache.EnableTwoPhase,
		"cache.factttl":        c.Cache.FactTTL,

		"eventbus.type":              c.EventBus.Type,
		"eventbus.channelbuffersize": c.EventBus.ChannelBufferSize,
		"eventbus.natsurl":           c.EventBus.NATSUrl,
		"eventbus.natstoken":         c.EventBus.NATSToken,
		"eventbus.natsmaxreconnects": c.EventBus.NATSMaxReconnects,
		"eventbus.natsreconnectwait": c.EventBus.NATSReconnectWait,
		"eventbus.kafkabrokers":      c.EventBus.KafkaBrokers,
		"eventbus.kafkagroupid":      c.EventBus.KafkaGroupID,

		"graph.baseurl":    c.Graph.BaseURL,
		"graph.timeout":    c.Graph.Timeout,
		"graph.depth":      c.Graph.Depth,
		"graph.maxhops":    c.Graph.MaxHops,
		"graph.boundlevel": c.Graph.BoundLevel,

		"worker.enabled":   c.Worker.Enabled,
		"worker.tenantids": c.Worker.TenantIDs,

		"overridespath": c.OverridesPath,

		"logging.level":  c.Logging.Level,
		"logging.format": c.Logging.Format,

		"tracing.enabled":     c.Tracing.Enabled,
		"tracing.servicename": c.Tracing.ServiceName,
	}
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
}
