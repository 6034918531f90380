/*
Package config loads service configuration.

SOURCES (later wins):
  1. Built-in defaults (SetDefault below)
  2. config.yaml in ./configs or ., or the file given with --config
  3. .env file in the working directory (loaded into the environment)
  4. Environment variables: RECON_ + upper-cased key, dots as underscores
     e.g. RECON_SERVER_PORT, RECON_RECONCILIATION_STABILITY_PERIOD_DAYS

EXAMPLE config.yaml:
  server:
    port: 8080
  data_source:
    base_url: https://dashboard.example.org/api
  reconciliation:
    max_reconciliation_days: 15
    stability_period_days: 3

The reconciliation block is only the startup default. Once a config has
been saved through the API the stored one takes precedence.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/warp/reconciliation-engine/reconciliation"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "RECON"

type Config struct {
	Server         ServerConfig          `mapstructure:"server"`
	Database       DatabaseConfig        `mapstructure:"database"`
	Redis          RedisConfig           `mapstructure:"redis"`
	DataSource     DataSourceConfig      `mapstructure:"data_source"`
	Scheduler      SchedulerConfig       `mapstructure:"scheduler"`
	Engine         EngineConfig          `mapstructure:"engine"`
	Log            LogConfig             `mapstructure:"log"`
	Reconciliation reconciliation.Config `mapstructure:"reconciliation" validate:"-"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port" validate:"min=1,max=65535"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
}

type DataSourceConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	CheckInterval time.Duration `mapstructure:"check_interval" validate:"gt=0"`
	Concurrency   int           `mapstructure:"concurrency" validate:"min=1"`
	// Retention is how long terminal jobs are kept; 0 keeps them forever.
	Retention time.Duration `mapstructure:"retention" validate:"min=0"`
}

type EngineConfig struct {
	ReadingTimeout         time.Duration `mapstructure:"reading_timeout" validate:"gt=0"`
	LockTTL                time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" validate:"min=1"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format     string `mapstructure:"format" validate:"oneof=json text"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from configPath (or the default search paths),
// the environment and defaults.
func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Conventional names for secrets
	v.BindEnv("data_source.api_key", EnvPrefix+"_DATA_SOURCE_API_KEY", "DASHBOARD_API_KEY")
	v.BindEnv("redis.password", EnvPrefix+"_REDIS_PASSWORD", "REDIS_PASSWORD")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("database.path", "reconciliation.db")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("data_source.base_url", "http://localhost:9000/api")
	v.SetDefault("data_source.api_key", "")
	v.SetDefault("data_source.timeout", "30s")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.check_interval", "1h")
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.retention", "2160h")
	v.SetDefault("engine.reading_timeout", reconciliation.DefaultReadingTimeout.String())
	v.SetDefault("engine.lock_ttl", reconciliation.DefaultLockTTL.String())
	v.SetDefault("engine.max_consecutive_failures", reconciliation.DefaultMaxConsecutiveFailures)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	d := reconciliation.DefaultConfig()
	v.SetDefault("reconciliation.max_reconciliation_days", d.MaxReconciliationDays)
	v.SetDefault("reconciliation.stability_period_days", d.StabilityPeriodDays)
	v.SetDefault("reconciliation.check_frequency_hours", d.CheckFrequencyHours)
	v.SetDefault("reconciliation.significant_change_thresholds.membership_percent", d.SignificantChangeThresholds.MembershipPercent)
	v.SetDefault("reconciliation.significant_change_thresholds.club_count_absolute", d.SignificantChangeThresholds.ClubCountAbsolute)
	v.SetDefault("reconciliation.significant_change_thresholds.distinguished_percent", d.SignificantChangeThresholds.DistinguishedPercent)
	v.SetDefault("reconciliation.auto_extension_enabled", d.AutoExtensionEnabled)
	v.SetDefault("reconciliation.max_extension_days", d.MaxExtensionDays)
}

// =============================================================================
// VALIDATION
// =============================================================================

var validate = validator.New()

// Validate checks the service settings and the reconciliation block.
// Every problem is reported, not just the first.
func (c *Config) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return err
		}
		for _, fe := range ve {
			problems = append(problems, fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
		}
	}

	for _, v := range c.Reconciliation.Validate() {
		problems = append(problems, "reconciliation."+v.String())
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
