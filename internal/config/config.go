package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Extract     ExtractConfig     `yaml:"extract" mapstructure:"extract"`
	Quality     QualityConfig     `yaml:"quality" mapstructure:"quality"`
	Output      OutputConfig      `yaml:"output" mapstructure:"output"`
	ObjectStore ObjectStoreConfig `yaml:"object_store" mapstructure:"object_store"`
	Warehouse   WarehouseConfig   `yaml:"warehouse" mapstructure:"warehouse"`
	Verticals   VerticalsConfig   `yaml:"verticals" mapstructure:"verticals"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the local run store (runs, checkpoints, dimension history).
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ExtractConfig holds source-independent extraction settings. Zero values
// fall back to the vertical's own source settings.
type ExtractConfig struct {
	UserAgent   string      `yaml:"user_agent" mapstructure:"user_agent"`
	APIKey      string      `yaml:"api_key" mapstructure:"api_key"`
	DelayMs     int         `yaml:"delay_ms" mapstructure:"delay_ms"`
	TimeoutSecs int         `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxErrors   int         `yaml:"max_errors" mapstructure:"max_errors"`
	Workers     int         `yaml:"workers" mapstructure:"workers"`
	PageSize    int         `yaml:"page_size" mapstructure:"page_size"`
	Retry       RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig configures exponential backoff for transient source errors.
type RetryConfig struct {
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// QualityConfig configures run acceptance.
type QualityConfig struct {
	AcceptanceThreshold float64 `yaml:"acceptance_threshold" mapstructure:"acceptance_threshold"`
	FatalFloor          float64 `yaml:"fatal_floor" mapstructure:"fatal_floor"`
	RestatementPolicy   string  `yaml:"restatement_policy" mapstructure:"restatement_policy"`
}

// OutputConfig configures local artifact output.
type OutputConfig struct {
	Dir     string   `yaml:"dir" mapstructure:"dir"`
	Formats []string `yaml:"formats" mapstructure:"formats"`
	Upload  bool     `yaml:"upload" mapstructure:"upload"`
}

// ObjectStoreConfig configures the S3-compatible artifact bucket.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Region    string `yaml:"region" mapstructure:"region"`
	Secure    bool   `yaml:"secure" mapstructure:"secure"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
}

// WarehouseConfig configures the optional Postgres load of the star schema.
type WarehouseConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Schema      string `yaml:"schema" mapstructure:"schema"`
}

// VerticalsConfig points at extra vertical definitions on disk.
type VerticalsConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ServerConfig configures the read-only API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures run-health alerting.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinGateScore         float64 `yaml:"min_gate_score" mapstructure:"min_gate_score"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.starschema")

	// Environment
	v.SetEnvPrefix("STARSCHEMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.path", "starschema.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("extract.user_agent", "starschema-etl research@sellsadvisors.com")
	v.SetDefault("extract.api_key", "")
	v.SetDefault("extract.delay_ms", 0)
	v.SetDefault("extract.timeout_secs", 30)
	v.SetDefault("extract.max_errors", 10)
	v.SetDefault("extract.workers", 2)
	v.SetDefault("extract.page_size", 0)
	v.SetDefault("extract.retry.initial_backoff_ms", 1000)
	v.SetDefault("extract.retry.max_backoff_ms", 30000)
	v.SetDefault("extract.retry.multiplier", 2.0)
	v.SetDefault("extract.retry.jitter_fraction", 0.25)
	v.SetDefault("quality.acceptance_threshold", 0.85)
	v.SetDefault("quality.fatal_floor", 0.5)
	v.SetDefault("quality.restatement_policy", "flag_for_review")
	v.SetDefault("output.dir", "output")
	v.SetDefault("output.formats", []string{"csv", "parquet"})
	v.SetDefault("output.upload", false)
	v.SetDefault("object_store.region", "us-east-1")
	v.SetDefault("object_store.secure", true)
	v.SetDefault("object_store.prefix", "starschema")
	v.SetDefault("warehouse.schema", "star")
	v.SetDefault("verticals.dir", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.min_gate_score", 0.8)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by the given command mode
// ("run" or "serve") and reports every problem at once.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run":
		q := c.Quality
		if q.AcceptanceThreshold < 0 || q.AcceptanceThreshold > 1 {
			errs = append(errs, "quality.acceptance_threshold must be between 0 and 1")
		}
		if q.FatalFloor < 0 || q.FatalFloor > q.AcceptanceThreshold {
			errs = append(errs, "quality.fatal_floor must be between 0 and quality.acceptance_threshold")
		}
		switch q.RestatementPolicy {
		case "latest_wins", "flag_for_review":
		default:
			errs = append(errs, fmt.Sprintf("quality.restatement_policy %q is not latest_wins or flag_for_review", q.RestatementPolicy))
		}
		for _, f := range c.Output.Formats {
			if f != "csv" && f != "parquet" {
				errs = append(errs, fmt.Sprintf("output.formats: unknown format %q", f))
			}
		}
		if c.Extract.MaxErrors < 0 {
			errs = append(errs, "extract.max_errors must be >= 0")
		}
		if c.Extract.Workers < 0 || c.Extract.Workers > 16 {
			errs = append(errs, "extract.workers must be between 0 and 16")
		}
		if c.Output.Upload && (c.ObjectStore.Endpoint == "" || c.ObjectStore.Bucket == "") {
			errs = append(errs, "object_store.endpoint and object_store.bucket are required when output.upload is set")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
