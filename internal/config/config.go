// Package config loads application configuration from file and environment.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cardvault/revalue/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	Engine        EngineConfig        `yaml:"engine" mapstructure:"engine"`
	Fusion        FusionConfig        `yaml:"fusion" mapstructure:"fusion"`
	Breaker       BreakerConfig       `yaml:"breaker" mapstructure:"breaker"`
	Vision        VisionConfig        `yaml:"vision" mapstructure:"vision"`
	Anthropic     AnthropicConfig     `yaml:"anthropic" mapstructure:"anthropic"`
	Ebay          EbayConfig          `yaml:"ebay" mapstructure:"ebay"`
	TCGPlayer     TCGPlayerConfig     `yaml:"tcgplayer" mapstructure:"tcgplayer"`
	PriceCharting PriceChartingConfig `yaml:"pricecharting" mapstructure:"pricecharting"`
	Notion        NotionConfig        `yaml:"notion" mapstructure:"notion"`
	Monitoring    MonitoringConfig    `yaml:"monitoring" mapstructure:"monitoring"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Log           LogConfig           `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string            `yaml:"database_url" mapstructure:"database_url"`
	Pool        *store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// EngineConfig configures the orchestrator.
type EngineConfig struct {
	ExecutionTimeoutSecs int  `yaml:"execution_timeout_secs" mapstructure:"execution_timeout_secs"`
	RegistryTTLSecs      int  `yaml:"registry_ttl_secs" mapstructure:"registry_ttl_secs"`
	SweepIntervalSecs    int  `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	OpinionEnabled       bool `yaml:"opinion_enabled" mapstructure:"opinion_enabled"`
}

// ExecutionTimeout returns the configured timeout as a duration.
func (c EngineConfig) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutSecs) * time.Second
}

// RegistryTTL returns the configured registry TTL as a duration.
func (c EngineConfig) RegistryTTL() time.Duration {
	return time.Duration(c.RegistryTTLSecs) * time.Second
}

// SweepInterval returns the configured sweep cadence as a duration.
func (c EngineConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSecs) * time.Second
}

// FusionConfig tunes comp fusion.
type FusionConfig struct {
	TargetCurrency  string  `yaml:"target_currency" mapstructure:"target_currency"`
	RatesPath       string  `yaml:"rates_path" mapstructure:"rates_path"`
	IQRMultiplier   float64 `yaml:"iqr_multiplier" mapstructure:"iqr_multiplier"`
	LowPercentile   float64 `yaml:"low_percentile" mapstructure:"low_percentile"`
	HighPercentile  float64 `yaml:"high_percentile" mapstructure:"high_percentile"`
	CompsSaturation int     `yaml:"comps_saturation" mapstructure:"comps_saturation"`
	FakeThreshold   float64 `yaml:"fake_threshold" mapstructure:"fake_threshold"`
}

// BreakerConfig tunes the per-source circuit breakers.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CoolDownSecs     int `yaml:"cool_down_secs" mapstructure:"cool_down_secs"`
	CloseThreshold   int `yaml:"close_threshold" mapstructure:"close_threshold"`
}

// CoolDown returns the configured open-circuit cool-down as a duration.
func (c BreakerConfig) CoolDown() time.Duration {
	return time.Duration(c.CoolDownSecs) * time.Second
}

// VisionConfig holds the feature-extraction service settings.
type VisionConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// AnthropicConfig holds Anthropic API settings for the judge.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// EbayConfig holds eBay API settings.
type EbayConfig struct {
	Token   string  `yaml:"token" mapstructure:"token"`
	BaseURL string  `yaml:"base_url" mapstructure:"base_url"`
	RPS     float64 `yaml:"rps" mapstructure:"rps"`
}

// TCGPlayerConfig holds TCGplayer API settings.
type TCGPlayerConfig struct {
	Token   string  `yaml:"token" mapstructure:"token"`
	BaseURL string  `yaml:"base_url" mapstructure:"base_url"`
	RPS     float64 `yaml:"rps" mapstructure:"rps"`
}

// PriceChartingConfig holds PriceCharting API and guide-feed settings.
type PriceChartingConfig struct {
	Token   string  `yaml:"token" mapstructure:"token"`
	BaseURL string  `yaml:"base_url" mapstructure:"base_url"`
	RPS     float64 `yaml:"rps" mapstructure:"rps"`
	FeedURL string  `yaml:"feed_url" mapstructure:"feed_url"`
}

// NotionConfig holds the dead-letter mirror settings. Empty token disables
// the mirror.
type NotionConfig struct {
	Token        string `yaml:"token" mapstructure:"token"`
	DeadLetterDB string `yaml:"dead_letter_db" mapstructure:"dead_letter_db"`
}

// MonitoringConfig configures background health checks. An empty webhook URL
// disables alert delivery; metrics collection stays available.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DLQDepthThreshold    int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// ServerConfig configures the HTTP trigger server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks that the configuration can support the given mode. Modes
// map to commands: "serve", "run", "dlq", "export". Shared engine and fusion
// bounds are checked for every mode.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required for postgres")
	}

	if c.Engine.ExecutionTimeoutSecs <= 0 {
		problems = append(problems, "engine.execution_timeout_secs must be > 0")
	}
	if c.Engine.RegistryTTLSecs <= 0 {
		problems = append(problems, "engine.registry_ttl_secs must be > 0")
	}

	if c.Breaker.FailureThreshold < 1 {
		problems = append(problems, "breaker.failure_threshold must be >= 1")
	}
	if c.Breaker.CloseThreshold < 1 {
		problems = append(problems, "breaker.close_threshold must be >= 1")
	}

	if c.Fusion.IQRMultiplier <= 0 {
		problems = append(problems, "fusion.iqr_multiplier must be > 0")
	}
	if c.Fusion.LowPercentile < 0 || c.Fusion.HighPercentile > 100 || c.Fusion.LowPercentile >= c.Fusion.HighPercentile {
		problems = append(problems, "fusion percentiles must satisfy 0 <= low < high <= 100")
	}
	if c.Fusion.CompsSaturation < 1 {
		problems = append(problems, "fusion.comps_saturation must be >= 1")
	}
	if c.Fusion.FakeThreshold < 0 || c.Fusion.FakeThreshold > 1 {
		problems = append(problems, "fusion.fake_threshold must be between 0 and 1")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "run":
		if c.Vision.Key == "" {
			problems = append(problems, "vision.key is required")
		}
	case "dlq", "export", "executions":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REVALUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "revalue.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("engine.execution_timeout_secs", 30)
	v.SetDefault("engine.registry_ttl_secs", 600)
	v.SetDefault("engine.sweep_interval_secs", 60)
	v.SetDefault("engine.opinion_enabled", true)
	v.SetDefault("fusion.target_currency", "USD")
	v.SetDefault("fusion.iqr_multiplier", 1.5)
	v.SetDefault("fusion.low_percentile", 10)
	v.SetDefault("fusion.high_percentile", 90)
	v.SetDefault("fusion.comps_saturation", 10)
	v.SetDefault("fusion.fake_threshold", 0.85)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cool_down_secs", 60)
	v.SetDefault("breaker.close_threshold", 3)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.dlq_depth_threshold", 25)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("ebay.rps", 5)
	v.SetDefault("tcgplayer.rps", 10)
	v.SetDefault("pricecharting.rps", 2)

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
