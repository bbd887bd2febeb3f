package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

type Config struct {
	FeedFlow      FeedFlowConfig      `yaml:"feedflow"`
	Feed          FeedConfig          `yaml:"feed"`
	Normalizer    NormalizerConfig    `yaml:"normalizer"`
	Staleness     StalenessConfig     `yaml:"staleness"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	ReferenceData ReferenceDataConfig `yaml:"reference_data"`
	Dashboard     DashboardConfig     `yaml:"dashboard"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type FeedFlowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type FeedConfig struct {
	URL            string          `yaml:"url"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
	PingInterval   time.Duration   `yaml:"ping_interval"`
	ConnectTimeout time.Duration   `yaml:"connect_timeout"`
	HandshakeTime  time.Duration   `yaml:"handshake_timeout"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type NormalizerConfig struct {
	MaxTrades      int           `yaml:"max_trades"`
	MaxCandles     int           `yaml:"max_candles"`
	MaxBookOrders  int           `yaml:"max_book_orders"`
	BookLevels     int           `yaml:"book_levels"`
	BookFlushDelay time.Duration `yaml:"book_flush_delay"`
	EventBuffer    int           `yaml:"event_buffer"`
}

type StalenessConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	Timeout       time.Duration `yaml:"timeout"`
}

type SubscriptionsConfig struct {
	SymbolPrefix    string        `yaml:"symbol_prefix"`
	InitialSymbol   string        `yaml:"initial_symbol"`
	CandleTimeframe string        `yaml:"candle_timeframe"`
	BookPrecision   string        `yaml:"book_precision"`
	Stagger         time.Duration `yaml:"stagger"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
}

type ReferenceDataConfig struct {
	Source string      `yaml:"source"`
	Path   string      `yaml:"path"`
	URL    string      `yaml:"url"`
	S3     S3Config    `yaml:"s3"`
	Retry  RetryConfig `yaml:"retry"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Key             string `yaml:"key"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type DashboardConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	LogHistory int    `yaml:"log_history"`
}

type MetricsConfig struct {
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used for any key the YAML file omits.
func Default() Config {
	return Config{
		Feed: FeedConfig{
			URL: "wss://api-pub.bitfinex.com/ws/2",
			Reconnect: ReconnectConfig{
				BaseDelay:   time.Second,
				MaxAttempts: 5,
			},
			PingInterval:   5 * time.Second,
			ConnectTimeout: 30 * time.Second,
			HandshakeTime:  10 * time.Second,
		},
		Normalizer: NormalizerConfig{
			MaxTrades:      1000,
			MaxCandles:     5000,
			MaxBookOrders:  1000,
			BookLevels:     5,
			BookFlushDelay: 50 * time.Millisecond,
			EventBuffer:    256,
		},
		Staleness: StalenessConfig{
			CheckInterval: 5 * time.Second,
			Timeout:       20 * time.Second,
		},
		Subscriptions: SubscriptionsConfig{
			SymbolPrefix:    "t",
			CandleTimeframe: "1m",
			BookPrecision:   "R0",
			Stagger:         100 * time.Millisecond,
			SettleDelay:     time.Second,
		},
		ReferenceData: ReferenceDataConfig{
			Source: "file",
			Path:   "config/currencyPairs.json",
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     5 * time.Second,
			},
		},
		Dashboard: DashboardConfig{
			Address:    ":8080",
			LogHistory: 200,
		},
		Metrics: MetricsConfig{
			ReportInterval: 30 * time.Second,
			CloudWatch: CloudWatchConfig{
				Namespace: "FeedFlow",
				Dashboard: "FeedFlow",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadConfig reads path (or the APP_ENV specific file when path is the
// default) on top of Default and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("FEED_URL"); v != "" {
		config.Feed.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		region := strings.TrimSpace(v)
		if config.ReferenceData.S3.Region == "" {
			config.ReferenceData.S3.Region = region
		}
		if config.Metrics.CloudWatch.Region == "" {
			config.Metrics.CloudWatch.Region = region
		}
	}
	if v := os.Getenv("REFDATA_S3_BUCKET"); v != "" {
		config.ReferenceData.S3.Bucket = strings.TrimSpace(v)
	}
	if config.ReferenceData.Source == "s3" {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.ReferenceData.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.ReferenceData.S3.SecretAccessKey = strings.TrimSpace(v)
		}
	}
	config.ReferenceData.S3.Bucket = strings.TrimSpace(config.ReferenceData.S3.Bucket)
}

func validateConfig(cfg *Config) error {
	if cfg.FeedFlow.Name == "" {
		return fmt.Errorf("feedflow.name is required")
	}

	if cfg.FeedFlow.Version == "" {
		return fmt.Errorf("feedflow.version is required")
	}

	if !strings.HasPrefix(cfg.Feed.URL, "ws://") && !strings.HasPrefix(cfg.Feed.URL, "wss://") {
		return fmt.Errorf("feed.url '%s' must be a ws:// or wss:// url", cfg.Feed.URL)
	}
	if cfg.Feed.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("feed.reconnect.base_delay must be greater than 0")
	}
	if cfg.Feed.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("feed.reconnect.max_attempts must not be negative")
	}
	if cfg.Feed.PingInterval <= 0 {
		return fmt.Errorf("feed.ping_interval must be greater than 0")
	}
	if cfg.Feed.ConnectTimeout <= 0 {
		return fmt.Errorf("feed.connect_timeout must be greater than 0")
	}

	if cfg.Normalizer.MaxTrades <= 0 {
		return fmt.Errorf("normalizer.max_trades must be greater than 0")
	}
	if cfg.Normalizer.MaxCandles <= 0 {
		return fmt.Errorf("normalizer.max_candles must be greater than 0")
	}
	if cfg.Normalizer.MaxBookOrders <= 0 {
		return fmt.Errorf("normalizer.max_book_orders must be greater than 0")
	}
	if cfg.Normalizer.BookLevels <= 0 {
		return fmt.Errorf("normalizer.book_levels must be greater than 0")
	}
	if cfg.Normalizer.BookFlushDelay <= 0 {
		return fmt.Errorf("normalizer.book_flush_delay must be greater than 0")
	}

	if cfg.Staleness.CheckInterval <= 0 {
		return fmt.Errorf("staleness.check_interval must be greater than 0")
	}
	if cfg.Staleness.Timeout <= 0 {
		return fmt.Errorf("staleness.timeout must be greater than 0")
	}

	if len(cfg.Subscriptions.SymbolPrefix) != 1 {
		return fmt.Errorf("subscriptions.symbol_prefix must be a single character")
	}
	if cfg.Subscriptions.CandleTimeframe == "" {
		return fmt.Errorf("subscriptions.candle_timeframe is required")
	}

	switch cfg.ReferenceData.Source {
	case "file":
		if cfg.ReferenceData.Path == "" {
			return fmt.Errorf("reference_data.path is required when source is file")
		}
	case "http":
		if cfg.ReferenceData.URL == "" {
			return fmt.Errorf("reference_data.url is required when source is http")
		}
	case "s3":
		s3 := cfg.ReferenceData.S3
		if s3.Bucket == "" || s3.Key == "" {
			return fmt.Errorf("reference_data.s3.bucket and reference_data.s3.key are required when source is s3")
		}
		if s3.Region == "" {
			return fmt.Errorf("reference_data.s3.region is required when source is s3")
		}
		if !isValidS3Bucket(s3.Bucket) {
			return fmt.Errorf("reference_data.s3.bucket '%s' is invalid", s3.Bucket)
		}
	default:
		return fmt.Errorf("reference_data.source '%s' must be one of file, http, s3", cfg.ReferenceData.Source)
	}

	if cfg.Dashboard.Enabled && strings.TrimSpace(cfg.Dashboard.Address) == "" {
		return fmt.Errorf("dashboard.address is required when the dashboard is enabled")
	}

	return validateForEnvironment(cfg, getAppEnvironment())
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
