package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides: feed.token -> PRICEWATCH_FEED_TOKEN.
const EnvPrefix = "PRICEWATCH"

type Config struct {
	Port      int             `yaml:"port" mapstructure:"port"`
	LogLevel  string          `yaml:"log_level" mapstructure:"log_level"`
	Feed      FeedConfig      `yaml:"feed" mapstructure:"feed"`
	REST      RESTConfig      `yaml:"rest" mapstructure:"rest"`
	Symbols   SymbolsConfig   `yaml:"symbols" mapstructure:"symbols"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka" mapstructure:"kafka"`
	Reconnect ReconnectConfig `yaml:"reconnect" mapstructure:"reconnect"`
}

type FeedConfig struct {
	URL             string        `yaml:"url" mapstructure:"url"`
	Token           string        `yaml:"token" mapstructure:"token"`
	TeardownTimeout time.Duration `yaml:"teardown_timeout" mapstructure:"teardown_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type SymbolsConfig struct {
	// KeepExchangeSuffix keeps "BRK.A" and "BRK.B" apart instead of
	// collapsing both onto "BRK".
	KeepExchangeSuffix bool `yaml:"keep_exchange_suffix" mapstructure:"keep_exchange_suffix"`
}

type StorageConfig struct {
	// SQLitePath empty disables persistence.
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Addr     string        `yaml:"addr" mapstructure:"addr"`
	Password string        `yaml:"password" mapstructure:"password"`
	DB       int           `yaml:"db" mapstructure:"db"`
	TTL      time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

type KafkaConfig struct {
	Enabled    bool     `yaml:"enabled" mapstructure:"enabled"`
	Brokers    []string `yaml:"brokers" mapstructure:"brokers"`
	TickTopic  string   `yaml:"tick_topic" mapstructure:"tick_topic"`
	AlertTopic string   `yaml:"alert_topic" mapstructure:"alert_topic"`
}

type ReconnectConfig struct {
	BaseDelay time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
}

func defaults() Config {
	return Config{
		Port:     8086,
		LogLevel: "info",
		Feed: FeedConfig{
			URL:             "wss://ws.finnhub.io",
			TeardownTimeout: 5 * time.Second,
			ReadTimeout:     60 * time.Second,
			PingInterval:    25 * time.Second,
		},
		REST: RESTConfig{
			BaseURL: "https://finnhub.io/api/v1",
			Timeout: 10 * time.Second,
		},
		Storage: StorageConfig{SQLitePath: "./data/pricewatch.db"},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			TTL:  24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Brokers:    []string{"localhost:9092"},
			TickTopic:  "market_ticks",
			AlertTopic: "price_alerts",
		},
		Reconnect: ReconnectConfig{
			BaseDelay: time.Second,
			MaxDelay:  60 * time.Second,
		},
	}
}

// Load builds the config from defaults, then the YAML file at path (a missing
// file is fine), then PRICEWATCH_* environment variables. A .env file in the
// working directory is loaded into the environment first.
func Load(path string) (Config, error) {
	_ = godotenv.Load() // best-effort: .env is optional

	cfg := defaults()
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	// Validation & normalization
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, errors.New("invalid port")
	}
	if !strings.HasPrefix(cfg.Feed.URL, "ws://") && !strings.HasPrefix(cfg.Feed.URL, "wss://") {
		return cfg, errors.New("feed.url must be a ws:// or wss:// URL")
	}
	cfg.REST.BaseURL = strings.TrimRight(cfg.REST.BaseURL, "/")
	if cfg.Reconnect.BaseDelay <= 0 || cfg.Reconnect.MaxDelay < cfg.Reconnect.BaseDelay {
		return cfg, errors.New("reconnect delays must satisfy 0 < base_delay <= max_delay")
	}
	if cfg.Kafka.Enabled {
		cfg.Kafka.Brokers = compact(cfg.Kafka.Brokers)
		if len(cfg.Kafka.Brokers) == 0 {
			return cfg, errors.New("kafka brokers cannot be empty")
		}
	}
	return cfg, nil
}

// applyEnv overlays environment variables on cfg. The current values are the
// defaults, so only keys with a variable set change.
func applyEnv(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, val := range flatten(cfg) {
		v.SetDefault(key, val)
	}
	// decode into a zero value; mapstructure does not shrink existing slices
	var out Config
	if err := v.Unmarshal(&out); err != nil {
		return fmt.Errorf("unable to decode environment into config: %w", err)
	}
	*cfg = out
	return nil
}

func flatten(c *Config) map[string]any {
	return map[string]any{
		"port":                         c.Port,
		"log_level":                    c.LogLevel,
		"feed.url":                     c.Feed.URL,
		"feed.token":                   c.Feed.Token,
		"feed.teardown_timeout":        c.Feed.TeardownTimeout,
		"feed.read_timeout":            c.Feed.ReadTimeout,
		"feed.ping_interval":           c.Feed.PingInterval,
		"rest.base_url":                c.REST.BaseURL,
		"rest.timeout":                 c.REST.Timeout,
		"symbols.keep_exchange_suffix": c.Symbols.KeepExchangeSuffix,
		"storage.sqlite_path":          c.Storage.SQLitePath,
		"redis.enabled":                c.Redis.Enabled,
		"redis.addr":                   c.Redis.Addr,
		"redis.password":               c.Redis.Password,
		"redis.db":                     c.Redis.DB,
		"redis.ttl":                    c.Redis.TTL,
		"kafka.enabled":                c.Kafka.Enabled,
		"kafka.brokers":                c.Kafka.Brokers,
		"kafka.tick_topic":             c.Kafka.TickTopic,
		"kafka.alert_topic":            c.Kafka.AlertTopic,
		"reconnect.base_delay":         c.Reconnect.BaseDelay,
		"reconnect.max_delay":          c.Reconnect.MaxDelay,
	}
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func NewLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "info":
		lvl = zapcore.InfoLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}
