// Package config loads runtime settings from defaults, an optional YAML
// file, UME_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/pliu/ume/internal/store"
)

const envPrefix = "UME"

type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Delivery  DeliveryConfig  `mapstructure:"delivery" yaml:"delivery"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Sweep     SweepConfig     `mapstructure:"sweep" yaml:"sweep"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	MaxMessageSize int64    `mapstructure:"max_message_size" yaml:"max_message_size"`
	SendBuffer     int      `mapstructure:"send_buffer" yaml:"send_buffer"`
	// HandshakeSecret enables signed ?token= handshakes when non-empty.
	HandshakeSecret string `mapstructure:"handshake_secret" yaml:"handshake_secret"`
}

type StoreConfig struct {
	Driver        string `mapstructure:"driver" yaml:"driver"`
	DSN           string `mapstructure:"dsn" yaml:"dsn"`
	Path          string `mapstructure:"path" yaml:"path"`
	MongoURL      string `mapstructure:"mongo_url" yaml:"mongo_url"`
	MongoDatabase string `mapstructure:"mongo_database" yaml:"mongo_database"`
}

type DeliveryConfig struct {
	StoreTimeout time.Duration `mapstructure:"store_timeout" yaml:"store_timeout"`
	PushTimeout  time.Duration `mapstructure:"push_timeout" yaml:"push_timeout"`
	HistoryLimit int           `mapstructure:"history_limit" yaml:"history_limit"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps" yaml:"rps"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

type SweepConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Cron    string `mapstructure:"cron" yaml:"cron"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

var drivers = map[string]bool{
	"sqlite3":  true,
	"postgres": true,
	"pebble":   true,
	"mongo":    true,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3001")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_message_size", 64*1024)
	v.SetDefault("server.send_buffer", 256)
	v.SetDefault("server.handshake_secret", "")

	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.dsn", "ume.db")
	v.SetDefault("store.path", "./data/pebble")
	v.SetDefault("store.mongo_url", "mongodb://localhost:27017")
	v.SetDefault("store.mongo_database", "ume")

	v.SetDefault("delivery.store_timeout", 5*time.Second)
	v.SetDefault("delivery.push_timeout", 2*time.Second)
	v.SetDefault("delivery.history_limit", store.DefaultConversationLimit)

	v.SetDefault("rate_limit.rps", 10)
	v.SetDefault("rate_limit.burst", 20)

	v.SetDefault("sweep.enabled", false)
	v.SetDefault("sweep.cron", "*/5 * * * *")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"addr":         "server.addr",
	"store-driver": "store.driver",
	"store-dsn":    "store.dsn",
	"log-level":    "log.level",
}

// Load reads the configuration. path may be empty, in which case ume.yaml
// is looked up in ./configs and the working directory and skipped when
// absent. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.SetConfigName("ume")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Server.AllowedOrigins = normalizeOrigins(cfg.Server.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		// A single env var arrives as one comma-separated element.
		for _, part := range strings.Split(o, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}
	if c.Server.MaxMessageSize <= 0 {
		return fmt.Errorf("server.max_message_size must be positive, got %d", c.Server.MaxMessageSize)
	}
	if c.Server.SendBuffer <= 0 {
		return fmt.Errorf("server.send_buffer must be positive, got %d", c.Server.SendBuffer)
	}
	if !drivers[c.Store.Driver] {
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Delivery.StoreTimeout <= 0 || c.Delivery.PushTimeout <= 0 {
		return errors.New("delivery timeouts must be positive")
	}
	if c.Delivery.HistoryLimit <= 0 || c.Delivery.HistoryLimit > store.DefaultConversationLimit {
		return fmt.Errorf("delivery.history_limit must be between 1 and %d, got %d", store.DefaultConversationLimit, c.Delivery.HistoryLimit)
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return errors.New("rate_limit.rps and rate_limit.burst must be positive")
	}
	if c.Sweep.Enabled && !gronx.IsValid(c.Sweep.Cron) {
		return fmt.Errorf("invalid sweep.cron %q", c.Sweep.Cron)
	}
	return nil
}

// Dump renders the effective configuration as YAML with secrets masked.
func (c *Config) Dump() ([]byte, error) {
	redacted := *c
	if redacted.Server.HandshakeSecret != "" {
		redacted.Server.HandshakeSecret = "<redacted>"
	}
	return yaml.Marshal(redacted)
}
