// Package config loads the application configuration from an optional
// YAML file overlaid with environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ClientQueueSize int           `mapstructure:"client_queue_size"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// BusConfig holds the market-event bus consumer settings.
type BusConfig struct {
	Brokers     []string      `mapstructure:"brokers"`
	Topic       string        `mapstructure:"topic"`
	GroupID     string        `mapstructure:"group_id"`
	MinBackoff  time.Duration `mapstructure:"min_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// AuthConfig holds token verification settings.
type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	Issuer        string        `mapstructure:"issuer"`
	VerifyWorkers int           `mapstructure:"verify_workers"`
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`
}

// DirectoryConfig points at the identity-directory service.
type DirectoryConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ProviderConfig points at the trading-provider gateway.
type ProviderConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MonitorConfig holds the position safety loop settings. Threshold values
// are decimal strings; a zero or empty value disables the rule.
type MonitorConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	Cooldown            time.Duration `mapstructure:"cooldown"`
	Workers             int           `mapstructure:"workers"`
	ProviderTimeout     time.Duration `mapstructure:"provider_timeout"`
	TrailDistance       string        `mapstructure:"trail_distance"`
	BreakEvenTrigger    string        `mapstructure:"break_even_trigger"`
	MaxAdverseExcursion string        `mapstructure:"max_adverse_excursion"`
}

// RedisConfig holds the deduplication store settings.
type RedisConfig struct {
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`
}

// Config is the application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Bus       BusConfig       `mapstructure:"bus"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Redis     RedisConfig     `mapstructure:"redis"`
	LogLevel  string          `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.client_queue_size", 256)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("bus.brokers", []string{"localhost:9092"})
	v.SetDefault("bus.topic", "market.events")
	v.SetDefault("bus.group_id", "tradestream")
	v.SetDefault("bus.min_backoff", 500*time.Millisecond)
	v.SetDefault("bus.max_backoff", 30*time.Second)
	v.SetDefault("bus.max_attempts", 10)

	// Keys without a meaningful default still need registering so the
	// environment overlay can find them during unmarshal.
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.verify_workers", 8)
	v.SetDefault("auth.verify_timeout", 5*time.Second)

	v.SetDefault("directory.base_url", "http://localhost:8081")
	v.SetDefault("directory.timeout", 5*time.Second)

	v.SetDefault("provider.base_url", "http://localhost:8082")
	v.SetDefault("provider.timeout", 10*time.Second)

	v.SetDefault("monitor.interval", time.Minute)
	v.SetDefault("monitor.cooldown", 5*time.Minute)
	v.SetDefault("monitor.workers", 4)
	v.SetDefault("monitor.provider_timeout", 10*time.Second)
	v.SetDefault("monitor.trail_distance", "0")
	v.SetDefault("monitor.break_even_trigger", "0")
	v.SetDefault("monitor.max_adverse_excursion", "0")

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dedup_ttl", 24*time.Hour)

	v.SetDefault("log_level", "info")
}

// Load reads configuration from path (optional) and the environment.
// Environment variables use the TRADESTREAM_ prefix with underscores,
// e.g. TRADESTREAM_AUTH_JWT_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TRADESTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("tradestream")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/tradestream")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings the service cannot run without.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Bus.Brokers) == 0 {
		return fmt.Errorf("bus.brokers must not be empty")
	}
	if c.Bus.Topic == "" {
		return fmt.Errorf("bus.topic is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	return nil
}
