// Package config loads portfolio-engine settings from an optional YAML file
// and PORTFOLIO_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file searched for, without extension.
const FileName = "portfolio-engine"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Rates    RatesConfig    `mapstructure:"rates"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig selects PostgreSQL when URL is set; otherwise lots live
// in memory.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig enables the shared rate cache and the distributed account
// lease when URL is set.
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	RateTTL  time.Duration `mapstructure:"rate_ttl"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

// RatesConfig points at a JSON exchange-rate API. An empty URL serves
// a static snapshot in which every currency converts at its fallback.
type RatesConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// KafkaConfig enables publishing reconciliation events when Brokers is
// non-empty.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type EngineConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
}

// Load reads FileName.yaml from ".", "./config" or "/etc/portfolio-engine"
// if present, then applies environment overrides such as
// PORTFOLIO_DATABASE_URL.
func Load() (*Config, error) {
	return load(FileName)
}

func load(name string) (*Config, error) {
	v := viper.New()

	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/portfolio-engine/")

	v.SetEnvPrefix("PORTFOLIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")

	v.SetDefault("database.url", "")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.rate_ttl", time.Hour)
	v.SetDefault("redis.lease_ttl", 30*time.Second)

	v.SetDefault("rates.url", "")
	v.SetDefault("rates.timeout", 5*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "portfolio.events")

	v.SetDefault("engine.max_retries", 3)
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Engine.MaxRetries < 1 {
		return fmt.Errorf("config: engine.max_retries must be at least 1, got %d", c.Engine.MaxRetries)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("config: kafka.topic is required when brokers are set")
	}
	return nil
}

// SlogLevel maps log.level to a slog level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
