// Package server provides configuration helpers that define runtime defaults,
// validation, and limits for the roomchat service.
package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string        `envconfig:"SERVER_PORT" default:":8080"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	MaxMessageSize  int64         `envconfig:"MAX_MESSAGE_SIZE" default:"4096"`
	MaxTextLength   int           `envconfig:"MAX_TEXT_LENGTH" default:"2000"`
	MaxNameLength   int           `envconfig:"MAX_NAME_LENGTH" default:"64"`
	HistoryLimit    int           `envconfig:"HISTORY_LIMIT" default:"0"`
	SeedRooms       []string      `envconfig:"SEED_ROOMS" default:"general,random"`
	SendBufferSize  int           `envconfig:"SEND_BUFFER_SIZE" default:"256"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"INFO"`
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:  4096,
		MaxTextLength:   2000,
		MaxNameLength:   64,
		SeedRooms:       []string{"general", "random"},
		SendBufferSize:  256,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "INFO",
	}
}

// sanitizeConfig replaces unusable values with their defaults.
func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = def.MaxTextLength
	}
	if cfg.MaxNameLength <= 0 {
		cfg.MaxNameLength = def.MaxNameLength
	}
	if cfg.HistoryLimit < 0 {
		cfg.HistoryLimit = 0
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = def.LogLevel
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	cfg.SeedRooms = append([]string(nil), cfg.SeedRooms...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config from environment variables, after loading
// a .env file from the working directory when one exists. Unset variables
// fall back to defaults.
func NewConfigFromEnv() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	cfg = sanitizeConfig(cfg)
	return &cfg, nil
}
