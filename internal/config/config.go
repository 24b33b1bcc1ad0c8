// Package config loads the bottle service configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/bottle_service/pkg/logger"
)

// Config is the root service configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Database DatabaseConfig       `yaml:"database"`
	Logging  logger.LoggingConfig `yaml:"logging"`
	Auth     AuthConfig           `yaml:"auth"`
	Oracle   OracleConfig         `yaml:"oracle"`
}

// OracleConfig points at the randomness oracle. When URL is empty, requests
// are queued locally for the oracle to poll.
type OracleConfig struct {
	URL            string        `yaml:"url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Address renders the listen address.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects and configures the storage backend.
type DatabaseConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// AuthConfig carries the JWT secret and the initial role grants.
type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	Admins    []string `yaml:"admins"`
	Oracles   []string `yaml:"oracles"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{Driver: "memory"},
		Logging:  logger.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// Load reads the configuration file at path, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BOTTLE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("BOTTLE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BOTTLE_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("BOTTLE_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("BOTTLE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BOTTLE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("BOTTLE_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("BOTTLE_ORACLE_URL"); v != "" {
		cfg.Oracle.URL = v
	}
}

// Validate checks the configuration for internally consistent values.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("postgres driver requires a dsn")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	return nil
}
