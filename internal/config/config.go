// Package config resolves process configuration from the environment and an
// optional YAML settings file. The result is immutable and threaded through
// component constructors; nothing reads the environment at request time.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skyrelay/gateway/internal/util"
)

// Config is the resolved gateway configuration.
type Config struct {
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
	ConfigDir string `yaml:"configDir"`

	JWTSecret string `yaml:"jwtSecret"`
	JWTIssuer string `yaml:"jwtIssuer"`
	APIKey    string `yaml:"apiKey"`

	Redis RedisSettings `yaml:"redis"`

	DefaultFailureThreshold int      `yaml:"defaultFailureThreshold"`
	DefaultResetTimeout     Duration `yaml:"defaultResetTimeout"`
	DefaultRateLimit        int      `yaml:"defaultRateLimit"`
	DefaultRateWindow       Duration `yaml:"defaultRateWindow"`
	UpstreamTimeout         Duration `yaml:"upstreamTimeout"`

	IPWhitelist []string `yaml:"ipWhitelist"`
	IPBlacklist []string `yaml:"ipBlacklist"`
}

// RedisSettings holds shared-store connection settings.
type RedisSettings struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// FromEnv builds a Config from environment variables with documented
// defaults.
func FromEnv() *Config {
	return &Config{
		Port:      envInt("PORT", 8080),
		LogLevel:  envString("LOG_LEVEL", "info"),
		LogFormat: envString("LOG_FORMAT", "json"),
		ConfigDir: envString("CONFIG_DIR", "config"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		JWTIssuer: os.Getenv("JWT_ISSUER"),
		APIKey:    os.Getenv("API_KEY"),
		Redis: RedisSettings{
			Address:  envString("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		},
		DefaultFailureThreshold: envInt("DEFAULT_FAILURE_THRESHOLD", 5),
		DefaultResetTimeout:     Duration(time.Duration(envInt("DEFAULT_RESET_TIMEOUT", 30000)) * time.Millisecond),
		DefaultRateLimit:        envInt("DEFAULT_RATE_LIMIT", 100),
		DefaultRateWindow:       Duration(time.Duration(envInt("DEFAULT_RATE_WINDOW", 60)) * time.Second),
		UpstreamTimeout:         Duration(time.Duration(envInt("UPSTREAM_TIMEOUT", 30000)) * time.Millisecond),
		IPWhitelist:             envList("IP_WHITELIST"),
		IPBlacklist:             envList("IP_BLACKLIST"),
	}
}

// Load resolves configuration from the environment, then overlays the YAML
// file at path when one is given.
func Load(path string) (*Config, error) {
	cfg := FromEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, util.NewConfigErrorWithCause(path, "reading settings file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, util.NewConfigErrorWithCause(path, "parsing settings file", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return util.NewConfigError("port", "must be between 1 and 65535")
	}
	if c.DefaultFailureThreshold < 1 {
		return util.NewConfigError("defaultFailureThreshold", "must be a positive integer")
	}
	if c.DefaultResetTimeout.Duration() < time.Millisecond {
		return util.NewConfigError("defaultResetTimeout", "must be at least 1ms")
	}
	if c.DefaultRateLimit < 1 {
		return util.NewConfigError("defaultRateLimit", "must be a positive integer")
	}
	if c.DefaultRateWindow.Duration() < time.Second {
		return util.NewConfigError("defaultRateWindow", "must be at least 1s")
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
