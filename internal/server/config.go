// Package server provides configuration helpers that define runtime defaults,
// file and environment loading, and validation for the chat relay.
package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the server configuration settings.
type Config struct {
	Addr            string        `yaml:"addr"`
	Env             string        `yaml:"env"`
	LogLevel        string        `yaml:"log_level"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	SendBufferSize  int           `yaml:"send_buffer_size"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongWait        time.Duration `yaml:"pong_wait"`
	WriteWait       time.Duration `yaml:"write_wait"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func defaultConfig() Config {
	return Config{
		Addr: ":8080",
		Env:  "dev",
		AllowedOrigins: []string{
			"http://localhost:3000",
			"http://localhost:8080",
		},
		MaxMessageSize:  4096,
		SendBufferSize:  256,
		PingInterval:    54 * time.Second,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig builds the runtime configuration. Defaults are overlaid with the
// YAML file at path (skipped when path is empty), then with a local .env file
// if one exists, then with the process environment.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg.applyEnv()
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// loadFile reads a YAML config file and expands ${VAR} references.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Addr = normalizeAddr(port)
	}

	if env := os.Getenv("APP_ENV"); env != "" {
		c.Env = env
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		c.MaxMessageSize = parseMaxMessageSize(maxSize, c.MaxMessageSize)
	}

	if buf := os.Getenv("SEND_BUFFER_SIZE"); buf != "" {
		c.SendBufferSize = parseIntValue(buf, c.SendBufferSize)
	}
}

// sanitize replaces zero values left by a partial YAML file with defaults.
func (c *Config) sanitize() {
	def := defaultConfig()

	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.Env == "" {
		c.Env = def.Env
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.SendBufferSize == 0 {
		c.SendBufferSize = def.SendBufferSize
	}
	if c.PingInterval == 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongWait == 0 {
		c.PongWait = def.PongWait
	}
	if c.WriteWait == 0 {
		c.WriteWait = def.WriteWait
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
}

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be > 0, got %d", c.MaxMessageSize)
	}
	if c.SendBufferSize <= 0 {
		return fmt.Errorf("send_buffer_size must be > 0, got %d", c.SendBufferSize)
	}
	if c.PongWait <= 0 || c.WriteWait <= 0 || c.ShutdownTimeout <= 0 {
		return errors.New("pong_wait, write_wait and shutdown_timeout must be > 0")
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		return fmt.Errorf("ping_interval must be > 0 and below pong_wait (%s), got %s", c.PongWait, c.PingInterval)
	}
	return nil
}

func normalizeAddr(port string) string {
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}
