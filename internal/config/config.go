// Package config loads the gateway configuration from YAML over struct-tag defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/internal/alpha"
	"github.com/srg/blesense/internal/httpapi"
	"github.com/srg/blesense/internal/publish"
	"github.com/srg/blesense/internal/recorder"
	"github.com/srg/blesense/internal/scheduler"
	"github.com/srg/blesense/internal/storage"
	"gopkg.in/yaml.v3"
)

// AdapterConfig selects the BLE controller and the advertisement filter
type AdapterConfig struct {
	DeviceID       int           `yaml:"device_id" default:"0"`
	NameFilter     string        `yaml:"name_filter" default:"Weather"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"10s"`
}

// StorageConfig is the SQLite store plus the recorder retry policy
type StorageConfig struct {
	storage.SQLiteConfig `yaml:",inline"`
	recorder.Options     `yaml:",inline"`
}

// Config holds application configuration
type Config struct {
	LogLevel  string               `yaml:"log_level" default:"info"`
	Adapter   AdapterConfig        `yaml:"adapter"`
	Protocol  alpha.SessionOptions `yaml:"protocol"`
	Scheduler scheduler.Options    `yaml:"scheduler"`
	Storage   StorageConfig        `yaml:"storage"`
	HTTP      httpapi.Options      `yaml:"http"`
	MQTT      publish.Options      `yaml:"mqtt"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}

	// keys present but empty fall back to defaults
	defaults.SetDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges that defaults cannot express
func (c *Config) Validate() error {
	var problems []string

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Adapter.DeviceID < 0 {
		problems = append(problems, "adapter.device_id must not be negative")
	}

	positive := map[string]time.Duration{
		"adapter.connect_timeout":    c.Adapter.ConnectTimeout,
		"protocol.response_timeout":  c.Protocol.ResponseTimeout,
		"scheduler.event_wait":       c.Scheduler.EventWait,
		"scheduler.inspect_interval": c.Scheduler.InspectInterval,
		"scheduler.poll_interval":    c.Scheduler.PollInterval,
		"storage.busy_timeout":       c.Storage.BusyTimeout,
		"storage.retry_backoff":      c.Storage.RetryBackoff,
		"http.shutdown_timeout":      c.HTTP.ShutdownTimeout,
	}
	keys := make([]string, 0, len(positive))
	for k := range positive {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if positive[key] < 0 {
			problems = append(problems, fmt.Sprintf("%s must not be negative", key))
		}
	}

	if c.Storage.Path == "" {
		problems = append(problems, "storage.path is required")
	}
	if c.Storage.MaxOpenConns < 1 {
		problems = append(problems, "storage.max_open_conns must be at least 1")
	}
	if c.MQTT.QoS > 2 {
		problems = append(problems, fmt.Sprintf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QoS))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ParseLogLevel accepts debug, info, warn and error
func ParseLogLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	level, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
