// Package config loads the YAML configuration and the persisted device state.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const allowedDevicesKey = "allowed_devices"

// Config holds application configuration
type Config struct {
	LogLevel           string        `yaml:"log_level" default:"info"`
	ScanTimeout        time.Duration `yaml:"scan_timeout" default:"10s"`
	RescueScanTimeout  time.Duration `yaml:"rescue_scan_timeout" default:"5s"`
	PollInterval       time.Duration `yaml:"poll_interval" default:"5m"`
	IdleTimeout        time.Duration `yaml:"idle_timeout" default:"0s"`
	IdleGrace          time.Duration `yaml:"idle_grace" default:"5s"`
	CommandSpacing     time.Duration `yaml:"command_spacing" default:"200ms"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" default:"30s"`
	TrackInterval      time.Duration `yaml:"track_interval" default:"1s"`
	StalePositionAfter time.Duration `yaml:"stale_position_after" default:"2m"`
	StateFile          string        `yaml:"state_file" default:"am43-state.yaml"`

	// AllowedDevices lists device ids or addresses that may be bound.
	// Absent or empty binds nothing; AllowAll is set when the key is an explicit null.
	AllowedDevices []string `yaml:"allowed_devices"`
	AllowAll       bool     `yaml:"-"`

	path string
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads path on top of the defaults. A missing file yields the defaults;
// Save will create it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	if len(doc.Content) == 0 {
		return nil
	}
	if err := doc.Decode(c); err != nil {
		return err
	}

	// yaml.v3 never hands a null node to a field, so the allow-all form is read off the tree
	if v := mappingValue(doc.Content[0], allowedDevicesKey); v != nil && v.ShortTag() == "!!null" {
		c.AllowAll = true
		c.AllowedDevices = nil
	}
	return c.Validate()
}

// Validate checks values that would otherwise fail far from the config file
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	for name, d := range map[string]time.Duration{
		"scan_timeout":        c.ScanTimeout,
		"rescue_scan_timeout": c.RescueScanTimeout,
		"connect_timeout":     c.ConnectTimeout,
		"track_interval":      c.TrackInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	for name, d := range map[string]time.Duration{
		"poll_interval":   c.PollInterval,
		"idle_timeout":    c.IdleTimeout,
		"idle_grace":      c.IdleGrace,
		"command_spacing": c.CommandSpacing,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	return nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// Path is the file Save writes to
func (c *Config) Path() string { return c.path }

// Save writes the configuration back to the file it was loaded from
func (c *Config) Save() error {
	if c.path == "" {
		return errors.New("config has no file path")
	}

	var doc yaml.Node
	if err := doc.Encode(c); err != nil {
		return err
	}
	if c.AllowAll {
		if v := mappingValue(&doc, allowedDevicesKey); v != nil {
			*v = yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return writeFileAtomic(c.path, buf.Bytes())
}

// Allow adds id to the allow-list. It reports whether the list changed.
func (c *Config) Allow(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" || c.AllowAll {
		return false
	}
	for _, existing := range c.AllowedDevices {
		if strings.EqualFold(existing, id) {
			return false
		}
	}
	c.AllowedDevices = append(c.AllowedDevices, id)
	return true
}

// Disallow removes id from the allow-list. It reports whether the list changed.
func (c *Config) Disallow(id string) bool {
	out := c.AllowedDevices[:0]
	removed := false
	for _, existing := range c.AllowedDevices {
		if strings.EqualFold(existing, strings.TrimSpace(id)) {
			removed = true
			continue
		}
		out = append(out, existing)
	}
	c.AllowedDevices = out
	return removed
}

// Level returns the parsed log level, falling back to info
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
