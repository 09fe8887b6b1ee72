package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Defaults matching the amplifier hardware.
const (
	DefaultControlPort       = 10001
	DefaultConnectionTimeout = 200 * time.Millisecond
	DefaultReportInterval    = 100 * time.Millisecond
	DefaultMaxOutput         = 50
	DefaultListen            = ":8000"
)

// Default returns the built-in configuration: the three amplifiers of the
// rack on 192.168.1.100-102.
func Default() *Config {
	cfg := &Config{
		Amplifiers: []AmplifierConfig{
			{Name: "900 A", Address: "192.168.1.100"},
			{Name: "900 B", Address: "192.168.1.101"},
			{Name: "1800", Address: "192.168.1.102"},
		},
	}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig loads configuration from a YAML file. An empty path yields the
// built-in defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		if err := ValidateConfig(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyDefaults(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Global.ControlPort == 0 {
		cfg.Global.ControlPort = DefaultControlPort
	}
	if cfg.Global.ConnectionTimeout == 0 {
		cfg.Global.ConnectionTimeout = DefaultConnectionTimeout
	}
	if cfg.Global.ReportInterval == 0 {
		cfg.Global.ReportInterval = DefaultReportInterval
	}
	if cfg.Global.MaxOutput == 0 {
		cfg.Global.MaxOutput = DefaultMaxOutput
	}
	if cfg.Global.ReconnectMin == 0 {
		cfg.Global.ReconnectMin = 2 * time.Second
	}
	if cfg.Global.ReconnectMax == 0 {
		cfg.Global.ReconnectMax = 60 * time.Second
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Alerts.Severity == "" {
		cfg.Alerts.Severity = "warning"
	}
	if cfg.Alerts.FlapThreshold == 0 {
		cfg.Alerts.FlapThreshold = 5
	}
	if cfg.Alerts.FlapWindow == 0 {
		cfg.Alerts.FlapWindow = 2 * time.Minute
	}
}

// ValidateConfig validates the configuration
func ValidateConfig(cfg *Config) error {
	if len(cfg.Amplifiers) == 0 {
		return fmt.Errorf("no amplifiers configured")
	}

	for i, amp := range cfg.Amplifiers {
		if amp.Name == "" {
			return fmt.Errorf("amplifier %d: name is required", i)
		}
		if amp.Address == "" {
			return fmt.Errorf("amplifier %d (%s): address is required", i, amp.Name)
		}
		if amp.Port < 0 || amp.Port > 65535 {
			return fmt.Errorf("amplifier %d (%s): invalid port %d", i, amp.Name, amp.Port)
		}
	}

	if cfg.Global.ControlPort < 1 || cfg.Global.ControlPort > 65535 {
		return fmt.Errorf("global.control_port: invalid port %d", cfg.Global.ControlPort)
	}
	if cfg.Global.ConnectionTimeout < 0 || cfg.Global.ReportInterval < 0 {
		return fmt.Errorf("global: durations must be positive")
	}
	if cfg.Global.MaxOutput < 0 || cfg.Global.MaxOutput > 0xffff {
		return fmt.Errorf("global.max_output: must be within 0..65535")
	}
	if cfg.Global.ReconnectMax < cfg.Global.ReconnectMin {
		return fmt.Errorf("global.reconnect_max must not be below reconnect_min")
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level)); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be 'json' or 'text'")
	}
	if cfg.Logging.Loki.Enabled && cfg.Logging.Loki.URL == "" {
		return fmt.Errorf("logging.loki.url is required when loki is enabled")
	}

	for name, channel := range cfg.Alerts.Channels {
		if channel.Type != "apprise" {
			return fmt.Errorf("channel %s: only 'apprise' type is supported", name)
		}
		if channel.URLEnv == "" {
			return fmt.Errorf("channel %s: url_env is required", name)
		}
		if channel.EscalationDelay < 0 {
			return fmt.Errorf("channel %s: escalation_delay must not be negative", name)
		}
	}

	for ruleName, rule := range cfg.Alerts.AlertRules {
		for _, chName := range rule.Channels {
			if _, ok := cfg.Alerts.Channels[chName]; !ok {
				return fmt.Errorf("alert rule %s: references unknown channel %s", ruleName, chName)
			}
		}
	}

	return nil
}
