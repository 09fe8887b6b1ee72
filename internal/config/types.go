package config

import "time"

// Config represents the complete ampctl configuration
type Config struct {
	Amplifiers []AmplifierConfig `yaml:"amplifiers"`
	Global     GlobalConfig      `yaml:"global"`
	Server     ServerConfig      `yaml:"server"`
	Logging    LoggingConfig     `yaml:"logging"`
	Alerts     AlertConfig       `yaml:"alerts"`
}

// AmplifierConfig defines one controlled amplifier. Its position in the list
// is the index used in reports and in /configure/{index}.
type AmplifierConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port,omitempty"`
}

// GlobalConfig contains settings shared by all amplifiers
type GlobalConfig struct {
	ControlPort       int           `yaml:"control_port"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	ReportInterval    time.Duration `yaml:"report_interval"`
	MaxOutput         int           `yaml:"max_output"`
	ReconnectMin      time.Duration `yaml:"reconnect_min"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
}

// ServerConfig defines the listening addresses
type ServerConfig struct {
	Listen     string `yaml:"listen"`
	GNMIListen string `yaml:"gnmi_listen,omitempty"` // empty disables the gNMI export
}

// LoggingConfig controls log level, format and extra sinks
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format"` // "json" or "text"
	File   FileConfig `yaml:"file,omitempty"`
	Loki   LokiConfig `yaml:"loki,omitempty"`
}

// FileConfig enables a rotating log file
type FileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// LokiConfig enables log shipping to Loki
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels,omitempty"`
}

// AlertConfig defines out-of-range alert routing and behavior
type AlertConfig struct {
	Enabled       bool                     `yaml:"enabled"`
	Severity      string                   `yaml:"severity"`
	FieldSeverity map[string]string        `yaml:"field_severity,omitempty"`
	Channels      map[string]ChannelConfig `yaml:"channels,omitempty"`
	AlertRules    map[string]AlertRule     `yaml:"alert_rules,omitempty"`
	FlapThreshold int                      `yaml:"flap_threshold"`
	FlapWindow    time.Duration            `yaml:"flap_window"`
}

// ChannelConfig defines a notification channel
type ChannelConfig struct {
	Type            string        `yaml:"type"`
	URLEnv          string        `yaml:"url_env"`
	EscalationDelay time.Duration `yaml:"escalation_delay,omitempty"`
}

// AlertRule defines routing rules for alerts
type AlertRule struct {
	Channels []string `yaml:"channels"`
}

// AmplifierPort returns the control port of the amplifier at index.
func (c *Config) AmplifierPort(index int) int {
	if index >= 0 && index < len(c.Amplifiers) && c.Amplifiers[index].Port != 0 {
		return c.Amplifiers[index].Port
	}
	return c.Global.ControlPort
}

// AmplifierNames lists the amplifier display names by index.
func (c *Config) AmplifierNames() []string {
	names := make([]string, len(c.Amplifiers))
	for i, a := range c.Amplifiers {
		names[i] = a.Name
	}
	return names
}

// SeverityFor returns the alert severity for an out-of-range field.
func (c *Config) SeverityFor(field string) string {
	if s, ok := c.Alerts.FieldSeverity[field]; ok && s != "" {
		return s
	}
	return c.Alerts.Severity
}
