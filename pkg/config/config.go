// Package config loads and validates the agent's YAML configuration.
//
// The file is discovered on a small search path ($OPSAGENT_CONFIG,
// ./opsagent.yaml, ./config/opsagent.yaml, /etc/opsagent/opsagent.yaml).
// ${VAR} placeholders are expanded from the environment before parsing,
// defaults are applied, and the result is validated before use.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Config is the fully resolved agent configuration.
type Config struct {
	Collector CollectorConfig `yaml:"collector"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Rules     RulesConfig     `yaml:"rules"`
	Agent     AgentConfig     `yaml:"agent"`
	Discord   DiscordConfig   `yaml:"discord"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Netdata   *NetdataConfig  `yaml:"netdata"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Audit     AuditConfig     `yaml:"audit"`
	Storage   StorageConfig   `yaml:"storage"`
	Plugins   PluginsConfig   `yaml:"plugins"`
}

// CollectorConfig drives the metrics sampling loop.
type CollectorConfig struct {
	Interval Duration `yaml:"interval"`
}

// AlertsConfig drives alert dedup, cooldown and resolution.
type AlertsConfig struct {
	Cooldown     Duration `yaml:"cooldown"`
	ResolveAfter Duration `yaml:"resolve_after"` // zero means 2 × cooldown
	MaxHistory   int      `yaml:"max_history"`
}

// AgentProvider selects the LLM backend.
type AgentProvider string

const (
	ProviderOpenCode   AgentProvider = "opencode"
	ProviderOpenRouter AgentProvider = "openrouter"
)

// PermissionLevel bounds what the agent may do autonomously.
type PermissionLevel string

const (
	PermissionFull     PermissionLevel = "full"
	PermissionLimited  PermissionLevel = "limited"
	PermissionReadonly PermissionLevel = "readonly"
)

// AgentConfig configures the LLM-driven side of the agent.
type AgentConfig struct {
	Model           string          `yaml:"model"`
	Provider        AgentProvider   `yaml:"provider"`
	AutoRemediate   bool            `yaml:"auto_remediate"`
	PermissionLevel PermissionLevel `yaml:"permission_level"`
	ChatTimeout     Duration        `yaml:"chat_timeout"`
}

// DiscordConfig configures the outbound Discord webhook notifier.
type DiscordConfig struct {
	Enabled             bool   `yaml:"enabled"`
	WebhookURL          string `yaml:"webhook_url"`
	NotifyOnCritical    bool   `yaml:"notify_on_critical"`
	NotifyOnAgentAction bool   `yaml:"notify_on_agent_action"`
}

// DashboardConfig configures the embedded HTTP server.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// NetdataSeverity filters which external alarms are consumed.
type NetdataSeverity string

const (
	NetdataWarning  NetdataSeverity = "warning"
	NetdataCritical NetdataSeverity = "critical"
	NetdataAll      NetdataSeverity = "all"
)

// NetdataConfig configures the external alert feed variant. When present
// and enabled, alarms are pulled from a monitoring service and the internal
// rule engine is disabled.
type NetdataConfig struct {
	URL             string            `yaml:"url"`
	PollInterval    Duration          `yaml:"poll_interval"`
	MonitorSeverity NetdataSeverity   `yaml:"monitor_severity"`
	SeverityMapping map[string]string `yaml:"severity_mapping"`
	IgnoreAlerts    []string          `yaml:"ignore_alerts"`
	ForceAlerts     []string          `yaml:"force_alerts"`
}

// ApprovalsConfig drives approval expiry.
type ApprovalsConfig struct {
	DefaultExpiry   Duration `yaml:"default_expiry"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// AuditConfig bounds the in-memory audit ring. Durable copies are kept in
// storage regardless.
type AuditConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// StorageConfig locates the durable store.
type StorageConfig struct {
	Path          string `yaml:"path"`
	SnapshotEvery int    `yaml:"snapshot_every"` // persist every Nth metric sample
}

// PluginsConfig drives plugin instance supervision and tool execution.
type PluginsConfig struct {
	HealthInterval Duration `yaml:"health_interval"`
	QueryTimeout   Duration `yaml:"query_timeout"`
}

// searchPath returns the candidate config file locations in priority order.
func searchPath() []string {
	var paths []string
	if p := os.Getenv("OPSAGENT_CONFIG"); p != "" {
		paths = append(paths, p)
	}
	return append(paths,
		"opsagent.yaml",
		"config/opsagent.yaml",
		"/etc/opsagent/opsagent.yaml",
	)
}

// Load discovers, parses, defaults and validates the configuration.
// A missing config file is not an error: the agent runs on defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	path, data, err := readFirst(searchPath())
	if err != nil {
		return nil, err
	}
	if path == "" {
		slog.Info("No configuration file found, using defaults")
	} else {
		if err := parseYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		slog.Info("Configuration loaded", "path", path)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFirst(paths []string) (string, []byte, error) {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", nil, fmt.Errorf("read config %s: %w", p, err)
		}
		return p, data, nil
	}
	return "", nil, nil
}

func (c *Config) validate() error {
	if c.Collector.Interval.Std() < time.Second {
		return fmt.Errorf("collector.interval must be at least 1s, got %s", c.Collector.Interval)
	}
	if c.Alerts.MaxHistory <= 0 {
		return fmt.Errorf("alerts.max_history must be positive, got %d", c.Alerts.MaxHistory)
	}
	switch c.Agent.Provider {
	case ProviderOpenCode, ProviderOpenRouter:
	default:
		return fmt.Errorf("agent.provider must be one of opencode, openrouter; got %q", c.Agent.Provider)
	}
	switch c.Agent.PermissionLevel {
	case PermissionFull, PermissionLimited, PermissionReadonly:
	default:
		return fmt.Errorf("agent.permission_level must be one of full, limited, readonly; got %q", c.Agent.PermissionLevel)
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	if c.Netdata != nil {
		if c.Netdata.URL == "" {
			return fmt.Errorf("netdata.url is required when the netdata section is present")
		}
		switch c.Netdata.MonitorSeverity {
		case NetdataWarning, NetdataCritical, NetdataAll:
		default:
			return fmt.Errorf("netdata.monitor_severity must be one of warning, critical, all; got %q", c.Netdata.MonitorSeverity)
		}
	}
	if err := c.Rules.validate(); err != nil {
		return err
	}
	return nil
}
