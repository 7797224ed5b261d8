package config

import "time"

// Default values applied to any unset configuration field.
const (
	DefaultCollectorInterval = Duration(5 * time.Second)
	DefaultAlertCooldown     = Duration(5 * time.Minute)
	DefaultAlertMaxHistory   = 1000
	DefaultChatTimeout       = Duration(2 * time.Minute)
	DefaultApprovalExpiry    = Duration(time.Hour)
	DefaultCleanupInterval   = Duration(time.Minute)
	DefaultAuditMaxEntries   = 10_000
	DefaultSnapshotEvery     = 12 // every 12th sample at 5s ≈ one snapshot/minute
	DefaultHealthInterval    = Duration(time.Minute)
	DefaultQueryTimeout      = Duration(30 * time.Second)
	DefaultNetdataPoll       = Duration(10 * time.Second)
	DefaultDashboardPort     = 3001
	DefaultStoragePath       = "opsagent.db"
	DefaultProcessAlertEvery = Duration(5 * time.Minute)
)

func (c *Config) applyDefaults() {
	if c.Collector.Interval == 0 {
		c.Collector.Interval = DefaultCollectorInterval
	}
	if c.Alerts.Cooldown == 0 {
		c.Alerts.Cooldown = DefaultAlertCooldown
	}
	if c.Alerts.ResolveAfter == 0 {
		c.Alerts.ResolveAfter = 2 * c.Alerts.Cooldown
	}
	if c.Alerts.MaxHistory == 0 {
		c.Alerts.MaxHistory = DefaultAlertMaxHistory
	}
	if c.Agent.Provider == "" {
		c.Agent.Provider = ProviderOpenRouter
	}
	if c.Agent.PermissionLevel == "" {
		c.Agent.PermissionLevel = PermissionLimited
	}
	if c.Agent.Model == "" {
		c.Agent.Model = "openai/gpt-4o"
	}
	if c.Agent.ChatTimeout == 0 {
		c.Agent.ChatTimeout = DefaultChatTimeout
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = DefaultDashboardPort
	}
	if c.Approvals.DefaultExpiry == 0 {
		c.Approvals.DefaultExpiry = DefaultApprovalExpiry
	}
	if c.Approvals.CleanupInterval == 0 {
		c.Approvals.CleanupInterval = DefaultCleanupInterval
	}
	if c.Audit.MaxEntries == 0 {
		c.Audit.MaxEntries = DefaultAuditMaxEntries
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if c.Storage.SnapshotEvery == 0 {
		c.Storage.SnapshotEvery = DefaultSnapshotEvery
	}
	if c.Plugins.HealthInterval == 0 {
		c.Plugins.HealthInterval = DefaultHealthInterval
	}
	if c.Plugins.QueryTimeout == 0 {
		c.Plugins.QueryTimeout = DefaultQueryTimeout
	}
	if c.Netdata != nil {
		if c.Netdata.PollInterval == 0 {
			c.Netdata.PollInterval = DefaultNetdataPoll
		}
		if c.Netdata.MonitorSeverity == "" {
			c.Netdata.MonitorSeverity = NetdataCritical
		}
	}
	if c.Rules.Processes != nil && c.Rules.Processes.AlertInterval == 0 {
		c.Rules.Processes.AlertInterval = DefaultProcessAlertEvery
	}
}
