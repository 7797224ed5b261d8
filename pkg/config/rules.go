package config

import "fmt"

// RulesConfig holds the per-subsystem alert thresholds that the rule
// builder turns into the immutable rule set.
type RulesConfig struct {
	CPU             *CPURules     `yaml:"cpu"`
	Memory          *MemoryRules  `yaml:"memory"`
	Disk            *DiskRules    `yaml:"disk"`
	Network         *NetworkRules `yaml:"network"`
	Processes       *ProcessRules `yaml:"processes"`
	FileDescriptors *FDRules      `yaml:"file_descriptors"`
}

// SustainedRule configures a duration-gated threshold.
type SustainedRule struct {
	Threshold float64  `yaml:"threshold"`
	Duration  Duration `yaml:"duration"`
}

// CPURules holds CPU thresholds.
type CPURules struct {
	Warning            float64        `yaml:"warning"`
	Critical           float64        `yaml:"critical"`
	Sustained          *SustainedRule `yaml:"sustained"`
	LoadPerCoreWarning float64        `yaml:"load_per_core_warning"`
}

// MemoryRules holds memory and swap thresholds.
type MemoryRules struct {
	Warning      float64 `yaml:"warning"`
	Critical     float64 `yaml:"critical"`
	SwapWarning  float64 `yaml:"swap_warning"`
	SwapCritical float64 `yaml:"swap_critical"`
}

// DiskRules holds per-mount usage thresholds and the growth rate rule.
type DiskRules struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
	// GrowthRateWarning fires when disk usage grows faster than this many
	// bytes per hour over the rate window.
	GrowthRateWarning float64 `yaml:"growth_rate_warning"`
}

// NetworkRules holds network error-rate thresholds.
type NetworkRules struct {
	ErrorRateWarning float64 `yaml:"error_rate_warning"`
}

// ProcessRules holds per-process thresholds and the synthetic-alert
// rate limit window.
type ProcessRules struct {
	CPUWarning    float64 `yaml:"cpu_warning"`
	MemWarning    float64 `yaml:"mem_warning"`
	ZombieWarning int     `yaml:"zombie_warning"`
	// AlertInterval rate-limits per-(process, pid) synthetic alerts.
	AlertInterval Duration `yaml:"alert_interval"`
}

// FDRules holds file descriptor usage thresholds.
type FDRules struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

func (r *RulesConfig) validate() error {
	if r.CPU != nil && r.CPU.Sustained != nil && r.CPU.Sustained.Duration <= 0 {
		return fmt.Errorf("rules.cpu.sustained.duration must be positive")
	}
	if r.Disk != nil && r.Disk.GrowthRateWarning < 0 {
		return fmt.Errorf("rules.disk.growth_rate_warning must not be negative")
	}
	if r.Processes != nil && r.Processes.AlertInterval < 0 {
		return fmt.Errorf("rules.processes.alert_interval must not be negative")
	}
	return nil
}
