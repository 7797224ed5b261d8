package rules

import (
	"fmt"
	"runtime"

	"github.com/goshops-com/opsagent/pkg/config"
	"github.com/goshops-com/opsagent/pkg/models"
)

// Build turns the declarative rules config into the immutable rule list.
// Registration order is deterministic: cpu, memory, disk, network,
// processes, file descriptors.
func Build(cfg *config.RulesConfig) []models.Rule {
	if cfg == nil {
		return nil
	}
	var rules []models.Rule

	if c := cfg.CPU; c != nil {
		if c.Critical > 0 {
			rules = append(rules, threshold("cpu.usage", c.Critical,
				models.SeverityCritical, "CPU usage critical"))
		}
		if c.Warning > 0 {
			rules = append(rules, threshold("cpu.usage", c.Warning,
				models.SeverityWarning, "CPU usage high"))
		}
		if s := c.Sustained; s != nil && s.Threshold > 0 {
			rules = append(rules, models.Rule{
				Kind:       models.RuleKindSustained,
				MetricPath: "cpu.usage",
				Op:         models.OpGreaterEqual,
				Value:      s.Threshold,
				Duration:   s.Duration.Std(),
				Severity:   models.SeverityCritical,
				Message: fmt.Sprintf("CPU usage above %.0f%% for %s",
					s.Threshold, s.Duration),
			})
		}
		if c.LoadPerCoreWarning > 0 {
			cores := float64(runtime.NumCPU())
			rules = append(rules, threshold("cpu.load1",
				c.LoadPerCoreWarning*cores,
				models.SeverityWarning, "Load average high for core count"))
		}
	}

	if m := cfg.Memory; m != nil {
		if m.Critical > 0 {
			rules = append(rules, threshold("memory.usedPercent", m.Critical,
				models.SeverityCritical, "Memory usage critical"))
		}
		if m.Warning > 0 {
			rules = append(rules, threshold("memory.usedPercent", m.Warning,
				models.SeverityWarning, "Memory usage high"))
		}
		if m.SwapCritical > 0 {
			rules = append(rules, threshold("memory.swapPercent", m.SwapCritical,
				models.SeverityCritical, "Swap usage critical"))
		}
		if m.SwapWarning > 0 {
			rules = append(rules, threshold("memory.swapPercent", m.SwapWarning,
				models.SeverityWarning, "Swap usage high"))
		}
	}

	// Per-mount disk thresholds are handled by the engine with mountpoint
	// context; only the growth-rate rule lives in the generic list.
	if d := cfg.Disk; d != nil && d.GrowthRateWarning > 0 {
		rules = append(rules, models.Rule{
			Kind:        models.RuleKindRate,
			MetricPath:  "disk.totalUsed",
			Op:          models.OpGreaterEqual,
			RatePerHour: d.GrowthRateWarning,
			Severity:    models.SeverityWarning,
			Message:     "Disk usage growing abnormally fast",
		})
	}

	if n := cfg.Network; n != nil && n.ErrorRateWarning > 0 {
		rules = append(rules, threshold("network.errorRate", n.ErrorRateWarning,
			models.SeverityWarning, "Network error rate high"))
	}

	if p := cfg.Processes; p != nil && p.ZombieWarning > 0 {
		rules = append(rules, threshold("processes.zombie", float64(p.ZombieWarning),
			models.SeverityWarning, "Zombie process count high"))
	}

	if f := cfg.FileDescriptors; f != nil {
		if f.Critical > 0 {
			rules = append(rules, threshold("fileDescriptors.usedPercent", f.Critical,
				models.SeverityCritical, "File descriptor usage critical"))
		}
		if f.Warning > 0 {
			rules = append(rules, threshold("fileDescriptors.usedPercent", f.Warning,
				models.SeverityWarning, "File descriptor usage high"))
		}
	}

	return rules
}

func threshold(path string, value float64, severity models.Severity, message string) models.Rule {
	return models.Rule{
		Kind:       models.RuleKindThreshold,
		MetricPath: path,
		Op:         models.OpGreaterEqual,
		Value:      value,
		Severity:   severity,
		Message:    message,
	}
}
