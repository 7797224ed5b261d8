// Package rules evaluates an immutable rule set against each metric sample
// and produces violations. All evaluation state (sustained windows, rate
// histories, process alert limits) lives inside the engine.
package rules

import (
	"fmt"
	"time"

	"github.com/goshops-com/opsagent/pkg/config"
	"github.com/goshops-com/opsagent/pkg/models"
)

const rateWindow = time.Hour

// Engine evaluates rules against samples. Not safe for concurrent use; the
// pipeline evaluates one sample at a time.
type Engine struct {
	rules []models.Rule

	// sustained tracks when a continuously violating window started, keyed
	// by (path, value, duration). A nil entry means not currently violating;
	// fired marks a window that already emitted.
	sustained map[string]*sustainedState

	// rateHistory keeps up to one hour of observations per rate-rule metric.
	rateHistory map[string][]observation

	// mounts/processes thresholds come from config rather than the generic
	// rule list because their violations carry per-entity context.
	disk      *config.DiskRules
	processes *config.ProcessRules

	// procLastAlert rate-limits per-(name, pid) process violations.
	procLastAlert map[string]time.Time
	procInterval  time.Duration
}

type sustainedState struct {
	startedAt time.Time
	fired     bool
}

type observation struct {
	at    time.Time
	value float64
}

// NewEngine builds an engine over an explicit rule list plus the per-entity
// disk and process thresholds.
func NewEngine(ruleSet []models.Rule, cfg *config.RulesConfig) *Engine {
	e := &Engine{
		rules:         ruleSet,
		sustained:     make(map[string]*sustainedState),
		rateHistory:   make(map[string][]observation),
		procLastAlert: make(map[string]time.Time),
		procInterval:  config.DefaultProcessAlertEvery.Std(),
	}
	if cfg != nil {
		e.disk = cfg.Disk
		e.processes = cfg.Processes
		if cfg.Processes != nil && cfg.Processes.AlertInterval > 0 {
			e.procInterval = cfg.Processes.AlertInterval.Std()
		}
	}
	return e
}

// Evaluate runs every rule against the sample. Violations are emitted in
// rule-registration order, followed by per-mount and per-process synthetic
// violations.
func (e *Engine) Evaluate(sample *models.MetricSample) []models.RuleViolation {
	now := sample.Timestamp
	var violations []models.RuleViolation

	for _, rule := range e.rules {
		value := resolvePath(sample, rule.MetricPath)
		if value == nil {
			continue
		}
		switch rule.Kind {
		case models.RuleKindThreshold:
			if rule.Op.Compare(*value, rule.Value) {
				violations = append(violations, violation(rule, *value, now, ""))
			}
		case models.RuleKindSustained:
			if v, ok := e.evalSustained(rule, *value, now); ok {
				violations = append(violations, v)
			}
		case models.RuleKindRate:
			if v, ok := e.evalRate(rule, *value, now); ok {
				violations = append(violations, v)
			}
		}
	}

	violations = append(violations, e.evalMounts(sample, now)...)
	violations = append(violations, e.evalProcesses(sample, now)...)
	return violations
}

func (e *Engine) evalSustained(rule models.Rule, value float64, now time.Time) (models.RuleViolation, bool) {
	key := fmt.Sprintf("%s|%g|%s", rule.MetricPath, rule.Value, rule.Duration)

	if !rule.Op.Compare(value, rule.Value) {
		delete(e.sustained, key)
		return models.RuleViolation{}, false
	}

	state := e.sustained[key]
	if state == nil {
		e.sustained[key] = &sustainedState{startedAt: now}
		return models.RuleViolation{}, false
	}
	if state.fired || now.Sub(state.startedAt) < rule.Duration {
		return models.RuleViolation{}, false
	}
	// One emission per continuous violating window; dedup of repeats is the
	// alert manager's job.
	state.fired = true
	return violation(rule, value, now, ""), true
}

func (e *Engine) evalRate(rule models.Rule, value float64, now time.Time) (models.RuleViolation, bool) {
	history := append(e.rateHistory[rule.MetricPath], observation{at: now, value: value})
	cutoff := now.Add(-rateWindow)
	for len(history) > 0 && history[0].at.Before(cutoff) {
		history = history[1:]
	}
	e.rateHistory[rule.MetricPath] = history

	// A rate needs at least two observations inside the window.
	if len(history) < 2 {
		return models.RuleViolation{}, false
	}
	oldest, latest := history[0], history[len(history)-1]
	hours := latest.at.Sub(oldest.at).Hours()
	if hours <= 0 {
		return models.RuleViolation{}, false
	}
	rate := (latest.value - oldest.value) / hours
	if !rule.Op.Compare(rate, rule.RatePerHour) {
		return models.RuleViolation{}, false
	}
	v := violation(rule, rate, now, "")
	return v, true
}

func (e *Engine) evalMounts(sample *models.MetricSample, now time.Time) []models.RuleViolation {
	if e.disk == nil {
		return nil
	}
	var violations []models.RuleViolation
	for _, mount := range sample.Disk.Mounts {
		var severity models.Severity
		var threshold float64
		switch {
		case e.disk.Critical > 0 && mount.UsedPercent >= e.disk.Critical:
			severity, threshold = models.SeverityCritical, e.disk.Critical
		case e.disk.Warning > 0 && mount.UsedPercent >= e.disk.Warning:
			severity, threshold = models.SeverityWarning, e.disk.Warning
		default:
			continue
		}
		violations = append(violations, models.RuleViolation{
			Rule: models.Rule{
				Kind:       models.RuleKindThreshold,
				MetricPath: "disk.usedPercent",
				Op:         models.OpGreaterEqual,
				Value:      threshold,
				Severity:   severity,
				Message:    fmt.Sprintf("Disk usage on %s at %.1f%%", mount.Mountpoint, mount.UsedPercent),
			},
			MetricPath:   "disk.usedPercent",
			CurrentValue: mount.UsedPercent,
			Timestamp:    now,
			Context:      mount.Mountpoint,
		})
	}
	return violations
}

func (e *Engine) evalProcesses(sample *models.MetricSample, now time.Time) []models.RuleViolation {
	if e.processes == nil {
		return nil
	}
	var violations []models.RuleViolation

	emit := func(proc models.ProcessInfo, path string, value, threshold float64, unit string) {
		key := fmt.Sprintf("%s:%d:%s", proc.Name, proc.PID, path)
		if last, ok := e.procLastAlert[key]; ok && now.Sub(last) < e.procInterval {
			return
		}
		e.procLastAlert[key] = now
		violations = append(violations, models.RuleViolation{
			Rule: models.Rule{
				Kind:       models.RuleKindThreshold,
				MetricPath: path,
				Op:         models.OpGreaterEqual,
				Value:      threshold,
				Severity:   models.SeverityWarning,
				Message:    fmt.Sprintf("Process %s (pid %d) using %.1f%% %s", proc.Name, proc.PID, value, unit),
			},
			MetricPath:   path,
			CurrentValue: value,
			Timestamp:    now,
			Context:      fmt.Sprintf("%s:%d", proc.Name, proc.PID),
		})
	}

	if e.processes.CPUWarning > 0 {
		for _, proc := range sample.Processes.TopCPU {
			if proc.CPUPercent >= e.processes.CPUWarning {
				emit(proc, "process.cpuPercent", proc.CPUPercent, e.processes.CPUWarning, "CPU")
			}
		}
	}
	if e.processes.MemWarning > 0 {
		for _, proc := range sample.Processes.TopMem {
			if proc.MemPercent >= e.processes.MemWarning {
				emit(proc, "process.memPercent", proc.MemPercent, e.processes.MemWarning, "memory")
			}
		}
	}
	return violations
}

func violation(rule models.Rule, value float64, at time.Time, context string) models.RuleViolation {
	return models.RuleViolation{
		Rule:         rule,
		MetricPath:   rule.MetricPath,
		CurrentValue: value,
		Timestamp:    at,
		Context:      context,
	}
}
