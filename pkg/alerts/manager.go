// Package alerts turns rule violations into durable, deduplicated alerts
// with cooldown suppression and automatic resolution.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goshops-com/opsagent/pkg/events"
	"github.com/goshops-com/opsagent/pkg/models"
	"github.com/goshops-com/opsagent/pkg/storage"
)

// AlertEvent is the payload published for alert lifecycle transitions.
type AlertEvent struct {
	Kind  string        `json:"kind"` // new, updated, resolved, acknowledged
	Alert *models.Alert `json:"alert"`
}

const (
	EventNew          = "new"
	EventUpdated      = "updated"
	EventResolved     = "resolved"
	EventAcknowledged = "acknowledged"
)

// Manager owns the alert state machine. Methods are safe for concurrent use.
type Manager struct {
	serverID     string
	cooldown     time.Duration
	resolveAfter time.Duration
	maxHistory   int
	bus          *events.Bus
	store        storage.Store

	mu sync.Mutex
	// active maps fingerprint to the one unresolved alert.
	active map[string]*models.Alert
	// lastCreated maps fingerprint to its most recent creation time; drives
	// cooldown suppression independently of resolution.
	lastCreated map[string]time.Time
	// lastSeen maps fingerprint to the last tick that produced a violation
	// for it; drives resolution.
	lastSeen map[string]time.Time
	// history is a ring of the last maxHistory alerts, oldest first.
	history []*models.Alert
}

// NewManager creates an alert manager. store may be nil in tests;
// persistence is best-effort either way.
func NewManager(serverID string, cooldown, resolveAfter time.Duration, maxHistory int, bus *events.Bus, store storage.Store) *Manager {
	return &Manager{
		serverID:     serverID,
		cooldown:     cooldown,
		resolveAfter: resolveAfter,
		maxHistory:   maxHistory,
		bus:          bus,
		store:        store,
		active:       make(map[string]*models.Alert),
		lastCreated:  make(map[string]time.Time),
		lastSeen:     make(map[string]time.Time),
	}
}

// Fingerprint identifies an alert condition. Two violations with the same
// metric, severity and message are the same condition regardless of value.
func Fingerprint(metric string, severity models.Severity, message string) string {
	return fmt.Sprintf("%s|%s|%s", metric, severity, message)
}

// ProcessViolations folds one tick's violations into the alert set, then
// resolves alerts whose condition has stayed quiet for resolveAfter.
func (m *Manager) ProcessViolations(ctx context.Context, violations []models.RuleViolation) {
	now := time.Now().UTC()

	m.mu.Lock()
	var fire []AlertEvent
	for _, v := range violations {
		metric := v.MetricPath
		if v.Context != "" {
			metric = v.MetricPath + ":" + v.Context
		}
		fp := Fingerprint(metric, v.Rule.Severity, v.Rule.Message)
		m.lastSeen[fp] = now

		if existing, ok := m.active[fp]; ok {
			existing.CurrentValue = v.CurrentValue
			existing.UpdatedAt = now
			fire = append(fire, AlertEvent{Kind: EventUpdated, Alert: cloneAlert(existing)})
			m.persist(ctx, func(s storage.Store) error { return s.UpdateAlert(ctx, existing) })
			continue
		}

		if created, ok := m.lastCreated[fp]; ok && now.Sub(created) < m.cooldown {
			continue
		}

		alert := &models.Alert{
			ID:           uuid.NewString(),
			ServerID:     m.serverID,
			Fingerprint:  fp,
			Severity:     v.Rule.Severity,
			Message:      v.Rule.Message,
			Metric:       metric,
			CurrentValue: v.CurrentValue,
			Threshold:    v.Rule.Value,
			CreatedAt:    now,
			UpdatedAt:    now,
			Source:       models.AlertSourceRules,
		}
		if v.Context != "" {
			alert.Metadata = map[string]any{"context": v.Context}
		}
		m.active[fp] = alert
		m.lastCreated[fp] = now
		m.appendHistory(alert)
		fire = append(fire, AlertEvent{Kind: EventNew, Alert: cloneAlert(alert)})
		m.persist(ctx, func(s storage.Store) error { return s.InsertAlert(ctx, alert) })
	}

	fire = append(fire, m.resolveQuietLocked(ctx, now)...)
	m.mu.Unlock()

	for _, evt := range fire {
		m.bus.Publish(events.TypeAlert, evt)
	}
}

// Ingest inserts an externally produced alert (external alarm feeds) into
// the same dedup machinery, bypassing the rule pipeline.
func (m *Manager) Ingest(ctx context.Context, alert *models.Alert) {
	now := time.Now().UTC()

	m.mu.Lock()
	fp := alert.Fingerprint
	if fp == "" {
		fp = Fingerprint(alert.Metric, alert.Severity, alert.Message)
		alert.Fingerprint = fp
	}
	m.lastSeen[fp] = now

	if existing, ok := m.active[fp]; ok {
		existing.CurrentValue = alert.CurrentValue
		existing.UpdatedAt = now
		evt := AlertEvent{Kind: EventUpdated, Alert: cloneAlert(existing)}
		m.persist(ctx, func(s storage.Store) error { return s.UpdateAlert(ctx, existing) })
		m.mu.Unlock()
		m.bus.Publish(events.TypeAlert, evt)
		return
	}
	if created, ok := m.lastCreated[fp]; ok && now.Sub(created) < m.cooldown {
		m.mu.Unlock()
		return
	}

	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	alert.ServerID = m.serverID
	alert.CreatedAt = now
	alert.UpdatedAt = now
	m.active[fp] = alert
	m.lastCreated[fp] = now
	m.appendHistory(alert)
	evt := AlertEvent{Kind: EventNew, Alert: cloneAlert(alert)}
	m.persist(ctx, func(s storage.Store) error { return s.InsertAlert(ctx, alert) })
	m.mu.Unlock()
	m.bus.Publish(events.TypeAlert, evt)
}

// Resolve marks the active alert for a fingerprint resolved, used by
// external feeds that report explicit cleared transitions.
func (m *Manager) Resolve(ctx context.Context, fingerprint string) {
	now := time.Now().UTC()

	m.mu.Lock()
	alert, ok := m.active[fingerprint]
	if !ok {
		m.mu.Unlock()
		return
	}
	resolved := now
	alert.ResolvedAt = &resolved
	alert.UpdatedAt = now
	delete(m.active, fingerprint)
	delete(m.lastSeen, fingerprint)
	evt := AlertEvent{Kind: EventResolved, Alert: cloneAlert(alert)}
	m.persist(ctx, func(s storage.Store) error { return s.ResolveAlert(ctx, alert.ID, resolved) })
	m.mu.Unlock()
	m.bus.Publish(events.TypeAlert, evt)
}

// Acknowledge flags an alert as seen by a human.
func (m *Manager) Acknowledge(ctx context.Context, alertID string) error {
	m.mu.Lock()
	var target *models.Alert
	for _, alert := range m.history {
		if alert.ID == alertID {
			target = alert
			break
		}
	}
	if target == nil {
		m.mu.Unlock()
		return fmt.Errorf("alert %s not found", alertID)
	}
	target.Acknowledged = true
	evt := AlertEvent{Kind: EventAcknowledged, Alert: cloneAlert(target)}
	m.persist(ctx, func(s storage.Store) error {
		return s.AcknowledgeAlert(ctx, alertID)
	})
	m.mu.Unlock()
	m.bus.Publish(events.TypeAlert, evt)
	return nil
}

// Active returns the unresolved alerts, most recent first.
func (m *Manager) Active() []*models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Alert, 0, len(m.active))
	for _, alert := range m.active {
		out = append(out, cloneAlert(alert))
	}
	return out
}

// History returns the bounded alert history, oldest first.
func (m *Manager) History() []*models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Alert, len(m.history))
	for i, alert := range m.history {
		out[i] = cloneAlert(alert)
	}
	return out
}

// resolveQuietLocked resolves alerts whose fingerprint has not violated for
// resolveAfter. Caller holds the lock.
func (m *Manager) resolveQuietLocked(ctx context.Context, now time.Time) []AlertEvent {
	var fire []AlertEvent
	for fp, alert := range m.active {
		seen, ok := m.lastSeen[fp]
		if ok && now.Sub(seen) < m.resolveAfter {
			continue
		}
		resolved := now
		alert.ResolvedAt = &resolved
		alert.UpdatedAt = now
		delete(m.active, fp)
		delete(m.lastSeen, fp)
		fire = append(fire, AlertEvent{Kind: EventResolved, Alert: cloneAlert(alert)})
		m.persist(ctx, func(s storage.Store) error { return s.ResolveAlert(ctx, alert.ID, resolved) })
		slog.Info("Alert resolved", "alert_id", alert.ID, "metric", alert.Metric)
	}
	return fire
}

func (m *Manager) appendHistory(alert *models.Alert) {
	m.history = append(m.history, alert)
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
}

func (m *Manager) persist(ctx context.Context, op func(storage.Store) error) {
	if m.store == nil {
		return
	}
	if err := op(m.store); err != nil {
		slog.Warn("Alert persistence failed", "error", err)
	}
}

func cloneAlert(a *models.Alert) *models.Alert {
	out := *a
	return &out
}
