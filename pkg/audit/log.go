// Package audit keeps the append-only ledger of plugin tool operations.
// Entries are redacted before they are stored or held in memory; the
// in-memory ring is a bounded cache, durable storage is authoritative.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goshops-com/opsagent/pkg/models"
	"github.com/goshops-com/opsagent/pkg/storage"
	"github.com/goshops-com/opsagent/pkg/vault"
)

// Any string parameter longer than this is treated as potentially sensitive
// regardless of its field name.
const longValueThreshold = 20

const redactedPlaceholder = "[REDACTED]"

// Log records tool operations. Safe for concurrent use.
type Log struct {
	maxEntries int
	store      storage.Store

	mu      sync.RWMutex
	entries []*models.AuditLogEntry // ring, oldest first
}

// NewLog creates an audit log with the given in-memory ring size.
func NewLog(maxEntries int, store storage.Store) *Log {
	return &Log{maxEntries: maxEntries, store: store}
}

// Record appends one operation outcome. Never fails: persistence errors are
// logged and the in-memory copy is kept regardless.
func (l *Log) Record(ctx context.Context, entry *models.AuditLogEntry) *models.AuditLogEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Parameters = Redact(entry.Parameters)

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.maxEntries {
		l.entries = l.entries[len(l.entries)-l.maxEntries:]
	}
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.AppendAuditEntry(ctx, entry); err != nil {
			slog.Warn("Failed to persist audit entry", "entry_id", entry.ID, "error", err)
		}
	}
	return entry
}

// Query filters the in-memory ring. Results are sorted newest first. An
// empty filter returns the most recent entries up to the default limit.
func (l *Log) Query(filter storage.AuditFilter) []*models.AuditLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []*models.AuditLogEntry
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := l.entries[i]
		if filter.ServerID != "" && e.ServerID != filter.ServerID {
			continue
		}
		if filter.PluginID != "" && e.PluginID != filter.PluginID {
			continue
		}
		if filter.SessionID != "" && e.SessionID != filter.SessionID {
			continue
		}
		if filter.RiskLevel != "" && e.RiskLevel != filter.RiskLevel {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && e.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Stats summarises the in-memory ring.
type Stats struct {
	Total       int                        `json:"total"`
	ByStatus    map[models.AuditStatus]int `json:"by_status"`
	ByRiskLevel map[models.RiskLevel]int   `json:"by_risk_level"`
	Last24Hours int                        `json:"last_24_hours"`
}

// Stats computes counters over all retained entries.
func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{
		ByStatus:    make(map[models.AuditStatus]int),
		ByRiskLevel: make(map[models.RiskLevel]int),
	}
	dayAgo := time.Now().UTC().Add(-24 * time.Hour)
	for _, e := range l.entries {
		stats.Total++
		stats.ByStatus[e.Status]++
		stats.ByRiskLevel[e.RiskLevel]++
		if !e.CreatedAt.Before(dayAgo) {
			stats.Last24Hours++
		}
	}
	return stats
}

// Redact returns a copy of params safe for storage and display: fields with
// sensitive names and long string values become placeholders. Nested maps
// are redacted recursively.
func Redact(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for name, value := range params {
		switch v := value.(type) {
		case string:
			if vault.IsSensitiveField(name) || len(v) > longValueThreshold {
				out[name] = redactedPlaceholder
			} else {
				out[name] = v
			}
		case map[string]any:
			if vault.IsSensitiveField(name) {
				out[name] = redactedPlaceholder
			} else {
				out[name] = Redact(v)
			}
		default:
			if vault.IsSensitiveField(name) {
				out[name] = redactedPlaceholder
			} else {
				out[name] = value
			}
		}
	}
	return out
}
