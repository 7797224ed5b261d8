package audit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goshops-com/opsagent/pkg/models"
	"github.com/goshops-com/opsagent/pkg/storage"
)

func entry(plugin string, status models.AuditStatus, risk models.RiskLevel) *models.AuditLogEntry {
	return &models.AuditLogEntry{
		ServerID:  "srv-1",
		PluginID:  plugin,
		Operation: "query",
		RiskLevel: risk,
		Status:    status,
	}
}

func TestRecordAssignsIDAndTimestamp(t *testing.T) {
	log := NewLog(100, nil)

	e := log.Record(context.Background(), entry("postgres", models.AuditSuccess, models.RiskLow))
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestRedactSensitiveFieldNames(t *testing.T) {
	redacted := Redact(map[string]any{
		"password":   "hunter2",
		"query":      "SELECT 1",
		"api_key":    "sk-abc",
		"rowLimit":   50,
		"secretData": map[string]any{"inner": "x"},
	})

	assert.Equal(t, "[REDACTED]", redacted["password"])
	assert.Equal(t, "SELECT 1", redacted["query"])
	assert.Equal(t, "[REDACTED]", redacted["api_key"])
	assert.Equal(t, 50, redacted["rowLimit"])
	assert.Equal(t, "[REDACTED]", redacted["secretData"])
}

func TestRedactLongStringValues(t *testing.T) {
	redacted := Redact(map[string]any{
		"note":  strings.Repeat("x", 21),
		"short": "fits within limit ok",
	})
	assert.Equal(t, "[REDACTED]", redacted["note"])
	assert.Equal(t, "fits within limit ok", redacted["short"])
}

func TestRedactNestedMaps(t *testing.T) {
	redacted := Redact(map[string]any{
		"options": map[string]any{
			"token": "abc123",
			"limit": 10,
		},
	})
	nested := redacted["options"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["token"])
	assert.Equal(t, 10, nested["limit"])
}

func TestRecordRedactsParameters(t *testing.T) {
	log := NewLog(100, nil)

	e := entry("postgres", models.AuditSuccess, models.RiskLow)
	e.Parameters = map[string]any{"password": "hunter2", "limit": 5}
	stored := log.Record(context.Background(), e)

	assert.Equal(t, "[REDACTED]", stored.Parameters["password"])
	got := log.Query(storage.AuditFilter{})
	require.Len(t, got, 1)
	assert.Equal(t, "[REDACTED]", got[0].Parameters["password"])
}

func TestRingEviction(t *testing.T) {
	log := NewLog(5, nil)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		log.Record(ctx, entry("postgres", models.AuditSuccess, models.RiskLow))
	}
	assert.Equal(t, 5, log.Stats().Total)
}

func TestQueryFilters(t *testing.T) {
	log := NewLog(100, nil)
	ctx := context.Background()

	log.Record(ctx, entry("postgres", models.AuditSuccess, models.RiskLow))
	log.Record(ctx, entry("postgres", models.AuditFailed, models.RiskHigh))
	log.Record(ctx, entry("redis", models.AuditDenied, models.RiskMedium))

	assert.Len(t, log.Query(storage.AuditFilter{PluginID: "postgres"}), 2)
	assert.Len(t, log.Query(storage.AuditFilter{Status: models.AuditDenied}), 1)
	assert.Len(t, log.Query(storage.AuditFilter{RiskLevel: models.RiskHigh}), 1)
	assert.Len(t, log.Query(storage.AuditFilter{PluginID: "postgres", Status: models.AuditSuccess}), 1)
	assert.Empty(t, log.Query(storage.AuditFilter{ServerID: "other"}))
}

func TestQueryNewestFirst(t *testing.T) {
	log := NewLog(100, nil)
	ctx := context.Background()

	first := log.Record(ctx, entry("postgres", models.AuditSuccess, models.RiskLow))
	second := log.Record(ctx, entry("postgres", models.AuditFailed, models.RiskLow))

	got := log.Query(storage.AuditFilter{})
	require.Len(t, got, 2)
	assert.Equal(t, second.ID, got[0].ID)
	assert.Equal(t, first.ID, got[1].ID)
}

func TestQueryLimit(t *testing.T) {
	log := NewLog(100, nil)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		log.Record(ctx, entry("postgres", models.AuditSuccess, models.RiskLow))
	}
	assert.Len(t, log.Query(storage.AuditFilter{Limit: 3}), 3)
}

func TestStats(t *testing.T) {
	log := NewLog(100, nil)
	ctx := context.Background()

	log.Record(ctx, entry("postgres", models.AuditSuccess, models.RiskLow))
	log.Record(ctx, entry("postgres", models.AuditSuccess, models.RiskMedium))
	log.Record(ctx, entry("redis", models.AuditDenied, models.RiskHigh))

	old := entry("redis", models.AuditFailed, models.RiskLow)
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	log.Record(ctx, old)

	stats := log.Stats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[models.AuditSuccess])
	assert.Equal(t, 1, stats.ByStatus[models.AuditDenied])
	assert.Equal(t, 2, stats.ByRiskLevel[models.RiskLow])
	assert.Equal(t, 3, stats.Last24Hours)
}
