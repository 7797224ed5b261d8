package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goshops-com/opsagent/pkg/events"
	"github.com/goshops-com/opsagent/pkg/models"
)

func newTestManager(t *testing.T, cooldown, resolveAfter time.Duration) (*Manager, <-chan events.Event) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	ch, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)
	return NewManager("srv-1", cooldown, resolveAfter, 10, bus, nil), ch
}

func cpuViolation(value float64) models.RuleViolation {
	return models.RuleViolation{
		Rule: models.Rule{
			Kind:       models.RuleKindThreshold,
			MetricPath: "cpu.usage",
			Op:         models.OpGreaterEqual,
			Value:      90,
			Severity:   models.SeverityCritical,
			Message:    "CPU usage critical",
		},
		MetricPath:   "cpu.usage",
		CurrentValue: value,
		Timestamp:    time.Now(),
	}
}

func drain(ch <-chan events.Event) []AlertEvent {
	var out []AlertEvent
	for {
		select {
		case evt := <-ch:
			out = append(out, evt.Payload.(AlertEvent))
		default:
			return out
		}
	}
}

func TestNewAlertCreated(t *testing.T) {
	m, ch := newTestManager(t, time.Minute, 2*time.Minute)

	m.ProcessViolations(context.Background(), []models.RuleViolation{cpuViolation(95)})

	got := drain(ch)
	require.Len(t, got, 1)
	assert.Equal(t, EventNew, got[0].Kind)
	assert.Equal(t, "srv-1", got[0].Alert.ServerID)
	assert.Equal(t, 95.0, got[0].Alert.CurrentValue)
	assert.Len(t, m.Active(), 1)
}

func TestDedupUpdatesExistingAlert(t *testing.T) {
	m, ch := newTestManager(t, time.Minute, 2*time.Minute)
	ctx := context.Background()

	m.ProcessViolations(ctx, []models.RuleViolation{cpuViolation(95)})
	m.ProcessViolations(ctx, []models.RuleViolation{cpuViolation(99)})

	got := drain(ch)
	require.Len(t, got, 2)
	assert.Equal(t, EventNew, got[0].Kind)
	assert.Equal(t, EventUpdated, got[1].Kind)
	assert.Equal(t, got[0].Alert.ID, got[1].Alert.ID)
	assert.Equal(t, 99.0, got[1].Alert.CurrentValue)

	require.Len(t, m.Active(), 1, "dedup keeps a single unresolved alert")
}

func TestCooldownSuppressesRecreation(t *testing.T) {
	m, ch := newTestManager(t, time.Minute, time.Millisecond)
	ctx := context.Background()

	m.ProcessViolations(ctx, []models.RuleViolation{cpuViolation(95)})

	// Let the alert resolve, then violate again inside the cooldown.
	time.Sleep(5 * time.Millisecond)
	m.ProcessViolations(ctx, nil)
	require.Empty(t, m.Active())

	m.ProcessViolations(ctx, []models.RuleViolation{cpuViolation(97)})
	assert.Empty(t, m.Active(), "recreation within cooldown is suppressed")

	kinds := []string{}
	for _, evt := range drain(ch) {
		kinds = append(kinds, evt.Kind)
	}
	assert.Equal(t, []string{EventNew, EventResolved}, kinds)
}

func TestResolutionFiresExactlyOnce(t *testing.T) {
	m, ch := newTestManager(t, time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	m.ProcessViolations(ctx, []models.RuleViolation{cpuViolation(95)})
	time.Sleep(15 * time.Millisecond)
	m.ProcessViolations(ctx, nil)
	m.ProcessViolations(ctx, nil)

	var resolved int
	for _, evt := range drain(ch) {
		if evt.Kind == EventResolved {
			resolved++
			assert.NotNil(t, evt.Alert.ResolvedAt)
		}
	}
	assert.Equal(t, 1, resolved)
}

func TestAlertNotResolvedWhileViolating(t *testing.T) {
	m, _ := newTestManager(t, time.Millisecond, 20*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.ProcessViolations(ctx, []models.RuleViolation{cpuViolation(95)})
		time.Sleep(5 * time.Millisecond)
	}
	assert.Len(t, m.Active(), 1)
}

func TestSyntheticViolationsGetDistinctFingerprints(t *testing.T) {
	m, _ := newTestManager(t, time.Minute, 2*time.Minute)
	ctx := context.Background()

	mk := func(mount string) models.RuleViolation {
		v := cpuViolation(97)
		v.MetricPath = "disk.usedPercent"
		v.Rule.MetricPath = "disk.usedPercent"
		v.Rule.Message = "Disk usage on " + mount
		v.Context = mount
		return v
	}
	m.ProcessViolations(ctx, []models.RuleViolation{mk("/"), mk("/data")})

	assert.Len(t, m.Active(), 2)
}

func TestHistoryRing(t *testing.T) {
	m, _ := newTestManager(t, 0, time.Minute)
	ctx := context.Background()

	// maxHistory is 10; create 15 distinct alerts.
	for i := 0; i < 15; i++ {
		v := cpuViolation(95)
		v.Rule.Message = string(rune('a' + i))
		m.ProcessViolations(ctx, []models.RuleViolation{v})
	}
	history := m.History()
	require.Len(t, history, 10)
	assert.Equal(t, "f", history[0].Message, "oldest surviving entry")
	assert.Equal(t, "o", history[9].Message)
}

func TestAcknowledge(t *testing.T) {
	m, ch := newTestManager(t, time.Minute, 2*time.Minute)
	ctx := context.Background()

	m.ProcessViolations(ctx, []models.RuleViolation{cpuViolation(95)})
	created := drain(ch)[0].Alert

	require.NoError(t, m.Acknowledge(ctx, created.ID))
	got := drain(ch)
	require.Len(t, got, 1)
	assert.Equal(t, EventAcknowledged, got[0].Kind)
	assert.True(t, got[0].Alert.Acknowledged)

	assert.Error(t, m.Acknowledge(ctx, "missing"))
}

func TestIngestExternalAlert(t *testing.T) {
	m, ch := newTestManager(t, time.Minute, 2*time.Minute)
	ctx := context.Background()

	m.Ingest(ctx, &models.Alert{
		Fingerprint:  "web_response_time:httpcheck.responsetime:latency",
		Severity:     models.SeverityWarning,
		Message:      "response time high",
		Metric:       "httpcheck.responsetime",
		CurrentValue: 1200,
		Source:       models.AlertSourceNetdata,
	})

	got := drain(ch)
	require.Len(t, got, 1)
	assert.Equal(t, EventNew, got[0].Kind)
	assert.Equal(t, models.AlertSourceNetdata, got[0].Alert.Source)

	m.Resolve(ctx, "web_response_time:httpcheck.responsetime:latency")
	got = drain(ch)
	require.Len(t, got, 1)
	assert.Equal(t, EventResolved, got[0].Kind)
	assert.Empty(t, m.Active())
}
