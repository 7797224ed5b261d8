package netdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goshops-com/opsagent/pkg/config"
	"github.com/goshops-com/opsagent/pkg/models"
)

type captureSink struct {
	mu       sync.Mutex
	ingested []*models.Alert
	resolved []string
}

func (c *captureSink) Ingest(_ context.Context, alert *models.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ingested = append(c.ingested, alert)
}

func (c *captureSink) Resolve(_ context.Context, fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved = append(c.resolved, fingerprint)
}

func alarmServer(t *testing.T, alarms *map[string]alarm) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/alarms", r.URL.Path)
		json.NewEncoder(w).Encode(alarmsResponse{Hostname: "nd-host", Alarms: *alarms})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestPoller(t *testing.T, cfg config.NetdataConfig, alarms *map[string]alarm) (*Poller, *captureSink) {
	t.Helper()
	srv := alarmServer(t, alarms)
	cfg.URL = srv.URL
	sink := &captureSink{}
	return NewPoller(cfg, "srv-1", sink), sink
}

func TestRaisedAlarmIngested(t *testing.T) {
	alarms := map[string]alarm{
		"disk_space._": {
			Name: "disk_space_usage", Chart: "disk_space._", Status: "CRITICAL",
			Value: 97.5, Units: "%", Info: "disk / is 97.5% full",
		},
	}
	p, sink := newTestPoller(t, config.NetdataConfig{MonitorSeverity: config.NetdataAll}, &alarms)

	p.poll(context.Background())

	require.Len(t, sink.ingested, 1)
	got := sink.ingested[0]
	assert.Equal(t, "netdata|disk_space_usage|disk_space._", got.Fingerprint)
	assert.Equal(t, models.SeverityCritical, got.Severity)
	assert.Equal(t, "disk / is 97.5% full", got.Message)
	assert.Equal(t, models.AlertSourceNetdata, got.Source)
	assert.Equal(t, "disk_space._", got.Metadata["chart"])
	assert.Equal(t, "srv-1", got.ServerID)
}

func TestAlarmNotReingestedWhileRaised(t *testing.T) {
	alarms := map[string]alarm{
		"cpu": {Name: "cpu_usage", Chart: "system.cpu", Status: "WARNING"},
	}
	p, sink := newTestPoller(t, config.NetdataConfig{MonitorSeverity: config.NetdataAll}, &alarms)

	p.poll(context.Background())
	p.poll(context.Background())

	assert.Len(t, sink.ingested, 1)
	assert.Empty(t, sink.resolved)
}

func TestEscalationReingests(t *testing.T) {
	alarms := map[string]alarm{
		"cpu": {Name: "cpu_usage", Chart: "system.cpu", Status: "WARNING"},
	}
	p, sink := newTestPoller(t, config.NetdataConfig{MonitorSeverity: config.NetdataAll}, &alarms)

	p.poll(context.Background())
	alarms["cpu"] = alarm{Name: "cpu_usage", Chart: "system.cpu", Status: "CRITICAL"}
	p.poll(context.Background())

	require.Len(t, sink.ingested, 2)
	assert.Equal(t, sink.ingested[0].Fingerprint, sink.ingested[1].Fingerprint)
	assert.Equal(t, models.SeverityCritical, sink.ingested[1].Severity)
	assert.Empty(t, sink.resolved)
}

func TestClearedAlarmResolved(t *testing.T) {
	alarms := map[string]alarm{
		"cpu": {Name: "cpu_usage", Chart: "system.cpu", Status: "WARNING"},
	}
	p, sink := newTestPoller(t, config.NetdataConfig{MonitorSeverity: config.NetdataAll}, &alarms)

	p.poll(context.Background())
	delete(alarms, "cpu")
	p.poll(context.Background())

	require.Len(t, sink.resolved, 1)
	assert.Equal(t, "netdata|cpu_usage|system.cpu", sink.resolved[0])
}

func TestSeverityFilter(t *testing.T) {
	alarms := map[string]alarm{
		"warn": {Name: "warn_alarm", Chart: "c1", Status: "WARNING"},
		"crit": {Name: "crit_alarm", Chart: "c2", Status: "CRITICAL"},
	}
	p, sink := newTestPoller(t, config.NetdataConfig{MonitorSeverity: config.NetdataCritical}, &alarms)

	p.poll(context.Background())

	require.Len(t, sink.ingested, 1)
	assert.Equal(t, "crit_alarm", sink.ingested[0].Metric)
}

func TestIgnoreAndForceLists(t *testing.T) {
	alarms := map[string]alarm{
		"noisy":  {Name: "noisy_alarm", Chart: "c1", Status: "CRITICAL"},
		"forced": {Name: "forced_alarm", Chart: "c2", Status: "WARNING"},
	}
	p, sink := newTestPoller(t, config.NetdataConfig{
		MonitorSeverity: config.NetdataCritical,
		IgnoreAlerts:    []string{"noisy_alarm"},
		ForceAlerts:     []string{"forced_alarm"},
	}, &alarms)

	p.poll(context.Background())

	require.Len(t, sink.ingested, 1)
	assert.Equal(t, "forced_alarm", sink.ingested[0].Metric)
}

func TestSeverityMappingOverride(t *testing.T) {
	alarms := map[string]alarm{
		"cpu": {Name: "cpu_usage", Chart: "system.cpu", Status: "WARNING"},
	}
	p, sink := newTestPoller(t, config.NetdataConfig{
		MonitorSeverity: config.NetdataAll,
		SeverityMapping: map[string]string{"cpu_usage": "critical"},
	}, &alarms)

	p.poll(context.Background())

	require.Len(t, sink.ingested, 1)
	assert.Equal(t, models.SeverityCritical, sink.ingested[0].Severity)
}

func TestUnreachableEndpointKeepsState(t *testing.T) {
	alarms := map[string]alarm{
		"cpu": {Name: "cpu_usage", Chart: "system.cpu", Status: "WARNING"},
	}
	p, sink := newTestPoller(t, config.NetdataConfig{MonitorSeverity: config.NetdataAll}, &alarms)

	p.poll(context.Background())
	require.Len(t, sink.ingested, 1)

	// A failed poll must not resolve alerts that may still be raised.
	p.cfg.URL = "http://127.0.0.1:1"
	p.poll(context.Background())
	assert.Empty(t, sink.resolved)
}
