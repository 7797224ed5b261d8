package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goshops-com/opsagent/pkg/alerts"
	"github.com/goshops-com/opsagent/pkg/config"
	"github.com/goshops-com/opsagent/pkg/events"
	"github.com/goshops-com/opsagent/pkg/issues"
	"github.com/goshops-com/opsagent/pkg/llm"
	"github.com/goshops-com/opsagent/pkg/models"
	"github.com/goshops-com/opsagent/pkg/storage"
)

type fakeAnalyzer struct {
	result *llm.AnalysisResult
}

func (f *fakeAnalyzer) Analyze(context.Context, string) (*llm.AnalysisResult, error) {
	return f.result, nil
}

type fakeRecorder struct {
	issue    *models.Issue
	analyses []issues.AnalysisResult
}

func (f *fakeRecorder) IssueFor(context.Context, *models.Alert) (*models.Issue, error) {
	return f.issue, nil
}

func (f *fakeRecorder) RecordAnalysis(_ context.Context, _ string, result issues.AnalysisResult) error {
	f.analyses = append(f.analyses, result)
	return nil
}

func newTestResponder(t *testing.T, cfg config.AgentConfig) (*Responder, *fakeRecorder, storage.Store, *events.Bus) {
	t.Helper()
	store, err := storage.Open(t.TempDir() + "/agent.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.UpsertServer(context.Background(), &models.Server{
		ID: "srv-1", Hostname: "test-host",
	}))

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	analyzer := &fakeAnalyzer{result: &llm.AnalysisResult{
		Analysis:         "disk is filling up from unrotated logs",
		CanAutoRemediate: true,
		Actions: []llm.ProposedAction{
			{Description: "rotate nginx logs", Command: "logrotate -f /etc/logrotate.d/nginx", RiskLevel: "medium"},
		},
	}}
	recorder := &fakeRecorder{issue: &models.Issue{ID: "issue-1"}}

	r := NewResponder("srv-1", cfg, analyzer, recorder, store, bus)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r, recorder, store, bus
}

func TestNewAlertAnalyzed(t *testing.T) {
	r, recorder, store, bus := newTestResponder(t, config.AgentConfig{PermissionLevel: config.PermissionFull})

	bus.Publish(events.TypeAlert, alerts.AlertEvent{
		Kind: alerts.EventNew,
		Alert: &models.Alert{
			ID: "alert-1", ServerID: "srv-1", Severity: models.SeverityCritical,
			Metric: "disk.maxUsedPercent", Message: "Disk usage critical",
			CurrentValue: 96, Threshold: 95,
		},
	})

	require.Eventually(t, func() bool {
		_, err := store.GetAgentResponseByAlert(context.Background(), "alert-1")
		return err == nil
	}, time.Second, 10*time.Millisecond)

	resp, err := store.GetAgentResponseByAlert(context.Background(), "alert-1")
	require.NoError(t, err)
	assert.Equal(t, "disk is filling up from unrotated logs", resp.Analysis)
	assert.Equal(t, "issue-1", resp.IssueID)
	require.Len(t, resp.Actions, 1)
	assert.Equal(t, models.RiskMedium, resp.Actions[0].RiskLevel)
	assert.False(t, resp.Actions[0].Approved)

	require.Len(t, recorder.analyses, 1)
	assert.True(t, recorder.analyses[0].CanAutoRemediate)

	results, err := r.Results(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestUpdatedAlertNotReanalyzed(t *testing.T) {
	_, recorder, _, bus := newTestResponder(t, config.AgentConfig{PermissionLevel: config.PermissionFull})

	bus.Publish(events.TypeAlert, alerts.AlertEvent{
		Kind:  alerts.EventUpdated,
		Alert: &models.Alert{ID: "alert-1"},
	})
	bus.Publish(events.TypeAlert, alerts.AlertEvent{
		Kind:  alerts.EventResolved,
		Alert: &models.Alert{ID: "alert-1"},
	})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, recorder.analyses)
}

func TestApproveAction(t *testing.T) {
	r, _, _, bus := newTestResponder(t, config.AgentConfig{PermissionLevel: config.PermissionFull})

	bus.Publish(events.TypeAlert, alerts.AlertEvent{
		Kind:  alerts.EventNew,
		Alert: &models.Alert{ID: "alert-1", ServerID: "srv-1"},
	})
	require.Eventually(t, func() bool {
		_, err := r.Results(context.Background(), 1)
		if err != nil {
			return false
		}
		results, _ := r.Results(context.Background(), 1)
		return len(results) == 1
	}, time.Second, 10*time.Millisecond)

	resp, err := r.ApproveAction(context.Background(), "alert-1", 0, "alice")
	require.NoError(t, err)
	assert.True(t, resp.Actions[0].Approved)
	assert.Equal(t, "alice", resp.Actions[0].ApprovedBy)
	require.NotNil(t, resp.Actions[0].ApprovedAt)

	_, err = r.ApproveAction(context.Background(), "alert-1", 5, "alice")
	assert.ErrorIs(t, err, ErrActionNotFound)

	_, err = r.ApproveAction(context.Background(), "alert-9", 0, "alice")
	assert.ErrorIs(t, err, ErrActionNotFound)
}

func TestReadonlyPermissionRejectsApproval(t *testing.T) {
	r, _, _, _ := newTestResponder(t, config.AgentConfig{PermissionLevel: config.PermissionReadonly})

	_, err := r.ApproveAction(context.Background(), "alert-1", 0, "alice")
	assert.ErrorContains(t, err, "readonly")
}

func TestUnknownRiskDefaultsHigh(t *testing.T) {
	got := translateActions([]llm.ProposedAction{
		{Description: "mystery", RiskLevel: "extreme"},
	})
	require.Len(t, got, 1)
	assert.Equal(t, models.RiskHigh, got[0].RiskLevel)
}
