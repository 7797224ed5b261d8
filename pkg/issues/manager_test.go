package issues

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goshops-com/opsagent/pkg/models"
	"github.com/goshops-com/opsagent/pkg/storage"
)

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.UpsertServer(context.Background(), &models.Server{
		ID:          "srv-1",
		Hostname:    "web-01",
		FirstSeenAt: time.Now().UTC(),
		LastSeenAt:  time.Now().UTC(),
		Status:      "online",
	}))
	return store
}

func testAlert() *models.Alert {
	return &models.Alert{
		ID:           "alert-1",
		ServerID:     "srv-1",
		Severity:     models.SeverityWarning,
		Message:      "cpu_usage_alert",
		Metric:       "system.cpu",
		CurrentValue: 92,
		Threshold:    90,
		Source:       models.AlertSourceRules,
		Metadata:     map[string]any{"chart": "cpu"},
	}
}

func TestFingerprintFormat(t *testing.T) {
	fp := Fingerprint("cpu_usage_alert", "system.cpu", "cpu")
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{16}$`), fp)

	// Deterministic.
	assert.Equal(t, fp, Fingerprint("cpu_usage_alert", "system.cpu", "cpu"))

	// Any component change produces a different fingerprint.
	assert.NotEqual(t, fp, Fingerprint("cpu_usage_alert", "system.cpu", "cpu0"))
	assert.NotEqual(t, fp, Fingerprint("mem_usage_alert", "system.cpu", "cpu"))
}

func TestHandleAlertCreatesIssue(t *testing.T) {
	store := newTestStore(t)
	m := NewManager("srv-1", store, nil)
	ctx := context.Background()

	issue, err := m.HandleAlert(ctx, testAlert())
	require.NoError(t, err)
	assert.Equal(t, models.IssueStatusOpen, issue.Status)
	assert.Equal(t, 1, issue.AlertCount)
	assert.Equal(t, "cpu_usage_alert", issue.Title)

	timeline, err := m.Timeline(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	assert.Equal(t, models.CommentTypeAlertFired, timeline[0].Type)
	assert.Equal(t, models.CommentAuthorAgent, timeline[0].AuthorType)
}

func TestRepeatAlertFoldsIntoSameIssue(t *testing.T) {
	store := newTestStore(t)
	m := NewManager("srv-1", store, nil)
	ctx := context.Background()

	first, err := m.HandleAlert(ctx, testAlert())
	require.NoError(t, err)

	repeat := testAlert()
	repeat.ID = "alert-2"
	repeat.CurrentValue = 97
	second, err := m.HandleAlert(ctx, repeat)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "no duplicate active issue per fingerprint")
	assert.Equal(t, 2, second.AlertCount)

	timeline, err := m.Timeline(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	assert.Equal(t, 2, int(timeline[1].Metadata["occurrence"].(float64)))
	assert.Contains(t, timeline[1].Content, "occurrence 2")
}

func TestRepeatAlertEscalatesSeverity(t *testing.T) {
	store := newTestStore(t)
	m := NewManager("srv-1", store, nil)
	ctx := context.Background()

	_, err := m.HandleAlert(ctx, testAlert())
	require.NoError(t, err)

	crit := testAlert()
	crit.Severity = models.SeverityCritical
	issue, err := m.HandleAlert(ctx, crit)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityCritical, issue.Severity)
}

func TestAnalysisEscalatesToInvestigating(t *testing.T) {
	store := newTestStore(t)
	m := NewManager("srv-1", store, nil)
	ctx := context.Background()

	issue, err := m.HandleAlert(ctx, testAlert())
	require.NoError(t, err)

	err = m.RecordAnalysis(ctx, issue.ID, AnalysisResult{
		Analysis:               "CPU saturated by runaway backup job",
		RequiresHumanAttention: true,
	})
	require.NoError(t, err)

	got, err := m.Get(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IssueStatusInvestigating, got.Status)

	timeline, err := m.Timeline(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	assert.Equal(t, models.CommentTypeAnalysis, timeline[1].Type)
	assert.Equal(t, models.CommentTypeStatusChange, timeline[2].Type)
}

func TestAlertResolvedResolvesIssue(t *testing.T) {
	store := newTestStore(t)
	m := NewManager("srv-1", store, nil)
	ctx := context.Background()

	issue, err := m.HandleAlert(ctx, testAlert())
	require.NoError(t, err)

	require.NoError(t, m.HandleAlertResolved(ctx, testAlert()))

	got, err := m.Get(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IssueStatusResolved, got.Status)
	assert.NotNil(t, got.ResolvedAt)

	// A fresh alert with the same fingerprint opens a new issue.
	reopened, err := m.HandleAlert(ctx, testAlert())
	require.NoError(t, err)
	assert.NotEqual(t, issue.ID, reopened.ID)
}

func TestResolveUnknownFingerprintIsNoop(t *testing.T) {
	store := newTestStore(t)
	m := NewManager("srv-1", store, nil)

	assert.NoError(t, m.HandleAlertResolved(context.Background(), testAlert()))
}

func TestProcessFeedbackTriggersFollowUp(t *testing.T) {
	store := newTestStore(t)
	var gotFeedback string
	m := NewManager("srv-1", store, func(ctx context.Context, issue *models.Issue, timeline []*models.IssueComment, feedback string) (string, error) {
		gotFeedback = feedback
		return "Revised analysis after feedback", nil
	})
	ctx := context.Background()

	issue, err := m.HandleAlert(ctx, testAlert())
	require.NoError(t, err)

	analysis, err := m.ProcessFeedback(ctx, issue.ID, "alice", "this is a false positive")
	require.NoError(t, err)
	assert.Equal(t, "this is a false positive", gotFeedback)
	assert.Equal(t, "Revised analysis after feedback", analysis)

	timeline, err := m.Timeline(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	assert.Equal(t, models.CommentTypeFeedback, timeline[1].Type)
	assert.Equal(t, models.CommentAuthorHuman, timeline[1].AuthorType)
	assert.Equal(t, "alice", timeline[1].AuthorName)
	assert.Equal(t, models.CommentTypeAnalysis, timeline[2].Type)
}

func TestTimelineOrdering(t *testing.T) {
	store := newTestStore(t)
	m := NewManager("srv-1", store, nil)
	ctx := context.Background()

	issue, err := m.HandleAlert(ctx, testAlert())
	require.NoError(t, err)

	require.NoError(t, m.AddNote(ctx, issue.ID, "bob", "looking into it"))
	require.NoError(t, m.RecordAction(ctx, issue.ID, ActionOutcome{
		ActionType: "restart_service", Success: true, Output: "restarted",
	}))

	timeline, err := m.Timeline(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	for i := 1; i < len(timeline); i++ {
		assert.False(t, timeline[i].CreatedAt.Before(timeline[i-1].CreatedAt))
	}
}
