// Package issues folds the alert stream into long-lived issues, each with
// an append-only comment timeline.
package issues

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goshops-com/opsagent/pkg/models"
	"github.com/goshops-com/opsagent/pkg/storage"
)

// Fingerprint derives the stable issue identity from an alert's name,
// context and chart: first 16 hex chars of SHA-256("name:context:chart").
func Fingerprint(alertName, context, chart string) string {
	sum := sha256.Sum256([]byte(alertName + ":" + context + ":" + chart))
	return hex.EncodeToString(sum[:])[:16]
}

// AnalysisResult is what the agent concluded about an issue.
type AnalysisResult struct {
	Analysis               string `json:"analysis"`
	CanAutoRemediate       bool   `json:"can_auto_remediate"`
	RequiresHumanAttention bool   `json:"requires_human_attention"`
}

// ActionOutcome records an executed or skipped remediation.
type ActionOutcome struct {
	ActionType string `json:"action_type"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

// FeedbackFunc is the LLM follow-up hook invoked when a human leaves
// feedback on an issue. It returns the agent's analysis text.
type FeedbackFunc func(ctx context.Context, issue *models.Issue, timeline []*models.IssueComment, feedback string) (string, error)

// Manager maintains the open-issue index and writes issues plus their
// timelines through the store.
type Manager struct {
	serverID string
	store    storage.Store
	feedback FeedbackFunc

	mu sync.Mutex
	// open indexes active issues by fingerprint, loaded lazily from the
	// store and kept warm afterwards.
	open map[string]*models.Issue
}

// NewManager creates an issue manager. feedback may be nil, in which case
// human feedback is recorded without a follow-up analysis.
func NewManager(serverID string, store storage.Store, feedback FeedbackFunc) *Manager {
	return &Manager{
		serverID: serverID,
		store:    store,
		feedback: feedback,
		open:     make(map[string]*models.Issue),
	}
}

// HandleAlert routes one new or repeated alert into its issue. The alert's
// metric serves as the fingerprint context; the alert metadata may carry an
// explicit chart for external feeds.
func (m *Manager) HandleAlert(ctx context.Context, alert *models.Alert) (*models.Issue, error) {
	chart, _ := alert.Metadata["chart"].(string)
	fp := Fingerprint(alert.Message, alert.Metric, chart)
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	issue, err := m.lookupActiveLocked(ctx, fp)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if issue != nil {
		issue.AlertCount++
		issue.LastSeenAt = now
		if severityRank(alert.Severity) > severityRank(issue.Severity) {
			issue.Severity = alert.Severity
		}
		if err := m.store.UpdateIssue(ctx, issue); err != nil {
			return nil, fmt.Errorf("failed to update issue: %w", err)
		}
		elapsed := now.Sub(issue.FirstSeenAt).Round(time.Second)
		m.appendComment(ctx, issue.ID, models.CommentTypeAlertFired,
			fmt.Sprintf("Alert fired again (occurrence %d, %s since first seen). Current value: %.2f",
				issue.AlertCount, elapsed, alert.CurrentValue),
			map[string]any{"alert_id": alert.ID, "occurrence": issue.AlertCount})
		return issue, nil
	}

	issue = &models.Issue{
		ID:          uuid.NewString(),
		ServerID:    m.serverID,
		Fingerprint: fp,
		Title:       alert.Message,
		Description: fmt.Sprintf("%s: current value %.2f (threshold %.2f)",
			alert.Metric, alert.CurrentValue, alert.Threshold),
		Severity:    alert.Severity,
		Status:      models.IssueStatusOpen,
		Source:      alert.Source,
		FirstSeenAt: now,
		LastSeenAt:  now,
		AlertCount:  1,
	}
	if err := m.store.CreateIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}
	m.open[fp] = issue
	m.appendComment(ctx, issue.ID, models.CommentTypeAlertFired,
		fmt.Sprintf("Alert fired: %s (current value %.2f)", alert.Message, alert.CurrentValue),
		map[string]any{"alert_id": alert.ID, "occurrence": 1})
	slog.Info("Issue created", "issue_id", issue.ID, "fingerprint", fp, "title", issue.Title)
	return issue, nil
}

// IssueFor returns the open issue tracking the alert without mutating it.
func (m *Manager) IssueFor(ctx context.Context, alert *models.Alert) (*models.Issue, error) {
	chart, _ := alert.Metadata["chart"].(string)
	fp := Fingerprint(alert.Message, alert.Metric, chart)

	m.mu.Lock()
	defer m.mu.Unlock()
	issue, err := m.lookupActiveLocked(ctx, fp)
	if err != nil {
		return nil, err
	}
	clone := *issue
	return &clone, nil
}

// RecordAnalysis appends the agent's analysis and moves the issue to
// investigating when it needs a human.
func (m *Manager) RecordAnalysis(ctx context.Context, issueID string, result AnalysisResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	issue, err := m.store.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}

	m.appendComment(ctx, issueID, models.CommentTypeAnalysis, result.Analysis, map[string]any{
		"can_auto_remediate":       result.CanAutoRemediate,
		"requires_human_attention": result.RequiresHumanAttention,
	})

	if result.RequiresHumanAttention && issue.Status == models.IssueStatusOpen {
		return m.transitionLocked(ctx, issue, models.IssueStatusInvestigating,
			"Escalated: agent analysis requires human attention")
	}
	return nil
}

// RecordAction appends an executed or skipped remediation to the timeline.
func (m *Manager) RecordAction(ctx context.Context, issueID string, outcome ActionOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	content := fmt.Sprintf("Action %s: %s", map[bool]string{true: "succeeded", false: "failed"}[outcome.Success], outcome.ActionType)
	m.appendComment(ctx, issueID, models.CommentTypeAction, content, map[string]any{
		"action_type": outcome.ActionType,
		"success":     outcome.Success,
		"output":      outcome.Output,
		"error":       outcome.Error,
	})
	return nil
}

// HandleAlertResolved resolves the issue tracking a cleared alert.
func (m *Manager) HandleAlertResolved(ctx context.Context, alert *models.Alert) error {
	chart, _ := alert.Metadata["chart"].(string)
	fp := Fingerprint(alert.Message, alert.Metric, chart)

	m.mu.Lock()
	defer m.mu.Unlock()

	issue, err := m.lookupActiveLocked(ctx, fp)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	return m.transitionLocked(ctx, issue, models.IssueStatusResolved, "Alert cleared")
}

// SetStatus applies a human-driven status change.
func (m *Manager) SetStatus(ctx context.Context, issueID string, status models.IssueStatus, author string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	issue, err := m.store.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if issue.Status == status {
		return nil
	}
	old := issue.Status
	if err := m.applyStatusLocked(ctx, issue, status); err != nil {
		return err
	}
	m.appendCommentBy(ctx, issueID, models.CommentAuthorHuman, author,
		models.CommentTypeStatusChange,
		fmt.Sprintf("Status changed from %s to %s", old, status), nil)
	return nil
}

// AddNote appends a free-form human note.
func (m *Manager) AddNote(ctx context.Context, issueID, author, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.store.GetIssue(ctx, issueID); err != nil {
		return err
	}
	m.appendCommentBy(ctx, issueID, models.CommentAuthorHuman, author,
		models.CommentTypeNote, content, nil)
	return nil
}

// ProcessFeedback records human feedback and, when a follow-up hook is
// wired, asks the agent to reconsider the issue in light of it. Returns the
// follow-up analysis, if any.
func (m *Manager) ProcessFeedback(ctx context.Context, issueID, author, feedback string) (string, error) {
	m.mu.Lock()
	issue, err := m.store.GetIssue(ctx, issueID)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	m.appendCommentBy(ctx, issueID, models.CommentAuthorHuman, author,
		models.CommentTypeFeedback, feedback, nil)
	timeline, err := m.store.ListIssueComments(ctx, issueID)
	m.mu.Unlock()
	if err != nil {
		return "", err
	}

	if m.feedback == nil {
		return "", nil
	}
	analysis, err := m.feedback(ctx, issue, timeline, feedback)
	if err != nil {
		return "", fmt.Errorf("feedback follow-up failed: %w", err)
	}

	m.mu.Lock()
	m.appendComment(ctx, issueID, models.CommentTypeAnalysis, analysis, map[string]any{
		"trigger": "feedback",
	})
	m.mu.Unlock()
	return analysis, nil
}

// Timeline returns an issue's comments in creation order.
func (m *Manager) Timeline(ctx context.Context, issueID string) ([]*models.IssueComment, error) {
	return m.store.ListIssueComments(ctx, issueID)
}

// List returns recent issues for the server.
func (m *Manager) List(ctx context.Context, limit int) ([]*models.Issue, error) {
	return m.store.ListIssues(ctx, m.serverID, limit)
}

// Get returns one issue.
func (m *Manager) Get(ctx context.Context, issueID string) (*models.Issue, error) {
	return m.store.GetIssue(ctx, issueID)
}

func (m *Manager) lookupActiveLocked(ctx context.Context, fingerprint string) (*models.Issue, error) {
	if issue, ok := m.open[fingerprint]; ok && issue.Status.Active() {
		return issue, nil
	}
	issue, err := m.store.GetActiveIssueByFingerprint(ctx, m.serverID, fingerprint)
	if err != nil {
		return nil, err
	}
	m.open[fingerprint] = issue
	return issue, nil
}

func (m *Manager) transitionLocked(ctx context.Context, issue *models.Issue, status models.IssueStatus, reason string) error {
	old := issue.Status
	if err := m.applyStatusLocked(ctx, issue, status); err != nil {
		return err
	}
	m.appendComment(ctx, issue.ID, models.CommentTypeStatusChange,
		fmt.Sprintf("Status changed from %s to %s: %s", old, status, reason), nil)
	return nil
}

func (m *Manager) applyStatusLocked(ctx context.Context, issue *models.Issue, status models.IssueStatus) error {
	issue.Status = status
	if !status.Active() {
		now := time.Now().UTC()
		issue.ResolvedAt = &now
		delete(m.open, issue.Fingerprint)
	} else {
		issue.ResolvedAt = nil
		m.open[issue.Fingerprint] = issue
	}
	if err := m.store.UpdateIssue(ctx, issue); err != nil {
		return fmt.Errorf("failed to update issue status: %w", err)
	}
	return nil
}

func (m *Manager) appendComment(ctx context.Context, issueID string, kind models.CommentType, content string, metadata map[string]any) {
	m.appendCommentBy(ctx, issueID, models.CommentAuthorAgent, "opsagent", kind, content, metadata)
}

func (m *Manager) appendCommentBy(ctx context.Context, issueID string, author models.CommentAuthorType, name string, kind models.CommentType, content string, metadata map[string]any) {
	comment := &models.IssueComment{
		ID:         uuid.NewString(),
		IssueID:    issueID,
		AuthorType: author,
		AuthorName: name,
		Type:       kind,
		Content:    content,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.AddIssueComment(ctx, comment); err != nil {
		slog.Warn("Failed to append issue comment", "issue_id", issueID, "error", err)
	}
}

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 2
	case models.SeverityWarning:
		return 1
	default:
		return 0
	}
}
