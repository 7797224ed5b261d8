// Package agent turns raised alerts into LLM analyses with proposed
// remediation actions. Actions are recommendations only; approving one
// records the decision, it never executes anything by itself.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/goshops-com/opsagent/pkg/alerts"
	"github.com/goshops-com/opsagent/pkg/config"
	"github.com/goshops-com/opsagent/pkg/events"
	"github.com/goshops-com/opsagent/pkg/issues"
	"github.com/goshops-com/opsagent/pkg/llm"
	"github.com/goshops-com/opsagent/pkg/models"
	"github.com/goshops-com/opsagent/pkg/storage"
)

// ErrActionNotFound is returned when an approval targets an unknown alert
// or action index.
var ErrActionNotFound = errors.New("agent action not found")

// Analyzer is the model capability the responder needs.
type Analyzer interface {
	Analyze(ctx context.Context, prompt string) (*llm.AnalysisResult, error)
}

// IssueRecorder receives the analysis on the alert's issue timeline. The
// issue itself is created by the alert-to-issue subscriber, not here.
type IssueRecorder interface {
	IssueFor(ctx context.Context, alert *models.Alert) (*models.Issue, error)
	RecordAnalysis(ctx context.Context, issueID string, result issues.AnalysisResult) error
}

// Responder analyses new alerts and keeps the per-alert response records.
type Responder struct {
	serverID string
	cfg      config.AgentConfig
	analyzer Analyzer
	issues   IssueRecorder
	store    storage.Store
	bus      *events.Bus

	cancel context.CancelFunc
	done   chan struct{}
}

// NewResponder wires the alert-analysis loop.
func NewResponder(serverID string, cfg config.AgentConfig, analyzer Analyzer, recorder IssueRecorder, store storage.Store, bus *events.Bus) *Responder {
	return &Responder{
		serverID: serverID,
		cfg:      cfg,
		analyzer: analyzer,
		issues:   recorder,
		store:    store,
		bus:      bus,
	}
}

// Start subscribes to alert events and begins analysing new alerts.
func (r *Responder) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	ch, unsubscribe := r.bus.Subscribe(128)

	go func() {
		defer close(r.done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if evt.Type != events.TypeAlert {
					continue
				}
				alertEvt, ok := evt.Payload.(alerts.AlertEvent)
				if !ok || alertEvt.Kind != alerts.EventNew {
					continue
				}
				r.analyze(ctx, alertEvt.Alert)
			}
		}
	}()

	slog.Info("Agent responder started", "model", r.cfg.Model, "provider", r.cfg.Provider)
	return nil
}

// Stop ends alert analysis.
func (r *Responder) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

func (r *Responder) analyze(ctx context.Context, alert *models.Alert) {
	result, err := r.analyzer.Analyze(ctx, buildPrompt(alert))
	if err != nil {
		slog.Warn("Alert analysis failed", "alert_id", alert.ID, "error", err)
		return
	}

	resp := &models.AgentResponse{
		ID:                     uuid.NewString(),
		ServerID:               r.serverID,
		AlertID:                alert.ID,
		Analysis:               result.Analysis,
		CanAutoRemediate:       result.CanAutoRemediate,
		RequiresHumanAttention: result.RequiresHumanAttention,
		Actions:                translateActions(result.Actions),
		CreatedAt:              time.Now().UTC(),
	}

	// The analysis lands on the alert's issue timeline as well.
	if issue, err := r.issues.IssueFor(ctx, alert); err == nil && issue != nil {
		resp.IssueID = issue.ID
		if err := r.issues.RecordAnalysis(ctx, issue.ID, issues.AnalysisResult{
			Analysis:               result.Analysis,
			CanAutoRemediate:       result.CanAutoRemediate,
			RequiresHumanAttention: result.RequiresHumanAttention,
		}); err != nil {
			slog.Warn("Failed to record analysis on issue", "issue_id", issue.ID, "error", err)
		}
	}

	if err := r.store.SaveAgentResponse(ctx, resp); err != nil {
		slog.Warn("Failed to persist agent response", "alert_id", alert.ID, "error", err)
	}
	r.bus.Publish(events.TypeAgentResult, resp)
}

// Results returns the most recent analyses.
func (r *Responder) Results(ctx context.Context, limit int) ([]*models.AgentResponse, error) {
	return r.store.ListAgentResponses(ctx, r.serverID, limit)
}

// ApproveAction marks one proposed action approved. Readonly permission
// level rejects all approvals.
func (r *Responder) ApproveAction(ctx context.Context, alertID string, actionIndex int, approvedBy string) (*models.AgentResponse, error) {
	if r.cfg.PermissionLevel == config.PermissionReadonly {
		return nil, fmt.Errorf("agent permission level is readonly")
	}
	resp, err := r.store.GetAgentResponseByAlert(ctx, alertID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrActionNotFound
		}
		return nil, err
	}
	if actionIndex < 0 || actionIndex >= len(resp.Actions) {
		return nil, ErrActionNotFound
	}

	now := time.Now().UTC()
	action := &resp.Actions[actionIndex]
	action.Approved = true
	action.ApprovedBy = approvedBy
	action.ApprovedAt = &now

	if err := r.store.SaveAgentResponse(ctx, resp); err != nil {
		return nil, fmt.Errorf("failed to save approved action: %w", err)
	}
	r.bus.Publish(events.TypeAgentResult, resp)
	return resp, nil
}

func buildPrompt(alert *models.Alert) string {
	return fmt.Sprintf(
		"Alert raised on this host.\nSeverity: %s\nMetric: %s\nMessage: %s\nCurrent value: %.2f\nThreshold: %.2f\nSource: %s\n",
		alert.Severity, alert.Metric, alert.Message,
		alert.CurrentValue, alert.Threshold, alert.Source)
}

func translateActions(in []llm.ProposedAction) []models.ProposedAction {
	out := make([]models.ProposedAction, 0, len(in))
	for _, a := range in {
		risk := models.RiskLevel(a.RiskLevel)
		switch risk {
		case models.RiskLow, models.RiskMedium, models.RiskHigh, models.RiskCritical:
		default:
			risk = models.RiskHigh
		}
		out = append(out, models.ProposedAction{
			Description: a.Description,
			Command:     a.Command,
			RiskLevel:   risk,
		})
	}
	return out
}
