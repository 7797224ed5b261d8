// Package storage defines the durable persistence adaptor and its SQLite
// implementation. The core treats persistence as best-effort: the metric
// pipeline never stalls on a storage failure.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/goshops-com/opsagent/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// AuditFilter narrows an audit log query. Zero values mean "any".
type AuditFilter struct {
	ServerID  string
	PluginID  string
	SessionID string
	RiskLevel models.RiskLevel
	Status    models.AuditStatus
	Since     time.Time
	Limit     int
}

// ApprovalFilter narrows an approval query. Zero values mean "any".
type ApprovalFilter struct {
	ServerID string
	Status   models.ApprovalStatus
	Limit    int
}

// Store is the set of upsert/read operations the core invokes. Any backend
// providing equivalent queries is acceptable; the bundled implementation is
// SQLite.
type Store interface {
	// Servers
	UpsertServer(ctx context.Context, server *models.Server) error
	TouchServer(ctx context.Context, serverID string, seenAt time.Time) error

	// Alerts
	InsertAlert(ctx context.Context, alert *models.Alert) error
	UpdateAlert(ctx context.Context, alert *models.Alert) error
	ResolveAlert(ctx context.Context, alertID string, resolvedAt time.Time) error
	AcknowledgeAlert(ctx context.Context, alertID string) error

	// Agent analysis responses (one per alert; actions embedded)
	SaveAgentResponse(ctx context.Context, resp *models.AgentResponse) error
	GetAgentResponseByAlert(ctx context.Context, alertID string) (*models.AgentResponse, error)
	ListAgentResponses(ctx context.Context, serverID string, limit int) ([]*models.AgentResponse, error)

	// Metrics snapshots (every Nth sample)
	InsertMetricsSnapshot(ctx context.Context, serverID string, sample *models.MetricSample) error

	// Issues and their timelines
	CreateIssue(ctx context.Context, issue *models.Issue) error
	UpdateIssue(ctx context.Context, issue *models.Issue) error
	GetIssue(ctx context.Context, issueID string) (*models.Issue, error)
	GetActiveIssueByFingerprint(ctx context.Context, serverID, fingerprint string) (*models.Issue, error)
	ListIssues(ctx context.Context, serverID string, limit int) ([]*models.Issue, error)
	AddIssueComment(ctx context.Context, comment *models.IssueComment) error
	ListIssueComments(ctx context.Context, issueID string) ([]*models.IssueComment, error)

	// Plugin catalogue and instances
	UpsertPlugin(ctx context.Context, plugin *models.Plugin) error
	SavePluginInstance(ctx context.Context, inst *models.PluginInstance) error
	DeletePluginInstance(ctx context.Context, instanceID string) error
	ListPluginInstances(ctx context.Context, serverID string) ([]*models.PluginInstance, error)

	// Chat sessions own their messages (cascade on delete)
	SaveChatSession(ctx context.Context, session *models.ChatSession) error
	GetChatSession(ctx context.Context, sessionID string) (*models.ChatSession, error)
	ListChatSessions(ctx context.Context, serverID string) ([]*models.ChatSession, error)
	DeleteChatSession(ctx context.Context, sessionID string) error
	AddChatMessage(ctx context.Context, msg *models.ChatMessage) error
	ListChatMessages(ctx context.Context, sessionID string) ([]*models.ChatMessage, error)

	// Approvals
	SaveApproval(ctx context.Context, req *models.ApprovalRequest) error
	GetApproval(ctx context.Context, approvalID string) (*models.ApprovalRequest, error)
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*models.ApprovalRequest, error)

	// Audit ledger (append-only)
	AppendAuditEntry(ctx context.Context, entry *models.AuditLogEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]*models.AuditLogEntry, error)

	Close() error
}
