package models

import "time"

// ApprovalStatus is the state of an approval request. Transitions move
// strictly forward from pending to exactly one terminal state.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal entries always
// carry RespondedAt.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// ApprovalRequest gates a non-low-risk tool invocation until a human
// responds. Parameters are stored as given; the audit view redacts them.
type ApprovalRequest struct {
	ID             string         `json:"id"`
	ServerID       string         `json:"server_id"`
	SessionID      string         `json:"session_id,omitempty"`
	PluginID       string         `json:"plugin_id"`
	MessageID      string         `json:"message_id,omitempty"`
	Operation      string         `json:"operation"`
	Parameters     map[string]any `json:"parameters"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	Reason         string         `json:"reason"`
	Status         ApprovalStatus `json:"status"`
	RequestedAt    time.Time      `json:"requested_at"`
	RespondedAt    *time.Time     `json:"responded_at,omitempty"`
	RespondedBy    string         `json:"responded_by,omitempty"`
	ResponseReason string         `json:"response_reason,omitempty"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

// AuditStatus is the recorded outcome of a tool operation.
type AuditStatus string

const (
	AuditSuccess   AuditStatus = "success"
	AuditFailed    AuditStatus = "failed"
	AuditDenied    AuditStatus = "denied"
	AuditCancelled AuditStatus = "cancelled"
)

// AuditLogEntry is one append-only record in the operations ledger.
// Parameters are always stored redacted.
type AuditLogEntry struct {
	ID              string         `json:"id"`
	ServerID        string         `json:"server_id"`
	PluginID        string         `json:"plugin_id"`
	SessionID       string         `json:"session_id,omitempty"`
	ApprovalID      string         `json:"approval_id,omitempty"`
	Operation       string         `json:"operation"`
	Parameters      map[string]any `json:"parameters"`
	RiskLevel       RiskLevel      `json:"risk_level"`
	Status          AuditStatus    `json:"status"`
	Result          string         `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	ExecutedBy      string         `json:"executed_by"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	CreatedAt       time.Time      `json:"created_at"`
}
