package models

import "time"

// ProposedAction is one remediation step the LLM suggests for an alert.
// Actions are recommendations; nothing runs without an explicit approval.
type ProposedAction struct {
	Description string     `json:"description"`
	Command     string     `json:"command,omitempty"`
	RiskLevel   RiskLevel  `json:"risk_level"`
	Approved    bool       `json:"approved"`
	ApprovedBy  string     `json:"approved_by,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
}

// AgentResponse is the LLM's analysis of one alert plus its proposed
// actions. At most one response exists per alert.
type AgentResponse struct {
	ID                     string           `json:"id"`
	ServerID               string           `json:"server_id"`
	AlertID                string           `json:"alert_id"`
	IssueID                string           `json:"issue_id,omitempty"`
	Analysis               string           `json:"analysis"`
	CanAutoRemediate       bool             `json:"can_auto_remediate"`
	RequiresHumanAttention bool             `json:"requires_human_attention"`
	Actions                []ProposedAction `json:"actions"`
	CreatedAt              time.Time        `json:"created_at"`
}
