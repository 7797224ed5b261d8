package models

import "time"

// IssueStatus is the lifecycle state of an issue.
type IssueStatus string

const (
	IssueStatusOpen          IssueStatus = "open"
	IssueStatusInvestigating IssueStatus = "investigating"
	IssueStatusResolved      IssueStatus = "resolved"
	IssueStatusClosed        IssueStatus = "closed"
)

// Active reports whether the issue still collects new alert occurrences.
// At most one active issue exists per (server, fingerprint).
func (s IssueStatus) Active() bool {
	return s == IssueStatusOpen || s == IssueStatusInvestigating
}

// Issue groups repeated alerts with the same fingerprint into one long-lived
// record with an append-only comment timeline.
type Issue struct {
	ID          string         `json:"id"`
	ServerID    string         `json:"server_id"`
	Fingerprint string         `json:"fingerprint"` // 16 hex chars
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Severity    Severity       `json:"severity"`
	Status      IssueStatus    `json:"status"`
	Source      AlertSource    `json:"source"`
	FirstSeenAt time.Time      `json:"first_seen_at"`
	LastSeenAt  time.Time      `json:"last_seen_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	AlertCount  int            `json:"alert_count"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// CommentAuthorType distinguishes agent-written comments from human ones.
type CommentAuthorType string

const (
	CommentAuthorAgent CommentAuthorType = "agent"
	CommentAuthorHuman CommentAuthorType = "human"
)

// CommentType classifies timeline entries.
type CommentType string

const (
	CommentTypeAnalysis     CommentType = "analysis"
	CommentTypeAction       CommentType = "action"
	CommentTypeStatusChange CommentType = "status_change"
	CommentTypeAlertFired   CommentType = "alert_fired"
	CommentTypeNote         CommentType = "note"
	CommentTypeFeedback     CommentType = "feedback"
)

// IssueComment is one append-only timeline entry on an issue. Comments are
// strictly time-ordered and never deleted by the agent.
type IssueComment struct {
	ID         string            `json:"id"`
	IssueID    string            `json:"issue_id"`
	AuthorType CommentAuthorType `json:"author_type"`
	AuthorName string            `json:"author_name,omitempty"`
	Type       CommentType       `json:"comment_type"`
	Content    string            `json:"content"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
