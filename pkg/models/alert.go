package models

import "time"

// AlertSource identifies which producer raised an alert.
type AlertSource string

const (
	AlertSourceRules   AlertSource = "rules"
	AlertSourceNetdata AlertSource = "netdata"
)

// Alert is a durable, deduplicated alarm condition. At most one unresolved
// alert exists per (server, fingerprint); repeats within the dedup window
// update CurrentValue and Timestamp instead of creating new alerts.
type Alert struct {
	ID           string         `json:"id"`
	ServerID     string         `json:"server_id"`
	Fingerprint  string         `json:"fingerprint"`
	Severity     Severity       `json:"severity"`
	Message      string         `json:"message"`
	Metric       string         `json:"metric"`
	CurrentValue float64        `json:"current_value"`
	Threshold    float64        `json:"threshold"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
	Acknowledged bool           `json:"acknowledged"`
	Source       AlertSource    `json:"source"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Resolved reports whether the alert has been resolved.
func (a *Alert) Resolved() bool {
	return a.ResolvedAt != nil
}

// Server is the agent's own identity record, created at bootstrap and
// refreshed by heartbeat.
type Server struct {
	ID          string    `json:"id"`
	Hostname    string    `json:"hostname"`
	IP          string    `json:"ip"`
	OS          string    `json:"os"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	Status      string    `json:"status"` // active, offline
}
