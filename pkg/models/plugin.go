package models

import "time"

// RiskLevel governs the approval policy for a tool.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// IsValid checks if the risk level is a known value.
func (r RiskLevel) IsValid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	default:
		return false
	}
}

// AutoExecutable reports whether tools at this risk level may run without
// an approval. Only low-risk tools qualify, and only when the tool itself
// does not insist on approval.
func (r RiskLevel) AutoExecutable() bool {
	return r == RiskLow
}

// ToolCategory classifies what a tool does to the backend.
type ToolCategory string

const (
	CategoryRead     ToolCategory = "read"
	CategoryOptimize ToolCategory = "optimize"
	CategoryAdmin    ToolCategory = "admin"
)

// ParameterType is the declared type of a tool parameter.
type ParameterType string

const (
	ParamString  ParameterType = "string"
	ParamNumber  ParameterType = "number"
	ParamBoolean ParameterType = "boolean"
	ParamObject  ParameterType = "object"
	ParamArray   ParameterType = "array"
)

// ToolParameter declares one parameter of a plugin tool. Object and array
// parameters stay dynamic; scalar parameters are validated into typed values
// before dispatch.
type ToolParameter struct {
	Name        string        `json:"name"`
	Type        ParameterType `json:"type"`
	Required    bool          `json:"required"`
	Default     any           `json:"default,omitempty"`
	Enum        []string      `json:"enum,omitempty"`
	Pattern     string        `json:"pattern,omitempty"`
	Description string        `json:"description,omitempty"`
}

// PluginTool is a named operation a plugin exposes to the LLM.
type PluginTool struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Parameters       []ToolParameter `json:"parameters"`
	RiskLevel        RiskLevel       `json:"risk_level"`
	RequiresApproval bool            `json:"requires_approval"`
	Category         ToolCategory    `json:"category"`
	Examples         []string        `json:"examples,omitempty"`
}

// Plugin describes a plugin type registered at startup. Immutable until
// process restart; cannot be unregistered while instances of it exist.
type Plugin struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Type         string       `json:"type"`
	Description  string       `json:"description"`
	Capabilities []string     `json:"capabilities"`
	Tools        []PluginTool `json:"tools"`
}

// InstanceStatus is the lifecycle state of a plugin instance.
type InstanceStatus string

const (
	InstanceActive   InstanceStatus = "active"
	InstanceInactive InstanceStatus = "inactive"
	InstanceError    InstanceStatus = "error"
)

// HealthStatus is the supervised health of a plugin instance's connection.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// PluginInstance is a per-server configured, live connection managed by a
// plugin type. The instance exclusively owns its backend connection handle.
type PluginInstance struct {
	ID              string         `json:"id"`
	ServerID        string         `json:"server_id"`
	PluginID        string         `json:"plugin_id"`
	Config          map[string]any `json:"config"` // sensitive fields encrypted at rest
	Status          InstanceStatus `json:"status"`
	HealthStatus    HealthStatus   `json:"health_status"`
	HealthMessage   string         `json:"health_message,omitempty"`
	Enabled         bool           `json:"enabled"`
	LastHealthCheck time.Time      `json:"last_health_check"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ToolContext carries the caller identity into a tool execution.
// ApprovalID, when set, marks the call as pre-approved and makes the
// registry skip the approval gate.
type ToolContext struct {
	ServerID   string `json:"server_id"`
	SessionID  string `json:"session_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
}

// ApprovalRequestSpec is the sentinel a gated tool execution returns instead
/// of running: everything the approval manager needs to create a request.
type ApprovalRequestSpec struct {
	Operation  string         `json:"operation"`
	Parameters map[string]any `json:"parameters"`
	Reason     string         `json:"reason"`
	RiskLevel  RiskLevel      `json:"risk_level"`
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	Success          bool                 `json:"success"`
	Output           any                  `json:"output,omitempty"`
	Error            string               `json:"error,omitempty"`
	RequiresApproval bool                 `json:"requires_approval,omitempty"`
	ApprovalRequest  *ApprovalRequestSpec `json:"approval_request,omitempty"`
	DurationMs       int64                `json:"duration_ms"`
}
