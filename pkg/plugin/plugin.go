// Package plugin hosts the tool-plugin runtime: the type catalogue, the
// per-server instance registry with health supervision, and the risk-gated
// tool execution path.
package plugin

import (
	"context"

	"github.com/goshops-com/opsagent/pkg/models"
)

// Driver is a plugin type. One Driver serves any number of instances; each
// instance owns a live backend connection created by Initialize.
type Driver interface {
	// Info describes the plugin and its tool set. Immutable.
	Info() models.Plugin

	// ValidateConfig checks an instance config before any connection is
	// attempted. Receives the decrypted config.
	ValidateConfig(config map[string]any) error

	// Initialize opens the backend connection for a new instance. On error
	// no instance is recorded.
	Initialize(ctx context.Context, config map[string]any) (Conn, error)
}

// Conn is one live backend connection, exclusively owned by its instance.
type Conn interface {
	// CheckHealth probes the connection. A nil error means healthy; the
	// error text becomes the instance health message otherwise.
	CheckHealth(ctx context.Context) error

	// ExecuteTool runs a declared tool. Params arrive validated against the
	// tool's parameter declarations.
	ExecuteTool(ctx context.Context, tool string, params map[string]any) (*models.ToolResult, error)

	// Shutdown closes the connection. Called exactly once.
	Shutdown(ctx context.Context) error
}
