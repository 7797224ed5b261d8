// Package postgres is the PostgreSQL tool plugin. Read diagnostics run at
// low risk; maintenance and connection-killing tools sit behind the
// approval gate.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/goshops-com/opsagent/pkg/models"
	"github.com/goshops-com/opsagent/pkg/plugin"
	"github.com/goshops-com/opsagent/pkg/vault"
)

// Driver implements plugin.Driver for PostgreSQL backends.
type Driver struct{}

// New returns the PostgreSQL driver.
func New() *Driver { return &Driver{} }

func (d *Driver) Info() models.Plugin {
	return models.Plugin{
		ID:          "postgres",
		Name:        "PostgreSQL",
		Version:     "1.0.0",
		Type:        "database",
		Description: "Diagnostics and maintenance for PostgreSQL servers",
		Capabilities: []string{
			"connection-stats", "slow-queries", "table-maintenance",
		},
		Tools: []models.PluginTool{
			{
				Name:        "get_stats",
				Description: "Database-wide statistics: connections, transactions, cache hit ratio",
				RiskLevel:   models.RiskLow,
				Category:    models.CategoryRead,
			},
			{
				Name:        "active_connections",
				Description: "List active backend connections with state and query age",
				RiskLevel:   models.RiskLow,
				Category:    models.CategoryRead,
				Parameters: []models.ToolParameter{
					{Name: "limit", Type: models.ParamNumber, Default: 50.0,
						Description: "Maximum rows returned"},
				},
			},
			{
				Name:        "slow_queries",
				Description: "Currently running queries older than a threshold",
				RiskLevel:   models.RiskLow,
				Category:    models.CategoryRead,
				Parameters: []models.ToolParameter{
					{Name: "min_seconds", Type: models.ParamNumber, Default: 5.0,
						Description: "Minimum query age in seconds"},
				},
				Examples: []string{`{"min_seconds": 30}`},
			},
			{
				Name:        "table_sizes",
				Description: "Largest tables by total size including indexes",
				RiskLevel:   models.RiskLow,
				Category:    models.CategoryRead,
				Parameters: []models.ToolParameter{
					{Name: "limit", Type: models.ParamNumber, Default: 20.0},
				},
			},
			{
				Name:        "analyze_table",
				Description: "Refresh planner statistics for one table",
				RiskLevel:   models.RiskMedium,
				Category:    models.CategoryOptimize,
				Parameters: []models.ToolParameter{
					{Name: "table", Type: models.ParamString, Required: true,
						Pattern:     `^[a-zA-Z_][a-zA-Z0-9_.]*$`,
						Description: "Schema-qualified table name"},
				},
			},
			{
				Name:        "kill_connection",
				Description: "Terminate one backend connection by pid",
				RiskLevel:   models.RiskHigh,
				Category:    models.CategoryAdmin,
				Parameters: []models.ToolParameter{
					{Name: "pid", Type: models.ParamNumber, Required: true,
						Description: "Backend process id from active_connections"},
				},
			},
		},
	}
}

func (d *Driver) ValidateConfig(config map[string]any) error {
	if _, ok := config["connectionString"].(string); ok {
		return nil
	}
	for _, field := range []string{"host", "database", "user"} {
		if v, ok := config[field].(string); !ok || v == "" {
			return fmt.Errorf("config field %q is required", field)
		}
	}
	return nil
}

func (d *Driver) Initialize(ctx context.Context, config map[string]any) (plugin.Conn, error) {
	dsn, err := buildDSN(config)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &conn{pool: pool}, nil
}

func buildDSN(config map[string]any) (string, error) {
	if raw, ok := config["connectionString"].(string); ok && raw != "" {
		return raw, nil
	}
	cs := vault.ConnectionString{
		Scheme:   "postgres",
		Host:     config["host"].(string),
		Database: config["database"].(string),
		User:     config["user"].(string),
	}
	if pw, ok := config["password"].(string); ok {
		cs.Password = pw
	}
	if port, ok := config["port"].(float64); ok {
		cs.Port = int(port)
	} else {
		cs.Port = 5432
	}
	if ssl, ok := config["sslmode"].(string); ok {
		cs.Params = map[string]string{"sslmode": ssl}
	}
	return cs.String(), nil
}

type conn struct {
	pool *pgxpool.Pool
}

func (c *conn) CheckHealth(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

func (c *conn) Shutdown(context.Context) error {
	c.pool.Close()
	return nil
}

func (c *conn) ExecuteTool(ctx context.Context, tool string, params map[string]any) (*models.ToolResult, error) {
	switch tool {
	case "get_stats":
		return c.getStats(ctx)
	case "active_connections":
		return c.activeConnections(ctx, int(params["limit"].(float64)))
	case "slow_queries":
		return c.slowQueries(ctx, params["min_seconds"].(float64))
	case "table_sizes":
		return c.tableSizes(ctx, int(params["limit"].(float64)))
	case "analyze_table":
		return c.analyzeTable(ctx, params["table"].(string))
	case "kill_connection":
		return c.killConnection(ctx, int(params["pid"].(float64)))
	default:
		return nil, fmt.Errorf("unknown tool %q", tool)
	}
}

func (c *conn) getStats(ctx context.Context) (*models.ToolResult, error) {
	row := c.pool.QueryRow(ctx, `
		SELECT numbackends, xact_commit, xact_rollback,
			CASE WHEN blks_hit + blks_read = 0 THEN 1.0
				ELSE blks_hit::float / (blks_hit + blks_read) END,
			deadlocks, temp_files
		FROM pg_stat_database WHERE datname = current_database()`)

	var backends int
	var commits, rollbacks, deadlocks, tempFiles int64
	var hitRatio float64
	if err := row.Scan(&backends, &commits, &rollbacks, &hitRatio, &deadlocks, &tempFiles); err != nil {
		return nil, fmt.Errorf("failed to read database stats: %w", err)
	}
	return &models.ToolResult{Success: true, Output: map[string]any{
		"backends":        backends,
		"xact_commit":     commits,
		"xact_rollback":   rollbacks,
		"cache_hit_ratio": hitRatio,
		"deadlocks":       deadlocks,
		"temp_files":      tempFiles,
	}}, nil
}

func (c *conn) activeConnections(ctx context.Context, limit int) (*models.ToolResult, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT pid, usename, state,
			COALESCE(EXTRACT(EPOCH FROM now() - query_start), 0),
			LEFT(query, 200)
		FROM pg_stat_activity
		WHERE pid <> pg_backend_pid()
		ORDER BY query_start NULLS LAST
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var pid int
		var user, state *string
		var age float64
		var query string
		if err := rows.Scan(&pid, &user, &state, &age, &query); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{
			"pid":         pid,
			"user":        deref(user),
			"state":       deref(state),
			"age_seconds": age,
			"query":       query,
		})
	}
	return &models.ToolResult{Success: true, Output: out}, rows.Err()
}

func (c *conn) slowQueries(ctx context.Context, minSeconds float64) (*models.ToolResult, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT pid, usename, EXTRACT(EPOCH FROM now() - query_start), LEFT(query, 500)
		FROM pg_stat_activity
		WHERE state = 'active'
			AND pid <> pg_backend_pid()
			AND now() - query_start > make_interval(secs => $1)
		ORDER BY query_start`, minSeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to list slow queries: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var pid int
		var user *string
		var age float64
		var query string
		if err := rows.Scan(&pid, &user, &age, &query); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{
			"pid": pid, "user": deref(user), "age_seconds": age, "query": query,
		})
	}
	return &models.ToolResult{Success: true, Output: out}, rows.Err()
}

func (c *conn) tableSizes(ctx context.Context, limit int) (*models.ToolResult, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT schemaname || '.' || relname,
			pg_total_relation_size(relid),
			n_live_tup, n_dead_tup
		FROM pg_stat_user_tables
		ORDER BY pg_total_relation_size(relid) DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list table sizes: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var name string
		var bytes, live, dead int64
		if err := rows.Scan(&name, &bytes, &live, &dead); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{
			"table": name, "total_bytes": bytes,
			"live_tuples": live, "dead_tuples": dead,
		})
	}
	return &models.ToolResult{Success: true, Output: out}, rows.Err()
}

func (c *conn) analyzeTable(ctx context.Context, table string) (*models.ToolResult, error) {
	// The table name is pattern-validated upstream; ANALYZE takes no bind
	// parameters.
	if _, err := c.pool.Exec(ctx, "ANALYZE "+table); err != nil {
		return nil, fmt.Errorf("failed to analyze %s: %w", table, err)
	}
	return &models.ToolResult{Success: true, Output: fmt.Sprintf("analyzed %s", table)}, nil
}

func (c *conn) killConnection(ctx context.Context, pid int) (*models.ToolResult, error) {
	var terminated bool
	err := c.pool.QueryRow(ctx, `SELECT pg_terminate_backend($1)`, pid).Scan(&terminated)
	if err != nil {
		return nil, fmt.Errorf("failed to terminate backend %d: %w", pid, err)
	}
	if !terminated {
		return &models.ToolResult{Success: false,
			Error: fmt.Sprintf("backend %d not found", pid)}, nil
	}
	return &models.ToolResult{Success: true,
		Output: fmt.Sprintf("terminated backend %d", pid)}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
