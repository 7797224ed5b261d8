// Package redis is the Redis tool plugin: memory and latency diagnostics
// at low risk, key deletion and config changes behind the approval gate.
package redis

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/goshops-com/opsagent/pkg/models"
	"github.com/goshops-com/opsagent/pkg/plugin"
)

// Driver implements plugin.Driver for Redis backends.
type Driver struct{}

// New returns the Redis driver.
func New() *Driver { return &Driver{} }

func (d *Driver) Info() models.Plugin {
	return models.Plugin{
		ID:          "redis",
		Name:        "Redis",
		Version:     "1.0.0",
		Type:        "cache",
		Description: "Diagnostics and maintenance for Redis servers",
		Capabilities: []string{
			"memory-stats", "slowlog", "key-management",
		},
		Tools: []models.PluginTool{
			{
				Name:        "info",
				Description: "Server info sections: memory, clients, stats, replication",
				RiskLevel:   models.RiskLow,
				Category:    models.CategoryRead,
				Parameters: []models.ToolParameter{
					{Name: "section", Type: models.ParamString, Default: "default",
						Enum: []string{"default", "memory", "clients", "stats", "replication", "keyspace"}},
				},
			},
			{
				Name:        "slowlog",
				Description: "Recent slow commands",
				RiskLevel:   models.RiskLow,
				Category:    models.CategoryRead,
				Parameters: []models.ToolParameter{
					{Name: "count", Type: models.ParamNumber, Default: 10.0},
				},
			},
			{
				Name:        "scan_keys",
				Description: "Sample keys matching a pattern (bounded scan, never KEYS)",
				RiskLevel:   models.RiskLow,
				Category:    models.CategoryRead,
				Parameters: []models.ToolParameter{
					{Name: "pattern", Type: models.ParamString, Default: "*"},
					{Name: "count", Type: models.ParamNumber, Default: 100.0},
				},
			},
			{
				Name:        "delete_key",
				Description: "Delete one key",
				RiskLevel:   models.RiskMedium,
				Category:    models.CategoryOptimize,
				Parameters: []models.ToolParameter{
					{Name: "key", Type: models.ParamString, Required: true},
				},
			},
			{
				Name:        "config_set",
				Description: "Change one runtime configuration parameter",
				RiskLevel:   models.RiskHigh,
				Category:    models.CategoryAdmin,
				Parameters: []models.ToolParameter{
					{Name: "parameter", Type: models.ParamString, Required: true},
					{Name: "value", Type: models.ParamString, Required: true},
				},
			},
			{
				Name:             "flush_db",
				Description:      "Remove every key in the selected database",
				RiskLevel:        models.RiskCritical,
				RequiresApproval: true,
				Category:         models.CategoryAdmin,
			},
		},
	}
}

func (d *Driver) ValidateConfig(config map[string]any) error {
	if addr, ok := config["addr"].(string); ok && addr != "" {
		return nil
	}
	if host, ok := config["host"].(string); ok && host != "" {
		return nil
	}
	return fmt.Errorf("config requires either %q or %q", "addr", "host")
}

func (d *Driver) Initialize(ctx context.Context, config map[string]any) (plugin.Conn, error) {
	opts := &goredis.Options{Addr: address(config)}
	if pw, ok := config["password"].(string); ok {
		opts.Password = pw
	}
	if db, ok := config["db"].(float64); ok {
		opts.DB = int(db)
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return &conn{client: client}, nil
}

func address(config map[string]any) string {
	if addr, ok := config["addr"].(string); ok && addr != "" {
		return addr
	}
	host := config["host"].(string)
	port := 6379
	if p, ok := config["port"].(float64); ok {
		port = int(p)
	}
	return fmt.Sprintf("%s:%d", host, port)
}

type conn struct {
	client *goredis.Client
}

func (c *conn) CheckHealth(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *conn) Shutdown(context.Context) error {
	return c.client.Close()
}

func (c *conn) ExecuteTool(ctx context.Context, tool string, params map[string]any) (*models.ToolResult, error) {
	switch tool {
	case "info":
		return c.info(ctx, params["section"].(string))
	case "slowlog":
		return c.slowlog(ctx, int64(params["count"].(float64)))
	case "scan_keys":
		return c.scanKeys(ctx, params["pattern"].(string), int64(params["count"].(float64)))
	case "delete_key":
		return c.deleteKey(ctx, params["key"].(string))
	case "config_set":
		return c.configSet(ctx, params["parameter"].(string), params["value"].(string))
	case "flush_db":
		return c.flushDB(ctx)
	default:
		return nil, fmt.Errorf("unknown tool %q", tool)
	}
}

func (c *conn) info(ctx context.Context, section string) (*models.ToolResult, error) {
	var raw string
	var err error
	if section == "default" {
		raw, err = c.client.Info(ctx).Result()
	} else {
		raw, err = c.client.Info(ctx, section).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("INFO failed: %w", err)
	}
	return &models.ToolResult{Success: true, Output: parseInfo(raw)}, nil
}

// parseInfo turns the INFO text format into a flat map, dropping section
// headers and blank lines.
func parseInfo(raw string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(raw, "\r\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			out[k] = v
		}
	}
	return out
}

func (c *conn) slowlog(ctx context.Context, count int64) (*models.ToolResult, error) {
	entries, err := c.client.SlowLogGet(ctx, count).Result()
	if err != nil {
		return nil, fmt.Errorf("SLOWLOG GET failed: %w", err)
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"id":          e.ID,
			"time":        e.Time,
			"duration_us": e.Duration.Microseconds(),
			"args":        e.Args,
		})
	}
	return &models.ToolResult{Success: true, Output: out}, nil
}

func (c *conn) scanKeys(ctx context.Context, pattern string, count int64) (*models.ToolResult, error) {
	keys, _, err := c.client.Scan(ctx, 0, pattern, count).Result()
	if err != nil {
		return nil, fmt.Errorf("SCAN failed: %w", err)
	}
	return &models.ToolResult{Success: true, Output: keys}, nil
}

func (c *conn) deleteKey(ctx context.Context, key string) (*models.ToolResult, error) {
	deleted, err := c.client.Del(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("DEL failed: %w", err)
	}
	if deleted == 0 {
		return &models.ToolResult{Success: false,
			Error: fmt.Sprintf("key %q does not exist", key)}, nil
	}
	return &models.ToolResult{Success: true, Output: fmt.Sprintf("deleted %q", key)}, nil
}

func (c *conn) configSet(ctx context.Context, parameter, value string) (*models.ToolResult, error) {
	if err := c.client.ConfigSet(ctx, parameter, value).Err(); err != nil {
		return nil, fmt.Errorf("CONFIG SET failed: %w", err)
	}
	return &models.ToolResult{Success: true,
		Output: fmt.Sprintf("set %s=%s", parameter, value)}, nil
}

func (c *conn) flushDB(ctx context.Context) (*models.ToolResult, error) {
	if err := c.client.FlushDB(ctx).Err(); err != nil {
		return nil, fmt.Errorf("FLUSHDB failed: %w", err)
	}
	return &models.ToolResult{Success: true, Output: "database flushed"}, nil
}
