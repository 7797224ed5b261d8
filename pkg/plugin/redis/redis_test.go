package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/goshops-com/opsagent/pkg/models"
)

func TestValidateConfig(t *testing.T) {
	d := New()

	assert.NoError(t, d.ValidateConfig(map[string]any{"addr": "cache:6379"}))
	assert.NoError(t, d.ValidateConfig(map[string]any{"host": "cache"}))
	assert.Error(t, d.ValidateConfig(map[string]any{}))
}

func TestAddress(t *testing.T) {
	assert.Equal(t, "cache:6380", address(map[string]any{"host": "cache", "port": 6380.0}))
	assert.Equal(t, "cache:6379", address(map[string]any{"host": "cache"}))
	assert.Equal(t, "explicit:1", address(map[string]any{"addr": "explicit:1", "host": "x"}))
}

func TestParseInfo(t *testing.T) {
	raw := "# Memory\r\nused_memory:1024\r\nused_memory_human:1.00K\r\n\r\n# Clients\r\nconnected_clients:3\r\n"
	got := parseInfo(raw)

	assert.Equal(t, "1024", got["used_memory"])
	assert.Equal(t, "3", got["connected_clients"])
	assert.NotContains(t, got, "# Memory")
}

func TestFlushRequiresApproval(t *testing.T) {
	info := New().Info()
	for _, tool := range info.Tools {
		if tool.Name == "flush_db" {
			assert.Equal(t, models.RiskCritical, tool.RiskLevel)
			assert.True(t, tool.RequiresApproval)
			return
		}
	}
	t.Fatal("flush_db tool not declared")
}
