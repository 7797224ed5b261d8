package plugin

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goshops-com/opsagent/pkg/audit"
	"github.com/goshops-com/opsagent/pkg/events"
	"github.com/goshops-com/opsagent/pkg/models"
	"github.com/goshops-com/opsagent/pkg/storage"
	"github.com/goshops-com/opsagent/pkg/vault"
)

type fakeDriver struct {
	info      models.Plugin
	initErr   error
	configErr error
	conn      *fakeConn
}

func (d *fakeDriver) Info() models.Plugin { return d.info }

func (d *fakeDriver) ValidateConfig(map[string]any) error { return d.configErr }

func (d *fakeDriver) Initialize(context.Context, map[string]any) (Conn, error) {
	if d.initErr != nil {
		return nil, d.initErr
	}
	return d.conn, nil
}

type fakeConn struct {
	healthErr  atomic.Value // error
	execCount  atomic.Int64
	shutdowns  atomic.Int64
	execResult *models.ToolResult
	execErr    error
}

func (c *fakeConn) CheckHealth(context.Context) error {
	if err, ok := c.healthErr.Load().(error); ok && err != nil {
		return err
	}
	return nil
}

func (c *fakeConn) ExecuteTool(context.Context, string, map[string]any) (*models.ToolResult, error) {
	c.execCount.Add(1)
	if c.execErr != nil {
		return nil, c.execErr
	}
	if c.execResult != nil {
		return c.execResult, nil
	}
	return &models.ToolResult{Success: true, Output: "ok"}, nil
}

func (c *fakeConn) Shutdown(context.Context) error {
	c.shutdowns.Add(1)
	return nil
}

func testDriver() *fakeDriver {
	return &fakeDriver{
		info: models.Plugin{
			ID:      "fake",
			Name:    "Fake Backend",
			Version: "1.0.0",
			Type:    "database",
			Tools: []models.PluginTool{
				{
					Name:      "get_stats",
					RiskLevel: models.RiskLow,
					Category:  models.CategoryRead,
					Parameters: []models.ToolParameter{
						{Name: "limit", Type: models.ParamNumber, Default: 10.0},
					},
				},
				{
					Name:      "kill_connection",
					RiskLevel: models.RiskHigh,
					Category:  models.CategoryAdmin,
					Parameters: []models.ToolParameter{
						{Name: "pid", Type: models.ParamNumber, Required: true},
					},
				},
				{
					Name:             "flagged_read",
					RiskLevel:        models.RiskLow,
					RequiresApproval: true,
					Category:         models.CategoryRead,
				},
			},
		},
		conn: &fakeConn{},
	}
}

func newTestRegistry(t *testing.T) (*Registry, *audit.Log) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	v, err := vault.NewWithPassphrase("test")
	require.NoError(t, err)
	auditLog := audit.NewLog(100, nil)
	return NewRegistry("srv-1", time.Hour, time.Second, bus, nil, v, auditLog), auditLog
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testDriver()))
	err := r.Register(ctx, testDriver())
	assert.ErrorIs(t, err, ErrDuplicatePlugin)
	assert.Len(t, r.Plugins(), 1)
}

func TestUnregisterFailsWithInstances(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testDriver()))
	inst, err := r.CreateInstance(ctx, "fake", map[string]any{"host": "h"})
	require.NoError(t, err)

	assert.ErrorIs(t, r.Unregister("fake"), ErrPluginInUse)

	require.NoError(t, r.RemoveInstance(ctx, inst.ID))
	assert.NoError(t, r.Unregister("fake"))
}

func TestCreateInstanceFailsOnBadConfig(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	d := testDriver()
	d.configErr = errors.New("host is required")
	require.NoError(t, r.Register(ctx, d))

	_, err := r.CreateInstance(ctx, "fake", map[string]any{})
	assert.ErrorContains(t, err, "host is required")
	assert.Empty(t, r.Instances())
}

func TestCreateInstanceFailsOnInitError(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	d := testDriver()
	d.initErr = errors.New("connection refused")
	require.NoError(t, r.Register(ctx, d))

	_, err := r.CreateInstance(ctx, "fake", map[string]any{})
	assert.ErrorContains(t, err, "connection refused")
	assert.Empty(t, r.Instances(), "failed initialisation records nothing")
}

func TestInstanceConfigMaskedInListing(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testDriver()))
	_, err := r.CreateInstance(ctx, "fake", map[string]any{
		"host":     "db.internal",
		"password": "hunter2",
	})
	require.NoError(t, err)

	list := r.Instances()
	require.Len(t, list, 1)
	assert.Equal(t, "db.internal", list[0].Config["host"])
	assert.Equal(t, "[ENCRYPTED]", list[0].Config["password"])
}

func TestExecuteLowRiskToolRuns(t *testing.T) {
	r, auditLog := newTestRegistry(t)
	ctx := context.Background()

	d := testDriver()
	require.NoError(t, r.Register(ctx, d))
	inst, err := r.CreateInstance(ctx, "fake", map[string]any{})
	require.NoError(t, err)

	result, err := r.ExecuteTool(ctx, inst.ID, "get_stats", nil, models.ToolContext{ServerID: "srv-1"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int64(1), d.conn.execCount.Load())

	entries := auditLog.Query(storage.AuditFilter{})
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditSuccess, entries[0].Status)
	assert.Equal(t, "get_stats", entries[0].Operation)
}

func TestExecuteHighRiskToolGated(t *testing.T) {
	r, auditLog := newTestRegistry(t)
	ctx := context.Background()

	d := testDriver()
	require.NoError(t, r.Register(ctx, d))
	inst, err := r.CreateInstance(ctx, "fake", map[string]any{})
	require.NoError(t, err)

	result, err := r.ExecuteTool(ctx, inst.ID, "kill_connection",
		map[string]any{"pid": 42.0}, models.ToolContext{ServerID: "srv-1"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.RequiresApproval)
	require.NotNil(t, result.ApprovalRequest)
	assert.Equal(t, "kill_connection", result.ApprovalRequest.Operation)
	assert.Equal(t, models.RiskHigh, result.ApprovalRequest.RiskLevel)

	assert.Equal(t, int64(0), d.conn.execCount.Load(), "gated call never reaches the plugin")
	assert.Empty(t, auditLog.Query(storage.AuditFilter{}), "gated call is not a completed invocation")
}

func TestExecuteWithApprovalIDSkipsGate(t *testing.T) {
	r, auditLog := newTestRegistry(t)
	ctx := context.Background()

	d := testDriver()
	require.NoError(t, r.Register(ctx, d))
	inst, err := r.CreateInstance(ctx, "fake", map[string]any{})
	require.NoError(t, err)

	result, err := r.ExecuteTool(ctx, inst.ID, "kill_connection",
		map[string]any{"pid": 42.0},
		models.ToolContext{ServerID: "srv-1", ApprovalID: "appr-1", UserID: "alice"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int64(1), d.conn.execCount.Load())

	entries := auditLog.Query(storage.AuditFilter{})
	require.Len(t, entries, 1)
	assert.Equal(t, "appr-1", entries[0].ApprovalID)
	assert.Equal(t, "alice", entries[0].ExecutedBy)
}

func TestLowRiskToolMayInsistOnApproval(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testDriver()))
	inst, err := r.CreateInstance(ctx, "fake", map[string]any{})
	require.NoError(t, err)

	result, err := r.ExecuteTool(ctx, inst.ID, "flagged_read", nil, models.ToolContext{})
	require.NoError(t, err)
	assert.True(t, result.RequiresApproval)
}

func TestExecuteValidationFailureNeverCallsPlugin(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	d := testDriver()
	require.NoError(t, r.Register(ctx, d))
	inst, err := r.CreateInstance(ctx, "fake", map[string]any{})
	require.NoError(t, err)

	result, err := r.ExecuteTool(ctx, inst.ID, "kill_connection",
		map[string]any{}, models.ToolContext{ApprovalID: "appr-1"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "pid")
	assert.Equal(t, int64(0), d.conn.execCount.Load())
}

func TestExecuteOnDisabledInstanceRejected(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testDriver()))
	inst, err := r.CreateInstance(ctx, "fake", map[string]any{})
	require.NoError(t, err)
	require.NoError(t, r.SetInstanceEnabled(ctx, inst.ID, false))

	_, err = r.ExecuteTool(ctx, inst.ID, "get_stats", nil, models.ToolContext{})
	assert.ErrorIs(t, err, ErrInstanceUnavailable)
}

func TestExecuteRecordsFailure(t *testing.T) {
	r, auditLog := newTestRegistry(t)
	ctx := context.Background()

	d := testDriver()
	d.conn.execErr = errors.New("query timeout")
	require.NoError(t, r.Register(ctx, d))
	inst, err := r.CreateInstance(ctx, "fake", map[string]any{})
	require.NoError(t, err)

	result, err := r.ExecuteTool(ctx, inst.ID, "get_stats", nil, models.ToolContext{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "query timeout", result.Error)

	entries := auditLog.Query(storage.AuditFilter{})
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditFailed, entries[0].Status)
}

func TestRemoveInstanceShutsConnection(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	d := testDriver()
	require.NoError(t, r.Register(ctx, d))
	inst, err := r.CreateInstance(ctx, "fake", map[string]any{})
	require.NoError(t, err)

	require.NoError(t, r.RemoveInstance(ctx, inst.ID))
	assert.Equal(t, int64(1), d.conn.shutdowns.Load())
	assert.ErrorIs(t, r.RemoveInstance(ctx, inst.ID), ErrInstanceNotFound)
}

func TestValidateToolParams(t *testing.T) {
	tool := &models.PluginTool{
		Name: "query",
		Parameters: []models.ToolParameter{
			{Name: "sql", Type: models.ParamString, Required: true},
			{Name: "limit", Type: models.ParamNumber, Default: 100.0},
			{Name: "mode", Type: models.ParamString, Enum: []string{"ro", "rw"}},
		},
	}

	out, err := ValidateToolParams(tool, map[string]any{"sql": "SELECT 1"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", out["sql"])
	assert.Equal(t, 100.0, out["limit"], "default applied")

	_, err = ValidateToolParams(tool, map[string]any{})
	assert.ErrorContains(t, err, "sql")

	_, err = ValidateToolParams(tool, map[string]any{"sql": "SELECT 1", "mode": "admin"})
	assert.ErrorContains(t, err, "mode")

	_, err = ValidateToolParams(tool, map[string]any{"sql": "SELECT 1", "bogus": 1})
	assert.ErrorContains(t, err, "bogus")

	_, err = ValidateToolParams(tool, map[string]any{"sql": 42})
	assert.ErrorContains(t, err, "string")
}
