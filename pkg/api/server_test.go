package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goshops-com/opsagent/pkg/alerts"
	"github.com/goshops-com/opsagent/pkg/approval"
	"github.com/goshops-com/opsagent/pkg/audit"
	"github.com/goshops-com/opsagent/pkg/chat"
	"github.com/goshops-com/opsagent/pkg/events"
	"github.com/goshops-com/opsagent/pkg/llm"
	"github.com/goshops-com/opsagent/pkg/models"
	"github.com/goshops-com/opsagent/pkg/plugin"
	"github.com/goshops-com/opsagent/pkg/storage"
	"github.com/goshops-com/opsagent/pkg/vault"
)

const testServerID = "srv-1"

type scriptedLLM struct {
	responses []*llm.Response
}

func (s *scriptedLLM) Chat(context.Context, []llm.Message, []llm.ToolDef) (*llm.Response, error) {
	if len(s.responses) == 0 {
		return &llm.Response{Content: "ok"}, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

type echoDriver struct{}

func (echoDriver) Info() models.Plugin {
	return models.Plugin{
		ID:   "echo",
		Name: "Echo",
		Tools: []models.PluginTool{
			{Name: "ping", Description: "Round trip", RiskLevel: models.RiskLow, Category: models.CategoryRead},
			{Name: "drop_index", Description: "Drop an index", RiskLevel: models.RiskHigh, Category: models.CategoryAdmin},
		},
	}
}

func (echoDriver) ValidateConfig(map[string]any) error { return nil }

func (echoDriver) Initialize(context.Context, map[string]any) (plugin.Conn, error) {
	return echoConn{}, nil
}

type echoConn struct{}

func (echoConn) CheckHealth(context.Context) error { return nil }

func (echoConn) ExecuteTool(_ context.Context, tool string, params map[string]any) (*models.ToolResult, error) {
	return &models.ToolResult{Success: true, Output: map[string]any{"tool": tool, "params": params}}, nil
}

func (echoConn) Shutdown(context.Context) error { return nil }

type fixture struct {
	server    *Server
	llm       *scriptedLLM
	alerts    *alerts.Manager
	approvals *approval.Manager
	registry  *plugin.Registry
	auditLog  *audit.Log
	store     storage.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(t.TempDir() + "/api.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.UpsertServer(ctx, &models.Server{ID: testServerID, Hostname: "test-host"}))

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	v, err := vault.NewWithPassphrase("test-passphrase")
	require.NoError(t, err)

	auditLog := audit.NewLog(100, store)
	alertMgr := alerts.NewManager(testServerID, time.Minute, 2*time.Minute, 100, bus, store)
	approvalMgr := approval.NewManager(time.Hour, time.Minute, bus, store)
	registry := plugin.NewRegistry(testServerID, time.Minute, 5*time.Second, bus, store, v, auditLog)
	require.NoError(t, registry.Register(ctx, echoDriver{}))

	model := &scriptedLLM{}
	orch := chat.NewOrchestrator(testServerID, 30*time.Second, model, registry, approvalMgr, auditLog, store, bus)

	s := NewServer(0, Deps{
		ServerID:  testServerID,
		Alerts:    alertMgr,
		Registry:  registry,
		Chat:      orch,
		Approvals: approvalMgr,
		Audit:     auditLog,
	})
	return &fixture{
		server:    s,
		llm:       model,
		alerts:    alertMgr,
		approvals: approvalMgr,
		registry:  registry,
		auditLog:  auditLog,
		store:     store,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestAlertsListAndAcknowledge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.alerts.Ingest(ctx, &models.Alert{
		ServerID: testServerID, Severity: models.SeverityWarning,
		Message: "test alert", Metric: "cpu.usage",
	})
	active := f.alerts.Active()
	require.Len(t, active, 1)

	w := f.do(t, http.MethodGet, "/api/alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["active"], 1)

	w = f.do(t, http.MethodPost, "/api/alerts/"+active[0].ID+"/acknowledge", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])

	w = f.do(t, http.MethodPost, "/api/alerts/nope/acknowledge", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDisabledSubsystemReturns501(t *testing.T) {
	f := newFixture(t)
	f.server.deps.Agent = nil

	w := f.do(t, http.MethodGet, "/api/agent/results", nil)
	require.Equal(t, http.StatusNotImplemented, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["error"])
}

func TestPluginLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/plugins", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/servers/"+testServerID+"/plugins", map[string]any{
		"pluginId": "echo",
		"config":   map[string]any{"host": "localhost"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode(t, w)
	instance := created["instance"].(map[string]any)
	iid := instance["id"].(string)
	require.NotEmpty(t, iid)

	w = f.do(t, http.MethodGet, "/api/servers/"+testServerID+"/plugins/"+iid+"/tools", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/servers/"+testServerID+"/plugins/"+iid+"/execute", map[string]any{
		"tool": "ping",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])

	w = f.do(t, http.MethodDelete, "/api/servers/"+testServerID+"/plugins/"+iid, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/servers/"+testServerID+"/plugins/"+iid+"/execute", map[string]any{
		"tool": "ping",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWrongServerIDRejected(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/servers/other-host/plugins", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecuteRequiresToolField(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/servers/"+testServerID+"/plugins/x/execute", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatTurnOverHTTP(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"title":     "triage",
		"createdBy": "alice",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	session := decode(t, w)["session"].(map[string]any)
	sid := session["id"].(string)

	f.llm.responses = []*llm.Response{{Content: "hello back"}}
	w = f.do(t, http.MethodPost, "/api/sessions/"+sid+"/messages", map[string]any{
		"content": "hello",
		"userId":  "alice",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	evts := body["events"].([]any)
	require.Len(t, evts, 3)
	assert.Equal(t, "message", evts[0].(map[string]any)["type"])
	assert.Equal(t, "typing", evts[1].(map[string]any)["type"])
	assert.Equal(t, "message", evts[2].(map[string]any)["type"])

	w = f.do(t, http.MethodGet, "/api/sessions/"+sid+"/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/sessions/"+sid+"/close", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/sessions/"+sid+"/messages", map[string]any{
		"content": "still there?",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.approvals.Create(ctx, approval.CreateSpec{
		ServerID:  testServerID,
		PluginID:  "echo",
		Operation: "drop_index",
		RiskLevel: models.RiskHigh,
	})
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/approvals", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["approvals"], 1)

	w = f.do(t, http.MethodGet, "/api/approvals/"+req.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/approvals/"+req.ID+"/approve", map[string]any{
		"approvedBy": "alice",
	})
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)["approval"].(map[string]any)
	assert.Equal(t, "approved", got["status"])
	assert.Equal(t, "alice", got["responded_by"])

	// A second response to the same request is stale.
	w = f.do(t, http.MethodPost, "/api/approvals/"+req.ID+"/reject", map[string]any{
		"approvedBy": "bob",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/approvals/nope/approve", map[string]any{
		"approvedBy": "alice",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApprovalRequiresApprover(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/approvals/x/approve", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuditEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.auditLog.Record(ctx, &models.AuditLogEntry{
		ServerID: testServerID, PluginID: "echo", Operation: "ping",
		RiskLevel: models.RiskLow, Status: models.AuditSuccess, ExecutedBy: "agent",
	})

	w := f.do(t, http.MethodGet, "/api/audit?pluginId=echo", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["entries"], 1)

	w = f.do(t, http.MethodGet, "/api/audit?pluginId=other", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["entries"])

	w = f.do(t, http.MethodGet, "/api/audit/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)
	assert.EqualValues(t, 1, stats["total"])
}
