package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goshops-com/opsagent/pkg/audit"
	"github.com/goshops-com/opsagent/pkg/events"
	"github.com/goshops-com/opsagent/pkg/models"
	"github.com/goshops-com/opsagent/pkg/storage"
	"github.com/goshops-com/opsagent/pkg/vault"
)

var (
	// ErrDuplicatePlugin is returned when a plugin id is registered twice.
	ErrDuplicatePlugin = errors.New("plugin already registered")

	// ErrPluginInUse is returned when unregistering a plugin with live
	// instances.
	ErrPluginInUse = errors.New("plugin has active instances")

	// ErrInstanceNotFound is returned for unknown instance ids.
	ErrInstanceNotFound = errors.New("plugin instance not found")

	// ErrInstanceUnavailable is returned when a tool call targets a
	// disabled or errored instance.
	ErrInstanceUnavailable = errors.New("plugin instance is not available")
)

// Registry is the plugin type catalogue plus the per-server instance
// lifecycle. Safe for concurrent use.
type Registry struct {
	serverID       string
	healthInterval time.Duration
	queryTimeout   time.Duration
	bus            *events.Bus
	store          storage.Store
	vault          *vault.Vault
	auditLog       *audit.Log

	mu        sync.RWMutex
	drivers   map[string]Driver
	instances map[string]*instance
}

// instance pairs the durable metadata with the live connection and its
// supervisor.
type instance struct {
	meta *models.PluginInstance
	conn Conn

	// execMu serialises tool execution on the connection.
	execMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates an empty registry. store and auditLog may be nil in
// tests.
func NewRegistry(serverID string, healthInterval, queryTimeout time.Duration, bus *events.Bus, store storage.Store, v *vault.Vault, auditLog *audit.Log) *Registry {
	return &Registry{
		serverID:       serverID,
		healthInterval: healthInterval,
		queryTimeout:   queryTimeout,
		bus:            bus,
		store:          store,
		vault:          v,
		auditLog:       auditLog,
		drivers:        make(map[string]Driver),
		instances:      make(map[string]*instance),
	}
}

// Register adds a plugin type to the catalogue. Duplicate ids are rejected.
func (r *Registry) Register(ctx context.Context, driver Driver) error {
	info := driver.Info()

	r.mu.Lock()
	if _, exists := r.drivers[info.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, info.ID)
	}
	r.drivers[info.ID] = driver
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpsertPlugin(ctx, &info); err != nil {
			slog.Warn("Failed to persist plugin catalogue entry", "plugin", info.ID, "error", err)
		}
	}
	slog.Info("Plugin registered", "plugin", info.ID, "version", info.Version, "tools", len(info.Tools))
	return nil
}

// Unregister removes a plugin type. Fails while any instance of it exists.
func (r *Registry) Unregister(pluginID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drivers[pluginID]; !exists {
		return fmt.Errorf("plugin %s is not registered", pluginID)
	}
	for _, inst := range r.instances {
		if inst.meta.PluginID == pluginID {
			return fmt.Errorf("%w: %s", ErrPluginInUse, pluginID)
		}
	}
	delete(r.drivers, pluginID)
	return nil
}

// Plugins lists the registered plugin types.
func (r *Registry) Plugins() []models.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Plugin, 0, len(r.drivers))
	for _, d := range r.drivers {
		out = append(out, d.Info())
	}
	return out
}

// CreateInstance validates the config, opens the connection, records the
// instance and starts its health supervisor. The stored config has its
// sensitive fields encrypted.
func (r *Registry) CreateInstance(ctx context.Context, pluginID string, config map[string]any) (*models.PluginInstance, error) {
	r.mu.RLock()
	driver, exists := r.drivers[pluginID]
	r.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("plugin %s is not registered", pluginID)
	}

	plain, err := r.vault.DecryptConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt instance config: %w", err)
	}
	if err := driver.ValidateConfig(plain); err != nil {
		return nil, fmt.Errorf("invalid config for plugin %s: %w", pluginID, err)
	}

	conn, err := driver.Initialize(ctx, plain)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise plugin %s: %w", pluginID, err)
	}

	sealed, err := r.vault.EncryptConfig(config)
	if err != nil {
		_ = conn.Shutdown(ctx)
		return nil, fmt.Errorf("failed to encrypt instance config: %w", err)
	}

	meta := &models.PluginInstance{
		ID:           uuid.NewString(),
		ServerID:     r.serverID,
		PluginID:     pluginID,
		Config:       sealed,
		Status:       models.InstanceActive,
		HealthStatus: models.HealthUnknown,
		Enabled:      true,
		CreatedAt:    time.Now().UTC(),
	}
	inst := &instance{meta: meta, conn: conn}

	r.mu.Lock()
	r.instances[meta.ID] = inst
	r.mu.Unlock()

	r.persistInstance(ctx, meta)
	r.superviseInstance(inst)
	slog.Info("Plugin instance created", "instance", meta.ID, "plugin", pluginID)
	return cloneInstance(meta), nil
}

// RestoreInstances reopens the persisted instances of this server. An
// instance that fails to reconnect is logged and skipped; its record stays
// in the store so the next restart retries it.
func (r *Registry) RestoreInstances(ctx context.Context) {
	if r.store == nil {
		return
	}
	records, err := r.store.ListPluginInstances(ctx, r.serverID)
	if err != nil {
		slog.Warn("Failed to load persisted plugin instances", "error", err)
		return
	}

	for _, meta := range records {
		r.mu.RLock()
		driver, exists := r.drivers[meta.PluginID]
		r.mu.RUnlock()
		if !exists {
			slog.Warn("Skipping instance of unregistered plugin",
				"instance", meta.ID, "plugin", meta.PluginID)
			continue
		}

		plain, err := r.vault.DecryptConfig(meta.Config)
		if err != nil {
			slog.Warn("Failed to decrypt instance config",
				"instance", meta.ID, "error", err)
			continue
		}
		conn, err := driver.Initialize(ctx, plain)
		if err != nil {
			slog.Warn("Failed to reconnect plugin instance",
				"instance", meta.ID, "plugin", meta.PluginID, "error", err)
			continue
		}

		inst := &instance{meta: cloneInstance(meta), conn: conn}
		r.mu.Lock()
		r.instances[meta.ID] = inst
		r.mu.Unlock()
		r.superviseInstance(inst)
		slog.Info("Plugin instance restored", "instance", meta.ID, "plugin", meta.PluginID)
	}
}

// SetInstanceEnabled suspends or resumes health supervision. The connection
// stays open either way.
func (r *Registry) SetInstanceEnabled(ctx context.Context, instanceID string, enabled bool) error {
	r.mu.Lock()
	inst, exists := r.instances[instanceID]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	inst.meta.Enabled = enabled
	if enabled {
		inst.meta.Status = models.InstanceActive
	} else {
		inst.meta.Status = models.InstanceInactive
	}
	meta := cloneInstance(inst.meta)
	r.mu.Unlock()

	r.persistInstance(ctx, meta)
	return nil
}

// RemoveInstance stops supervision, shuts the connection and deletes the
// metadata. Shutdown errors are logged, never fatal to the removal.
func (r *Registry) RemoveInstance(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	inst, exists := r.instances[instanceID]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	delete(r.instances, instanceID)
	r.mu.Unlock()

	if inst.cancel != nil {
		inst.cancel()
		<-inst.done
	}
	if err := inst.conn.Shutdown(ctx); err != nil {
		slog.Warn("Plugin instance shutdown failed", "instance", instanceID, "error", err)
	}
	if r.store != nil {
		if err := r.store.DeletePluginInstance(ctx, instanceID); err != nil {
			slog.Warn("Failed to delete instance record", "instance", instanceID, "error", err)
		}
	}
	slog.Info("Plugin instance removed", "instance", instanceID)
	return nil
}

// Instances lists this server's instances with masked configs.
func (r *Registry) Instances() []*models.PluginInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.PluginInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		meta := cloneInstance(inst.meta)
		meta.Config = vault.MaskConfig(meta.Config)
		out = append(out, meta)
	}
	return out
}

// InstanceHealth returns the supervised health of one instance.
func (r *Registry) InstanceHealth(instanceID string) (models.HealthStatus, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, exists := r.instances[instanceID]
	if !exists {
		return "", "", fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	return inst.meta.HealthStatus, inst.meta.HealthMessage, nil
}

// InstanceTools returns the tool declarations available on an instance.
func (r *Registry) InstanceTools(instanceID string) ([]models.PluginTool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, exists := r.instances[instanceID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	driver, exists := r.drivers[inst.meta.PluginID]
	if !exists {
		return nil, fmt.Errorf("plugin %s is not registered", inst.meta.PluginID)
	}
	return driver.Info().Tools, nil
}

// ExecuteTool runs one tool invocation through the full gate: instance
// lookup, parameter validation, approval policy, execution, audit.
func (r *Registry) ExecuteTool(ctx context.Context, instanceID, toolName string, params map[string]any, tctx models.ToolContext) (*models.ToolResult, error) {
	r.mu.RLock()
	inst, exists := r.instances[instanceID]
	if !exists {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	enabled := inst.meta.Enabled && inst.meta.Status != models.InstanceError
	pluginID := inst.meta.PluginID
	driver := r.drivers[pluginID]
	r.mu.RUnlock()

	if !enabled {
		return nil, fmt.Errorf("%w: %s", ErrInstanceUnavailable, instanceID)
	}

	tool := findTool(driver, toolName)
	if tool == nil {
		return nil, fmt.Errorf("tool %s not found on plugin %s", toolName, pluginID)
	}

	validated, err := ValidateToolParams(tool, params)
	if err != nil {
		// Validation failures never reach the plugin.
		return &models.ToolResult{Success: false, Error: err.Error()}, nil
	}

	if r.toolRequiresApproval(tool, tctx) {
		return &models.ToolResult{
			Success:          false,
			RequiresApproval: true,
			ApprovalRequest: &models.ApprovalRequestSpec{
				Operation:  toolName,
				Parameters: validated,
				Reason:     fmt.Sprintf("%s requires approval (risk: %s)", toolName, tool.RiskLevel),
				RiskLevel:  tool.RiskLevel,
			},
		}, nil
	}

	execCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	start := time.Now()
	inst.execMu.Lock()
	result, err := inst.conn.ExecuteTool(execCtx, toolName, validated)
	inst.execMu.Unlock()
	elapsed := time.Since(start)

	if err != nil {
		result = &models.ToolResult{Success: false, Error: err.Error()}
	}
	result.DurationMs = elapsed.Milliseconds()

	r.recordExecution(ctx, pluginID, toolName, validated, tool.RiskLevel, tctx, result)
	r.bus.Publish(events.TypePluginToolExecuted, map[string]any{
		"instance_id": instanceID,
		"plugin_id":   pluginID,
		"tool":        toolName,
		"success":     result.Success,
		"duration_ms": result.DurationMs,
	})
	return result, nil
}

// Shutdown removes every instance. Called on process exit.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.RemoveInstance(ctx, id); err != nil {
			slog.Warn("Failed to remove instance during shutdown", "instance", id, "error", err)
		}
	}
}

// toolRequiresApproval applies the risk policy: a call is gated unless it
// is pre-approved or the tool is low risk and does not insist on approval.
func (r *Registry) toolRequiresApproval(tool *models.PluginTool, tctx models.ToolContext) bool {
	if tctx.ApprovalID != "" {
		return false
	}
	return !tool.RiskLevel.AutoExecutable() || tool.RequiresApproval
}

// superviseInstance starts the per-instance health worker.
func (r *Registry) superviseInstance(inst *instance) {
	ctx, cancel := context.WithCancel(context.Background())
	inst.cancel = cancel
	inst.done = make(chan struct{})

	go func() {
		defer close(inst.done)
		ticker := time.NewTicker(r.healthInterval)
		defer ticker.Stop()

		r.checkHealth(ctx, inst)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.checkHealth(ctx, inst)
			}
		}
	}()
}

func (r *Registry) checkHealth(ctx context.Context, inst *instance) {
	r.mu.RLock()
	enabled := inst.meta.Enabled
	r.mu.RUnlock()
	if !enabled {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	err := inst.conn.CheckHealth(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	status := models.HealthHealthy
	message := ""
	if err != nil {
		status = models.HealthUnhealthy
		message = err.Error()
	}

	r.mu.Lock()
	changed := inst.meta.HealthStatus != status
	inst.meta.HealthStatus = status
	inst.meta.HealthMessage = message
	inst.meta.LastHealthCheck = time.Now().UTC()
	meta := cloneInstance(inst.meta)
	r.mu.Unlock()

	r.persistInstance(ctx, meta)
	if changed {
		slog.Info("Plugin instance health changed",
			"instance", meta.ID, "plugin", meta.PluginID, "health", status, "message", message)
		r.bus.Publish(events.TypePluginHealthChanged, map[string]any{
			"instance_id": meta.ID,
			"plugin_id":   meta.PluginID,
			"health":      status,
			"message":     message,
		})
	}
}

func (r *Registry) recordExecution(ctx context.Context, pluginID, operation string, params map[string]any, risk models.RiskLevel, tctx models.ToolContext, result *models.ToolResult) {
	if r.auditLog == nil {
		return
	}
	status := models.AuditSuccess
	if !result.Success {
		status = models.AuditFailed
	}
	executedBy := tctx.UserID
	if executedBy == "" {
		executedBy = "agent"
	}
	r.auditLog.Record(ctx, &models.AuditLogEntry{
		ServerID:        r.serverID,
		PluginID:        pluginID,
		SessionID:       tctx.SessionID,
		ApprovalID:      tctx.ApprovalID,
		Operation:       operation,
		Parameters:      params,
		RiskLevel:       risk,
		Status:          status,
		Result:          summariseOutput(result),
		Error:           result.Error,
		ExecutedBy:      executedBy,
		ExecutionTimeMs: result.DurationMs,
	})
}

func (r *Registry) persistInstance(ctx context.Context, meta *models.PluginInstance) {
	if r.store == nil {
		return
	}
	if err := r.store.SavePluginInstance(ctx, meta); err != nil {
		slog.Warn("Failed to persist plugin instance", "instance", meta.ID, "error", err)
	}
}

func findTool(driver Driver, name string) *models.PluginTool {
	info := driver.Info()
	for i := range info.Tools {
		if info.Tools[i].Name == name {
			return &info.Tools[i]
		}
	}
	return nil
}

func summariseOutput(result *models.ToolResult) string {
	if !result.Success || result.Output == nil {
		return ""
	}
	s := fmt.Sprintf("%v", result.Output)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func cloneInstance(meta *models.PluginInstance) *models.PluginInstance {
	out := *meta
	return &out
}
