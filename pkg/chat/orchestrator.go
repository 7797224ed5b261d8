// Package chat drives the conversational loop between users, the LLM and
// plugin tools, surfacing approval requests and appending every turn to the
// session.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goshops-com/opsagent/pkg/approval"
	"github.com/goshops-com/opsagent/pkg/audit"
	"github.com/goshops-com/opsagent/pkg/events"
	"github.com/goshops-com/opsagent/pkg/llm"
	"github.com/goshops-com/opsagent/pkg/models"
	"github.com/goshops-com/opsagent/pkg/storage"
)

// ErrSessionClosed is returned when a message targets a non-active session.
var ErrSessionClosed = errors.New("chat session is not active")

// LLM is the model capability the orchestrator needs.
type LLM interface {
	Chat(ctx context.Context, history []llm.Message, tools []llm.ToolDef) (*llm.Response, error)
}

// Tools is the plugin-registry capability the orchestrator needs.
type Tools interface {
	ExecuteTool(ctx context.Context, instanceID, tool string, params map[string]any, tctx models.ToolContext) (*models.ToolResult, error)
	InstanceTools(instanceID string) ([]models.PluginTool, error)
	Instances() []*models.PluginInstance
}

// Approvals creates approval requests for gated tool calls.
type Approvals interface {
	Create(ctx context.Context, spec approval.CreateSpec) (*models.ApprovalRequest, error)
}

// TurnEvent is one entry in the ordered event sequence a turn produces.
// The HTTP endpoint returns the collected sequence; the WebSocket stream
// receives each as it occurs.
type TurnEvent struct {
	Type    string `json:"type"` // message, typing, tool_execution, tool_result, approval_required, error
	Payload any    `json:"payload,omitempty"`
}

// pendingCall remembers everything needed to re-invoke a gated tool once
// its approval resolves.
type pendingCall struct {
	sessionID  string
	instanceID string
	tool       string
	params     map[string]any
	userID     string
}

// Orchestrator owns chat sessions. One turn per session at a time.
type Orchestrator struct {
	serverID    string
	chatTimeout time.Duration
	model       LLM
	tools       Tools
	approvals   Approvals
	auditLog    *audit.Log
	store       storage.Store
	bus         *events.Bus

	mu sync.Mutex
	// turnLocks serialises turns per session.
	turnLocks map[string]*sync.Mutex
	// pending maps approval id to the gated call it suspended.
	pending map[string]pendingCall

	cancel context.CancelFunc
	done   chan struct{}
}

// NewOrchestrator wires the chat loop.
func NewOrchestrator(serverID string, chatTimeout time.Duration, model LLM, tools Tools, approvals Approvals, auditLog *audit.Log, store storage.Store, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		serverID:    serverID,
		chatTimeout: chatTimeout,
		model:       model,
		tools:       tools,
		approvals:   approvals,
		auditLog:    auditLog,
		store:       store,
		bus:         bus,
		turnLocks:   make(map[string]*sync.Mutex),
		pending:     make(map[string]pendingCall),
	}
}

// Start subscribes to approval resolutions so suspended tool calls resume
// (or get recorded as denied) when a human responds.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)
	o.done = make(chan struct{})
	ch, unsubscribe := o.bus.Subscribe(64)

	go func() {
		defer close(o.done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if evt.Type != events.TypeApprovalResolved && evt.Type != events.TypeApprovalExpired {
					continue
				}
				if req, ok := evt.Payload.(*models.ApprovalRequest); ok {
					o.HandleApprovalResolved(ctx, req)
				}
			}
		}
	}()
	return nil
}

// Stop ends the approval subscription. Pending calls stay pending; their
// approvals expire on their own schedule.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
		<-o.done
	}
}

// CreateSession opens a session bound to the given plugin instances and
// seeds it with the system prompt.
func (o *Orchestrator) CreateSession(ctx context.Context, title string, instanceIDs []string, createdBy string) (*models.ChatSession, error) {
	now := time.Now().UTC()
	session := &models.ChatSession{
		ID:                uuid.NewString(),
		ServerID:          o.serverID,
		Title:             title,
		Status:            models.SessionActive,
		PluginInstanceIDs: instanceIDs,
		SystemContext:     o.systemPrompt(instanceIDs),
		CreatedAt:         now,
		UpdatedAt:         now,
		CreatedBy:         createdBy,
	}
	if err := o.store.SaveChatSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save chat session: %w", err)
	}
	o.appendMessage(ctx, session.ID, &models.ChatMessage{
		Role:    models.RoleSystem,
		Content: session.SystemContext,
	})
	slog.Info("Chat session created", "session_id", session.ID, "instances", len(instanceIDs))
	return session, nil
}

// CloseSession ends a session. Its history stays readable.
func (o *Orchestrator) CloseSession(ctx context.Context, sessionID string) error {
	session, err := o.store.GetChatSession(ctx, sessionID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	session.Status = models.SessionClosed
	session.ClosedAt = &now
	session.UpdatedAt = now
	return o.store.SaveChatSession(ctx, session)
}

// SendMessage runs one full user turn and returns its ordered event
// sequence. Turns on the same session are serialised.
func (o *Orchestrator) SendMessage(ctx context.Context, sessionID, userID, content string) ([]TurnEvent, error) {
	lock := o.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := o.store.GetChatSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionActive {
		return nil, ErrSessionClosed
	}

	ctx, cancel := context.WithTimeout(ctx, o.chatTimeout)
	defer cancel()

	var turn []TurnEvent
	emit := func(evtType string, busType string, payload any) {
		turn = append(turn, TurnEvent{Type: evtType, Payload: payload})
		o.bus.Publish(busType, payload)
	}

	// Step 1: the user message joins the session before anything can fail.
	userMsg := o.appendMessage(ctx, sessionID, &models.ChatMessage{
		Role:    models.RoleUser,
		Content: content,
	})
	emit("message", events.TypeChatMessage, userMsg)
	emit("typing", events.TypeChatTyping, map[string]any{"session_id": sessionID})

	// Step 2: tool bindings from every instance attached to the session.
	defs, toolIndex := o.composeTools(session.PluginInstanceIDs)

	// Step 3: model call over the full history.
	history, err := o.loadHistory(ctx, sessionID)
	if err != nil {
		return turn, err
	}
	resp, err := o.model.Chat(ctx, history, defs)
	if err != nil {
		emit("error", events.TypeChatError, map[string]any{
			"session_id": sessionID, "error": err.Error(),
		})
		return turn, nil
	}

	if len(resp.ToolCalls) == 0 {
		assistant := o.appendMessage(ctx, sessionID, &models.ChatMessage{
			Role:    models.RoleAssistant,
			Content: resp.Content,
		})
		emit("message", events.TypeChatMessage, assistant)
		o.touchSession(ctx, session)
		return turn, nil
	}

	// Steps 4 and 5: execute tool calls, then append one assistant message
	// carrying all calls and results plus a tool message per result.
	assistant := &models.ChatMessage{
		Role:    models.RoleAssistant,
		Content: resp.Content,
	}
	var results []models.ToolCallResult
	executed := false
	for _, call := range resp.ToolCalls {
		instanceID, toolName, ok := llm.SplitToolName(call.Name)
		if !ok || toolIndex[call.Name] == "" {
			results = append(results, models.ToolCallResult{
				CallID: call.ID, Tool: call.Name,
				Result: &models.ToolResult{Success: false, Error: "unknown tool"},
			})
			continue
		}
		assistant.ToolCalls = append(assistant.ToolCalls, models.ToolCall{
			ID: call.ID, InstanceID: instanceID, Tool: toolName, Params: call.Params,
		})
		emit("tool_execution", events.TypeChatToolExecution, map[string]any{
			"session_id": sessionID, "instance_id": instanceID, "tool": toolName,
		})

		result, err := o.tools.ExecuteTool(ctx, instanceID, toolName, call.Params,
			models.ToolContext{ServerID: o.serverID, SessionID: sessionID, UserID: userID})
		if err != nil {
			result = &models.ToolResult{Success: false, Error: err.Error()}
		}

		if result.RequiresApproval && result.ApprovalRequest != nil {
			req, aerr := o.createApproval(ctx, sessionID, instanceID, userID, call, result.ApprovalRequest)
			if aerr != nil {
				result = &models.ToolResult{Success: false, Error: aerr.Error()}
			} else {
				emit("approval_required", events.TypeChatApprovalRequired, req)
			}
		} else {
			executed = executed || result.Success || result.Error != ""
		}

		results = append(results, models.ToolCallResult{CallID: call.ID, Tool: toolName, Result: result})
		emit("tool_result", events.TypeChatToolResult, map[string]any{
			"session_id": sessionID, "tool": toolName, "result": result,
		})
	}
	assistant.ToolResults = results
	o.appendMessage(ctx, sessionID, assistant)
	for _, r := range results {
		o.appendMessage(ctx, sessionID, &models.ChatMessage{
			Role:     models.RoleTool,
			Content:  serialiseResult(r),
			Metadata: map[string]any{"call_id": r.CallID, "tool": r.Tool},
		})
	}

	// Step 6: one follow-up call without tool bindings to narrate results.
	if executed {
		history, err = o.loadHistory(ctx, sessionID)
		if err == nil {
			followUp, ferr := o.model.Chat(ctx, history, nil)
			if ferr != nil {
				emit("error", events.TypeChatError, map[string]any{
					"session_id": sessionID, "error": ferr.Error(),
				})
			} else {
				narration := o.appendMessage(ctx, sessionID, &models.ChatMessage{
					Role:    models.RoleAssistant,
					Content: followUp.Content,
				})
				emit("message", events.TypeChatMessage, narration)
			}
		}
	}

	o.touchSession(ctx, session)
	return turn, nil
}

// HandleApprovalResolved reacts to a resolved approval: approved calls are
// re-invoked with the approval id set, everything else is recorded as
// denied or cancelled.
func (o *Orchestrator) HandleApprovalResolved(ctx context.Context, req *models.ApprovalRequest) {
	o.mu.Lock()
	call, ok := o.pending[req.ID]
	delete(o.pending, req.ID)
	o.mu.Unlock()
	if !ok {
		return
	}

	switch req.Status {
	case models.ApprovalApproved:
		result, err := o.tools.ExecuteTool(ctx, call.instanceID, call.tool, call.params,
			models.ToolContext{
				ServerID:   o.serverID,
				SessionID:  call.sessionID,
				UserID:     req.RespondedBy,
				ApprovalID: req.ID,
			})
		if err != nil {
			result = &models.ToolResult{Success: false, Error: err.Error()}
		}
		o.appendMessage(ctx, call.sessionID, &models.ChatMessage{
			Role:    models.RoleTool,
			Content: serialiseResult(models.ToolCallResult{Tool: call.tool, Result: result}),
			Metadata: map[string]any{
				"approval_id": req.ID, "tool": call.tool,
			},
		})
		o.bus.Publish(events.TypeChatToolResult, map[string]any{
			"session_id": call.sessionID, "tool": call.tool,
			"approval_id": req.ID, "result": result,
		})

	case models.ApprovalRejected, models.ApprovalCancelled, models.ApprovalExpired:
		status := models.AuditDenied
		if req.Status != models.ApprovalRejected {
			status = models.AuditCancelled
		}
		if o.auditLog != nil {
			o.auditLog.Record(ctx, &models.AuditLogEntry{
				ServerID:   o.serverID,
				PluginID:   req.PluginID,
				SessionID:  call.sessionID,
				ApprovalID: req.ID,
				Operation:  call.tool,
				Parameters: call.params,
				RiskLevel:  req.RiskLevel,
				Status:     status,
				ExecutedBy: req.RespondedBy,
			})
		}
		o.appendMessage(ctx, call.sessionID, &models.ChatMessage{
			Role: models.RoleSystem,
			Content: fmt.Sprintf("Tool call %s was not executed: approval %s.",
				call.tool, req.Status),
			Metadata: map[string]any{"approval_id": req.ID},
		})
	}
}

// Session returns one session.
func (o *Orchestrator) Session(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	return o.store.GetChatSession(ctx, sessionID)
}

// Sessions lists the server's sessions.
func (o *Orchestrator) Sessions(ctx context.Context) ([]*models.ChatSession, error) {
	return o.store.ListChatSessions(ctx, o.serverID)
}

// Messages returns a session's ordered messages.
func (o *Orchestrator) Messages(ctx context.Context, sessionID string) ([]*models.ChatMessage, error) {
	return o.store.ListChatMessages(ctx, sessionID)
}

func (o *Orchestrator) createApproval(ctx context.Context, sessionID, instanceID, userID string, call llm.ToolCall, spec *models.ApprovalRequestSpec) (*models.ApprovalRequest, error) {
	req, err := o.approvals.Create(ctx, approval.CreateSpec{
		ServerID:   o.serverID,
		PluginID:   instanceID,
		SessionID:  sessionID,
		Operation:  spec.Operation,
		Parameters: spec.Parameters,
		RiskLevel:  spec.RiskLevel,
		Reason:     spec.Reason,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}
	o.mu.Lock()
	o.pending[req.ID] = pendingCall{
		sessionID:  sessionID,
		instanceID: instanceID,
		tool:       spec.Operation,
		params:     spec.Parameters,
		userID:     userID,
	}
	o.mu.Unlock()
	return req, nil
}

// composeTools builds the model bindings for every tool on the session's
// instances. The returned index maps binding names back to instances.
func (o *Orchestrator) composeTools(instanceIDs []string) ([]llm.ToolDef, map[string]string) {
	var defs []llm.ToolDef
	index := make(map[string]string)
	for _, instanceID := range instanceIDs {
		tools, err := o.tools.InstanceTools(instanceID)
		if err != nil {
			slog.Warn("Skipping unavailable instance in chat session",
				"instance", instanceID, "error", err)
			continue
		}
		for _, tool := range tools {
			def := llm.BuildToolDef(instanceID, tool)
			defs = append(defs, def)
			index[def.Name] = instanceID
		}
	}
	return defs, index
}

func (o *Orchestrator) systemPrompt(instanceIDs []string) string {
	var b strings.Builder
	b.WriteString("You are a server operations assistant with access to diagnostic and maintenance tools.\n")

	byID := make(map[string]*models.PluginInstance)
	for _, inst := range o.tools.Instances() {
		byID[inst.ID] = inst
	}
	if len(instanceIDs) > 0 {
		b.WriteString("\nConnected backends:\n")
		for _, id := range instanceIDs {
			if inst, ok := byID[id]; ok {
				fmt.Fprintf(&b, "- %s (plugin %s, health %s)\n", inst.ID, inst.PluginID, inst.HealthStatus)
			}
		}
	}
	b.WriteString(`
Guidelines:
- Prefer low-risk read tools to investigate before proposing changes.
- Medium and higher risk tools require human approval; explain why an
  operation is needed when you request one.
- Never guess at destructive parameters. Confirm identifiers with read
  tools first.`)
	return b.String()
}

func (o *Orchestrator) loadHistory(ctx context.Context, sessionID string) ([]llm.Message, error) {
	msgs, err := o.store.ListChatMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		lm := llm.Message{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			lm.ToolCalls = append(lm.ToolCalls, llm.ToolCall{
				ID:     tc.ID,
				Name:   llm.ToolName(tc.InstanceID, tc.Tool),
				Params: tc.Params,
			})
		}
		if m.Role == models.RoleTool {
			if callID, ok := m.Metadata["call_id"].(string); ok {
				lm.ToolCallID = callID
			}
		}
		out = append(out, lm)
	}
	return out, nil
}

func (o *Orchestrator) appendMessage(ctx context.Context, sessionID string, msg *models.ChatMessage) *models.ChatMessage {
	msg.ID = uuid.NewString()
	msg.SessionID = sessionID
	msg.CreatedAt = time.Now().UTC()
	if err := o.store.AddChatMessage(ctx, msg); err != nil {
		slog.Warn("Failed to persist chat message", "session_id", sessionID, "error", err)
	}
	return msg
}

func (o *Orchestrator) touchSession(ctx context.Context, session *models.ChatSession) {
	session.UpdatedAt = time.Now().UTC()
	if err := o.store.SaveChatSession(ctx, session); err != nil {
		slog.Warn("Failed to update chat session", "session_id", session.ID, "error", err)
	}
}

func (o *Orchestrator) sessionLock(sessionID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.turnLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		o.turnLocks[sessionID] = lock
	}
	return lock
}

func serialiseResult(r models.ToolCallResult) string {
	data, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Sprintf("tool %s: unserialisable result", r.Tool)
	}
	return string(data)
}
