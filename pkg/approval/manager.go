// Package approval gates non-low-risk tool executions behind human
// responses, with timed expiry of unanswered requests.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goshops-com/opsagent/pkg/events"
	"github.com/goshops-com/opsagent/pkg/models"
	"github.com/goshops-com/opsagent/pkg/storage"
)

// terminal entries older than this are dropped from the in-memory index;
// the audit log keeps the authoritative record.
const terminalRetention = 24 * time.Hour

var (
	// ErrNotFound is returned for unknown approval ids.
	ErrNotFound = errors.New("approval request not found")

	// ErrStaleState is returned when a transition races a prior one: the
	// first transition wins.
	ErrStaleState = errors.New("approval request is not pending")
)

// CreateSpec is the input to Create.
type CreateSpec struct {
	ServerID   string
	PluginID   string
	SessionID  string
	MessageID  string
	Operation  string
	Parameters map[string]any
	RiskLevel  models.RiskLevel
	Reason     string
	ExpiresAt  time.Time // zero means requestedAt + default expiry
}

// Manager owns the approval state machine. All transitions are serialised
// per manager; the first transition on a request wins.
type Manager struct {
	defaultExpiry   time.Duration
	cleanupInterval time.Duration
	bus             *events.Bus
	store           storage.Store

	mu       sync.Mutex
	requests map[string]*models.ApprovalRequest

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates an approval manager.
func NewManager(defaultExpiry, cleanupInterval time.Duration, bus *events.Bus, store storage.Store) *Manager {
	return &Manager{
		defaultExpiry:   defaultExpiry,
		cleanupInterval: cleanupInterval,
		bus:             bus,
		store:           store,
		requests:        make(map[string]*models.ApprovalRequest),
	}
}

// Start launches the expiry worker.
func (m *Manager) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

// Stop halts the expiry worker.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// Create registers a new pending request and emits approval:created.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (*models.ApprovalRequest, error) {
	now := time.Now().UTC()
	expires := spec.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(m.defaultExpiry)
	}
	req := &models.ApprovalRequest{
		ID:          uuid.NewString(),
		ServerID:    spec.ServerID,
		SessionID:   spec.SessionID,
		PluginID:    spec.PluginID,
		MessageID:   spec.MessageID,
		Operation:   spec.Operation,
		Parameters:  spec.Parameters,
		RiskLevel:   spec.RiskLevel,
		Reason:      spec.Reason,
		Status:      models.ApprovalPending,
		RequestedAt: now,
		ExpiresAt:   expires,
	}

	m.mu.Lock()
	m.requests[req.ID] = req
	m.mu.Unlock()

	m.persist(ctx, req)
	m.bus.Publish(events.TypeApprovalCreated, req)
	slog.Info("Approval request created",
		"approval_id", req.ID, "operation", req.Operation, "risk", req.RiskLevel)
	return req, nil
}

// Approve resolves a pending request positively.
func (m *Manager) Approve(ctx context.Context, id, approvedBy, reason string) (*models.ApprovalRequest, error) {
	return m.respond(ctx, id, models.ApprovalApproved, approvedBy, reason)
}

// Reject resolves a pending request negatively.
func (m *Manager) Reject(ctx context.Context, id, rejectedBy, reason string) (*models.ApprovalRequest, error) {
	return m.respond(ctx, id, models.ApprovalRejected, rejectedBy, reason)
}

// Cancel withdraws a pending request, typically on session close.
func (m *Manager) Cancel(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return m.respond(ctx, id, models.ApprovalCancelled, "", "")
}

// Get returns a request by id.
func (m *Manager) Get(id string) (*models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *req
	return &out, nil
}

// Pending returns all pending requests, optionally scoped to a server.
func (m *Manager) Pending(serverID string) []*models.ApprovalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ApprovalRequest
	for _, req := range m.requests {
		if req.Status != models.ApprovalPending {
			continue
		}
		if serverID != "" && req.ServerID != serverID {
			continue
		}
		clone := *req
		out = append(out, &clone)
	}
	return out
}

// List returns requests matching the filter from the in-memory window
// (pending plus recently resolved), falling back to the store for history.
func (m *Manager) List(ctx context.Context, filter storage.ApprovalFilter) ([]*models.ApprovalRequest, error) {
	if m.store != nil {
		return m.store.ListApprovals(ctx, filter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ApprovalRequest
	for _, req := range m.requests {
		if filter.ServerID != "" && req.ServerID != filter.ServerID {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		clone := *req
		out = append(out, &clone)
	}
	return out, nil
}

func (m *Manager) respond(ctx context.Context, id string, status models.ApprovalStatus, by, reason string) (*models.ApprovalRequest, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	req, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if req.Status != models.ApprovalPending {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: status is %s", ErrStaleState, req.Status)
	}
	if now.After(req.ExpiresAt) {
		// The cleanup timer has not run yet, but the request is already
		// past its deadline.
		m.expireLocked(ctx, req, now)
		clone := *req
		m.mu.Unlock()
		m.bus.Publish(events.TypeApprovalExpired, &clone)
		return nil, fmt.Errorf("%w: request expired", ErrStaleState)
	}

	req.Status = status
	req.RespondedAt = &now
	req.RespondedBy = by
	req.ResponseReason = reason
	out := *req
	m.mu.Unlock()

	m.persist(ctx, &out)
	m.bus.Publish(events.TypeApprovalResolved, &out)
	slog.Info("Approval request resolved",
		"approval_id", id, "status", status, "by", by)
	return &out, nil
}

// sweep expires overdue pending requests and garbage-collects old terminal
// entries from the index.
func (m *Manager) sweep(ctx context.Context) {
	now := time.Now().UTC()

	m.mu.Lock()
	var expired []*models.ApprovalRequest
	for id, req := range m.requests {
		switch {
		case req.Status == models.ApprovalPending && now.After(req.ExpiresAt):
			m.expireLocked(ctx, req, now)
			clone := *req
			expired = append(expired, &clone)
		case req.Status.Terminal() && req.RespondedAt != nil &&
			now.Sub(*req.RespondedAt) > terminalRetention:
			delete(m.requests, id)
		}
	}
	m.mu.Unlock()

	for _, req := range expired {
		m.bus.Publish(events.TypeApprovalExpired, req)
		slog.Info("Approval request expired", "approval_id", req.ID)
	}
}

func (m *Manager) expireLocked(ctx context.Context, req *models.ApprovalRequest, now time.Time) {
	req.Status = models.ApprovalExpired
	req.RespondedAt = &now
	m.persist(ctx, req)
}

func (m *Manager) persist(ctx context.Context, req *models.ApprovalRequest) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveApproval(ctx, req); err != nil {
		slog.Warn("Failed to persist approval request", "approval_id", req.ID, "error", err)
	}
}
