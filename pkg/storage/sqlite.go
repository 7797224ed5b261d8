package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/goshops-com/opsagent/pkg/models"
)

// SQLiteStore implements Store over a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The modernc driver serialises access per connection; a single
	// connection avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	slog.Info("Storage opened", "path", path)
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// jsonText marshals v for a TEXT column; nil and empty maps store as NULL.
func jsonText(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	text := string(data)
	if text == "null" || text == "{}" || text == "[]" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: text, Valid: true}, nil
}

// jsonScan unmarshals a nullable TEXT column into target, leaving target
// untouched when the column is NULL.
func jsonScan(src sql.NullString, target any) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), target)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// --- Servers ---

func (s *SQLiteStore) UpsertServer(ctx context.Context, server *models.Server) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO servers (id, hostname, ip, os, first_seen_at, last_seen_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname = excluded.hostname,
			ip = excluded.ip,
			os = excluded.os,
			last_seen_at = excluded.last_seen_at,
			status = excluded.status`,
		server.ID, server.Hostname, server.IP, server.OS,
		server.FirstSeenAt, server.LastSeenAt, server.Status)
	if err != nil {
		return fmt.Errorf("failed to upsert server: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TouchServer(ctx context.Context, serverID string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE servers SET last_seen_at = ?, status = 'online' WHERE id = ?`,
		seenAt, serverID)
	if err != nil {
		return fmt.Errorf("failed to touch server: %w", err)
	}
	return nil
}

// --- Alerts ---

func (s *SQLiteStore) InsertAlert(ctx context.Context, alert *models.Alert) error {
	meta, err := jsonText(alert.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal alert metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, server_id, fingerprint, severity, message, metric,
			current_value, threshold, created_at, updated_at, resolved_at,
			acknowledged, source, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.ServerID, alert.Fingerprint, alert.Severity, alert.Message,
		alert.Metric, alert.CurrentValue, alert.Threshold, alert.CreatedAt,
		alert.UpdatedAt, nullTime(alert.ResolvedAt), alert.Acknowledged,
		alert.Source, meta)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateAlert(ctx context.Context, alert *models.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET current_value = ?, severity = ?, updated_at = ? WHERE id = ?`,
		alert.CurrentValue, alert.Severity, alert.UpdatedAt, alert.ID)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ResolveAlert(ctx context.Context, alertID string, resolvedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET resolved_at = ?, updated_at = ? WHERE id = ?`,
		resolvedAt, resolvedAt, alertID)
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AcknowledgeAlert(ctx context.Context, alertID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET acknowledged = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), alertID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	return nil
}

// --- Agent responses ---

func (s *SQLiteStore) SaveAgentResponse(ctx context.Context, resp *models.AgentResponse) error {
	actions, err := jsonText(resp.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal agent actions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_responses (id, server_id, alert_id, issue_id, analysis,
			can_auto_remediate, requires_human_attention, actions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(alert_id) DO UPDATE SET
			analysis = excluded.analysis,
			can_auto_remediate = excluded.can_auto_remediate,
			requires_human_attention = excluded.requires_human_attention,
			actions = excluded.actions`,
		resp.ID, resp.ServerID, resp.AlertID, nullString(resp.IssueID),
		resp.Analysis, resp.CanAutoRemediate, resp.RequiresHumanAttention,
		actions, resp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save agent response: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgentResponseByAlert(ctx context.Context, alertID string) (*models.AgentResponse, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, server_id, alert_id, issue_id, analysis, can_auto_remediate,
			requires_human_attention, actions, created_at
		FROM agent_responses WHERE alert_id = ?`, alertID)
	resp, err := scanAgentResponse(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent response: %w", err)
	}
	return resp, nil
}

func (s *SQLiteStore) ListAgentResponses(ctx context.Context, serverID string, limit int) ([]*models.AgentResponse, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_id, alert_id, issue_id, analysis, can_auto_remediate,
			requires_human_attention, actions, created_at
		FROM agent_responses WHERE server_id = ?
		ORDER BY created_at DESC LIMIT ?`, serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent responses: %w", err)
	}
	defer rows.Close()

	var out []*models.AgentResponse
	for rows.Next() {
		resp, err := scanAgentResponse(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent response: %w", err)
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}

func scanAgentResponse(row interface{ Scan(...any) error }) (*models.AgentResponse, error) {
	var resp models.AgentResponse
	var issueID, actions sql.NullString
	err := row.Scan(&resp.ID, &resp.ServerID, &resp.AlertID, &issueID,
		&resp.Analysis, &resp.CanAutoRemediate, &resp.RequiresHumanAttention,
		&actions, &resp.CreatedAt)
	if err != nil {
		return nil, err
	}
	resp.IssueID = issueID.String
	if err := jsonScan(actions, &resp.Actions); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Metrics snapshots ---

func (s *SQLiteStore) InsertMetricsSnapshot(ctx context.Context, serverID string, sample *models.MetricSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics sample: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO metrics_snapshots (server_id, taken_at, sample) VALUES (?, ?, ?)`,
		serverID, sample.Timestamp, string(data))
	if err != nil {
		return fmt.Errorf("failed to insert metrics snapshot: %w", err)
	}
	return nil
}

// --- Issues ---

func (s *SQLiteStore) CreateIssue(ctx context.Context, issue *models.Issue) error {
	meta, err := jsonText(issue.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal issue metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO issues (id, server_id, fingerprint, title, description, severity,
			status, source, first_seen_at, last_seen_at, resolved_at, alert_count, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.ID, issue.ServerID, issue.Fingerprint, issue.Title, issue.Description,
		issue.Severity, issue.Status, issue.Source, issue.FirstSeenAt,
		issue.LastSeenAt, nullTime(issue.ResolvedAt), issue.AlertCount, meta)
	if err != nil {
		return fmt.Errorf("failed to create issue: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateIssue(ctx context.Context, issue *models.Issue) error {
	meta, err := jsonText(issue.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal issue metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE issues SET title = ?, description = ?, severity = ?, status = ?,
			last_seen_at = ?, resolved_at = ?, alert_count = ?, metadata = ?
		WHERE id = ?`,
		issue.Title, issue.Description, issue.Severity, issue.Status,
		issue.LastSeenAt, nullTime(issue.ResolvedAt), issue.AlertCount, meta, issue.ID)
	if err != nil {
		return fmt.Errorf("failed to update issue: %w", err)
	}
	return nil
}

const issueColumns = `id, server_id, fingerprint, title, description, severity,
	status, source, first_seen_at, last_seen_at, resolved_at, alert_count, metadata`

func scanIssue(row interface{ Scan(...any) error }) (*models.Issue, error) {
	var issue models.Issue
	var resolvedAt sql.NullTime
	var meta sql.NullString
	err := row.Scan(&issue.ID, &issue.ServerID, &issue.Fingerprint, &issue.Title,
		&issue.Description, &issue.Severity, &issue.Status, &issue.Source,
		&issue.FirstSeenAt, &issue.LastSeenAt, &resolvedAt, &issue.AlertCount, &meta)
	if err != nil {
		return nil, err
	}
	issue.ResolvedAt = timePtr(resolvedAt)
	if err := jsonScan(meta, &issue.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal issue metadata: %w", err)
	}
	return &issue, nil
}

func (s *SQLiteStore) GetIssue(ctx context.Context, issueID string) (*models.Issue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE id = ?`, issueID)
	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issue: %w", err)
	}
	return issue, nil
}

func (s *SQLiteStore) GetActiveIssueByFingerprint(ctx context.Context, serverID, fingerprint string) (*models.Issue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+issueColumns+` FROM issues
		WHERE server_id = ? AND fingerprint = ? AND status IN ('open', 'investigating')
		ORDER BY last_seen_at DESC LIMIT 1`,
		serverID, fingerprint)
	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up active issue: %w", err)
	}
	return issue, nil
}

func (s *SQLiteStore) ListIssues(ctx context.Context, serverID string, limit int) ([]*models.Issue, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+` FROM issues
		WHERE server_id = ? ORDER BY last_seen_at DESC LIMIT ?`,
		serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	var issues []*models.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

func (s *SQLiteStore) AddIssueComment(ctx context.Context, comment *models.IssueComment) error {
	meta, err := jsonText(comment.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal comment metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO issue_comments (id, issue_id, author_type, author_name,
			comment_type, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		comment.ID, comment.IssueID, comment.AuthorType, comment.AuthorName,
		comment.Type, comment.Content, meta, comment.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add issue comment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListIssueComments(ctx context.Context, issueID string) ([]*models.IssueComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, author_type, author_name, comment_type, content,
			metadata, created_at
		FROM issue_comments WHERE issue_id = ? ORDER BY rowid ASC`,
		issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to list issue comments: %w", err)
	}
	defer rows.Close()

	var comments []*models.IssueComment
	for rows.Next() {
		var c models.IssueComment
		var meta sql.NullString
		if err := rows.Scan(&c.ID, &c.IssueID, &c.AuthorType, &c.AuthorName,
			&c.Type, &c.Content, &meta, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan issue comment: %w", err)
		}
		if err := jsonScan(meta, &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal comment metadata: %w", err)
		}
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

// --- Plugins ---

func (s *SQLiteStore) UpsertPlugin(ctx context.Context, plugin *models.Plugin) error {
	caps, err := jsonText(plugin.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal plugin capabilities: %w", err)
	}
	tools, err := jsonText(plugin.Tools)
	if err != nil {
		return fmt.Errorf("failed to marshal plugin tools: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plugins (id, name, version, type, description, capabilities, tools)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			type = excluded.type,
			description = excluded.description,
			capabilities = excluded.capabilities,
			tools = excluded.tools`,
		plugin.ID, plugin.Name, plugin.Version, plugin.Type, plugin.Description,
		caps, tools)
	if err != nil {
		return fmt.Errorf("failed to upsert plugin: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SavePluginInstance(ctx context.Context, inst *models.PluginInstance) error {
	cfg, err := json.Marshal(inst.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal instance config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plugin_instances (id, server_id, plugin_id, config, status,
			health_status, health_message, enabled, last_health_check, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			config = excluded.config,
			status = excluded.status,
			health_status = excluded.health_status,
			health_message = excluded.health_message,
			enabled = excluded.enabled,
			last_health_check = excluded.last_health_check`,
		inst.ID, inst.ServerID, inst.PluginID, string(cfg), inst.Status,
		inst.HealthStatus, inst.HealthMessage, inst.Enabled,
		inst.LastHealthCheck, inst.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save plugin instance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeletePluginInstance(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM plugin_instances WHERE id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("failed to delete plugin instance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPluginInstances(ctx context.Context, serverID string) ([]*models.PluginInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_id, plugin_id, config, status, health_status,
			health_message, enabled, last_health_check, created_at
		FROM plugin_instances WHERE server_id = ? ORDER BY created_at ASC`,
		serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plugin instances: %w", err)
	}
	defer rows.Close()

	var instances []*models.PluginInstance
	for rows.Next() {
		var inst models.PluginInstance
		var cfg string
		var lastCheck sql.NullTime
		if err := rows.Scan(&inst.ID, &inst.ServerID, &inst.PluginID, &cfg,
			&inst.Status, &inst.HealthStatus, &inst.HealthMessage, &inst.Enabled,
			&lastCheck, &inst.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plugin instance: %w", err)
		}
		if err := json.Unmarshal([]byte(cfg), &inst.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal instance config: %w", err)
		}
		if lastCheck.Valid {
			inst.LastHealthCheck = lastCheck.Time
		}
		instances = append(instances, &inst)
	}
	return instances, rows.Err()
}

// --- Chat ---

func (s *SQLiteStore) SaveChatSession(ctx context.Context, session *models.ChatSession) error {
	ids, err := jsonText(session.PluginInstanceIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal session instance ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, server_id, title, status, plugin_instance_ids,
			system_context, created_at, updated_at, closed_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			updated_at = excluded.updated_at,
			closed_at = excluded.closed_at`,
		session.ID, session.ServerID, session.Title, session.Status, ids,
		session.SystemContext, session.CreatedAt, session.UpdatedAt,
		nullTime(session.ClosedAt), session.CreatedBy)
	if err != nil {
		return fmt.Errorf("failed to save chat session: %w", err)
	}
	return nil
}

const sessionColumns = `id, server_id, title, status, plugin_instance_ids,
	system_context, created_at, updated_at, closed_at, created_by`

func scanSession(row interface{ Scan(...any) error }) (*models.ChatSession, error) {
	var sess models.ChatSession
	var ids sql.NullString
	var closedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.ServerID, &sess.Title, &sess.Status, &ids,
		&sess.SystemContext, &sess.CreatedAt, &sess.UpdatedAt, &closedAt,
		&sess.CreatedBy)
	if err != nil {
		return nil, err
	}
	sess.ClosedAt = timePtr(closedAt)
	if err := jsonScan(ids, &sess.PluginInstanceIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session instance ids: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) GetChatSession(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListChatSessions(ctx context.Context, serverID string) ([]*models.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM chat_sessions
		WHERE server_id = ? ORDER BY updated_at DESC`,
		serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.ChatSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) DeleteChatSession(ctx context.Context, sessionID string) error {
	// Messages cascade via the foreign key.
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete chat session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	calls, err := jsonText(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	results, err := jsonText(msg.ToolResults)
	if err != nil {
		return fmt.Errorf("failed to marshal tool results: %w", err)
	}
	meta, err := jsonText(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal message metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, tool_calls,
			tool_results, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, calls, results, meta,
		msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add chat message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListChatMessages(ctx context.Context, sessionID string) ([]*models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tool_calls, tool_results,
			metadata, created_at
		FROM chat_messages WHERE session_id = ? ORDER BY rowid ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.ChatMessage
	for rows.Next() {
		var msg models.ChatMessage
		var calls, results, meta sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&calls, &results, &meta, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		if err := jsonScan(calls, &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
		}
		if err := jsonScan(results, &msg.ToolResults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool results: %w", err)
		}
		if err := jsonScan(meta, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message metadata: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// --- Approvals ---

func (s *SQLiteStore) SaveApproval(ctx context.Context, req *models.ApprovalRequest) error {
	params, err := jsonText(req.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal approval parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, server_id, session_id, plugin_id,
			message_id, operation, parameters, risk_level, reason, status,
			requested_at, responded_at, responded_by, response_reason, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			responded_at = excluded.responded_at,
			responded_by = excluded.responded_by,
			response_reason = excluded.response_reason`,
		req.ID, req.ServerID, nullString(req.SessionID), req.PluginID,
		nullString(req.MessageID), req.Operation, params, req.RiskLevel,
		req.Reason, req.Status, req.RequestedAt, nullTime(req.RespondedAt),
		nullString(req.RespondedBy), nullString(req.ResponseReason), req.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save approval request: %w", err)
	}
	return nil
}

const approvalColumns = `id, server_id, session_id, plugin_id, message_id,
	operation, parameters, risk_level, reason, status, requested_at,
	responded_at, responded_by, response_reason, expires_at`

func scanApproval(row interface{ Scan(...any) error }) (*models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	var sessionID, messageID, params, respondedBy, responseReason sql.NullString
	var respondedAt sql.NullTime
	err := row.Scan(&req.ID, &req.ServerID, &sessionID, &req.PluginID, &messageID,
		&req.Operation, &params, &req.RiskLevel, &req.Reason, &req.Status,
		&req.RequestedAt, &respondedAt, &respondedBy, &responseReason,
		&req.ExpiresAt)
	if err != nil {
		return nil, err
	}
	req.SessionID = sessionID.String
	req.MessageID = messageID.String
	req.RespondedAt = timePtr(respondedAt)
	req.RespondedBy = respondedBy.String
	req.ResponseReason = responseReason.String
	if err := jsonScan(params, &req.Parameters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal approval parameters: %w", err)
	}
	return &req, nil
}

func (s *SQLiteStore) GetApproval(ctx context.Context, approvalID string) (*models.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, approvalID)
	req, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval request: %w", err)
	}
	return req, nil
}

func (s *SQLiteStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*models.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests`
	var conds []string
	var args []any
	if filter.ServerID != "" {
		conds = append(conds, "server_id = ?")
		args = append(args, filter.ServerID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY requested_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval requests: %w", err)
	}
	defer rows.Close()

	var requests []*models.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// --- Audit ---

func (s *SQLiteStore) AppendAuditEntry(ctx context.Context, entry *models.AuditLogEntry) error {
	params, err := jsonText(entry.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal audit parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plugin_audit_log (id, server_id, plugin_id, session_id,
			approval_id, operation, parameters, risk_level, status, result,
			error, executed_by, execution_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ServerID, entry.PluginID, nullString(entry.SessionID),
		nullString(entry.ApprovalID), entry.Operation, params, entry.RiskLevel,
		entry.Status, nullString(entry.Result), nullString(entry.Error),
		entry.ExecutedBy, entry.ExecutionTimeMs, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) QueryAudit(ctx context.Context, filter AuditFilter) ([]*models.AuditLogEntry, error) {
	query := `SELECT id, server_id, plugin_id, session_id, approval_id, operation,
		parameters, risk_level, status, result, error, executed_by,
		execution_time_ms, created_at
	FROM plugin_audit_log`
	var conds []string
	var args []any
	if filter.ServerID != "" {
		conds = append(conds, "server_id = ?")
		args = append(args, filter.ServerID)
	}
	if filter.PluginID != "" {
		conds = append(conds, "plugin_id = ?")
		args = append(args, filter.PluginID)
	}
	if filter.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.RiskLevel != "" {
		conds = append(conds, "risk_level = ?")
		args = append(args, filter.RiskLevel)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		var sessionID, approvalID, params, result, execErr sql.NullString
		if err := rows.Scan(&e.ID, &e.ServerID, &e.PluginID, &sessionID,
			&approvalID, &e.Operation, &params, &e.RiskLevel, &e.Status,
			&result, &execErr, &e.ExecutedBy, &e.ExecutionTimeMs,
			&e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.SessionID = sessionID.String
		e.ApprovalID = approvalID.String
		e.Result = result.String
		e.Error = execErr.String
		if err := jsonScan(params, &e.Parameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit parameters: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
