package storage

// schema is applied on open. Every statement is idempotent so upgrades of
// additive columns happen through new CREATE TABLE defaults plus ALTERs
// handled out of band.
const schema = `
PRAGMA journal_mode = WAL;
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS servers (
	id            TEXT PRIMARY KEY,
	hostname      TEXT NOT NULL,
	ip            TEXT NOT NULL DEFAULT '',
	os            TEXT NOT NULL DEFAULT '',
	first_seen_at TIMESTAMP NOT NULL,
	last_seen_at  TIMESTAMP NOT NULL,
	status        TEXT NOT NULL DEFAULT 'online'
);

CREATE TABLE IF NOT EXISTS alerts (
	id            TEXT PRIMARY KEY,
	server_id     TEXT NOT NULL REFERENCES servers(id),
	fingerprint   TEXT NOT NULL,
	severity      TEXT NOT NULL,
	message       TEXT NOT NULL,
	metric        TEXT NOT NULL,
	current_value REAL NOT NULL,
	threshold     REAL NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL,
	resolved_at   TIMESTAMP,
	acknowledged  INTEGER NOT NULL DEFAULT 0,
	source        TEXT NOT NULL DEFAULT 'rules',
	metadata      TEXT
);
CREATE INDEX IF NOT EXISTS idx_alerts_server ON alerts(server_id, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_fingerprint ON alerts(fingerprint);

CREATE TABLE IF NOT EXISTS agent_responses (
	id                       TEXT PRIMARY KEY,
	server_id                TEXT NOT NULL REFERENCES servers(id),
	alert_id                 TEXT NOT NULL UNIQUE,
	issue_id                 TEXT,
	analysis                 TEXT NOT NULL DEFAULT '',
	can_auto_remediate       INTEGER NOT NULL DEFAULT 0,
	requires_human_attention INTEGER NOT NULL DEFAULT 0,
	actions                  TEXT,
	created_at               TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_responses_server ON agent_responses(server_id, created_at);

CREATE TABLE IF NOT EXISTS metrics_snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	server_id  TEXT NOT NULL REFERENCES servers(id),
	taken_at   TIMESTAMP NOT NULL,
	sample     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_server ON metrics_snapshots(server_id, taken_at);

CREATE TABLE IF NOT EXISTS issues (
	id            TEXT PRIMARY KEY,
	server_id     TEXT NOT NULL REFERENCES servers(id),
	fingerprint   TEXT NOT NULL,
	title         TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	severity      TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'open',
	source        TEXT NOT NULL DEFAULT 'rules',
	first_seen_at TIMESTAMP NOT NULL,
	last_seen_at  TIMESTAMP NOT NULL,
	resolved_at   TIMESTAMP,
	alert_count   INTEGER NOT NULL DEFAULT 1,
	metadata      TEXT
);
CREATE INDEX IF NOT EXISTS idx_issues_server ON issues(server_id, last_seen_at);
CREATE INDEX IF NOT EXISTS idx_issues_fingerprint ON issues(server_id, fingerprint, status);

CREATE TABLE IF NOT EXISTS issue_comments (
	id           TEXT PRIMARY KEY,
	issue_id     TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
	author_type  TEXT NOT NULL,
	author_name  TEXT NOT NULL DEFAULT '',
	comment_type TEXT NOT NULL,
	content      TEXT NOT NULL,
	metadata     TEXT,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_comments_issue ON issue_comments(issue_id, created_at);

CREATE TABLE IF NOT EXISTS plugins (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	version      TEXT NOT NULL DEFAULT '',
	type         TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	capabilities TEXT,
	tools        TEXT
);

CREATE TABLE IF NOT EXISTS plugin_instances (
	id                TEXT PRIMARY KEY,
	server_id         TEXT NOT NULL REFERENCES servers(id),
	plugin_id         TEXT NOT NULL REFERENCES plugins(id),
	config            TEXT NOT NULL DEFAULT '{}',
	status            TEXT NOT NULL DEFAULT 'active',
	health_status     TEXT NOT NULL DEFAULT 'unknown',
	health_message    TEXT NOT NULL DEFAULT '',
	enabled           INTEGER NOT NULL DEFAULT 1,
	last_health_check TIMESTAMP,
	created_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_server ON plugin_instances(server_id);

CREATE TABLE IF NOT EXISTS chat_sessions (
	id                  TEXT PRIMARY KEY,
	server_id           TEXT NOT NULL REFERENCES servers(id),
	title               TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'active',
	plugin_instance_ids TEXT,
	system_context      TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL,
	closed_at           TIMESTAMP,
	created_by          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_server ON chat_sessions(server_id, updated_at);

CREATE TABLE IF NOT EXISTS chat_messages (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	tool_calls   TEXT,
	tool_results TEXT,
	metadata     TEXT,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(session_id, created_at);

CREATE TABLE IF NOT EXISTS approval_requests (
	id              TEXT PRIMARY KEY,
	server_id       TEXT NOT NULL,
	session_id      TEXT,
	plugin_id       TEXT NOT NULL,
	message_id      TEXT,
	operation       TEXT NOT NULL,
	parameters      TEXT,
	risk_level      TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending',
	requested_at    TIMESTAMP NOT NULL,
	responded_at    TIMESTAMP,
	responded_by    TEXT,
	response_reason TEXT,
	expires_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approval_requests(status, expires_at);

CREATE TABLE IF NOT EXISTS plugin_audit_log (
	id                TEXT PRIMARY KEY,
	server_id         TEXT NOT NULL,
	plugin_id         TEXT NOT NULL,
	session_id        TEXT,
	approval_id       TEXT,
	operation         TEXT NOT NULL,
	parameters        TEXT,
	risk_level        TEXT NOT NULL,
	status            TEXT NOT NULL,
	result            TEXT,
	error             TEXT,
	executed_by       TEXT NOT NULL DEFAULT '',
	execution_time_ms INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_server ON plugin_audit_log(server_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_plugin ON plugin_audit_log(plugin_id, created_at);
`
