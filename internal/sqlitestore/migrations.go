package sqlitestore

type migration struct {
	version int
	sql     string
}

// migrations must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_states (
	account_id         TEXT PRIMARY KEY,
	cursor             TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	synced_count       INTEGER NOT NULL DEFAULT 0,
	total_count        INTEGER NOT NULL DEFAULT 0,
	continuation_count INTEGER NOT NULL DEFAULT 0,
	max_continuations  INTEGER NOT NULL,
	last_activity_at   INTEGER NOT NULL DEFAULT 0,
	last_error         TEXT NOT NULL DEFAULT '',
	last_error_kind    TEXT NOT NULL DEFAULT '',
	retry_count        INTEGER NOT NULL DEFAULT 0,
	webhook_id         TEXT NOT NULL DEFAULT '',
	webhook_status     TEXT NOT NULL DEFAULT '',
	suppress_webhooks  INTEGER NOT NULL DEFAULT 0,
	run_id             TEXT NOT NULL DEFAULT '',
	lease_id           TEXT NOT NULL DEFAULT '',
	lease_expires_at   INTEGER NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	account_id              TEXT PRIMARY KEY,
	access_token            TEXT NOT NULL,
	refresh_token           TEXT NOT NULL,
	expires_at              INTEGER NOT NULL,
	last_refreshed_at       INTEGER NOT NULL DEFAULT 0,
	last_refresh_attempt_at INTEGER NOT NULL DEFAULT 0,
	last_refresh_error      TEXT NOT NULL DEFAULT '',
	updated_at              INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_credentials_expires_at ON credentials(expires_at);

CREATE TABLE IF NOT EXISTS webhook_events (
	external_event_id TEXT PRIMARY KEY,
	account_id        TEXT NOT NULL,
	event_type        TEXT NOT NULL DEFAULT '',
	payload           TEXT NOT NULL DEFAULT '',
	received_at       INTEGER NOT NULL,
	processed         INTEGER NOT NULL DEFAULT 0,
	processed_at      INTEGER NOT NULL DEFAULT 0,
	attempts          INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT '',
	dead_lettered     INTEGER NOT NULL DEFAULT 0,
	expires_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_events_pending
	ON webhook_events(processed, dead_lettered, received_at);
CREATE INDEX IF NOT EXISTS idx_webhook_events_expires_at ON webhook_events(expires_at);

CREATE TABLE IF NOT EXISTS mirror_items (
	account_id       TEXT NOT NULL,
	provider_item_id TEXT NOT NULL,
	kind             TEXT NOT NULL,
	thread_id        TEXT NOT NULL DEFAULT '',
	subject          TEXT NOT NULL DEFAULT '',
	from_addr        TEXT NOT NULL DEFAULT '',
	snippet          TEXT NOT NULL DEFAULT '',
	labels           TEXT NOT NULL DEFAULT '[]',
	received_at      INTEGER NOT NULL DEFAULT 0,
	deleted          INTEGER NOT NULL DEFAULT 0,
	content_hash     TEXT NOT NULL,
	source           TEXT NOT NULL DEFAULT '',
	updated_at       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, provider_item_id)
);
`,
	},
}
