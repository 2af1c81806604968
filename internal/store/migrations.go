package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create kv",
		SQL: `
			CREATE TABLE kv (
				key         TEXT PRIMARY KEY,
				value       BLOB NOT NULL,
				updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
			);
		`,
	},
	{
		Version: 2,
		Name:    "create conversations and chat messages",
		SQL: `
			CREATE TABLE conversations (
				id              TEXT PRIMARY KEY,
				customer_name   TEXT NOT NULL,
				customer_email  TEXT NOT NULL DEFAULT '',
				category        TEXT NOT NULL DEFAULT 'general',
				status          TEXT NOT NULL DEFAULT 'open',
				assigned_agent  TEXT NOT NULL DEFAULT '',
				created_at      TEXT NOT NULL,
				updated_at      TEXT NOT NULL
			);

			CREATE INDEX idx_conversations_updated ON conversations (updated_at DESC);

			CREATE TABLE chat_messages (
				seq              INTEGER PRIMARY KEY AUTOINCREMENT,
				id               TEXT NOT NULL UNIQUE,
				conversation_id  TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				sender           TEXT NOT NULL,
				sender_id        TEXT NOT NULL DEFAULT '',
				text             TEXT NOT NULL DEFAULT '',
				media_kind       TEXT NOT NULL DEFAULT '',
				media_url        TEXT NOT NULL DEFAULT '',
				media_name       TEXT NOT NULL DEFAULT '',
				media_size       INTEGER NOT NULL DEFAULT 0,
				media_mime       TEXT NOT NULL DEFAULT '',
				timestamp        TEXT NOT NULL
			);

			CREATE INDEX idx_chat_messages_conversation ON chat_messages (conversation_id, seq);
		`,
	},
}
