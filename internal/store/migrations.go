package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL UNIQUE,
	host        TEXT NOT NULL,
	port        INTEGER NOT NULL,
	protocol    TEXT NOT NULL DEFAULT 'imaps',
	encryption  INTEGER NOT NULL DEFAULT 0,
	auth_type   INTEGER NOT NULL DEFAULT 1,
	provider    TEXT NOT NULL DEFAULT '',
	user        TEXT NOT NULL,
	cert_alias  TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL DEFAULT '',
	insecure    INTEGER NOT NULL DEFAULT 0,
	prefer_ipv4 INTEGER NOT NULL DEFAULT 1,
	partial_fetch INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS folders (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id  INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	type        TEXT NOT NULL DEFAULT 'user',
	selectable  INTEGER NOT NULL DEFAULT 1,
	local       INTEGER NOT NULL DEFAULT 0,
	read_only   INTEGER NOT NULL DEFAULT 0,
	error       TEXT,
	total       INTEGER,
	keywords    TEXT NOT NULL DEFAULT '[]',
	UNIQUE(account_id, name)
);

CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id  INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	folder_id   INTEGER NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
	uid         INTEGER,
	msgid       TEXT NOT NULL DEFAULT '',
	sender      TEXT NOT NULL DEFAULT '[]',
	recipients_to  TEXT NOT NULL DEFAULT '[]',
	recipients_cc  TEXT NOT NULL DEFAULT '[]',
	recipients_bcc TEXT NOT NULL DEFAULT '[]',
	subject     TEXT NOT NULL DEFAULT '',
	keywords    TEXT NOT NULL DEFAULT '[]',
	notes       TEXT NOT NULL DEFAULT '',
	headers     TEXT NOT NULL DEFAULT '',
	preview     TEXT NOT NULL DEFAULT '',
	size        INTEGER NOT NULL DEFAULT 0,
	received    DATETIME NOT NULL,
	seen        INTEGER NOT NULL DEFAULT 0,
	flagged     INTEGER NOT NULL DEFAULT 0,
	snoozed     DATETIME,
	encrypt     INTEGER NOT NULL DEFAULT 0,
	attachments INTEGER NOT NULL DEFAULT 0,
	attachment_types TEXT NOT NULL DEFAULT '[]',
	has_content INTEGER NOT NULL DEFAULT 0,
	found       INTEGER NOT NULL DEFAULT 0,
	UNIQUE(folder_id, uid)
);

CREATE TABLE IF NOT EXISTS dns_cache (
	host        TEXT PRIMARY KEY,
	addr        TEXT NOT NULL,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(folder_id);
CREATE INDEX IF NOT EXISTS idx_messages_received ON messages(received);
CREATE INDEX IF NOT EXISTS idx_messages_found ON messages(found);
CREATE INDEX IF NOT EXISTS idx_folders_type ON folders(type);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE messages ADD COLUMN thread_id TEXT NOT NULL DEFAULT '';
ALTER TABLE messages ADD COLUMN labels TEXT NOT NULL DEFAULT '[]';

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
