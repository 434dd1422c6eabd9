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

CREATE TABLE IF NOT EXISTS users_external (
	uid         TEXT NOT NULL COLLATE NOCASE,
	backend     TEXT NOT NULL,
	displayname TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (uid, backend)
);

CREATE INDEX IF NOT EXISTS idx_users_external_backend ON users_external(backend);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS user_groups (
	gid        TEXT PRIMARY KEY COLLATE NOCASE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS group_user (
	gid TEXT NOT NULL COLLATE NOCASE REFERENCES user_groups(gid) ON DELETE CASCADE,
	uid TEXT NOT NULL COLLATE NOCASE,
	PRIMARY KEY (gid, uid)
);

CREATE INDEX IF NOT EXISTS idx_group_user_uid ON group_user(uid);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
