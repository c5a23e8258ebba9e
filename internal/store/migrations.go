package store

// migration holds one schema version with per-dialect statements.
type migration struct {
	version int
	sqlite  []string
	mysql   []string
}

// migrations is the ordered list of schema migrations.
// Versions must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS messages (
	account_id        TEXT    NOT NULL,
	message_id        TEXT    NOT NULL,
	sender            TEXT    NOT NULL DEFAULT '',
	subject           TEXT    NOT NULL DEFAULT '',
	preview           TEXT    NOT NULL DEFAULT '',
	first_seen        INTEGER NOT NULL,
	sink_handle       TEXT,
	handled           INTEGER NOT NULL DEFAULT 0 CHECK(handled IN (0, 1)),
	handled_at        INTEGER,
	delivery_attempts INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, message_id),
	CHECK ((handled = 1) = (handled_at IS NOT NULL))
)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_handled_at ON messages(handled, handled_at)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_undelivered ON messages(handled, sink_handle, first_seen)`,
		},
		mysql: []string{
			`CREATE TABLE IF NOT EXISTS messages (
	account_id        VARCHAR(128) NOT NULL,
	message_id        VARCHAR(500) NOT NULL,
	sender            TEXT         NOT NULL,
	subject           TEXT         NOT NULL,
	preview           TEXT         NOT NULL,
	first_seen        BIGINT       NOT NULL,
	sink_handle       VARCHAR(255) NULL,
	handled           TINYINT(1)   NOT NULL DEFAULT 0,
	handled_at        BIGINT       NULL,
	delivery_attempts INT          NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, message_id),
	INDEX idx_messages_handled_at (handled, handled_at),
	INDEX idx_messages_undelivered (handled, first_seen)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		},
	},
	{
		// Message-IDs are case-sensitive; the table default collation is not.
		version: 2,
		mysql: []string{
			`ALTER TABLE messages
	MODIFY account_id VARCHAR(128) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL,
	MODIFY message_id VARCHAR(500) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL`,
		},
	},
}
