// Package storage persists intercepted interactions in a single-file
// SQLite database and runs the conversation threading engine at save time.
package storage

import (
	"database/sql"
	"fmt"
)

// SchemaVersion is the current migration level.
const SchemaVersion = 3

const createInteractionsTable = `
CREATE TABLE IF NOT EXISTS interactions (
    id TEXT PRIMARY KEY,
    timestamp TEXT NOT NULL,
    method TEXT NOT NULL,
    path TEXT NOT NULL,
    request_headers TEXT NOT NULL DEFAULT '{}',
    request_body TEXT,
    raw_request_body TEXT,
    provider TEXT NOT NULL DEFAULT 'unknown',
    model TEXT,
    system_prompt TEXT,
    messages TEXT,
    tools TEXT,
    image_metadata TEXT,
    status_code INTEGER,
    response_headers TEXT NOT NULL DEFAULT '{}',
    response_body TEXT,
    raw_response_body TEXT,
    is_streaming INTEGER NOT NULL DEFAULT 0,
    stream_chunks TEXT,
    response_text TEXT,
    tool_calls TEXT,
    token_usage TEXT,
    cost_estimate TEXT,
    time_to_first_token_ms REAL,
    total_latency_ms REAL,
    error TEXT
);
`

var createIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_interactions_timestamp ON interactions(timestamp);",
	"CREATE INDEX IF NOT EXISTS idx_interactions_provider ON interactions(provider);",
	"CREATE INDEX IF NOT EXISTS idx_interactions_model ON interactions(model);",
	"CREATE INDEX IF NOT EXISTS idx_interactions_path ON interactions(path);",
}

const createSchemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);
`

// migration is one versioned schema step, applied in its own transaction.
type migration struct {
	version int
	apply   func(tx *sql.Tx) error
}

var migrations = []migration{
	{
		version: 1,
		apply: func(tx *sql.Tx) error {
			if _, err := tx.Exec(createInteractionsTable); err != nil {
				return err
			}
			for _, indexSQL := range createIndexes {
				if _, err := tx.Exec(indexSQL); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		version: 2,
		apply: func(tx *sql.Tx) error {
			if _, err := tx.Exec("ALTER TABLE interactions ADD COLUMN session_id TEXT"); err != nil {
				return err
			}
			_, err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_interactions_session_id ON interactions(session_id)")
			return err
		},
	},
	{
		version: 3,
		apply: func(tx *sql.Tx) error {
			alters := []string{
				"ALTER TABLE interactions ADD COLUMN conversation_id TEXT",
				"ALTER TABLE interactions ADD COLUMN parent_interaction_id TEXT",
				"ALTER TABLE interactions ADD COLUMN turn_number INTEGER",
				"ALTER TABLE interactions ADD COLUMN turn_type TEXT",
				"ALTER TABLE interactions ADD COLUMN context_metrics TEXT",
				"CREATE INDEX IF NOT EXISTS idx_interactions_conversation_id ON interactions(conversation_id)",
			}
			for _, stmt := range alters {
				if _, err := tx.Exec(stmt); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

// applyMigrations brings the database up to SchemaVersion, running each
// missing migration in a single transaction together with its version
// bookkeeping row.
func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(createSchemaVersionTable); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1")
	if err := row.Scan(&current); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", m.version, err)
		}
	}
	return nil
}
