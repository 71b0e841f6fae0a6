// Package postgres provides PostgreSQL-backed implementations of the
// conductor Store and EventChannel contracts.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id         TEXT PRIMARY KEY,
		prompt     TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL,
		dag        JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subtasks (
		workflow_id     TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		id              TEXT NOT NULL,
		name            TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		depends_on      JSONB NOT NULL DEFAULT '[]',
		agent_name      TEXT NOT NULL DEFAULT '',
		tool_calls_spec JSONB,
		result          JSONB,
		error_message   TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (workflow_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id            TEXT PRIMARY KEY,
		workflow_id   TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		subtask_id    TEXT NOT NULL DEFAULT '',
		agent_name    TEXT NOT NULL DEFAULT '',
		agent_memory  JSONB,
		agent_state   JSONB,
		tool_states   JSONB,
		planning_flow JSONB,
		reason        TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS checkpoints_workflow_created_idx
		ON checkpoints (workflow_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS channel_messages (
		id           BIGSERIAL PRIMARY KEY,
		stream       TEXT NOT NULL,
		payload      JSONB NOT NULL,
		published_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS channel_messages_stream_idx
		ON channel_messages (stream, id)`,
	`CREATE TABLE IF NOT EXISTS channel_cursors (
		stream         TEXT NOT NULL,
		consumer_group TEXT NOT NULL,
		position       BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (stream, consumer_group)
	)`,
	`CREATE TABLE IF NOT EXISTS channel_pending (
		stream         TEXT NOT NULL,
		consumer_group TEXT NOT NULL,
		message_id     BIGINT NOT NULL REFERENCES channel_messages(id) ON DELETE CASCADE,
		consumer       TEXT NOT NULL DEFAULT '',
		attempts       INT NOT NULL DEFAULT 0,
		claimed_until  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (stream, consumer_group, message_id)
	)`,
}

// Migrate creates the conductor schema if it does not already exist. It is
// safe to run on every startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema migration: %w", err)
		}
	}
	return nil
}
