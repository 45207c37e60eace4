package store

import (
	"context"
	"fmt"
	"strings"
)

// schemaStatements create the five tables (providers, conversations,
// messages, attachments, import_events), their indexes, and the full-text
// shadow of messages.content.
//
// messages_fts is an external-content FTS5 table: it stores only the index,
// reading original text back out of messages. The three triggers keep it in
// lock-step with message mutations inside the same transaction, so the
// full-text projection is never observably inconsistent with messages.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS providers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider_id INTEGER NOT NULL REFERENCES providers(id),
		external_id TEXT NOT NULL,
		title TEXT,
		model TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		system_prompt TEXT,
		temperature REAL,
		max_tokens INTEGER,
		raw_json TEXT,
		message_count INTEGER NOT NULL DEFAULT 0,
		UNIQUE(provider_id, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_provider ON conversations(provider_id)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
		content TEXT NOT NULL,
		model TEXT,
		timestamp INTEGER,
		position INTEGER NOT NULL,
		UNIQUE(conversation_id, position)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,

	`CREATE TABLE IF NOT EXISTS attachments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		mime_type TEXT,
		extracted_text TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id)`,

	`CREATE TABLE IF NOT EXISTS import_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL DEFAULT 'import',
		provider TEXT NOT NULL,
		source_path TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('in_progress', 'completed', 'failed')),
		conversations_seen INTEGER NOT NULL DEFAULT 0,
		conversations_inserted INTEGER NOT NULL DEFAULT 0,
		conversations_updated INTEGER NOT NULL DEFAULT 0,
		messages_inserted INTEGER NOT NULL DEFAULT 0,
		warnings INTEGER NOT NULL DEFAULT 0,
		diagnostics TEXT,
		error TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_import_events_started ON import_events(started_at DESC)`,

	`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
		content,
		content='messages',
		content_rowid='id',
		tokenize='unicode61'
	)`,
	`CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
		INSERT INTO messages_fts(rowid, content) VALUES (new.id, new.content);
	END`,
	`CREATE TRIGGER IF NOT EXISTS messages_fts_delete AFTER DELETE ON messages BEGIN
		INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.id, old.content);
	END`,
	`CREATE TRIGGER IF NOT EXISTS messages_fts_update AFTER UPDATE OF content ON messages BEGIN
		INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.id, old.content);
		INSERT INTO messages_fts(rowid, content) VALUES (new.id, new.content);
	END`,
}

// createSchema applies the schema. All statements are idempotent, so opening
// an existing database is a no-op migration.
func (s *Store) createSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i > 0 {
		stmt = stmt[:i]
	}
	return stmt
}

// RebuildFTS discards and rebuilds the full-text index from the messages
// table. This is an operator tool for corrupt-index recovery only; normal
// operation keeps the index current through triggers.
func (s *Store) RebuildFTS(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO messages_fts(messages_fts) VALUES ('rebuild')`); err != nil {
		return fmt.Errorf("failed to rebuild full-text index: %w", err)
	}
	return nil
}

// Backup writes a self-contained copy of the database to dest using
// VACUUM INTO, safe to run while the store is serving reads and writes.
func (s *Store) Backup(ctx context.Context, dest string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("failed to back up database: %w", err)
	}
	return nil
}
