package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/chatvault/archive"
)

// Import event statuses.
const (
	ImportInProgress = "in_progress"
	ImportCompleted  = "completed"
	ImportFailed     = "failed"
)

// maxDiagnostics caps how many sample diagnostics one event persists; the
// warning counter keeps the full count.
const maxDiagnostics = 50

// ImportEvent is the persisted audit record for one ingestion run.
type ImportEvent struct {
	ID         int64            `json:"id"`
	Type       string           `json:"event_type"`
	Provider   archive.Provider `json:"provider"`
	SourcePath string           `json:"source_path"`
	Status     string           `json:"status"`

	ConversationsSeen     int64 `json:"conversations_seen"`
	ConversationsInserted int64 `json:"conversations_inserted"`
	ConversationsUpdated  int64 `json:"conversations_updated"`
	MessagesInserted      int64 `json:"messages_inserted"`
	Warnings              int64 `json:"warnings"`

	// Diagnostics holds up to maxDiagnostics human-readable warning samples,
	// each prefixed with its tag ("synthesized_timestamps: ...").
	Diagnostics []string `json:"diagnostics,omitempty"`

	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// AddDiagnostic appends a tagged warning sample, dropping samples beyond the
// cap while still counting them.
func (ev *ImportEvent) AddDiagnostic(tag, detail string) {
	ev.Warnings++
	if len(ev.Diagnostics) < maxDiagnostics {
		ev.Diagnostics = append(ev.Diagnostics, tag+": "+detail)
	}
}

// CreateImportEvent inserts a new in_progress event and returns it with its
// id and start time populated.
func (s *Store) CreateImportEvent(ctx context.Context, provider archive.Provider, sourcePath string) (*ImportEvent, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ev := &ImportEvent{
		Type:       "import",
		Provider:   provider,
		SourcePath: sourcePath,
		Status:     ImportInProgress,
		StartedAt:  time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO import_events (event_type, provider, source_path, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.Type, string(ev.Provider), ev.SourcePath, ev.Status, toMillis(ev.StartedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create import event: %w", err)
	}
	ev.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read import event id: %w", err)
	}
	return ev, nil
}

// FinalizeImportEvent writes the event's terminal status, counters,
// diagnostics, and finish time.
func (s *Store) FinalizeImportEvent(ctx context.Context, ev *ImportEvent) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if ev.FinishedAt.IsZero() {
		ev.FinishedAt = time.Now().UTC()
	}

	var diagJSON any
	if len(ev.Diagnostics) > 0 {
		b, err := json.Marshal(ev.Diagnostics)
		if err != nil {
			return fmt.Errorf("failed to marshal diagnostics: %w", err)
		}
		diagJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE import_events SET
			status = ?, conversations_seen = ?, conversations_inserted = ?,
			conversations_updated = ?, messages_inserted = ?, warnings = ?,
			diagnostics = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		ev.Status, ev.ConversationsSeen, ev.ConversationsInserted,
		ev.ConversationsUpdated, ev.MessagesInserted, ev.Warnings,
		diagJSON, nullString(ev.Error), toMillis(ev.FinishedAt), ev.ID)
	if err != nil {
		return fmt.Errorf("failed to finalize import event %d: %w", ev.ID, err)
	}
	return nil
}

// GetImportEvent loads one event by id.
func (s *Store) GetImportEvent(ctx context.Context, id int64) (*ImportEvent, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event_type, provider, source_path, status,
		       conversations_seen, conversations_inserted, conversations_updated,
		       messages_inserted, warnings, diagnostics, error, started_at, finished_at
		FROM import_events WHERE id = ?`, id)
	ev, err := scanImportEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("import event %d: %w", id, archive.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load import event %d: %w", id, err)
	}
	return ev, nil
}

// ListImportEvents returns the most recent events, newest first.
func (s *Store) ListImportEvents(ctx context.Context, limit int) ([]ImportEvent, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxPageSize {
		limit = DefaultListPageSize
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, provider, source_path, status,
		       conversations_seen, conversations_inserted, conversations_updated,
		       messages_inserted, warnings, diagnostics, error, started_at, finished_at
		FROM import_events
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list import events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []ImportEvent
	for rows.Next() {
		ev, err := scanImportEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan import event row: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// SweepStaleImports marks in_progress events older than the grace period as
// failed with reason "abandoned". A process killed mid-run leaves its event
// in_progress; the next run calls this before starting.
func (s *Store) SweepStaleImports(ctx context.Context, grace time.Duration) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-grace)
	res, err := s.db.ExecContext(ctx, `
		UPDATE import_events
		SET status = ?, error = 'abandoned', finished_at = ?
		WHERE status = ? AND started_at < ?`,
		ImportFailed, toMillis(time.Now().UTC()), ImportInProgress, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale imports: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept imports: %w", err)
	}
	return n, nil
}

func scanImportEvent(row rowScanner) (*ImportEvent, error) {
	var ev ImportEvent
	var provider string
	var diagnostics, errText sql.NullString
	var started int64
	var finished *int64
	if err := row.Scan(&ev.ID, &ev.Type, &provider, &ev.SourcePath, &ev.Status,
		&ev.ConversationsSeen, &ev.ConversationsInserted, &ev.ConversationsUpdated,
		&ev.MessagesInserted, &ev.Warnings, &diagnostics, &errText, &started, &finished); err != nil {
		return nil, err
	}
	ev.Provider = archive.Provider(provider)
	ev.Error = errText.String
	ev.StartedAt = fromMillis(started)
	ev.FinishedAt = fromMillisPtr(finished)
	if diagnostics.Valid && diagnostics.String != "" {
		if err := json.Unmarshal([]byte(diagnostics.String), &ev.Diagnostics); err != nil {
			return nil, fmt.Errorf("failed to decode diagnostics: %w", err)
		}
	}
	return &ev, nil
}
