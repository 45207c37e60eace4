package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/chatvault/archive"
)

// messageBatchSize caps how many message rows ride in one multi-row INSERT.
// Large conversations stay atomic (one transaction) but avoid oversized
// statements.
const messageBatchSize = 1000

// Filters narrow reads by provider, model, role, and creation date range.
// Zero values mean "no restriction".
type Filters struct {
	Provider archive.Provider
	Model    string
	Role     archive.Role
	After    time.Time
	Before   time.Time
}

// Page is offset/limit pagination. Limits are clamped to MaxPageSize.
type Page struct {
	Offset int
	Limit  int
}

// Page size defaults and the hard cap.
const (
	DefaultSearchPageSize = 20
	DefaultListPageSize   = 50
	MaxPageSize           = 100
)

// normalized applies the default and the cap.
func (p Page) normalized(def int) Page {
	if p.Limit <= 0 {
		p.Limit = def
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// UpsertResult reports what a conversation write did.
type UpsertResult struct {
	ConversationID int64
	Inserted       bool // false means an existing row was replaced
	Messages       int
}

// UpsertConversation writes one canonical conversation atomically: the
// conversation row is inserted or updated by (provider_id, external_id), any
// previous messages are deleted, and the new messages are inserted with
// positions reassigned 0..N-1 from their order. The FTS index follows via
// triggers inside the same transaction.
//
// Messages whose role is not canonical are rejected by the caller before
// this point; a non-canonical role here fails the whole conversation via
// the CHECK constraint.
func (s *Store) UpsertConversation(ctx context.Context, conv *archive.Conversation) (UpsertResult, error) {
	if err := s.checkOpen(); err != nil {
		return UpsertResult{}, err
	}
	providerID, err := s.providerID(conv.Provider)
	if err != nil {
		return UpsertResult{}, err
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return UpsertResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := s.upsertConversationTx(ctx, tx, providerID, conv)
	if err != nil {
		return UpsertResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("failed to commit conversation: %w", err)
	}
	return res, nil
}

func (s *Store) upsertConversationTx(ctx context.Context, tx *sql.Tx, providerID int64, conv *archive.Conversation) (UpsertResult, error) {
	var res UpsertResult

	var existingID int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE provider_id = ? AND external_id = ?`,
		providerID, conv.ExternalID).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		result, err := tx.ExecContext(ctx, `
			INSERT INTO conversations
				(provider_id, external_id, title, model, created_at, updated_at,
				 system_prompt, temperature, max_tokens, raw_json, message_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			providerID, conv.ExternalID, nullString(conv.Title), nullString(conv.Model),
			toMillis(conv.CreatedAt), toMillis(conv.UpdatedAt),
			nullString(conv.SystemPrompt), conv.Temperature, conv.MaxTokens,
			nullBytes(conv.RawJSON), len(conv.Messages))
		if err != nil {
			return res, fmt.Errorf("failed to insert conversation %s: %w", conv.ExternalID, err)
		}
		res.ConversationID, err = result.LastInsertId()
		if err != nil {
			return res, fmt.Errorf("failed to read conversation id: %w", err)
		}
		res.Inserted = true
	case err != nil:
		return res, fmt.Errorf("failed to look up conversation %s: %w", conv.ExternalID, err)
	default:
		res.ConversationID = existingID
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET
				title = ?, model = ?, created_at = ?, updated_at = ?,
				system_prompt = ?, temperature = ?, max_tokens = ?, raw_json = ?,
				message_count = ?
			WHERE id = ?`,
			nullString(conv.Title), nullString(conv.Model),
			toMillis(conv.CreatedAt), toMillis(conv.UpdatedAt),
			nullString(conv.SystemPrompt), conv.Temperature, conv.MaxTokens,
			nullBytes(conv.RawJSON), len(conv.Messages), existingID); err != nil {
			return res, fmt.Errorf("failed to update conversation %s: %w", conv.ExternalID, err)
		}
		// Re-import replaces all messages. The delete triggers keep the FTS
		// index in step.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE conversation_id = ?`, existingID); err != nil {
			return res, fmt.Errorf("failed to clear messages for %s: %w", conv.ExternalID, err)
		}
	}

	n, err := s.insertMessagesTx(ctx, tx, res.ConversationID, conv.Messages)
	if err != nil {
		return res, err
	}
	res.Messages = n
	return res, nil
}

// insertMessagesTx writes messages in strictly increasing position order,
// batched, then their attachments.
func (s *Store) insertMessagesTx(ctx context.Context, tx *sql.Tx, convID int64, msgs []archive.Message) (int, error) {
	for start := 0; start < len(msgs); start += messageBatchSize {
		end := start + messageBatchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		batch := msgs[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO messages (conversation_id, role, content, model, timestamp, position) VALUES `)
		args := make([]any, 0, len(batch)*6)
		for i, m := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?, ?, ?)")
			args = append(args, convID, string(m.Role), m.Content, nullString(m.Model),
				toMillisPtr(m.Timestamp), start+i)
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return 0, fmt.Errorf("failed to insert messages: %w", err)
		}
	}

	for i, m := range msgs {
		if len(m.Attachments) == 0 {
			continue
		}
		var msgID int64
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM messages WHERE conversation_id = ? AND position = ?`,
			convID, i).Scan(&msgID); err != nil {
			return 0, fmt.Errorf("failed to resolve message %d: %w", i, err)
		}
		for _, a := range m.Attachments {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO attachments (message_id, name, mime_type, extracted_text) VALUES (?, ?, ?, ?)`,
				msgID, a.Name, nullString(a.MimeType), nullString(a.ExtractedText)); err != nil {
				return 0, fmt.Errorf("failed to insert attachment: %w", err)
			}
		}
	}
	return len(msgs), nil
}

// GetConversation returns one conversation without its messages.
// Returns archive.ErrNotFound for an unknown id.
func (s *Store) GetConversation(ctx context.Context, id int64) (*archive.Conversation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT c.id, p.name, c.external_id, c.title, c.model, c.created_at, c.updated_at,
		       c.system_prompt, c.temperature, c.max_tokens, c.raw_json, c.message_count
		FROM conversations c
		JOIN providers p ON p.id = c.provider_id
		WHERE c.id = ?`, id)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %d: %w", id, archive.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %d: %w", id, err)
	}
	return conv, nil
}

// GetMessages returns a conversation's messages in position order, with
// their attachments. Returns archive.ErrNotFound if the conversation does
// not exist.
func (s *Store) GetMessages(ctx context.Context, conversationID int64) ([]archive.Message, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check conversation %d: %w", conversationID, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("conversation %d: %w", conversationID, archive.ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, model, timestamp, position
		FROM messages
		WHERE conversation_id = ?
		ORDER BY position ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []archive.Message
	byID := make(map[int64]int)
	for rows.Next() {
		var m archive.Message
		var model sql.NullString
		var ts *int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &model, &ts, &m.Position); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Model = model.String
		m.Timestamp = fromMillisPtr(ts)
		byID[m.ID] = len(msgs)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	attRows, err := s.db.QueryContext(ctx, `
		SELECT a.message_id, a.name, a.mime_type, a.extracted_text
		FROM attachments a
		JOIN messages m ON m.id = a.message_id
		WHERE m.conversation_id = ?
		ORDER BY a.id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attachments: %w", err)
	}
	defer func() { _ = attRows.Close() }()

	for attRows.Next() {
		var msgID int64
		var a archive.Attachment
		var mime, text sql.NullString
		if err := attRows.Scan(&msgID, &a.Name, &mime, &text); err != nil {
			return nil, fmt.Errorf("failed to scan attachment row: %w", err)
		}
		a.MimeType = mime.String
		a.ExtractedText = text.String
		if idx, ok := byID[msgID]; ok {
			msgs[idx].Attachments = append(msgs[idx].Attachments, a)
		}
	}
	return msgs, attRows.Err()
}

// ListConversations returns conversations matching the filters, most
// recently updated first, with the total match count for pagination.
func (s *Store) ListConversations(ctx context.Context, f Filters, page Page) ([]archive.Conversation, int, error) {
	if err := s.checkOpen(); err != nil {
		return nil, 0, err
	}
	page = page.normalized(DefaultListPageSize)

	where, args := f.conversationClauses()
	if f.Role != "" {
		where = append(where, "EXISTS (SELECT 1 FROM messages rm WHERE rm.conversation_id = c.id AND rm.role = ?)")
		args = append(args, string(f.Role))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations c JOIN providers p ON p.id = c.provider_id`+clause,
		args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count conversations: %w", err)
	}

	query := `
		SELECT c.id, p.name, c.external_id, c.title, c.model, c.created_at, c.updated_at,
		       c.system_prompt, c.temperature, c.max_tokens, c.raw_json, c.message_count
		FROM conversations c
		JOIN providers p ON p.id = c.provider_id` + clause + `
		ORDER BY c.updated_at DESC, c.id DESC
		LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []archive.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		convs = append(convs, *conv)
	}
	return convs, total, rows.Err()
}

// conversationClauses renders the filters as SQL predicates over the
// conversations/providers join.
func (f Filters) conversationClauses() ([]string, []any) {
	var where []string
	var args []any
	if f.Provider != "" {
		where = append(where, "p.name = ?")
		args = append(args, string(f.Provider))
	}
	if f.Model != "" {
		where = append(where, "c.model = ?")
		args = append(args, f.Model)
	}
	if !f.After.IsZero() {
		where = append(where, "c.created_at >= ?")
		args = append(args, toMillis(f.After))
	}
	if !f.Before.IsZero() {
		where = append(where, "c.created_at <= ?")
		args = append(args, toMillis(f.Before))
	}
	return where, args
}

// rowScanner lets scanConversation serve both QueryRow and Query results.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*archive.Conversation, error) {
	var conv archive.Conversation
	var provider string
	var title, model, systemPrompt sql.NullString
	var raw []byte
	var created, updated int64
	if err := row.Scan(&conv.ID, &provider, &conv.ExternalID, &title, &model,
		&created, &updated, &systemPrompt, &conv.Temperature, &conv.MaxTokens,
		&raw, &conv.MessageCount); err != nil {
		return nil, err
	}
	conv.Provider = archive.Provider(provider)
	conv.Title = title.String
	conv.Model = model.String
	conv.SystemPrompt = systemPrompt.String
	conv.CreatedAt = fromMillis(created)
	conv.UpdatedAt = fromMillis(updated)
	conv.RawJSON = raw
	return &conv, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
