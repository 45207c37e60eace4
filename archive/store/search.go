package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dshills/chatvault/archive"
)

// snippetTokens bounds the FTS snippet; combined with the rune clamp below
// it keeps snippets near the ~200 character target.
const (
	snippetTokens   = 32
	snippetMaxRunes = 200
	snippetEllipsis = "…"
	highlightOpen   = "<mark>"
	highlightClose  = "</mark>"
)

// SearchResult is one ranked hit: a conversation plus the snippet of its
// best-matching message with query terms wrapped in highlight markers.
type SearchResult struct {
	ConversationID int64            `json:"conversation_id"`
	Title          string           `json:"title,omitempty"`
	Provider       archive.Provider `json:"provider"`
	Model          string           `json:"model,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	Snippet        string           `json:"snippet"`
}

// ParsedQuery is a user query split into free text and structured filters.
type ParsedQuery struct {
	Text    string
	Filters Filters
}

// ParseQuery splits the filter mini-language out of a query string.
//
// Whitespace-separated tags of the form key:value with
// key in {provider, role, model, after, before} become structured filters;
// everything else is free text for the full-text engine. Unknown keys stay
// in the free text (a colon in prose is not a tag). Malformed date values
// surface ErrBadQuery.
func ParseQuery(q string) (ParsedQuery, error) {
	var parsed ParsedQuery
	var free []string

	for _, field := range strings.Fields(q) {
		key, value, ok := strings.Cut(field, ":")
		if !ok || value == "" {
			free = append(free, field)
			continue
		}
		switch strings.ToLower(key) {
		case "provider":
			p, err := archive.ParseProvider(strings.ToLower(value))
			if err != nil {
				return parsed, fmt.Errorf("%w: %v", archive.ErrBadQuery, err)
			}
			parsed.Filters.Provider = p
		case "role":
			role := archive.Role(strings.ToLower(value))
			if !role.Valid() {
				return parsed, fmt.Errorf("%w: unknown role %q", archive.ErrBadQuery, value)
			}
			parsed.Filters.Role = role
		case "model":
			parsed.Filters.Model = value
		case "after":
			ts, ok := archive.ParseTimestamp(value)
			if !ok {
				return parsed, fmt.Errorf("%w: bad after date %q", archive.ErrBadQuery, value)
			}
			parsed.Filters.After = ts
		case "before":
			ts, ok := archive.ParseTimestamp(value)
			if !ok {
				return parsed, fmt.Errorf("%w: bad before date %q", archive.ErrBadQuery, value)
			}
			parsed.Filters.Before = ts
		default:
			free = append(free, field)
		}
	}

	parsed.Text = strings.Join(free, " ")
	return parsed, nil
}

// buildMatchQuery converts free text into a sanitized FTS5 MATCH expression.
//
// User-quoted phrases are preserved; everything else is reduced to
// letter/digit tokens, each individually quoted, joined as an implicit AND.
// Returns "" when the text carries no searchable token (for example,
// FTS-reserved punctuation only), which callers treat as an empty result
// set rather than an error.
func buildMatchQuery(text string) string {
	var terms []string

	rest := text
	for {
		start := strings.IndexByte(rest, '"')
		if start < 0 {
			break
		}
		end := strings.IndexByte(rest[start+1:], '"')
		if end < 0 {
			break
		}
		phrase := rest[start+1 : start+1+end]
		before := rest[:start]
		rest = rest[start+end+2:]
		for _, tok := range tokenize(before) {
			terms = append(terms, `"`+tok+`"`)
		}
		if toks := tokenize(phrase); len(toks) > 0 {
			terms = append(terms, `"`+strings.Join(toks, " ")+`"`)
		}
	}
	for _, tok := range tokenize(rest) {
		terms = append(terms, `"`+tok+`"`)
	}

	return strings.Join(terms, " ")
}

// tokenize extracts runs of letters and digits.
func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Search runs a ranked full-text query.
//
// The query string may embed filter tags (see ParseQuery); explicit filters
// passed by the caller fill any fields the tags left unset. Results are
// grouped per conversation, ordered by BM25 relevance with created_at as the
// tie-break, and carry the best-matching snippet. The second return value is
// the total number of matching conversations.
//
// When the free text is empty but filters are present, the result set is the
// filter-selected conversations ordered by updated_at descending. An empty
// query with no filters returns the most recently updated conversations.
func (s *Store) Search(ctx context.Context, query string, extra Filters, page Page) ([]SearchResult, int, error) {
	if err := s.checkOpen(); err != nil {
		return nil, 0, err
	}
	page = page.normalized(DefaultSearchPageSize)

	ctx, span := otel.Tracer("chatvault").Start(ctx, "store.search")
	defer span.End()

	parsed, err := ParseQuery(query)
	if err != nil {
		return nil, 0, err
	}
	f := mergeFilters(parsed.Filters, extra)

	match := buildMatchQuery(parsed.Text)
	span.SetAttributes(attribute.String("query", match))

	if match == "" {
		if strings.TrimSpace(parsed.Text) != "" {
			// Punctuation-only query: nothing searchable, empty result.
			return []SearchResult{}, 0, nil
		}
		return s.listAsResults(ctx, f, page)
	}

	where, args := f.conversationClauses()
	if f.Role != "" {
		where = append(where, "m.role = ?")
		args = append(args, string(f.Role))
	}
	clause := ""
	if len(where) > 0 {
		clause = " AND " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := `
		SELECT COUNT(DISTINCT m.conversation_id)
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.rowid
		JOIN conversations c ON c.id = m.conversation_id
		JOIN providers p ON p.id = c.provider_id
		WHERE messages_fts MATCH ?` + clause
	if err := s.db.QueryRowContext(ctx, countQuery, append([]any{match}, args...)...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", archive.ErrBadQuery, err)
	}

	// FTS5 auxiliary functions (bm25, snippet) cannot run inside an
	// aggregate, so each matching message is scored in a materialized CTE
	// first. With a lone MIN aggregate over it, SQLite surfaces the other
	// selected columns from the minimal row, which is exactly the
	// best-matching message.
	searchQuery := `
		WITH hits AS MATERIALIZED (
			SELECT c.id AS conv_id, c.title AS title, p.name AS provider,
			       c.model AS model, c.created_at AS created_at,
			       snippet(messages_fts, 0, ?, ?, ?, ?) AS snip,
			       bm25(messages_fts) AS score
			FROM messages_fts
			JOIN messages m ON m.id = messages_fts.rowid
			JOIN conversations c ON c.id = m.conversation_id
			JOIN providers p ON p.id = c.provider_id
			WHERE messages_fts MATCH ?` + clause + `
		)
		SELECT conv_id, title, provider, model, created_at, snip, MIN(score) AS rank
		FROM hits
		GROUP BY conv_id
		ORDER BY rank ASC, created_at DESC
		LIMIT ? OFFSET ?`
	queryArgs := append([]any{highlightOpen, highlightClose, snippetEllipsis, snippetTokens, match}, args...)
	queryArgs = append(queryArgs, page.Limit, page.Offset)

	rows, err := s.db.QueryContext(ctx, searchQuery, queryArgs...)
	if err != nil {
		// FTS syntax errors surface here; they are user errors, never 5xx.
		return nil, 0, fmt.Errorf("%w: %v", archive.ErrBadQuery, err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]SearchResult, 0, page.Limit)
	for rows.Next() {
		var r SearchResult
		var title, model, provider sql.NullString
		var created int64
		var rank float64
		if err := rows.Scan(&r.ConversationID, &title, &provider, &model, &created, &r.Snippet, &rank); err != nil {
			return nil, 0, fmt.Errorf("failed to scan search row: %w", err)
		}
		r.Title = title.String
		r.Provider = archive.Provider(provider.String)
		r.Model = model.String
		r.CreatedAt = fromMillis(created)
		r.Snippet = clampSnippet(r.Snippet)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating search rows: %w", err)
	}

	span.SetAttributes(attribute.Int("results", len(results)))
	return results, total, nil
}

// listAsResults serves filter-only and empty queries from the conversation
// listing, most recently updated first.
func (s *Store) listAsResults(ctx context.Context, f Filters, page Page) ([]SearchResult, int, error) {
	convs, total, err := s.ListConversations(ctx, f, page)
	if err != nil {
		return nil, 0, err
	}
	results := make([]SearchResult, 0, len(convs))
	for _, c := range convs {
		results = append(results, SearchResult{
			ConversationID: c.ID,
			Title:          c.Title,
			Provider:       c.Provider,
			Model:          c.Model,
			CreatedAt:      c.CreatedAt,
		})
	}
	return results, total, nil
}

// mergeFilters fills fields the query tags left unset from the explicit
// filters; tags win on conflict.
func mergeFilters(tags, extra Filters) Filters {
	if tags.Provider == "" {
		tags.Provider = extra.Provider
	}
	if tags.Model == "" {
		tags.Model = extra.Model
	}
	if tags.Role == "" {
		tags.Role = extra.Role
	}
	if tags.After.IsZero() {
		tags.After = extra.After
	}
	if tags.Before.IsZero() {
		tags.Before = extra.Before
	}
	return tags
}

// clampSnippet bounds a snippet to ~200 characters, appending an ellipsis
// when it truncates mid-run.
func clampSnippet(snip string) string {
	if utf8.RuneCountInString(snip) <= snippetMaxRunes {
		return snip
	}
	runes := []rune(snip)
	return string(runes[:snippetMaxRunes]) + snippetEllipsis
}
