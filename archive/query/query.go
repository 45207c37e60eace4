// Package query is the small read façade consumed by the HTTP layer and the
// CLI. It owns pagination bookkeeping; everything else delegates to storage.
package query

import (
	"context"

	"github.com/dshills/chatvault/archive"
	"github.com/dshills/chatvault/archive/store"
)

// PageInfo describes the page a result set came from.
type PageInfo struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// Service serves all reads from the single store's connection pool. Writes
// from ingestion never block these reads beyond one write transaction.
type Service struct {
	st *store.Store
}

// NewService creates the read façade over a store.
func NewService(st *store.Store) *Service {
	return &Service{st: st}
}

// pageFor converts a 1-based page number and size into store pagination.
func pageFor(page, perPage, def int) store.Page {
	if perPage <= 0 {
		perPage = def
	}
	if perPage > store.MaxPageSize {
		perPage = store.MaxPageSize
	}
	if page < 1 {
		page = 1
	}
	return store.Page{Offset: (page - 1) * perPage, Limit: perPage}
}

func pageInfo(page int, p store.Page, total int) PageInfo {
	if page < 1 {
		page = 1
	}
	totalPages := (total + p.Limit - 1) / p.Limit
	if totalPages < 1 {
		totalPages = 1
	}
	return PageInfo{Page: page, PerPage: p.Limit, Total: total, TotalPages: totalPages}
}

// Search runs a ranked full-text query with optional filters.
func (s *Service) Search(ctx context.Context, q string, f store.Filters, page int) ([]store.SearchResult, PageInfo, error) {
	p := pageFor(page, store.DefaultSearchPageSize, store.DefaultSearchPageSize)
	results, total, err := s.st.Search(ctx, q, f, p)
	if err != nil {
		return nil, PageInfo{}, err
	}
	return results, pageInfo(page, p, total), nil
}

// ListConversations returns filtered conversations, most recently updated
// first.
func (s *Service) ListConversations(ctx context.Context, f store.Filters, page, perPage int) ([]archive.Conversation, PageInfo, error) {
	p := pageFor(page, perPage, store.DefaultListPageSize)
	convs, total, err := s.st.ListConversations(ctx, f, p)
	if err != nil {
		return nil, PageInfo{}, err
	}
	return convs, pageInfo(page, p, total), nil
}

// GetConversation returns one conversation with its messages loaded.
// Returns archive.ErrNotFound for an unknown id.
func (s *Service) GetConversation(ctx context.Context, id int64) (*archive.Conversation, error) {
	conv, err := s.st.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.st.GetMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs
	return conv, nil
}

// GetMessages returns a conversation's messages in position order.
func (s *Service) GetMessages(ctx context.Context, conversationID int64) ([]archive.Message, error) {
	return s.st.GetMessages(ctx, conversationID)
}

// Stats returns repository-wide aggregate counts.
func (s *Service) Stats(ctx context.Context) (*store.Stats, error) {
	return s.st.Stats(ctx)
}

// ListImportEvents returns recent ingestion audit records, newest first.
func (s *Service) ListImportEvents(ctx context.Context, limit int) ([]store.ImportEvent, error) {
	return s.st.ListImportEvents(ctx, limit)
}

// Ping reports storage liveness for health checks.
func (s *Service) Ping(ctx context.Context) error {
	return s.st.Ping(ctx)
}
