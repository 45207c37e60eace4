package store

import (
	"context"
	"fmt"
)

// ProviderStats is the per-provider slice of the aggregate counts.
type ProviderStats struct {
	Provider      string `json:"provider"`
	Conversations int64  `json:"conversations"`
	Messages      int64  `json:"messages"`
}

// Stats aggregates repository-wide counts for the stats endpoint.
type Stats struct {
	TotalConversations int64            `json:"total_conversations"`
	TotalMessages      int64            `json:"total_messages"`
	ByProvider         []ProviderStats  `json:"by_provider"`
	RoleDistribution   map[string]int64 `json:"role_distribution"`
}

// Stats computes totals by provider, total messages, and the role
// distribution.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	out := &Stats{RoleDistribution: make(map[string]int64)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.name,
		       COUNT(DISTINCT c.id),
		       COALESCE(SUM(c.message_count), 0)
		FROM providers p
		LEFT JOIN conversations c ON c.provider_id = p.id
		GROUP BY p.name
		ORDER BY p.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to compute provider stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var ps ProviderStats
		if err := rows.Scan(&ps.Provider, &ps.Conversations, &ps.Messages); err != nil {
			return nil, fmt.Errorf("failed to scan provider stats: %w", err)
		}
		out.ByProvider = append(out.ByProvider, ps)
		out.TotalConversations += ps.Conversations
		out.TotalMessages += ps.Messages
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating provider stats: %w", err)
	}

	roleRows, err := s.db.QueryContext(ctx,
		`SELECT role, COUNT(*) FROM messages GROUP BY role`)
	if err != nil {
		return nil, fmt.Errorf("failed to compute role distribution: %w", err)
	}
	defer func() { _ = roleRows.Close() }()

	for roleRows.Next() {
		var role string
		var count int64
		if err := roleRows.Scan(&role, &count); err != nil {
			return nil, fmt.Errorf("failed to scan role row: %w", err)
		}
		out.RoleDistribution[role] = count
	}
	return out, roleRows.Err()
}
