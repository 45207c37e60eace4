package parse

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dshills/chatvault/archive"
)

// GeminiParser reads Gemini (formerly Bard) export files.
//
// Two record variants exist in the wild and both are handled:
//
//   - turns[]: alternating user_input/model_output pairs
//   - chunkedPrompt: interleaved chunks, each carrying its own role
//
// The format does not carry a system prompt; the parser records that once as
// an informational note. Turns frequently lack per-message timestamps; when
// only a conversation-level timestamp exists it is assigned to every message
// and order is preserved by array index.
type GeminiParser struct{}

// Provider implements Parser.
func (p *GeminiParser) Provider() archive.Provider { return archive.ProviderGemini }

type geminiConversation struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Title          string          `json:"title"`
	CreateTime     json.RawMessage `json:"create_time"`
	UpdateTime     json.RawMessage `json:"update_time"`
	Turns          []geminiTurn    `json:"turns"`
	ChunkedPrompt  *geminiChunked  `json:"chunkedPrompt"`
}

type geminiTurn struct {
	UserInput   string          `json:"user_input"`
	ModelOutput string          `json:"model_output"`
	Role        string          `json:"role"`
	Text        string          `json:"text"`
	CreateTime  json.RawMessage `json:"create_time"`
}

type geminiChunked struct {
	Chunks []geminiChunk `json:"chunks"`
}

type geminiChunk struct {
	Role      string          `json:"role"`
	Text      string          `json:"text"`
	IsThought bool            `json:"isThought"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Parse implements Parser.
func (p *GeminiParser) Parse(ctx context.Context, path string, sink Sink, warn WarnFunc) error {
	f, err := openSource(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	// The export format has no conversation-scoped system prompt at all;
	// note it once per run so the import event reflects it.
	warn(WarnNoSystemPrompt, "gemini exports carry no system prompt")

	index := 0
	return eachArrayElement(ctx, f, func(raw json.RawMessage) error {
		index++
		conv, ok := p.parseConversation(raw, index, warn)
		if !ok {
			return nil
		}
		return sink(conv)
	})
}

func (p *GeminiParser) parseConversation(raw json.RawMessage, index int, warn WarnFunc) (*archive.Conversation, bool) {
	var src geminiConversation
	if err := json.Unmarshal(raw, &src); err != nil {
		warn(WarnBadConversation, fmt.Sprintf("gemini record %d: %v", index, err))
		return nil, false
	}

	externalID := src.ConversationID
	if externalID == "" {
		externalID = src.ID
	}
	if externalID == "" {
		externalID = fallbackExternalID(raw)
	}

	createdAt, _ := archive.ParseTimestamp(rawToValue(src.CreateTime))
	updatedAt, updOK := archive.ParseTimestamp(rawToValue(src.UpdateTime))
	if !updOK {
		updatedAt = createdAt
	}

	conv := &archive.Conversation{
		ExternalID: externalID,
		Title:      src.Title,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
		RawJSON:    append([]byte(nil), raw...),
	}

	switch {
	case len(src.Turns) > 0:
		p.appendTurns(conv, src.Turns, warn)
	case src.ChunkedPrompt != nil && len(src.ChunkedPrompt.Chunks) > 0:
		p.appendChunks(conv, src.ChunkedPrompt.Chunks, warn)
	default:
		warn(WarnBadConversation, fmt.Sprintf("gemini record %d: neither turns nor chunkedPrompt", index))
		return nil, false
	}

	if len(conv.Messages) == 0 {
		warn(WarnBadConversation, fmt.Sprintf("gemini conversation %s: no messages", externalID))
		return nil, false
	}

	// Tighten the bounds when per-message times were present.
	for _, m := range conv.Messages {
		if m.Timestamp.IsZero() {
			continue
		}
		if conv.CreatedAt.IsZero() || m.Timestamp.Before(conv.CreatedAt) {
			conv.CreatedAt = m.Timestamp
		}
		if conv.UpdatedAt.IsZero() || m.Timestamp.After(conv.UpdatedAt) {
			conv.UpdatedAt = m.Timestamp
		}
	}
	return conv, true
}

// appendTurns converts the user_input/model_output pair variant. A turn may
// also carry an explicit role+text, which some exports use instead.
func (p *GeminiParser) appendTurns(conv *archive.Conversation, turns []geminiTurn, warn WarnFunc) {
	for i, turn := range turns {
		ts, ok := archive.ParseTimestamp(rawToValue(turn.CreateTime))
		if !ok {
			// Single conversation-level timestamp: every message gets it,
			// order preserved by array index.
			ts = conv.CreatedAt
		}

		if turn.Role != "" || turn.Text != "" {
			role, ok := mapGeminiRole(turn.Role)
			if !ok {
				warn(WarnUnmappedRole, fmt.Sprintf("gemini conversation %s turn %d: role %q", conv.ExternalID, i, turn.Role))
				continue
			}
			if turn.Text != "" {
				conv.Messages = append(conv.Messages, archive.Message{Role: role, Content: turn.Text, Timestamp: ts})
			}
			continue
		}

		if turn.UserInput != "" {
			conv.Messages = append(conv.Messages, archive.Message{Role: archive.RoleUser, Content: turn.UserInput, Timestamp: ts})
		}
		if turn.ModelOutput != "" {
			conv.Messages = append(conv.Messages, archive.Message{Role: archive.RoleAssistant, Content: turn.ModelOutput, Timestamp: ts})
		}
	}
}

// appendChunks converts the chunkedPrompt variant. Unknown chunk types are
// logged and skipped, never fatal.
func (p *GeminiParser) appendChunks(conv *archive.Conversation, chunks []geminiChunk, warn WarnFunc) {
	for i, chunk := range chunks {
		if chunk.IsThought {
			continue
		}
		if chunk.Text == "" {
			warn(WarnUnknownChunk, fmt.Sprintf("gemini conversation %s chunk %d: no text", conv.ExternalID, i))
			continue
		}
		role, ok := mapGeminiRole(chunk.Role)
		if !ok {
			warn(WarnUnmappedRole, fmt.Sprintf("gemini conversation %s chunk %d: role %q", conv.ExternalID, i, chunk.Role))
			continue
		}
		ts, tsOK := archive.ParseTimestamp(rawToValue(chunk.Timestamp))
		if !tsOK {
			ts = conv.CreatedAt
		}
		conv.Messages = append(conv.Messages, archive.Message{Role: role, Content: chunk.Text, Timestamp: ts})
	}
}

// mapGeminiRole maps Gemini/Bard role names onto the canonical set.
func mapGeminiRole(role string) (archive.Role, bool) {
	switch role {
	case "user", "human":
		return archive.RoleUser, true
	case "model", "bard", "assistant":
		return archive.RoleAssistant, true
	}
	return "", false
}
