package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dshills/chatvault/archive"
)

// XAIParser reads xAI/Grok export files.
//
// The export is a JSON document holding a list of conversation records, each
// with a messages array of {role, content} pairs and seconds-since-epoch
// timestamps. Both a bare top-level array and a {"conversations": [...]}
// wrapper object are accepted.
type XAIParser struct{}

// Provider implements Parser.
func (p *XAIParser) Provider() archive.Provider { return archive.ProviderXAI }

type xaiConversation struct {
	ConversationID string          `json:"conversation_id"`
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Model          string          `json:"model"`
	CreateTime     json.RawMessage `json:"create_time"`
	UpdateTime     json.RawMessage `json:"update_time"`
	SystemPrompt   string          `json:"system_prompt"`
	Messages       []xaiMessage    `json:"messages"`
}

type xaiMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Model      string          `json:"model"`
	CreateTime json.RawMessage `json:"create_time"`
	Timestamp  json.RawMessage `json:"timestamp"`
}

// Parse implements Parser.
func (p *XAIParser) Parse(ctx context.Context, path string, sink Sink, warn WarnFunc) error {
	f, err := openSource(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	// Peek at the first byte to support both root shapes without loading
	// the wrapper object's full array twice.
	var head [1]byte
	if _, err := f.Read(head[:]); err != nil {
		return fmt.Errorf("%w: %v", archive.ErrBadInput, err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("%w: %v", archive.ErrBadInput, err)
	}

	each := func(raw json.RawMessage) error {
		conv, ok := p.parseConversation(raw, warn)
		if !ok {
			return nil
		}
		return sink(conv)
	}

	if head[0] == '[' {
		return eachArrayElement(ctx, f, each)
	}

	var wrapper struct {
		Conversations []json.RawMessage `json:"conversations"`
	}
	dec := json.NewDecoder(f)
	dec.UseNumber()
	if err := dec.Decode(&wrapper); err != nil {
		return fmt.Errorf("%w: %v", archive.ErrBadInput, err)
	}
	if wrapper.Conversations == nil {
		return fmt.Errorf("%w: expected an array root or a conversations key", archive.ErrBadInput)
	}
	for _, raw := range wrapper.Conversations {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := each(raw); err != nil {
			return err
		}
	}
	return nil
}

func (p *XAIParser) parseConversation(raw json.RawMessage, warn WarnFunc) (*archive.Conversation, bool) {
	var src xaiConversation
	if err := json.Unmarshal(raw, &src); err != nil {
		warn(WarnBadConversation, fmt.Sprintf("xai record: %v", err))
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

	conv := &archive.Conversation{
		ExternalID:   externalID,
		Title:        src.Title,
		Model:        src.Model,
		SystemPrompt: src.SystemPrompt,
		RawJSON:      append([]byte(nil), raw...),
	}

	var minTS, maxTS time.Time
	for i, m := range src.Messages {
		role, ok := mapXAIRole(m.Role)
		if !ok {
			warn(WarnUnmappedRole, fmt.Sprintf("xai conversation %s: role %q", externalID, m.Role))
			continue
		}

		content := archive.FlattenText(m.Content)
		if content == "" {
			continue
		}

		tsRaw := m.CreateTime
		if len(tsRaw) == 0 {
			tsRaw = m.Timestamp
		}
		ts, tsOK := archive.ParseTimestamp(rawToValue(tsRaw))
		if !tsOK {
			warn(WarnBadTimestamp, fmt.Sprintf("xai conversation %s message %d: missing timestamp", externalID, i))
			ts = createdAt
		}
		if !ts.IsZero() {
			if minTS.IsZero() || ts.Before(minTS) {
				minTS = ts
			}
			if maxTS.IsZero() || ts.After(maxTS) {
				maxTS = ts
			}
		}

		conv.Messages = append(conv.Messages, archive.Message{
			Role:      role,
			Content:   content,
			Model:     m.Model,
			Timestamp: ts,
		})
	}

	if len(conv.Messages) == 0 {
		warn(WarnBadConversation, fmt.Sprintf("xai conversation %s: no messages", externalID))
		return nil, false
	}

	conv.CreatedAt = createdAt
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = minTS
	}
	conv.UpdatedAt = updatedAt
	if !updOK || conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = maxTS
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	return conv, true
}

// mapXAIRole maps Grok role names onto the canonical set.
func mapXAIRole(role string) (archive.Role, bool) {
	switch role {
	case "user", "human":
		return archive.RoleUser, true
	case "assistant", "grok":
		return archive.RoleAssistant, true
	case "system":
		return archive.RoleSystem, true
	case "tool":
		return archive.RoleTool, true
	}
	return "", false
}
