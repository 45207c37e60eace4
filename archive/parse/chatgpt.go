package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dshills/chatvault/archive"
)

// ChatGPTParser reads the conversations.json file from a ChatGPT data
// export.
//
// The root is an array of conversations. Each conversation stores its
// messages as a mapping of node id -> {message, parent, children}: a tree in
// which regenerated answers and edited prompts appear as sibling branches.
// The UI displays the path obtained by always following the latest child, so
// that is the path recovered here; other branches are dropped (they remain
// recoverable from the preserved raw JSON).
type ChatGPTParser struct{}

// Provider implements Parser.
func (p *ChatGPTParser) Provider() archive.Provider { return archive.ProviderChatGPT }

type chatgptConversation struct {
	ID               string                 `json:"id"`
	ConversationID   string                 `json:"conversation_id"`
	Title            string                 `json:"title"`
	CreateTime       json.Number            `json:"create_time"`
	UpdateTime       json.Number            `json:"update_time"`
	DefaultModelSlug string                 `json:"default_model_slug"`
	Mapping          map[string]chatgptNode `json:"mapping"`
}

type chatgptNode struct {
	ID       string          `json:"id"`
	Parent   *string         `json:"parent"`
	Children []string        `json:"children"`
	Message  *chatgptMessage `json:"message"`
}

type chatgptMessage struct {
	Author struct {
		Role string `json:"role"`
	} `json:"author"`
	CreateTime json.Number `json:"create_time"`
	Content    struct {
		ContentType string          `json:"content_type"`
		Parts       json.RawMessage `json:"parts"`
	} `json:"content"`
	Metadata struct {
		ModelSlug string `json:"model_slug"`
	} `json:"metadata"`
}

// Parse implements Parser.
func (p *ChatGPTParser) Parse(ctx context.Context, path string, sink Sink, warn WarnFunc) error {
	f, err := openSource(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

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

// parseConversation converts one export record. Returns ok=false when the
// record is skipped (warning already recorded).
func (p *ChatGPTParser) parseConversation(raw json.RawMessage, index int, warn WarnFunc) (*archive.Conversation, bool) {
	var src chatgptConversation
	if err := json.Unmarshal(raw, &src); err != nil {
		warn(WarnBadConversation, fmt.Sprintf("chatgpt record %d: %v", index, err))
		return nil, false
	}
	if len(src.Mapping) == 0 {
		warn(WarnBadConversation, fmt.Sprintf("chatgpt record %d: empty mapping", index))
		return nil, false
	}

	externalID := src.ConversationID
	if externalID == "" {
		externalID = src.ID
	}
	if externalID == "" {
		externalID = fallbackExternalID(raw)
	}

	conv := &archive.Conversation{
		ExternalID: externalID,
		Title:      src.Title,
		Model:      src.DefaultModelSlug,
		RawJSON:    append([]byte(nil), raw...),
	}

	for _, nodeID := range linearizeMapping(src.Mapping) {
		node := src.Mapping[nodeID]
		msg := node.Message
		if msg == nil {
			continue
		}

		role, ok := mapChatGPTRole(msg.Author.Role)
		if !ok {
			warn(WarnUnmappedRole, fmt.Sprintf("chatgpt conversation %s: role %q", externalID, msg.Author.Role))
			continue
		}

		content := archive.FlattenText(msg.Content.Parts)
		if content == "" {
			continue
		}

		ts, tsOK := archive.ParseTimestamp(msg.CreateTime)
		if !tsOK {
			// Node-level times are optional in older exports; fall back
			// to the conversation create time.
			ts, _ = archive.ParseTimestamp(src.CreateTime)
		}

		// The first system-author node is the conversation's preamble, not
		// a displayed message. Later system nodes stay ordinary messages.
		if role == archive.RoleSystem && conv.SystemPrompt == "" {
			conv.SystemPrompt = content
			continue
		}

		conv.Messages = append(conv.Messages, archive.Message{
			Role:      role,
			Content:   content,
			Model:     msg.Metadata.ModelSlug,
			Timestamp: ts,
		})
	}

	if len(conv.Messages) == 0 && conv.SystemPrompt == "" {
		warn(WarnBadConversation, fmt.Sprintf("chatgpt conversation %s: no displayable messages", externalID))
		return nil, false
	}

	setConversationBounds(conv, src.CreateTime, src.UpdateTime)
	return conv, true
}

// linearizeMapping recovers the displayed transcript from the node tree:
// start at the root (the node with no parent) and repeatedly follow the last
// child. Node ids are returned in display order.
func linearizeMapping(mapping map[string]chatgptNode) []string {
	root := ""
	for id, node := range mapping {
		if node.Parent == nil || *node.Parent == "" {
			root = id
			break
		}
		// Dangling parent references also mark a root in truncated exports.
		if _, exists := mapping[*node.Parent]; !exists {
			root = id
		}
	}
	if root == "" {
		return nil
	}

	path := make([]string, 0, len(mapping))
	seen := make(map[string]bool, len(mapping))
	for id := root; id != "" && !seen[id]; {
		seen[id] = true
		path = append(path, id)
		node := mapping[id]
		id = ""
		for i := len(node.Children) - 1; i >= 0; i-- {
			child := node.Children[i]
			if _, exists := mapping[child]; exists {
				id = child
				break
			}
		}
	}
	return path
}

// setConversationBounds assigns created/updated from the message span,
// falling back to the conversation-level times. Message timestamps are left
// as they are.
func setConversationBounds(conv *archive.Conversation, createRaw, updateRaw json.Number) {
	var minTS, maxTS time.Time
	for _, m := range conv.Messages {
		if m.Timestamp.IsZero() {
			continue
		}
		if minTS.IsZero() || m.Timestamp.Before(minTS) {
			minTS = m.Timestamp
		}
		if maxTS.IsZero() || m.Timestamp.After(maxTS) {
			maxTS = m.Timestamp
		}
	}
	if minTS.IsZero() {
		minTS, _ = archive.ParseTimestamp(createRaw)
	}
	if maxTS.IsZero() {
		maxTS, _ = archive.ParseTimestamp(updateRaw)
		if maxTS.IsZero() {
			maxTS = minTS
		}
	}
	conv.CreatedAt = minTS
	conv.UpdatedAt = maxTS
}

// mapChatGPTRole maps ChatGPT author roles onto the canonical set.
func mapChatGPTRole(role string) (archive.Role, bool) {
	switch role {
	case "user":
		return archive.RoleUser, true
	case "assistant":
		return archive.RoleAssistant, true
	case "system":
		return archive.RoleSystem, true
	case "tool":
		return archive.RoleTool, true
	}
	return "", false
}
