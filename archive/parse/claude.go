package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dshills/chatvault/archive"
)

// ClaudeParser reads Claude data exports: either a single conversations.json
// file whose root is an array of conversation objects, or a directory of
// such files.
//
// Attachment extracted text is preserved as attachment descriptors on the
// owning message and is never inlined into the message content.
type ClaudeParser struct{}

// Provider implements Parser.
func (p *ClaudeParser) Provider() archive.Provider { return archive.ProviderClaude }

type claudeConversation struct {
	UUID         string          `json:"uuid"`
	Name         string          `json:"name"`
	Model        string          `json:"model"`
	SystemPrompt string          `json:"system_prompt"`
	CreatedAt    json.RawMessage `json:"created_at"`
	UpdatedAt    json.RawMessage `json:"updated_at"`
	ChatMessages []claudeMessage `json:"chat_messages"`
}

type claudeMessage struct {
	UUID        string             `json:"uuid"`
	Sender      string             `json:"sender"`
	Text        string             `json:"text"`
	CreatedAt   json.RawMessage    `json:"created_at"`
	Attachments []claudeAttachment `json:"attachments"`
	Files       []claudeAttachment `json:"files"`
}

type claudeAttachment struct {
	FileName         string `json:"file_name"`
	FileType         string `json:"file_type"`
	ExtractedContent string `json:"extracted_content"`
}

// Parse implements Parser.
func (p *ClaudeParser) Parse(ctx context.Context, path string, sink Sink, warn WarnFunc) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", archive.ErrBadInput, err)
	}

	if !info.IsDir() {
		return p.parseFile(ctx, path, sink, warn)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("%w: %v", archive.ErrBadInput, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return fmt.Errorf("%w: no .json files in %s", archive.ErrBadInput, path)
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.parseFile(ctx, filepath.Join(path, name), sink, warn); err != nil {
			return err
		}
	}
	return nil
}

func (p *ClaudeParser) parseFile(ctx context.Context, path string, sink Sink, warn WarnFunc) error {
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

func (p *ClaudeParser) parseConversation(raw json.RawMessage, index int, warn WarnFunc) (*archive.Conversation, bool) {
	var src claudeConversation
	if err := json.Unmarshal(raw, &src); err != nil {
		warn(WarnBadConversation, fmt.Sprintf("claude record %d: %v", index, err))
		return nil, false
	}

	externalID := src.UUID
	if externalID == "" {
		externalID = fallbackExternalID(raw)
	}

	createdAt, _ := archive.ParseTimestamp(rawToValue(src.CreatedAt))
	updatedAt, updOK := archive.ParseTimestamp(rawToValue(src.UpdatedAt))
	if !updOK {
		updatedAt = createdAt
	}

	conv := &archive.Conversation{
		ExternalID:   externalID,
		Title:        src.Name,
		Model:        src.Model,
		SystemPrompt: src.SystemPrompt,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		RawJSON:      append([]byte(nil), raw...),
	}

	for i, m := range src.ChatMessages {
		role, ok := mapClaudeRole(m.Sender)
		if !ok {
			warn(WarnUnmappedRole, fmt.Sprintf("claude conversation %s: sender %q", externalID, m.Sender))
			continue
		}

		ts, tsOK := archive.ParseTimestamp(rawToValue(m.CreatedAt))
		if !tsOK {
			warn(WarnBadTimestamp, fmt.Sprintf("claude conversation %s message %d: missing timestamp", externalID, i))
			ts = createdAt
		}

		msg := archive.Message{
			Role:      role,
			Content:   m.Text,
			Timestamp: ts,
		}
		for _, a := range append(m.Attachments, m.Files...) {
			msg.Attachments = append(msg.Attachments, archive.Attachment{
				Name:          a.FileName,
				MimeType:      a.FileType,
				ExtractedText: a.ExtractedContent,
			})
		}
		conv.Messages = append(conv.Messages, msg)
	}

	if len(conv.Messages) == 0 {
		warn(WarnBadConversation, fmt.Sprintf("claude conversation %s: no messages", externalID))
		return nil, false
	}
	return conv, true
}

// rawToValue decodes a raw JSON scalar for ParseTimestamp, preserving number
// precision.
func rawToValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}

// mapClaudeRole maps Claude sender names onto the canonical set.
func mapClaudeRole(sender string) (archive.Role, bool) {
	switch sender {
	case "human":
		return archive.RoleUser, true
	case "assistant":
		return archive.RoleAssistant, true
	}
	return "", false
}
