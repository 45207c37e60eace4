package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dshills/chatvault/archive"
)

// zedTimestampWindow is the synthetic span of a Zed conversation: the file's
// last-modified time is taken as updated_at and created_at sits one window
// earlier.
const zedTimestampWindow = time.Hour

// ZedParser reads conversation files written by the Zed editor's assistant
// panel: a directory of JSON files, one conversation per file.
//
// The format carries no per-message timestamps at all. Timestamps are
// synthesized from the file's mtime: updated_at = mtime, created_at =
// mtime - 1h, and the N messages are distributed linearly over that window
// in order. Every synthesized conversation is flagged with a
// synthesized_timestamps warning so the times are never mistaken for
// authentic data.
type ZedParser struct{}

// Provider implements Parser.
func (p *ZedParser) Provider() archive.Provider { return archive.ProviderZed }

type zedConversation struct {
	ID               string       `json:"id"`
	Title            string       `json:"title"`
	Summary          string       `json:"summary"`
	Model            string       `json:"model"`
	Messages         []zedMessage `json:"messages"`
	WorkspaceContext string       `json:"workspace_context"`
	SelectedText     string       `json:"selected_text"`
}

type zedMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Text    string `json:"text"`
}

// Parse implements Parser.
func (p *ZedParser) Parse(ctx context.Context, path string, sink Sink, warn WarnFunc) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", archive.ErrBadInput, err)
	}

	if !info.IsDir() {
		return p.parseFile(path, sink, warn)
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
		if err := p.parseFile(filepath.Join(path, name), sink, warn); err != nil {
			return err
		}
	}
	return nil
}

func (p *ZedParser) parseFile(path string, sink Sink, warn WarnFunc) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", archive.ErrBadInput, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", archive.ErrBadInput, err)
	}

	var src zedConversation
	if err := json.Unmarshal(raw, &src); err != nil {
		warn(WarnBadConversation, fmt.Sprintf("zed file %s: %v", filepath.Base(path), err))
		return nil
	}

	externalID := src.ID
	if externalID == "" {
		externalID = strings.TrimSuffix(filepath.Base(path), ".json")
	}

	title := src.Title
	if title == "" {
		title = src.Summary
	}

	updatedAt := info.ModTime().UTC()
	createdAt := updatedAt.Add(-zedTimestampWindow)

	conv := &archive.Conversation{
		ExternalID: externalID,
		Title:      title,
		Model:      src.Model,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
		RawJSON:    raw,
	}

	for i, m := range src.Messages {
		role, ok := mapZedRole(m.Role)
		if !ok {
			warn(WarnUnmappedRole, fmt.Sprintf("zed conversation %s: role %q", externalID, m.Role))
			continue
		}
		content := m.Content
		if content == "" {
			content = m.Text
		}
		if content == "" {
			warn(WarnEmptyMessage, fmt.Sprintf("zed conversation %s message %d: empty", externalID, i))
			continue
		}
		conv.Messages = append(conv.Messages, archive.Message{
			Role:    role,
			Content: content,
		})
	}

	if len(conv.Messages) == 0 {
		warn(WarnBadConversation, fmt.Sprintf("zed conversation %s: no messages", externalID))
		return nil
	}

	// Distribute timestamps linearly over the window so order is strictly
	// increasing and the last message lands on updated_at.
	step := zedTimestampWindow / time.Duration(len(conv.Messages))
	for i := range conv.Messages {
		conv.Messages[i].Timestamp = createdAt.Add(step * time.Duration(i+1))
	}
	warn(WarnSynthesizedTime, fmt.Sprintf("zed conversation %s: timestamps synthesized from file mtime", externalID))

	// Source text captured by the editor rides along as an attachment on
	// the first user message, never inlined.
	if src.WorkspaceContext != "" || src.SelectedText != "" {
		for i := range conv.Messages {
			if conv.Messages[i].Role != archive.RoleUser {
				continue
			}
			if src.WorkspaceContext != "" {
				conv.Messages[i].Attachments = append(conv.Messages[i].Attachments, archive.Attachment{
					Name:          "workspace_context",
					ExtractedText: src.WorkspaceContext,
				})
			}
			if src.SelectedText != "" {
				conv.Messages[i].Attachments = append(conv.Messages[i].Attachments, archive.Attachment{
					Name:          "selected_text",
					ExtractedText: src.SelectedText,
				})
			}
			break
		}
	}

	return sink(conv)
}

// mapZedRole maps Zed assistant-panel roles onto the canonical set.
func mapZedRole(role string) (archive.Role, bool) {
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
