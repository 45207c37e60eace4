// Package archive defines the provider-neutral conversation model shared by
// the parsers, the ingestion pipeline, and the storage layer.
package archive

import (
	"fmt"
	"time"
)

// Role identifies the sender of a message after canonicalization.
//
// The canonical vocabulary is intentionally small. Provider-specific role
// strings ("human", "model", "bard", ...) are mapped onto it by the parsers;
// a role that maps onto none of the four values is rejected with a warning,
// never silently re-labeled.
type Role string

// Canonical roles. These align with the conventions used by major LLM
// providers.
const (
	// RoleUser indicates a message from the human user.
	RoleUser Role = "user"

	// RoleAssistant indicates a response generated by the model.
	RoleAssistant Role = "assistant"

	// RoleSystem indicates an instruction message. The first system message
	// of a conversation is usually promoted to the conversation-level
	// system prompt by the parser.
	RoleSystem Role = "system"

	// RoleTool indicates output produced by a tool invocation rather than
	// by the user or the model.
	RoleTool Role = "tool"
)

// Valid reports whether r is one of the four canonical roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Provider is the stable short name of an origin service.
type Provider string

// Supported providers. Seeded into storage at initialization and never
// deleted.
const (
	ProviderChatGPT Provider = "chatgpt"
	ProviderClaude  Provider = "claude"
	ProviderGemini  Provider = "gemini"
	ProviderXAI     Provider = "xai"
	ProviderZed     Provider = "zed"
)

// Providers returns all supported providers in seeding order.
func Providers() []Provider {
	return []Provider{ProviderChatGPT, ProviderClaude, ProviderGemini, ProviderXAI, ProviderZed}
}

// ParseProvider validates a user-supplied provider name.
//
// Returns ErrUnknownProvider wrapped with the offending name so callers can
// surface it directly.
func ParseProvider(name string) (Provider, error) {
	p := Provider(name)
	for _, known := range Providers() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}

// Attachment describes a file or text region attached to a message.
//
// Extracted text is preserved here and is never inlined into the owning
// message's content; rendering layers may surface it separately.
type Attachment struct {
	// Name is the provider's file name or a descriptive label
	// (e.g. "selected_text").
	Name string `json:"name"`

	// MimeType is the attachment's media type when the provider reports
	// one. Empty otherwise.
	MimeType string `json:"mime_type,omitempty"`

	// ExtractedText is text content the provider extracted from the
	// attachment, verbatim.
	ExtractedText string `json:"extracted_text,omitempty"`
}

// Message is a single canonical message within a conversation.
//
// ID, ConversationID and Position are assigned by storage; parsers leave
// them zero. A zero Timestamp means the source carried none and the parser
// could not synthesize one.
type Message struct {
	ID             int64        `json:"id,omitempty"`
	ConversationID int64        `json:"conversation_id,omitempty"`
	Role           Role         `json:"role"`
	Content        string       `json:"content"`
	Model          string       `json:"model,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
	Position       int          `json:"position"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Conversation is the canonical conversation record produced by parsers and
// persisted by storage.
//
// ID, Provider and MessageCount are filled by storage on read; parsers
// populate everything else. RawJSON preserves the provider's source record
// verbatim for forward migration (e.g. recovering dropped ChatGPT branches).
type Conversation struct {
	ID           int64     `json:"id,omitempty"`
	Provider     Provider  `json:"provider,omitempty"`
	ExternalID   string    `json:"external_id"`
	Title        string    `json:"title,omitempty"`
	Model        string    `json:"model,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	MaxTokens    *int64    `json:"max_tokens,omitempty"`
	RawJSON      []byte    `json:"-"`
	MessageCount int       `json:"message_count"`

	// Messages in display order. Positions are reassigned 0..N-1 by the
	// ingestion pipeline from this order.
	Messages []Message `json:"messages,omitempty"`
}
