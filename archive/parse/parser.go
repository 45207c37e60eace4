// Package parse implements the provider-specific export parsers.
//
// All parsers share one contract: consume one source artifact (a file or a
// directory) and produce a finite sequence of canonical conversations, each
// with its messages in display order. A parser never fails the whole run for
// one bad conversation; it skips it and records a warning. Only an
// unrecognizable root structure or unreadable input aborts the run.
//
// Parsers are pure with respect to process state: they read the source,
// call the sink, and return. They are individually testable by feeding
// fixture files.
package parse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dshills/chatvault/archive"
)

// Warning tags recorded in import-event diagnostics.
const (
	WarnBadConversation = "bad_conversation"
	WarnBadTimestamp    = "bad_timestamp"
	WarnEmptyMessage    = "empty_message"
	WarnNoSystemPrompt  = "no_system_prompt"
	WarnSynthesizedTime = "synthesized_timestamps"
	WarnUnknownChunk    = "unknown_chunk"
	WarnUnmappedRole    = "unmapped_role"
)

// Sink receives canonical conversations as they are parsed.
//
// A non-nil error aborts the parse; parsers propagate it unchanged so the
// pipeline can distinguish storage failures from parse failures.
type Sink func(conv *archive.Conversation) error

// WarnFunc records a non-fatal parse warning. The tag is one of the Warn*
// constants; detail is a short human-readable diagnostic.
type WarnFunc func(tag, detail string)

// Parser converts one provider's export artifact into canonical
// conversations.
type Parser interface {
	// Provider returns the provider tag this parser handles.
	Provider() archive.Provider

	// Parse reads the artifact at path and streams conversations to sink.
	//
	// Returns archive.ErrBadInput (wrapped) when the root structure is
	// unrecognizable or the path is unreadable. Per-conversation problems
	// go through warn and do not abort the run. Errors returned by sink
	// are propagated unchanged.
	Parse(ctx context.Context, path string, sink Sink, warn WarnFunc) error
}

// ForProvider returns the parser for the given provider tag.
func ForProvider(p archive.Provider) (Parser, error) {
	switch p {
	case archive.ProviderChatGPT:
		return &ChatGPTParser{}, nil
	case archive.ProviderClaude:
		return &ClaudeParser{}, nil
	case archive.ProviderGemini:
		return &GeminiParser{}, nil
	case archive.ProviderXAI:
		return &XAIParser{}, nil
	case archive.ProviderZed:
		return &ZedParser{}, nil
	}
	return nil, fmt.Errorf("%w: %q", archive.ErrUnknownProvider, p)
}

// eachArrayElement streams the elements of a JSON array root without holding
// the whole file in memory. The callback receives each element verbatim.
//
// Returns archive.ErrBadInput if the root is not an array. Callback errors
// abort the stream and are propagated.
func eachArrayElement(ctx context.Context, r io.Reader, fn func(raw json.RawMessage) error) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", archive.ErrBadInput, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return fmt.Errorf("%w: expected a top-level array, found %v", archive.ErrBadInput, tok)
	}

	for dec.More() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("%w: %v", archive.ErrBadInput, err)
		}
		if err := fn(raw); err != nil {
			return err
		}
	}

	// Consume the closing bracket so trailing garbage is reported.
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("%w: %v", archive.ErrBadInput, err)
	}
	return nil
}

// openSource opens path for reading, mapping failures onto the input error
// kind.
func openSource(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", archive.ErrBadInput, err)
	}
	return f, nil
}

// fallbackExternalID derives a stable external id from the raw source record
// for exports that carry no conversation id. Hash-derived ids keep re-imports
// of identical content idempotent.
func fallbackExternalID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}
