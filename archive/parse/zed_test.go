package parse

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/chatvault/archive"
)

const zedFixture = `{
  "id": "zed-refactor",
  "title": "Refactor the watcher",
  "model": "claude-3-5-sonnet",
  "messages": [
    {"role": "user", "content": "Extract the retry loop into a helper."},
    {"role": "assistant", "content": "Moved it into retryWithBackoff."},
    {"role": "user", "content": "Add a max attempts limit."},
    {"role": "assistant", "content": "Done, capped at five attempts."}
  ],
  "selected_text": "for { if err := watch(); err != nil { continue } }"
}`

// writeZedDir writes a single-conversation Zed directory whose file mtime is
// pinned to the given instant.
func writeZedDir(t *testing.T, content string, mtime time.Time) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "conversation-1.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestZedParser_SynthesizedTimestamps(t *testing.T) {
	mtime := time.Date(2023, 8, 1, 10, 10, 0, 0, time.UTC)
	dir := writeZedDir(t, zedFixture, mtime)

	convs, warnings := runParser(t, &ZedParser{}, dir)
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	conv := convs[0]

	if !conv.UpdatedAt.Equal(mtime) {
		t.Errorf("expected updated_at %v, got %v", mtime, conv.UpdatedAt)
	}
	wantCreated := time.Date(2023, 8, 1, 9, 10, 0, 0, time.UTC)
	if !conv.CreatedAt.Equal(wantCreated) {
		t.Errorf("expected created_at %v, got %v", wantCreated, conv.CreatedAt)
	}

	if len(conv.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(conv.Messages))
	}
	// Strictly increasing and bracketed by the conversation bounds.
	prev := conv.CreatedAt
	for i, m := range conv.Messages {
		if !m.Timestamp.After(prev) {
			t.Errorf("message %d: timestamp %v not after %v", i, m.Timestamp, prev)
		}
		if m.Timestamp.After(conv.UpdatedAt) {
			t.Errorf("message %d: timestamp %v past updated_at", i, m.Timestamp)
		}
		prev = m.Timestamp
	}
	if !conv.Messages[3].Timestamp.Equal(mtime) {
		t.Errorf("expected the last message to land on updated_at, got %v", conv.Messages[3].Timestamp)
	}

	if !warnings.has(WarnSynthesizedTime) {
		t.Error("expected a synthesized_timestamps warning")
	}
}

func TestZedParser_SelectedTextAsAttachment(t *testing.T) {
	dir := writeZedDir(t, zedFixture, time.Now())
	convs, _ := runParser(t, &ZedParser{}, dir)

	first := convs[0].Messages[0]
	if first.Role != archive.RoleUser {
		t.Fatalf("expected the first message to be the user's, got %s", first.Role)
	}
	if len(first.Attachments) != 1 {
		t.Fatalf("expected 1 attachment on the first user message, got %d", len(first.Attachments))
	}
	att := first.Attachments[0]
	if att.Name != "selected_text" {
		t.Errorf("unexpected attachment name %q", att.Name)
	}
	if att.ExtractedText != "for { if err := watch(); err != nil { continue } }" {
		t.Errorf("selected text not preserved verbatim: %q", att.ExtractedText)
	}
	// Never inlined into the message content.
	if first.Content != "Extract the retry loop into a helper." {
		t.Errorf("selected text leaked into content: %q", first.Content)
	}

	// Later messages carry no copy.
	for _, m := range convs[0].Messages[1:] {
		if len(m.Attachments) != 0 {
			t.Errorf("unexpected attachments on message %+v", m)
		}
	}
}

func TestZedParser_ExternalIDFromFileName(t *testing.T) {
	dir := t.TempDir()
	content := `{"messages": [{"role": "user", "content": "hi"}, {"role": "assistant", "content": "hello"}]}`
	if err := os.WriteFile(filepath.Join(dir, "session-42.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	convs, _ := runParser(t, &ZedParser{}, dir)
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	if convs[0].ExternalID != "session-42" {
		t.Errorf("expected external id from file name, got %q", convs[0].ExternalID)
	}
}

func TestZedParser_MalformedFileSkipped(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "good.json"), []byte(`{"messages": [{"role": "user", "content": "ok"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	convs, warnings := runParser(t, &ZedParser{}, dir)
	if len(convs) != 1 || convs[0].ExternalID != "good" {
		t.Fatalf("expected only the good file, got %+v", convs)
	}
	if !warnings.has(WarnBadConversation) {
		t.Error("expected a bad_conversation warning for the malformed file")
	}
}
