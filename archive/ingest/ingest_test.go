package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dshills/chatvault/archive"
	"github.com/dshills/chatvault/archive/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// chatgptExport: two conversations; the first opens with a system node that
// becomes the conversation-level prompt.
const chatgptExport = `[
  {
    "conversation_id": "conv-1", "title": "Rust help", "create_time": 1700000000,
    "mapping": {
      "root": {"id": "root", "parent": null, "children": ["s"], "message": null},
      "s": {"id": "s", "parent": "root", "children": ["u1"], "message": {
        "author": {"role": "system"}, "create_time": 1700000000,
        "content": {"content_type": "text", "parts": ["You are a helpful programming assistant with expertise in Rust."]}, "metadata": {}}},
      "u1": {"id": "u1", "parent": "s", "children": ["a1"], "message": {
        "author": {"role": "user"}, "create_time": 1700000100,
        "content": {"content_type": "text", "parts": ["What is ownership?"]}, "metadata": {}}},
      "a1": {"id": "a1", "parent": "u1", "children": ["u2"], "message": {
        "author": {"role": "assistant"}, "create_time": 1700000200,
        "content": {"content_type": "text", "parts": ["Every value has a single owner."]}, "metadata": {}}},
      "u2": {"id": "u2", "parent": "a1", "children": ["a2"], "message": {
        "author": {"role": "user"}, "create_time": 1700000300,
        "content": {"content_type": "text", "parts": ["And borrowing?"]}, "metadata": {}}},
      "a2": {"id": "a2", "parent": "u2", "children": [], "message": {
        "author": {"role": "assistant"}, "create_time": 1700000400,
        "content": {"content_type": "text", "parts": ["References borrow without taking ownership."]}, "metadata": {}}}
    }
  },
  {
    "conversation_id": "conv-2", "title": "Short", "create_time": 1700010000,
    "mapping": {
      "root": {"id": "root", "parent": null, "children": ["u"], "message": null},
      "u": {"id": "u", "parent": "root", "children": ["a"], "message": {
        "author": {"role": "user"}, "create_time": 1700010000,
        "content": {"content_type": "text", "parts": ["Hello"]}, "metadata": {}}},
      "a": {"id": "a", "parent": "u", "children": [], "message": {
        "author": {"role": "assistant"}, "create_time": 1700010100,
        "content": {"content_type": "text", "parts": ["Hi"]}, "metadata": {}}}
    }
  }
]`

// TestRun_ChatGPTFixture mirrors the end-to-end scenario: two conversations,
// six stored messages, and the system prompt held at conversation scope.
func TestRun_ChatGPTFixture(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	path := writeFixture(t, "conversations.json", chatgptExport)

	ev, err := NewRunner(st).Run(ctx, archive.ProviderChatGPT, path)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if ev.Status != store.ImportCompleted {
		t.Fatalf("expected completed, got %s (%s)", ev.Status, ev.Error)
	}
	if ev.ConversationsSeen != 2 || ev.ConversationsInserted != 2 || ev.ConversationsUpdated != 0 {
		t.Errorf("unexpected counters: %+v", ev)
	}
	if ev.MessagesInserted != 6 {
		t.Errorf("expected 6 stored messages, got %d", ev.MessagesInserted)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalConversations != 2 || stats.TotalMessages != 6 {
		t.Errorf("expected 2 conversations / 6 messages, got %d / %d",
			stats.TotalConversations, stats.TotalMessages)
	}

	convs, _, err := st.ListConversations(ctx, store.Filters{Provider: archive.ProviderChatGPT}, store.Page{})
	if err != nil {
		t.Fatal(err)
	}
	var conv1 *archive.Conversation
	for i := range convs {
		if convs[i].ExternalID == "conv-1" {
			conv1 = &convs[i]
		}
	}
	if conv1 == nil {
		t.Fatal("conv-1 not stored")
	}
	if conv1.SystemPrompt != "You are a helpful programming assistant with expertise in Rust." {
		t.Errorf("system prompt wrong: %q", conv1.SystemPrompt)
	}
	if conv1.MessageCount != 4 {
		t.Errorf("system node must not be a stored message; count %d", conv1.MessageCount)
	}
}

// TestRun_IdempotentReimport: running the same import twice yields identical
// contents, reused primary keys, zero new conversations and messages, and a
// stored message total equal to the first run's.
func TestRun_IdempotentReimport(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	path := writeFixture(t, "conversations.json", chatgptExport)
	runner := NewRunner(st)

	first, err := runner.Run(ctx, archive.ProviderChatGPT, path)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	firstConvs, _, err := st.ListConversations(ctx, store.Filters{}, store.Page{})
	if err != nil {
		t.Fatal(err)
	}
	firstIDs := map[string]int64{}
	firstContents := map[string][]string{}
	for _, c := range firstConvs {
		firstIDs[c.ExternalID] = c.ID
		msgs, err := st.GetMessages(ctx, c.ID)
		if err != nil {
			t.Fatal(err)
		}
		for _, m := range msgs {
			firstContents[c.ExternalID] = append(firstContents[c.ExternalID], m.Content)
		}
	}

	second, err := runner.Run(ctx, archive.ProviderChatGPT, path)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if second.ConversationsInserted != 0 {
		t.Errorf("second run must insert nothing new, inserted %d", second.ConversationsInserted)
	}
	if second.ConversationsUpdated != 2 {
		t.Errorf("expected 2 replacements, got %d", second.ConversationsUpdated)
	}
	if second.MessagesInserted != 0 {
		t.Errorf("an identical re-import reports zero new messages, got %d", second.MessagesInserted)
	}

	secondConvs, _, err := st.ListConversations(ctx, store.Filters{}, store.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(secondConvs) != len(firstConvs) {
		t.Fatalf("conversation count changed: %d -> %d", len(firstConvs), len(secondConvs))
	}
	for _, c := range secondConvs {
		if firstIDs[c.ExternalID] != c.ID {
			t.Errorf("%s: primary key not reused (%d -> %d)", c.ExternalID, firstIDs[c.ExternalID], c.ID)
		}
		msgs, err := st.GetMessages(ctx, c.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != len(firstContents[c.ExternalID]) {
			t.Fatalf("%s: message count changed", c.ExternalID)
		}
		for i, m := range msgs {
			if m.Content != firstContents[c.ExternalID][i] {
				t.Errorf("%s message %d changed: %q", c.ExternalID, i, m.Content)
			}
		}
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalMessages != int64(first.MessagesInserted) {
		t.Errorf("message total drifted: %d vs %d", stats.TotalMessages, first.MessagesInserted)
	}
}

// TestRun_RoleRejection: a message whose role maps to none of the canonical
// values is not persisted and a warning is recorded.
func TestRun_RoleRejection(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	export := `[
	  {"id": "grok-r", "messages": [
	    {"role": "overlord", "content": "not canonical", "timestamp": 1710000000},
	    {"role": "user", "content": "canonical", "timestamp": 1710000001},
	    {"role": "assistant", "content": "also canonical", "timestamp": 1710000002}
	  ]}
	]`
	path := writeFixture(t, "grok.json", export)

	ev, err := NewRunner(st).Run(ctx, archive.ProviderXAI, path)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if ev.Warnings == 0 {
		t.Error("expected a warning for the rejected role")
	}
	if ev.MessagesInserted != 2 {
		t.Errorf("expected only the canonical messages stored, got %d", ev.MessagesInserted)
	}

	found := false
	for _, d := range ev.Diagnostics {
		if strings.HasPrefix(d, "unmapped_role:") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an unmapped_role diagnostic, got %v", ev.Diagnostics)
	}
}

// TestRun_ZedSynthesizedTimestamps covers the synthetic-time scenario: mtime
// pins updated_at, created_at sits one hour earlier, and message times climb
// strictly between them.
func TestRun_ZedSynthesizedTimestamps(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	dir := t.TempDir()
	content := `{"messages": [
	  {"role": "user", "content": "one"},
	  {"role": "assistant", "content": "two"},
	  {"role": "user", "content": "three"},
	  {"role": "assistant", "content": "four"}
	]}`
	path := filepath.Join(dir, "session.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Date(2023, 8, 1, 10, 10, 0, 0, time.UTC)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	ev, err := NewRunner(st).Run(ctx, archive.ProviderZed, dir)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	tagged := false
	for _, d := range ev.Diagnostics {
		if strings.HasPrefix(d, "synthesized_timestamps:") {
			tagged = true
		}
	}
	if !tagged {
		t.Errorf("expected a synthesized_timestamps diagnostic, got %v", ev.Diagnostics)
	}

	convs, _, err := st.ListConversations(ctx, store.Filters{Provider: archive.ProviderZed}, store.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	conv := convs[0]
	if !conv.UpdatedAt.Equal(mtime) {
		t.Errorf("expected updated_at %v, got %v", mtime, conv.UpdatedAt)
	}
	if !conv.CreatedAt.Equal(time.Date(2023, 8, 1, 9, 10, 0, 0, time.UTC)) {
		t.Errorf("expected created_at one hour earlier, got %v", conv.CreatedAt)
	}

	msgs, err := st.GetMessages(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	prev := conv.CreatedAt
	for i, m := range msgs {
		if !m.Timestamp.After(prev) {
			t.Errorf("message %d: %v not strictly after %v", i, m.Timestamp, prev)
		}
		if m.Timestamp.After(conv.UpdatedAt) {
			t.Errorf("message %d: %v beyond updated_at", i, m.Timestamp)
		}
		prev = m.Timestamp
	}
}

func TestRun_BadRootFails(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	path := writeFixture(t, "broken.json", `{"oops": true}`)

	ev, err := NewRunner(st).Run(ctx, archive.ProviderChatGPT, path)
	if !errors.Is(err, archive.ErrBadInput) {
		t.Fatalf("expected ErrBadInput, got %v", err)
	}
	if ev == nil || ev.Status != store.ImportFailed {
		t.Fatalf("expected a failed event, got %+v", ev)
	}
	if ev.Error == "" {
		t.Error("expected the failure reason on the event")
	}

	// The failed event is persisted.
	events, err := st.ListImportEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Status != store.ImportFailed {
		t.Errorf("failed event not recorded: %+v", events)
	}
}

func TestRun_MissingPath(t *testing.T) {
	st := newTestStore(t)
	_, err := NewRunner(st).Run(context.Background(), archive.ProviderClaude,
		filepath.Join(t.TempDir(), "nope.json"))
	if !errors.Is(err, archive.ErrBadInput) {
		t.Fatalf("expected ErrBadInput for a missing path, got %v", err)
	}
}

func TestRun_UnknownProvider(t *testing.T) {
	st := newTestStore(t)
	_, err := NewRunner(st).Run(context.Background(), archive.Provider("copilot"), "x")
	if !errors.Is(err, archive.ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

// TestRun_SkipsBadConversationContinues: one bad record does not fail the
// run; counters and diagnostics reflect the skip.
func TestRun_SkipsBadConversationContinues(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	export := `[
	  {"conversation_id": "broken", "mapping": {}},
	  {"conversation_id": "fine", "create_time": 1700000000, "mapping": {
	    "root": {"id": "root", "parent": null, "children": ["u"], "message": null},
	    "u": {"id": "u", "parent": "root", "children": [], "message": {
	      "author": {"role": "user"}, "create_time": 1700000000,
	      "content": {"content_type": "text", "parts": ["still works"]}, "metadata": {}}}
	  }}
	]`
	path := writeFixture(t, "mixed.json", export)

	ev, err := NewRunner(st).Run(ctx, archive.ProviderChatGPT, path)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if ev.Status != store.ImportCompleted {
		t.Errorf("expected completed despite the bad record, got %s", ev.Status)
	}
	if ev.ConversationsInserted != 1 {
		t.Errorf("expected the good conversation stored, got %d", ev.ConversationsInserted)
	}
	if ev.Warnings == 0 {
		t.Error("expected a warning for the skipped record")
	}
}

// TestRun_ObserverCallbacks: the metrics hooks see stored conversations and
// warnings.
func TestRun_ObserverCallbacks(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	path := writeFixture(t, "conversations.json", chatgptExport)

	var stored, warned int
	runner := NewRunner(st, WithObserver(
		func(archive.Provider, bool) { stored++ },
		func(archive.Provider, string) { warned++ },
	))
	if _, err := runner.Run(ctx, archive.ProviderChatGPT, path); err != nil {
		t.Fatal(err)
	}
	if stored != 2 {
		t.Errorf("expected 2 stored callbacks, got %d", stored)
	}
	if warned != 0 {
		t.Errorf("expected no warning callbacks, got %d", warned)
	}
}

// TestRun_CanceledContext aborts between conversations.
func TestRun_CanceledContext(t *testing.T) {
	st := newTestStore(t)
	path := writeFixture(t, "conversations.json", chatgptExport)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRunner(st).Run(ctx, archive.ProviderChatGPT, path)
	if err == nil {
		t.Fatal("expected an error from the canceled context")
	}
}
