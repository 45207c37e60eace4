package httpd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dshills/chatvault/archive"
	"github.com/dshills/chatvault/archive/ingest"
	"github.com/dshills/chatvault/archive/query"
	"github.com/dshills/chatvault/archive/store"
)

// newTestServer builds a server over a fresh in-memory store.
func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(query.NewService(st), ingest.NewRunner(st, ingest.WithLogger(log)), log, NewMetrics())
	return srv, st
}

func seedConversation(t *testing.T, st *store.Store, provider archive.Provider, externalID string, contents ...string) int64 {
	t.Helper()
	base := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	conv := &archive.Conversation{
		Provider:   provider,
		ExternalID: externalID,
		Title:      "About " + externalID,
		CreatedAt:  base,
		UpdatedAt:  base.Add(time.Hour),
	}
	for i, c := range contents {
		role := archive.RoleUser
		if i%2 == 1 {
			role = archive.RoleAssistant
		}
		conv.Messages = append(conv.Messages, archive.Message{
			Role: role, Content: c, Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	res, err := st.UpsertConversation(context.Background(), conv)
	if err != nil {
		t.Fatalf("seeding failed: %v", err)
	}
	return res.ConversationID
}

func doRequest(t *testing.T, srv *Server, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, w.Body.String())
	}
	return body
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "healthy" {
		t.Errorf("unexpected body: %v", body)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestSearchEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	seedConversation(t, st, archive.ProviderClaude, "c1", "rust is strict", "indeed")
	seedConversation(t, st, archive.ProviderGemini, "g1", "pasta night")

	w := doRequest(t, srv, http.MethodGet, "/api/search?q=rust", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["total"] != float64(1) {
		t.Errorf("expected total 1, got %v", body["total"])
	}
	results := body["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	hit := results[0].(map[string]any)
	if hit["provider"] != "claude" {
		t.Errorf("unexpected hit: %v", hit)
	}
	if !strings.Contains(hit["snippet"].(string), "<mark>rust</mark>") {
		t.Errorf("snippet lacks highlight: %v", hit["snippet"])
	}
	if body["page"] != float64(1) || body["total_pages"] != float64(1) {
		t.Errorf("unexpected envelope: %v", body)
	}
}

func TestSearchEndpoint_BadProvider(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/api/search?q=x&provider=copilot", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSearchEndpoint_BadQueryNever5xx(t *testing.T) {
	srv, st := newTestServer(t)
	seedConversation(t, st, archive.ProviderClaude, "c1", "content")

	w := doRequest(t, srv, http.MethodGet, "/api/search?q=rust+after:notadate", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed query, got %d", w.Code)
	}
}

func TestListConversationsEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	for i := 0; i < 3; i++ {
		seedConversation(t, st, archive.ProviderXAI, "x"+strconv.Itoa(i), "m")
	}

	w := doRequest(t, srv, http.MethodGet, "/api/conversations?provider=xai&per_page=2", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["total"] != float64(3) || body["total_pages"] != float64(2) {
		t.Errorf("unexpected envelope: %v", body)
	}
	if len(body["conversations"].([]any)) != 2 {
		t.Errorf("expected a page of 2, got %v", body["conversations"])
	}
}

func TestGetConversationEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	id := seedConversation(t, st, archive.ProviderClaude, "c1", "question", "answer")

	w := doRequest(t, srv, http.MethodGet, "/api/conversations/"+strconv.FormatInt(id, 10), nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["external_id"] != "c1" {
		t.Errorf("unexpected conversation: %v", body)
	}
	if len(body["messages"].([]any)) != 2 {
		t.Errorf("expected messages embedded, got %v", body["messages"])
	}
}

func TestGetConversationEndpoint_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/api/conversations/999", nil, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	w = doRequest(t, srv, http.MethodGet, "/api/conversations/notanumber", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed id, got %d", w.Code)
	}
}

func TestGetMessagesEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	id := seedConversation(t, st, archive.ProviderClaude, "c1", "one", "two", "three")

	w := doRequest(t, srv, http.MethodGet, "/api/conversations/"+strconv.FormatInt(id, 10)+"/messages", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	msgs := body["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	first := msgs[0].(map[string]any)
	if first["content"] != "one" || first["position"] != float64(0) {
		t.Errorf("unexpected first message: %v", first)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	seedConversation(t, st, archive.ProviderChatGPT, "s1", "a", "b")

	w := doRequest(t, srv, http.MethodGet, "/api/stats", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["total_conversations"] != float64(1) || body["total_messages"] != float64(2) {
		t.Errorf("unexpected stats: %v", body)
	}
}

// TestImportEndpoint uploads a small xAI export and expects the finalized
// event back.
func TestImportEndpoint(t *testing.T) {
	srv, st := newTestServer(t)

	export := `[
	  {"id": "up-1", "messages": [
	    {"role": "user", "content": "uploaded hello", "timestamp": 1710000000},
	    {"role": "assistant", "content": "uploaded reply", "timestamp": 1710000001}
	  ]}
	]`

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("provider", "xai"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("file", "export.json")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte(export)); err != nil {
		t.Fatal(err)
	}
	_ = mw.Close()

	w := doRequest(t, srv, http.MethodPost, "/api/import", &buf, mw.FormDataContentType())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "completed" || body["conversations_inserted"] != float64(1) {
		t.Errorf("unexpected event: %v", body)
	}

	// The upload is queryable immediately.
	results, total, err := st.Search(context.Background(), "uploaded", store.Filters{}, store.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(results) != 1 {
		t.Errorf("imported conversation not searchable: %d", total)
	}

	// And audited.
	wEvents := doRequest(t, srv, http.MethodGet, "/api/imports", nil, "")
	events := decodeBody(t, wEvents)["imports"].([]any)
	if len(events) != 1 {
		t.Errorf("expected 1 import event, got %d", len(events))
	}
}

func TestImportEndpoint_MissingProvider(t *testing.T) {
	srv, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "export.json")
	_, _ = fw.Write([]byte(`[]`))
	_ = mw.Close()

	w := doRequest(t, srv, http.MethodPost, "/api/import", &buf, mw.FormDataContentType())
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestImportEndpoint_BadFileFails(t *testing.T) {
	srv, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("provider", "chatgpt")
	fw, _ := mw.CreateFormFile("file", "broken.json")
	_, _ = fw.Write([]byte(`{"not": "an array"}`))
	_ = mw.Close()

	w := doRequest(t, srv, http.MethodPost, "/api/import", &buf, mw.FormDataContentType())
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unparsable export, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "failed" {
		t.Errorf("expected the failed event body, got %v", body)
	}
}
