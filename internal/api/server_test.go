package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bookqa/internal/auth"
	"bookqa/internal/config"
	"bookqa/internal/engine"
	"bookqa/internal/indexcache"
	"bookqa/internal/provider"
)

const testAPIKey = "bq-test-key-0123456789"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 8)
	for _, r := range text {
		vec[int(r)%8]++
	}
	return vec, nil
}

func (fakeEmbedder) Model() string { return "fake-embed" }

type fakeGenerator struct {
	tokens []provider.Token
}

func (g *fakeGenerator) Generate(ctx context.Context, req provider.GenerateRequest) (string, error) {
	ch, err := g.GenerateStream(ctx, req)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for tok := range ch {
		if tok.Err != nil {
			return "", tok.Err
		}
		sb.WriteString(tok.Text)
	}
	return sb.String(), nil
}

func (g *fakeGenerator) GenerateStream(_ context.Context, _ provider.GenerateRequest) (<-chan provider.Token, error) {
	ch := make(chan provider.Token, len(g.tokens))
	for _, tok := range g.tokens {
		ch <- tok
	}
	close(ch)
	return ch, nil
}

func (g *fakeGenerator) Model() string { return "fake-model" }

func answerScript(parts ...string) []provider.Token {
	toks := make([]provider.Token, 0, len(parts)+1)
	for _, p := range parts {
		toks = append(toks, provider.Token{Text: p})
	}
	return append(toks, provider.Token{Done: true})
}

func testManager(t *testing.T) *auth.Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "api_keys.json")
	data := `{"keys":{"` + testAPIKey + `":{"name":"test","created":"2026-01-01T00:00:00Z"}}}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write keys file: %v", err)
	}
	m, err := auth.LoadManager(path, testLogger())
	if err != nil {
		t.Fatalf("load manager: %v", err)
	}
	return m
}

func writeTestBook(t *testing.T) string {
	t.Helper()
	bookPath := filepath.Join(t.TempDir(), "book.txt")
	if err := os.WriteFile(bookPath, []byte("abcdefghijklmnopqrstuvwxyz0123"), 0o644); err != nil {
		t.Fatalf("write book: %v", err)
	}
	return bookPath
}

// buildServer constructs a server over the given books with their engines
// already initialized.
func buildServer(t *testing.T, gen provider.Generator, books []config.Book, timeout time.Duration) *Server {
	t.Helper()

	opts := engine.Options{
		ChunkSize:          10,
		ChunkOverlap:       5,
		TopK:               3,
		MaxTopK:            10,
		Temperature:        0.3,
		TopP:               0.9,
		MaxTokens:          384,
		ContextWindow:      2048,
		MaxConcurrentEmbed: 2,
	}

	cache := indexcache.New(t.TempDir(), testLogger())
	registry := engine.NewRegistry(&config.Library{Books: books}, opts, fakeEmbedder{}, gen, cache, testLogger(), 2)
	if err := registry.Init(context.Background()); err != nil {
		t.Fatalf("registry init: %v", err)
	}

	cfg := config.Config{
		OllamaModel:  "fake-model",
		QueryTimeout: timeout,
	}
	return NewServer(registry, testManager(t), provider.NewCallStats(time.Hour), testLogger(), cfg)
}

// newTestServer builds a server over a single book that is already indexed.
// withBrokenBook adds a second book whose file is missing, leaving its
// engine failed.
func newTestServer(t *testing.T, gen *fakeGenerator, withBrokenBook bool) *Server {
	t.Helper()
	books := []config.Book{{Key: "alphabet", Title: "The Alphabet", File: writeTestBook(t)}}
	if withBrokenBook {
		books = append(books, config.Book{Key: "broken", Title: "Broken", File: filepath.Join(t.TempDir(), "absent.txt")})
	}
	return buildServer(t, gen, books, 30*time.Second)
}

func doJSON(t *testing.T, s *Server, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealth_NoAuthRequired(t *testing.T) {
	s := newTestServer(t, &fakeGenerator{tokens: answerScript("ok")}, false)

	rec := doJSON(t, s, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var h engine.Health
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if h.Status != "ready" {
		t.Errorf("expected ready, got %s", h.Status)
	}
	if h.Model != "fake-model" {
		t.Errorf("unexpected model: %s", h.Model)
	}
	if len(h.Documents) != 1 || h.Documents[0].IndexSize == 0 {
		t.Errorf("unexpected documents: %+v", h.Documents)
	}
}

func TestHealth_DegradedWithFailedBook(t *testing.T) {
	s := newTestServer(t, &fakeGenerator{tokens: answerScript("ok")}, true)

	rec := doJSON(t, s, http.MethodGet, "/health", "", nil)
	var h engine.Health
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if h.Status != "degraded" {
		t.Errorf("expected degraded, got %s", h.Status)
	}
}

func TestAuth_Rejections(t *testing.T) {
	s := newTestServer(t, &fakeGenerator{tokens: answerScript("ok")}, false)
	body := map[string]any{"question": "q", "book": "alphabet"}

	rec := doJSON(t, s, http.MethodPost, "/v1/query", "", body)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: expected 401, got %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/query", "wrong-key", body)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad key: expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Basic abc")
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusUnauthorized {
		t.Errorf("non-bearer scheme: expected 401, got %d", rec2.Code)
	}
}

func TestQuery_Validation(t *testing.T) {
	s := newTestServer(t, &fakeGenerator{tokens: answerScript("ok")}, false)

	badTopK := 11
	badTemp := 3.0
	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing question", map[string]any{"book": "alphabet"}},
		{"blank question", map[string]any{"question": "   ", "book": "alphabet"}},
		{"question too long", map[string]any{"question": strings.Repeat("x", 2001), "book": "alphabet"}},
		{"missing book", map[string]any{"question": "q"}},
		{"top_k out of range", map[string]any{"question": "q", "book": "alphabet", "top_k": badTopK}},
		{"temperature out of range", map[string]any{"question": "q", "book": "alphabet", "temperature": badTemp}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, s, http.MethodPost, "/v1/query", testAPIKey, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestQuery_UnknownBookListsAvailable(t *testing.T) {
	s := newTestServer(t, &fakeGenerator{tokens: answerScript("ok")}, false)

	rec := doJSON(t, s, http.MethodPost, "/v1/query", testAPIKey, map[string]any{"question": "q", "book": "nope"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "alphabet") {
		t.Errorf("error should list available books: %s", rec.Body.String())
	}
}

func TestQuery_BlockingAnswer(t *testing.T) {
	s := newTestServer(t, &fakeGenerator{tokens: answerScript("The answer", " is 42.")}, false)

	rec := doJSON(t, s, http.MethodPost, "/v1/query", testAPIKey, map[string]any{
		"question": "what is the answer?",
		"book":     "Alphabet", // book keys are matched case-insensitively
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp queryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Answer != "The answer is 42." {
		t.Errorf("unexpected answer: %q", resp.Answer)
	}
	if !strings.HasPrefix(resp.ID, "rag-") {
		t.Errorf("unexpected id: %q", resp.ID)
	}
	if resp.Model != "fake-model" {
		t.Errorf("unexpected model: %q", resp.Model)
	}
	if len(resp.Sources) != 3 {
		t.Errorf("expected 3 sources, got %d", len(resp.Sources))
	}
	for _, src := range resp.Sources {
		if src.Text == "" {
			t.Error("source with empty text")
		}
	}
}

func TestQuery_NotReadyBookIs503(t *testing.T) {
	s := newTestServer(t, &fakeGenerator{tokens: answerScript("ok")}, true)

	rec := doJSON(t, s, http.MethodPost, "/v1/query", testAPIKey, map[string]any{"question": "q", "book": "broken"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
}

func parseSSE(t *testing.T, body string) (events []string) {
	t.Helper()
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if !strings.HasPrefix(block, "data: ") {
			t.Fatalf("malformed SSE block: %q", block)
		}
		events = append(events, strings.TrimPrefix(block, "data: "))
	}
	return events
}

func TestQuery_Streaming(t *testing.T) {
	s := newTestServer(t, &fakeGenerator{tokens: answerScript("one ", "two ", "three")}, false)

	rec := doJSON(t, s, http.MethodPost, "/v1/query", testAPIKey, map[string]any{
		"question": "q",
		"book":     "alphabet",
		"stream":   true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", ct)
	}

	events := parseSSE(t, rec.Body.String())
	if len(events) < 3 {
		t.Fatalf("expected delta events plus terminators, got %v", events)
	}
	if events[len(events)-1] != "[DONE]" {
		t.Errorf("expected [DONE] sentinel, got %q", events[len(events)-1])
	}

	var text string
	var id string
	for _, ev := range events[:len(events)-1] {
		var chunk streamChunk
		if err := json.Unmarshal([]byte(ev), &chunk); err != nil {
			t.Fatalf("decode event %q: %v", ev, err)
		}
		if id == "" {
			id = chunk.ID
		} else if chunk.ID != id {
			t.Errorf("event id changed mid-stream: %q vs %q", chunk.ID, id)
		}
		text += chunk.Delta
	}
	if text != "one two three" {
		t.Errorf("concatenated deltas: expected %q, got %q", "one two three", text)
	}

	var last streamChunk
	if err := json.Unmarshal([]byte(events[len(events)-2]), &last); err != nil {
		t.Fatalf("decode terminal event: %v", err)
	}
	if !last.Done {
		t.Error("event before [DONE] must have done=true")
	}
}

func TestQuery_StreamingMidStreamError(t *testing.T) {
	gen := &fakeGenerator{tokens: []provider.Token{
		{Text: "partial"},
		{Err: context.DeadlineExceeded},
	}}
	s := newTestServer(t, gen, false)

	rec := doJSON(t, s, http.MethodPost, "/v1/query", testAPIKey, map[string]any{
		"question": "q",
		"book":     "alphabet",
		"stream":   true,
	})

	events := parseSSE(t, rec.Body.String())
	if len(events) == 0 {
		t.Fatal("expected events")
	}
	last := events[len(events)-1]
	if last == "[DONE]" {
		t.Fatal("failed stream must not end with the clean sentinel")
	}
	var errEvent map[string]string
	if err := json.Unmarshal([]byte(last), &errEvent); err != nil {
		t.Fatalf("decode error event: %v", err)
	}
	if errEvent["error"] == "" {
		t.Errorf("expected error event, got %v", errEvent)
	}
}

func TestQuery_BookKeysMatchedCaseInsensitively(t *testing.T) {
	// A library entry registered with a mixed-case key must stay reachable
	// however the caller spells it.
	books := []config.Book{{Key: "CS101", Title: "Intro to CS", File: writeTestBook(t)}}
	s := buildServer(t, &fakeGenerator{tokens: answerScript("ok")}, books, 30*time.Second)

	for _, spelling := range []string{"CS101", "cs101", "Cs101"} {
		rec := doJSON(t, s, http.MethodPost, "/v1/query", testAPIKey, map[string]any{
			"question": "q",
			"book":     spelling,
		})
		if rec.Code != http.StatusOK {
			t.Errorf("book %q: expected 200, got %d: %s", spelling, rec.Code, rec.Body.String())
		}
	}
}

func TestQuery_QuestionLimitCountsRunes(t *testing.T) {
	s := newTestServer(t, &fakeGenerator{tokens: answerScript("ok")}, false)

	// 1500 two-byte runes is 3000 bytes but well under the 2000-char limit.
	rec := doJSON(t, s, http.MethodPost, "/v1/query", testAPIKey, map[string]any{
		"question": strings.Repeat("é", 1500),
		"book":     "alphabet",
	})
	if rec.Code != http.StatusOK {
		t.Errorf("1500-rune question: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/query", testAPIKey, map[string]any{
		"question": strings.Repeat("é", 2001),
		"book":     "alphabet",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("2001-rune question: expected 400, got %d", rec.Code)
	}
}

// stallingGenerator emits one token, then holds the stream open until the
// request context expires, closing without a terminal token the way an
// aborted provider connection does.
type stallingGenerator struct{}

func (stallingGenerator) Generate(ctx context.Context, req provider.GenerateRequest) (string, error) {
	return "", context.DeadlineExceeded
}

func (stallingGenerator) GenerateStream(ctx context.Context, _ provider.GenerateRequest) (<-chan provider.Token, error) {
	ch := make(chan provider.Token, 1)
	go func() {
		defer close(ch)
		ch <- provider.Token{Text: "partial"}
		<-ctx.Done()
	}()
	return ch, nil
}

func (stallingGenerator) Model() string { return "fake-model" }

func TestQuery_StreamTimeoutEmitsErrorEvent(t *testing.T) {
	books := []config.Book{{Key: "alphabet", Title: "The Alphabet", File: writeTestBook(t)}}
	s := buildServer(t, stallingGenerator{}, books, 50*time.Millisecond)

	rec := doJSON(t, s, http.MethodPost, "/v1/query", testAPIKey, map[string]any{
		"question": "q",
		"book":     "alphabet",
		"stream":   true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	events := parseSSE(t, rec.Body.String())
	if len(events) == 0 {
		t.Fatal("expected events")
	}
	last := events[len(events)-1]
	if last == "[DONE]" {
		t.Fatal("timed-out stream must not end with the clean sentinel")
	}
	var errEvent map[string]string
	if err := json.Unmarshal([]byte(last), &errEvent); err != nil {
		t.Fatalf("decode last event %q: %v", last, err)
	}
	if errEvent["error"] == "" {
		t.Errorf("expected an explicit error event, got %v", errEvent)
	}
}

func TestLLMStats_Endpoint(t *testing.T) {
	s := newTestServer(t, &fakeGenerator{tokens: answerScript("ok")}, false)

	rec := doJSON(t, s, http.MethodGet, "/api/stats/llm", testAPIKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Model string                                `json:"model"`
		Stats map[provider.Op]provider.OpSnapshot `json:"stats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if payload.Model != "fake-model" {
		t.Errorf("unexpected model: %q", payload.Model)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/stats/llm", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("stats without key: expected 401, got %d", rec.Code)
	}
}
