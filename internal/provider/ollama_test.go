package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEmbed_ReturnsVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "test-embed" {
			t.Errorf("expected model test-embed, got %s", req.Model)
		}
		if req.Prompt != "hello" {
			t.Errorf("expected prompt hello, got %s", req.Prompt)
		}
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "test-embed", nil)
	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Errorf("unexpected vector: %v", vec)
	}
}

func TestEmbed_EmptyEmbeddingIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaEmbedResponse{})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "test-embed", nil)
	if _, err := e.Embed(context.Background(), "hello"); err == nil {
		t.Error("expected error for empty embedding")
	}
}

func TestEmbed_ServerErrorIsRetryable(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"internal error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
		{"not found", http.StatusNotFound, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, "nope")
			}))
			defer srv.Close()

			e := NewOllamaEmbedder(srv.URL, "test-embed", nil)
			_, err := e.Embed(context.Background(), "hello")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := IsRetryable(err); got != tc.retryable {
				t.Errorf("IsRetryable = %v, want %v for status %d", got, tc.retryable, tc.status)
			}
		})
	}
}

func TestEmbed_RecordsStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{1}})
	}))
	defer srv.Close()

	stats := NewCallStats(time.Hour)
	e := NewOllamaEmbedder(srv.URL, "test-embed", stats)
	if _, err := e.Embed(context.Background(), "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := stats.Snapshot()
	if snap[OpEmbed].Count != 1 {
		t.Errorf("expected 1 embed sample, got %d", snap[OpEmbed].Count)
	}
	if snap[OpEmbed].Failures != 0 {
		t.Errorf("expected 0 failures, got %d", snap[OpEmbed].Failures)
	}
}

func streamServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
}

func TestGenerateStream_TokensThenDone(t *testing.T) {
	srv := streamServer(t, []string{
		`{"response":"Hello"}`,
		`{"response":" world"}`,
		`{"response":"","done":true}`,
	})
	defer srv.Close()

	g := NewOllamaGenerator(srv.URL, "test-model", "30m", nil)
	ch, err := g.GenerateStream(context.Background(), GenerateRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var text string
	sawDone := false
	for tok := range ch {
		if tok.Err != nil {
			t.Fatalf("unexpected stream error: %v", tok.Err)
		}
		if tok.Done {
			sawDone = true
			continue
		}
		text += tok.Text
	}
	if text != "Hello world" {
		t.Errorf("expected %q, got %q", "Hello world", text)
	}
	if !sawDone {
		t.Error("expected a terminal done token")
	}
}

func TestGenerateStream_MidStreamError(t *testing.T) {
	srv := streamServer(t, []string{
		`{"response":"partial"}`,
		`{"error":"model exploded"}`,
	})
	defer srv.Close()

	g := NewOllamaGenerator(srv.URL, "test-model", "", nil)
	ch, err := g.GenerateStream(context.Background(), GenerateRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var streamErr error
	for tok := range ch {
		if tok.Err != nil {
			streamErr = tok.Err
		}
	}
	if streamErr == nil {
		t.Fatal("expected an error token")
	}
}

func TestGenerateStream_TruncatedStreamIsError(t *testing.T) {
	srv := streamServer(t, []string{
		`{"response":"partial"}`,
	})
	defer srv.Close()

	g := NewOllamaGenerator(srv.URL, "test-model", "", nil)
	ch, err := g.GenerateStream(context.Background(), GenerateRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var streamErr error
	for tok := range ch {
		if tok.Err != nil {
			streamErr = tok.Err
		}
	}
	if streamErr == nil {
		t.Fatal("expected an error token for a stream without a done marker")
	}
}

func TestGenerateStream_SendsOptions(t *testing.T) {
	var got ollamaGenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		fmt.Fprintln(w, `{"response":"","done":true}`)
	}))
	defer srv.Close()

	g := NewOllamaGenerator(srv.URL, "test-model", "30m", nil)
	ch, err := g.GenerateStream(context.Background(), GenerateRequest{
		System:        "be brief",
		Prompt:        "hi",
		Temperature:   0.3,
		TopP:          0.9,
		MaxTokens:     384,
		ContextWindow: 2048,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for range ch {
	}

	if !got.Stream {
		t.Error("expected stream=true")
	}
	if got.Model != "test-model" || got.System != "be brief" || got.KeepAlive != "30m" {
		t.Errorf("unexpected request fields: %+v", got)
	}
	if got.Options.Temperature != 0.3 || got.Options.TopP != 0.9 {
		t.Errorf("unexpected sampling options: %+v", got.Options)
	}
	if got.Options.NumPredict != 384 || got.Options.NumCtx != 2048 {
		t.Errorf("unexpected limits: %+v", got.Options)
	}
}

func TestGenerate_CollectsStream(t *testing.T) {
	srv := streamServer(t, []string{
		`{"response":"a"}`,
		`{"response":"b"}`,
		`{"response":"c"}`,
		`{"done":true}`,
	})
	defer srv.Close()

	g := NewOllamaGenerator(srv.URL, "test-model", "", nil)
	out, err := g.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "abc" {
		t.Errorf("expected %q, got %q", "abc", out)
	}
}

func TestGenerateStream_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := NewOllamaGenerator(srv.URL, "test-model", "", nil)
	_, err := g.GenerateStream(context.Background(), GenerateRequest{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRetryable(err) {
		t.Errorf("expected 503 to be retryable, got %v", err)
	}
}

func TestGenerateStream_ContextCancelAbandonsStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"response":"first"}`)
		flusher.Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	g := NewOllamaGenerator(srv.URL, "test-model", "", nil)
	ch, err := g.GenerateStream(ctx, GenerateRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tok := <-ch
	if tok.Text != "first" {
		t.Fatalf("expected first token, got %+v", tok)
	}
	cancel()

	// The producer must close the channel once the context is gone.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("stream channel not closed after cancel")
		}
	}
}
