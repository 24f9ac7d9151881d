package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaEmbedder calls the Ollama embeddings API.
type OllamaEmbedder struct {
	baseURL    string
	model      string
	httpClient *http.Client
	stats      *CallStats
}

func NewOllamaEmbedder(baseURL, model string, stats *CallStats) *OllamaEmbedder {
	return &OllamaEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 90 * time.Second,
		},
		stats: stats,
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates an embedding vector for one text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	respBody, err := e.post(ctx, "/api/embeddings", body)
	if e.stats != nil {
		e.stats.Record(OpEmbed, time.Since(start), err == nil)
	}
	if err != nil {
		return nil, err
	}

	var parsed ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned empty embedding")
	}
	return parsed.Embedding, nil
}

func (e *OllamaEmbedder) Model() string {
	return e.model
}

func (e *OllamaEmbedder) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &RetryableError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama api status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	return respBody, nil
}

// OllamaGenerator calls the Ollama generate API, blocking or streaming.
type OllamaGenerator struct {
	baseURL    string
	model      string
	keepAlive  string
	httpClient *http.Client
	stats      *CallStats
}

func NewOllamaGenerator(baseURL, model, keepAlive string, stats *CallStats) *OllamaGenerator {
	return &OllamaGenerator{
		baseURL:   strings.TrimRight(baseURL, "/"),
		model:     model,
		keepAlive: keepAlive,
		httpClient: &http.Client{
			// No client timeout: streams can legitimately run long and
			// are bounded by the request context instead.
			Timeout: 0,
		},
		stats: stats,
	}
}

type ollamaGenerateOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

type ollamaGenerateRequest struct {
	Model     string                `json:"model"`
	Prompt    string                `json:"prompt"`
	System    string                `json:"system,omitempty"`
	Stream    bool                  `json:"stream"`
	KeepAlive string                `json:"keep_alive,omitempty"`
	Options   ollamaGenerateOptions `json:"options"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate produces a complete answer for the prompt.
func (g *OllamaGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	stream, err := g.GenerateStream(ctx, req)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for tok := range stream {
		if tok.Err != nil {
			return "", tok.Err
		}
		sb.WriteString(tok.Text)
	}
	return sb.String(), nil
}

// GenerateStream produces tokens as Ollama emits them. The returned channel
// is closed after a terminal token; canceling ctx aborts the HTTP stream.
func (g *OllamaGenerator) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan Token, error) {
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:     g.model,
		Prompt:    req.Prompt,
		System:    req.System,
		Stream:    true,
		KeepAlive: g.keepAlive,
		Options: ollamaGenerateOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.MaxTokens,
			NumCtx:      req.ContextWindow,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if g.stats != nil {
			g.stats.Record(OpGenerate, time.Since(start), false)
		}
		return nil, fmt.Errorf("ollama api: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if g.stats != nil {
			g.stats.Record(OpGenerate, time.Since(start), false)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &RetryableError{StatusCode: resp.StatusCode, Message: string(respBody)}
		}
		return nil, fmt.Errorf("ollama api status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	ch := make(chan Token, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		ok := false
		defer func() {
			if g.stats != nil {
				g.stats.Record(OpGenerate, time.Since(start), ok)
			}
		}()

		// send drops tokens once the consumer's context is gone so an
		// abandoned stream never blocks this goroutine.
		send := func(tok Token) bool {
			select {
			case ch <- tok:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var chunk ollamaGenerateResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			if chunk.Error != "" {
				send(Token{Err: fmt.Errorf("ollama: %s", chunk.Error)})
				return
			}
			if chunk.Response != "" {
				if !send(Token{Text: chunk.Response}) {
					return
				}
			}
			if chunk.Done {
				ok = true
				send(Token{Done: true})
				return
			}
		}
		if err := scanner.Err(); err != nil {
			send(Token{Err: fmt.Errorf("read stream: %w", err)})
			return
		}
		// Stream ended without a done marker.
		send(Token{Err: fmt.Errorf("ollama stream ended unexpectedly")})
	}()
	return ch, nil
}

func (g *OllamaGenerator) Model() string {
	return g.model
}
