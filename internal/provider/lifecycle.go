package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// CheckOllama verifies the Ollama server is reachable.
func CheckOllama(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama is not reachable at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama health check status %d", resp.StatusCode)
	}
	return nil
}

// EnsureModel checks the generation model is present and pulls it if not.
// Pulls can take minutes for large models; progress is logged, not streamed
// to callers.
func (g *OllamaGenerator) EnsureModel(ctx context.Context, log *slog.Logger) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read model list: %w", err)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &tags); err != nil {
		return fmt.Errorf("decode model list: %w", err)
	}
	for _, m := range tags.Models {
		if strings.Contains(m.Name, g.model) {
			log.Info("model available", "model", g.model)
			return nil
		}
	}

	log.Info("pulling model", "model", g.model)
	pullBody, _ := json.Marshal(map[string]string{"name": g.model})
	pullReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/pull", bytes.NewReader(pullBody))
	if err != nil {
		return fmt.Errorf("create pull request: %w", err)
	}
	pullReq.Header.Set("Content-Type", "application/json")

	pullResp, err := g.httpClient.Do(pullReq)
	if err != nil {
		return fmt.Errorf("pull model: %w", err)
	}
	defer pullResp.Body.Close()
	if pullResp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull model status %d", pullResp.StatusCode)
	}

	scanner := bufio.NewScanner(pullResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var progress struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &progress); err == nil && progress.Status != "" {
			log.Debug("pull progress", "status", progress.Status)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read pull stream: %w", err)
	}
	log.Info("model ready", "model", g.model)
	return nil
}

// Warmup issues a one-token generation so the model is resident before the
// first real query. Failures are not fatal; the first query is just slower.
func (g *OllamaGenerator) Warmup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	_, err := g.Generate(ctx, GenerateRequest{
		Prompt:    "Hi",
		MaxTokens: 1,
	})
	return err
}
