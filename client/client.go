// Package client is a Go SDK for the bookqa HTTP API. A Client is bound to
// one book key; construct one per book you want to query.
package client

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

// APIError is a non-200 response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%d] %s", e.StatusCode, e.Message)
}

// Source is one retrieved passage backing an answer.
type Source struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Answer is the response to a non-streaming question.
type Answer struct {
	ID      string   `json:"id"`
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
	Model   string   `json:"model"`
	Created int64    `json:"created"`
}

// Delta is one fragment of a streamed answer. The channel closes after the
// server's end-of-stream marker; a non-nil Err means the stream terminated
// early and nothing follows.
type Delta struct {
	Text string
	Err  error
}

// Params are optional per-question overrides. Zero values mean the server's
// configured defaults.
type Params struct {
	TopK        int
	Temperature *float64
}

// BookHealth is one book's entry in the server health report.
type BookHealth struct {
	Title     string `json:"title"`
	Status    string `json:"status"`
	IndexSize int    `json:"index_size"`
}

// Health is the server's aggregate readiness report.
type Health struct {
	Status    string       `json:"status"`
	Model     string       `json:"model"`
	Documents []BookHealth `json:"documents"`
}

// Client queries one book on a bookqa server.
type Client struct {
	baseURL    string
	apiKey     string
	book       string
	httpClient *http.Client
	// Streams can outlive any fixed client timeout; they are bounded by
	// the caller's context instead.
	streamClient *http.Client
}

func New(baseURL, apiKey, book string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		book:    book,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		streamClient: &http.Client{},
	}
}

// Book returns the book key this client is bound to.
func (c *Client) Book() string {
	return c.book
}

type queryPayload struct {
	Question    string   `json:"question"`
	Book        string   `json:"book"`
	Stream      bool     `json:"stream"`
	TopK        int      `json:"top_k,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// Ask asks a question and blocks until the full answer is available. A nil
// params uses the server defaults.
func (c *Client) Ask(ctx context.Context, question string, params *Params) (*Answer, error) {
	body, err := c.payload(question, false, params)
	if err != nil {
		return nil, err
	}
	httpReq, err := c.queryRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ask: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var answer Answer
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return nil, fmt.Errorf("decode answer: %w", err)
	}
	return &answer, nil
}

// AskStream asks a question and returns the answer as it is generated.
// Canceling ctx releases the connection; the channel closes after a clean
// end or an error delta.
func (c *Client) AskStream(ctx context.Context, question string, params *Params) (<-chan Delta, error) {
	body, err := c.payload(question, true, params)
	if err != nil {
		return nil, err
	}
	httpReq, err := c.queryRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ask stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}

	deltas := make(chan Delta, 64)
	go func() {
		defer close(deltas)
		defer resp.Body.Close()

		send := func(d Delta) bool {
			select {
			case deltas <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var event struct {
				Delta string `json:"delta"`
				Done  bool   `json:"done"`
				Error string `json:"error"`
			}
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}
			if event.Error != "" {
				send(Delta{Err: &APIError{StatusCode: http.StatusInternalServerError, Message: event.Error}})
				return
			}
			if event.Done {
				return
			}
			if event.Delta != "" {
				if !send(Delta{Text: event.Delta}) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			send(Delta{Err: fmt.Errorf("read stream: %w", err)})
			return
		}
		send(Delta{Err: fmt.Errorf("stream ended without a terminator")})
	}()
	return deltas, nil
}

// Health reports the server's readiness for all registered books.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &health, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
	c.streamClient.CloseIdleConnections()
}

func (c *Client) payload(question string, stream bool, params *Params) ([]byte, error) {
	p := queryPayload{
		Question: question,
		Book:     c.book,
		Stream:   stream,
	}
	if params != nil {
		p.TopK = params.TopK
		p.Temperature = params.Temperature
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}
	return body, nil
}

func (c *Client) queryRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	return httpReq, nil
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	msg := strings.TrimSpace(string(body))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
