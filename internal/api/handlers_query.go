package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"bookqa/internal/engine"
)

const maxQuestionLen = 2000

type queryRequest struct {
	Question    string   `json:"question"`
	Book        string   `json:"book"`
	Stream      bool     `json:"stream"`
	TopK        *int     `json:"top_k,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type queryResponse struct {
	ID      string           `json:"id"`
	Answer  string           `json:"answer"`
	Sources []engine.Passage `json:"sources"`
	Model   string           `json:"model"`
	Created int64            `json:"created"`
}

type streamChunk struct {
	ID    string `json:"id"`
	Delta string `json:"delta"`
	Done  bool   `json:"done"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if msg := validateQuery(&req); msg != "" {
		jsonError(w, msg, http.StatusBadRequest)
		return
	}

	eng, err := s.registry.Get(strings.ToLower(req.Book))
	if err != nil {
		available := strings.Join(s.registry.Keys(), ", ")
		jsonError(w, fmt.Sprintf("unknown book %q. Available: %s", req.Book, available), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()

	engReq := engine.Request{
		Question:    req.Question,
		Temperature: req.Temperature,
	}
	if req.TopK != nil {
		engReq.TopK = *req.TopK
	}

	if req.Stream {
		s.streamQuery(ctx, w, eng, engReq)
		return
	}

	resp, err := eng.Answer(ctx, engReq)
	if err != nil {
		status, msg := classifyQueryError(err)
		jsonError(w, msg, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(queryResponse{
		ID:      resp.ID,
		Answer:  resp.Answer,
		Sources: resp.Passages,
		Model:   resp.Model,
		Created: resp.Created,
	})
}

// streamQuery delivers the answer as SSE events: one {id,delta,done} per
// fragment, a final {done:true} event, then the [DONE] sentinel. A
// mid-stream failure emits an error event instead of the clean terminator.
func (s *Server) streamQuery(ctx context.Context, w http.ResponseWriter, eng *engine.Engine, req engine.Request) {
	stream, err := eng.AnswerStream(ctx, req)
	if err != nil {
		status, msg := classifyQueryError(err)
		jsonError(w, msg, status)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for delta := range stream.Deltas {
		if delta.Err != nil {
			writeSSE(w, flusher, map[string]string{"error": delta.Err.Error()})
			return
		}
		if delta.Done {
			writeSSE(w, flusher, streamChunk{ID: stream.ID, Delta: "", Done: true})
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		writeSSE(w, flusher, streamChunk{ID: stream.ID, Delta: delta.Text})
	}

	// Deltas closed without a terminal event, which happens when the query
	// context expires mid-stream and the engine's error delta is dropped.
	// The connection itself is still writable, so end with an explicit
	// error event rather than truncating silently.
	msg := "stream ended unexpectedly"
	if err := ctx.Err(); err != nil {
		_, msg = classifyQueryError(err)
	}
	writeSSE(w, flusher, map[string]string{"error": msg})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func validateQuery(req *queryRequest) string {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return "question is required"
	}
	// The limit is in characters, not bytes, so multibyte questions are
	// not short-changed.
	if utf8.RuneCountInString(req.Question) > maxQuestionLen {
		return fmt.Sprintf("question exceeds %d characters", maxQuestionLen)
	}
	if req.Book == "" {
		return "book is required"
	}
	if req.TopK != nil && (*req.TopK < 1 || *req.TopK > 10) {
		return "top_k must be between 1 and 10"
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return "temperature must be between 0.0 and 2.0"
	}
	return ""
}

func classifyQueryError(err error) (int, string) {
	var genErr *engine.GenerationError
	switch {
	case errors.Is(err, engine.ErrNotReady):
		return http.StatusServiceUnavailable, "engine not ready for this book"
	case errors.Is(err, engine.ErrUnknownDocument):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &genErr):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "query timed out"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
