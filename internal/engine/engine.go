// Package engine owns retrieval and generation for registered books: one
// query engine per book, plus the registry that builds and dispatches them.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bookqa/internal/config"
	"bookqa/internal/extract"
	"bookqa/internal/indexcache"
	"bookqa/internal/provider"
	"bookqa/internal/segment"
	"bookqa/internal/vectorindex"
)

// State is an engine's lifecycle position. failed is terminal until restart.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateBuilding      State = "building"
	StateReady         State = "ready"
	StateFailed        State = "failed"
)

// Options are the build and query parameters shared by all engines.
type Options struct {
	ChunkSize    int
	ChunkOverlap int

	TopK    int
	MaxTopK int

	Temperature   float64
	TopP          float64
	MaxTokens     int
	ContextWindow int

	MaxConcurrentEmbed   int
	PDFFallbackPdftotext bool
}

// Passage is one retrieved chunk with its similarity score. Produced fresh
// per query, never persisted.
type Passage struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Request is one question against one engine.
type Request struct {
	Question string
	// TopK <= 0 means the configured default.
	TopK int
	// Temperature nil means the configured default.
	Temperature *float64
}

// Response is a complete, non-streaming answer.
type Response struct {
	ID       string
	Answer   string
	Passages []Passage
	Model    string
	Created  int64
}

// Delta is one fragment of a streamed answer. A terminal delta has
// Done=true (clean end) or a non-nil Err (early termination); already
// delivered fragments are never retracted.
type Delta struct {
	Text string
	Done bool
	Err  error
}

// Stream is a single-pass streaming answer. Passages are available before
// generation starts since retrieval does not stream.
type Stream struct {
	ID       string
	Passages []Passage
	Model    string
	Deltas   <-chan Delta
}

// Engine answers questions about exactly one book. Build must complete
// before queries are accepted; queries against a non-ready engine fail fast
// with ErrNotReady (they never wait).
type Engine struct {
	book     config.Book
	opts     Options
	embedder provider.Embedder
	gen      provider.Generator
	cache    *indexcache.Cache
	log      *slog.Logger

	mu     sync.RWMutex
	state  State
	chunks []segment.Chunk
	index  *vectorindex.Flat
}

func New(book config.Book, opts Options, embedder provider.Embedder, gen provider.Generator, cache *indexcache.Cache, log *slog.Logger) *Engine {
	return &Engine{
		book:     book,
		opts:     opts,
		embedder: embedder,
		gen:      gen,
		cache:    cache,
		log:      log.With("book", book.Key),
		state:    StateUninitialized,
	}
}

func (e *Engine) Key() string   { return e.book.Key }
func (e *Engine) Title() string { return e.book.Title }

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// IndexSize returns the number of indexed chunks, 0 unless ready.
func (e *Engine) IndexSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != StateReady {
		return 0
	}
	return e.index.Size()
}

func (e *Engine) chunkParams() (size, overlap int) {
	size, overlap = e.opts.ChunkSize, e.opts.ChunkOverlap
	if e.book.ChunkSize > 0 {
		size, overlap = e.book.ChunkSize, e.book.ChunkOverlap
	}
	return size, overlap
}

// Build extracts, segments, embeds, and indexes the book, using the
// persistent cache when the fingerprint matches. It runs at most once per
// engine; a failed build is terminal and not retried.
func (e *Engine) Build(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateUninitialized {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("build already attempted (state %s)", state)
	}
	e.state = StateBuilding
	e.mu.Unlock()

	chunks, index, err := e.build(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.state = StateFailed
		e.log.Error("build failed", "error", err)
		return fmt.Errorf("build %s: %w", e.book.Key, err)
	}
	e.chunks = chunks
	e.index = index
	e.state = StateReady
	e.log.Info("engine ready", "chunks", len(chunks))
	return nil
}

func (e *Engine) build(ctx context.Context) ([]segment.Chunk, *vectorindex.Flat, error) {
	start := time.Now()

	f, err := os.Open(e.book.File)
	if err != nil {
		return nil, nil, fmt.Errorf("open book file: %w", err)
	}
	ex, err := extract.ForFile(e.book.File, extract.Options{PDFFallbackPdftotext: e.opts.PDFFallbackPdftotext})
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	text, err := ex.Extract(f, e.book.File)
	f.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("extract text: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil, fmt.Errorf("book contains no extractable text")
	}

	size, overlap := e.chunkParams()
	fingerprint := indexcache.Fingerprint(indexcache.ContentHash(text), size, overlap, e.embedder.Model())

	if entry, ok := e.cache.Load(e.book.Key, fingerprint); ok {
		index, err := vectorindex.New(entry.Vectors)
		if err != nil {
			// Loudly rebuild rather than serve a half-usable index.
			e.log.Warn("cached vectors unusable, rebuilding", "error", err)
		} else {
			e.log.Info("loaded index from cache", "chunks", len(entry.Chunks), "elapsed", time.Since(start).Round(time.Millisecond))
			return entry.Chunks, index, nil
		}
	}

	chunks, err := segment.Split(text, size, overlap)
	if err != nil {
		return nil, nil, fmt.Errorf("segment text: %w", err)
	}
	if len(chunks) == 0 {
		return nil, nil, fmt.Errorf("segmentation produced no chunks")
	}
	e.log.Info("embedding chunks", "chunks", len(chunks))

	vectors, err := e.embedChunks(ctx, chunks)
	if err != nil {
		return nil, nil, err
	}

	// Store before New normalizes the rows in place, so the cache holds the
	// same raw vectors a fresh embedding run would produce.
	if err := e.cache.Store(e.book.Key, fingerprint, chunks, vectors); err != nil {
		// Cache failure must not fail the build; next startup re-embeds.
		e.log.Warn("cache store failed", "error", err)
	}

	index, err := vectorindex.New(vectors)
	if err != nil {
		return nil, nil, fmt.Errorf("build index: %w", err)
	}

	e.log.Info("index built", "chunks", len(chunks), "dim", index.Dimension(), "elapsed", time.Since(start).Round(time.Millisecond))
	return chunks, index, nil
}

// embedChunks embeds all chunks with bounded concurrency, retrying
// transient provider failures with backoff.
func (e *Engine) embedChunks(ctx context.Context, chunks []segment.Chunk) ([][]float32, error) {
	type result struct {
		idx int
		vec []float32
		err error
	}
	results := make(chan result, len(chunks))
	sem := make(chan struct{}, e.opts.MaxConcurrentEmbed)

	for i, chunk := range chunks {
		sem <- struct{}{}
		go func(i int, text string) {
			defer func() { <-sem }()
			var vec []float32
			var lastErr error
			for attempt := range provider.MaxRetries {
				vec, lastErr = e.embedder.Embed(ctx, text)
				if lastErr == nil || !provider.IsRetryable(lastErr) {
					break
				}
				e.log.Warn("retryable embedding error", "chunk", i, "attempt", attempt, "error", lastErr)
				select {
				case <-time.After(provider.Backoff(attempt)):
				case <-ctx.Done():
					results <- result{idx: i, err: ctx.Err()}
					return
				}
			}
			results <- result{idx: i, vec: vec, err: lastErr}
		}(i, chunk.Text)
	}

	vectors := make([][]float32, len(chunks))
	var firstErr error
	for range chunks {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("embed chunk %d: %w", r.idx, r.err)
		}
		vectors[r.idx] = r.vec
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return vectors, nil
}

// ready returns the immutable index and chunk store, or ErrNotReady.
func (e *Engine) ready() (*vectorindex.Flat, []segment.Chunk, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != StateReady {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrNotReady, e.book.Key, e.state)
	}
	return e.index, e.chunks, nil
}

// Retrieve embeds the question and returns the top-k passages by descending
// similarity. topK is clamped to [1, min(MaxTopK, index size)].
func (e *Engine) Retrieve(ctx context.Context, question string, topK int) ([]Passage, error) {
	index, chunks, err := e.ready()
	if err != nil {
		return nil, err
	}

	if topK <= 0 {
		topK = e.opts.TopK
	}
	if topK > e.opts.MaxTopK {
		topK = e.opts.MaxTopK
	}

	queryVec, err := e.embedder.Embed(ctx, question)
	if err != nil {
		return nil, &RetrievalError{Err: fmt.Errorf("embed question: %w", err)}
	}

	results, err := index.Search(queryVec, topK)
	if err != nil {
		return nil, &RetrievalError{Err: err}
	}

	passages := make([]Passage, len(results))
	for i, r := range results {
		passages[i] = Passage{Text: chunks[r.Ord].Text, Score: float64(r.Score)}
	}
	return passages, nil
}

// Answer runs retrieve → prompt assembly → generation and blocks until the
// full answer is produced.
func (e *Engine) Answer(ctx context.Context, req Request) (*Response, error) {
	passages, err := e.Retrieve(ctx, req.Question, req.TopK)
	if err != nil {
		return nil, err
	}

	answer, err := e.gen.Generate(ctx, e.generateRequest(req, passages))
	if err != nil {
		return nil, &GenerationError{Err: err}
	}

	return &Response{
		ID:       newResponseID(),
		Answer:   answer,
		Passages: passages,
		Model:    e.gen.Model(),
		Created:  time.Now().Unix(),
	}, nil
}

// AnswerStream is Answer with incremental delivery: deltas arrive in
// generation order and the channel closes after a terminal delta. Canceling
// ctx releases the generation stream promptly.
func (e *Engine) AnswerStream(ctx context.Context, req Request) (*Stream, error) {
	passages, err := e.Retrieve(ctx, req.Question, req.TopK)
	if err != nil {
		return nil, err
	}

	tokens, err := e.gen.GenerateStream(ctx, e.generateRequest(req, passages))
	if err != nil {
		return nil, &GenerationError{Err: err}
	}

	deltas := make(chan Delta, 64)
	go func() {
		defer close(deltas)
		for tok := range tokens {
			d := Delta{Text: tok.Text, Done: tok.Done}
			if tok.Err != nil {
				d.Err = &GenerationError{Err: tok.Err}
			}
			select {
			case deltas <- d:
			case <-ctx.Done():
				return
			}
			if d.Done || d.Err != nil {
				return
			}
		}
		// Provider closed without a terminal token.
		select {
		case deltas <- Delta{Err: &GenerationError{Err: fmt.Errorf("stream ended without done marker")}}:
		case <-ctx.Done():
		}
	}()

	return &Stream{
		ID:       newResponseID(),
		Passages: passages,
		Model:    e.gen.Model(),
		Deltas:   deltas,
	}, nil
}

func (e *Engine) generateRequest(req Request, passages []Passage) provider.GenerateRequest {
	temperature := e.opts.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	return provider.GenerateRequest{
		System:        systemPrompt(e.book.Title),
		Prompt:        assemblePrompt(req.Question, passages, e.opts.ContextWindow, e.opts.MaxTokens),
		Temperature:   temperature,
		TopP:          e.opts.TopP,
		MaxTokens:     e.opts.MaxTokens,
		ContextWindow: e.opts.ContextWindow,
	}
}

func newResponseID() string {
	return "rag-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
