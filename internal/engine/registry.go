package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"bookqa/internal/config"
	"bookqa/internal/indexcache"
	"bookqa/internal/provider"
)

// Registry owns the book → engine mapping for the process lifetime. Books
// are never added or removed without a restart.
type Registry struct {
	engines map[string]*Engine
	order   []string
	model   string
	log     *slog.Logger

	maxConcurrentBuilds int
}

func NewRegistry(lib *config.Library, opts Options, embedder provider.Embedder, gen provider.Generator, cache *indexcache.Cache, log *slog.Logger, maxConcurrentBuilds int) *Registry {
	if maxConcurrentBuilds <= 0 {
		maxConcurrentBuilds = 1
	}
	r := &Registry{
		engines:             make(map[string]*Engine, len(lib.Books)),
		order:               make([]string, 0, len(lib.Books)),
		model:               gen.Model(),
		log:                 log,
		maxConcurrentBuilds: maxConcurrentBuilds,
	}
	for _, book := range lib.Books {
		// Keys are matched case-insensitively; the library loader stores
		// them lowercase, but registries built directly from a Library
		// get the same treatment.
		book.Key = strings.ToLower(book.Key)
		r.engines[book.Key] = New(book, opts, embedder, gen, cache, log)
		r.order = append(r.order, book.Key)
	}
	return r
}

// Init builds every engine with bounded concurrency. One book's failure
// never blocks or fails another's; failed engines stay failed and are
// reported via Health. Init itself only errors if ctx is canceled.
func (r *Registry) Init(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrentBuilds)

	for _, key := range r.order {
		eng := r.engines[key]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			// Build logs and records its own failure; a failed book must
			// not abort the remaining builds.
			_ = eng.Build(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Get returns the engine for a book key. Lookup is case-insensitive.
func (r *Registry) Get(key string) (*Engine, error) {
	eng, ok := r.engines[strings.ToLower(key)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDocument, key)
	}
	return eng, nil
}

// Keys returns the registered book keys in library order.
func (r *Registry) Keys() []string {
	keys := make([]string, len(r.order))
	copy(keys, r.order)
	return keys
}

// DocumentHealth is one book's entry in the health report.
type DocumentHealth struct {
	Title     string `json:"title"`
	Status    string `json:"status"`
	IndexSize int    `json:"index_size"`
}

// Health is the aggregate readiness report.
type Health struct {
	Status    string           `json:"status"`
	Model     string           `json:"model"`
	Documents []DocumentHealth `json:"documents"`
}

// Health reports ready only when every engine is ready, degraded when any
// build has failed, initializing otherwise.
func (r *Registry) Health() Health {
	docs := make([]DocumentHealth, 0, len(r.order))
	anyFailed := false
	allReady := true

	for _, key := range r.order {
		eng := r.engines[key]
		state := eng.State()
		switch state {
		case StateFailed:
			anyFailed = true
			allReady = false
		case StateReady:
		default:
			allReady = false
		}
		docs = append(docs, DocumentHealth{
			Title:     eng.Title(),
			Status:    string(state),
			IndexSize: eng.IndexSize(),
		})
	}

	status := "initializing"
	switch {
	case allReady:
		status = "ready"
	case anyFailed:
		status = "degraded"
	}

	return Health{Status: status, Model: r.model, Documents: docs}
}
