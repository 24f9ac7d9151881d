package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bookqa/internal/api"
	"bookqa/internal/auth"
	"bookqa/internal/config"
	"bookqa/internal/engine"
	"bookqa/internal/indexcache"
	"bookqa/internal/provider"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	lib, err := config.LoadLibrary(cfg.LibraryFile)
	if err != nil {
		log.Error("invalid library", "error", err)
		os.Exit(1)
	}

	keys, err := auth.LoadManager(cfg.APIKeysFile, log)
	if err != nil {
		log.Error("api key setup failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize providers.
	if err := provider.CheckOllama(ctx, cfg.OllamaBaseURL); err != nil {
		log.Error("ollama unavailable", "error", err)
		os.Exit(1)
	}
	stats := provider.NewCallStats(cfg.StatsWindow)
	embedder := provider.NewOllamaEmbedder(cfg.OllamaBaseURL, cfg.EmbeddingModel, stats)
	gen := provider.NewOllamaGenerator(cfg.OllamaBaseURL, cfg.OllamaModel, cfg.OllamaKeepAlive, stats)

	if err := gen.EnsureModel(ctx, log); err != nil {
		log.Error("model setup failed", "error", err)
		os.Exit(1)
	}
	if err := gen.Warmup(ctx); err != nil {
		log.Warn("warmup failed, first query may be slow", "error", err)
	}

	// Initialize the registry; builds run in the background so /health can
	// report initializing while indexes come up.
	cache := indexcache.New(cfg.CacheDir, log)
	registry := engine.NewRegistry(lib, engine.Options{
		ChunkSize:            cfg.ChunkSize,
		ChunkOverlap:         cfg.ChunkOverlap,
		TopK:                 cfg.TopK,
		MaxTopK:              cfg.MaxTopK,
		Temperature:          cfg.Temperature,
		TopP:                 cfg.TopP,
		MaxTokens:            cfg.MaxTokens,
		ContextWindow:        cfg.ContextWindow,
		MaxConcurrentEmbed:   cfg.MaxConcurrentEmbed,
		PDFFallbackPdftotext: cfg.PDFFallbackPdftotext,
	}, embedder, gen, cache, log, cfg.MaxConcurrentBuilds)

	go func() {
		if err := registry.Init(ctx); err != nil {
			log.Error("registry init interrupted", "error", err)
			return
		}
		log.Info("registry initialized", "status", registry.Health().Status, "books", len(lib.Books))
	}()

	// Initialize HTTP server.
	srv := api.NewServer(registry, keys, stats, log, cfg)

	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     srv,
		ReadTimeout: 30 * time.Second,
		// No write timeout: SSE responses stay open for the life of a
		// generation stream, bounded by QUERY_TIMEOUT instead.
		IdleTimeout: 60 * time.Second,
	}

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")

		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("starting bookqa", "port", cfg.Port, "books", len(lib.Books))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
