package cli

import (
	"context"
	"fmt"

	"docrag/config"
	"docrag/internal/adapter/cache"
	"docrag/internal/adapter/chunker"
	"docrag/internal/adapter/docstore"
	"docrag/internal/adapter/embedding"
	"docrag/internal/adapter/extractor"
	"docrag/internal/adapter/store"
	"docrag/internal/usecase"
)

type app struct {
	cfg       *config.Config
	docs      *docstore.FileStore
	extractor *extractor.PDFExtractor
	svc       *usecase.RetrievalService
}

// newApp builds the retrieval service from cfg and restores persisted state.
// Only the long-running server sweeps orphaned uploads; one-shot commands may
// share the data dir with a server whose uploads are still in flight.
func newApp(ctx context.Context, cfg *config.Config, serving bool) (*app, error) {
	if err := cfg.EnsureDataDirs(); err != nil {
		return nil, fmt.Errorf("failed to create data directories: %w", err)
	}

	docs, err := docstore.NewFileStore(cfg.UploadPath(), cfg.Storage.Accept)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload store: %w", err)
	}

	chk, err := chunker.NewRecursiveChunker(cfg.Chunker.ChunkSize, cfg.Chunker.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	emb, err := embedding.FromConfig(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	ex := extractor.New(cfg.Extractor.PdftotextPath, cfg.Extractor.Timeout)
	registry := usecase.NewIndexRegistry(cfg.IndexPath(), store.NewBoltIndexStore(emb.ModelName(), emb.Dimension()))

	var qc *cache.QueryCache
	if cfg.Cache.Enabled {
		qc = cache.NewQueryCache(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	}

	svc := usecase.NewRetrievalService(docs, registry, ex, chk, emb, qc, usecase.RetrievalOptions{
		DefaultK:     cfg.Retrieve.DefaultK,
		MaxK:         cfg.Retrieve.MaxK,
		ClampK:       cfg.Retrieve.ClampK,
		ChunkSize:    chk.ChunkSize(),
		ChunkOverlap: chk.Overlap(),
		SweepOrphans: serving && cfg.Storage.SweepOrphans,
		SweepGrace:   cfg.Storage.SweepGrace,
	})
	if err := svc.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to load indices: %w", err)
	}

	return &app{cfg: cfg, docs: docs, extractor: ex, svc: svc}, nil
}

// requireExtractor fails with install hints when pdftotext is missing.
func (a *app) requireExtractor() error {
	if err := a.extractor.CheckAvailable(); err != nil {
		return fmt.Errorf("%w\n\n%s", err, extractor.InstallInstructions())
	}
	return nil
}
