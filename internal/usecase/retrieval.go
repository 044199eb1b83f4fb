package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"docrag/internal/adapter/cache"
	"docrag/internal/adapter/docstore"
	"docrag/internal/domain"
	"docrag/internal/logger"
	"docrag/internal/port"
)

// RetrievalOptions tunes RetrievalService.
type RetrievalOptions struct {
	DefaultK     int
	MaxK         int
	ClampK       bool // clamp k<=0 to 1 instead of rejecting it
	ChunkSize    int  // recorded in index manifests
	ChunkOverlap int
	SweepOrphans bool
	SweepGrace   time.Duration // only orphans older than this are removed
}

// RetrievalService coordinates upload, search and delete across the
// document store, extractor, chunker, embedder and index registry.
type RetrievalService struct {
	docs      *docstore.FileStore
	registry  *IndexRegistry
	extractor port.PageExtractor
	chunker   port.Chunker
	embedder  port.Embedder
	cache     *cache.QueryCache
	opts      RetrievalOptions
	locks     *keyedLocks
}

// NewRetrievalService creates a new retrieval service. qc may be nil.
func NewRetrievalService(
	docs *docstore.FileStore,
	registry *IndexRegistry,
	extractor port.PageExtractor,
	chunker port.Chunker,
	embedder port.Embedder,
	qc *cache.QueryCache,
	opts RetrievalOptions,
) *RetrievalService {
	if opts.DefaultK <= 0 {
		opts.DefaultK = 5
	}
	if opts.MaxK <= 0 {
		opts.MaxK = 50
	}
	return &RetrievalService{
		docs:      docs,
		registry:  registry,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		cache:     qc,
		opts:      opts,
		locks:     newKeyedLocks(),
	}
}

// DefaultK is the k used when a request does not specify one.
func (s *RetrievalService) DefaultK() int { return s.opts.DefaultK }

// Start loads persisted indices, restores their document metadata in upload
// order and optionally removes raw files left behind by interrupted uploads.
func (s *RetrievalService) Start(ctx context.Context) error {
	manifests, err := s.registry.LoadAll()
	if err != nil {
		return err
	}

	sort.Slice(manifests, func(i, j int) bool {
		if !manifests[i].CreatedAt.Equal(manifests[j].CreatedAt) {
			return manifests[i].CreatedAt.Before(manifests[j].CreatedAt)
		}
		return manifests[i].DocumentID < manifests[j].DocumentID
	})
	restored := 0
	for _, m := range manifests {
		if err := s.docs.Restore(documentFromManifest(m)); err != nil {
			logger.Warn("skipping index %s: %v", m.DocumentID, err)
			s.registry.Evict(m.DocumentID)
			continue
		}
		restored++
	}
	logger.Info("restored %d documents, %d indices in memory", restored, s.registry.Loaded())

	if s.opts.SweepOrphans {
		ids, err := s.registry.PersistedIDs()
		if err != nil {
			return err
		}
		keep := make(map[string]bool, len(ids))
		for _, id := range ids {
			keep[id] = true
		}
		removed, err := s.docs.Sweep(keep, s.opts.SweepGrace)
		if err != nil {
			logger.Warn("orphan sweep failed: %v", err)
		}
		for _, p := range removed {
			logger.Info("removed orphaned upload %s", p)
		}
	}
	return ctx.Err()
}

func documentFromManifest(m port.IndexManifest) domain.Document {
	return domain.Document{
		ID:         m.DocumentID,
		Name:       m.DocumentName,
		ChunkCount: m.ChunkCount,
		PageCount:  m.PageCount,
		CreatedAt:  m.CreatedAt,
	}
}

// Upload ingests a PDF: it stores the raw bytes, extracts and chunks the
// pages, embeds the chunks and persists the index. On any failure after
// the raw file was written, everything written for the document is removed.
func (s *RetrievalService) Upload(ctx context.Context, filename string, data []byte) (domain.Document, error) {
	start := time.Now()

	doc, err := s.docs.Save(filename, data)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedFormat) {
			return domain.Document{}, err
		}
		return domain.Document{}, &domain.IngestionError{Name: filename, Err: err}
	}

	unlock := s.locks.Lock(doc.ID)
	defer unlock()

	committed := false
	defer func() {
		if !committed {
			s.rollback(doc)
		}
	}()

	fail := func(err error) (domain.Document, error) {
		logger.Warn("upload %s (%s) failed: %v", doc.Name, doc.ID, err)
		return domain.Document{}, &domain.IngestionError{Name: doc.Name, Err: err}
	}

	pages, err := s.extractor.ExtractPages(ctx, doc.StoredPath)
	if err != nil {
		return fail(err)
	}

	chunks := s.chunker.Split(pages)
	if len(chunks) == 0 {
		return fail(errors.New("no extractable text"))
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fail(fmt.Errorf("embed chunks: %w", err))
	}
	if len(vectors) != len(texts) {
		return fail(fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(texts)))
	}

	items := make([]port.VectorItem, len(chunks))
	for i := range chunks {
		items[i] = port.VectorItem{Vector: vectors[i], Text: texts[i]}
	}

	manifest := port.IndexManifest{
		DocumentID:   doc.ID,
		DocumentName: doc.Name,
		PageCount:    len(pages),
		ChunkCount:   len(chunks),
		Model:        s.embedder.ModelName(),
		Dimension:    s.embedder.Dimension(),
		ChunkSize:    s.opts.ChunkSize,
		ChunkOverlap: s.opts.ChunkOverlap,
		CreatedAt:    doc.CreatedAt,
	}
	if _, err := s.registry.Install(doc.ID, items, manifest); err != nil {
		return fail(err)
	}

	doc.PageCount = len(pages)
	doc.ChunkCount = len(chunks)
	s.docs.Commit(doc)
	committed = true

	logger.Info("indexed %s as %s: %d pages, %d chunks in %s", doc.Name, doc.ID, doc.PageCount, doc.ChunkCount, time.Since(start).Round(time.Millisecond))
	return doc, nil
}

func (s *RetrievalService) rollback(doc domain.Document) {
	s.registry.Evict(doc.ID)
	if err := s.registry.DeletePersisted(doc.ID); err != nil {
		logger.Error("rollback %s: %v", doc.ID, err)
	}
	if err := s.docs.Discard(doc); err != nil {
		logger.Error("rollback %s: %v", doc.ID, err)
	}
}

// IngestFile uploads a file from the local filesystem.
func (s *RetrievalService) IngestFile(ctx context.Context, path string) (domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Document{}, err
	}
	return s.Upload(ctx, filepath.Base(path), data)
}

func (s *RetrievalService) resolveK(k int) (int, error) {
	if k <= 0 {
		if !s.opts.ClampK {
			return 0, fmt.Errorf("%w, got %d", domain.ErrInvalidK, k)
		}
		k = 1
	}
	if k > s.opts.MaxK {
		k = s.opts.MaxK
	}
	return k, nil
}

// Search returns the k chunks of one document most similar to the query,
// best first. Without a document id the most recently uploaded document is
// searched.
func (s *RetrievalService) Search(ctx context.Context, req domain.SearchRequest) (domain.SearchResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return domain.SearchResult{}, domain.ErrInvalidQuery
	}
	k, err := s.resolveK(req.K)
	if err != nil {
		return domain.SearchResult{}, err
	}

	id := req.DocumentID
	if id == "" {
		latest, err := s.docs.Latest()
		if err != nil {
			return domain.SearchResult{}, err
		}
		id = latest.ID
	}

	unlock := s.locks.RLock(id)
	defer unlock()

	idx, err := s.registry.EnsureLoaded(id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.SearchResult{}, &domain.NotFoundError{ID: id}
		}
		return domain.SearchResult{}, &domain.NotFoundError{ID: id, Err: err}
	}

	doc, err := s.docs.Get(id)
	if err != nil {
		doc = documentFromManifest(idx.Manifest())
		if err := s.docs.Restore(doc); err != nil {
			s.registry.Evict(id)
			return domain.SearchResult{}, &domain.NotFoundError{ID: id, Err: err}
		}
		if doc, err = s.docs.Get(id); err != nil {
			return domain.SearchResult{}, err
		}
	}

	result := domain.SearchResult{DocumentID: doc.ID, DocumentName: doc.Name}

	if s.cache != nil {
		if chunks, ok := s.cache.Get(id, req.Query, k); ok {
			logger.Debug("cache hit for %s k=%d", id, k)
			result.Chunks = chunks
			return result, nil
		}
	}

	qv, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return domain.SearchResult{}, fmt.Errorf("embed query: %w", err)
	}

	hits, err := idx.Search(qv, k)
	if err != nil {
		return domain.SearchResult{}, err
	}

	result.Chunks = make([]string, len(hits))
	for i, h := range hits {
		result.Chunks[i] = h.Text
	}

	if s.cache != nil {
		s.cache.Put(id, req.Query, k, result.Chunks)
	}
	return result, nil
}

// Delete removes a document's index, cached results, raw file and metadata.
func (s *RetrievalService) Delete(ctx context.Context, id string) (domain.Document, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	if _, err := s.docs.Get(id); err != nil {
		return domain.Document{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Document{}, err
	}

	s.registry.Evict(id)
	if err := s.registry.DeletePersisted(id); err != nil {
		return domain.Document{}, err
	}
	if s.cache != nil {
		s.cache.InvalidateDocument(id)
	}

	doc, err := s.docs.Delete(id)
	if err != nil {
		return domain.Document{}, err
	}
	logger.Info("deleted %s (%s)", doc.Name, doc.ID)
	return doc, nil
}

// Get returns one document and whether its index is available.
func (s *RetrievalService) Get(id string) (domain.Document, bool, error) {
	doc, err := s.docs.Get(id)
	if err != nil {
		return domain.Document{}, false, err
	}
	return doc, s.registry.IsIndexed(id), nil
}

// List returns every document in upload order.
func (s *RetrievalService) List() []domain.FileInfo {
	docs := s.docs.List()
	out := make([]domain.FileInfo, len(docs))
	for i, d := range docs {
		out[i] = domain.FileInfo{
			ID:         d.ID,
			Name:       d.Name,
			Chunks:     d.ChunkCount,
			IsEmbedded: s.registry.IsIndexed(d.ID),
		}
	}
	return out
}

// Count returns the number of documents.
func (s *RetrievalService) Count() int {
	return s.docs.Len()
}
