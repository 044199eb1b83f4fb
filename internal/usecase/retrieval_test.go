package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docrag/internal/adapter/cache"
	"docrag/internal/adapter/chunker"
	"docrag/internal/adapter/docstore"
	"docrag/internal/adapter/embedding"
	"docrag/internal/adapter/store"
	"docrag/internal/domain"
	"docrag/internal/port"
)

const testDim = 256

// fakeExtractor serves page texts by original file name.
type fakeExtractor struct {
	mu    sync.Mutex
	pages map[string][]string
}

func (f *fakeExtractor) ExtractPages(_ context.Context, path string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, name, _ := strings.Cut(filepath.Base(path), "_")
	pages, ok := f.pages[name]
	if !ok {
		return nil, errors.New("pdftotext failed: Syntax Error")
	}
	return pages, nil
}

func (f *fakeExtractor) set(name string, pages ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[name] = pages
}

// flakyEmbedder fails batch embedding while fail is set.
type flakyEmbedder struct {
	*embedding.HashingEmbedder
	fail bool
}

func (e *flakyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e.fail {
		return nil, errors.New("embedding backend unavailable")
	}
	return e.HashingEmbedder.EmbedBatch(ctx, texts)
}

type harness struct {
	svc       *RetrievalService
	extractor *fakeExtractor
	embedder  *flakyEmbedder
	chunker   *chunker.RecursiveChunker
	uploadDir string
	indexDir  string
}

func newHarness(t *testing.T, dataDir string, opts RetrievalOptions) *harness {
	t.Helper()

	h := &harness{
		extractor: &fakeExtractor{pages: make(map[string][]string)},
		embedder:  &flakyEmbedder{HashingEmbedder: embedding.NewHashingEmbedder(testDim)},
		uploadDir: filepath.Join(dataDir, "uploads"),
		indexDir:  filepath.Join(dataDir, "indices"),
	}

	var err error
	h.chunker, err = chunker.NewRecursiveChunker(500, 100)
	require.NoError(t, err)

	docs, err := docstore.NewFileStore(h.uploadDir, []string{"*.pdf"})
	require.NoError(t, err)

	registry := NewIndexRegistry(h.indexDir, store.NewBoltIndexStore(h.embedder.ModelName(), testDim))

	if opts.MaxK == 0 {
		opts.MaxK = 50
	}
	opts.ChunkSize, opts.ChunkOverlap = 500, 100
	h.svc = NewRetrievalService(docs, registry, h.extractor, h.chunker, h.embedder, cache.NewQueryCache(64, 0), opts)
	require.NoError(t, h.svc.Start(context.Background()))
	return h
}

func (h *harness) upload(t *testing.T, name string, pages ...string) domain.Document {
	t.Helper()
	h.extractor.set(name, pages...)
	doc, err := h.svc.Upload(context.Background(), name, []byte("%PDF-1.7 "+name))
	require.NoError(t, err)
	return doc
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

var (
	financePages = []string{
		"Quarterly revenue grew twelve percent, driven by subscription renewals in the northern region. " +
			"Operating margin improved as cloud hosting costs fell.",
		"The board approved a dividend of forty cents per share. Capital expenditure will focus on warehouse automation.",
	}
	biologyPages = []string{
		"Mitochondria produce ATP through oxidative phosphorylation along the inner membrane.",
		"Chloroplasts capture sunlight and convert carbon dioxide into glucose during photosynthesis.",
	}
)

func TestUpload_ChunkCountMatchesSplitter(t *testing.T) {
	h := newHarness(t, t.TempDir(), RetrievalOptions{})

	long := strings.Repeat("Sentences about logistics and freight planning repeat here. ", 40)
	doc := h.upload(t, "manual.pdf", long, "Short appendix.")

	want := len(h.chunker.Split([]string{long, "Short appendix."}))
	assert.Equal(t, want, doc.ChunkCount)
	assert.Equal(t, 2, doc.PageCount)

	files := h.svc.List()
	require.Len(t, files, 1)
	assert.Equal(t, domain.FileInfo{ID: doc.ID, Name: "manual.pdf", Chunks: want, IsEmbedded: true}, files[0])
}

func TestSearch_ResultsComeFromRequestedDocument(t *testing.T) {
	h := newHarness(t, t.TempDir(), RetrievalOptions{})

	fin := h.upload(t, "finance.pdf", financePages...)
	h.upload(t, "biology.pdf", biologyPages...)

	allowed := make(map[string]bool)
	for _, c := range h.chunker.Split(financePages) {
		allowed[c.Text] = true
	}

	res, err := h.svc.Search(context.Background(), domain.SearchRequest{
		Query:      "photosynthesis in chloroplasts",
		DocumentID: fin.ID,
		K:          3,
	})
	require.NoError(t, err)
	assert.Equal(t, fin.ID, res.DocumentID)
	assert.Equal(t, "finance.pdf", res.DocumentName)
	assert.LessOrEqual(t, len(res.Chunks), 3)
	for _, c := range res.Chunks {
		assert.True(t, allowed[c], "chunk %q is not from finance.pdf", c)
	}
}

func TestSearch_DefaultsToLatestUpload(t *testing.T) {
	h := newHarness(t, t.TempDir(), RetrievalOptions{})

	h.upload(t, "finance.pdf", financePages...)
	bio := h.upload(t, "biology.pdf", biologyPages...)

	res, err := h.svc.Search(context.Background(), domain.SearchRequest{Query: "dividend", K: 1})
	require.NoError(t, err)
	assert.Equal(t, bio.ID, res.DocumentID)
}

func TestSearch_NoDocuments(t *testing.T) {
	h := newHarness(t, t.TempDir(), RetrievalOptions{})

	_, err := h.svc.Search(context.Background(), domain.SearchRequest{Query: "anything", K: 5})
	assert.ErrorIs(t, err, domain.ErrNoDocuments)
}

func TestSearch_UnknownDocument(t *testing.T) {
	h := newHarness(t, t.TempDir(), RetrievalOptions{})
	h.upload(t, "finance.pdf", financePages...)

	for _, id := range []string{"deadbeef", "../uploads"} {
		_, err := h.svc.Search(context.Background(), domain.SearchRequest{Query: "revenue", DocumentID: id, K: 5})
		assert.ErrorIs(t, err, domain.ErrNotFound, "id %q", id)
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	h := newHarness(t, t.TempDir(), RetrievalOptions{})
	h.upload(t, "finance.pdf", financePages...)

	_, err := h.svc.Search(context.Background(), domain.SearchRequest{Query: "   ", K: 5})
	assert.ErrorIs(t, err, domain.ErrInvalidQuery)
}

func TestSearch_KPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("reject", func(t *testing.T) {
		h := newHarness(t, t.TempDir(), RetrievalOptions{})
		h.upload(t, "finance.pdf", financePages...)

		for _, k := range []int{0, -3} {
			_, err := h.svc.Search(ctx, domain.SearchRequest{Query: "revenue", K: k})
			assert.ErrorIs(t, err, domain.ErrInvalidK, "k=%d", k)
		}
	})

	t.Run("clamp", func(t *testing.T) {
		h := newHarness(t, t.TempDir(), RetrievalOptions{ClampK: true})
		h.upload(t, "finance.pdf", financePages...)

		res, err := h.svc.Search(ctx, domain.SearchRequest{Query: "revenue", K: 0})
		require.NoError(t, err)
		assert.Len(t, res.Chunks, 1)
	})

	t.Run("max", func(t *testing.T) {
		h := newHarness(t, t.TempDir(), RetrievalOptions{MaxK: 1})
		h.upload(t, "finance.pdf", financePages...)

		res, err := h.svc.Search(ctx, domain.SearchRequest{Query: "revenue", K: 10})
		require.NoError(t, err)
		assert.Len(t, res.Chunks, 1)
	})

	t.Run("more than chunks", func(t *testing.T) {
		h := newHarness(t, t.TempDir(), RetrievalOptions{})
		doc := h.upload(t, "finance.pdf", financePages...)

		res, err := h.svc.Search(ctx, domain.SearchRequest{Query: "revenue", K: 40})
		require.NoError(t, err)
		assert.Len(t, res.Chunks, doc.ChunkCount)
	})
}

func TestDelete_Twice(t *testing.T) {
	h := newHarness(t, t.TempDir(), RetrievalOptions{})
	doc := h.upload(t, "finance.pdf", financePages...)

	deleted, err := h.svc.Delete(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "finance.pdf", deleted.Name)

	_, err = h.svc.Delete(context.Background(), doc.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Empty(t, h.svc.List())
	assert.Empty(t, dirEntries(t, h.uploadDir))
	assert.Empty(t, dirEntries(t, h.indexDir))

	_, err = h.svc.Search(context.Background(), domain.SearchRequest{Query: "revenue", DocumentID: doc.ID, K: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDelete_InvalidatesCachedResults(t *testing.T) {
	h := newHarness(t, t.TempDir(), RetrievalOptions{})
	doc := h.upload(t, "finance.pdf", financePages...)
	ctx := context.Background()

	_, err := h.svc.Search(ctx, domain.SearchRequest{Query: "revenue", DocumentID: doc.ID, K: 2})
	require.NoError(t, err)

	_, err = h.svc.Delete(ctx, doc.ID)
	require.NoError(t, err)

	_, err = h.svc.Search(ctx, domain.SearchRequest{Query: "revenue", DocumentID: doc.ID, K: 2})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPersistence_RestartKeepsResults(t *testing.T) {
	dataDir := t.TempDir()
	ctx := context.Background()

	first := newHarness(t, dataDir, RetrievalOptions{})
	fin := first.upload(t, "finance.pdf", financePages...)
	bio := first.upload(t, "biology.pdf", biologyPages...)

	req := domain.SearchRequest{Query: "revenue and dividend per share", DocumentID: fin.ID, K: 4}
	before, err := first.svc.Search(ctx, req)
	require.NoError(t, err)

	second := newHarness(t, dataDir, RetrievalOptions{})

	files := second.svc.List()
	require.Len(t, files, 2)
	assert.Equal(t, fin.ID, files[0].ID)
	assert.Equal(t, "finance.pdf", files[0].Name)
	assert.Equal(t, fin.ChunkCount, files[0].Chunks)
	assert.Equal(t, bio.ID, files[1].ID)

	after, err := second.svc.Search(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// latest-upload default survives the restart
	res, err := second.svc.Search(ctx, domain.SearchRequest{Query: "glucose", K: 1})
	require.NoError(t, err)
	assert.Equal(t, bio.ID, res.DocumentID)

	// delete after restart removes the raw file found through the manifest
	_, err = second.svc.Delete(ctx, fin.ID)
	require.NoError(t, err)
	_, err = os.Stat(fin.StoredPath)
	assert.True(t, os.IsNotExist(err), "raw file removed")
	_, err = os.Stat(filepath.Join(second.indexDir, fin.ID))
	assert.True(t, os.IsNotExist(err), "index dir removed")
	assert.False(t, second.svc.registry.IsIndexed(fin.ID))
	assert.Equal(t, []string{bio.ID + "_biology.pdf"}, dirEntries(t, second.uploadDir))
}

func TestStart_RejectsManifestNameOutsideUploadDir(t *testing.T) {
	dataDir := t.TempDir()
	ctx := context.Background()

	victim := filepath.Join(dataDir, "victim.txt")
	require.NoError(t, os.WriteFile(victim, []byte("keep me"), 0644))

	first := newHarness(t, dataDir, RetrievalOptions{})
	_, err := first.svc.registry.Install("abcd1234", []port.VectorItem{
		{Vector: unitVector(testDim, 0), Text: "planted"},
	}, port.IndexManifest{
		DocumentID:   "abcd1234",
		DocumentName: "../../victim.txt",
		PageCount:    1,
		ChunkCount:   1,
	})
	require.NoError(t, err)

	second := newHarness(t, dataDir, RetrievalOptions{})
	assert.Empty(t, second.svc.List())

	_, err = second.svc.Delete(ctx, "abcd1234")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = second.svc.Search(ctx, domain.SearchRequest{Query: "planted", DocumentID: "abcd1234", K: 1})
	assert.ErrorIs(t, err, domain.ErrDeserializationUntrusted)

	data, err := os.ReadFile(victim)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
}

func TestSearch_NotFoundCarriesResolvedID(t *testing.T) {
	h := newHarness(t, t.TempDir(), RetrievalOptions{})
	doc := h.upload(t, "finance.pdf", financePages...)

	h.svc.registry.Evict(doc.ID)
	require.NoError(t, h.svc.registry.DeletePersisted(doc.ID))

	_, err := h.svc.Search(context.Background(), domain.SearchRequest{Query: "revenue", K: 1})
	require.ErrorIs(t, err, domain.ErrNotFound)

	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, doc.ID, nf.ID)
}

func TestStart_SkipsUntrustedIndex(t *testing.T) {
	dataDir := t.TempDir()

	first := newHarness(t, dataDir, RetrievalOptions{})
	good := first.upload(t, "finance.pdf", financePages...)
	bad := first.upload(t, "biology.pdf", biologyPages...)

	path := filepath.Join(first.indexDir, bad.ID, store.IndexFileName)
	require.NoError(t, os.WriteFile(path, []byte("cos\nsystem\n(S'echo pwned'\ntR."), 0644))

	second := newHarness(t, dataDir, RetrievalOptions{})

	files := second.svc.List()
	require.Len(t, files, 1)
	assert.Equal(t, good.ID, files[0].ID)

	_, err := second.svc.Search(context.Background(), domain.SearchRequest{Query: "glucose", DocumentID: bad.ID, K: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, err, domain.ErrDeserializationUntrusted)
}

func TestStart_SweepsOrphanedUploads(t *testing.T) {
	dataDir := t.TempDir()

	first := newHarness(t, dataDir, RetrievalOptions{})
	doc := first.upload(t, "finance.pdf", financePages...)

	orphan := filepath.Join(first.uploadDir, "0badf00d_crashed.pdf")
	require.NoError(t, os.WriteFile(orphan, []byte("%PDF"), 0644))

	fresh := filepath.Join(first.uploadDir, "0c0ffee0_inflight.pdf")
	require.NoError(t, os.WriteFile(fresh, []byte("%PDF"), 0644))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	newHarness(t, dataDir, RetrievalOptions{SweepOrphans: true, SweepGrace: 10 * time.Minute})

	_, err := os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err, "recent files may belong to an upload in another process")
	_, err = os.Stat(doc.StoredPath)
	assert.NoError(t, err)
}

func TestUpload_RollbackOnEmbeddingFailure(t *testing.T) {
	h := newHarness(t, t.TempDir(), RetrievalOptions{})
	h.extractor.set("finance.pdf", financePages...)
	h.embedder.fail = true

	_, err := h.svc.Upload(context.Background(), "finance.pdf", []byte("%PDF"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIngestionFailed)
	assert.Contains(t, err.Error(), "embedding backend unavailable")

	var ingestErr *domain.IngestionError
	require.ErrorAs(t, err, &ingestErr)
	assert.Equal(t, "finance.pdf", ingestErr.Name)

	assert.Empty(t, h.svc.List())
	assert.Empty(t, dirEntries(t, h.uploadDir))
	assert.Empty(t, dirEntries(t, h.indexDir))

	// the same file succeeds once the backend recovers
	h.embedder.fail = false
	doc, err := h.svc.Upload(context.Background(), "finance.pdf", []byte("%PDF"))
	require.NoError(t, err)
	assert.Equal(t, []string{doc.ID + "_finance.pdf"}, dirEntries(t, h.uploadDir))
}

func TestUpload_RollbackOnExtractionFailure(t *testing.T) {
	h := newHarness(t, t.TempDir(), RetrievalOptions{})

	_, err := h.svc.Upload(context.Background(), "corrupt.pdf", []byte("garbage"))
	assert.ErrorIs(t, err, domain.ErrIngestionFailed)
	assert.Contains(t, err.Error(), "pdftotext failed")
	assert.Empty(t, dirEntries(t, h.uploadDir))
}

func TestUpload_NoText(t *testing.T) {
	h := newHarness(t, t.TempDir(), RetrievalOptions{})
	h.extractor.set("scan.pdf", "", "   ")

	_, err := h.svc.Upload(context.Background(), "scan.pdf", []byte("%PDF"))
	assert.ErrorIs(t, err, domain.ErrIngestionFailed)
	assert.Empty(t, h.svc.List())
	assert.Empty(t, dirEntries(t, h.uploadDir))
}

func TestUpload_UnsupportedFormat(t *testing.T) {
	h := newHarness(t, t.TempDir(), RetrievalOptions{})

	_, err := h.svc.Upload(context.Background(), "notes.docx", []byte("PK"))
	assert.ErrorIs(t, err, domain.ErrUnsupportedFormat)
	assert.NotErrorIs(t, err, domain.ErrIngestionFailed)
	assert.Empty(t, dirEntries(t, h.uploadDir))
}

func TestIngestFile(t *testing.T) {
	h := newHarness(t, t.TempDir(), RetrievalOptions{})
	h.extractor.set("local.pdf", financePages...)

	path := filepath.Join(t.TempDir(), "local.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF"), 0644))

	doc, err := h.svc.IngestFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "local.pdf", doc.Name)

	got, indexed, err := h.svc.Get(doc.ID)
	require.NoError(t, err)
	assert.True(t, indexed)
	assert.Equal(t, doc.ChunkCount, got.ChunkCount)
}

func TestConcurrentUploadsSearchesAndDeletes(t *testing.T) {
	h := newHarness(t, t.TempDir(), RetrievalOptions{})
	ctx := context.Background()

	const n = 8
	for i := 0; i < n; i++ {
		h.extractor.set(fmt.Sprintf("doc%d.pdf", i), financePages...)
	}

	var wg sync.WaitGroup
	docs := make([]domain.Document, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			docs[i], errs[i] = h.svc.Upload(ctx, fmt.Sprintf("doc%d.pdf", i), []byte("%PDF"))
		}(i)
	}
	wg.Wait()

	ids := make(map[string]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		ids[docs[i].ID] = true
	}
	assert.Len(t, ids, n)

	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			_, err := h.svc.Search(ctx, domain.SearchRequest{Query: "dividend", DocumentID: id, K: 2})
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrNotFound)
			}
		}(docs[i].ID)
		go func(id string) {
			defer wg.Done()
			_, err := h.svc.Delete(ctx, id)
			assert.NoError(t, err)
		}(docs[i].ID)
	}
	wg.Wait()

	assert.Empty(t, h.svc.List())
	assert.Empty(t, dirEntries(t, h.indexDir))
}

// expectedChunks is the chunk count for a page of n runes that contains no
// separators.
func expectedChunks(n, size, overlap int) int {
	if n == 0 {
		return 0
	}
	if n <= size {
		return 1
	}
	step := size - overlap
	return 1 + (n-size+step-1)/step
}

func TestThreePageDocument(t *testing.T) {
	h := newHarness(t, t.TempDir(), RetrievalOptions{})

	page1 := strings.Repeat("x", 1300)
	phrase := "the tidal turbine generates electricity from ocean currents"
	page2 := "Renewable installations. In the northern bay, " + phrase + " throughout the winter."
	page3 := strings.Repeat("y", 900)

	doc := h.upload(t, "energy.pdf", page1, page2, page3)

	want := expectedChunks(1300, 500, 100) + expectedChunks(len(page2), 500, 100) + expectedChunks(900, 500, 100)
	assert.Equal(t, 6, want)
	assert.Equal(t, want, doc.ChunkCount)
	assert.Equal(t, 3, doc.PageCount)

	res, err := h.svc.Search(context.Background(), domain.SearchRequest{Query: phrase, DocumentID: doc.ID, K: 5})
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)
	assert.Contains(t, res.Chunks[0], phrase)
}

// unitVector returns a dim-length vector with a single 1 at position i.
func unitVector(dim, i int) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	return v
}
