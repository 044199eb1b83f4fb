package store

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"docrag/internal/domain"
	"docrag/internal/port"
)

func unit(v ...float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
	return v
}

func testItems() []port.VectorItem {
	return []port.VectorItem{
		{Vector: unit(1, 0, 0), Text: "alpha"},
		{Vector: unit(0, 1, 0), Text: "beta"},
		{Vector: unit(1, 1, 0), Text: "gamma"},
		{Vector: unit(0, 0, 1), Text: "delta"},
	}
}

func testManifest(id string) port.IndexManifest {
	return port.IndexManifest{
		DocumentID:   id,
		DocumentName: "report.pdf",
		PageCount:    2,
		ChunkCount:   4,
		Model:        "test-model",
		Dimension:    3,
		CreatedAt:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func saveTestIndex(t *testing.T, s *BoltIndexStore, root, id string) string {
	t.Helper()
	idx, err := s.Build(testItems(), testManifest(id))
	require.NoError(t, err)
	dir := filepath.Join(root, id)
	require.NoError(t, s.Save(dir, idx))
	return dir
}

func TestFlatIndex_SearchOrder(t *testing.T) {
	idx, err := NewFlatIndex(testItems(), testManifest("a1b2c3d4"))
	require.NoError(t, err)

	results, err := idx.Search(unit(1, 0.1, 0), 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "alpha", results[0].Text)
	assert.Equal(t, "gamma", results[1].Text)
	assert.Equal(t, "beta", results[2].Text)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestFlatIndex_KCappedAtLen(t *testing.T) {
	idx, err := NewFlatIndex(testItems(), testManifest("a1b2c3d4"))
	require.NoError(t, err)

	results, err := idx.Search(unit(0, 0, 1), 50)
	require.NoError(t, err)
	assert.Len(t, results, 4)
}

func TestFlatIndex_TiesByPosition(t *testing.T) {
	items := []port.VectorItem{
		{Vector: unit(0, 1, 0), Text: "first"},
		{Vector: unit(0, 1, 0), Text: "second"},
		{Vector: unit(1, 0, 0), Text: "third"},
	}
	m := testManifest("a1b2c3d4")
	idx, err := NewFlatIndex(items, m)
	require.NoError(t, err)

	results, err := idx.Search(unit(0, 1, 0), 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, []int{results[0].Position, results[1].Position})
}

func TestFlatIndex_DimensionChecks(t *testing.T) {
	_, err := NewFlatIndex([]port.VectorItem{{Vector: []float32{1, 0}}}, testManifest("a1b2c3d4"))
	assert.Error(t, err)

	idx, err := NewFlatIndex(testItems(), testManifest("a1b2c3d4"))
	require.NoError(t, err)
	_, err = idx.Search([]float32{1, 0}, 1)
	assert.Error(t, err)
}

func TestBoltIndexStore_RoundTrip(t *testing.T) {
	root := t.TempDir()
	s := NewBoltIndexStore("test-model", 3)
	dir := saveTestIndex(t, s, root, "a1b2c3d4")

	original, err := s.Build(testItems(), testManifest("a1b2c3d4"))
	require.NoError(t, err)
	loaded, err := s.Load(dir)
	require.NoError(t, err)

	assert.Equal(t, original.Len(), loaded.Len())
	assert.Equal(t, "report.pdf", loaded.Manifest().DocumentName)
	assert.Equal(t, CurrentSchemaVersion, loaded.Manifest().SchemaVersion)
	assert.True(t, loaded.Manifest().CreatedAt.Equal(testManifest("").CreatedAt))

	q := unit(0.5, 1, 0.2)
	want, err := original.Search(q, 4)
	require.NoError(t, err)
	got, err := loaded.Search(q, 4)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestBoltIndexStore_SaveReplaces(t *testing.T) {
	root := t.TempDir()
	s := NewBoltIndexStore("test-model", 3)
	dir := saveTestIndex(t, s, root, "a1b2c3d4")

	m := testManifest("a1b2c3d4")
	idx, err := s.Build(testItems()[:2], m)
	require.NoError(t, err)
	require.NoError(t, s.Save(dir, idx))

	loaded, err := s.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Len())

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp directories must not be left behind")
	assert.Equal(t, "a1b2c3d4", entries[0].Name())
}

func TestBoltIndexStore_LoadMissing(t *testing.T) {
	s := NewBoltIndexStore("test-model", 3)

	_, err := s.Load(filepath.Join(t.TempDir(), "deadbeef"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBoltIndexStore_RejectsGarbageFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a1b2c3d4")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFileName), []byte("not a bolt file"), 0644))

	_, err := NewBoltIndexStore("test-model", 3).Load(dir)
	assert.ErrorIs(t, err, domain.ErrDeserializationUntrusted)
}

func TestBoltIndexStore_RejectsRenamedDirectory(t *testing.T) {
	root := t.TempDir()
	s := NewBoltIndexStore("test-model", 3)
	dir := saveTestIndex(t, s, root, "a1b2c3d4")

	moved := filepath.Join(root, "ffffffff")
	require.NoError(t, os.Rename(dir, moved))

	_, err := s.Load(moved)
	assert.ErrorIs(t, err, domain.ErrDeserializationUntrusted)
}

func TestBoltIndexStore_RejectsOtherModel(t *testing.T) {
	root := t.TempDir()
	dir := saveTestIndex(t, NewBoltIndexStore("test-model", 3), root, "a1b2c3d4")

	_, err := NewBoltIndexStore("other-model", 3).Load(dir)
	assert.ErrorIs(t, err, domain.ErrDeserializationUntrusted)

	_, err = NewBoltIndexStore("test-model", 4).Load(dir)
	assert.ErrorIs(t, err, domain.ErrDeserializationUntrusted)
}

// tamper opens a saved index for writing and applies fn.
func tamper(t *testing.T, dir string, fn func(tx *bbolt.Tx) error) {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(dir, IndexFileName), 0600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(fn))
	require.NoError(t, db.Close())
}

func TestBoltIndexStore_RejectsTamperedVector(t *testing.T) {
	root := t.TempDir()
	s := NewBoltIndexStore("test-model", 3)
	dir := saveTestIndex(t, s, root, "a1b2c3d4")

	tamper(t, dir, func(tx *bbolt.Tx) error {
		data, _ := json.Marshal(storedVector{Vector: []float32{1, 0}, Text: "short"})
		return tx.Bucket(bucketVectors).Put(positionKey(1), data)
	})

	_, err := s.Load(dir)
	assert.ErrorIs(t, err, domain.ErrDeserializationUntrusted)
}

func TestBoltIndexStore_RejectsNonJSONValue(t *testing.T) {
	root := t.TempDir()
	s := NewBoltIndexStore("test-model", 3)
	dir := saveTestIndex(t, s, root, "a1b2c3d4")

	tamper(t, dir, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVectors).Put(positionKey(0), []byte("\x80\x04\x95cos\nsystem\n"))
	})

	_, err := s.Load(dir)
	assert.ErrorIs(t, err, domain.ErrDeserializationUntrusted)
}

func TestBoltIndexStore_RejectsMissingChunk(t *testing.T) {
	root := t.TempDir()
	s := NewBoltIndexStore("test-model", 3)
	dir := saveTestIndex(t, s, root, "a1b2c3d4")

	tamper(t, dir, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVectors).Delete(positionKey(3))
	})

	_, err := s.Load(dir)
	assert.ErrorIs(t, err, domain.ErrDeserializationUntrusted)
}

func TestBoltIndexStore_RejectsSchemaVersion(t *testing.T) {
	root := t.TempDir()
	s := NewBoltIndexStore("test-model", 3)
	dir := saveTestIndex(t, s, root, "a1b2c3d4")

	tamper(t, dir, func(tx *bbolt.Tx) error {
		data, _ := json.Marshal(CurrentSchemaVersion + 1)
		return tx.Bucket(bucketMeta).Put(keySchemaVersion, data)
	})

	_, err := s.Load(dir)
	assert.ErrorIs(t, err, domain.ErrDeserializationUntrusted)
}

func TestBoltIndexStore_RejectsUnsafeDocumentName(t *testing.T) {
	for _, name := range []string{"", "..", "../../../victim.txt", "sub/report.pdf", `..\victim.txt`} {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			s := NewBoltIndexStore("test-model", 3)
			dir := saveTestIndex(t, s, root, "a1b2c3d4")

			tamper(t, dir, func(tx *bbolt.Tx) error {
				m := testManifest("a1b2c3d4")
				m.DocumentName = name
				m.Model = "test-model"
				return writeMeta(tx, m)
			})

			_, err := s.Load(dir)
			assert.ErrorIs(t, err, domain.ErrDeserializationUntrusted)
		})
	}
}
