package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"docrag/internal/domain"
	"docrag/internal/port"
)

// IndexFileName is the bbolt file inside each per-document index directory.
const IndexFileName = "index.db"

type storedVector struct {
	Vector []float32 `json:"v"`
	Text   string    `json:"t"`
}

// BoltIndexStore persists FlatIndex values as one bbolt file per document.
// Values are JSON, so loading a file never executes anything it contains;
// every field is validated before an index is handed out.
type BoltIndexStore struct {
	model       string
	dimension   int
	openTimeout time.Duration
}

// NewBoltIndexStore creates a store that only accepts indices built with
// the given embedding model and dimension.
func NewBoltIndexStore(model string, dimension int) *BoltIndexStore {
	return &BoltIndexStore{
		model:       model,
		dimension:   dimension,
		openTimeout: time.Second,
	}
}

func (s *BoltIndexStore) Build(items []port.VectorItem, manifest port.IndexManifest) (port.VectorIndex, error) {
	if manifest.Model == "" {
		manifest.Model = s.model
	}
	if manifest.Dimension == 0 {
		manifest.Dimension = s.dimension
	}
	return NewFlatIndex(items, manifest)
}

// Save writes idx to a sibling temp directory and renames it over dir, so a
// crash never leaves a half-written index under the final name.
func (s *BoltIndexStore) Save(dir string, idx port.VectorIndex) error {
	flat, ok := idx.(*FlatIndex)
	if !ok {
		return fmt.Errorf("unsupported index type %T", idx)
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return err
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+".tmp-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	if err := writeIndexFile(filepath.Join(tmp, IndexFileName), flat); err != nil {
		return err
	}

	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("failed to move index into place: %w", err)
	}
	return nil
}

func writeIndexFile(path string, idx *FlatIndex) error {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if err := writeMeta(tx, idx.manifest); err != nil {
			return err
		}

		b, err := tx.CreateBucketIfNotExists(bucketVectors)
		if err != nil {
			return fmt.Errorf("failed to create vectors bucket: %w", err)
		}
		for i := range idx.vectors {
			data, err := json.Marshal(storedVector{Vector: idx.vectors[i], Text: idx.texts[i]})
			if err != nil {
				return err
			}
			if err := b.Put(positionKey(i), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return err
	}
	return db.Close()
}

// Load opens dir/index.db read-only and rebuilds the index. A missing file
// is ErrNotFound; anything malformed is ErrDeserializationUntrusted.
func (s *BoltIndexStore) Load(dir string) (port.VectorIndex, error) {
	path := filepath.Join(dir, IndexFileName)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("index %s: %w", filepath.Base(dir), domain.ErrNotFound)
		}
		return nil, err
	}

	db, err := bbolt.Open(path, 0400, &bbolt.Options{ReadOnly: true, Timeout: s.openTimeout})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, fmt.Errorf("index %s is locked: %w", filepath.Base(dir), err)
		}
		return nil, untrusted("open %s: %v", path, err)
	}
	defer db.Close()

	var (
		manifest port.IndexManifest
		items    []port.VectorItem
	)
	err = db.View(func(tx *bbolt.Tx) error {
		var err error
		manifest, err = readMeta(tx)
		if err != nil {
			return err
		}
		if err := checkCompatibility(manifest, filepath.Base(dir), s.model, s.dimension); err != nil {
			return err
		}

		b := tx.Bucket(bucketVectors)
		if b == nil {
			return untrusted("missing vectors bucket")
		}
		items = make([]port.VectorItem, 0, manifest.ChunkCount)
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 4 || int(binary.BigEndian.Uint32(k)) != len(items) {
				return untrusted("unexpected vector key %x at position %d", k, len(items))
			}
			var stored storedVector
			if err := json.Unmarshal(v, &stored); err != nil {
				return untrusted("vector %d: %v", len(items), err)
			}
			if len(stored.Vector) != s.dimension {
				return untrusted("vector %d has %d components, expected %d", len(items), len(stored.Vector), s.dimension)
			}
			for _, x := range stored.Vector {
				if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
					return untrusted("vector %d has non-finite component", len(items))
				}
			}
			items = append(items, port.VectorItem{Vector: stored.Vector, Text: stored.Text})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if len(items) != manifest.ChunkCount {
		return nil, untrusted("manifest lists %d chunks, file holds %d", manifest.ChunkCount, len(items))
	}

	return NewFlatIndex(items, manifest)
}

func positionKey(i int) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(i))
	return k
}
