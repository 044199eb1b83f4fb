package store

import (
	"fmt"
	"sort"

	"docrag/internal/port"
)

// FlatIndex is an immutable brute-force vector index. Vectors are expected
// to be unit length, so the dot product equals cosine similarity.
type FlatIndex struct {
	manifest  port.IndexManifest
	dimension int
	vectors   [][]float32
	texts     []string
}

// NewFlatIndex copies items into a new index. Every vector must have
// manifest.Dimension components.
func NewFlatIndex(items []port.VectorItem, manifest port.IndexManifest) (*FlatIndex, error) {
	if manifest.Dimension <= 0 {
		return nil, fmt.Errorf("invalid index dimension %d", manifest.Dimension)
	}

	idx := &FlatIndex{
		manifest:  manifest,
		dimension: manifest.Dimension,
		vectors:   make([][]float32, len(items)),
		texts:     make([]string, len(items)),
	}
	for i, item := range items {
		if len(item.Vector) != idx.dimension {
			return nil, fmt.Errorf("vector %d dimension mismatch: expected %d, got %d", i, idx.dimension, len(item.Vector))
		}
		idx.vectors[i] = append([]float32(nil), item.Vector...)
		idx.texts[i] = item.Text
	}
	idx.manifest.ChunkCount = len(items)

	return idx, nil
}

// Search returns the k most similar chunks, best first. Equal scores are
// ordered by chunk position.
func (f *FlatIndex) Search(query []float32, k int) ([]port.VectorResult, error) {
	if len(query) != f.dimension {
		return nil, fmt.Errorf("query dimension mismatch: expected %d, got %d", f.dimension, len(query))
	}
	if k <= 0 || len(f.vectors) == 0 {
		return nil, nil
	}

	scores := make([]port.VectorResult, len(f.vectors))
	for i, v := range f.vectors {
		scores[i] = port.VectorResult{
			Position: i,
			Text:     f.texts[i],
			Score:    dotProduct(query, v),
		}
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Position < scores[j].Position
	})

	if k > len(scores) {
		k = len(scores)
	}
	return scores[:k], nil
}

func (f *FlatIndex) Len() int { return len(f.vectors) }

func (f *FlatIndex) Dimension() int { return f.dimension }

func (f *FlatIndex) Manifest() port.IndexManifest { return f.manifest }

func dotProduct(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
