package port

import "time"

// VectorItem represents a vector to be stored.
type VectorItem struct {
	Vector []float32
	Text   string
}

// VectorResult represents a search result.
type VectorResult struct {
	Position int     // chunk position within the document
	Text     string  // chunk text, verbatim
	Score    float64 // similarity score (higher is better)
}

// IndexManifest describes a persisted per-document index.
type IndexManifest struct {
	SchemaVersion int       `json:"schema_version"`
	DocumentID    string    `json:"document_id"`
	DocumentName  string    `json:"document_name"`
	PageCount     int       `json:"page_count"`
	ChunkCount    int       `json:"chunk_count"`
	Model         string    `json:"model"`
	Dimension     int       `json:"dimension"`
	ChunkSize     int       `json:"chunk_size"`
	ChunkOverlap  int       `json:"chunk_overlap"`
	CreatedAt     time.Time `json:"created_at"`
}

// VectorIndex is a queryable, immutable per-document index.
type VectorIndex interface {
	// Search returns at most k results, best first.
	Search(query []float32, k int) ([]VectorResult, error)

	// Len returns the number of stored vectors.
	Len() int

	Dimension() int

	Manifest() IndexManifest
}

// IndexStore builds vector indices and moves them to and from disk.
type IndexStore interface {
	Build(items []VectorItem, manifest IndexManifest) (VectorIndex, error)

	// Save writes idx into dir, replacing any previous contents.
	Save(dir string, idx VectorIndex) error

	// Load reads and validates the index in dir.
	Load(dir string) (VectorIndex, error)
}
