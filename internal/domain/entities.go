package domain

import (
	"path/filepath"
	"strings"
	"time"
)

// Document is an uploaded PDF that has been fully ingested.
type Document struct {
	ID         string
	Name       string
	StoredPath string
	ChunkCount int
	PageCount  int
	CreatedAt  time.Time
}

// Chunk is a contiguous piece of one page's text.
type Chunk struct {
	Index int
	Page  int
	Text  string
}

// FileInfo is the listing view of a document.
type FileInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Chunks     int    `json:"chunks"`
	IsEmbedded bool   `json:"is_embedded"`
}

type SearchRequest struct {
	Query      string
	DocumentID string
	K          int
}

type SearchResult struct {
	Chunks       []string
	DocumentID   string
	DocumentName string
}

// ValidDocumentName reports whether name is a bare file name that can be
// stored next to its id without leaving the upload directory.
func ValidDocumentName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00") && filepath.Base(name) == name
}
