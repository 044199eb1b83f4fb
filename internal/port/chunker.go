package port

import "docrag/internal/domain"

// Chunker splits extracted page texts into ordered chunks.
type Chunker interface {
	Split(pages []string) []domain.Chunk
}
