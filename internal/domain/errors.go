package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedFormat        = errors.New("only PDF files are supported")
	ErrIngestionFailed          = errors.New("ingestion failed")
	ErrNotFound                 = errors.New("not found")
	ErrNoDocuments              = errors.New("no files uploaded")
	ErrDeserializationUntrusted = errors.New("persisted index failed validation")
	ErrInvalidK                 = errors.New("k must be a positive integer")
	ErrInvalidQuery             = errors.New("query must not be empty")
)

// IngestionError reports a failed upload pipeline. It matches
// ErrIngestionFailed with errors.Is and unwraps to the underlying cause.
type IngestionError struct {
	Name string
	Err  error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingest %s: %v", e.Name, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

func (e *IngestionError) Is(target error) bool {
	return target == ErrIngestionFailed
}

// NotFoundError reports a document id that is unknown or whose index could
// not be used. It matches ErrNotFound and unwraps to the load failure, if any.
type NotFoundError struct {
	ID  string
	Err error
}

func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("file %s: not found: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("file %s: not found", e.ID)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}
