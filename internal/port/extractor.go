package port

import "context"

// PageExtractor returns the text of each page of a document, in page order.
type PageExtractor interface {
	ExtractPages(ctx context.Context, path string) ([]string, error)
}
