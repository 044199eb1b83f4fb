package chunker

import (
	"fmt"
	"strings"
	"unicode"

	"docrag/internal/domain"
)

const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 100
)

// separatorTiers are tried in order; within a tier the rightmost
// qualifying occurrence wins.
var separatorTiers = [][]string{
	{"\n\n"},
	{"\n"},
	{". ", "! ", "? ", "; "},
	{" ", "\t"},
}

// RecursiveChunker splits page text into windows of at most chunkSize runes,
// preferring paragraph, line, sentence and word boundaries in that order.
// Consecutive chunks of a page share up to overlap runes. Chunks never span pages.
type RecursiveChunker struct {
	chunkSize int
	overlap   int
	tiers     [][][]rune
}

func NewRecursiveChunker(chunkSize, overlap int) (*RecursiveChunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", chunkSize, overlap)
	}

	tiers := make([][][]rune, len(separatorTiers))
	for i, tier := range separatorTiers {
		for _, sep := range tier {
			tiers[i] = append(tiers[i], []rune(sep))
		}
	}

	return &RecursiveChunker{
		chunkSize: chunkSize,
		overlap:   overlap,
		tiers:     tiers,
	}, nil
}

func (c *RecursiveChunker) ChunkSize() int { return c.chunkSize }
func (c *RecursiveChunker) Overlap() int   { return c.overlap }

// Split chunks each page independently and numbers the chunks in document order.
func (c *RecursiveChunker) Split(pages []string) []domain.Chunk {
	var chunks []domain.Chunk
	for i, page := range pages {
		for _, text := range c.splitText(page) {
			chunks = append(chunks, domain.Chunk{
				Index: len(chunks),
				Page:  i + 1,
				Text:  text,
			})
		}
	}
	return chunks
}

func (c *RecursiveChunker) splitText(page string) []string {
	text := []rune(strings.TrimSpace(page))
	n := len(text)

	var out []string
	start := 0
	for start < n {
		end := start + c.chunkSize
		if end >= n {
			out = appendTrimmed(out, text[start:n])
			break
		}

		cut := c.breakPoint(text, start, end)
		out = appendTrimmed(out, text[start:cut])

		next := cut - c.overlap
		if next <= start {
			next = start + 1
		}
		start = alignToWord(text, next, cut)
	}
	return out
}

// breakPoint returns the exclusive end of the chunk starting at start.
// A candidate must leave more than overlap runes in the chunk so the next
// window always advances.
func (c *RecursiveChunker) breakPoint(text []rune, start, end int) int {
	lo := start + c.overlap + 1
	for _, tier := range c.tiers {
		best := -1
		for _, sep := range tier {
			if p := lastCut(text, sep, lo, end); p > best {
				best = p
			}
		}
		if best >= 0 {
			return best
		}
	}
	return end
}

// lastCut finds the rightmost occurrence of sep ending within [lo, hi]
// and returns the position just after it, or -1.
func lastCut(text, sep []rune, lo, hi int) int {
	for p := hi - len(sep); p+len(sep) >= lo && p >= 0; p-- {
		if hasPrefixAt(text, sep, p) {
			return p + len(sep)
		}
	}
	return -1
}

func hasPrefixAt(text, sep []rune, p int) bool {
	if p+len(sep) > len(text) {
		return false
	}
	for i, r := range sep {
		if text[p+i] != r {
			return false
		}
	}
	return true
}

// alignToWord moves pos forward to the next word start when it lands inside
// a word, as long as that start is before limit.
func alignToWord(text []rune, pos, limit int) int {
	if pos == 0 || unicode.IsSpace(text[pos-1]) || unicode.IsSpace(text[pos]) {
		return pos
	}
	i := pos
	for i < limit && !unicode.IsSpace(text[i]) {
		i++
	}
	for i < limit && unicode.IsSpace(text[i]) {
		i++
	}
	if i >= limit {
		return pos
	}
	return i
}

func appendTrimmed(out []string, r []rune) []string {
	if s := strings.TrimSpace(string(r)); s != "" {
		out = append(out, s)
	}
	return out
}
