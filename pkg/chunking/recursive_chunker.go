package chunking

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// RecursiveChunker splits on natural boundaries (paragraph, line, space)
// before falling back to hard cuts. Offsets are recovered by locating each
// piece in the source, scanning forward from the previous chunk's start so
// overlapping pieces resolve to the right occurrence.
type RecursiveChunker struct {
	splitter textsplitter.RecursiveCharacter
}

func NewRecursiveChunker(size, overlap int) (*RecursiveChunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d: %w", size, ErrInvalidConfig)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap %d with size %d: %w", overlap, size, ErrInvalidConfig)
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(overlap),
		textsplitter.WithSeparators([]string{"\n\n", "\n", " "}),
	)
	return &RecursiveChunker{splitter: splitter}, nil
}

func (c *RecursiveChunker) ChunkText(text string) ([]Chunk, error) {
	if text == "" {
		return nil, nil
	}
	pieces, err := c.splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("failed to split text: %w", err)
	}

	chunks := make([]Chunk, 0, len(pieces))
	lastStart := -1
	for _, piece := range pieces {
		if piece == "" {
			continue
		}
		from := lastStart + 1
		if from > len(text) {
			from = len(text)
		}
		start := strings.Index(text[from:], piece)
		if start >= 0 {
			start += from
		} else {
			// The splitter trims whitespace, so an overlapping piece can
			// begin before the previous search floor.
			start = strings.Index(text, piece)
			if start < 0 {
				return nil, fmt.Errorf("failed to locate chunk %d in source text", len(chunks))
			}
		}
		chunks = append(chunks, Chunk{
			Index:       len(chunks),
			Text:        piece,
			StartOffset: start,
			EndOffset:   start + len(piece),
		})
		lastStart = start
	}
	return chunks, nil
}
