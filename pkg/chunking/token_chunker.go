package chunking

import (
	"fmt"
)

// TokenChunker slides a fixed token window over the text, each window
// sharing overlap tokens with the previous one. Chunk text is cut straight
// from the source, so boundaries are reproducible run to run.
type TokenChunker struct {
	tokenizer Tokenizer
	size      int
	overlap   int
}

func NewTokenChunker(tokenizer Tokenizer, size, overlap int) (*TokenChunker, error) {
	if tokenizer == nil {
		return nil, fmt.Errorf("token chunker requires a tokenizer")
	}
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d: %w", size, ErrInvalidConfig)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap %d with size %d: %w", overlap, size, ErrInvalidConfig)
	}
	return &TokenChunker{tokenizer: tokenizer, size: size, overlap: overlap}, nil
}

func (c *TokenChunker) ChunkText(text string) ([]Chunk, error) {
	if text == "" {
		return nil, nil
	}
	spans, err := c.tokenizer.Spans(text)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize text: %w", err)
	}
	if len(spans) == 0 {
		return nil, nil
	}

	step := c.size - c.overlap
	var chunks []Chunk
	for start := 0; start < len(spans); start += step {
		end := start + c.size
		if end > len(spans) {
			end = len(spans)
		}
		lo, hi := spans[start].Start, spans[end-1].End
		chunks = append(chunks, Chunk{
			Index:       len(chunks),
			Text:        text[lo:hi],
			StartOffset: lo,
			EndOffset:   hi,
		})
		if end == len(spans) {
			break
		}
	}
	return chunks, nil
}
