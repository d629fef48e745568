package chunking

import "errors"

// Chunk is one bounded, contiguous slice of a document's text. Offsets are
// byte offsets into the source string, so Text == source[StartOffset:EndOffset].
type Chunk struct {
	Index       int    `json:"index"`
	Text        string `json:"text"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
}

type ChunkingClient interface {
	ChunkText(text string) ([]Chunk, error)
}

// Span is the byte range one token covers in the source text.
type Span struct {
	Start int
	End   int
}

// Tokenizer maps text to token spans. Implementations must be
// deterministic: identical input yields identical spans.
type Tokenizer interface {
	Spans(text string) ([]Span, error)
}

// ErrInvalidConfig is returned by chunker constructors when the overlap is
// not smaller than the chunk size (or either is out of range).
var ErrInvalidConfig = errors.New("chunk overlap must be smaller than chunk size")
