package chunking

import (
	"errors"
	"reflect"
	"testing"
)

// wordTokenizer treats every whitespace-separated word as one token. Tests
// use it instead of a real encoder so they stay offline and deterministic.
type wordTokenizer struct{}

func (wordTokenizer) Spans(text string) ([]Span, error) {
	var spans []Span
	start := -1
	for i, r := range text {
		if r == ' ' || r == '\n' || r == '\t' {
			if start >= 0 {
				spans = append(spans, Span{Start: start, End: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, Span{Start: start, End: len(text)})
	}
	return spans, nil
}

func TestTokenChunker_WindowLayout(t *testing.T) {
	text := "a b c d e f g h"

	testCases := []struct {
		name     string
		size     int
		overlap  int
		expected []string
	}{
		{"OverlappingWindows", 4, 2, []string{"a b c d", "c d e f", "e f g h"}},
		{"DisjointWindows", 3, 0, []string{"a b c", "d e f", "g h"}},
		{"SingleWindow", 10, 2, []string{"a b c d e f g h"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			chunker, err := NewTokenChunker(wordTokenizer{}, tc.size, tc.overlap)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			chunks, err := chunker.ChunkText(text)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if len(chunks) != len(tc.expected) {
				t.Fatalf("expected %d chunks, got %d", len(tc.expected), len(chunks))
			}
			for i, chunk := range chunks {
				if chunk.Text != tc.expected[i] {
					t.Errorf("chunk %d: expected %q, got %q", i, tc.expected[i], chunk.Text)
				}
				if chunk.Index != i {
					t.Errorf("chunk %d: expected index %d, got %d", i, i, chunk.Index)
				}
			}
		})
	}
}

func TestTokenChunker_OffsetsMatchSource(t *testing.T) {
	text := "The naïve reader skims\nthe first page twice\n\nthen gives up entirely"

	chunker, err := NewTokenChunker(wordTokenizer{}, 4, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chunks, err := chunker.ChunkText(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}

	for _, chunk := range chunks {
		if got := text[chunk.StartOffset:chunk.EndOffset]; got != chunk.Text {
			t.Errorf("chunk %d: offsets [%d:%d] yield %q, text is %q",
				chunk.Index, chunk.StartOffset, chunk.EndOffset, got, chunk.Text)
		}
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].StartOffset <= chunks[i-1].StartOffset {
			t.Errorf("chunk %d starts at %d, not after chunk %d at %d",
				i, chunks[i].StartOffset, i-1, chunks[i-1].StartOffset)
		}
	}
}

func TestTokenChunker_Deterministic(t *testing.T) {
	text := "alpha beta gamma delta epsilon zeta eta theta iota kappa"

	chunker, err := NewTokenChunker(wordTokenizer{}, 3, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := chunker.ChunkText(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := chunker.ChunkText(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Errorf("expected identical chunks across runs, got %v then %v", first, second)
	}
}

func TestTokenChunker_EmptyInput(t *testing.T) {
	chunker, err := NewTokenChunker(wordTokenizer{}, 4, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chunks, err := chunker.ChunkText("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("expected no chunks for empty input, got %d", len(chunks))
	}
}

func TestNewTokenChunker_InvalidConfig(t *testing.T) {
	testCases := []struct {
		name    string
		size    int
		overlap int
	}{
		{"OverlapEqualsSize", 4, 4},
		{"OverlapExceedsSize", 4, 8},
		{"NegativeOverlap", 4, -1},
		{"ZeroSize", 0, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewTokenChunker(wordTokenizer{}, tc.size, tc.overlap)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestNewTokenChunker_NilTokenizer(t *testing.T) {
	if _, err := NewTokenChunker(nil, 4, 1); err == nil {
		t.Error("expected error for nil tokenizer, got nil")
	}
}
