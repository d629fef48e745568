package chunking

import (
	"fmt"

	"github.com/daulet/tokenizers"
	"github.com/pkoukk/tiktoken-go"
)

// TiktokenTokenizer counts tokens with the cl100k_base BPE. Its token byte
// strings partition the input exactly, so spans are recovered by decoding
// each token on its own.
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

func NewTiktokenTokenizer() (*TiktokenTokenizer, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

func (t *TiktokenTokenizer) Spans(text string) ([]Span, error) {
	ids := t.enc.Encode(text, nil, nil)
	spans := make([]Span, 0, len(ids))
	off := 0
	for _, id := range ids {
		n := len(t.enc.Decode([]int{id}))
		spans = append(spans, Span{Start: off, End: off + n})
		off += n
	}
	if off != len(text) {
		return nil, fmt.Errorf("token spans cover %d of %d bytes", off, len(text))
	}
	return spans, nil
}

// HFTokenizer wraps a HuggingFace tokenizer.json, so chunk sizes line up
// with the embedding model's own vocabulary.
type HFTokenizer struct {
	tk *tokenizers.Tokenizer
}

func NewHFTokenizer(path string) (*HFTokenizer, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer from pretrained or local files: %w", err)
	}
	return &HFTokenizer{tk: tk}, nil
}

func (t *HFTokenizer) Spans(text string) ([]Span, error) {
	enc := t.tk.EncodeWithOptions(text, false, tokenizers.WithReturnOffsets())
	spans := make([]Span, 0, len(enc.Offsets))
	for _, off := range enc.Offsets {
		start, end := int(off[0]), int(off[1])
		if start < 0 {
			start = 0
		}
		if end > len(text) {
			end = len(text)
		}
		if end <= start {
			continue
		}
		spans = append(spans, Span{Start: start, End: end})
	}
	return spans, nil
}

func (t *HFTokenizer) Close() error {
	t.tk.Close()
	return nil
}
