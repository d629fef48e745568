package analysis

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

const encodingConfidenceThreshold = 0.70

// fallbackEncodings is the decode ladder tried in order when detection is
// inconclusive. latin-1 accepts any byte, so the ladder always terminates.
var fallbackEncodings = []string{"utf-8", "utf-16", "latin-1", "cp1252", "iso-8859-1"}

// DetectEncodings diagnoses the text encoding of data. A BOM is decisive;
// otherwise a statistical detector gets the first guess, a null-byte
// pattern check catches BOM-less UTF-16, and the fallback ladder runs last.
func DetectEncodings(data []byte) []EncodingAttempt {
	if len(data) == 0 {
		return nil
	}

	if att, ok := detectBOM(data); ok {
		return []EncodingAttempt{att}
	}

	var attempts []EncodingAttempt

	best, err := chardet.NewTextDetector().DetectBest(data)
	if err == nil && best != nil && best.Charset != "" {
		conf := float64(best.Confidence) / 100
		name := normalizeCharset(best.Charset)
		ok := conf >= encodingConfidenceThreshold && decodes(name, data)
		attempts = append(attempts, EncodingAttempt{Encoding: name, Success: ok, Confidence: &conf})
		if ok {
			return attempts
		}
	}

	if name, conf, ok := utf16Pattern(data); ok {
		attempts = append(attempts, EncodingAttempt{Encoding: name, Success: true, Confidence: &conf})
		return attempts
	}

	for _, name := range fallbackEncodings {
		if len(attempts) > 0 && attempts[0].Encoding == name {
			continue
		}
		ok := decodes(name, data)
		attempts = append(attempts, EncodingAttempt{Encoding: name, Success: ok})
		if ok {
			break
		}
	}
	return attempts
}

func detectBOM(data []byte) (EncodingAttempt, bool) {
	certain := 1.0
	switch {
	case bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}):
		return EncodingAttempt{Encoding: "utf-8", Success: true, Confidence: &certain}, true
	case bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		return EncodingAttempt{Encoding: "utf-16be", Success: true, Confidence: &certain}, true
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}):
		return EncodingAttempt{Encoding: "utf-16le", Success: true, Confidence: &certain}, true
	}
	return EncodingAttempt{}, false
}

// utf16Pattern looks for the null-byte cadence of BOM-less UTF-16: nulls
// concentrated at even positions mean big endian, odd positions little.
func utf16Pattern(data []byte) (string, float64, bool) {
	if len(data) < 4 {
		return "", 0, false
	}
	sample := len(data)
	if sample > 100 {
		sample = 100
	}

	var evenNulls, oddNulls int
	for i := 0; i < sample; i++ {
		if data[i] != 0 {
			continue
		}
		if i%2 == 0 {
			evenNulls++
		} else {
			oddNulls++
		}
	}

	evenSlots := (sample + 1) / 2
	oddSlots := sample / 2
	if float64(evenNulls)/float64(evenSlots) > encodingConfidenceThreshold {
		return "utf-16be", 0.9, true
	}
	if oddSlots > 0 && float64(oddNulls)/float64(oddSlots) > encodingConfidenceThreshold {
		return "utf-16le", 0.9, true
	}
	return "", 0, false
}

func decodes(name string, data []byte) bool {
	switch name {
	case "utf-8", "ascii":
		return utf8.Valid(data)
	case "utf-16", "utf-16le":
		return decodeClean(unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder(), data)
	case "utf-16be":
		return decodeClean(unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder(), data)
	case "latin-1", "iso-8859-1":
		return decodeClean(charmap.ISO8859_1.NewDecoder(), data)
	case "cp1252":
		return decodeClean(charmap.Windows1252.NewDecoder(), data)
	default:
		return false
	}
}

// decodeClean requires a decode with no replacement characters, matching
// strict decoding where an unmappable byte is a failure.
func decodeClean(dec *encoding.Decoder, data []byte) bool {
	out, err := dec.Bytes(data)
	if err != nil {
		return false
	}
	return utf8.Valid(out) && !bytes.ContainsRune(out, utf8.RuneError)
}

func normalizeCharset(charset string) string {
	name := strings.ToLower(charset)
	if name == "windows-1252" {
		return "cp1252"
	}
	return name
}
