// vellum-extract is the extraction worker vellum runs, one process per
// request. It reads a single JSON request from stdin, extracts plain text
// from the named PDF and writes a single JSON response to stdout. It is
// the only binary linking the PDF parsing library, so a malformed file
// that hangs or crashes the parser never takes the orchestrator with it.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"

	"vellum/pkg/extraction"
)

func main() {
	resp := run()

	line, err := json.Marshal(resp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode response: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(append(line, '\n'))

	if resp.Error != "" {
		os.Exit(1)
	}
}

func run() (resp extraction.WireResponse) {
	// The parser is known to panic on malformed files; turn that into a
	// protocol-level error instead of a bare crash.
	defer func() {
		if r := recover(); r != nil {
			resp = extraction.WireResponse{Error: fmt.Sprintf("extraction panicked: %v", r)}
		}
	}()

	var req extraction.WireRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		return extraction.WireResponse{Error: fmt.Sprintf("failed to decode request: %v", err)}
	}

	var (
		reader *pdf.Reader
		err    error
	)
	switch {
	case len(req.PDFBytes) > 0:
		reader, err = pdf.NewReader(bytes.NewReader(req.PDFBytes), int64(len(req.PDFBytes)))
	case req.PDFPath != "":
		var f *os.File
		f, reader, err = pdf.Open(req.PDFPath)
		if f != nil {
			defer f.Close()
		}
	default:
		return extraction.WireResponse{Error: "request names neither pdf_path nor pdf_bytes"}
	}
	if err != nil {
		return extraction.WireResponse{Error: fmt.Sprintf("failed to open PDF: %v", err)}
	}

	text, warnings, err := extractText(reader, req.Options)
	if err != nil {
		return extraction.WireResponse{Error: err.Error(), Warnings: warnings}
	}
	return extraction.WireResponse{Text: text, Warnings: warnings}
}

// extractText prefers the whole-document reader and falls back to
// page-by-page extraction, which survives single bad pages at the cost of
// layout fidelity. Mode "pages" forces the fallback.
func extractText(r *pdf.Reader, opts extraction.Options) (string, []string, error) {
	var warnings []string

	if opts.Mode != "pages" {
		text, err := plainText(r)
		if err == nil && strings.TrimSpace(text) != "" {
			return finish(text, opts), warnings, nil
		}
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("plain text extraction failed: %v", err))
		}
	}

	text, pageWarnings, err := pageText(r)
	warnings = append(warnings, pageWarnings...)
	if err != nil {
		return "", warnings, err
	}
	return finish(text, opts), warnings, nil
}

func plainText(r *pdf.Reader) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plain text extraction panicked: %v", rec)
		}
	}()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to extract plain text: %w", err)
	}
	content, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read plain text: %w", err)
	}
	return strings.TrimSpace(string(content)), nil
}

func pageText(r *pdf.Reader) (string, []string, error) {
	var sb strings.Builder
	var warnings []string

	total := r.NumPage()
	for i := 1; i <= total; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			warnings = append(warnings, fmt.Sprintf("page %d: missing page object", i))
			continue
		}
		text, err := onePage(page)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("page %d: %v", i, err))
			continue
		}
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(text)
	}

	if sb.Len() == 0 && total > 0 && len(warnings) == total {
		return "", warnings, fmt.Errorf("failed to extract text from all %d pages", total)
	}
	return strings.TrimSpace(sb.String()), warnings, nil
}

func onePage(p pdf.Page) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("extraction panicked: %v", rec)
		}
	}()

	content, err := p.GetPlainText(nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

var ligatures = strings.NewReplacer(
	"ﬀ", "ff",
	"ﬁ", "fi",
	"ﬂ", "fl",
	"ﬃ", "ffi",
	"ﬄ", "ffl",
)

func finish(text string, opts extraction.Options) string {
	if opts.NoLigatures {
		text = ligatures.Replace(text)
	}
	return text
}
