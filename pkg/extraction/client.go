package extraction

import (
	"context"
	"fmt"
)

// Request carries one PDF to the extraction worker. Either Path or Bytes
// must be set; when both are set the worker reads Bytes.
type Request struct {
	Path    string
	Bytes   []byte
	Options Options
}

// Options are passed through to the worker untouched.
type Options struct {
	Mode        string `json:"mode,omitempty"`
	NoLigatures bool   `json:"no_ligatures,omitempty"`
}

// Result is a successful extraction.
type Result struct {
	Text     string
	Warnings []string
}

// TextExtractor extracts plain text from one PDF per call.
type TextExtractor interface {
	Extract(ctx context.Context, req Request) (*Result, error)
}

type ErrorKind int

const (
	// Timeout means the worker did not respond within the wall-clock limit
	// and was killed.
	Timeout ErrorKind = iota
	// WorkerFailure means the worker exited non-zero, reported an error,
	// or produced output the channel could not parse.
	WorkerFailure
)

func (k ErrorKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case WorkerFailure:
		return "worker_failure"
	}
	return "unknown"
}

type ExtractionError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("extraction %s: %s", e.Kind, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("extraction %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("extraction %s", e.Kind)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// WireRequest is the single JSON line written to the worker's stdin.
type WireRequest struct {
	PDFPath  string  `json:"pdf_path,omitempty"`
	PDFBytes []byte  `json:"pdf_bytes,omitempty"`
	Options  Options `json:"options"`
}

// WireResponse is the single JSON line the worker writes to stdout.
// Exit code 0 is still required for success.
type WireResponse struct {
	Text     string   `json:"text"`
	Warnings []string `json:"warnings"`
	Error    string   `json:"error,omitempty"`
}
