package analysis

import (
	"fmt"
	"strings"
)

type IssueType string

const (
	IssuePasswordProtected IssueType = "password_protected"
	IssueDamaged           IssueType = "damaged"
	IssueMissingFonts      IssueType = "missing_fonts"
	IssueJavaScript        IssueType = "javascript"
	IssueFormFields        IssueType = "form_fields"
	IssueEmbeddedFiles     IssueType = "embedded_files"
	IssueDigitalSignatures IssueType = "digital_signatures"
	IssueLargeSize         IssueType = "large_size"
	IssueScannedImage      IssueType = "scanned_image"
	IssueEncoding          IssueType = "encoding_issue"
	IssueUTF16Encoding     IssueType = "utf16_encoding"
	IssueMixedEncodings    IssueType = "mixed_encodings"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// EncodingAttempt records one encoding tried against the extracted text.
// Confidence is set only when a statistical detector produced the guess.
type EncodingAttempt struct {
	Encoding   string   `json:"encoding"`
	Success    bool     `json:"success"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type Font struct {
	Name     string `json:"name"`
	Subtype  string `json:"subtype"`
	Encoding string `json:"encoding"`
	Embedded bool   `json:"embedded"`
	Subset   bool   `json:"subset"`
}

type Issue struct {
	Type        IssueType         `json:"type"`
	Description string            `json:"description"`
	Severity    Severity          `json:"severity"`
	Pages       []int             `json:"pages,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

// Result is the structural diagnosis of one PDF. It is built even when the
// file is damaged or unreadable, with the flags set accordingly.
type Result struct {
	FilePath         string            `json:"file_path"`
	FileSize         int64             `json:"filesize"`
	PageCount        int               `json:"num_pages"`
	Encrypted        bool              `json:"is_encrypted"`
	Damaged          bool              `json:"is_damaged"`
	EncodingAttempts []EncodingAttempt `json:"encodings,omitempty"`
	Fonts            []Font            `json:"fonts,omitempty"`
	Issues           []Issue           `json:"issues,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// AnalysisError is reserved for analyzer malfunctions. Problems with the
// PDF itself are reported through Result flags and issues instead.
type AnalysisError struct {
	Path string
	Err  error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis of %s failed: %v", e.Path, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

func (r *Result) HasIssue(t IssueType) bool {
	for _, issue := range r.Issues {
		if issue.Type == t {
			return true
		}
	}
	return false
}

// EncodingNames lists the encodings in play for this file: every encoding
// that successfully decoded the text plus every encoding declared by a font.
func (r *Result) EncodingNames() []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}
	for _, att := range r.EncodingAttempts {
		if att.Success {
			add(att.Encoding)
		}
	}
	for _, font := range r.Fonts {
		add(font.Encoding)
	}
	return names
}

func (r *Result) FontNames() []string {
	names := make([]string, 0, len(r.Fonts))
	for _, font := range r.Fonts {
		names = append(names, font.Name)
	}
	return names
}

// Acceptable reports whether the file can move on to extraction and
// storage. The first matching rejection reason wins. Scanned pages and
// encoding oddities are warnings, not rejections.
func (r *Result) Acceptable() (bool, string) {
	var critical []string
	for _, issue := range r.Issues {
		if issue.Severity == SeverityHigh {
			critical = append(critical, issue.Description)
		}
	}
	if len(critical) > 0 {
		return false, "critical issues detected: " + strings.Join(critical, ", ")
	}
	if r.Damaged {
		return false, "PDF is damaged"
	}
	if r.Encrypted {
		return false, "PDF is encrypted"
	}
	if r.PageCount == 0 {
		return false, "PDF has no pages"
	}
	return true, ""
}
