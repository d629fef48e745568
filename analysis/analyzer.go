package analysis

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const largeSizeThreshold = 100 << 20 // 100 MB

var (
	pdfVersionRe = regexp.MustCompile(`^%PDF-(\d+\.\d+)`)
	baseFontRe   = regexp.MustCompile(`/BaseFont\s*/([A-Za-z0-9+\-.,_]+)`)
	subtypeRe    = regexp.MustCompile(`/Subtype\s*/(\w+)`)
	fontEncRe    = regexp.MustCompile(`/Encoding\s*/([A-Za-z0-9\-]+)`)
	titleRe      = regexp.MustCompile(`/Title\s*\(([^)]*)\)`)
	authorRe     = regexp.MustCompile(`/Author\s*\(([^)]*)\)`)
	producerRe   = regexp.MustCompile(`/Producer\s*\(([^)]*)\)`)
)

// Analyzer diagnoses PDF structure from the raw bytes plus the on-disk
// file. It never rejects: damage, encryption and other problems come back
// as Result flags and issues so the caller decides what to do.
type Analyzer struct{}

func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Analyze inspects the file at path. raw holds the file content already
// read by the caller; extractedText is whatever the extraction step
// produced, possibly empty when extraction failed.
func (a *Analyzer) Analyze(path string, raw []byte, extractedText string) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &AnalysisError{Path: path, Err: fmt.Errorf("analyzer panic: %v", r)}
		}
	}()

	result = &Result{
		FilePath: path,
		FileSize: int64(len(raw)),
		Metadata: make(map[string]string),
	}

	if !bytes.HasPrefix(raw, []byte("%PDF-")) {
		result.Damaged = true
		result.Issues = append(result.Issues, Issue{
			Type:        IssueDamaged,
			Description: "file does not appear to be a valid PDF",
			Severity:    SeverityHigh,
		})
		return result, nil
	}

	a.scanMetadata(raw, result)

	if bytes.Contains(raw, []byte("/Encrypt")) {
		result.Encrypted = true
		result.Issues = append(result.Issues, Issue{
			Type:        IssuePasswordProtected,
			Description: "PDF is password protected",
			Severity:    SeverityHigh,
		})
	} else {
		a.validateStructure(path, result)
	}

	a.scanFonts(raw, result)
	a.scanStructure(raw, extractedText, result)
	a.scanEncodings(extractedText, result)

	return result, nil
}

// validateStructure runs the PDF through a relaxed structural validation
// and counts pages. Failures mark the file damaged rather than erroring.
func (a *Analyzer) validateStructure(path string, result *Result) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	if err := api.ValidateFile(path, conf); err != nil {
		if looksLikePasswordError(err) {
			result.Encrypted = true
			result.Issues = append(result.Issues, Issue{
				Type:        IssuePasswordProtected,
				Description: "PDF is password protected",
				Severity:    SeverityHigh,
			})
			return
		}
		result.Damaged = true
		result.Issues = append(result.Issues, Issue{
			Type:        IssueDamaged,
			Description: fmt.Sprintf("failed to validate PDF structure: %v", err),
			Severity:    SeverityHigh,
		})
		return
	}

	pages, err := api.PageCountFile(path)
	if err != nil {
		result.Damaged = true
		result.Issues = append(result.Issues, Issue{
			Type:        IssueDamaged,
			Description: fmt.Sprintf("failed to determine page count: %v", err),
			Severity:    SeverityHigh,
		})
		return
	}
	result.PageCount = pages
}

func (a *Analyzer) scanMetadata(raw []byte, result *Result) {
	if m := pdfVersionRe.FindSubmatch(raw); m != nil {
		result.Metadata["pdf_version"] = string(m[1])
	}
	if m := titleRe.FindSubmatch(raw); m != nil {
		result.Metadata["title"] = string(m[1])
	}
	if m := authorRe.FindSubmatch(raw); m != nil {
		result.Metadata["author"] = string(m[1])
	}
	if m := producerRe.FindSubmatch(raw); m != nil {
		result.Metadata["producer"] = string(m[1])
	}
}

// scanFonts walks every /BaseFont declaration and reads the surrounding
// object for subtype, encoding and embedding markers. A + in the name
// marks a subset font.
func (a *Analyzer) scanFonts(raw []byte, result *Result) {
	seen := make(map[string]bool)
	for _, loc := range baseFontRe.FindAllSubmatchIndex(raw, -1) {
		name := string(raw[loc[2]:loc[3]])
		if seen[name] {
			continue
		}
		seen[name] = true

		lo := loc[0] - 500
		if lo < 0 {
			lo = 0
		}
		hi := loc[1] + 500
		if hi > len(raw) {
			hi = len(raw)
		}
		window := raw[lo:hi]

		font := Font{
			Name:     name,
			Subset:   strings.Contains(name, "+"),
			Embedded: bytes.Contains(window, []byte("/FontFile")),
		}
		if m := subtypeRe.FindSubmatch(window); m != nil {
			font.Subtype = string(m[1])
		}
		if m := fontEncRe.FindSubmatch(window); m != nil {
			font.Encoding = string(m[1])
		}
		result.Fonts = append(result.Fonts, font)

		if !font.Embedded && font.Subtype != "Type1" && font.Subtype != "MMType1" {
			result.Issues = append(result.Issues, Issue{
				Type:        IssueMissingFonts,
				Description: fmt.Sprintf("non-embedded font: %s", name),
				Severity:    SeverityMedium,
			})
		}
	}

	encodings := make(map[string]bool)
	for _, font := range result.Fonts {
		if font.Encoding != "" {
			encodings[font.Encoding] = true
		}
	}
	if len(encodings) > 1 {
		names := make([]string, 0, len(encodings))
		for name := range encodings {
			names = append(names, name)
		}
		result.Issues = append(result.Issues, Issue{
			Type:        IssueMixedEncodings,
			Description: fmt.Sprintf("fonts declare %d different encodings", len(names)),
			Severity:    SeverityLow,
		})
	}
}

func (a *Analyzer) scanStructure(raw []byte, extractedText string, result *Result) {
	if bytes.Contains(raw, []byte("/JavaScript")) {
		result.Issues = append(result.Issues, Issue{
			Type:        IssueJavaScript,
			Description: "PDF contains JavaScript",
			Severity:    SeverityMedium,
		})
	}
	if bytes.Contains(raw, []byte("/AcroForm")) {
		result.Issues = append(result.Issues, Issue{
			Type:        IssueFormFields,
			Description: "PDF contains form fields",
			Severity:    SeverityLow,
		})
	}
	if bytes.Contains(raw, []byte("/EmbeddedFiles")) {
		result.Issues = append(result.Issues, Issue{
			Type:        IssueEmbeddedFiles,
			Description: "PDF contains embedded files",
			Severity:    SeverityMedium,
		})
	}
	if bytes.Contains(raw, []byte("/ByteRange")) {
		result.Issues = append(result.Issues, Issue{
			Type:        IssueDigitalSignatures,
			Description: "PDF contains digital signatures",
			Severity:    SeverityLow,
		})
	}
	if result.FileSize > largeSizeThreshold {
		result.Issues = append(result.Issues, Issue{
			Type:        IssueLargeSize,
			Description: fmt.Sprintf("file is %.1f MB", float64(result.FileSize)/1024/1024),
			Severity:    SeverityMedium,
		})
	}
	if result.PageCount > 0 && strings.TrimSpace(extractedText) == "" && bytes.Contains(raw, []byte("/Image")) {
		result.Issues = append(result.Issues, Issue{
			Type:        IssueScannedImage,
			Description: "PDF appears to contain scanned images without a text layer",
			Severity:    SeverityMedium,
		})
	}
}

func (a *Analyzer) scanEncodings(extractedText string, result *Result) {
	if extractedText == "" {
		return
	}
	result.EncodingAttempts = DetectEncodings([]byte(extractedText))

	decoded := false
	for _, att := range result.EncodingAttempts {
		if !att.Success {
			continue
		}
		decoded = true
		if strings.HasPrefix(att.Encoding, "utf-16") {
			result.Issues = append(result.Issues, Issue{
				Type:        IssueUTF16Encoding,
				Description: fmt.Sprintf("extracted text decodes as %s", att.Encoding),
				Severity:    SeverityLow,
			})
		}
		break
	}
	if !decoded && len(result.EncodingAttempts) > 0 {
		result.Issues = append(result.Issues, Issue{
			Type:        IssueEncoding,
			Description: "extracted text could not be decoded by any supported encoding",
			Severity:    SeverityMedium,
		})
	}
}

func looksLikePasswordError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "password") || strings.Contains(s, "encrypt")
}
