package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte("%PDF-1.4\n"+path), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
}

func TestFindPDFFiles_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.pdf"))
	writeFile(t, filepath.Join(dir, "sub", "b.PDF"))
	writeFile(t, filepath.Join(dir, "sub", "deep", "c.pdf"))
	writeFile(t, filepath.Join(dir, "notes.txt"))

	files, err := FindPDFFiles([]string{dir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 PDFs, got %d: %v", len(files), files)
	}
	for _, f := range files {
		if !strings.EqualFold(filepath.Ext(f), ".pdf") {
			t.Errorf("unexpected non-PDF result: %s", f)
		}
	}
}

func TestFindPDFFiles_SingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.pdf")
	writeFile(t, path)

	files, err := FindPDFFiles([]string{path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
}

func TestFindPDFFiles_RejectsNonPDFFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	writeFile(t, path)

	if _, err := FindPDFFiles([]string{path}); err == nil {
		t.Fatal("expected error for non-PDF file input")
	}
}

func TestFindPDFFiles_MissingPath(t *testing.T) {
	if _, err := FindPDFFiles([]string{"/does/not/exist"}); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestFindPDFFiles_DeduplicatesAndSorts(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.pdf")
	b := filepath.Join(dir, "b.pdf")
	writeFile(t, a)
	writeFile(t, b)

	files, err := FindPDFFiles([]string{b, dir, a})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files after dedupe, got %d: %v", len(files), files)
	}
	if files[0] > files[1] {
		t.Errorf("expected sorted output, got %v", files)
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("same bytes"))
	b := Fingerprint([]byte("same bytes"))
	c := Fingerprint([]byte("other bytes"))

	if a != b {
		t.Error("expected identical content to fingerprint identically")
	}
	if a == c {
		t.Error("expected different content to fingerprint differently")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}
