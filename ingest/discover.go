package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FindPDFFiles expands each input into PDF paths. Files are taken as-is
// when they carry a .pdf extension, directories are walked recursively.
// The result is deduplicated and sorted so a batch enumerates the same
// way every run.
func FindPDFFiles(inputs []string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string

	add := func(path string) {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		files = append(files, abs)
	}

	for _, input := range inputs {
		info, err := os.Stat(input)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", input, err)
		}

		if !info.IsDir() {
			if !isPDF(input) {
				return nil, fmt.Errorf("%s is not a PDF file", input)
			}
			add(input)
			continue
		}

		err = filepath.WalkDir(input, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if isPDF(path) {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", input, err)
		}
	}

	sort.Strings(files)
	return files, nil
}

func isPDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}

// Fingerprint returns the hex SHA-256 of the file content. Identical
// bytes fingerprint identically regardless of path or name.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
