package repository

import (
	"context"
	"fmt"
	"time"
)

// ChunkDoc is one embedded chunk ready for storage, with enough metadata
// to map a stored vector back to (file, chunk index, run).
type ChunkDoc struct {
	FilePath    string    `json:"full_path"`
	Fingerprint string    `json:"fingerprint"`
	RunID       string    `json:"run_id"`
	ChunkIndex  int       `json:"chunk_index"`
	TotalChunks int       `json:"total_chunks"`
	Text        string    `json:"text"`
	Vector      []float32 `json:"-"`
	StoredAt    time.Time `json:"ts"`
}

// SearchHit is one ranked result of a similarity query.
type SearchHit struct {
	FilePath   string  `json:"full_path"`
	ChunkIndex int     `json:"chunk_index"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
}

type VectorStore interface {
	EnsureCollection(ctx context.Context, collection string) error
	UpsertFileChunks(ctx context.Context, collection string, docs []ChunkDoc) error
	DeleteByPath(ctx context.Context, collection string, filePath string) error
	Search(ctx context.Context, collection string, vector []float32, limit int) ([]SearchHit, error)
	Count(ctx context.Context, collection string) (uint64, error)
}

// StoreError wraps a vector store failure. It is fatal for the file being
// processed but never for the run.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("vector store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
