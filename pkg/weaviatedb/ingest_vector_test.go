package weaviatedb

import (
	"testing"

	"github.com/google/uuid"

	"vellum/repository"
)

func TestObjectID_Deterministic(t *testing.T) {
	doc := &repository.ChunkDoc{Fingerprint: "abc123", ChunkIndex: 0}

	id := objectID(doc)
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected a valid UUID, got %q: %v", id, err)
	}
	if again := objectID(doc); again != id {
		t.Errorf("expected a stable ID, got %q then %q", id, again)
	}

	other := &repository.ChunkDoc{Fingerprint: "abc123", ChunkIndex: 1}
	if objectID(other) == id {
		t.Error("expected a different ID for a different chunk index")
	}

	other = &repository.ChunkDoc{Fingerprint: "def456", ChunkIndex: 0}
	if objectID(other) == id {
		t.Error("expected a different ID for a different fingerprint")
	}
}
