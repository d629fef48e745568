package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTEIClient_GetEmbeddings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" {
			t.Errorf("expected path /embed, got %s", r.URL.Path)
		}
		var req EmbeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		vectors := make([][]float32, len(req.Inputs))
		for i := range req.Inputs {
			vectors[i] = []float32{float32(i), 0.5, -0.5}
		}
		json.NewEncoder(w).Encode(vectors)
	}))
	defer server.Close()

	client := NewTEIClient(server.URL, 5*time.Second)
	embeddings, err := client.GetEmbeddings(context.Background(), []string{"first chunk", "second chunk"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(embeddings) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(embeddings))
	}
	if embeddings[1][0] != 1 {
		t.Errorf("expected vectors in input order, got %v", embeddings)
	}
}

func TestTEIClient_ServiceFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewTEIClient(server.URL, 5*time.Second)
	_, err := client.GetEmbeddings(context.Background(), []string{"chunk"})

	var embedErr *EmbeddingError
	if !errors.As(err, &embedErr) {
		t.Fatalf("expected *EmbeddingError, got %v", err)
	}
}

func TestTEIClient_VectorCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([][]float32{{0.1, 0.2}})
	}))
	defer server.Close()

	client := NewTEIClient(server.URL, 5*time.Second)
	_, err := client.GetEmbeddings(context.Background(), []string{"one", "two"})

	var embedErr *EmbeddingError
	if !errors.As(err, &embedErr) {
		t.Fatalf("expected *EmbeddingError for count mismatch, got %v", err)
	}
}

func TestTEIClient_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	client := NewTEIClient(server.URL, 30*time.Second)
	_, err := client.GetEmbeddings(ctx, []string{"chunk"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestTEIClient_EmptyInput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("expected no request for empty input")
	}))
	defer server.Close()

	client := NewTEIClient(server.URL, 5*time.Second)
	embeddings, err := client.GetEmbeddings(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if embeddings != nil {
		t.Errorf("expected nil embeddings, got %v", embeddings)
	}
}

func TestCosineSimilarity(t *testing.T) {
	testCases := []struct {
		name     string
		a        []float32
		b        []float32
		expected float32
	}{
		{"Identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"Orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"Opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"LengthMismatch", []float32{1, 2}, []float32{1}, 0},
		{"ZeroVector", []float32{0, 0}, []float32{1, 2}, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := CosineSimilarity(tc.a, tc.b)
			if math.Abs(float64(got-tc.expected)) > 1e-5 {
				t.Errorf("expected %f, got %f", tc.expected, got)
			}
		})
	}
}
