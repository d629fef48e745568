package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TEIClient talks to a text-embeddings-inference server over its /embed
// endpoint. Any model the server hosts works; the caller only relies on a
// stable vector dimension per collection.
type TEIClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewTEIClient(baseURL string, timeout time.Duration) *TEIClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TEIClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *TEIClient) GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody := EmbeddingRequest{
		Inputs: texts,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/embed", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &EmbeddingError{Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &EmbeddingError{Err: fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, string(body))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &EmbeddingError{Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	var embeddings EmbeddingResponse
	if err := json.Unmarshal(body, &embeddings); err != nil {
		return nil, &EmbeddingError{Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}

	if len(embeddings) != len(texts) {
		return nil, &EmbeddingError{Err: fmt.Errorf("sent %d texts, got %d vectors", len(texts), len(embeddings))}
	}
	for i, vec := range embeddings {
		if len(vec) != len(embeddings[0]) {
			return nil, &EmbeddingError{Err: fmt.Errorf("vector %d has dimension %d, expected %d", i, len(vec), len(embeddings[0]))}
		}
	}

	return embeddings, nil
}
