package qdrantdb

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"vellum/repository"
)

var pointNamespace = uuid.MustParse("123e4567-e89b-12d3-a456-426614174000")

// pointID derives a stable UUID from the file fingerprint and chunk index,
// so re-ingesting the same content overwrites instead of duplicating.
func pointID(doc *repository.ChunkDoc) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", doc.Fingerprint, doc.ChunkIndex)))
	return uuid.NewSHA1(pointNamespace, hash[:16]).String()
}

func (c *StoreClient) EnsureCollection(ctx context.Context, collection string) error {
	exists, err := c.Client.CollectionExists(ctx, collection)
	if err != nil {
		return &repository.StoreError{Op: "ensure collection", Err: err}
	}
	if exists {
		return nil
	}
	err = c.Client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     c.dim,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return &repository.StoreError{Op: "ensure collection", Err: err}
	}

	_, err = c.Client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: collection,
		FieldName:      "full_path",
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return &repository.StoreError{Op: "ensure collection", Err: fmt.Errorf("err create full_path index: %w", err)}
	}
	return nil
}

func (c *StoreClient) UpsertFileChunks(ctx context.Context, collection string, docs []repository.ChunkDoc) error {
	if len(docs) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(docs))
	for i := range docs {
		doc := &docs[i]
		md := map[string]any{
			"text":         doc.Text,
			"full_path":    doc.FilePath,
			"chunk_index":  doc.ChunkIndex,
			"total_chunks": doc.TotalChunks,
			"run_id":       doc.RunID,
			"fingerprint":  doc.Fingerprint,
			"ts":           doc.StoredAt.UTC().Format(time.RFC3339),
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(pointID(doc)),
			Vectors: qdrant.NewVectorsDense(doc.Vector),
			Payload: qdrant.NewValueMap(md),
		})
	}

	_, err := c.Client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
	})
	if err != nil {
		return &repository.StoreError{Op: "upsert", Err: err}
	}
	return nil
}

func (c *StoreClient) DeleteByPath(ctx context.Context, collection string, filePath string) error {
	_, err := c.Client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("full_path", filePath),
			},
		}),
	})
	if err != nil {
		return &repository.StoreError{Op: "delete", Err: err}
	}
	return nil
}

func (c *StoreClient) Search(ctx context.Context, collection string, vector []float32, limit int) ([]repository.SearchHit, error) {
	limitU := uint64(limit)
	resp, err := c.Client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limitU,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, &repository.StoreError{Op: "search", Err: err}
	}

	hits := make([]repository.SearchHit, 0, len(resp))
	for _, point := range resp {
		payload := point.GetPayload()
		hits = append(hits, repository.SearchHit{
			FilePath:   payload["full_path"].GetStringValue(),
			ChunkIndex: int(payload["chunk_index"].GetIntegerValue()),
			Text:       payload["text"].GetStringValue(),
			Score:      point.GetScore(),
		})
	}
	return hits, nil
}

func (c *StoreClient) Count(ctx context.Context, collection string) (uint64, error) {
	count, err := c.Client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, &repository.StoreError{Op: "count", Err: err}
	}
	return count, nil
}
