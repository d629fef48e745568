package weaviatedb

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"github.com/weaviate/weaviate/entities/schema"

	"vellum/repository"
)

var objectNamespace = uuid.MustParse("123e4567-e89b-12d3-a456-426614174000")

type StoreClient struct {
	client *weaviate.Client
}

func NewStoreClient(client *weaviate.Client) *StoreClient {
	return &StoreClient{client: client}
}

func objectID(doc *repository.ChunkDoc) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", doc.Fingerprint, doc.ChunkIndex)))
	return uuid.NewSHA1(objectNamespace, hash[:16]).String()
}

func (vc *StoreClient) EnsureCollection(ctx context.Context, collection string) error {
	exists, err := vc.client.Schema().ClassExistenceChecker().WithClassName(collection).Do(ctx)
	if err != nil {
		return &repository.StoreError{Op: "ensure collection", Err: err}
	}
	if exists {
		return nil
	}

	classObj := &models.Class{
		Class:      collection,
		Vectorizer: "none", // vectors are supplied by the ingest pipeline
		Properties: []*models.Property{
			{
				DataType: schema.DataTypeText.PropString(),
				Name:     "text",
			},
			{
				DataType: schema.DataTypeText.PropString(),
				Name:     "full_path",
			},
			{
				DataType: schema.DataTypeInt.PropString(),
				Name:     "chunk_index",
			},
			{
				DataType: schema.DataTypeInt.PropString(),
				Name:     "total_chunks",
			},
			{
				DataType: schema.DataTypeText.PropString(),
				Name:     "run_id",
			},
			{
				DataType: schema.DataTypeText.PropString(),
				Name:     "fingerprint",
			},
			{
				DataType: schema.DataTypeText.PropString(),
				Name:     "ts",
			},
		},
	}

	if err := vc.client.Schema().ClassCreator().WithClass(classObj).Do(ctx); err != nil {
		return &repository.StoreError{Op: "ensure collection", Err: err}
	}
	return nil
}

func (vc *StoreClient) UpsertFileChunks(ctx context.Context, collection string, docs []repository.ChunkDoc) error {
	for i := range docs {
		doc := &docs[i]
		dataSchema := map[string]interface{}{
			"text":         doc.Text,
			"full_path":    doc.FilePath,
			"chunk_index":  doc.ChunkIndex,
			"total_chunks": doc.TotalChunks,
			"run_id":       doc.RunID,
			"fingerprint":  doc.Fingerprint,
			"ts":           doc.StoredAt.UTC().Format(time.RFC3339),
		}

		_, err := vc.client.Data().Creator().
			WithClassName(collection).
			WithID(objectID(doc)).
			WithProperties(dataSchema).
			WithVector(doc.Vector).
			Do(ctx)
		if err != nil {
			// Same deterministic ID means the chunk is already stored.
			var clientErr *fault.WeaviateClientError
			if errors.As(err, &clientErr) && clientErr.StatusCode == 422 {
				continue
			}
			return &repository.StoreError{Op: "upsert", Err: err}
		}
	}
	return nil
}

func (vc *StoreClient) DeleteByPath(ctx context.Context, collection string, filePath string) error {
	where := filters.Where().
		WithPath([]string{"full_path"}).
		WithOperator(filters.Equal).
		WithValueText(filePath)

	_, err := vc.client.Batch().ObjectsBatchDeleter().
		WithClassName(collection).
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return &repository.StoreError{Op: "delete", Err: err}
	}
	return nil
}

func (vc *StoreClient) Search(ctx context.Context, collection string, vector []float32, limit int) ([]repository.SearchHit, error) {
	fields := []graphql.Field{
		{Name: "text"},
		{Name: "full_path"},
		{Name: "chunk_index"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}
	nearVector := vc.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	resp, err := vc.client.GraphQL().Get().
		WithClassName(collection).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, &repository.StoreError{Op: "search", Err: err}
	}
	if len(resp.Errors) > 0 {
		return nil, &repository.StoreError{Op: "search", Err: fmt.Errorf("graphql: %s", resp.Errors[0].Message)}
	}

	get, ok := resp.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	objects, ok := get[collection].([]interface{})
	if !ok {
		return nil, nil
	}

	hits := make([]repository.SearchHit, 0, len(objects))
	for _, obj := range objects {
		props, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		hit := repository.SearchHit{}
		if s, ok := props["text"].(string); ok {
			hit.Text = s
		}
		if s, ok := props["full_path"].(string); ok {
			hit.FilePath = s
		}
		if n, ok := props["chunk_index"].(float64); ok {
			hit.ChunkIndex = int(n)
		}
		if add, ok := props["_additional"].(map[string]interface{}); ok {
			if d, ok := add["distance"].(float64); ok {
				// Cosine distance back to a similarity score.
				hit.Score = float32(1 - d)
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (vc *StoreClient) Count(ctx context.Context, collection string) (uint64, error) {
	resp, err := vc.client.GraphQL().Aggregate().
		WithClassName(collection).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, &repository.StoreError{Op: "count", Err: err}
	}
	if len(resp.Errors) > 0 {
		return 0, &repository.StoreError{Op: "count", Err: fmt.Errorf("graphql: %s", resp.Errors[0].Message)}
	}

	agg, ok := resp.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	rows, ok := agg[collection].([]interface{})
	if !ok || len(rows) == 0 {
		return 0, nil
	}
	row, ok := rows[0].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	meta, ok := row["meta"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	count, _ := meta["count"].(float64)
	return uint64(count), nil
}
