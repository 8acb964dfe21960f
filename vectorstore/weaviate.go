package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/fabfab/docqa/ingestion"
)

const weaviateListLimit = 10000

// WeaviateBackend keeps chunks in one class and document records in a
// companion class named after it. Vectors are supplied by the caller.
type WeaviateBackend struct {
	client    *weaviate.Client
	schema    SchemaClient
	class     string
	dimension int
	logger    *log.Logger
}

func NewWeaviateBackend(ctx context.Context, client *weaviate.Client, schema SchemaClient, class string, dimension int, logger *log.Logger) (*WeaviateBackend, error) {
	if logger == nil {
		logger = log.Default()
	}
	if client == nil {
		return nil, fmt.Errorf("weaviate client is nil")
	}
	if schema == nil {
		schema = NewWeaviateSchema(client)
	}
	if strings.TrimSpace(class) == "" {
		return nil, fmt.Errorf("weaviate class is empty")
	}
	if err := EnsureSchema(ctx, schema, class); err != nil {
		return nil, fmt.Errorf("ensure weaviate schema: %w", err)
	}

	return &WeaviateBackend{
		client:    client,
		schema:    schema,
		class:     class,
		dimension: dimension,
		logger:    logger,
	}, nil
}

func (b *WeaviateBackend) Insert(ctx context.Context, rec DocumentRecord, chunks []ingestion.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%w: have %d chunks, %d vectors", ErrEmbedding, len(chunks), len(vectors))
	}
	for i, v := range vectors {
		if b.dimension > 0 && len(v) != b.dimension {
			return fmt.Errorf("%w: vector %d has %d dimensions, store expects %d", ErrEmbedding, i, len(v), b.dimension)
		}
	}

	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	for i, c := range chunks {
		_, err := b.client.Data().Creator().
			WithClassName(b.class).
			WithID(c.ID).
			WithProperties(map[string]interface{}{
				"documentId":  rec.ID,
				"filename":    rec.Filename,
				"chunkIndex":  c.Index,
				"totalChunks": c.Total,
				"startOffset": c.Start,
				"endOffset":   c.End,
				"content":     c.Text,
			}).
			WithVector(vectors[i]).
			Do(ctx)
		if err != nil {
			b.cleanup(ctx, rec.ID)
			return fmt.Errorf("store chunk %d: %w", c.Index, err)
		}
	}

	_, err = b.client.Data().Creator().
		WithClassName(recordClass(b.class)).
		WithID(rec.ID).
		WithProperties(map[string]interface{}{
			"filename":   rec.Filename,
			"format":     string(rec.Format),
			"sha256":     rec.SHA256,
			"sizeBytes":  rec.SizeBytes,
			"chunkCount": rec.ChunkCount,
			"uploadedAt": rec.UploadedAt.UTC().Format(time.RFC3339Nano),
			"metadata":   string(meta),
		}).
		Do(ctx)
	if err != nil {
		b.cleanup(ctx, rec.ID)
		return fmt.Errorf("store document record: %w", err)
	}
	return nil
}

// cleanup removes the chunks of a partially written document.
func (b *WeaviateBackend) cleanup(ctx context.Context, documentID string) {
	if err := b.deleteChunks(ctx, documentID); err != nil {
		b.logger.Printf("cleanup of document %s failed: %v", documentID, err)
	}
}

func (b *WeaviateBackend) deleteChunks(ctx context.Context, documentID string) error {
	_, err := b.client.Batch().ObjectsBatchDeleter().
		WithClassName(b.class).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithPath([]string{"documentId"}).
			WithOperator(filters.Equal).
			WithValueText(documentID)).
		Do(ctx)
	return err
}

func (b *WeaviateBackend) Search(ctx context.Context, vector []float32, k int) ([]Result, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}

	nearVector := b.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	fields := []graphql.Field{
		{Name: "documentId"},
		{Name: "filename"},
		{Name: "chunkIndex"},
		{Name: "totalChunks"},
		{Name: "startOffset"},
		{Name: "endOffset"},
		{Name: "content"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "distance"}}},
	}

	res, err := b.client.GraphQL().Get().
		WithClassName(b.class).
		WithNearVector(nearVector).
		WithLimit(k).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", graphQLErrors(res.Errors))
	}

	var results []Result
	for _, props := range getObjects(res.Data, b.class) {
		r := Result{Chunk: ingestion.Chunk{
			DocumentID: stringProp(props, "documentId"),
			Filename:   stringProp(props, "filename"),
			Index:      intProp(props, "chunkIndex"),
			Total:      intProp(props, "totalChunks"),
			Start:      intProp(props, "startOffset"),
			End:        intProp(props, "endOffset"),
			Text:       stringProp(props, "content"),
		}}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			r.Chunk.ID, _ = additional["id"].(string)
			if distance, ok := additional["distance"].(float64); ok {
				r.Score = 1 - distance
			}
		}
		results = append(results, r)
	}
	return results, nil
}

func (b *WeaviateBackend) Delete(ctx context.Context, documentID string) error {
	exists, err := b.client.Data().Checker().
		WithClassName(recordClass(b.class)).
		WithID(documentID).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("check document: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}

	if err := b.deleteChunks(ctx, documentID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if err := b.client.Data().Deleter().
		WithClassName(recordClass(b.class)).
		WithID(documentID).
		Do(ctx); err != nil {
		return fmt.Errorf("delete document record: %w", err)
	}
	return nil
}

// Clear drops both classes and recreates them empty.
func (b *WeaviateBackend) Clear(ctx context.Context) error {
	for _, name := range []string{b.class, recordClass(b.class)} {
		exists, err := b.schema.ClassExists(ctx, name)
		if err != nil {
			return fmt.Errorf("check class %s: %w", name, err)
		}
		if !exists {
			continue
		}
		if err := b.schema.DeleteClass(ctx, name); err != nil {
			return fmt.Errorf("delete class %s: %w", name, err)
		}
	}
	if err := EnsureSchema(ctx, b.schema, b.class); err != nil {
		return fmt.Errorf("recreate weaviate schema: %w", err)
	}
	return nil
}

func (b *WeaviateBackend) Documents(ctx context.Context) ([]DocumentRecord, error) {
	class := recordClass(b.class)
	fields := []graphql.Field{
		{Name: "filename"},
		{Name: "format"},
		{Name: "sha256"},
		{Name: "sizeBytes"},
		{Name: "chunkCount"},
		{Name: "uploadedAt"},
		{Name: "metadata"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
	}

	res, err := b.client.GraphQL().Get().
		WithClassName(class).
		WithLimit(weaviateListLimit).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", graphQLErrors(res.Errors))
	}

	var docs []DocumentRecord
	for _, props := range getObjects(res.Data, class) {
		rec := DocumentRecord{
			Filename:   stringProp(props, "filename"),
			Format:     ingestion.DocumentFormat(stringProp(props, "format")),
			SHA256:     stringProp(props, "sha256"),
			SizeBytes:  int64(intProp(props, "sizeBytes")),
			ChunkCount: intProp(props, "chunkCount"),
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			rec.ID, _ = additional["id"].(string)
		}
		if ts := stringProp(props, "uploadedAt"); ts != "" {
			if rec.UploadedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
				return nil, fmt.Errorf("parse upload time of %s: %w", rec.ID, err)
			}
		}
		if meta := stringProp(props, "metadata"); meta != "" {
			if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", rec.ID, err)
			}
		}
		docs = append(docs, rec)
	}

	sortRecords(docs)
	return docs, nil
}

func (b *WeaviateBackend) Count(ctx context.Context) (int, error) {
	res, err := b.client.GraphQL().Aggregate().
		WithClassName(b.class).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %s", graphQLErrors(res.Errors))
	}

	agg, ok := res.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	rows, ok := agg[b.class].([]interface{})
	if !ok || len(rows) == 0 {
		return 0, nil
	}
	row, _ := rows[0].(map[string]interface{})
	meta, _ := row["meta"].(map[string]interface{})
	return intProp(meta, "count"), nil
}

func (b *WeaviateBackend) Close() error {
	return nil
}

func getObjects(data map[string]models.JSONObject, class string) []map[string]interface{} {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := get[class].([]interface{})
	if !ok {
		return nil
	}

	objects := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if props, ok := item.(map[string]interface{}); ok {
			objects = append(objects, props)
		}
	}
	return objects
}

func stringProp(props map[string]interface{}, key string) string {
	s, _ := props[key].(string)
	return s
}

// intProp reads a number decoded from JSON.
func intProp(props map[string]interface{}, key string) int {
	switch v := props[key].(type) {
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case int:
		return v
	}
	return 0
}

func graphQLErrors(errs []*models.GraphQLError) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			msgs = append(msgs, e.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

var _ Backend = (*WeaviateBackend)(nil)
