package vectorstore

import (
	"context"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// SchemaClient is the subset of the Weaviate schema API the backend needs.
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
	DeleteClass(ctx context.Context, className string) error
}

type weaviateSchema struct {
	client *weaviate.Client
}

// NewWeaviateSchema adapts client to SchemaClient.
func NewWeaviateSchema(client *weaviate.Client) SchemaClient {
	return &weaviateSchema{client: client}
}

func (a *weaviateSchema) ClassExists(ctx context.Context, className string) (bool, error) {
	return a.client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
}

func (a *weaviateSchema) CreateClass(ctx context.Context, class *models.Class) error {
	return a.client.Schema().ClassCreator().WithClass(class).Do(ctx)
}

func (a *weaviateSchema) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return a.client.Schema().ClassGetter().WithClassName(className).Do(ctx)
}

func (a *weaviateSchema) AddProperty(ctx context.Context, className string, property *models.Property) error {
	return a.client.Schema().PropertyCreator().WithClassName(className).WithProperty(property).Do(ctx)
}

func (a *weaviateSchema) DeleteClass(ctx context.Context, className string) error {
	return a.client.Schema().ClassDeleter().WithClassName(className).Do(ctx)
}

func chunkProperties() []*models.Property {
	return []*models.Property{
		{Name: "documentId", DataType: []string{"text"}, Tokenization: "field"},
		{Name: "filename", DataType: []string{"text"}, Tokenization: "field"},
		{Name: "chunkIndex", DataType: []string{"int"}},
		{Name: "totalChunks", DataType: []string{"int"}},
		{Name: "startOffset", DataType: []string{"int"}},
		{Name: "endOffset", DataType: []string{"int"}},
		{Name: "content", DataType: []string{"text"}},
	}
}

func recordProperties() []*models.Property {
	return []*models.Property{
		{Name: "filename", DataType: []string{"text"}, Tokenization: "field"},
		{Name: "format", DataType: []string{"text"}, Tokenization: "field"},
		{Name: "sha256", DataType: []string{"text"}, Tokenization: "field"},
		{Name: "sizeBytes", DataType: []string{"int"}},
		{Name: "chunkCount", DataType: []string{"int"}},
		{Name: "uploadedAt", DataType: []string{"date"}},
		{Name: "metadata", DataType: []string{"text"}, Tokenization: "field"},
	}
}

// EnsureSchema creates the chunk and document classes, adding any property
// an older deployment is missing.
func EnsureSchema(ctx context.Context, client SchemaClient, chunkClass string) error {
	classes := []struct {
		name        string
		description string
		properties  []*models.Property
	}{
		{chunkClass, "A chunk of an uploaded document", chunkProperties()},
		{recordClass(chunkClass), "An uploaded document", recordProperties()},
	}

	for _, c := range classes {
		if err := ensureClass(ctx, client, c.name, c.description, c.properties); err != nil {
			return err
		}
	}
	return nil
}

func ensureClass(ctx context.Context, client SchemaClient, name, description string, properties []*models.Property) error {
	exists, err := client.ClassExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return client.CreateClass(ctx, &models.Class{
			Class:       name,
			Description: description,
			Vectorizer:  "none",
			Properties:  properties,
		})
	}

	class, err := client.GetClass(ctx, name)
	if err != nil {
		return err
	}

	existing := make(map[string]bool)
	for _, p := range class.Properties {
		existing[p.Name] = true
	}
	for _, p := range properties {
		if !existing[p.Name] {
			if err := client.AddProperty(ctx, name, p); err != nil {
				return err
			}
		}
	}
	return nil
}

func recordClass(chunkClass string) string {
	return chunkClass + "Document"
}
