package vectorstore

import (
	"context"
	"fmt"
	"log"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/fabfab/docqa/config"
	"github.com/fabfab/docqa/database"
	"github.com/fabfab/docqa/embeddings"
)

// Open connects the backend selected by settings.VectorStore and wraps it in a Store.
func Open(ctx context.Context, settings config.Settings, embedder embeddings.Embedder, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}

	backend, err := openBackend(ctx, settings, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	logger.Printf("vector store %s ready", settings.VectorStore)
	return NewStore(embedder, backend, logger), nil
}

func openBackend(ctx context.Context, settings config.Settings, logger *log.Logger) (Backend, error) {
	switch settings.VectorStore {
	case config.StoreSQLite, "":
		db, err := database.OpenSQLite(ctx, settings.DataDir)
		if err != nil {
			return nil, err
		}
		if err := database.MigrateSQLite(db); err != nil {
			db.Close()
			return nil, err
		}
		return NewSQLiteBackend(db, logger), nil

	case config.StorePostgres:
		pool, err := database.NewPostgresPool(ctx, settings.PostgresDSN)
		if err != nil {
			return nil, err
		}
		backend, err := NewPostgresBackend(ctx, pool, settings.Embeddings.Dimension, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return backend, nil

	case config.StoreWeaviate:
		client, err := weaviate.NewClient(weaviate.Config{
			Host:   settings.WeaviateHost,
			Scheme: settings.WeaviateScheme,
		})
		if err != nil {
			return nil, fmt.Errorf("create weaviate client: %w", err)
		}
		return NewWeaviateBackend(ctx, client, nil, settings.WeaviateClass, settings.Embeddings.Dimension, logger)

	default:
		return nil, fmt.Errorf("unknown vector store %q", settings.VectorStore)
	}
}
