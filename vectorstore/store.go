// Package vectorstore embeds chunks and persists them, with their document
// records, in a vector database that answers nearest-neighbour queries.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/fabfab/docqa/embeddings"
	"github.com/fabfab/docqa/ingestion"
)

var (
	ErrStoreUnavailable = errors.New("vector store unavailable")
	ErrEmbedding        = errors.New("embedding failed")
	ErrDocumentNotFound = errors.New("document not found")
)

// DocumentRecord is what a backend keeps about a document so the registry
// can be rebuilt after a restart.
type DocumentRecord struct {
	ID         string
	Filename   string
	Format     ingestion.DocumentFormat
	SHA256     string
	SizeBytes  int64
	ChunkCount int
	UploadedAt time.Time
	Metadata   ingestion.Metadata
}

// Result is a stored chunk returned by a similarity search. Higher scores are closer.
type Result struct {
	Chunk ingestion.Chunk
	Score float64
}

// Backend is a vector database holding document records, chunks and vectors.
// Insert must be all-or-nothing.
type Backend interface {
	Insert(ctx context.Context, rec DocumentRecord, chunks []ingestion.Chunk, vectors [][]float32) error
	Search(ctx context.Context, vector []float32, k int) ([]Result, error)
	Delete(ctx context.Context, documentID string) error
	Clear(ctx context.Context) error
	Documents(ctx context.Context) ([]DocumentRecord, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

type Store struct {
	embedder embeddings.Embedder
	backend  Backend
	logger   *log.Logger
}

func NewStore(embedder embeddings.Embedder, backend Backend, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}

	return &Store{
		embedder: embedder,
		backend:  backend,
		logger:   logger,
	}
}

// Add embeds every chunk of doc and persists the record, chunks and vectors together.
func (s *Store) Add(ctx context.Context, doc ingestion.Document, chunks []ingestion.Chunk) error {
	if len(chunks) == 0 {
		return fmt.Errorf("add %s: no chunks to store", doc.Filename)
	}
	for _, c := range chunks {
		if c.DocumentID != doc.ID {
			return fmt.Errorf("add %s: chunk %s belongs to document %s", doc.Filename, c.ID, c.DocumentID)
		}
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors, err := s.embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("add %s: %w", doc.Filename, err)
	}

	rec := RecordFromDocument(doc, len(chunks))
	if err := s.backend.Insert(ctx, rec, chunks, vectors); err != nil {
		return storeErr("insert "+doc.Filename, err)
	}

	s.logger.Printf("stored %s (%d chunks)", doc.Filename, len(chunks))
	return nil
}

// Search returns at most k chunks ranked by similarity to query. An empty
// store returns no results without calling the embedding model.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query is empty")
	}
	if k <= 0 {
		return nil, fmt.Errorf("search k must be positive, got %d", k)
	}

	count, err := s.backend.Count(ctx)
	if err != nil {
		return nil, storeErr("count chunks", err)
	}
	if count == 0 {
		return nil, nil
	}

	vectors, err := s.embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	results, err := s.backend.Search(ctx, vectors[0], k)
	if err != nil {
		return nil, storeErr("search", err)
	}
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *Store) Delete(ctx context.Context, documentID string) error {
	if err := s.backend.Delete(ctx, documentID); err != nil {
		return storeErr("delete "+documentID, err)
	}
	s.logger.Printf("deleted document %s", documentID)
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Clear(ctx); err != nil {
		return storeErr("clear", err)
	}
	s.logger.Println("vector store cleared")
	return nil
}

func (s *Store) Documents(ctx context.Context) ([]DocumentRecord, error) {
	docs, err := s.backend.Documents(ctx)
	if err != nil {
		return nil, storeErr("list documents", err)
	}
	return docs, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.backend.Count(ctx)
	if err != nil {
		return 0, storeErr("count chunks", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("%w: embedder is not configured", ErrEmbedding)
	}

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: have %d texts, %d embeddings", ErrEmbedding, len(texts), len(vectors))
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty vector for input %d", ErrEmbedding, i)
		}
	}
	return vectors, nil
}

// RecordFromDocument derives the persisted record of doc.
func RecordFromDocument(doc ingestion.Document, chunkCount int) DocumentRecord {
	return DocumentRecord{
		ID:         doc.ID,
		Filename:   doc.Filename,
		Format:     doc.Format,
		SHA256:     doc.SHA256,
		SizeBytes:  doc.SizeBytes,
		ChunkCount: chunkCount,
		UploadedAt: doc.UploadedAt,
		Metadata:   doc.Metadata,
	}
}

// sortRecords orders records oldest first, by filename within the same instant.
func sortRecords(docs []DocumentRecord) {
	sort.SliceStable(docs, func(i, j int) bool {
		if !docs[i].UploadedAt.Equal(docs[j].UploadedAt) {
			return docs[i].UploadedAt.Before(docs[j].UploadedAt)
		}
		return docs[i].Filename < docs[j].Filename
	})
}

func storeErr(op string, err error) error {
	if errors.Is(err, ErrDocumentNotFound) || errors.Is(err, ErrEmbedding) || errors.Is(err, ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
