package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/docqa/database"
	"github.com/fabfab/docqa/ingestion"
)

// PostgresBackend stores chunks in pgvector tables and ranks them by L2 distance.
type PostgresBackend struct {
	pool      *pgxpool.Pool
	dimension int
	logger    *log.Logger
}

// NewPostgresBackend creates the pgvector schema for dimension-wide vectors.
func NewPostgresBackend(ctx context.Context, pool *pgxpool.Pool, dimension int, logger *log.Logger) (*PostgresBackend, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := database.EnsureRAGSchema(ctx, pool, dimension); err != nil {
		return nil, err
	}
	return &PostgresBackend{pool: pool, dimension: dimension, logger: logger}, nil
}

func (b *PostgresBackend) Insert(ctx context.Context, rec DocumentRecord, chunks []ingestion.Chunk, vectors [][]float32) (err error) {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%w: have %d chunks, %d vectors", ErrEmbedding, len(chunks), len(vectors))
	}
	for i, v := range vectors {
		if len(v) != b.dimension {
			return fmt.Errorf("%w: vector %d has %d dimensions, store expects %d", ErrEmbedding, i, len(v), b.dimension)
		}
	}

	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				b.logger.Printf("rollback error: %v", rbErr)
			}
		}
	}()

	if _, err = tx.Exec(ctx, `
		INSERT INTO rag_documents (id, filename, format, sha256, size_bytes, chunk_count, metadata, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.Filename, string(rec.Format), rec.SHA256, rec.SizeBytes, rec.ChunkCount, meta, rec.UploadedAt.UTC()); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	batch := &pgx.Batch{}
	for i, c := range chunks {
		batch.Queue(`
			INSERT INTO rag_chunks (id, document_id, chunk_index, total_chunks, start_offset, end_offset, content, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, c.ID, rec.ID, c.Index, c.Total, c.Start, c.End, c.Text, pgvector.NewVector(vectors[i]))
	}
	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Search(ctx context.Context, vector []float32, k int) ([]Result, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	if len(vector) != b.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, store expects %d", ErrEmbedding, len(vector), b.dimension)
	}

	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	lists := max(k*10, 10)
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", lists)); err != nil {
		return nil, fmt.Errorf("set ivfflat lists to scan: %w", err)
	}

	rows, err := conn.Query(ctx, `
		SELECT
			rc.id::text,
			rc.document_id::text,
			rd.filename,
			rc.chunk_index,
			rc.total_chunks,
			rc.start_offset,
			rc.end_offset,
			rc.content,
			(rc.embedding <-> $1::vector) AS distance
		FROM rag_chunks rc
		JOIN rag_documents rd ON rd.id = rc.document_id
		ORDER BY rc.embedding <-> $1::vector
		LIMIT $2
	`, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0, k)
	for rows.Next() {
		var (
			r        Result
			distance float64
		)
		c := &r.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Filename, &c.Index, &c.Total, &c.Start, &c.End, &c.Text, &distance); err != nil {
			return nil, fmt.Errorf("scan similar chunk: %w", err)
		}
		r.Score = 1 / (1 + distance)
		results = append(results, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return results, nil
}

func (b *PostgresBackend) Delete(ctx context.Context, documentID string) error {
	// rag_chunks rows go with the document through ON DELETE CASCADE.
	tag, err := b.pool.Exec(ctx, "DELETE FROM rag_documents WHERE id::text = $1", documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	return nil
}

func (b *PostgresBackend) Clear(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, "TRUNCATE rag_chunks, rag_documents"); err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Documents(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT id::text, filename, format, sha256, size_bytes, chunk_count, metadata, uploaded_at
		FROM rag_documents
		ORDER BY uploaded_at, filename
	`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []DocumentRecord
	for rows.Next() {
		var (
			rec    DocumentRecord
			format string
			meta   []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Filename, &format, &rec.SHA256, &rec.SizeBytes, &rec.ChunkCount, &meta, &rec.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		rec.Format = ingestion.DocumentFormat(format)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", rec.ID, err)
			}
		}
		docs = append(docs, rec)
	}
	return docs, rows.Err()
}

func (b *PostgresBackend) Count(ctx context.Context) (int, error) {
	var n int
	if err := b.pool.QueryRow(ctx, "SELECT COUNT(*) FROM rag_chunks").Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

var _ Backend = (*PostgresBackend)(nil)
