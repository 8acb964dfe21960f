package vectorstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"modernc.org/sqlite"

	"github.com/fabfab/docqa/ingestion"
)

func init() {
	sqlite.MustRegisterDeterministicScalarFunction("cosine_similarity", 2, cosineSimilaritySQL)
}

// SQLiteBackend keeps vectors as little-endian float32 blobs. Ranking runs
// inside SQLite through the cosine_similarity SQL function.
type SQLiteBackend struct {
	db     *sql.DB
	logger *log.Logger
}

// NewSQLiteBackend wraps a migrated database (see database.MigrateSQLite).
func NewSQLiteBackend(db *sql.DB, logger *log.Logger) *SQLiteBackend {
	if logger == nil {
		logger = log.Default()
	}
	return &SQLiteBackend{db: db, logger: logger}
}

func (b *SQLiteBackend) Insert(ctx context.Context, rec DocumentRecord, chunks []ingestion.Chunk, vectors [][]float32) (err error) {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%w: have %d chunks, %d vectors", ErrEmbedding, len(chunks), len(vectors))
	}
	if len(vectors) == 0 {
		return fmt.Errorf("no chunks to insert")
	}

	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				b.logger.Printf("rollback error: %v", rbErr)
			}
		}
	}()

	if err = b.checkDimension(ctx, tx, len(vectors[0])); err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, filename, format, sha256, size_bytes, chunk_count, metadata, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Filename, string(rec.Format), rec.SHA256, rec.SizeBytes, rec.ChunkCount, string(meta), rec.UploadedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	for i, c := range chunks {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO chunks (id, document_id, chunk_index, total_chunks, start_offset, end_offset, content, embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, rec.ID, c.Index, c.Total, c.Start, c.End, c.Text, encodeVector(vectors[i])); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// checkDimension records the vector width on first insert and rejects
// vectors of any other width afterwards.
func (b *SQLiteBackend) checkDimension(ctx context.Context, tx *sql.Tx, dim int) error {
	var stored string
	err := tx.QueryRowContext(ctx, "SELECT value FROM store_meta WHERE key = 'dimension'").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, "INSERT INTO store_meta (key, value) VALUES ('dimension', ?)", strconv.Itoa(dim)); err != nil {
			return fmt.Errorf("record vector dimension: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read vector dimension: %w", err)
	}

	want, convErr := strconv.Atoi(stored)
	if convErr != nil {
		return fmt.Errorf("parse stored vector dimension %q: %w", stored, convErr)
	}
	if want != dim {
		return fmt.Errorf("%w: store holds %d-dimensional vectors, got %d", ErrEmbedding, want, dim)
	}
	return nil
}

func (b *SQLiteBackend) Search(ctx context.Context, vector []float32, k int) ([]Result, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, d.filename, c.chunk_index, c.total_chunks,
		       c.start_offset, c.end_offset, c.content,
		       cosine_similarity(c.embedding, ?) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE score IS NOT NULL
		ORDER BY score DESC, c.document_id, c.chunk_index
		LIMIT ?
	`, encodeVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0, k)
	for rows.Next() {
		var r Result
		c := &r.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Filename, &c.Index, &c.Total, &c.Start, &c.End, &c.Text, &r.Score); err != nil {
			return nil, fmt.Errorf("scan similar chunk: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, documentID string) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				b.logger.Printf("rollback error: %v", rbErr)
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", documentID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n == 0 {
		err = fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Clear(ctx context.Context) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				b.logger.Printf("rollback error: %v", rbErr)
			}
		}
	}()

	for _, stmt := range []string{"DELETE FROM chunks", "DELETE FROM documents", "DELETE FROM store_meta"} {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear tables: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Documents(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, filename, format, sha256, size_bytes, chunk_count, metadata, uploaded_at
		FROM documents
		ORDER BY uploaded_at, filename
	`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []DocumentRecord
	for rows.Next() {
		var (
			rec      DocumentRecord
			format   string
			meta     string
			uploaded string
		)
		if err := rows.Scan(&rec.ID, &rec.Filename, &format, &rec.SHA256, &rec.SizeBytes, &rec.ChunkCount, &meta, &uploaded); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		rec.Format = ingestion.DocumentFormat(format)
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", rec.ID, err)
		}
		if rec.UploadedAt, err = time.Parse(time.RFC3339Nano, uploaded); err != nil {
			return nil, fmt.Errorf("parse upload time of %s: %w", rec.ID, err)
		}
		docs = append(docs, rec)
	}
	return docs, rows.Err()
}

func (b *SQLiteBackend) Count(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(data))
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v, nil
}

func cosine(a, b []float32) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, true
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}

// cosineSimilaritySQL returns NULL for vectors of different widths.
func cosineSimilaritySQL(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	a, ok := args[0].([]byte)
	if !ok {
		return nil, nil
	}
	b, ok := args[1].([]byte)
	if !ok {
		return nil, nil
	}

	va, err := decodeVector(a)
	if err != nil {
		return nil, err
	}
	vb, err := decodeVector(b)
	if err != nil {
		return nil, err
	}

	score, ok := cosine(va, vb)
	if !ok {
		return nil, nil
	}
	return score, nil
}

var _ Backend = (*SQLiteBackend)(nil)
