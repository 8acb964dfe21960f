// Package knowledge mirrors stored documents into a neo4j graph and reads
// per-document insights back for answer citations.
package knowledge

import (
	"context"
	"fmt"
	"log"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/docqa/ingestion"
)

type Document struct {
	ID       string
	Filename string
	Format   string
	SHA      string
	Pages    int
	Chunks   []Chunk
}

type Chunk struct {
	ID    string
	Index int
	Text  string
	Start int
	End   int
}

// Insight is what the graph knows about one document.
type Insight struct {
	ChunkCount int
	Format     string
	// Related holds filenames of other documents sharing the format.
	Related []string
}

// Graph is the neo4j mirror. A Graph with a nil driver rejects every call.
type Graph struct {
	driver neo4j.DriverWithContext
	logger *log.Logger
}

func NewGraph(driver neo4j.DriverWithContext, logger *log.Logger) *Graph {
	if logger == nil {
		logger = log.Default()
	}
	return &Graph{driver: driver, logger: logger}
}

// FromIngestion converts a processed upload into its graph form.
func FromIngestion(doc ingestion.Document, chunks []ingestion.Chunk) Document {
	out := Document{
		ID:       doc.ID,
		Filename: doc.Filename,
		Format:   string(doc.Format),
		SHA:      doc.SHA256,
		Pages:    doc.Metadata.Pages,
		Chunks:   make([]Chunk, 0, len(chunks)),
	}
	for _, c := range chunks {
		out.Chunks = append(out.Chunks, Chunk{ID: c.ID, Index: c.Index, Text: c.Text, Start: c.Start, End: c.End})
	}
	return out
}

// SyncDocument upserts the document node, replaces its chunk nodes and links
// it to its format node.
func (g *Graph) SyncDocument(ctx context.Context, doc Document) error {
	if g.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	params := map[string]any{
		"id":       doc.ID,
		"filename": doc.Filename,
		"format":   doc.Format,
		"sha":      doc.SHA,
		"pages":    doc.Pages,
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (d:Document {id: $id})
			SET d.filename = $filename,
			    d.format = $format,
			    d.sha256 = $sha,
			    d.pages = $pages,
			    d.updated_at = datetime()
		`, params); err != nil {
			return nil, fmt.Errorf("upsert document node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})-[r:HAS_FORMAT]->(:Format)
			DELETE r
		`, params); err != nil {
			return nil, fmt.Errorf("remove stale format relation: %w", err)
		}
		if doc.Format != "" {
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {id: $id})
				MERGE (f:Format {name: $format})
				MERGE (d)-[:HAS_FORMAT]->(f)
			`, params); err != nil {
				return nil, fmt.Errorf("upsert format relation: %w", err)
			}
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})-[:HAS_CHUNK]->(c:Chunk)
			DETACH DELETE c
		`, map[string]any{"id": doc.ID}); err != nil {
			return nil, fmt.Errorf("clear existing chunk nodes: %w", err)
		}

		for _, chunk := range doc.Chunks {
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {id: $doc_id})
				MERGE (c:Chunk {id: $chunk_id})
				SET c.index = $chunk_index,
				    c.text = $chunk_text,
				    c.start = $chunk_start,
				    c.end = $chunk_end
				MERGE (d)-[:HAS_CHUNK {order: $chunk_index}]->(c)
			`, map[string]any{
				"doc_id":      doc.ID,
				"chunk_id":    chunk.ID,
				"chunk_index": chunk.Index,
				"chunk_text":  chunk.Text,
				"chunk_start": chunk.Start,
				"chunk_end":   chunk.End,
			}); err != nil {
				return nil, fmt.Errorf("upsert chunk node: %w", err)
			}
		}

		return nil, nil
	})
	if err != nil {
		return err
	}

	g.logger.Printf("mirrored %s (%d chunks) to neo4j", doc.Filename, len(doc.Chunks))
	return g.pruneFormats(ctx, session)
}

// DeleteDocument removes the document node and its chunks. Missing documents
// are not an error.
func (g *Graph) DeleteDocument(ctx context.Context, id string) error {
	if g.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})
			OPTIONAL MATCH (d)-[:HAS_CHUNK]->(c:Chunk)
			DETACH DELETE c, d
		`, map[string]any{"id": id}); err != nil {
			return nil, fmt.Errorf("delete document node: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	return g.pruneFormats(ctx, session)
}

// Purge deletes every node the mirror owns.
func (g *Graph) Purge(ctx context.Context) error {
	if g.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, label := range []string{"Chunk", "Document", "Format"} {
			if _, err := tx.Run(ctx, fmt.Sprintf("MATCH (n:%s) DETACH DELETE n", label), nil); err != nil {
				return nil, fmt.Errorf("purge %s nodes: %w", label, err)
			}
		}
		return nil, nil
	})
	return err
}

func (g *Graph) pruneFormats(ctx context.Context, session neo4j.SessionWithContext) error {
	if _, err := session.Run(ctx, `
		MATCH (f:Format)
		WHERE NOT (f)<-[:HAS_FORMAT]-(:Document)
		DELETE f
	`, nil); err != nil {
		return fmt.Errorf("prune format nodes: %w", err)
	}
	return nil
}

func (g *Graph) DocumentInsights(ctx context.Context, docIDs []string) (map[string]Insight, error) {
	if g.driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	if len(docIDs) == 0 {
		return map[string]Insight{}, nil
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (d:Document)
		WHERE d.id IN $ids
		OPTIONAL MATCH (d)-[:HAS_CHUNK]->(c:Chunk)
		OPTIONAL MATCH (d)-[:HAS_FORMAT]->(f:Format)<-[:HAS_FORMAT]-(related:Document)
		WITH d,
		     count(DISTINCT c) AS chunkCount,
		     collect(DISTINCT related.filename) AS relatedNames
		RETURN d.id AS id,
		       d.format AS format,
		       chunkCount,
		       [r IN relatedNames WHERE r IS NOT NULL AND r <> d.filename] AS related
	`, map[string]any{"ids": docIDs})
	if err != nil {
		return nil, fmt.Errorf("run neo4j insights query: %w", err)
	}

	insights := make(map[string]Insight, len(docIDs))
	for result.Next(ctx) {
		record := result.Record()
		id, _ := record.Get("id")
		format, _ := record.Get("format")
		count, _ := record.Get("chunkCount")
		related, _ := record.Get("related")

		docID, ok := id.(string)
		if !ok {
			continue
		}
		n, _ := toInt(count)
		f, _ := format.(string)
		insights[docID] = Insight{
			ChunkCount: n,
			Format:     f,
			Related:    convertStringSlice(related),
		}
	}

	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("neo4j insights result error: %w", err)
	}
	return insights, nil
}

func (g *Graph) Close(ctx context.Context) error {
	if g.driver == nil {
		return nil
	}
	return g.driver.Close(ctx)
}

func convertStringSlice(value any) []string {
	raw, ok := value.([]any)
	if !ok {
		if v, ok := value.([]string); ok {
			return v
		}
		return nil
	}

	result := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			result = append(result, s)
		}
	}
	return result
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
