package chat

import (
	"context"

	"github.com/fabfab/docqa/knowledge"
	"github.com/fabfab/docqa/vectorstore"
)

// Retriever returns the k stored chunks closest to a query.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]vectorstore.Result, error)
}

type GraphStore interface {
	DocumentInsights(ctx context.Context, docIDs []string) (map[string]knowledge.Insight, error)
}

// Lookup resolves a document ID to its stored record.
type Lookup func(documentID string) (vectorstore.DocumentRecord, bool)

// Citation is a retrieved chunk that was placed in the prompt.
type Citation struct {
	ChunkID    string
	DocumentID string
	Filename   string
	// Summary describes the document, e.g. "PDF, 12 pages".
	Summary    string
	ChunkIndex int
	Text       string
	Score      float64
}

type Response struct {
	Answer    string
	Citations []Citation
	Insights  map[string]knowledge.Insight
	// Extractive is set when the answer was lifted from the documents
	// without calling the model.
	Extractive bool
}
