package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fabfab/docqa/session"
	"github.com/fabfab/docqa/vectorstore"
)

// Version is reported to MCP clients during initialization.
const Version = "0.1.0"

const documentsURI = "docqa://documents"

// Session is what the MCP tools drive.
type Session interface {
	Ask(ctx context.Context, question string) (session.Entry, error)
	Search(ctx context.Context, query string, k int) ([]vectorstore.Result, error)
	Documents() []vectorstore.DocumentRecord
}

var _ Session = (*session.Session)(nil)

// Server exposes the loaded documents to MCP clients.
type Server struct {
	sess   Session
	server *mcp.Server
	logger *log.Logger
}

func New(sess Session, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		sess:   sess,
		server: mcp.NewServer(&mcp.Implementation{Name: "docqa", Version: Version}, nil),
		logger: logger,
	}
	s.registerTools()
	s.server.AddResource(&mcp.Resource{
		URI:         documentsURI,
		Name:        "documents",
		Description: "Documents currently loaded for question answering",
		MIMEType:    "application/json",
	}, s.handleDocumentsResource)
	return s
}

// Run serves over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Printf("mcp server listening on stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

type AskInput struct {
	Question string `json:"question" jsonschema:"the question to answer from the loaded documents"`
}

type CitationOutput struct {
	Filename   string  `json:"filename"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
	Text       string  `json:"text"`
}

type InsightOutput struct {
	Filename   string   `json:"filename"`
	ChunkCount int      `json:"chunk_count"`
	Related    []string `json:"related,omitempty"`
}

type AskOutput struct {
	Answer     string           `json:"answer"`
	Sources    string           `json:"sources,omitempty"`
	Extractive bool             `json:"extractive,omitempty"`
	Citations  []CitationOutput `json:"citations"`
	Insights   []InsightOutput  `json:"insights,omitempty"`
}

type SearchInput struct {
	Query string `json:"query" jsonschema:"text to look up in the loaded documents"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of chunks to return (default is the configured top k)"`
}

type SearchResultOutput struct {
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
	Content    string  `json:"content"`
}

type SearchOutput struct {
	Results []SearchResultOutput `json:"results"`
	Count   int                  `json:"count"`
}

type ListDocumentsInput struct{}

type DocumentOutput struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	Summary    string    `json:"summary"`
	ChunkCount int       `json:"chunk_count"`
	UploadedAt time.Time `json:"uploaded_at"`
}

type ListDocumentsOutput struct {
	Documents []DocumentOutput `json:"documents"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "ask",
		Description: "Answer a question using only the loaded documents, with citations",
	}, s.handleAsk)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "search",
		Description: "Return the document chunks most similar to a query",
	}, s.handleSearch)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_documents",
		Description: "List the documents currently loaded",
	}, s.handleListDocuments)
}

func (s *Server) handleAsk(ctx context.Context, _ *mcp.CallToolRequest, input AskInput) (*mcp.CallToolResult, AskOutput, error) {
	entry, err := s.sess.Ask(ctx, input.Question)
	if err != nil {
		return nil, AskOutput{}, err
	}

	out := AskOutput{
		Answer:     entry.Answer,
		Sources:    entry.Sources,
		Extractive: entry.Extractive,
		Citations:  make([]CitationOutput, len(entry.Citations)),
	}
	seen := make(map[string]bool, len(entry.Insights))
	for i, c := range entry.Citations {
		out.Citations[i] = CitationOutput{Filename: c.Filename, ChunkIndex: c.ChunkIndex, Score: c.Score, Text: c.Text}
		if in, ok := entry.Insights[c.DocumentID]; ok && !seen[c.DocumentID] {
			seen[c.DocumentID] = true
			out.Insights = append(out.Insights, InsightOutput{Filename: c.Filename, ChunkCount: in.ChunkCount, Related: in.Related})
		}
	}
	return nil, out, nil
}

func (s *Server) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, SearchOutput, error) {
	results, err := s.sess.Search(ctx, input.Query, input.Limit)
	if err != nil {
		return nil, SearchOutput{}, err
	}

	out := SearchOutput{Results: make([]SearchResultOutput, len(results)), Count: len(results)}
	for i, r := range results {
		out.Results[i] = SearchResultOutput{
			DocumentID: r.Chunk.DocumentID,
			Filename:   r.Chunk.Filename,
			ChunkIndex: r.Chunk.Index,
			Score:      r.Score,
			Content:    r.Chunk.Text,
		}
	}
	return nil, out, nil
}

func (s *Server) handleListDocuments(_ context.Context, _ *mcp.CallToolRequest, _ ListDocumentsInput) (*mcp.CallToolResult, ListDocumentsOutput, error) {
	return nil, ListDocumentsOutput{Documents: s.documents()}, nil
}

func (s *Server) handleDocumentsResource(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(s.documents(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal documents: %w", err)
	}

	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}

func (s *Server) documents() []DocumentOutput {
	docs := s.sess.Documents()
	out := make([]DocumentOutput, len(docs))
	for i, d := range docs {
		out[i] = DocumentOutput{
			ID:         d.ID,
			Filename:   d.Filename,
			Summary:    d.Metadata.Summary(d.Format),
			ChunkCount: d.ChunkCount,
			UploadedAt: d.UploadedAt,
		}
	}
	return out
}
