package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docqa/chat"
	"github.com/fabfab/docqa/ingestion"
	"github.com/fabfab/docqa/knowledge"
	"github.com/fabfab/docqa/llm"
	"github.com/fabfab/docqa/session"
	"github.com/fabfab/docqa/vectorstore"
)

type stubSession struct {
	askErr    error
	lastLimit int
}

func (s *stubSession) Ask(_ context.Context, question string) (session.Entry, error) {
	if s.askErr != nil {
		return session.Entry{}, s.askErr
	}
	return session.Entry{
		Question: question,
		Answer:   "Rockets reach space.",
		Sources:  "• space.txt (TXT, 1 lines)",
		Citations: []chat.Citation{
			{DocumentID: "d1", Filename: "space.txt", ChunkIndex: 0, Text: "rockets reach space", Score: 0.91},
		},
		Insights: map[string]knowledge.Insight{
			"d1": {ChunkCount: 1, Format: "TXT", Related: []string{"moon.txt"}},
		},
	}, nil
}

func (s *stubSession) Search(_ context.Context, _ string, k int) ([]vectorstore.Result, error) {
	s.lastLimit = k
	return []vectorstore.Result{
		{Chunk: ingestion.Chunk{DocumentID: "d1", Filename: "space.txt", Index: 0, Text: "rockets reach space"}, Score: 0.91},
		{Chunk: ingestion.Chunk{DocumentID: "d2", Filename: "pets.txt", Index: 2, Text: "cats and dogs"}, Score: 0.12},
	}, nil
}

func (s *stubSession) Documents() []vectorstore.DocumentRecord {
	return []vectorstore.DocumentRecord{
		{ID: "d1", Filename: "space.txt", Format: ingestion.FormatTXT, ChunkCount: 1, Metadata: ingestion.Metadata{Lines: 1}},
		{ID: "d2", Filename: "pets.pdf", Format: ingestion.FormatPDF, ChunkCount: 3, Metadata: ingestion.Metadata{Pages: 2}},
	}
}

func newTestServer(sess Session) *Server {
	return New(sess, log.New(io.Discard, "", 0))
}

func TestHandleAsk(t *testing.T) {
	srv := newTestServer(&stubSession{})

	_, out, err := srv.handleAsk(context.Background(), nil, AskInput{Question: "what reaches space?"})
	require.NoError(t, err)
	assert.Equal(t, "Rockets reach space.", out.Answer)
	assert.Contains(t, out.Sources, "space.txt")
	require.Len(t, out.Citations, 1)
	assert.Equal(t, "space.txt", out.Citations[0].Filename)
	assert.InDelta(t, 0.91, out.Citations[0].Score, 1e-9)
	assert.Equal(t, []InsightOutput{{Filename: "space.txt", ChunkCount: 1, Related: []string{"moon.txt"}}}, out.Insights)
}

func TestHandleAskError(t *testing.T) {
	srv := newTestServer(&stubSession{askErr: llm.ErrMissingAPIKey})

	_, _, err := srv.handleAsk(context.Background(), nil, AskInput{Question: "x"})
	require.ErrorIs(t, err, llm.ErrMissingAPIKey)
}

func TestHandleSearch(t *testing.T) {
	sess := &stubSession{}
	srv := newTestServer(sess)

	_, out, err := srv.handleSearch(context.Background(), nil, SearchInput{Query: "rocket", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, sess.lastLimit)
	assert.Equal(t, 2, out.Count)
	assert.Equal(t, "d1", out.Results[0].DocumentID)
	assert.Equal(t, "cats and dogs", out.Results[1].Content)
	assert.Equal(t, 2, out.Results[1].ChunkIndex)
}

func TestHandleListDocuments(t *testing.T) {
	srv := newTestServer(&stubSession{})

	_, out, err := srv.handleListDocuments(context.Background(), nil, ListDocumentsInput{})
	require.NoError(t, err)
	require.Len(t, out.Documents, 2)
	assert.Equal(t, "TXT, 1 lines", out.Documents[0].Summary)
	assert.Equal(t, "PDF, 2 pages", out.Documents[1].Summary)
}

func TestDocumentsResource(t *testing.T) {
	srv := newTestServer(&stubSession{})

	res, err := srv.handleDocumentsResource(context.Background(), &mcp.ReadResourceRequest{
		Params: &mcp.ReadResourceParams{URI: documentsURI},
	})
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.Equal(t, "application/json", res.Contents[0].MIMEType)

	var docs []DocumentOutput
	require.NoError(t, json.Unmarshal([]byte(res.Contents[0].Text), &docs))
	assert.Len(t, docs, 2)
}

func TestToolsOverInMemoryTransport(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(&stubSession{})

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := srv.server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer ss.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "0"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer cs.Close()

	tools, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)
	names := make([]string, 0, len(tools.Tools))
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"ask", "search", "list_documents"}, names)

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "search",
		Arguments: map[string]any{"query": "rocket"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
}
