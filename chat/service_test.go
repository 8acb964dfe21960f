package chat

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docqa/ingestion"
	"github.com/fabfab/docqa/knowledge"
	"github.com/fabfab/docqa/llm"
	"github.com/fabfab/docqa/vectorstore"
)

type stubRetriever struct {
	results []vectorstore.Result
	err     error
	gotK    int
}

func (s *stubRetriever) Search(_ context.Context, _ string, k int) ([]vectorstore.Result, error) {
	s.gotK = k
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

var _ Retriever = (*stubRetriever)(nil)

type stubGraphStore struct {
	data map[string]knowledge.Insight
	err  error
}

func (s *stubGraphStore) DocumentInsights(_ context.Context, _ []string) (map[string]knowledge.Insight, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

var _ GraphStore = (*stubGraphStore)(nil)

type stubLLM struct {
	answer   string
	err      error
	calls    int
	messages []llm.Message
	block    bool
}

func (s *stubLLM) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	s.calls++
	s.messages = messages
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

var _ llm.Client = (*stubLLM)(nil)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func result(docID, filename string, index int, text string, score float64) vectorstore.Result {
	return vectorstore.Result{
		Chunk: ingestion.Chunk{ID: docID + "-c", DocumentID: docID, Filename: filename, Index: index, Text: text},
		Score: score,
	}
}

func TestAskReturnsAnswerWithCitations(t *testing.T) {
	store := &stubRetriever{results: []vectorstore.Result{
		result("d1", "report.pdf", 0, "Revenue grew 12% in 2025.", 0.9),
		result("d2", "notes.txt", 3, "Costs stayed flat.", 0.5),
	}}
	client := &stubLLM{answer: "  Revenue grew 12% [report.pdf].  "}
	lookup := func(id string) (vectorstore.DocumentRecord, bool) {
		if id == "d1" {
			return vectorstore.DocumentRecord{Format: ingestion.FormatPDF, Metadata: ingestion.Metadata{Pages: 12}}, true
		}
		return vectorstore.DocumentRecord{}, false
	}

	svc := NewService(store, nil, client, lookup, Options{TopK: 4}, quietLogger())
	resp, err := svc.Ask(context.Background(), "How did revenue change?", 0)
	require.NoError(t, err)

	assert.Equal(t, "Revenue grew 12% [report.pdf].", resp.Answer)
	assert.False(t, resp.Extractive)
	assert.Equal(t, 4, store.gotK)
	require.Len(t, resp.Citations, 2)
	assert.Equal(t, "PDF, 12 pages", resp.Citations[0].Summary)
	assert.Equal(t, "", resp.Citations[1].Summary)

	require.Len(t, client.messages, 1)
	prompt := client.messages[0].Content
	assert.Contains(t, prompt, "I don't know based on the provided documents")
	assert.Contains(t, prompt, "[Source: report.pdf, chunk 1]\nRevenue grew 12% in 2025.")
	assert.Contains(t, prompt, "[Source: notes.txt, chunk 4]\nCosts stayed flat.")
	assert.True(t, strings.HasSuffix(prompt, "Question: How did revenue change?\n\nAnswer with citations:"))
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	svc := NewService(&stubRetriever{}, nil, &stubLLM{}, nil, Options{}, quietLogger())
	_, err := svc.Ask(context.Background(), "   ", 3)
	assert.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestAskWithoutLLMNeedsKey(t *testing.T) {
	store := &stubRetriever{}
	svc := NewService(store, nil, nil, nil, Options{}, quietLogger())

	_, err := svc.Ask(context.Background(), "anything?", 3)
	assert.ErrorIs(t, err, llm.ErrMissingAPIKey)
	assert.Zero(t, store.gotK)
}

func TestAskWithNoResultsIsNotAnError(t *testing.T) {
	client := &stubLLM{answer: "unused"}
	svc := NewService(&stubRetriever{}, nil, client, nil, Options{}, quietLogger())

	resp, err := svc.Ask(context.Background(), "What is in the documents?", 3)
	require.NoError(t, err)
	assert.Equal(t, NoInformationAnswer, resp.Answer)
	assert.Empty(t, resp.Citations)
	assert.Zero(t, client.calls)
}

func TestAskPropagatesRetrievalErrors(t *testing.T) {
	store := &stubRetriever{err: vectorstore.ErrStoreUnavailable}
	svc := NewService(store, nil, &stubLLM{}, nil, Options{}, quietLogger())

	_, err := svc.Ask(context.Background(), "question?", 3)
	assert.ErrorIs(t, err, vectorstore.ErrStoreUnavailable)
}

func TestAskWrapsLLMFailure(t *testing.T) {
	store := &stubRetriever{results: []vectorstore.Result{result("d1", "a.txt", 0, "text", 1)}}
	svc := NewService(store, nil, &stubLLM{err: errors.New("quota exceeded")}, nil, Options{}, quietLogger())

	_, err := svc.Ask(context.Background(), "question?", 3)
	assert.ErrorIs(t, err, llm.ErrGeneration)
	assert.ErrorContains(t, err, "quota exceeded")
}

func TestAskTimesOutLLM(t *testing.T) {
	store := &stubRetriever{results: []vectorstore.Result{result("d1", "a.txt", 0, "text", 1)}}
	svc := NewService(store, nil, &stubLLM{block: true}, nil, Options{LLMTimeout: 20 * time.Millisecond}, quietLogger())

	_, err := svc.Ask(context.Background(), "question?", 3)
	assert.ErrorIs(t, err, llm.ErrGeneration)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAskPrefersConciseExtractiveAnswer(t *testing.T) {
	text := "Introduction\nThe project goal is to cut latency.\nWe measure p99.\nBudget is fixed.\nUnrelated tail."
	snippet := "Introduction The project goal is to cut latency. We measure p99. Budget is fixed."

	tests := []struct {
		name       string
		answer     string
		want       string
		extractive bool
	}{
		{
			name:       "long model answer gives way to the passage",
			answer:     strings.Repeat("The documents discuss many things at length. ", 5),
			want:       snippet,
			extractive: true,
		},
		{
			name:       "nearly empty model answer",
			answer:     "Latency.",
			want:       snippet,
			extractive: true,
		},
		{
			name:   "short model answer is kept",
			answer: "The goal is to cut latency, per plan.docx, while keeping the budget fixed.",
			want:   "The goal is to cut latency, per plan.docx, while keeping the budget fixed.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &stubRetriever{results: []vectorstore.Result{result("d1", "plan.docx", 0, text, 1)}}
			client := &stubLLM{answer: tt.answer}
			svc := NewService(store, nil, client, nil, Options{}, quietLogger())

			resp, err := svc.Ask(context.Background(), "What is the main goal?", 3)
			require.NoError(t, err)
			assert.Equal(t, 1, client.calls)
			assert.Equal(t, tt.extractive, resp.Extractive)
			assert.Equal(t, strings.TrimSpace(tt.want), resp.Answer)
			assert.Len(t, resp.Citations, 1)
		})
	}
}

func TestAskKeywordsMatchWholeWords(t *testing.T) {
	text := "The plaintiff filed a claim for damages.\nThe court dismissed it in 2021."
	store := &stubRetriever{results: []vectorstore.Result{result("d1", "case.txt", 0, text, 1)}}
	client := &stubLLM{answer: "ok"}
	svc := NewService(store, nil, client, nil, Options{}, quietLogger())

	resp, err := svc.Ask(context.Background(), "What happened to the claim?", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls)
	assert.False(t, resp.Extractive)
	assert.Equal(t, "ok", resp.Answer)

	_, ok := extractiveAnswer("What are the aims?", []vectorstore.Result{result("d1", "a.txt", 0, "Our aims are simple.", 1)})
	assert.True(t, ok)
}

func TestExtractiveAnswerIsCapped(t *testing.T) {
	long := "Our mission " + strings.Repeat("x", 500)
	answer, ok := extractiveAnswer("what is the mission", []vectorstore.Result{result("d", "a.txt", 0, long, 1)})
	require.True(t, ok)
	assert.Equal(t, extractiveLimit+3, len([]rune(answer)))
	assert.True(t, strings.HasSuffix(answer, "..."))

	_, ok = extractiveAnswer("what is the mission", []vectorstore.Result{result("d", "a.txt", 0, "nothing relevant", 1)})
	assert.False(t, ok)

	_, ok = extractiveAnswer("who wrote this", []vectorstore.Result{result("d", "a.txt", 0, "our goal", 1)})
	assert.False(t, ok)
}

func TestAskAttachesGraphInsights(t *testing.T) {
	store := &stubRetriever{results: []vectorstore.Result{result("d1", "a.txt", 0, "text", 1)}}
	graph := &stubGraphStore{data: map[string]knowledge.Insight{"d1": {ChunkCount: 7}}}
	svc := NewService(store, graph, &stubLLM{answer: "ok"}, nil, Options{}, quietLogger())

	resp, err := svc.Ask(context.Background(), "question?", 3)
	require.NoError(t, err)
	assert.Equal(t, 7, resp.Insights["d1"].ChunkCount)

	svc = NewService(store, &stubGraphStore{err: errors.New("neo4j down")}, &stubLLM{answer: "ok"}, nil, Options{}, quietLogger())
	resp, err = svc.Ask(context.Background(), "question?", 3)
	require.NoError(t, err)
	assert.Nil(t, resp.Insights)
}

func TestWithLLMDoesNotMutateOriginal(t *testing.T) {
	svc := NewService(&stubRetriever{}, nil, nil, nil, Options{}, quietLogger())
	withKey := svc.WithLLM(&stubLLM{})

	_, err := svc.Ask(context.Background(), "q?", 1)
	assert.ErrorIs(t, err, llm.ErrMissingAPIKey)

	resp, err := withKey.Ask(context.Background(), "q?", 1)
	require.NoError(t, err)
	assert.Equal(t, NoInformationAnswer, resp.Answer)
}

func TestFormatSources(t *testing.T) {
	assert.Equal(t, "No sources found", FormatSources(nil))

	got := FormatSources([]Citation{
		{DocumentID: "d1", Filename: "report.pdf", Summary: "PDF, 12 pages"},
		{DocumentID: "d2", Filename: "notes.txt", Summary: "TXT, 40 lines"},
		{DocumentID: "d1", Filename: "report.pdf", Summary: "PDF, 12 pages"},
		{DocumentID: "d3"},
	})
	assert.Equal(t, "• report.pdf (PDF, 12 pages)\n• notes.txt (TXT, 40 lines)\n• Unknown", got)
}

func TestFormatInsights(t *testing.T) {
	citations := []Citation{
		{DocumentID: "d1", Filename: "report.pdf"},
		{DocumentID: "d2", Filename: "notes.txt"},
		{DocumentID: "d1", Filename: "report.pdf"},
	}
	assert.Empty(t, FormatInsights(citations, nil))

	got := FormatInsights(citations, map[string]knowledge.Insight{
		"d1": {ChunkCount: 12, Format: "PDF", Related: []string{"deck.pdf"}},
		"d2": {ChunkCount: 3, Format: "TXT"},
	})
	assert.Equal(t, "• report.pdf: 12 chunks indexed, related: deck.pdf\n• notes.txt: 3 chunks indexed", got)
}
