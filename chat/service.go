// Package chat answers questions from the stored documents and cites the
// chunks it used.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fabfab/docqa/knowledge"
	"github.com/fabfab/docqa/llm"
	"github.com/fabfab/docqa/vectorstore"
)

const (
	defaultTopK = 4

	// NoInformationAnswer is returned when retrieval finds nothing.
	NoInformationAnswer = "I couldn't find any relevant information in the uploaded documents."

	extractiveLimit = 350
	minAnswerRunes  = 10
	conciseRatio    = 0.7
)

var ErrEmptyQuestion = errors.New("question cannot be empty")

// extractiveKeywords matches whole words only, so "claim" is not "aim".
var extractiveKeywords = regexp.MustCompile(`(?i)\b(goal|objective|purpose|aim|mission)s?\b`)

type Options struct {
	TopK       int
	LLMTimeout time.Duration
}

type Service struct {
	store  Retriever
	graph  GraphStore
	llm    llm.Client
	lookup Lookup
	opts   Options
	logger *log.Logger
}

// NewService wires the orchestrator. graph and lookup are optional; a nil
// client makes Ask fail with llm.ErrMissingAPIKey.
func NewService(store Retriever, graph GraphStore, client llm.Client, lookup Lookup, opts Options, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}

	return &Service{
		store:  store,
		graph:  graph,
		llm:    client,
		lookup: lookup,
		opts:   opts,
		logger: logger,
	}
}

// WithLLM returns a copy of s that generates with client.
func (s *Service) WithLLM(client llm.Client) *Service {
	clone := *s
	clone.llm = client
	return &clone
}

// Ask retrieves up to k chunks (the configured top-K when k <= 0) and answers
// question from them.
func (s *Service) Ask(ctx context.Context, question string, k int) (Response, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Response{}, ErrEmptyQuestion
	}
	if s.llm == nil {
		return Response{}, fmt.Errorf("%w: configure an API key before asking", llm.ErrMissingAPIKey)
	}
	if s.store == nil {
		return Response{}, fmt.Errorf("vector store is not configured")
	}
	if k <= 0 {
		k = s.opts.TopK
	}

	results, err := s.store.Search(ctx, question, k)
	if err != nil {
		return Response{}, fmt.Errorf("retrieve context: %w", err)
	}
	if len(results) == 0 {
		s.logger.Printf("no context found for question")
		return Response{Answer: NoInformationAnswer}, nil
	}

	resp := Response{
		Citations: s.citations(results),
		Insights:  s.insights(ctx, results),
	}

	messages := []llm.Message{
		{Role: llm.RoleUser, Content: formatPrompt(question, buildContext(resp.Citations))},
	}

	genCtx := ctx
	if s.opts.LLMTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, s.opts.LLMTimeout)
		defer cancel()
	}

	answer, err := s.llm.Generate(genCtx, messages)
	if err != nil {
		if errors.Is(err, llm.ErrGeneration) {
			return Response{}, err
		}
		return Response{}, fmt.Errorf("%w: %w", llm.ErrGeneration, err)
	}

	resp.Answer = strings.TrimSpace(answer)
	if snippet, ok := extractiveAnswer(question, results); ok && preferExtractive(snippet, resp.Answer) {
		resp.Answer = snippet
		resp.Extractive = true
	}
	return resp, nil
}

// preferExtractive keeps the lifted passage when the model's answer is
// nearly empty or the passage is clearly shorter.
func preferExtractive(snippet, answer string) bool {
	answerLen := utf8.RuneCountInString(answer)
	return answerLen < minAnswerRunes || float64(utf8.RuneCountInString(snippet)) < conciseRatio*float64(answerLen)
}

func (s *Service) citations(results []vectorstore.Result) []Citation {
	out := make([]Citation, 0, len(results))
	for _, r := range results {
		c := Citation{
			ChunkID:    r.Chunk.ID,
			DocumentID: r.Chunk.DocumentID,
			Filename:   r.Chunk.Filename,
			ChunkIndex: r.Chunk.Index,
			Text:       r.Chunk.Text,
			Score:      r.Score,
		}
		if s.lookup != nil {
			if rec, ok := s.lookup(r.Chunk.DocumentID); ok {
				if c.Filename == "" {
					c.Filename = rec.Filename
				}
				c.Summary = rec.Metadata.Summary(rec.Format)
			}
		}
		out = append(out, c)
	}
	return out
}

func (s *Service) insights(ctx context.Context, results []vectorstore.Result) map[string]knowledge.Insight {
	if s.graph == nil {
		return nil
	}

	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.Chunk.DocumentID)
	}

	insights, err := s.graph.DocumentInsights(ctx, unique(ids))
	if err != nil {
		s.logger.Printf("graph insights error: %v", err)
		return nil
	}
	return insights
}

// extractiveAnswer lifts the passages around keyword lines for questions
// about goals or objectives.
func extractiveAnswer(question string, results []vectorstore.Result) (string, bool) {
	if !containsKeyword(question) {
		return "", false
	}

	var snippets []string
	for _, r := range results {
		var lines []string
		for _, l := range strings.Split(r.Chunk.Text, "\n") {
			if l = strings.TrimSpace(l); l != "" {
				lines = append(lines, l)
			}
		}
		for i, line := range lines {
			if !containsKeyword(line) {
				continue
			}
			lo := max(0, i-1)
			hi := min(len(lines), i+3)
			snippets = append(snippets, strings.Join(lines[lo:hi], " "))
		}
	}
	if len(snippets) == 0 {
		return "", false
	}

	joined := strings.Join(snippets, " ")
	if utf8.RuneCountInString(joined) > extractiveLimit {
		joined = string([]rune(joined)[:extractiveLimit]) + "..."
	}
	return joined, true
}

func containsKeyword(s string) bool {
	return extractiveKeywords.MatchString(s)
}

func buildContext(citations []Citation) string {
	var sb strings.Builder
	for i, c := range citations {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[Source: %s, chunk %d]\n", c.Filename, c.ChunkIndex+1)
		sb.WriteString(c.Text)
	}
	return sb.String()
}

func formatPrompt(question, context string) string {
	var sb strings.Builder
	sb.WriteString("Use the following pieces of context to answer the question at the end.\n")
	sb.WriteString("If you don't know the answer or if the answer is not contained in the context, just say \"I don't know based on the provided documents\" - don't try to make up an answer.\n")
	sb.WriteString("Always cite the source documents when providing answers.\n\n")
	sb.WriteString("Context:\n")
	sb.WriteString(context)
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(question)
	sb.WriteString("\n\nAnswer with citations:")
	return sb.String()
}

// FormatSources lists each cited document once, in citation order.
func FormatSources(citations []Citation) string {
	if len(citations) == 0 {
		return "No sources found"
	}

	seen := make(map[string]struct{}, len(citations))
	lines := make([]string, 0, len(citations))
	for _, c := range citations {
		key := c.DocumentID
		if key == "" {
			key = c.Filename
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		name := c.Filename
		if name == "" {
			name = "Unknown"
		}
		if c.Summary != "" {
			name = fmt.Sprintf("%s (%s)", name, c.Summary)
		}
		lines = append(lines, "• "+name)
	}
	return strings.Join(lines, "\n")
}

// FormatInsights describes what the knowledge graph knows about each cited
// document. Documents without an insight are skipped.
func FormatInsights(citations []Citation, insights map[string]knowledge.Insight) string {
	if len(insights) == 0 {
		return ""
	}

	seen := make(map[string]struct{}, len(citations))
	var lines []string
	for _, c := range citations {
		in, ok := insights[c.DocumentID]
		if !ok {
			continue
		}
		if _, dup := seen[c.DocumentID]; dup {
			continue
		}
		seen[c.DocumentID] = struct{}{}

		line := fmt.Sprintf("• %s: %d chunks indexed", c.Filename, in.ChunkCount)
		if len(in.Related) > 0 {
			line += ", related: " + strings.Join(in.Related, ", ")
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func unique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
