package embeddings

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// geminiBatchLimit is the most contents BatchEmbedContents accepts per call.
const geminiBatchLimit = 100

type GeminiEmbedder struct {
	client    *genai.Client
	model     string
	dimension int
}

func NewGeminiEmbedder(ctx context.Context, opts Options, clientOpts ...option.ClientOption) (*GeminiEmbedder, error) {
	model := opts.Model
	if model == "" {
		model = "text-embedding-004"
	}

	clientOpts = append([]option.ClientOption{option.WithAPIKey(opts.GoogleAPIKey)}, clientOpts...)
	client, err := genai.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &GeminiEmbedder{client: client, model: model, dimension: opts.Dimension}, nil
}

func (e *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	em := e.client.EmbeddingModel(e.model)
	results := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += geminiBatchLimit {
		end := min(start+geminiBatchLimit, len(texts))

		batch := em.NewBatch()
		for _, text := range texts[start:end] {
			batch.AddContent(genai.Text(text))
		}

		res, err := em.BatchEmbedContents(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("gemini batch embed: %w", err)
		}
		if len(res.Embeddings) != end-start {
			return nil, fmt.Errorf("gemini returned %d embeddings for %d inputs", len(res.Embeddings), end-start)
		}

		for _, emb := range res.Embeddings {
			if emb == nil {
				return nil, fmt.Errorf("gemini returned an empty embedding")
			}
			if err := checkDimension("gemini", e.dimension, emb.Values); err != nil {
				return nil, err
			}
			results = append(results, emb.Values)
		}
	}

	return results, nil
}

func (e *GeminiEmbedder) Close() error {
	return e.client.Close()
}

var _ Embedder = (*GeminiEmbedder)(nil)
