package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docqa/config"
)

func TestNewEmbedderDefaults(t *testing.T) {
	s := config.Default()

	embedder, err := NewEmbedder(context.Background(), s)
	require.NoError(t, err)
	assert.NotNil(t, embedder)
}

func TestNewEmbedderMissingKeys(t *testing.T) {
	s := config.Default()
	s.Embeddings.Provider = config.ProviderOpenAI
	_, err := NewEmbedder(context.Background(), s)
	assert.Error(t, err)

	s.Embeddings.Provider = config.ProviderGemini
	_, err = NewEmbedder(context.Background(), s)
	assert.Error(t, err)

	s.Embeddings.Provider = "bert"
	_, err = NewEmbedder(context.Background(), s)
	assert.Error(t, err)
}

func TestOllamaEmbedder(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "all-minilm", req.Model)
		assert.Equal(t, []string{"a", "bcd"}, req.Input)

		out := ollamaEmbedResponse{}
		for _, in := range req.Input {
			out.Embeddings = append(out.Embeddings, []float32{0.1, 0.2, float32(len(in))})
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(Options{Model: "all-minilm", Dimension: 3, OllamaHost: srv.URL + "/"})
	vecs, err := e.Embed(context.Background(), []string{"a", "bcd"})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	require.Len(t, vecs, 2)
	assert.Equal(t, float32(3), vecs[1][2])
}

func TestOllamaEmbedderBatches(t *testing.T) {
	var sizes []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		sizes = append(sizes, len(req.Input))

		out := ollamaEmbedResponse{Embeddings: make([][]float32, len(req.Input))}
		for i := range out.Embeddings {
			out.Embeddings[i] = []float32{1}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	texts := make([]string, ollamaBatchSize+5)
	for i := range texts {
		texts[i] = "t"
	}

	e := NewOllamaEmbedder(Options{Model: "m", Dimension: 1, OllamaHost: srv.URL})
	vecs, err := e.Embed(context.Background(), texts)
	require.NoError(t, err)
	assert.Len(t, vecs, len(texts))
	assert.Equal(t, []int{ollamaBatchSize, 5}, sizes)
}

func TestOllamaEmbedderDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float32{{1, 2}}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(Options{Model: "m", Dimension: 384, OllamaHost: srv.URL})
	_, err := e.Embed(context.Background(), []string{"text"})
	assert.ErrorContains(t, err, "dimension mismatch")
}

func TestOllamaEmbedderCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float32{{1}}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(Options{Model: "m", OllamaHost: srv.URL})
	_, err := e.Embed(context.Background(), []string{"one", "two"})
	assert.ErrorContains(t, err, "1 embeddings for 2 inputs")
}

func TestOllamaEmbedderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(Options{Model: "missing", OllamaHost: srv.URL})
	_, err := e.Embed(context.Background(), []string{"text"})
	assert.ErrorContains(t, err, "model not found")
}

func TestOpenAIEmbedderOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[` +
			`{"object":"embedding","index":1,"embedding":[0.0,1.0]},` +
			`{"object":"embedding","index":0,"embedding":[1.0,0.0]}],` +
			`"model":"text-embedding-3-small"}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(Options{Model: "text-embedding-3-small", Dimension: 2, OpenAIAPIKey: "sk-test", OpenAIBaseURL: srv.URL + "/v1"})
	vecs, err := e.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
}
