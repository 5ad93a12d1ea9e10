package embed_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/chunkvault/pkg/embed"
)

func TestCachedCallsBackendOncePerText(t *testing.T) {
	calls := 0
	backend := embed.Func(func(_ context.Context, text string) ([]float32, error) {
		calls++
		return []float32{float32(len(text))}, nil
	})

	cached, err := embed.NewCached(backend, 8)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		v, err := cached.Embed(ctx, "layers.0.weight")
		require.NoError(t, err)
		assert.Equal(t, []float32{15}, v)
	}
	_, err = cached.Embed(ctx, "other")
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := embed.New(embed.Options{Provider: "word2vec"})
	assert.Error(t, err)
}

func TestChromemOllamaProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req["model"])
		assert.Equal(t, "attention weights", req["prompt"])

		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{3, 4}})
	}))
	defer srv.Close()

	e, err := embed.New(embed.Options{
		Provider:  embed.ProviderChromemLocal,
		BaseURL:   srv.URL + "/api",
		Model:     "nomic-embed-text",
		CacheSize: 4,
	})
	require.NoError(t, err)

	v, err := e.Embed(context.Background(), "attention weights")
	require.NoError(t, err)
	require.Len(t, v, 2)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
}
