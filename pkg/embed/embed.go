package embed

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/philippgille/chromem-go"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Func adapts a plain function, such as a chromem.EmbeddingFunc, to Embedder.
type Func func(ctx context.Context, text string) ([]float32, error)

func (f Func) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// LangChain adapts a langchaingo embedder.
type LangChain struct {
	embedder embeddings.Embedder
}

func NewLangChain(e embeddings.Embedder) *LangChain {
	return &LangChain{embedder: e}
}

func (l *LangChain) Embed(ctx context.Context, text string) ([]float32, error) {
	return l.embedder.EmbedQuery(ctx, text)
}

// Providers understood by New.
const (
	ProviderOpenAI       = "openai"
	ProviderOllama       = "ollama"
	ProviderChromemOpen  = "chromem-openai"
	ProviderChromemLocal = "chromem-ollama"
)

// Options selects and configures an embedding backend.
type Options struct {
	Provider  string
	BaseURL   string
	Model     string
	APIKey    string
	CacheSize int
}

// New builds the embedder described by opts, wrapped in an LRU cache when CacheSize > 0.
func New(opts Options) (Embedder, error) {
	var e Embedder

	switch opts.Provider {
	case ProviderOpenAI:
		llmOpts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(opts.APIKey, "Bearer ")),
			openai.WithEmbeddingModel(opts.Model),
		}
		if opts.BaseURL != "" {
			llmOpts = append(llmOpts, openai.WithBaseURL(opts.BaseURL))
		}
		llm, err := openai.New(llmOpts...)
		if err != nil {
			return nil, fmt.Errorf("openai embedder: %w", err)
		}
		embedder, err := embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("openai embedder: %w", err)
		}
		e = NewLangChain(embedder)

	case ProviderOllama:
		llmOpts := []ollama.Option{ollama.WithModel(opts.Model)}
		if opts.BaseURL != "" {
			llmOpts = append(llmOpts, ollama.WithServerURL(opts.BaseURL))
		}
		llm, err := ollama.New(llmOpts...)
		if err != nil {
			return nil, fmt.Errorf("ollama embedder: %w", err)
		}
		embedder, err := embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("ollama embedder: %w", err)
		}
		e = NewLangChain(embedder)

	case ProviderChromemOpen:
		baseURL := opts.BaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		e = Func(chromem.NewEmbeddingFuncOpenAICompat(baseURL, opts.APIKey, opts.Model, nil))

	case ProviderChromemLocal:
		e = Func(chromem.NewEmbeddingFuncOllama(opts.Model, opts.BaseURL))

	default:
		return nil, fmt.Errorf("unknown embedding provider %q", opts.Provider)
	}

	if opts.CacheSize > 0 {
		return NewCached(e, opts.CacheSize)
	}
	return e, nil
}

// Cached memoizes embeddings by text. Manifest key lists repeat across queries, so ranking the
// same model twice only pays for the prompt.
type Cached struct {
	next  Embedder
	cache *lru.Cache[string, []float32]
}

func NewCached(next Embedder, size int) (*Cached, error) {
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, cache: cache}, nil
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return v, nil
	}
	v, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, v)
	return v, nil
}
