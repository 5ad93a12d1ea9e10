package playlist

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3FT-io/chunkvault/pkg/embed"
	"github.com/3FT-io/chunkvault/pkg/ingest"
	"github.com/3FT-io/chunkvault/pkg/store"
)

const defaultConcurrency = 8

// Entry is one ranked chunk of a playlist.
type Entry struct {
	Filename    string    `json:"filename"`
	ChunkNumber int       `json:"chunk_number"`
	Similarity  float64   `json:"similarity"`
	Keys        []string  `json:"keys,omitempty"`
	URL         string    `json:"url,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Assembler ranks a model's chunks against a prompt by tensor-name embedding similarity.
type Assembler struct {
	embedder    embed.Embedder
	logger      *zap.Logger
	concurrency int
}

type Option func(*Assembler)

// WithConcurrency bounds the number of chunk embeddings requested at once.
func WithConcurrency(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

func NewAssembler(e embed.Embedder, logger *zap.Logger, opts ...Option) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Assembler{embedder: e, logger: logger, concurrency: defaultConcurrency}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Generate returns the topN manifest chunks most similar to prompt, highest first. Equal scores
// keep manifest order. topN <= 0 returns every chunk.
func (a *Assembler) Generate(ctx context.Context, prompt string, manifest ingest.Manifest, topN int) ([]Entry, error) {
	query, err := a.embedder.Embed(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("embed prompt: %w", err)
	}

	entries := make([]Entry, len(manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, info := range manifest {
		g.Go(func() error {
			vec, err := a.embedder.Embed(gctx, strings.Join(info.Keys, " "))
			if err != nil {
				return fmt.Errorf("embed chunk %d: %w", info.ChunkNumber, err)
			}
			entries[i] = Entry{
				Filename:    info.Filename,
				ChunkNumber: info.ChunkNumber,
				Similarity:  CosineSimilarity(query, vec),
				Keys:        info.Keys,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Similarity > entries[j].Similarity
	})
	if topN > 0 && topN < len(entries) {
		entries = entries[:topN]
	}

	a.logger.Debug("Generated playlist",
		zap.Int("chunks", len(manifest)),
		zap.Int("selected", len(entries)))
	return entries, nil
}

// Resolve attaches presigned download URLs to entries. A ttl <= 0 uses store.DefaultPresignTTL.
func (a *Assembler) Resolve(ctx context.Context, st store.ChunkStore, modelHash string, entries []Entry, ttl time.Duration) ([]Entry, error) {
	if ttl <= 0 {
		ttl = store.DefaultPresignTTL
	}
	expires := time.Now().UTC().Add(ttl).Truncate(time.Second)

	out := make([]Entry, len(entries))
	for i, e := range entries {
		url, err := st.Presign(ctx, store.ChunkKey(modelHash, e.ChunkNumber), ttl)
		if err != nil {
			return nil, err
		}
		e.URL = url
		e.ExpiresAt = expires
		out[i] = e
	}
	return out, nil
}

// CosineSimilarity is dot(a,b) / (|a|*|b|). It is 0 when either vector has zero norm or the
// lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}
