package registry_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/chunkvault/pkg/registry"
)

func setupBadgerRegistry(t *testing.T, dir string) *registry.BadgerRegistry {
	r, err := registry.OpenBadger(dir, nil)
	require.NoError(t, err)
	return r
}

func exerciseRegistry(t *testing.T, r registry.Registry) {
	ctx := context.Background()

	_, err := r.Resolve(ctx, "missing")
	assert.True(t, errors.Is(err, registry.ErrNotFound))

	entry := registry.Entry{
		ID:         registry.ChunkID("abc", 0),
		Type:       registry.TypeModelChunk,
		StorageKey: "models/abc/bloom_chunk_0.json",
		Metadata:   map[string]any{"filename": "bloom_chunk_0.json"},
	}
	require.NoError(t, r.Register(ctx, entry))

	got, err := r.Resolve(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.StorageKey, got.StorageKey)
	assert.Equal(t, "bloom_chunk_0.json", got.Metadata["filename"])

	entry.StorageKey = "models/abc/v2/bloom_chunk_0.json"
	entry.Metadata = map[string]any{"filename": "v2"}
	require.NoError(t, r.Register(ctx, entry))

	got, err = r.Resolve(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "models/abc/v2/bloom_chunk_0.json", got.StorageKey)
	assert.Equal(t, "v2", got.Metadata["filename"])

	require.NoError(t, r.Register(ctx, registry.Entry{ID: "abc", Type: registry.TypeModelManifest, StorageKey: "models/abc/bloom_chunks_metadata.json"}))

	chunks, err := r.List(ctx, registry.TypeModelChunk)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(chunks), 1)

	all, err := r.List(ctx, "")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(all), 2)

	require.NoError(t, r.Delete(ctx, "abc"))
	_, err = r.Resolve(ctx, "abc")
	assert.True(t, errors.Is(err, registry.ErrNotFound))

	var rerr *registry.RegistryError
	err = r.Register(ctx, registry.Entry{ID: "no-key"})
	assert.True(t, errors.As(err, &rerr))
}

func TestBadgerRegistry(t *testing.T) {
	r := setupBadgerRegistry(t, t.TempDir())
	defer r.Close()

	exerciseRegistry(t, r)
}

func TestBadgerRegistrySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	r := setupBadgerRegistry(t, dir)
	require.NoError(t, r.Register(ctx, registry.Entry{ID: "artifact-1", Type: registry.TypeArtifact, StorageKey: "artifacts/1.wav"}))
	require.NoError(t, r.Close())

	r = setupBadgerRegistry(t, dir)
	defer r.Close()

	got, err := r.Resolve(ctx, "artifact-1")
	require.NoError(t, err)
	assert.Equal(t, "artifacts/1.wav", got.StorageKey)
}

func TestBadgerRegistryConcurrentLastWriteWins(t *testing.T) {
	r := setupBadgerRegistry(t, t.TempDir())
	defer r.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("models/x/%d.json", i)
			assert.NoError(t, r.Register(ctx, registry.Entry{ID: "shared", Type: registry.TypeArtifact, StorageKey: key, Metadata: map[string]any{"key": key}}))
		}(i)
	}
	wg.Wait()

	got, err := r.Resolve(ctx, "shared")
	require.NoError(t, err)
	// storage key and metadata always come from the same writer
	assert.Equal(t, got.StorageKey, got.Metadata["key"])
}

func TestSQLRegistry(t *testing.T) {
	dsn := os.Getenv("CHUNKVAULT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHUNKVAULT_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	r, err := registry.OpenPostgres(ctx, dsn, false, nil)
	require.NoError(t, err)
	defer r.Close()

	for _, id := range []string{registry.ChunkID("abc", 0), "abc", "missing"} {
		require.NoError(t, r.Delete(ctx, id))
	}
	exerciseRegistry(t, r)
}
