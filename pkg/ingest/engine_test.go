package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/chunkvault/pkg/ingest"
	"github.com/3FT-io/chunkvault/pkg/kv"
	"github.com/3FT-io/chunkvault/pkg/registry"
	"github.com/3FT-io/chunkvault/pkg/safetensors"
	"github.com/3FT-io/chunkvault/pkg/store"
	"github.com/3FT-io/chunkvault/pkg/testutil"
)

type fixture struct {
	store    *store.FileStore
	registry *registry.BadgerRegistry
	dir      string
}

func setupFixture(t *testing.T) *fixture {
	dir := t.TempDir()

	st, err := store.NewFileStore(filepath.Join(dir, "bucket"))
	require.NoError(t, err)

	db, err := kv.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &fixture{store: st, registry: registry.NewBadger(db, nil), dir: dir}
}

// entrySize is the number of bytes a tensor occupies inside a chunk document.
func entrySize(t *testing.T, tensor *safetensors.Tensor) int64 {
	name, err := json.Marshal(tensor.Name)
	require.NoError(t, err)
	val, err := tensor.MarshalEntry()
	require.NoError(t, err)
	return int64(len(name) + 1 + len(val))
}

func TestIngestSplitsIntoTwoChunks(t *testing.T) {
	fx := setupFixture(t)
	ctx := context.Background()

	a := testutil.F32Tensor("attention.query.weight", []int64{2, 2}, 1, 2, 3, 4)
	b := testutil.F32Tensor("attention.key.weight", []int64{2, 2}, 5, 6, 7, 8)
	c := testutil.FilledTensor("mlp.output.weight", 64, 0.5)
	modelPath := testutil.WriteSafetensors(t, fx.dir, "tiny.safetensors", a, b, c)

	threshold := 2 + entrySize(t, a) + 1 + entrySize(t, b)
	engine := ingest.NewEngine(fx.store, fx.registry, nil, ingest.WithChunkSize(threshold))

	outDir := filepath.Join(fx.dir, "out")
	res, err := engine.Ingest(ctx, modelPath, outDir)
	require.NoError(t, err)

	require.Len(t, res.Manifest, 2)
	assert.Equal(t, []string{"attention.query.weight", "attention.key.weight"}, res.Manifest[0].Keys)
	assert.Equal(t, []string{"mlp.output.weight"}, res.Manifest[1].Keys)
	assert.Equal(t, threshold, res.Manifest[0].Size)
	assert.Equal(t, "bloom_chunk_0.json", res.Manifest[0].Filename)
	assert.Equal(t, "bloom_chunk_1.json", res.Manifest[1].Filename)

	hash, err := ingest.HashFile(modelPath)
	require.NoError(t, err)
	assert.Equal(t, hash, res.ModelHash)
	assert.Equal(t, "models/"+hash+"/bloom_chunks_metadata.json", res.ManifestKey)

	for i := range res.Manifest {
		ok, err := fx.store.Exists(ctx, store.ChunkKey(hash, i))
		require.NoError(t, err)
		assert.True(t, ok)

		local, err := os.ReadFile(filepath.Join(outDir, res.Manifest[i].Filename))
		require.NoError(t, err)
		assert.Equal(t, res.Manifest[i].Size, int64(len(local)))

		entry, err := fx.registry.Resolve(ctx, registry.ChunkID(hash, i))
		require.NoError(t, err)
		assert.Equal(t, registry.TypeModelChunk, entry.Type)
		assert.Equal(t, store.ChunkKey(hash, i), entry.StorageKey)
	}

	manifest, err := ingest.LoadManifest(ctx, fx.store, hash)
	require.NoError(t, err)
	assert.Equal(t, res.Manifest, manifest)

	entry, err := fx.registry.Resolve(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, registry.TypeModelManifest, entry.Type)
	assert.Equal(t, "tiny", entry.Metadata["model_name"])

	tensors, err := ingest.Reassemble(ctx, fx.store, hash, manifest)
	require.NoError(t, err)
	require.Len(t, tensors, 3)
	for i, want := range []*safetensors.Tensor{a, b, c} {
		assert.Equal(t, want.Name, tensors[i].Name)
		assert.Equal(t, want.Shape, tensors[i].Shape)
		assert.Equal(t, want.Data, tensors[i].Data)
	}
}

func TestIngestChunkInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 10; round++ {
		t.Run(fmt.Sprintf("round_%d", round), func(t *testing.T) {
			fx := setupFixture(t)

			var tensors []*safetensors.Tensor
			for i := 0; i < 5+rng.Intn(20); i++ {
				tensors = append(tensors, testutil.FilledTensor(fmt.Sprintf("layers.%d.weight", i), 1+rng.Intn(200), float32(i)))
			}
			modelPath := testutil.WriteSafetensors(t, fx.dir, "model.safetensors", tensors...)

			threshold := int64(200 + rng.Intn(2000))
			engine := ingest.NewEngine(fx.store, fx.registry, nil, ingest.WithChunkSize(threshold))
			res, err := engine.Ingest(context.Background(), modelPath, filepath.Join(fx.dir, "out"))
			require.NoError(t, err)

			var names []string
			for _, tensor := range tensors {
				names = append(names, tensor.Name)
			}
			assert.Equal(t, names, res.Manifest.Keys())

			for i, c := range res.Manifest {
				assert.Equal(t, i, c.ChunkNumber)
				if len(c.Keys) > 1 {
					assert.LessOrEqual(t, c.Size, threshold, "chunk %d", i)
				}
			}
		})
	}
}

type failingStore struct {
	store.ChunkStore
	failAfter int
	uploads   int
}

func (s *failingStore) Upload(ctx context.Context, key string, data []byte) error {
	s.uploads++
	if s.uploads > s.failAfter {
		return &store.StorageError{Op: "upload", Key: key, Err: errors.New("connection reset")}
	}
	return s.ChunkStore.Upload(ctx, key, data)
}

func TestIngestFailureLeavesUploadedChunksAndNoManifest(t *testing.T) {
	fx := setupFixture(t)
	ctx := context.Background()

	modelPath := testutil.WriteSafetensors(t, fx.dir, "m.safetensors",
		testutil.FilledTensor("a", 16, 1),
		testutil.FilledTensor("b", 16, 2),
		testutil.FilledTensor("c", 16, 3))

	flaky := &failingStore{ChunkStore: fx.store, failAfter: 1}
	engine := ingest.NewEngine(flaky, fx.registry, nil, ingest.WithChunkSize(1))

	_, err := engine.Ingest(ctx, modelPath, filepath.Join(fx.dir, "out"))
	require.Error(t, err)

	var ierr *ingest.IngestionError
	require.True(t, errors.As(err, &ierr))
	assert.Equal(t, "upload", ierr.Step)
	assert.Len(t, ierr.Uploaded, 1)

	var serr *store.StorageError
	assert.True(t, errors.As(err, &serr))

	ok, err := fx.store.Exists(ctx, store.ManifestKey(ierr.ModelHash))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = fx.registry.Resolve(ctx, ierr.ModelHash)
	assert.True(t, errors.Is(err, registry.ErrNotFound))

	// re-running with a healthy store completes over the same keys
	res, err := ingest.NewEngine(fx.store, fx.registry, nil, ingest.WithChunkSize(1)).Ingest(ctx, modelPath, filepath.Join(fx.dir, "out"))
	require.NoError(t, err)
	assert.Len(t, res.Manifest, 3)
}

func TestIngestRejectsMalformedModel(t *testing.T) {
	fx := setupFixture(t)
	path := testutil.CreateTestFile(t, fx.dir, "bad.safetensors", []byte("nope"))

	_, err := ingest.NewEngine(fx.store, fx.registry, nil).Ingest(context.Background(), path, filepath.Join(fx.dir, "out"))

	var ierr *ingest.IngestionError
	require.True(t, errors.As(err, &ierr))
	assert.Equal(t, "parse", ierr.Step)

	var ferr *safetensors.FormatError
	assert.True(t, errors.As(err, &ferr))
}

func TestIngestReportsProgress(t *testing.T) {
	fx := setupFixture(t)
	modelPath := testutil.WriteSafetensors(t, fx.dir, "m.safetensors",
		testutil.FilledTensor("a", 4, 1),
		testutil.FilledTensor("b", 4, 2))

	var events []ingest.Progress
	engine := ingest.NewEngine(fx.store, fx.registry, nil,
		ingest.WithChunkSize(1),
		ingest.WithProgress(func(p ingest.Progress) { events = append(events, p) }))

	_, err := engine.Ingest(context.Background(), modelPath, filepath.Join(fx.dir, "out"))
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, 2, events[1].TensorsDone)
	assert.Equal(t, 2, events[1].TensorsTotal)
}

func TestIngestHonoursCancellation(t *testing.T) {
	fx := setupFixture(t)
	modelPath := testutil.WriteSafetensors(t, fx.dir, "m.safetensors", testutil.FilledTensor("a", 4, 1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := ingest.NewEngine(fx.store, fx.registry, nil).Ingest(ctx, modelPath, filepath.Join(fx.dir, "out"))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDecodeChunkRejectsBadDType(t *testing.T) {
	_, err := ingest.DecodeChunk([]byte(`{"w":{"dtype":"Q8","shape":[1],"data":"AQ=="}}`))
	assert.Error(t, err)

	tensors, err := ingest.DecodeChunk([]byte(`{"w":{"dtype":"U8","shape":[1],"data":"AQ=="},"v":{"dtype":"U8","shape":[],"data":"Ag=="}}`))
	require.NoError(t, err)
	require.Len(t, tensors, 2)
	assert.Equal(t, "w", tensors[0].Name)
	assert.Equal(t, []byte{2}, tensors[1].Data)
}
