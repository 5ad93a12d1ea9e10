package ingest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/3FT-io/chunkvault/pkg/registry"
	"github.com/3FT-io/chunkvault/pkg/safetensors"
	"github.com/3FT-io/chunkvault/pkg/store"
)

// DefaultChunkSize is the serialized size threshold for a chunk file.
const DefaultChunkSize int64 = 100 << 20

// IngestionError wraps the first failure of an ingestion run. Chunks listed in Uploaded were
// stored before the failure and are left in place; no manifest was written, so the run can be
// repeated and will overwrite them under the same keys.
type IngestionError struct {
	Step      string
	ModelHash string
	Uploaded  []string
	Err       error
}

func (e *IngestionError) Error() string {
	msg := fmt.Sprintf("ingestion failed at %s: %v", e.Step, e.Err)
	if len(e.Uploaded) > 0 {
		msg += fmt.Sprintf(" (%d chunks already uploaded, manifest not written)", len(e.Uploaded))
	}
	return msg
}

func (e *IngestionError) Unwrap() error {
	return e.Err
}

// Progress is reported after each chunk is stored.
type Progress struct {
	ChunkNumber   int
	TensorsDone   int
	TensorsTotal  int
	BytesUploaded int64
}

// Result is what a successful ingestion produced.
type Result struct {
	ModelHash   string   `json:"model_hash"`
	ManifestKey string   `json:"manifest_key"`
	Manifest    Manifest `json:"manifest"`
}

// Engine splits safetensors models into chunk files, uploads and registers them.
type Engine struct {
	store     store.ChunkStore
	registry  registry.Registry
	logger    *zap.Logger
	chunkSize int64
	progress  func(Progress)
}

type Option func(*Engine)

// WithChunkSize sets the chunk threshold in serialized bytes.
func WithChunkSize(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithProgress installs a progress callback.
func WithProgress(fn func(Progress)) Option {
	return func(e *Engine) { e.progress = fn }
}

func NewEngine(st store.ChunkStore, reg registry.Registry, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:     st,
		registry:  reg,
		logger:    logger,
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ChunkSize returns the configured threshold.
func (e *Engine) ChunkSize() int64 {
	return e.chunkSize
}

type run struct {
	e         *Engine
	ctx       context.Context
	modelHash string
	outputDir string
	manifest  Manifest
	uploaded  []string
	done      int
	total     int
	bytes     int64
}

func (r *run) fail(step string, err error) error {
	return &IngestionError{Step: step, ModelHash: r.modelHash, Uploaded: r.uploaded, Err: err}
}

// Ingest chunks the model at modelPath, writing chunk files into outputDir and uploading them.
// The manifest is uploaded and registered last.
func (e *Engine) Ingest(ctx context.Context, modelPath, outputDir string) (*Result, error) {
	r := &run{e: e, ctx: ctx, outputDir: outputDir}

	modelHash, err := HashFile(modelPath)
	if err != nil {
		return nil, r.fail("hash", err)
	}
	r.modelHash = modelHash

	f, err := safetensors.LoadFile(modelPath)
	if err != nil {
		return nil, r.fail("parse", err)
	}
	r.total = f.Len()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, r.fail("prepare", err)
	}

	e.logger.Info("Ingesting model",
		zap.String("path", modelPath),
		zap.String("model_hash", modelHash),
		zap.Int("tensors", r.total),
		zap.Int64("chunk_size", e.chunkSize))

	buf := newChunkBuffer()
	for _, t := range f.Tensors() {
		if err := ctx.Err(); err != nil {
			return nil, r.fail("chunk", err)
		}

		entry, err := encodeEntry(t)
		if err != nil {
			return nil, r.fail("encode", fmt.Errorf("tensor %q: %w", t.Name, err))
		}

		if !buf.empty() && buf.size+buf.growth(len(entry)) > e.chunkSize {
			if err := r.flush(buf); err != nil {
				return nil, err
			}
			buf = newChunkBuffer()
		}
		buf.add(t.Name, entry)
	}
	if !buf.empty() {
		if err := r.flush(buf); err != nil {
			return nil, err
		}
	}

	manifestKey, err := r.writeManifest(filepath.Base(modelPath))
	if err != nil {
		return nil, err
	}

	e.logger.Info("Model ingested",
		zap.String("model_hash", modelHash),
		zap.Int("chunks", len(r.manifest)),
		zap.Int64("bytes", r.bytes))

	return &Result{ModelHash: modelHash, ManifestKey: manifestKey, Manifest: r.manifest}, nil
}

func (r *run) flush(buf *chunkBuffer) error {
	n := len(r.manifest)
	filename := store.ChunkFilename(n)
	key := store.ChunkKey(r.modelHash, n)
	data := buf.encode()

	if err := os.WriteFile(filepath.Join(r.outputDir, filename), data, 0644); err != nil {
		return r.fail("write", chunkError(n, err))
	}
	if err := r.e.store.Upload(r.ctx, key, data); err != nil {
		return r.fail("upload", chunkError(n, err))
	}
	r.uploaded = append(r.uploaded, key)

	info := ChunkInfo{
		ChunkNumber: n,
		Filename:    filename,
		Size:        int64(len(data)),
		Keys:        append([]string(nil), buf.names...),
	}

	err := r.e.registry.Register(r.ctx, registry.Entry{
		ID:         registry.ChunkID(r.modelHash, n),
		Type:       registry.TypeModelChunk,
		StorageKey: key,
		Metadata: map[string]any{
			"model_hash":   r.modelHash,
			"chunk_number": n,
			"filename":     filename,
			"size":         info.Size,
			"keys":         info.Keys,
		},
	})
	if err != nil {
		return r.fail("register", chunkError(n, err))
	}

	r.manifest = append(r.manifest, info)
	r.done += len(info.Keys)
	r.bytes += info.Size

	r.e.logger.Debug("Stored chunk",
		zap.String("key", key),
		zap.Int("tensors", len(info.Keys)),
		zap.Int64("size", info.Size))

	if r.e.progress != nil {
		r.e.progress(Progress{ChunkNumber: n, TensorsDone: r.done, TensorsTotal: r.total, BytesUploaded: r.bytes})
	}
	return nil
}

func (r *run) writeManifest(modelName string) (string, error) {
	manifest := r.manifest
	if manifest == nil {
		manifest = Manifest{}
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		return "", r.fail("manifest", err)
	}

	if err := os.WriteFile(filepath.Join(r.outputDir, store.ManifestFilename), data, 0644); err != nil {
		return "", r.fail("manifest", err)
	}

	key := store.ManifestKey(r.modelHash)
	if err := r.e.store.Upload(r.ctx, key, data); err != nil {
		return "", r.fail("manifest", err)
	}

	err = r.e.registry.Register(r.ctx, registry.Entry{
		ID:         r.modelHash,
		Type:       registry.TypeModelManifest,
		StorageKey: key,
		Metadata: map[string]any{
			"model_name":  strings.TrimSuffix(modelName, filepath.Ext(modelName)),
			"chunk_count": len(manifest),
			"total_size":  manifest.TotalSize(),
		},
	})
	if err != nil {
		return "", r.fail("manifest", err)
	}
	return key, nil
}

// HashFile returns the hex SHA3-256 of the file at path; it names the model in object keys.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha3.New256()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
