package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3FT-io/chunkvault/pkg/ingest"
	"github.com/3FT-io/chunkvault/pkg/registry"
	"github.com/3FT-io/chunkvault/pkg/safetensors"
	"github.com/3FT-io/chunkvault/pkg/store"
)

// Storage manages whole models on top of the chunk store and registry.
type Storage struct {
	store     store.ChunkStore
	registry  registry.Registry
	engine    *ingest.Engine
	outputDir string
	logger    *zap.Logger
}

// StorageStatus represents the current state of the storage system
type StorageStatus struct {
	TotalModels int             `json:"total_models"`
	TotalChunks int             `json:"total_chunks"`
	TotalSize   int64           `json:"total_size"`
	Models      []ModelMetadata `json:"models"`
}

func NewStorage(st store.ChunkStore, reg registry.Registry, engine *ingest.Engine, outputDir string, logger *zap.Logger) (*Storage, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Storage{
		store:     st,
		registry:  reg,
		engine:    engine,
		outputDir: outputDir,
		logger:    logger,
	}, nil
}

// StoreModel stages an uploaded safetensors stream on disk under name and ingests it.
func (s *Storage) StoreModel(ctx context.Context, name string, reader io.Reader) (*ingest.Result, error) {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		return nil, errors.New("model name is required")
	}

	stage, err := os.MkdirTemp(s.outputDir, "upload-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(stage)

	path := filepath.Join(stage, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(f, reader); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	return s.IngestFile(ctx, path)
}

// IngestFile ingests the model at path. Local chunk files end up in <outputDir>/<model hash>.
func (s *Storage) IngestFile(ctx context.Context, path string) (*ingest.Result, error) {
	work, err := os.MkdirTemp(s.outputDir, "ingest-")
	if err != nil {
		return nil, err
	}

	res, err := s.engine.Ingest(ctx, path, work)
	if err != nil {
		os.RemoveAll(work)
		return nil, err
	}

	final := filepath.Join(s.outputDir, res.ModelHash)
	if err := os.RemoveAll(final); err != nil {
		return nil, err
	}
	if err := os.Rename(work, final); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Storage) ListModels(ctx context.Context) ([]ModelMetadata, error) {
	entries, err := s.registry.List(ctx, registry.TypeModelManifest)
	if err != nil {
		return nil, err
	}

	models := make([]ModelMetadata, 0, len(entries))
	for _, e := range entries {
		models = append(models, modelFromEntry(e))
	}
	return models, nil
}

// GetModel retrieves a model's metadata by hash
func (s *Storage) GetModel(ctx context.Context, modelHash string) (*ModelMetadata, error) {
	entry, err := s.registry.Resolve(ctx, modelHash)
	if err != nil {
		return nil, err
	}
	if entry.Type != registry.TypeModelManifest {
		return nil, fmt.Errorf("model %s: %w", modelHash, registry.ErrNotFound)
	}
	m := modelFromEntry(*entry)
	return &m, nil
}

// Manifest downloads the manifest of a completely ingested model.
func (s *Storage) Manifest(ctx context.Context, modelHash string) (ingest.Manifest, error) {
	if _, err := s.GetModel(ctx, modelHash); err != nil {
		return nil, err
	}
	return ingest.LoadManifest(ctx, s.store, modelHash)
}

// DeleteModel removes a model's manifest first, so an interrupted delete leaves the model looking
// incompletely ingested, then its chunks.
func (s *Storage) DeleteModel(ctx context.Context, modelHash string) error {
	manifest, err := s.Manifest(ctx, modelHash)
	if err != nil {
		return err
	}

	if err := s.registry.Delete(ctx, modelHash); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, store.ManifestKey(modelHash)); err != nil {
		return err
	}
	for _, c := range manifest {
		if err := s.store.Delete(ctx, store.ChunkKey(modelHash, c.ChunkNumber)); err != nil {
			return err
		}
		if err := s.registry.Delete(ctx, registry.ChunkID(modelHash, c.ChunkNumber)); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(filepath.Join(s.outputDir, modelHash)); err != nil {
		s.logger.Warn("Failed to remove local chunks", zap.String("model_hash", modelHash), zap.Error(err))
	}

	s.logger.Info("Deleted model", zap.String("model_hash", modelHash), zap.Int("chunks", len(manifest)))
	return nil
}

// GetStatus returns the current status of the storage system
func (s *Storage) GetStatus(ctx context.Context) (*StorageStatus, error) {
	models, err := s.ListModels(ctx)
	if err != nil {
		return nil, err
	}

	status := &StorageStatus{
		TotalModels: len(models),
		Models:      models,
	}
	for _, m := range models {
		status.TotalChunks += m.Chunks
		status.TotalSize += m.Size
	}
	return status, nil
}

// ErrUnknownChunk is returned when a requested chunk file is not listed in the model's manifest.
var ErrUnknownChunk = errors.New("chunk file is not part of the model")

// ModelFileMetadata is the __metadata__ written into reassembled model files.
func ModelFileMetadata(modelHash string) map[string]string {
	return map[string]string{"model_hash": modelHash}
}

// AssembleModel downloads and decodes the chunks of a model. A non-empty filenames list restricts
// the result to those chunk files; a name missing from the manifest fails with ErrUnknownChunk
// before anything is downloaded.
func (s *Storage) AssembleModel(ctx context.Context, modelHash string, filenames []string) ([]*safetensors.Tensor, error) {
	manifest, err := s.Manifest(ctx, modelHash)
	if err != nil {
		return nil, err
	}

	if len(filenames) > 0 {
		var subset ingest.Manifest
		for _, name := range filenames {
			info, ok := manifest.Lookup(strings.TrimSpace(name))
			if !ok {
				return nil, fmt.Errorf("%w: %q in model %s", ErrUnknownChunk, name, modelHash)
			}
			subset = append(subset, info)
		}
		manifest = subset
	}

	return ingest.Reassemble(ctx, s.store, modelHash, manifest)
}

// StreamModel reassembles chunks of a model and writes them to writer as a safetensors file.
// Nothing is written unless every chunk was assembled.
func (s *Storage) StreamModel(ctx context.Context, modelHash string, filenames []string, writer io.Writer) error {
	tensors, err := s.AssembleModel(ctx, modelHash, filenames)
	if err != nil {
		return err
	}
	return safetensors.Write(writer, tensors, ModelFileMetadata(modelHash))
}
