package core

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3FT-io/chunkvault/pkg/registry"
	"github.com/3FT-io/chunkvault/pkg/store"
)

// ArtifactPrefix is the root key of artifacts registered by producers other than ingestion.
const ArtifactPrefix = "artifacts"

// ErrModelEntry is returned when an artifact operation targets a model chunk or manifest entry.
var ErrModelEntry = errors.New("model entries are managed through their model")

func isModelEntry(entryType string) bool {
	return entryType == registry.TypeModelChunk || entryType == registry.TypeModelManifest
}

// SignedURL is a presigned download link for a registry entry.
type SignedURL struct {
	ID         string    `json:"id"`
	StorageKey string    `json:"storage_key"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ArtifactService stores opaque artifacts and resolves any registry entry to a download URL.
type ArtifactService struct {
	store    store.ChunkStore
	registry registry.Registry
	logger   *zap.Logger
}

func NewArtifactService(st store.ChunkStore, reg registry.Registry, logger *zap.Logger) *ArtifactService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArtifactService{store: st, registry: reg, logger: logger}
}

// CreateArtifact uploads data under artifacts/<id>/<name> and registers it. An empty id gets a
// generated one; an existing artifact id is overwritten, a model entry id is refused with
// ErrModelEntry.
func (s *ArtifactService) CreateArtifact(ctx context.Context, id, name, entryType string, data []byte, metadata map[string]any) (*registry.Entry, error) {
	if name == "" {
		return nil, errors.New("artifact name is required")
	}
	if isModelEntry(entryType) {
		return nil, fmt.Errorf("%w: type %s", ErrModelEntry, entryType)
	}
	if id == "" {
		id = uuid.New().String()
	} else {
		existing, err := s.registry.Resolve(ctx, id)
		switch {
		case err == nil && isModelEntry(existing.Type):
			return nil, fmt.Errorf("%w: %s is a %s", ErrModelEntry, id, existing.Type)
		case err != nil && !errors.Is(err, registry.ErrNotFound):
			return nil, err
		}
	}
	if entryType == "" {
		entryType = registry.TypeArtifact
	}

	key := path.Join(ArtifactPrefix, id, path.Base(name))
	if err := s.store.Upload(ctx, key, data); err != nil {
		return nil, err
	}

	meta := make(map[string]any, len(metadata)+3)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["name"] = name
	meta["size"] = len(data)
	meta["created_at"] = time.Now().UTC().Format(time.RFC3339)

	entry := registry.Entry{ID: id, Type: entryType, StorageKey: key, Metadata: meta}
	if err := s.registry.Register(ctx, entry); err != nil {
		return nil, err
	}

	s.logger.Info("Registered artifact",
		zap.String("id", id),
		zap.String("type", entryType),
		zap.String("key", key),
		zap.Int("size", len(data)))
	return &entry, nil
}

// GetArtifact resolves any registry entry by id.
func (s *ArtifactService) GetArtifact(ctx context.Context, id string) (*registry.Entry, error) {
	return s.registry.Resolve(ctx, id)
}

// URL presigns the storage key of the entry registered under id.
func (s *ArtifactService) URL(ctx context.Context, id string, ttl time.Duration) (*SignedURL, error) {
	entry, err := s.registry.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = store.DefaultPresignTTL
	}

	url, err := s.store.Presign(ctx, entry.StorageKey, ttl)
	if err != nil {
		return nil, err
	}
	return &SignedURL{
		ID:         id,
		StorageKey: entry.StorageKey,
		URL:        url,
		ExpiresAt:  time.Now().UTC().Add(ttl).Truncate(time.Second),
	}, nil
}

// DeleteArtifact removes an artifact's object and registry entry.
func (s *ArtifactService) DeleteArtifact(ctx context.Context, id string) error {
	entry, err := s.registry.Resolve(ctx, id)
	if err != nil {
		return err
	}
	if isModelEntry(entry.Type) {
		return fmt.Errorf("%w: %s is a %s", ErrModelEntry, id, entry.Type)
	}
	if err := s.store.Delete(ctx, entry.StorageKey); err != nil {
		return err
	}
	return s.registry.Delete(ctx, id)
}
