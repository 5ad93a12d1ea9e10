package registry

import (
	"context"
	"errors"
	"fmt"
)

// Entry types written by the producers in this module.
const (
	TypeModelChunk    = "model_chunk"
	TypeModelManifest = "model_manifest"
	TypeArtifact      = "artifact"
)

var ErrNotFound = errors.New("registry entry not found")

// Entry maps a chunk identifier to where and what it is.
type Entry struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	StorageKey string         `json:"storage_key"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (e Entry) Validate() error {
	if e.ID == "" {
		return errors.New("entry id is required")
	}
	if e.StorageKey == "" {
		return errors.New("entry storage key is required")
	}
	return nil
}

// Registry is the durable index of every chunk and artifact. Register is last-write-wins per id
// and atomic per key; callers own their ids.
type Registry interface {
	Register(ctx context.Context, entry Entry) error
	Resolve(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context, entryType string) ([]Entry, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// RegistryError wraps a persistence failure.
type RegistryError struct {
	Op  string
	ID  string
	Err error
}

func (e *RegistryError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("registry %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("registry %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

// ChunkID returns the registry id of chunk n of a model.
func ChunkID(modelHash string, n int) string {
	return fmt.Sprintf("%s:chunk:%d", modelHash, n)
}
