package store

import (
	"context"
	"fmt"
	"time"
)

// DefaultPresignTTL is the lifetime of URLs handed out to chunk consumers.
const DefaultPresignTTL = 3600 * time.Second

// ChunkStore moves opaque chunk blobs in and out of object storage by key.
type ChunkStore interface {
	Upload(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Credentials is the object storage credential source.
type Credentials struct {
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Endpoint  string
}

// Validate reports the first missing required credential.
func (c Credentials) Validate() error {
	switch {
	case c.AccessKey == "":
		return &ConfigError{Field: "access key"}
	case c.SecretKey == "":
		return &ConfigError{Field: "secret key"}
	case c.Bucket == "":
		return &ConfigError{Field: "bucket"}
	}
	return nil
}

// ConfigError means the store cannot operate because a credential is unset.
type ConfigError struct {
	Field string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("object storage %s is not configured", e.Field)
}

// StorageError wraps a failed object store operation. Callers may retry.
type StorageError struct {
	Op     string
	Key    string
	Status int
	Err    error
}

func (e *StorageError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.Key)
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ModelPrefix is the root of every model artifact key.
const ModelPrefix = "models"

// ChunkKey returns the object key of chunk n of a model.
func ChunkKey(modelHash string, n int) string {
	return fmt.Sprintf("%s/%s/%s", ModelPrefix, modelHash, ChunkFilename(n))
}

// ChunkFilename returns the file name used for chunk n.
func ChunkFilename(n int) string {
	return fmt.Sprintf("bloom_chunk_%d.json", n)
}

// ManifestFilename is the file name of a model's chunk manifest.
const ManifestFilename = "bloom_chunks_metadata.json"

// ManifestKey returns the object key of a model's manifest.
func ManifestKey(modelHash string) string {
	return fmt.Sprintf("%s/%s/%s", ModelPrefix, modelHash, ManifestFilename)
}
