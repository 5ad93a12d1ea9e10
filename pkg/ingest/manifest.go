package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/3FT-io/chunkvault/pkg/store"
)

// ChunkInfo describes one chunk file of a model.
type ChunkInfo struct {
	ChunkNumber int      `json:"chunk_number"`
	Filename    string   `json:"filename"`
	Size        int64    `json:"size"`
	Keys        []string `json:"keys"`
}

// Manifest lists a model's chunks in chunk-number order.
type Manifest []ChunkInfo

// Keys returns every tensor name across the manifest, chunk by chunk.
func (m Manifest) Keys() []string {
	var keys []string
	for _, c := range m {
		keys = append(keys, c.Keys...)
	}
	return keys
}

// TotalSize sums the serialized chunk sizes.
func (m Manifest) TotalSize() int64 {
	var n int64
	for _, c := range m {
		n += c.Size
	}
	return n
}

// Lookup finds the chunk stored under filename.
func (m Manifest) Lookup(filename string) (ChunkInfo, bool) {
	for _, c := range m {
		if c.Filename == filename {
			return c, true
		}
	}
	return ChunkInfo{}, false
}

// ParseManifest decodes a manifest document.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	for i, c := range m {
		if c.Filename == "" {
			return nil, fmt.Errorf("invalid manifest: entry %d has no filename", i)
		}
	}
	return m, nil
}

// LoadManifest downloads and decodes the manifest of modelHash.
func LoadManifest(ctx context.Context, st store.ChunkStore, modelHash string) (Manifest, error) {
	data, err := st.Download(ctx, store.ManifestKey(modelHash))
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}
