package core

import (
	"encoding/json"

	"github.com/3FT-io/chunkvault/pkg/registry"
)

// ModelMetadata summarises an ingested model from its manifest registry entry.
type ModelMetadata struct {
	Hash        string `json:"hash"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Chunks      int    `json:"chunks"`
	ManifestKey string `json:"manifest_key"`
}

func modelFromEntry(e registry.Entry) ModelMetadata {
	name, _ := e.Metadata["model_name"].(string)
	return ModelMetadata{
		Hash:        e.ID,
		Name:        name,
		Size:        metaInt(e.Metadata, "total_size"),
		Chunks:      int(metaInt(e.Metadata, "chunk_count")),
		ManifestKey: e.StorageKey,
	}
}

// metaInt reads a number from registry metadata, which comes back from JSON as float64.
func metaInt(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}
