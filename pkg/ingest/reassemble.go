package ingest

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/3FT-io/chunkvault/pkg/safetensors"
	"github.com/3FT-io/chunkvault/pkg/store"
)

const downloadConcurrency = 4

// Reassemble downloads the chunks listed in manifest (a full manifest or any subset of it) and
// returns their tensors in manifest order.
func Reassemble(ctx context.Context, st store.ChunkStore, modelHash string, manifest Manifest) ([]*safetensors.Tensor, error) {
	parts := make([][]*safetensors.Tensor, len(manifest))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadConcurrency)
	for i, info := range manifest {
		g.Go(func() error {
			data, err := st.Download(gctx, store.ChunkKey(modelHash, info.ChunkNumber))
			if err != nil {
				return err
			}
			tensors, err := DecodeChunk(data)
			if err != nil {
				return corruptChunk(info.ChunkNumber, err)
			}

			names := make([]string, len(tensors))
			for j, t := range tensors {
				names[j] = t.Name
			}
			if !slices.Equal(names, info.Keys) {
				return corruptChunk(info.ChunkNumber, fmt.Errorf("holds %v, manifest lists %v", names, info.Keys))
			}
			parts[i] = tensors
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*safetensors.Tensor
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}
