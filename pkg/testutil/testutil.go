package testutil

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3FT-io/chunkvault/pkg/safetensors"
)

// CreateTempDir creates a temporary directory and returns its path along with a cleanup function
func CreateTempDir(t *testing.T, prefix string) (string, func()) {
	tmpDir, err := os.MkdirTemp("", prefix)
	require.NoError(t, err)

	cleanup := func() {
		os.RemoveAll(tmpDir)
	}

	return tmpDir, cleanup
}

// CreateTestFile creates a temporary file with the given content and returns its path
func CreateTestFile(t *testing.T, dir, name string, content []byte) string {
	path := filepath.Join(dir, name)
	err := os.WriteFile(path, content, 0644)
	require.NoError(t, err)
	return path
}

// F32Tensor builds an F32 tensor holding values with the given shape.
func F32Tensor(name string, shape []int64, values ...float32) *safetensors.Tensor {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return &safetensors.Tensor{Name: name, DType: safetensors.F32, Shape: shape, Data: data}
}

// FilledTensor builds an F32 tensor of n elements all set to v.
func FilledTensor(name string, n int, v float32) *safetensors.Tensor {
	values := make([]float32, n)
	for i := range values {
		values[i] = v
	}
	return F32Tensor(name, []int64{int64(n)}, values...)
}

// WriteSafetensors writes tensors into dir/name and returns the path.
func WriteSafetensors(t *testing.T, dir, name string, tensors ...*safetensors.Tensor) string {
	path := filepath.Join(dir, name)
	require.NoError(t, safetensors.WriteFile(path, tensors, map[string]string{"format": "pt"}))
	return path
}

// WordEmbedder is a deterministic bag-of-words embedder: every token is hashed into one of
// Dim buckets. Texts sharing tokens score higher under cosine similarity.
type WordEmbedder struct {
	Dim int
}

func (e WordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dim := e.Dim
	if dim == 0 {
		dim = 64
	}
	vec := make([]float32, dim)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%uint32(dim)]++
	}
	return vec, nil
}
