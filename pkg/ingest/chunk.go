package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/3FT-io/chunkvault/pkg/safetensors"
)

// chunkBuffer accumulates encoded tensors; size is always the exact length of encode().
type chunkBuffer struct {
	names   []string
	entries [][]byte
	size    int64
}

func newChunkBuffer() *chunkBuffer {
	return &chunkBuffer{size: 2} // "{}"
}

func (b *chunkBuffer) empty() bool {
	return len(b.names) == 0
}

// growth is how many bytes adding an entry of entryLen would add.
func (b *chunkBuffer) growth(entryLen int) int64 {
	if b.empty() {
		return int64(entryLen)
	}
	return int64(entryLen) + 1 // separating comma
}

func (b *chunkBuffer) add(name string, entry []byte) {
	b.size += b.growth(len(entry))
	b.names = append(b.names, name)
	b.entries = append(b.entries, entry)
}

func (b *chunkBuffer) encode() []byte {
	var buf bytes.Buffer
	buf.Grow(int(b.size))
	buf.WriteByte('{')
	for i, e := range b.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(e)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// encodeEntry renders `"name":{"dtype":..,"shape":..,"data":"<base64>"}`.
func encodeEntry(t *safetensors.Tensor) ([]byte, error) {
	name, err := json.Marshal(t.Name)
	if err != nil {
		return nil, err
	}
	val, err := t.MarshalEntry()
	if err != nil {
		return nil, err
	}
	entry := make([]byte, 0, len(name)+1+len(val))
	entry = append(entry, name...)
	entry = append(entry, ':')
	entry = append(entry, val...)
	return entry, nil
}

// DecodeChunk parses a chunk file back into tensors, keeping file order.
func DecodeChunk(data []byte) ([]*safetensors.Tensor, error) {
	raw := orderedmap.New[string, safetensors.Encoded]()
	if err := json.Unmarshal(data, raw); err != nil {
		return nil, &safetensors.FormatError{Reason: "invalid chunk document", Err: err}
	}

	tensors := make([]*safetensors.Tensor, 0, raw.Len())
	for pair := raw.Oldest(); pair != nil; pair = pair.Next() {
		t, err := safetensors.Decode(pair.Key, pair.Value)
		if err != nil {
			return nil, err
		}
		tensors = append(tensors, t)
	}
	return tensors, nil
}

// ErrCorruptChunk marks a stored chunk file that does not decode or does not match its manifest.
var ErrCorruptChunk = errors.New("corrupt chunk")

func chunkError(n int, err error) error {
	return fmt.Errorf("chunk %d: %w", n, err)
}

func corruptChunk(n int, err error) error {
	return fmt.Errorf("chunk %d: %w: %w", n, ErrCorruptChunk, err)
}
