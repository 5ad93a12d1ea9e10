package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// HeaderPrefixSize is the width of the little-endian header length that opens every file.
const HeaderPrefixSize = 8

// MaxHeaderSize bounds the declared header length so a corrupt prefix cannot force a huge allocation.
const MaxHeaderSize = 100 << 20

// FormatError reports a malformed safetensors container.
type FormatError struct {
	Path   string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	msg := "safetensors: " + e.Reason
	if e.Path != "" {
		msg = fmt.Sprintf("safetensors %s: %s", e.Path, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

type headerEntry struct {
	DType       string          `json:"dtype"`
	Shape       []int64         `json:"shape"`
	DataOffsets json.RawMessage `json:"data_offsets"`
}

// File is the result of parsing a container: tensors keyed by name plus their header order.
type File struct {
	tensors map[string]*Tensor
	order   []string
}

// Names returns tensor names in the order the header declares them.
func (f *File) Names() []string {
	names := make([]string, len(f.order))
	copy(names, f.order)
	return names
}

// Tensor returns the named tensor.
func (f *File) Tensor(name string) (*Tensor, bool) {
	t, ok := f.tensors[name]
	return t, ok
}

// Tensors returns tensors in header order.
func (f *File) Tensors() []*Tensor {
	out := make([]*Tensor, 0, len(f.order))
	for _, name := range f.order {
		out = append(out, f.tensors[name])
	}
	return out
}

// Map returns a name-keyed view of the parsed tensors.
func (f *File) Map() map[string]*Tensor {
	m := make(map[string]*Tensor, len(f.tensors))
	for k, v := range f.tensors {
		m[k] = v
	}
	return m
}

func (f *File) Len() int {
	return len(f.order)
}

// LoadFile parses the safetensors file at path.
func LoadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return nil, err
	}

	f, err := Parse(fh, info.Size())
	if err != nil {
		var ferr *FormatError
		if errors.As(err, &ferr) {
			ferr.Path = path
		}
		return nil, err
	}
	return f, nil
}

// Parse reads a container of the given size from r.
func Parse(r io.ReaderAt, size int64) (*File, error) {
	if size < HeaderPrefixSize {
		return nil, &FormatError{Reason: fmt.Sprintf("file is %d bytes, shorter than the header length prefix", size)}
	}

	var prefix [HeaderPrefixSize]byte
	if _, err := r.ReadAt(prefix[:], 0); err != nil {
		return nil, &FormatError{Reason: "failed to read header length", Err: err}
	}

	headerLen := binary.LittleEndian.Uint64(prefix[:])
	if headerLen > MaxHeaderSize || int64(headerLen) > size-HeaderPrefixSize {
		return nil, &FormatError{Reason: fmt.Sprintf("declared header length %d exceeds available data", headerLen)}
	}

	header := make([]byte, headerLen)
	if _, err := r.ReadAt(header, HeaderPrefixSize); err != nil {
		return nil, &FormatError{Reason: "failed to read header", Err: err}
	}

	raw := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(header, raw); err != nil {
		return nil, &FormatError{Reason: "header is not a valid JSON object", Err: err}
	}

	dataStart := int64(HeaderPrefixSize) + int64(headerLen)
	f := &File{tensors: make(map[string]*Tensor, raw.Len())}

	for pair := raw.Oldest(); pair != nil; pair = pair.Next() {
		var entry headerEntry
		if err := json.Unmarshal(pair.Value, &entry); err != nil {
			// __metadata__ and friends are not tensor descriptors
			continue
		}

		var offsets []int64
		if len(entry.DataOffsets) == 0 || json.Unmarshal(entry.DataOffsets, &offsets) != nil || len(offsets) != 2 {
			continue
		}

		t, err := readTensor(r, pair.Key, entry, offsets[0], offsets[1], dataStart, size)
		if err != nil {
			return nil, err
		}

		f.tensors[pair.Key] = t
		f.order = append(f.order, pair.Key)
	}

	return f, nil
}

func readTensor(r io.ReaderAt, name string, entry headerEntry, start, end, dataStart, size int64) (*Tensor, error) {
	dtype, err := ParseDType(entry.DType)
	if err != nil {
		return nil, &FormatError{Reason: fmt.Sprintf("tensor %q", name), Err: err}
	}

	if start < 0 || end < start || dataStart+end > size {
		return nil, &FormatError{Reason: fmt.Sprintf("tensor %q has out of range data_offsets [%d, %d]", name, start, end)}
	}

	shape := entry.Shape
	if shape == nil {
		shape = []int64{}
	}

	want := elementCount(shape) * int64(dtype.Size())
	if want != end-start {
		return nil, &FormatError{Reason: fmt.Sprintf("tensor %q holds %d bytes, shape %v of %s needs %d", name, end-start, shape, dtype, want)}
	}

	data := make([]byte, end-start)
	if len(data) > 0 {
		if _, err := r.ReadAt(data, dataStart+start); err != nil {
			return nil, &FormatError{Reason: fmt.Sprintf("failed to read tensor %q", name), Err: err}
		}
	}

	return &Tensor{
		Name:  name,
		DType: dtype,
		Shape: shape,
		Data:  data,
	}, nil
}
