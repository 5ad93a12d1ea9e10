package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Tensor is a named, typed, shaped block of raw little-endian bytes.
type Tensor struct {
	Name  string
	DType DType
	Shape []int64
	Data  []byte
}

// Encoded is the JSON form of a tensor inside a chunk file; Data is base64 on the wire.
type Encoded struct {
	DType DType   `json:"dtype"`
	Shape []int64 `json:"shape"`
	Data  []byte  `json:"data"`
}

// NumElements returns the product of the shape; a scalar has one element.
func (t *Tensor) NumElements() int64 {
	return elementCount(t.Shape)
}

func (t *Tensor) Encode() Encoded {
	shape := t.Shape
	if shape == nil {
		shape = []int64{}
	}
	return Encoded{DType: t.DType, Shape: shape, Data: t.Data}
}

// MarshalEntry returns the chunk-file JSON value for the tensor.
func (t *Tensor) MarshalEntry() ([]byte, error) {
	return json.Marshal(t.Encode())
}

// Decode turns a chunk-file entry back into a tensor, checking the payload against the shape.
func Decode(name string, e Encoded) (*Tensor, error) {
	if e.DType.Size() == 0 {
		return nil, &FormatError{Reason: fmt.Sprintf("tensor %q has invalid dtype", name)}
	}
	shape := e.Shape
	if shape == nil {
		shape = []int64{}
	}
	if want := elementCount(shape) * int64(e.DType.Size()); want != int64(len(e.Data)) {
		return nil, &FormatError{Reason: fmt.Sprintf("tensor %q holds %d bytes, shape %v of %s needs %d", name, len(e.Data), shape, e.DType, want)}
	}
	return &Tensor{Name: name, DType: e.DType, Shape: shape, Data: e.Data}, nil
}

// Float32s widens floating point payloads to float32.
func (t *Tensor) Float32s() ([]float32, error) {
	n := int(t.NumElements())
	switch t.DType {
	case F32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
		return out, nil
	case F16:
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[i*2:])).Float32()
		}
		return out, nil
	case BF16:
		return bfloat16.DecodeFloat32(t.Data), nil
	case F64:
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(t.Data[i*8:])))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("tensor %q: dtype %s is not a float type", t.Name, t.DType)
	}
}

// Stats summarizes the values of a float tensor.
type Stats struct {
	Count int
	Min   float64
	Max   float64
	Mean  float64
}

func (t *Tensor) Stats() (Stats, error) {
	values, err := t.Float32s()
	if err != nil {
		return Stats{}, err
	}
	if len(values) == 0 {
		return Stats{}, nil
	}

	st := Stats{Count: len(values), Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, v := range values {
		f := float64(v)
		st.Min = math.Min(st.Min, f)
		st.Max = math.Max(st.Max, f)
		sum += f
	}
	st.Mean = sum / float64(len(values))
	return st, nil
}

func elementCount(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}
