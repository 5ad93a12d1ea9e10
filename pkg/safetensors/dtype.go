package safetensors

import "fmt"

// DType is the element type of a tensor as declared in a safetensors header.
type DType int

const (
	DTypeInvalid DType = iota
	BOOL
	U8
	I8
	I16
	U16
	F16
	BF16
	I32
	U32
	F32
	F64
	I64
	U64
	F8E4M3
	F8E5M2
)

var dtypeNames = map[DType]string{
	BOOL:   "BOOL",
	U8:     "U8",
	I8:     "I8",
	I16:    "I16",
	U16:    "U16",
	F16:    "F16",
	BF16:   "BF16",
	I32:    "I32",
	U32:    "U32",
	F32:    "F32",
	F64:    "F64",
	I64:    "I64",
	U64:    "U64",
	F8E4M3: "F8_E4M3",
	F8E5M2: "F8_E5M2",
}

var dtypeByName = func() map[string]DType {
	m := make(map[string]DType, len(dtypeNames))
	for dt, name := range dtypeNames {
		m[name] = dt
	}
	return m
}()

// ParseDType maps a header dtype string to a DType.
func ParseDType(s string) (DType, error) {
	dt, ok := dtypeByName[s]
	if !ok {
		return DTypeInvalid, fmt.Errorf("unknown dtype %q", s)
	}
	return dt, nil
}

func (dt DType) String() string {
	if name, ok := dtypeNames[dt]; ok {
		return name
	}
	return fmt.Sprintf("DType(%d)", int(dt))
}

// Size returns the element width in bytes, or 0 for an invalid dtype.
func (dt DType) Size() int {
	switch dt {
	case BOOL, U8, I8, F8E4M3, F8E5M2:
		return 1
	case I16, U16, F16, BF16:
		return 2
	case I32, U32, F32:
		return 4
	case I64, U64, F64:
		return 8
	default:
		return 0
	}
}

func (dt DType) MarshalText() ([]byte, error) {
	name, ok := dtypeNames[dt]
	if !ok {
		return nil, fmt.Errorf("cannot marshal invalid dtype %d", int(dt))
	}
	return []byte(name), nil
}

func (dt *DType) UnmarshalText(text []byte) error {
	parsed, err := ParseDType(string(text))
	if err != nil {
		return err
	}
	*dt = parsed
	return nil
}
