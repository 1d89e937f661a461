package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType names an element type using the Open Inference Protocol spelling.
type DType string

const (
	FP32 DType = "FP32"
	FP16 DType = "FP16"
	BF16 DType = "BF16"
)

// ErrUnsupportedDType is returned when a tensor is asked to hold an element
// type it cannot encode.
var ErrUnsupportedDType = errors.New("tensor: unsupported dtype")

// ParseDType accepts protocol names (FP16) as well as framework names
// (float16, torch.bfloat16, half).
func ParseDType(s string) (DType, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "torch.")
	v = strings.TrimPrefix(v, "type_")
	switch v {
	case "fp32", "float32", "float", "":
		return FP32, nil
	case "fp16", "float16", "half":
		return FP16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedDType, s)
}

// Size returns the byte width of one element.
func (d DType) Size() int {
	switch d {
	case FP32:
		return 4
	case FP16, BF16:
		return 2
	}
	return 0
}

// Device identifies where a tensor's storage is expected to live.
type Device string

// CPU is the default placement.
const CPU Device = "cpu"

// ParseDevice normalises "KIND_GPU", "gpu", "cuda:1" and friends.
func ParseDevice(s string) Device {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "kind_")
	switch {
	case v == "" || v == "cpu" || v == "auto":
		return CPU
	case v == "gpu" || v == "cuda":
		return Device("cuda:0")
	case strings.HasPrefix(v, "gpu:"):
		return Device("cuda:" + strings.TrimPrefix(v, "gpu:"))
	}
	return Device(v)
}

// Tensor is a dense little-endian buffer with a shape, element type and a
// placement tag.
type Tensor struct {
	Shape  []int64
	DType  DType
	Device Device
	data   []byte
}

// FromFloat32 wraps values as an FP32 CPU tensor. The element count must
// match the shape.
func FromFloat32(shape []int64, values []float32) (*Tensor, error) {
	if n := NumElements(shape); n != int64(len(values)) {
		return nil, fmt.Errorf("tensor: shape %v holds %d elements, got %d", shape, n, len(values))
	}
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return &Tensor{Shape: append([]int64(nil), shape...), DType: FP32, Device: CPU, data: buf}, nil
}

// NumElements multiplies the dimensions of shape.
func NumElements(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len returns the element count.
func (t *Tensor) Len() int {
	return int(NumElements(t.Shape))
}

// Bytes returns the raw little-endian storage.
func (t *Tensor) Bytes() []byte {
	return t.data
}

// Float32 decodes the storage back into float32 values.
func (t *Tensor) Float32() []float32 {
	switch t.DType {
	case FP16:
		out := make([]float32, len(t.data)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.data[2*i:])).Float32()
		}
		return out
	case BF16:
		return bfloat16.DecodeFloat32(t.data)
	default:
		out := make([]float32, len(t.data)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.data[4*i:]))
		}
		return out
	}
}

// To returns a tensor converted to dtype and tagged for device. The receiver
// is left untouched; when nothing changes it is returned as is.
func (t *Tensor) To(device Device, dtype DType) (*Tensor, error) {
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDType, dtype)
	}
	if device == "" {
		device = CPU
	}
	if t.DType == dtype && t.Device == device {
		return t, nil
	}

	out := &Tensor{Shape: append([]int64(nil), t.Shape...), DType: dtype, Device: device}
	if t.DType == dtype {
		out.data = t.data
		return out, nil
	}

	values := t.Float32()
	switch dtype {
	case FP32:
		out.data = make([]byte, 4*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint32(out.data[4*i:], math.Float32bits(v))
		}
	case FP16:
		out.data = make([]byte, 2*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint16(out.data[2*i:], float16.Fromfloat32(v).Bits())
		}
	case BF16:
		out.data = bfloat16.EncodeFloat32(values)
	}
	return out, nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s)", t.Shape, t.DType, t.Device)
}
