package tensor

import (
	"errors"
	"math"
	"testing"
)

func TestParseDType(t *testing.T) {
	tests := []struct {
		in   string
		want DType
	}{
		{"FP32", FP32},
		{"torch.float16", FP16},
		{"half", FP16},
		{"bfloat16", BF16},
		{"TYPE_BF16", BF16},
		{"", FP32},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDType(tt.in)
			if err != nil {
				t.Fatalf("ParseDType(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseDType(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}

	if _, err := ParseDType("int8"); !errors.Is(err, ErrUnsupportedDType) {
		t.Errorf("ParseDType(int8) error = %v, want ErrUnsupportedDType", err)
	}
}

func TestParseDevice(t *testing.T) {
	tests := map[string]Device{
		"":         CPU,
		"KIND_CPU": CPU,
		"KIND_GPU": "cuda:0",
		"gpu:1":    "cuda:1",
		"cuda:2":   "cuda:2",
	}
	for in, want := range tests {
		if got := ParseDevice(in); got != want {
			t.Errorf("ParseDevice(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFromFloat32ShapeMismatch(t *testing.T) {
	if _, err := FromFloat32([]int64{1, 3, 2, 2}, make([]float32, 5)); err == nil {
		t.Fatal("expected error for mismatched shape")
	}
}

func TestToConvertsDType(t *testing.T) {
	values := []float32{0, 1, -2.5, 0.333333, 1024}
	src, err := FromFloat32([]int64{1, 5}, values)
	if err != nil {
		t.Fatalf("FromFloat32: %v", err)
	}

	tests := []struct {
		dtype DType
		width int
		tol   float64
	}{
		{FP32, 4, 0},
		{FP16, 2, 1e-3},
		{BF16, 2, 1e-2},
	}
	for _, tt := range tests {
		t.Run(string(tt.dtype), func(t *testing.T) {
			got, err := src.To("cuda:0", tt.dtype)
			if err != nil {
				t.Fatalf("To: %v", err)
			}
			if got.DType != tt.dtype || got.Device != "cuda:0" {
				t.Fatalf("got %s, want dtype %s on cuda:0", got, tt.dtype)
			}
			if len(got.Bytes()) != tt.width*len(values) {
				t.Fatalf("byte length = %d, want %d", len(got.Bytes()), tt.width*len(values))
			}
			for i, v := range got.Float32() {
				if diff := math.Abs(float64(v - values[i])); diff > tt.tol*math.Max(1, math.Abs(float64(values[i]))) {
					t.Errorf("element %d = %v, want ~%v", i, v, values[i])
				}
			}
		})
	}

	if src.DType != FP32 || src.Device != CPU {
		t.Errorf("source tensor mutated: %s", src)
	}
}

func TestToSamePlacementIsNoop(t *testing.T) {
	src, _ := FromFloat32([]int64{2}, []float32{1, 2})
	got, err := src.To(CPU, FP32)
	if err != nil {
		t.Fatalf("To: %v", err)
	}
	if got != src {
		t.Error("expected the same tensor back")
	}
	if _, err := src.To(CPU, DType("INT8")); !errors.Is(err, ErrUnsupportedDType) {
		t.Errorf("To(INT8) error = %v, want ErrUnsupportedDType", err)
	}
}
