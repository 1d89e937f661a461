package runtime

import (
	"context"
	"errors"
	"time"

	"MealLens/internal/tensor"
)

// ErrNoAdapter is returned by a Manager without a backend.
var ErrNoAdapter = errors.New("runtime: no adapter configured")

// Request is one multimodal generation call. InputIDs carries exactly one
// image sentinel marking where Pixels are injected.
type Request struct {
	InputIDs      []int32
	AttentionMask []int32
	Pixels        *tensor.Tensor
	Options       GenerationOptions
}

// GenerationOptions bounds decoding. Sampling is always greedy.
type GenerationOptions struct {
	MaxNewTokens int
	EOSTokenID   int32
	PadTokenID   int32
}

// Response contains the generated token ids plus optional statistics.
type Response struct {
	OutputIDs []int32
	Stats     Stats
	Finish    string
}

// Stats summarises runtime execution characteristics.
type Stats struct {
	TokensEvaluated int
	TokensGenerated int
	// Duration is the wall-clock time of the call as seen by the client.
	Duration time.Duration
	// DeviceTime is the compute time reported by the backend, zero when the
	// backend does not report it.
	DeviceTime time.Duration
}

// ModelInfo describes where and in which precision the model's parameters
// live. Pixel tensors are aligned to it before generation.
type ModelInfo struct {
	Name    string
	Version string
	DType   tensor.DType
	Device  tensor.Device
}

// Adapter is the contract runtime backends must implement.
type Adapter interface {
	Name() string
	Info(ctx context.Context) (ModelInfo, error)
	Generate(ctx context.Context, req Request) (Response, error)
	Close() error
}
