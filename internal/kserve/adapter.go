package kserve

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"MealLens/internal/config"
	"MealLens/internal/runtime"
	"MealLens/internal/tensor"
)

func init() {
	runtime.Register("kserve", func(cfg config.RuntimeConfig) (runtime.Adapter, error) {
		return NewAdapter(cfg.KServe)
	})
}

const retryBackoff = 250 * time.Millisecond

// Adapter bridges the runtime interface with an Open Inference Protocol
// server hosting the vision-language model.
type Adapter struct {
	client *Client
	cfg    config.KServeConfig

	mu   sync.Mutex
	info *runtime.ModelInfo
}

// NewAdapter validates cfg and constructs an adapter. No network traffic
// happens until Info or Generate is called.
func NewAdapter(cfg config.KServeConfig) (*Adapter, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("kserve: backend requires base_url")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("kserve: invalid base_url %q: %w", baseURL, err)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("kserve: backend requires a model name")
	}
	if cfg.DType != "" {
		if _, err := tensor.ParseDType(cfg.DType); err != nil {
			return nil, fmt.Errorf("kserve: %w", err)
		}
	}
	if cfg.PixelInput == "" {
		cfg.PixelInput = "pixel_values"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "output_ids"
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Adapter{
		client: NewClientWithTimeout(baseURL, cfg.TimeoutDuration()),
		cfg:    cfg,
	}, nil
}

// Name returns the adapter label.
func (a *Adapter) Name() string { return "kserve" }

// Close releases underlying resources.
func (a *Adapter) Close() error {
	a.client.httpClient.CloseIdleConnections()
	return nil
}

// Info resolves where the model lives and which precision it expects. The
// server is asked once; configured device and dtype take precedence over
// what it reports.
func (a *Adapter) Info(ctx context.Context) (runtime.ModelInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.info != nil {
		return *a.info, nil
	}

	if err := a.client.Ready(ctx); err != nil {
		return runtime.ModelInfo{}, fmt.Errorf("kserve: server not ready: %w", err)
	}
	meta, err := a.client.Metadata(ctx, a.cfg.Model, a.cfg.Version)
	if err != nil {
		return runtime.ModelInfo{}, fmt.Errorf("kserve: model metadata: %w", err)
	}

	info := runtime.ModelInfo{
		Name:    meta.Name,
		Version: a.cfg.Version,
		DType:   tensor.FP32,
		Device:  tensor.CPU,
	}
	if info.Name == "" {
		info.Name = a.cfg.Model
	}
	if info.Version == "" && len(meta.Versions) > 0 {
		info.Version = meta.Versions[len(meta.Versions)-1]
	}

	if a.cfg.DType != "" {
		info.DType, _ = tensor.ParseDType(a.cfg.DType)
	} else {
		for _, in := range meta.Inputs {
			if in.Name != a.cfg.PixelInput {
				continue
			}
			dt, err := tensor.ParseDType(in.Datatype)
			if err != nil {
				return runtime.ModelInfo{}, fmt.Errorf("kserve: input %s: %w", in.Name, err)
			}
			info.DType = dt
		}
	}

	if a.cfg.Device != "" {
		info.Device = tensor.ParseDevice(a.cfg.Device)
	} else {
		mc, err := a.client.Config(ctx, a.cfg.Model, a.cfg.Version)
		switch {
		case err == nil:
			info.Device = deviceOf(mc)
		case IsNotFound(err):
		default:
			return runtime.ModelInfo{}, fmt.Errorf("kserve: model config: %w", err)
		}
	}

	a.info = &info
	return info, nil
}

func deviceOf(mc ModelConfig) tensor.Device {
	for _, g := range mc.InstanceGroup {
		if strings.EqualFold(g.Kind, "KIND_GPU") {
			if len(g.GPUs) > 0 {
				return tensor.Device(fmt.Sprintf("cuda:%d", g.GPUs[0]))
			}
			return tensor.ParseDevice("gpu")
		}
	}
	return tensor.CPU
}

// Generate performs one greedy generation. The pixel tensor must already
// match the model's device and dtype.
func (a *Adapter) Generate(ctx context.Context, req runtime.Request) (runtime.Response, error) {
	if req.Pixels == nil {
		return runtime.Response{}, fmt.Errorf("kserve: request has no pixel tensor")
	}
	if len(req.AttentionMask) != len(req.InputIDs) {
		return runtime.Response{}, fmt.Errorf("kserve: attention mask has %d entries for %d ids", len(req.AttentionMask), len(req.InputIDs))
	}
	info, err := a.Info(ctx)
	if err != nil {
		return runtime.Response{}, err
	}
	if req.Pixels.Device != info.Device || req.Pixels.DType != info.DType {
		return runtime.Response{}, fmt.Errorf("kserve: pixel tensor is %s/%s, model expects %s/%s",
			req.Pixels.Device, req.Pixels.DType, info.Device, info.DType)
	}

	inferReq, payload := a.buildRequest(req)

	start := time.Now()
	var resp InferResponse
	for attempt := 1; ; attempt++ {
		resp, err = a.client.Infer(ctx, a.cfg.Model, a.cfg.Version, inferReq, payload)
		if err == nil || attempt >= a.cfg.MaxAttempts || !retryable(ctx, err) {
			break
		}
		select {
		case <-ctx.Done():
			return runtime.Response{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	if err != nil {
		return runtime.Response{}, fmt.Errorf("kserve: infer: %w", err)
	}

	out, ok := resp.Output(a.cfg.OutputName)
	if !ok {
		if len(resp.Outputs) != 1 {
			return runtime.Response{}, fmt.Errorf("kserve: response has no output %q", a.cfg.OutputName)
		}
		out = resp.Outputs[0]
	}
	ids64, err := out.Int64s()
	if err != nil {
		return runtime.Response{}, err
	}
	ids := make([]int32, len(ids64))
	for i, v := range ids64 {
		ids[i] = int32(v)
	}

	stats := runtime.Stats{
		TokensEvaluated: len(req.InputIDs),
		TokensGenerated: len(ids),
		Duration:        time.Since(start),
	}
	if ms, ok := numberParam(resp.Parameters, "generation_ms"); ok {
		stats.DeviceTime = time.Duration(ms * float64(time.Millisecond))
	}
	finish, _ := resp.Parameters["finish_reason"].(string)

	return runtime.Response{OutputIDs: ids, Stats: stats, Finish: finish}, nil
}

func (a *Adapter) buildRequest(req runtime.Request) (InferRequest, []byte) {
	n := int64(len(req.InputIDs))
	ids := make([]int64, len(req.InputIDs))
	for i, v := range req.InputIDs {
		ids[i] = int64(v)
	}
	mask := make([]int64, len(req.AttentionMask))
	for i, v := range req.AttentionMask {
		mask[i] = int64(v)
	}

	pixels := InputTensor{
		Name:     a.cfg.PixelInput,
		Shape:    req.Pixels.Shape,
		Datatype: string(req.Pixels.DType),
	}
	var payload []byte
	if a.cfg.UseBinaryData() {
		payload = req.Pixels.Bytes()
		pixels.Parameters = map[string]any{"binary_data_size": len(payload)}
	} else {
		pixels.Data = req.Pixels.Float32()
	}

	maxNew := req.Options.MaxNewTokens
	if maxNew <= 0 {
		maxNew = 512
	}

	return InferRequest{
		Parameters: map[string]any{
			"max_new_tokens": maxNew,
			"eos_token_id":   req.Options.EOSTokenID,
			"pad_token_id":   req.Options.PadTokenID,
			"do_sample":      false,
		},
		Inputs: []InputTensor{
			{Name: "input_ids", Shape: []int64{1, n}, Datatype: "INT64", Data: ids},
			{Name: "attention_mask", Shape: []int64{1, n}, Datatype: "INT64", Data: mask},
			pixels,
		},
		Outputs: []RequestedOutput{
			{Name: a.cfg.OutputName, Parameters: map[string]any{"binary_data": false}},
		},
	}, payload
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var ue *url.Error
	return errors.As(err, &ue)
}
