// Package modeltest builds throwaway model directories and a scripted
// runtime adapter for tests.
package modeltest

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"MealLens/internal/config"
	"MealLens/internal/runtime"
	"MealLens/internal/tensor"
)

// Token ids of the fixture vocabulary. Plain bytes map to their own value.
const (
	ImStart int32 = 256
	ImEnd   int32 = 257
	EOS           = ImEnd
)

const chatMLJinja = "{% for message in messages %}{% if loop.first and messages[0]['role'] != 'system' %}" +
	"{{ '<|im_start|>system\nYou are a helpful assistant.<|im_end|>\n' }}{% endif %}" +
	"{{'<|im_start|>' + message['role'] + '\n' + message['content'] + '<|im_end|>' + '\n'}}{% endfor %}" +
	"{% if add_generation_prompt %}{{ '<|im_start|>assistant\n' }}{% endif %}"

// byteRunes reproduces the GPT-2 byte-to-unicode table.
func byteRunes() [256]rune {
	var table [256]rune
	n := 0
	for b := 0; b < 256; b++ {
		switch {
		case b >= '!' && b <= '~', b >= 0xA1 && b <= 0xAC, b >= 0xAE && b <= 0xFF:
			table[b] = rune(b)
		default:
			table[b] = rune(256 + n)
			n++
		}
	}
	return table
}

// WriteDir creates a model directory holding a byte-level tokenizer with
// ChatML special tokens, a ChatML chat template and an 8x8 processor.
func WriteDir(t testing.TB) string {
	t.Helper()
	dir := t.TempDir()

	table := byteRunes()
	vocab := make(map[string]int32, 258)
	for b, r := range table {
		vocab[string(r)] = int32(b)
	}
	files := map[string]any{
		"tokenizer.json": map[string]any{
			"model": map[string]any{"type": "BPE", "vocab": vocab, "merges": []string{}},
			"added_tokens": []map[string]any{
				{"id": ImStart, "content": "<|im_start|>", "special": true},
				{"id": ImEnd, "content": "<|im_end|>", "special": true},
			},
		},
		"tokenizer_config.json": map[string]any{
			"eos_token":     "<|im_end|>",
			"add_bos_token": false,
			"chat_template": chatMLJinja,
		},
		"preprocessor_config.json": map[string]any{
			"do_resize":      true,
			"size":           map[string]int{"height": 8, "width": 8},
			"resample":       3,
			"do_rescale":     true,
			"rescale_factor": 1.0 / 255,
			"do_normalize":   true,
			"image_mean":     []float64{0.5, 0.5, 0.5},
			"image_std":      []float64{0.5, 0.5, 0.5},
		},
	}
	for name, doc := range files {
		data, err := json.Marshal(doc)
		if err != nil {
			t.Fatalf("marshal %s: %v", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

// Encode returns the fixture ids of plain text.
func Encode(s string) []int32 {
	ids := make([]int32, len(s))
	for i := 0; i < len(s); i++ {
		ids[i] = int32(s[i])
	}
	return ids
}

// Config returns defaults pointed at dir and the "scripted" backend.
func Config(dir string) config.Config {
	cfg := config.Default()
	cfg.Model.Path = dir
	cfg.Runtime.Backend = "scripted"
	return cfg
}

// PNG encodes a w x h opaque image.
func PNG(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 16), G: uint8(y * 16), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// Adapter is a runtime.Adapter whose replies are scripted by Reply.
type Adapter struct {
	ModelInfo runtime.ModelInfo
	InfoErr   error
	// Reply produces the response for a request. When nil, the adapter
	// answers with Text followed by EOS.
	Reply func(ctx context.Context, req runtime.Request) (runtime.Response, error)
	Text  string

	Calls  atomic.Int32
	Closed atomic.Bool

	mu   sync.Mutex
	last runtime.Request
}

// NewAdapter returns an adapter that reports an FP32 CPU model and replies
// with text.
func NewAdapter(text string) *Adapter {
	return &Adapter{
		ModelInfo: runtime.ModelInfo{Name: "fixture", DType: tensor.FP32, Device: tensor.CPU},
		Text:      text,
	}
}

// Registry registers a under the "scripted" backend.
func (a *Adapter) Registry() runtime.Registry {
	return runtime.Registry{
		"scripted": func(config.RuntimeConfig) (runtime.Adapter, error) { return a, nil },
	}
}

func (a *Adapter) Name() string { return "scripted" }

func (a *Adapter) Info(context.Context) (runtime.ModelInfo, error) {
	if a.InfoErr != nil {
		return runtime.ModelInfo{}, a.InfoErr
	}
	return a.ModelInfo, nil
}

func (a *Adapter) Generate(ctx context.Context, req runtime.Request) (runtime.Response, error) {
	a.Calls.Add(1)
	a.mu.Lock()
	a.last = req
	a.mu.Unlock()
	if a.Reply != nil {
		return a.Reply(ctx, req)
	}
	return runtime.Response{OutputIDs: append(Encode(a.Text), EOS)}, nil
}

func (a *Adapter) Close() error {
	a.Closed.Store(true)
	return nil
}

// LastRequest returns the most recent Generate request.
func (a *Adapter) LastRequest() runtime.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}
