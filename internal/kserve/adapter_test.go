package kserve

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"MealLens/internal/config"
	"MealLens/internal/runtime"
	"MealLens/internal/tensor"
)

type fakeServer struct {
	dtype      string
	gpu        bool
	failInfers int32

	infers  atomic.Int32
	header  InferRequest
	payload []byte
	ctype   string
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/health/ready", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("GET /v2/models/rtqvlm", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ModelMetadata{
			Name:     "rtqvlm",
			Versions: []string{"1", "2"},
			Platform: "python",
			Inputs: []TensorMetadata{
				{Name: "input_ids", Datatype: "INT64", Shape: []int64{1, -1}},
				{Name: "pixel_values", Datatype: f.dtype, Shape: []int64{1, 3, -1, -1}},
			},
		})
	})
	mux.HandleFunc("GET /v2/models/rtqvlm/config", func(w http.ResponseWriter, r *http.Request) {
		if !f.gpu {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(ModelConfig{
			Name:          "rtqvlm",
			InstanceGroup: []InstanceGroup{{Kind: "KIND_GPU", Count: 1, GPUs: []int{1}}},
		})
	})
	mux.HandleFunc("POST /v2/models/rtqvlm/infer", func(w http.ResponseWriter, r *http.Request) {
		if f.infers.Add(1) <= f.failInfers {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(errorResponse{Error: "model warming up"})
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		f.ctype = r.Header.Get("Content-Type")
		jsonPart := body
		if h := r.Header.Get(headerLength); h != "" {
			n, _ := strconv.Atoi(h)
			jsonPart, f.payload = body[:n], body[n:]
		}
		if err := json.Unmarshal(jsonPart, &f.header); err != nil {
			t.Errorf("decode header: %v", err)
		}
		w.Write([]byte(`{"model_name":"rtqvlm","parameters":{"generation_ms":12.5,"finish_reason":"eos"},` +
			`"outputs":[{"name":"output_ids","datatype":"INT64","shape":[1,3],"data":[[7,8,2]]}]}`))
	})
	return mux
}

func newTestAdapter(t *testing.T, f *fakeServer, mutate func(*config.KServeConfig)) *Adapter {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	cfg := config.Default().Runtime.KServe
	cfg.BaseURL = srv.URL
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := NewAdapter(cfg)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewAdapterValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.KServeConfig
		want string
	}{
		{"missing url", config.KServeConfig{Model: "m"}, "requires base_url"},
		{"missing model", config.KServeConfig{BaseURL: "http://localhost:8000"}, "model name"},
		{"bad dtype", config.KServeConfig{BaseURL: "http://localhost:8000", Model: "m", DType: "int8"}, "unsupported dtype"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAdapter(tc.cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("NewAdapter() error = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestRegistered(t *testing.T) {
	if _, ok := runtime.DefaultRegistry["kserve"]; !ok {
		t.Fatal("kserve backend is not registered")
	}
}

func TestInfo(t *testing.T) {
	t.Run("reads dtype from metadata and device from config", func(t *testing.T) {
		a := newTestAdapter(t, &fakeServer{dtype: "FP16", gpu: true}, nil)
		info, err := a.Info(context.Background())
		if err != nil {
			t.Fatalf("Info: %v", err)
		}
		want := runtime.ModelInfo{Name: "rtqvlm", Version: "2", DType: tensor.FP16, Device: "cuda:1"}
		if diff := cmp.Diff(want, info); diff != "" {
			t.Errorf("Info mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("missing config extension means cpu", func(t *testing.T) {
		a := newTestAdapter(t, &fakeServer{dtype: "FP32"}, nil)
		info, err := a.Info(context.Background())
		if err != nil {
			t.Fatalf("Info: %v", err)
		}
		if info.Device != tensor.CPU || info.DType != tensor.FP32 {
			t.Errorf("Info() = %+v", info)
		}
	})

	t.Run("configured placement wins", func(t *testing.T) {
		a := newTestAdapter(t, &fakeServer{dtype: "FP32", gpu: true}, func(c *config.KServeConfig) {
			c.Device = "cpu"
			c.DType = "bfloat16"
		})
		info, err := a.Info(context.Background())
		if err != nil {
			t.Fatalf("Info: %v", err)
		}
		if info.Device != tensor.CPU || info.DType != tensor.BF16 {
			t.Errorf("Info() = %+v", info)
		}
	})
}

func pixels(t *testing.T, dtype tensor.DType, device tensor.Device) *tensor.Tensor {
	t.Helper()
	values := make([]float32, 3*2*2)
	for i := range values {
		values[i] = float32(i) / 4
	}
	px, err := tensor.FromFloat32([]int64{1, 3, 2, 2}, values)
	if err != nil {
		t.Fatal(err)
	}
	px, err = px.To(device, dtype)
	if err != nil {
		t.Fatal(err)
	}
	return px
}

func TestGenerate(t *testing.T) {
	t.Run("binary pixels", func(t *testing.T) {
		f := &fakeServer{dtype: "FP16", gpu: true}
		a := newTestAdapter(t, f, nil)
		px := pixels(t, tensor.FP16, "cuda:1")

		resp, err := a.Generate(context.Background(), runtime.Request{
			InputIDs:      []int32{5, -200, 6},
			AttentionMask: []int32{1, 1, 1},
			Pixels:        px,
			Options:       runtime.GenerationOptions{MaxNewTokens: 64, EOSTokenID: 2, PadTokenID: 2},
		})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if diff := cmp.Diff([]int32{7, 8, 2}, resp.OutputIDs); diff != "" {
			t.Errorf("OutputIDs mismatch (-want +got):\n%s", diff)
		}
		if resp.Finish != "eos" || resp.Stats.DeviceTime.Milliseconds() != 12 || resp.Stats.TokensEvaluated != 3 {
			t.Errorf("unexpected response metadata: %+v", resp)
		}
		if f.ctype != "application/octet-stream" {
			t.Errorf("Content-Type = %q", f.ctype)
		}
		if diff := cmp.Diff(px.Bytes(), f.payload); diff != "" {
			t.Errorf("binary payload mismatch (-want +got):\n%s", diff)
		}
		if got := f.header.Inputs[0]; got.Name != "input_ids" || got.Datatype != "INT64" {
			t.Errorf("first input = %+v", got)
		}
		if got := f.header.Inputs[2]; got.Datatype != "FP16" || got.Data != nil {
			t.Errorf("pixel input = %+v", got)
		}
		if f.header.Parameters["max_new_tokens"] != float64(64) || f.header.Parameters["do_sample"] != false {
			t.Errorf("parameters = %v", f.header.Parameters)
		}
	})

	t.Run("json pixels", func(t *testing.T) {
		f := &fakeServer{dtype: "FP32"}
		a := newTestAdapter(t, f, func(c *config.KServeConfig) {
			off := false
			c.BinaryData = &off
		})
		_, err := a.Generate(context.Background(), runtime.Request{
			InputIDs:      []int32{-200},
			AttentionMask: []int32{1},
			Pixels:        pixels(t, tensor.FP32, tensor.CPU),
		})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if f.ctype != "application/json" || len(f.payload) != 0 {
			t.Errorf("Content-Type = %q, payload = %d bytes", f.ctype, len(f.payload))
		}
		data, ok := f.header.Inputs[2].Data.([]any)
		if !ok || len(data) != 12 {
			t.Errorf("pixel data = %v", f.header.Inputs[2].Data)
		}
	})

	t.Run("retries unavailable server", func(t *testing.T) {
		f := &fakeServer{dtype: "FP32", failInfers: 1}
		a := newTestAdapter(t, f, nil)
		_, err := a.Generate(context.Background(), runtime.Request{
			InputIDs:      []int32{-200},
			AttentionMask: []int32{1},
			Pixels:        pixels(t, tensor.FP32, tensor.CPU),
		})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if got := f.infers.Load(); got != 2 {
			t.Errorf("infer calls = %d, want 2", got)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		f := &fakeServer{dtype: "FP32", failInfers: 5}
		a := newTestAdapter(t, f, nil)
		_, err := a.Generate(context.Background(), runtime.Request{
			InputIDs:      []int32{-200},
			AttentionMask: []int32{1},
			Pixels:        pixels(t, tensor.FP32, tensor.CPU),
		})
		if err == nil || !strings.Contains(err.Error(), "model warming up") {
			t.Fatalf("Generate() error = %v", err)
		}
	})

	t.Run("rejects misaligned pixels", func(t *testing.T) {
		a := newTestAdapter(t, &fakeServer{dtype: "FP16", gpu: true}, nil)
		_, err := a.Generate(context.Background(), runtime.Request{
			InputIDs:      []int32{-200},
			AttentionMask: []int32{1},
			Pixels:        pixels(t, tensor.FP32, tensor.CPU),
		})
		if err == nil || !strings.Contains(err.Error(), "model expects cuda:1/FP16") {
			t.Fatalf("Generate() error = %v", err)
		}
	})
}

func TestDecodeBinaryOutput(t *testing.T) {
	header := []byte(`{"model_name":"m","outputs":[{"name":"output_ids","datatype":"INT32","shape":[2],"parameters":{"binary_data_size":8}}]}`)
	body := append(append([]byte{}, header...), 3, 0, 0, 0, 0xff, 0xff, 0xff, 0xff)

	resp, err := decodeInferResponse(body, strconv.Itoa(len(header)))
	if err != nil {
		t.Fatalf("decodeInferResponse: %v", err)
	}
	out, _ := resp.Output("output_ids")
	ids, err := out.Int64s()
	if err != nil {
		t.Fatalf("Int64s: %v", err)
	}
	if diff := cmp.Diff([]int64{3, -1}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
}
