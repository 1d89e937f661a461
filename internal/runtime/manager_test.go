package runtime

import (
	"context"
	"errors"
	"testing"

	"MealLens/internal/config"
	"MealLens/internal/tensor"
)

type stubAdapter struct {
	closed bool
	req    Request
}

func (s *stubAdapter) Name() string { return "stub" }

func (s *stubAdapter) Info(context.Context) (ModelInfo, error) {
	return ModelInfo{Name: "m", DType: tensor.FP16, Device: "cuda:0"}, nil
}

func (s *stubAdapter) Generate(_ context.Context, req Request) (Response, error) {
	s.req = req
	return Response{OutputIDs: []int32{1, 2}}, nil
}

func (s *stubAdapter) Close() error {
	s.closed = true
	return nil
}

func TestNewManager(t *testing.T) {
	stub := &stubAdapter{}
	registry := Registry{
		"stub": func(config.RuntimeConfig) (Adapter, error) { return stub, nil },
		"bad":  func(config.RuntimeConfig) (Adapter, error) { return nil, errors.New("no server") },
	}

	t.Run("resolves backend case-insensitively", func(t *testing.T) {
		mgr, err := NewManager(config.RuntimeConfig{Backend: " STUB "}, registry)
		if err != nil {
			t.Fatalf("NewManager: %v", err)
		}
		if mgr.Backend() != "stub" {
			t.Errorf("Backend() = %q", mgr.Backend())
		}
		info, err := mgr.Info(context.Background())
		if err != nil || info.DType != tensor.FP16 {
			t.Errorf("Info() = %+v, %v", info, err)
		}
		resp, err := mgr.Generate(context.Background(), Request{InputIDs: []int32{5, -200, 6}})
		if err != nil || len(resp.OutputIDs) != 2 {
			t.Errorf("Generate() = %+v, %v", resp, err)
		}
		if len(stub.req.InputIDs) != 3 {
			t.Errorf("adapter saw %v", stub.req.InputIDs)
		}
		if err := mgr.Close(); err != nil || !stub.closed {
			t.Errorf("Close() = %v, closed = %v", err, stub.closed)
		}
	})

	t.Run("unknown backend", func(t *testing.T) {
		if _, err := NewManager(config.RuntimeConfig{Backend: "missing"}, registry); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("factory error", func(t *testing.T) {
		if _, err := NewManager(config.RuntimeConfig{Backend: "bad"}, registry); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("nil manager", func(t *testing.T) {
		var mgr *Manager
		if _, err := mgr.Generate(context.Background(), Request{}); !errors.Is(err, ErrNoAdapter) {
			t.Errorf("Generate on nil = %v", err)
		}
		if err := mgr.Close(); err != nil {
			t.Errorf("Close on nil = %v", err)
		}
	})
}

func TestRegistryBackends(t *testing.T) {
	r := Registry{"b": nil, "a": nil}
	got := r.Backends()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Backends() = %v", got)
	}
}
