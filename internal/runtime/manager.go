package runtime

import (
	"context"
	"fmt"
	"strings"

	"MealLens/internal/config"
)

// Manager routes generation requests to the configured runtime adapter.
type Manager struct {
	adapter Adapter
}

// NewManager constructs the runtime manager using the provided configuration.
func NewManager(cfg config.RuntimeConfig, registry Registry) (*Manager, error) {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	if backend == "" {
		backend = "kserve"
	}

	adapterFactory, ok := registry[backend]
	if !ok {
		return nil, fmt.Errorf("runtime: backend %q not registered (available: %s)", backend, strings.Join(registry.Backends(), ", "))
	}

	adapter, err := adapterFactory(cfg)
	if err != nil {
		return nil, err
	}

	return &Manager{adapter: adapter}, nil
}

// Close frees adapter resources.
func (m *Manager) Close() error {
	if m == nil || m.adapter == nil {
		return nil
	}
	return m.adapter.Close()
}

// Backend names the adapter in use.
func (m *Manager) Backend() string {
	if m == nil || m.adapter == nil {
		return ""
	}
	return m.adapter.Name()
}

// Info reads the model placement from the backend.
func (m *Manager) Info(ctx context.Context) (ModelInfo, error) {
	if m == nil || m.adapter == nil {
		return ModelInfo{}, ErrNoAdapter
	}
	return m.adapter.Info(ctx)
}

// Generate runs a single bounded generation.
func (m *Manager) Generate(ctx context.Context, req Request) (Response, error) {
	if m == nil || m.adapter == nil {
		return Response{}, ErrNoAdapter
	}
	return m.adapter.Generate(ctx, req)
}

// Registry maps backend keys to factories initialising adapters.
type Registry map[string]AdapterFactory

// AdapterFactory constructs a new adapter instance from configuration.
type AdapterFactory func(config.RuntimeConfig) (Adapter, error)
