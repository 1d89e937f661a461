// Package model owns the loaded vision-language model and its assets.
package model

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"MealLens/internal/chattemplate"
	"MealLens/internal/config"
	imgproc "MealLens/internal/image"
	"MealLens/internal/prompt"
	"MealLens/internal/runtime"
	"MealLens/internal/tokenizer"
)

var (
	// ErrModelPathNotFound is returned when the model directory is missing.
	ErrModelPathNotFound = errors.New("model path not found")
	// ErrNotLoaded is returned by accessors used before a successful Load.
	ErrNotLoaded = errors.New("model not loaded")
)

// Handle is the single owner of the tokenizer, chat template, image
// processor and runtime adapter. It loads at most once; Loaded can be read
// without taking the load lock.
type Handle struct {
	cfg      config.Config
	registry runtime.Registry

	mu     sync.Mutex
	loaded atomic.Bool
	// gate admits one generation at a time across every pipeline.
	gate *semaphore.Weighted

	tok       *tokenizer.Tokenizer
	tmpl      *chattemplate.Template
	builder   *prompt.Builder
	decoder   *imgproc.Decoder
	extractor *imgproc.FeatureExtractor
	mgr       *runtime.Manager
	info      runtime.ModelInfo
}

// New returns an unloaded handle. A nil registry selects
// runtime.DefaultRegistry.
func New(cfg config.Config, registry runtime.Registry) *Handle {
	if registry == nil {
		registry = runtime.DefaultRegistry
	}
	return &Handle{cfg: cfg, registry: registry, gate: semaphore.NewWeighted(1)}
}

// Acquire waits for exclusive use of the model. The returned func releases
// it and must be called exactly once.
func (h *Handle) Acquire(ctx context.Context) (release func(), err error) {
	if err := h.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { h.gate.Release(1) }) }, nil
}

// Path is the configured model directory.
func (h *Handle) Path() string { return h.cfg.Model.Path }

// Loaded reports whether Load has succeeded.
func (h *Handle) Loaded() bool { return h.loaded.Load() }

// EnsureLoaded loads the model if needed and reports readiness. Failures
// are logged, not returned, so callers can run degraded.
func (h *Handle) EnsureLoaded(ctx context.Context) bool {
	if h.loaded.Load() {
		return true
	}
	if err := h.Load(ctx); err != nil {
		log.Print(err)
		return false
	}
	return true
}

// Load reads the model assets and connects the runtime. Concurrent callers
// serialize on the load lock; once loaded, Load is a no-op.
func (h *Handle) Load(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loaded.Load() {
		return nil
	}

	dir := h.cfg.Model.Path
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: %s", ErrModelPathNotFound, dir)
	}
	log.Printf("model: loading assets from %s", dir)

	tok, err := tokenizer.Load(dir)
	if err != nil {
		return fmt.Errorf("model: %w", err)
	}

	tmpl, err := chattemplate.Resolve(h.cfg.Model.ChatTemplate, tok.Config().ChatTemplate)
	switch {
	case err != nil:
		log.Printf("model: chat template %q unavailable, prompts will be untemplated: %v", h.cfg.Model.ChatTemplate, err)
		tmpl = nil
	case tmpl == nil:
		log.Printf("model: no chat template, prompts will be untemplated")
	default:
		log.Printf("model: using chat template %s", tmpl.Name())
	}

	procCfg, err := imgproc.LoadProcessorConfig(dir)
	if err != nil {
		return fmt.Errorf("model: %w", err)
	}
	extractor, err := imgproc.NewFeatureExtractor(procCfg)
	if err != nil {
		return fmt.Errorf("model: %w", err)
	}

	mgr, err := runtime.NewManager(h.cfg.Runtime, h.registry)
	if err != nil {
		return fmt.Errorf("model: failed to initialise runtime: %w", err)
	}
	info, err := mgr.Info(ctx)
	if err != nil {
		mgr.Close()
		return fmt.Errorf("model: %w", err)
	}

	var renderer prompt.Renderer
	if tmpl != nil {
		renderer = tmpl
	}

	h.tok = tok
	h.tmpl = tmpl
	h.builder = prompt.NewBuilder(tok, renderer, int32(h.cfg.Model.ImageTokenIndex))
	h.decoder = imgproc.NewDecoder(h.cfg.Image.MaxPixels)
	h.extractor = extractor
	h.mgr = mgr
	h.info = info
	h.loaded.Store(true)

	log.Printf("model: loaded %s (backend %s, %s on %s, eos %d)", info.Name, mgr.Backend(), info.DType, info.Device, tok.EOS())
	return nil
}

// Tokenizer returns the loaded tokenizer.
func (h *Handle) Tokenizer() *tokenizer.Tokenizer { return h.tok }

// Template returns the resolved chat template, nil when prompts are
// untemplated.
func (h *Handle) Template() *chattemplate.Template { return h.tmpl }

// Prompts returns the prompt builder.
func (h *Handle) Prompts() *prompt.Builder { return h.builder }

// Decoder returns the image decoder.
func (h *Handle) Decoder() *imgproc.Decoder { return h.decoder }

// Features returns the pixel feature extractor.
func (h *Handle) Features() *imgproc.FeatureExtractor { return h.extractor }

// Runtime returns the runtime manager.
func (h *Handle) Runtime() *runtime.Manager { return h.mgr }

// Info returns the model placement read at load time.
func (h *Handle) Info() runtime.ModelInfo { return h.info }

// Close frees the runtime adapter. The handle reports not loaded afterwards.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.loaded.Load() {
		return nil
	}
	h.loaded.Store(false)
	err := h.mgr.Close()
	h.mgr = nil
	return err
}
