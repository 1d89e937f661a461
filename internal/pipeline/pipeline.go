// Package pipeline turns a meal photograph into a nutrition record.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"MealLens/internal/config"
	"MealLens/internal/extract"
	"MealLens/internal/logging"
	"MealLens/internal/model"
	"MealLens/internal/nutrition"
	"MealLens/internal/runtime"
)

// rawLogLimit caps how much of the model's text reaches the log.
const rawLogLimit = 2000

// Request is one analysis call.
type Request struct {
	Image  []byte
	Prompt string
}

// Recorder receives every completed analysis.
type Recorder interface {
	Record(image []byte, prompt string, res extract.Result, elapsed time.Duration)
}

// Options are the per-entry-point settings.
type Options struct {
	MaxNewTokens   int
	DefaultPrompt  string
	Timeout        time.Duration
	CompleteSchema bool
	Recorder       Recorder
}

// ServiceOptions returns the HTTP service settings from cfg.
func ServiceOptions(cfg config.Config) Options {
	return Options{
		MaxNewTokens:   cfg.Analysis.Service.MaxNewTokens,
		DefaultPrompt:  cfg.Analysis.Service.Prompt,
		Timeout:        cfg.Analysis.TimeoutDuration(),
		CompleteSchema: cfg.Analysis.SchemaCompletion(),
	}
}

// OneShotOptions returns the one-shot command settings from cfg.
func OneShotOptions(cfg config.Config) Options {
	return Options{
		MaxNewTokens:   cfg.Analysis.OneShot.MaxNewTokens,
		DefaultPrompt:  cfg.Analysis.OneShot.Prompt,
		Timeout:        cfg.Analysis.TimeoutDuration(),
		CompleteSchema: cfg.Analysis.SchemaCompletion(),
	}
}

// Pipeline runs decode, prompt, generation and extraction against a
// shared model handle.
type Pipeline struct {
	handle *model.Handle
	engine *Engine
	opts   Options
}

// New constructs a Pipeline over handle.
func New(handle *model.Handle, opts Options) *Pipeline {
	p := &Pipeline{handle: handle, opts: opts}
	if handle != nil {
		p.engine = NewEngine(handle)
	}
	return p
}

// Handle returns the model handle the pipeline runs on.
func (p *Pipeline) Handle() *model.Handle { return p.handle }

// Analyze never returns an error: every failure becomes a failure record.
func (p *Pipeline) Analyze(ctx context.Context, req Request) (res extract.Result) {
	if p == nil || p.handle == nil || !p.handle.Loaded() {
		return extract.Fail(extract.MsgModelNotReady)
	}

	start := time.Now()
	instruction := req.Prompt
	if instruction == "" {
		instruction = p.opts.DefaultPrompt
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("pipeline: recovered from panic: %v", r)
			res = extract.StageError(fmt.Errorf("%v", r))
		}
		if p.opts.Recorder != nil {
			p.opts.Recorder.Record(req.Image, instruction, res, time.Since(start))
		}
	}()

	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	text, err := p.generate(ctx, req.Image, instruction)
	if err != nil {
		log.Printf("pipeline: analysis failed: %v", err)
		return extract.StageError(err)
	}
	log.Printf("pipeline: raw response: %s", extract.Truncate(text, rawLogLimit))

	res = extract.Extract(text)
	if res.Failed() {
		log.Printf("pipeline: %s", extract.MsgNoJSON)
		return res
	}
	if p.opts.CompleteSchema {
		res.Defaulted = nutrition.Complete(res.Record)
		if len(res.Defaulted) > 0 {
			logging.Debugf("pipeline: filled missing fields %v", res.Defaulted)
		}
	}
	if b, err := json.Marshal(res); err == nil {
		log.Printf("pipeline: parsed record: %s", extract.Truncate(string(b), rawLogLimit))
	}
	return res
}

func (p *Pipeline) generate(ctx context.Context, data []byte, instruction string) (string, error) {
	h := p.handle

	img, format, err := h.Decoder().Decode(data)
	if err != nil {
		return "", err
	}
	pixels, err := h.Features().Extract(img)
	if err != nil {
		return "", err
	}
	info := h.Info()
	pixels, err = pixels.To(info.Device, info.DType)
	if err != nil {
		return "", err
	}

	parts := h.Prompts().Build(instruction)
	tok := h.Tokenizer()
	eos := tok.EOS()

	b := img.Bounds()
	logging.Debugf("pipeline: request %s %dx%d, %d prompt tokens, pixels %s, prompt %q",
		format, b.Dx(), b.Dy(), parts.Len(), pixels, extract.Truncate(instruction, 160))

	gen, err := p.engine.Run(ctx, h.Runtime(), runtime.Request{
		InputIDs:      parts.InputIDs(),
		AttentionMask: parts.AttentionMask(),
		Pixels:        pixels,
		Options: runtime.GenerationOptions{
			MaxNewTokens: p.opts.MaxNewTokens,
			EOSTokenID:   eos,
			PadTokenID:   eos,
		},
	})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(tok.Decode(gen.IDs, true)), nil
}
