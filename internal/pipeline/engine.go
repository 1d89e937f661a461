package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"MealLens/internal/runtime"
)

// Generator runs one generation call; *runtime.Manager satisfies it.
type Generator interface {
	Generate(ctx context.Context, req runtime.Request) (runtime.Response, error)
}

// Generation is the bounded output of one Engine run.
type Generation struct {
	IDs     []int32
	Stats   runtime.Stats
	Elapsed time.Duration
}

// Gate grants exclusive use of the model; *model.Handle satisfies it.
type Gate interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Engine serializes generation through gate and enforces the token bound
// locally.
type Engine struct {
	gate Gate
}

// NewEngine returns an engine that generates only while holding gate.
func NewEngine(gate Gate) *Engine {
	return &Engine{gate: gate}
}

// Run waits for the model, generates, and trims the output to new tokens
// only: an echoed prompt is dropped, the sequence is cut to MaxNewTokens and
// then at the first EOS.
func (e *Engine) Run(ctx context.Context, gen Generator, req runtime.Request) (Generation, error) {
	if gen == nil {
		return Generation{}, runtime.ErrNoAdapter
	}
	release, err := e.gate.Acquire(ctx)
	if err != nil {
		return Generation{}, fmt.Errorf("waiting for model: %w", err)
	}
	defer release()

	start := time.Now()
	resp, err := gen.Generate(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		return Generation{}, err
	}

	ids := trimOutput(resp.OutputIDs, req.InputIDs, req.Options.MaxNewTokens, req.Options.EOSTokenID)

	if resp.Stats.DeviceTime > 0 {
		log.Printf("pipeline: generated %d tokens in %s (device %s)", len(ids), elapsed.Round(time.Millisecond), resp.Stats.DeviceTime.Round(time.Millisecond))
	} else {
		log.Printf("pipeline: generated %d tokens in %s", len(ids), elapsed.Round(time.Millisecond))
	}
	return Generation{IDs: ids, Stats: resp.Stats, Elapsed: elapsed}, nil
}

func trimOutput(out, input []int32, maxNew int, eos int32) []int32 {
	if len(input) > 0 && len(out) >= len(input) && equalIDs(out[:len(input)], input) {
		out = out[len(input):]
	}
	if maxNew > 0 && len(out) > maxNew {
		out = out[:maxNew]
	}
	for i, id := range out {
		if id == eos {
			out = out[:i]
			break
		}
	}
	return append([]int32(nil), out...)
}

func equalIDs(a, b []int32) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return len(a) == len(b)
}
