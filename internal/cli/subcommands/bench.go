package subcommands

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"MealLens/internal/config"
	"MealLens/internal/inferbench"
	"MealLens/internal/pipeline"
	"MealLens/internal/runtime"
)

// RunBench analyzes one or more images repeatedly and prints latency
// statistics.
func RunBench(ctx context.Context, cfg config.Config, registry runtime.Registry, args []string, stdout io.Writer) int {
	defaults := inferbench.DefaultConfig()

	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	iterations := fs.Int("iterations", defaults.Iterations, "Number of recorded iterations per image")
	warmup := fs.Int("warmup", defaults.WarmupIterations, "Warmup iterations (not recorded)")
	output := fs.String("output", "", "Path to save JSON results (optional)")
	prompt := fs.String("prompt", "", "Prompt to analyze with (uses the service default if empty)")
	verbose := fs.Bool("verbose", false, "Print per-iteration details")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		return fail(os.Stderr, "usage: meallens bench [--iterations N --warmup N --output FILE] <image>...")
	}

	cases := make([]inferbench.Case, 0, fs.NArg())
	for _, path := range fs.Args() {
		data, err := readImage(path)
		if err != nil {
			return fail(os.Stderr, "%v", err)
		}
		cases = append(cases, inferbench.Case{Name: filepath.Base(path), Image: data, Prompt: *prompt})
	}

	pipe, err := loadPipeline(ctx, cfg, registry, pipeline.ServiceOptions(cfg))
	if err != nil {
		return fail(os.Stderr, "failed to load model: %v", err)
	}
	defer pipe.Handle().Close()

	benchCfg := inferbench.Config{
		Iterations:       *iterations,
		WarmupIterations: *warmup,
		OutputPath:       *output,
		Verbose:          *verbose,
	}

	info := pipe.Handle().Info()
	fmt.Fprintf(stdout, "MealLens Analysis Benchmark\n")
	fmt.Fprintf(stdout, "Backend: %s  Model: %s  Device: %s  DType: %s\n", cfg.Runtime.Backend, info.Name, info.Device, info.DType)
	fmt.Fprintf(stdout, "Iterations: %d (warmup: %d)\n", benchCfg.Iterations, benchCfg.WarmupIterations)

	report, err := inferbench.NewRunner(pipe, benchCfg, stdout).Run(ctx, cases)
	if err != nil {
		return fail(os.Stderr, "benchmark failed: %v", err)
	}
	for _, s := range report.Summaries {
		if s.Failures > 0 {
			return 1
		}
	}
	return 0
}
