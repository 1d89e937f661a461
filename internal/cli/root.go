package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"MealLens/internal/cli/subcommands"
	"MealLens/internal/config"
	"MealLens/internal/logging"
	"MealLens/internal/runtime"

	_ "MealLens/internal/kserve"
)

// Execute is the entry point for the meallens command.
func Execute() int {
	return run(context.Background(), os.Args[1:], runtime.DefaultRegistry, os.Stdout)
}

func run(ctx context.Context, args []string, registry runtime.Registry, stdout io.Writer) int {
	if len(args) == 0 {
		printHelp(stdout)
		return 1
	}

	subcommand := args[0]
	switch subcommand {
	case "help", "-h", "--help":
		printHelp(stdout)
		return 0
	}

	cfg, err := config.Resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	session, err := logging.Start(logging.Options{ToFile: cfg.Logging.ToFile, Debug: cfg.Logging.Debug})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	defer session.Close()
	if path := session.Path(); path != "" {
		fmt.Fprintf(os.Stderr, "logging to %s\n", path)
	}

	switch subcommand {
	case "serve":
		return subcommands.RunServe(ctx, cfg, registry, args[1:], stdout)
	case "analyze":
		return subcommands.RunAnalyze(ctx, cfg, registry, args[1:], stdout)
	case "history":
		return subcommands.RunHistory(ctx, cfg, args[1:], stdout)
	case "bench":
		return subcommands.RunBench(ctx, cfg, registry, args[1:], stdout)
	case "config":
		return subcommands.RunConfig(cfg, stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", subcommand)
		printHelp(os.Stderr)
		return 1
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, `MealLens - meal photo nutrition analysis

Usage:
  meallens <command> [flags]

Commands:
  serve     Start the HTTP analysis service (--host, --port)
  analyze   Analyze one image and print the record (--pretty)
  history   List recent analyses from the history store (--limit, --json)
  bench     Benchmark analysis latency (--iterations, --warmup, --output)
  config    Print the resolved configuration

Environment:
  VISION_MODEL_PATH   model directory (default ./models/rtqVLM-0.5B)
  VISION_MODEL_PORT   service port (default 5001)
  APP_CONFIG          YAML configuration file (default meallens.yaml)

Use "meallens <command> --help" for more information about a command.`)
}
