package subcommands

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"MealLens/internal/config"
	"MealLens/internal/history"
	"MealLens/internal/model"
	"MealLens/internal/pipeline"
	"MealLens/internal/runtime"
	"MealLens/server"
)

const historyQueueSize = 64

// RunServe loads the model once and serves the analysis API until
// interrupted. A model that fails to load leaves the service running in
// degraded mode so /health can report it.
func RunServe(ctx context.Context, cfg config.Config, registry runtime.Registry, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	hostFlag := fs.String("host", "", "Server host address (overrides config)")
	portFlag := fs.Int("port", 0, "Server port (overrides config)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *hostFlag != "" {
		cfg.Server.Host = *hostFlag
	}
	if *portFlag > 0 {
		cfg.Server.Port = *portFlag
	}

	log.Printf("serve: loading model from %s", cfg.Model.Path)
	handle := model.New(cfg, registry)
	if handle.EnsureLoaded(ctx) {
		log.Printf("serve: model loaded (%s on %s)", handle.Info().DType, handle.Info().Device)
	} else {
		log.Printf("serve: model not loaded, analyses will return fallback records")
	}
	defer func() {
		if err := handle.Close(); err != nil {
			log.Printf("warning: failed to close model: %v", err)
		}
	}()

	opts := pipeline.ServiceOptions(cfg)
	var reader server.HistoryReader
	if cfg.History.Enabled {
		store, err := history.Open(cfg.History)
		if err != nil {
			return fail(os.Stderr, "failed to open history store: %v", err)
		}
		writer := history.NewWriter(store, historyQueueSize)
		defer func() {
			if err := writer.Close(); err != nil {
				log.Printf("warning: failed to flush history: %v", err)
			}
			if err := store.Close(); err != nil {
				log.Printf("warning: failed to close history store: %v", err)
			}
		}()
		opts.Recorder = writer
		reader = store
		log.Printf("serve: recording analyses to %s (%s)", cfg.History.Path, store.Driver())
	}

	pipe := pipeline.New(handle, opts)
	httpServer := server.NewHTTPServer(cfg.Server, pipe, handle, reader)
	if err := httpServer.Start(); err != nil {
		return fail(os.Stderr, "failed to start HTTP server: %v", err)
	}
	defer func() {
		if err := httpServer.Stop(); err != nil {
			log.Printf("warning: failed to stop HTTP server: %v", err)
		}
	}()

	addr := httpServer.Addr()
	fmt.Fprintf(stdout, "MealLens listening on http://%s\n", addr)
	fmt.Fprintf(stdout, "  Health:  http://%s/health\n", addr)
	fmt.Fprintf(stdout, "  Analyze: http://%s/analyze\n", addr)
	if reader != nil {
		fmt.Fprintf(stdout, "  History: http://%s/analyses\n", addr)
	}

	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-sigCtx.Done()
	fmt.Fprintln(stdout, "shutting down")
	return 0
}
