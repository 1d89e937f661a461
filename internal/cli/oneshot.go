package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"MealLens/internal/config"
	"MealLens/internal/extract"
	imgproc "MealLens/internal/image"
	"MealLens/internal/logging"
	"MealLens/internal/model"
	"MealLens/internal/pipeline"
	"MealLens/internal/runtime"
)

const oneShotUsage = "Usage: meal-analyze <image_path> [prompt]"

// RunOneShot implements meal-analyze: load the model, analyze one image and
// print exactly one JSON line on stdout. Only a missing argument exits
// non-zero; every other problem is reported as a fallback record.
func RunOneShot(args []string, stdout io.Writer) int {
	cfg, err := config.Resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	// Logs always go to stderr or the log file, never stdout.
	session, err := logging.Start(logging.Options{ToFile: cfg.Logging.ToFile, Debug: cfg.Logging.Debug})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	defer session.Close()
	if path := session.Path(); path != "" {
		fmt.Fprintf(os.Stderr, "logging to %s\n", path)
	}

	return oneShot(context.Background(), cfg, runtime.DefaultRegistry, args, stdout)
}

func oneShot(ctx context.Context, cfg config.Config, registry runtime.Registry, args []string, stdout io.Writer) int {
	if len(args) < 1 {
		writeLine(stdout, struct {
			Error string `json:"error"`
		}{oneShotUsage})
		return 1
	}
	writeLine(stdout, analyzeOnce(ctx, cfg, registry, args))
	return 0
}

func analyzeOnce(ctx context.Context, cfg config.Config, registry runtime.Registry, args []string) extract.Result {
	imagePath := args[0]
	var prompt string
	if len(args) > 1 {
		prompt = args[1]
	}

	handle := model.New(cfg, registry)
	if err := handle.Load(ctx); err != nil {
		if errors.Is(err, model.ErrModelPathNotFound) {
			return extract.Fail("Model path not found: " + cfg.Model.Path)
		}
		return extract.Fail("Failed to load model: " + err.Error())
	}
	defer handle.Close()

	if !imgproc.Exists(imagePath) {
		return extract.Fail("Image not found: " + imagePath)
	}
	image, err := imgproc.ReadFile(imagePath)
	if err != nil {
		return extract.StageError(err)
	}

	pipe := pipeline.New(handle, pipeline.OneShotOptions(cfg))
	return pipe.Analyze(ctx, pipeline.Request{Image: image, Prompt: prompt})
}

func writeLine(w io.Writer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(extract.StageError(err))
	}
	fmt.Fprintln(w, string(data))
}
