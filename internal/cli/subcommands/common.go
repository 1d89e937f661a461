package subcommands

import (
	"context"
	"fmt"
	"io"

	"MealLens/internal/config"
	imgproc "MealLens/internal/image"
	"MealLens/internal/model"
	"MealLens/internal/pipeline"
	"MealLens/internal/runtime"
)

// loadPipeline loads the model eagerly and wraps it in a pipeline.
func loadPipeline(ctx context.Context, cfg config.Config, registry runtime.Registry, opts pipeline.Options) (*pipeline.Pipeline, error) {
	handle := model.New(cfg, registry)
	if err := handle.Load(ctx); err != nil {
		return nil, err
	}
	return pipeline.New(handle, opts), nil
}

// readImage reads the image at path, reporting a missing file plainly.
func readImage(path string) ([]byte, error) {
	if !imgproc.Exists(path) {
		return nil, fmt.Errorf("image not found: %s", path)
	}
	data, err := imgproc.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return data, nil
}

func fail(w io.Writer, format string, args ...any) int {
	fmt.Fprintf(w, format+"\n", args...)
	return 1
}
