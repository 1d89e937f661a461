package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"MealLens/internal/model/modeltest"
)

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meal.png")
	if err := os.WriteFile(path, modeltest.PNG(t, 6, 6), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return path
}

func TestOneShot(t *testing.T) {
	image := writeImage(t)
	missingImage := filepath.Join(t.TempDir(), "gone.jpg")

	tests := []struct {
		name     string
		modelDir func(testing.TB) string
		args     []string
		wantCode int
		want     string
	}{
		{
			name:     "usage",
			modelDir: modeltest.WriteDir,
			wantCode: 1,
			want:     `{"error":"Usage: meal-analyze <image_path> [prompt]"}`,
		},
		{
			name:     "model path missing",
			modelDir: func(testing.TB) string { return "/no/such/model" },
			args:     []string{image},
			want:     `{"error":"Model path not found: /no/such/model","fallback":true}`,
		},
		{
			name:     "image missing",
			modelDir: modeltest.WriteDir,
			args:     []string{missingImage},
			want:     `{"error":"Image not found: ` + missingImage + `","fallback":true}`,
		},
		{
			name:     "record",
			modelDir: modeltest.WriteDir,
			args:     []string{image, "what is this"},
			want: `{"name":"Soup","score":61,"carbs":35,"protein":25,"fats":15,"calories":450,"hydration":70,` +
				`"advice":"","ingredients":[],"strengths":[],"improvements":[]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := modeltest.NewAdapter(`{"name":"Soup","score":61}`)
			cfg := modeltest.Config(tt.modelDir(t))

			var out bytes.Buffer
			code := oneShot(context.Background(), cfg, adapter.Registry(), tt.args, &out)
			if code != tt.wantCode {
				t.Errorf("exit code = %d, want %d", code, tt.wantCode)
			}
			if got := out.String(); got != tt.want+"\n" {
				t.Errorf("stdout = %q, want %q", got, tt.want+"\n")
			}
		})
	}
}

func TestOneShotLoadFailure(t *testing.T) {
	adapter := modeltest.NewAdapter("")
	adapter.InfoErr = errors.New("server unreachable")
	cfg := modeltest.Config(modeltest.WriteDir(t))

	var out bytes.Buffer
	if code := oneShot(context.Background(), cfg, adapter.Registry(), []string{writeImage(t)}, &out); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	got := out.String()
	if !strings.HasPrefix(got, `{"error":"Failed to load model: `) || !strings.Contains(got, "server unreachable") {
		t.Errorf("stdout = %s", got)
	}
	if strings.Count(got, "\n") != 1 {
		t.Errorf("want exactly one line, got %q", got)
	}
}

func TestOneShotUsesOneShotSettings(t *testing.T) {
	adapter := modeltest.NewAdapter(`{"name":"Rice"}`)
	cfg := modeltest.Config(modeltest.WriteDir(t))

	var out bytes.Buffer
	oneShot(context.Background(), cfg, adapter.Registry(), []string{writeImage(t)}, &out)

	if got := adapter.LastRequest().Options.MaxNewTokens; got != cfg.Analysis.OneShot.MaxNewTokens {
		t.Errorf("max new tokens = %d, want %d", got, cfg.Analysis.OneShot.MaxNewTokens)
	}
	if !adapter.Closed.Load() {
		t.Errorf("runtime adapter left open")
	}
}

func TestRunHelp(t *testing.T) {
	var out bytes.Buffer
	if code := run(context.Background(), []string{"help"}, nil, &out); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(out.String(), "meallens <command>") {
		t.Errorf("help output = %s", out.String())
	}

	out.Reset()
	if code := run(context.Background(), nil, nil, &out); code != 1 {
		t.Errorf("no command exit code = %d, want 1", code)
	}
}
