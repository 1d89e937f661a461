package subcommands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/glamour"

	"MealLens/internal/config"
	"MealLens/internal/extract"
	"MealLens/internal/history"
	"MealLens/internal/inferbench"
	"MealLens/internal/model/modeltest"
	"MealLens/internal/nutrition"
)

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plate.png")
	if err := os.WriteFile(path, modeltest.PNG(t, 6, 6), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return path
}

func TestRunAnalyzeJSON(t *testing.T) {
	adapter := modeltest.NewAdapter(`{"name":"Pho","score":72,"ingredients":["noodles"]}`)
	cfg := modeltest.Config(modeltest.WriteDir(t))

	var out bytes.Buffer
	if code := RunAnalyze(context.Background(), cfg, adapter.Registry(), []string{writeImage(t)}, &out); code != 0 {
		t.Fatalf("exit code = %d", code)
	}

	var got map[string]any
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if got["name"] != "Pho" || got["calories"] != float64(450) {
		t.Errorf("record = %v", got)
	}
	if got := adapter.LastRequest().Options.MaxNewTokens; got != cfg.Analysis.Service.MaxNewTokens {
		t.Errorf("max new tokens = %d", got)
	}
}

func TestRunAnalyzePretty(t *testing.T) {
	adapter := modeltest.NewAdapter(`{"name":"Pho","score":72}`)
	cfg := modeltest.Config(modeltest.WriteDir(t))
	if !cfg.Analysis.SchemaCompletion() {
		t.Fatal("test config should complete the schema")
	}

	var out bytes.Buffer
	if code := RunAnalyze(context.Background(), cfg, adapter.Registry(), []string{"--pretty", writeImage(t)}, &out); code != 0 {
		t.Fatalf("exit code = %d\n%s", code, out.String())
	}
	want := "defaults used for: carbs, protein, fats, calories, hydration, advice, ingredients, strengths, improvements"
	for _, s := range []string{"Pho", "72/100", want} {
		if !strings.Contains(out.String(), s) {
			t.Errorf("report missing %q:\n%s", s, out.String())
		}
	}
}

func TestRunAnalyzeArguments(t *testing.T) {
	adapter := modeltest.NewAdapter(`{}`)
	cfg := modeltest.Config(modeltest.WriteDir(t))

	if code := RunAnalyze(context.Background(), cfg, adapter.Registry(), nil, &bytes.Buffer{}); code != 1 {
		t.Errorf("missing image exit code = %d", code)
	}
	missing := filepath.Join(t.TempDir(), "none.png")
	if code := RunAnalyze(context.Background(), cfg, adapter.Registry(), []string{missing}, &bytes.Buffer{}); code != 1 {
		t.Errorf("unknown image exit code = %d", code)
	}
	if adapter.Calls.Load() != 0 {
		t.Errorf("generation ran %d times", adapter.Calls.Load())
	}
}

func TestRenderReport(t *testing.T) {
	style := glamour.WithStandardStyle("notty")

	t.Run("record", func(t *testing.T) {
		res := extract.Extract(`{"name":"Pho","score":72,"advice":"Add greens","ingredients":["noodles","beef"]}`)
		out, err := renderReport(res, style)
		if err != nil {
			t.Fatalf("renderReport: %v", err)
		}
		for _, want := range []string{"Pho", "72/100", "Add greens", "Ingredients", "noodles", "450 kcal"} {
			if !strings.Contains(out, want) {
				t.Errorf("report missing %q:\n%s", want, out)
			}
		}
		if !strings.Contains(out, "defaults used for:") {
			t.Errorf("report should list defaulted fields:\n%s", out)
		}
	})

	t.Run("completed record", func(t *testing.T) {
		res := extract.Extract(`{"name":"Pho","score":72}`)
		res.Defaulted = nutrition.Complete(res.Record)
		out, err := renderReport(res, style)
		if err != nil {
			t.Fatalf("renderReport: %v", err)
		}
		if !strings.Contains(out, "defaults used for: carbs, protein, fats, calories") {
			t.Errorf("completed fields not reported:\n%s", out)
		}
	})

	t.Run("failure", func(t *testing.T) {
		out, err := renderReport(extract.Fail("Vision model error: boom"), style)
		if err != nil {
			t.Fatalf("renderReport: %v", err)
		}
		if !strings.Contains(out, "Analysis failed: Vision model error: boom") {
			t.Errorf("report = %s", out)
		}
	})
}

func TestRunHistory(t *testing.T) {
	cfg := config.Default()
	cfg.History = config.HistoryConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "history.db")}

	store, err := history.Open(cfg.History)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i, name := range []string{"Oats", "Curry"} {
		if _, err := store.Append(context.Background(), history.Entry{
			CreatedAt: time.UnixMilli(int64(i+1) * 1000),
			Name:      name,
			Score:     80,
			Raw:       json.RawMessage(`{}`),
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	store.Close()

	var out bytes.Buffer
	if code := RunHistory(context.Background(), cfg, []string{"--json", "--limit", "1"}, &out); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	var entries []history.Entry
	if err := json.Unmarshal(out.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if len(entries) != 1 || entries[0].Name != "Curry" {
		t.Errorf("entries = %+v", entries)
	}

	out.Reset()
	if code := RunHistory(context.Background(), cfg, nil, &out); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(out.String(), "Oats") || !strings.Contains(out.String(), "Curry") {
		t.Errorf("listing = %s", out.String())
	}

	if code := RunHistory(context.Background(), cfg, []string{"--limit", "0"}, &out); code != 1 {
		t.Errorf("zero limit exit code = %d", code)
	}
}

func TestRunBench(t *testing.T) {
	adapter := modeltest.NewAdapter(`{"name":"Toast"}`)
	cfg := modeltest.Config(modeltest.WriteDir(t))
	report := filepath.Join(t.TempDir(), "bench", "report.json")

	var out bytes.Buffer
	args := []string{"--iterations", "2", "--warmup", "1", "--output", report, writeImage(t)}
	if code := RunBench(context.Background(), cfg, adapter.Registry(), args, &out); code != 0 {
		t.Fatalf("exit code = %d\n%s", code, out.String())
	}
	if got := adapter.Calls.Load(); got != 3 {
		t.Errorf("generate calls = %d, want 3", got)
	}

	data, err := os.ReadFile(report)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var saved inferbench.Report
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(saved.Summaries) != 1 || saved.Summaries[0].Name != "plate.png" || saved.Summaries[0].Iterations != 2 {
		t.Errorf("summaries = %+v", saved.Summaries)
	}
}

func TestRunConfig(t *testing.T) {
	var out bytes.Buffer
	if code := RunConfig(config.Default(), &out); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	for _, want := range []string{"port: 5001", "backend: kserve", "path: ./models/rtqVLM-0.5B"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("config output missing %q:\n%s", want, out.String())
		}
	}
}
