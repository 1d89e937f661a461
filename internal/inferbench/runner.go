// Package inferbench measures end-to-end analysis latency by running the
// full pipeline repeatedly over the same images.
package inferbench

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"MealLens/internal/extract"
	"MealLens/internal/pipeline"
)

// Analyzer is the part of the pipeline a benchmark drives.
type Analyzer interface {
	Analyze(ctx context.Context, req pipeline.Request) extract.Result
}

// Config controls the benchmark parameters.
type Config struct {
	// Iterations is how many recorded runs each case gets.
	Iterations int `json:"iterations"`

	// WarmupIterations runs N throw-away analyses before recording.
	WarmupIterations int `json:"warmup_iterations"`

	// OutputPath is the optional JSON file to write results to.
	OutputPath string `json:"output_path,omitempty"`

	// Verbose enables per-iteration output.
	Verbose bool `json:"verbose"`
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{
		Iterations:       5,
		WarmupIterations: 1,
	}
}

// Case is one image (and optional prompt) to benchmark.
type Case struct {
	Name   string
	Image  []byte
	Prompt string
}

// IterationResult captures metrics from a single analysis.
type IterationResult struct {
	CaseName  string        `json:"case"`
	Iteration int           `json:"iteration"`
	Duration  time.Duration `json:"duration_ns"`
	Fields    int           `json:"fields"`
	RSSBytes  int64         `json:"rss_bytes"`
	Error     string        `json:"error,omitempty"`
}

// CaseSummary aggregates results across iterations for a single case.
type CaseSummary struct {
	Name         string        `json:"name"`
	Iterations   int           `json:"iterations"`
	Duration     DurationStats `json:"duration"`
	Failures     int           `json:"failures"`
	AvgFields    float64       `json:"avg_fields"`
	PeakRSSBytes int64         `json:"peak_rss_bytes"`
}

// DurationStats summarises a collection of time.Duration values.
type DurationStats struct {
	Min    time.Duration `json:"min_ns"`
	Max    time.Duration `json:"max_ns"`
	Mean   time.Duration `json:"mean_ns"`
	Median time.Duration `json:"median_ns"`
	P95    time.Duration `json:"p95_ns"`
}

// Report is the top-level result container.
type Report struct {
	Timestamp time.Time         `json:"timestamp"`
	Config    Config            `json:"config"`
	Summaries []CaseSummary     `json:"summaries"`
	Raw       []IterationResult `json:"raw_results,omitempty"`
}

// Runner executes benchmarks against an Analyzer.
type Runner struct {
	analyzer Analyzer
	cfg      Config
	out      io.Writer
}

// NewRunner creates a benchmark runner that prints progress to out.
func NewRunner(analyzer Analyzer, cfg Config, out io.Writer) *Runner {
	if cfg.Iterations <= 0 {
		cfg.Iterations = 1
	}
	if cfg.WarmupIterations < 0 {
		cfg.WarmupIterations = 0
	}
	if out == nil {
		out = io.Discard
	}
	return &Runner{analyzer: analyzer, cfg: cfg, out: out}
}

// Run benchmarks every case and returns a report.
func (r *Runner) Run(ctx context.Context, cases []Case) (*Report, error) {
	report := &Report{
		Timestamp: time.Now(),
		Config:    r.cfg,
	}

	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		fmt.Fprintf(r.out, "\n--- Benchmark: %s ---\n", c.Name)

		results := r.benchmarkCase(ctx, c)
		report.Raw = append(report.Raw, results...)
		summary := summarize(c.Name, results)
		report.Summaries = append(report.Summaries, summary)
		r.printSummary(summary)
	}

	if r.cfg.OutputPath != "" {
		if err := saveReport(report, r.cfg.OutputPath); err != nil {
			fmt.Fprintf(r.out, "Warning: failed to save report: %v\n", err)
		} else {
			fmt.Fprintf(r.out, "\nResults saved to %s\n", r.cfg.OutputPath)
		}
	}
	return report, nil
}

func (r *Runner) benchmarkCase(ctx context.Context, c Case) []IterationResult {
	for i := 0; i < r.cfg.WarmupIterations; i++ {
		if r.cfg.Verbose {
			fmt.Fprintf(r.out, "  warmup %d/%d...\n", i+1, r.cfg.WarmupIterations)
		}
		r.analyzer.Analyze(ctx, pipeline.Request{Image: c.Image, Prompt: c.Prompt})
	}

	results := make([]IterationResult, 0, r.cfg.Iterations)
	for i := 0; i < r.cfg.Iterations; i++ {
		if ctx.Err() != nil {
			break
		}
		res := r.runOnce(ctx, c, i)
		if r.cfg.Verbose {
			status := "ok"
			if res.Error != "" {
				status = res.Error
			}
			fmt.Fprintf(r.out, "  iteration %d/%d: %v fields=%d %s\n",
				i+1, r.cfg.Iterations, res.Duration.Round(time.Millisecond), res.Fields, status)
		}
		results = append(results, res)
	}
	return results
}

func (r *Runner) runOnce(ctx context.Context, c Case, iteration int) IterationResult {
	start := time.Now()
	res := r.analyzer.Analyze(ctx, pipeline.Request{Image: c.Image, Prompt: c.Prompt})
	result := IterationResult{
		CaseName:  c.Name,
		Iteration: iteration,
		Duration:  time.Since(start),
		RSSBytes:  residentBytes(),
	}
	switch {
	case res.Failure != nil:
		result.Error = res.Failure.Error
	case res.Record != nil:
		result.Fields = res.Record.Len()
	}
	return result
}

func summarize(name string, results []IterationResult) CaseSummary {
	summary := CaseSummary{Name: name}
	var ok []IterationResult
	for _, r := range results {
		if r.RSSBytes > summary.PeakRSSBytes {
			summary.PeakRSSBytes = r.RSSBytes
		}
		if r.Error != "" {
			summary.Failures++
			continue
		}
		ok = append(ok, r)
	}
	summary.Iterations = len(ok)
	if len(ok) == 0 {
		return summary
	}

	durations := make([]time.Duration, len(ok))
	var fields float64
	for i, r := range ok {
		durations[i] = r.Duration
		fields += float64(r.Fields)
	}
	summary.Duration = computeDurationStats(durations)
	summary.AvgFields = fields / float64(len(ok))
	return summary
}

func computeDurationStats(vals []time.Duration) DurationStats {
	if len(vals) == 0 {
		return DurationStats{}
	}
	sorted := make([]time.Duration, len(vals))
	copy(sorted, vals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, v := range sorted {
		sum += v
	}

	n := len(sorted)
	var median time.Duration
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	} else {
		median = sorted[n/2]
	}

	return DurationStats{
		Min:    sorted[0],
		Max:    sorted[n-1],
		Mean:   sum / time.Duration(n),
		Median: median,
		P95:    sorted[percentileIndex(n, 95)],
	}
}

// percentileIndex uses the nearest-rank method: ceil(n*pct/100) - 1,
// clamped to [0, n-1].
func percentileIndex(n, pct int) int {
	if n <= 0 {
		return 0
	}
	idx := (n*pct+99)/100 - 1
	return min(max(idx, 0), n-1)
}

func (r *Runner) printSummary(s CaseSummary) {
	fmt.Fprintf(r.out, "  Duration:  min=%v  avg=%v  p95=%v\n",
		s.Duration.Min.Round(time.Millisecond),
		s.Duration.Mean.Round(time.Millisecond),
		s.Duration.P95.Round(time.Millisecond))
	fmt.Fprintf(r.out, "  Fields:    avg=%.1f\n", s.AvgFields)
	if s.PeakRSSBytes > 0 {
		fmt.Fprintf(r.out, "  RSS:       peak=%.1f MB\n", float64(s.PeakRSSBytes)/(1024*1024))
	}
	if s.Failures > 0 {
		fmt.Fprintf(r.out, "  Failures:  %d/%d\n", s.Failures, s.Iterations+s.Failures)
	}
}

func saveReport(report *Report, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}
