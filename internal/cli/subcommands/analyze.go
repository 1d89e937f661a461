package subcommands

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"MealLens/internal/config"
	"MealLens/internal/extract"
	"MealLens/internal/nutrition"
	"MealLens/internal/pipeline"
	"MealLens/internal/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00D9FF")).
			Padding(0, 1)

	scoreStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B"))

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666680")).
			Italic(true)
)

// RunAnalyze analyzes one image with the service settings and prints the
// record, either as JSON or as a rendered report.
func RunAnalyze(ctx context.Context, cfg config.Config, registry runtime.Registry, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	pretty := fs.Bool("pretty", false, "Render a formatted report instead of JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		return fail(os.Stderr, "usage: meallens analyze [--pretty] <image> [prompt]")
	}
	imagePath := fs.Arg(0)
	prompt := strings.Join(fs.Args()[1:], " ")

	image, err := readImage(imagePath)
	if err != nil {
		return fail(os.Stderr, "%v", err)
	}

	pipe, err := loadPipeline(ctx, cfg, registry, pipeline.ServiceOptions(cfg))
	if err != nil {
		return fail(os.Stderr, "failed to load model: %v", err)
	}
	defer pipe.Handle().Close()

	res := pipe.Analyze(ctx, pipeline.Request{Image: image, Prompt: prompt})

	if !*pretty {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fail(os.Stderr, "failed to encode result: %v", err)
		}
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	out, err := renderReport(res, glamour.WithAutoStyle())
	if err != nil {
		return fail(os.Stderr, "failed to render report: %v", err)
	}
	fmt.Fprint(stdout, out)
	if res.Failed() {
		return 1
	}
	return 0
}

// renderReport formats a result for the terminal.
func renderReport(res extract.Result, style glamour.TermRendererOption) (string, error) {
	if res.Failed() {
		msg := extract.MsgNoJSON
		if res.Failure != nil {
			msg = res.Failure.Error
		}
		return errorStyle.Render("Analysis failed: "+msg) + "\n", nil
	}

	meal := nutrition.Normalize(res.Record)
	renderer, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(80))
	if err != nil {
		return "", err
	}
	body, err := renderer.Render(mealMarkdown(meal))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(meal.Name))
	b.WriteString(scoreStyle.Foreground(scoreColor(meal.Score)).Render(fmt.Sprintf("%d/100", meal.Score)))
	b.WriteString("\n")
	b.WriteString(body)
	// Completed fields are already in the record; the rest are still absent.
	defaulted := append(append([]string{}, res.Defaulted...), nutrition.Missing(res.Record)...)
	if len(defaulted) > 0 {
		b.WriteString(subtitleStyle.Render("defaults used for: " + strings.Join(defaulted, ", ")))
		b.WriteString("\n")
	}
	return b.String(), nil
}

func mealMarkdown(m nutrition.Meal) string {
	var b strings.Builder
	b.WriteString("| calories | carbs | protein | fats | hydration |\n")
	b.WriteString("|---|---|---|---|---|\n")
	fmt.Fprintf(&b, "| %d kcal | %g g | %g g | %g g | %d%% |\n\n", m.Calories, m.Carbs, m.Protein, m.Fats, m.Hydration)

	if m.Advice != "" {
		fmt.Fprintf(&b, "> %s\n\n", m.Advice)
	}
	writeList(&b, "Ingredients", m.Ingredients)
	writeList(&b, "Strengths", m.Strengths)
	writeList(&b, "Improvements", m.Improvements)
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
	b.WriteString("\n")
}

func scoreColor(score int) lipgloss.Color {
	switch {
	case score >= 80:
		return lipgloss.Color("#4ECDC4")
	case score >= 50:
		return lipgloss.Color("#FFE66D")
	default:
		return lipgloss.Color("#FF6B6B")
	}
}
