package subcommands

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"MealLens/internal/config"
	"MealLens/internal/history"
)

// RunHistory lists the most recent stored analyses.
func RunHistory(ctx context.Context, cfg config.Config, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	limit := fs.Int("limit", 20, "Number of analyses to list")
	asJSON := fs.Bool("json", false, "Print entries as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *limit <= 0 {
		return fail(os.Stderr, "--limit must be positive")
	}

	store, err := history.Open(cfg.History)
	if err != nil {
		return fail(os.Stderr, "failed to open history store: %v", err)
	}
	defer store.Close()

	entries, err := store.Recent(ctx, *limit)
	if err != nil {
		return fail(os.Stderr, "failed to list analyses: %v", err)
	}

	if *asJSON {
		if entries == nil {
			entries = []history.Entry{}
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fail(os.Stderr, "failed to encode entries: %v", err)
		}
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	if len(entries) == 0 {
		fmt.Fprintln(stdout, subtitleStyle.Render("no analyses recorded"))
		return 0
	}
	for _, e := range entries {
		when := e.CreatedAt.Local().Format("2006-01-02 15:04:05")
		if e.Fallback {
			fmt.Fprintf(stdout, "%s  %s\n", when, errorStyle.Render("failed: "+e.Error))
			continue
		}
		fmt.Fprintf(stdout, "%s  %-28s %s  %4d kcal  %5dms\n",
			when,
			titleStyle.UnsetPadding().Render(e.Name),
			scoreStyle.UnsetPadding().Foreground(scoreColor(e.Score)).Render(fmt.Sprintf("%3d", e.Score)),
			e.Calories,
			e.DurationMS)
	}
	return 0
}
