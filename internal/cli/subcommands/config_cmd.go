package subcommands

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"MealLens/internal/config"
)

// RunConfig prints the resolved configuration as YAML.
func RunConfig(cfg config.Config, stdout io.Writer) int {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fail(os.Stderr, "failed to marshal config: %v", err)
	}
	fmt.Fprintln(stdout, "# MealLens configuration (defaults, file, environment)")
	fmt.Fprint(stdout, string(data))
	return 0
}
