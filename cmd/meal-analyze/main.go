// Command meal-analyze loads the model, analyzes one meal photo and prints
// a single JSON line.
package main

import (
	"os"

	"MealLens/internal/cli"
)

func main() {
	os.Exit(cli.RunOneShot(os.Args[1:], os.Stdout))
}
