package main

import (
	"os"

	"MealLens/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
