package main

import (
	"os"

	"github.com/flotilla-sh/flotilla/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
