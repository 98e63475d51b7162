package main

import (
	"os"

	"github.com/fatih/color"

	"github.com/nonsonwune/callers_db/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
