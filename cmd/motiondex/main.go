// Package main provides the entry point for the motiondex CLI.
package main

import (
	"os"

	"github.com/motiondex/motiondex/cmd/motiondex/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
