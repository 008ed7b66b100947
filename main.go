// Package main is the entry point for the ralphd control plane.
package main

import (
	"fmt"
	"os"

	"github.com/zjrosen/ralphd/cmd"
)

// Build information injected via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date))
	os.Exit(cmd.Execute())
}
