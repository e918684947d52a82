// Package main is the entry point for the muxtun binary.
//
// muxtun manages local->remote TCP forwarding tunnels multiplexed over
// long-lived SSH control connections. Invoked without a subcommand it lists
// the active tunnels; subcommands cover add, remove, kill, save, load and
// doctor. The command tree is built in internal/cli; this file wires it up
// and handles top-level error reporting.
package main

import (
	"fmt"
	"os"

	"github.com/muxtun/muxtun/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
