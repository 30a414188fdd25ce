// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// args.go - Command-line argument parsing for the courier CLI.

package cli

import (
	"flag"
	"fmt"
	"os"
)

// Args holds parsed command-line options.
type Args struct {
	// Command is the subcommand: "chat" (default), "version", "config".
	Command string

	// ServerURL overrides server.base_url from the config file.
	ServerURL string
	// ConfigPath loads configuration from an explicit file.
	ConfigPath string
	// Quiet suppresses banners and per-turn statistics.
	Quiet bool
}

// Parse parses os.Args into an Args value. Exits on flag errors.
func Parse() Args {
	var a Args

	fs := flag.NewFlagSet("courier", flag.ExitOnError)
	fs.StringVar(&a.ServerURL, "server", "", "chat server base URL (overrides config)")
	fs.StringVar(&a.ConfigPath, "config", "", "path to config file")
	fs.BoolVar(&a.Quiet, "quiet", false, "suppress banners and statistics")
	fs.BoolVar(&a.Quiet, "q", false, "suppress banners and statistics (shorthand)")
	fs.Usage = printUsage

	fs.Parse(os.Args[1:])

	a.Command = "chat"
	if rest := fs.Args(); len(rest) > 0 {
		a.Command = rest[0]
	}
	return a
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: courier [flags] [command]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  chat      Start interactive chat (default)")
	fmt.Fprintln(os.Stderr, "  config    Print the resolved configuration")
	fmt.Fprintln(os.Stderr, "  version   Print version information")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Flags:")
	fmt.Fprintln(os.Stderr, "  --server URL    Chat server base URL (overrides config)")
	fmt.Fprintln(os.Stderr, "  --config PATH   Path to config file")
	fmt.Fprintln(os.Stderr, "  -q, --quiet     Suppress banners and statistics")
}
