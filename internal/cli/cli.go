// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the courier command-line interface: argument
// parsing, command dispatch, and the interactive chat REPL.
package cli

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/courier/internal/config"
)

// Version information (set at build time)
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Run dispatches the parsed command.
func Run(args Args) error {
	switch args.Command {
	case "chat":
		return HandleChatCommand(args)
	case "config":
		return handleConfigCommand(args)
	case "version":
		fmt.Printf("courier %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return nil
	case "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args.Command)
	}
}

// handleConfigCommand prints the resolved configuration as TOML.
func handleConfigCommand(args Args) error {
	var cfg *config.Config
	var err error
	if args.ConfigPath != "" {
		cfg, err = config.LoadFromPath(args.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	fmt.Println(TitleStyle.Render("Resolved configuration"))
	return toml.NewEncoder(os.Stdout).Encode(cfg)
}
