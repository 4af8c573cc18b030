// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Commandcenter is the Command Center server. It supervises agent
// sessions running in a private tmux server, classifies their panes,
// and serves the session API, the approval relay, and terminal
// streams over HTTP.
//
// On startup:
//  1. Loads configuration from --config, $COMMAND_CENTER_CONFIG, or
//     the built-in defaults.
//  2. Opens the session database and reconciles its rows against the
//     tmux sessions that survived the last run.
//  3. Starts the status monitor and the approval sweeper.
//  4. Serves HTTP until SIGINT or SIGTERM, then stops every background
//     task before exiting.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/commandcenter/lib/config"
	"github.com/bureau-foundation/commandcenter/lib/logging"
	"github.com/bureau-foundation/commandcenter/lib/process"
	"github.com/bureau-foundation/commandcenter/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		listen      string
		logLevel    string
		showVersion bool
	)

	flags := pflag.NewFlagSet("commandcenter", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "configuration file (YAML or JSONC); defaults to $"+config.EnvironmentVariable)
	flags.StringVar(&listen, "listen", "", "override the configured listen address")
	flags.StringVar(&logLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("commandcenter %s\n", version.Info())
		return nil
	}

	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := logging.New(level)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon, err := newDaemon(ctx, cfg, daemonOptions{Logger: logger})
	if err != nil {
		return err
	}
	return daemon.Run(ctx)
}

// loadConfig prefers an explicit path, then the environment variable,
// then the defaults.
func loadConfig(path string) (*config.Config, error) {
	switch {
	case path != "":
		return config.LoadFile(path)
	case os.Getenv(config.EnvironmentVariable) != "":
		return config.Load()
	default:
		return config.LoadDefault(), nil
	}
}
