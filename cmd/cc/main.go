// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Cc is the Command Center operator CLI. It lists, attaches to,
// types into, refreshes, and kills sessions on a running server, and
// carries the two tools agents call from inside a session: "cc ask"
// blocks on a human answer through the approval relay, and "cc notify"
// pushes a message to the operator's phone.
//
// The server and token come from --url and --token, or from
// CC_BASE_URL and CC_AUTH_TOKEN. Sessions export CC_SESSION_ID, which
// "cc ask" uses to tag its questions.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/commandcenter/lib/cli"
	"github.com/bureau-foundation/commandcenter/lib/clock"
	"github.com/bureau-foundation/commandcenter/lib/process"
	"github.com/bureau-foundation/commandcenter/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return newApp(os.Stdout, clock.Real()).root().Execute(ctx, os.Args[1:])
}

// app carries what every command writes to and waits on, so tests can
// capture output.
type app struct {
	out   io.Writer
	clock clock.Clock
}

func newApp(out io.Writer, clk clock.Clock) *app {
	return &app{out: out, clock: clk}
}

func (a *app) root() *cli.Command {
	return &cli.Command{
		Name:    "cc",
		Summary: "Command Center operator CLI",
		Description: `Command Center supervises coding-agent sessions running in tmux.
This CLI talks to a running server over its HTTP API.`,
		Subcommands: []*cli.Command{
			a.listCommand(),
			a.attachCommand(),
			a.inputCommand(),
			a.killCommand(),
			a.refreshCommand(),
			a.autoApproveCommand(),
			a.askCommand(),
			a.notifyCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(context.Context, []string) error {
					_, err := io.WriteString(a.out, "cc "+version.Full()+"\n")
					return err
				},
			},
		},
	}
}
