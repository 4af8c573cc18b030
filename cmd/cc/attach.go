// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/commandcenter/lib/cli"
	"github.com/bureau-foundation/commandcenter/lib/process"
	"github.com/bureau-foundation/commandcenter/viewer"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

// clearScreen homes the cursor and erases the display, so a repaint
// after a reconnect does not land on stale output.
const clearScreen = "\x1b[H\x1b[2J"

func (a *app) attachCommand() *cli.Command {
	var conn connection
	return &cli.Command{
		Name:    "attach",
		Summary: "Attach this terminal to a session",
		Description: `Stream a session's terminal into this one and forward keystrokes to it.
The connection uses a WebSocket and falls back to server-sent events
when WebSockets are blocked; it reconnects by itself until the session
is killed. Press Ctrl-] to detach.`,
		Usage: "cc attach <id>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("attach", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("exactly one session id required\n\nUsage: cc attach <id>")
			}
			return attach(ctx, conn, args[0], os.Stdin, os.Stdout)
		},
	}
}

func attach(ctx context.Context, conn connection, id string, stdin, stdout *os.File) error {
	inputFd := int(stdin.Fd())
	if !term.IsTerminal(inputFd) {
		return fmt.Errorf("cc attach needs a terminal on stdin")
	}
	cols, rows, err := term.GetSize(int(stdout.Fd()))
	if err != nil {
		cols, rows = 0, 0
	}

	// Status lines go through the raw terminal, so they carry their
	// own carriage returns.
	status := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, "\r\n[cc] "+format+"\r\n", args...)
	}

	client, err := viewer.New(viewer.Config{
		BaseURL:   conn.url,
		SessionID: id,
		Token:     conn.token,
		Cols:      cols,
		Rows:      rows,
		Output:    stdout,
		OnReset: func() {
			io.WriteString(stdout, clearScreen)
		},
		OnState: func(state viewer.State) {
			switch state {
			case viewer.StateReconnecting:
				status("connection lost, reconnecting")
			case viewer.StateFallback:
				status("websocket unavailable, streaming over HTTP")
			}
		},
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		return err
	}

	oldState, err := term.MakeRaw(inputFd)
	if err != nil {
		return fmt.Errorf("set terminal raw mode: %w", err)
	}
	defer term.Restore(inputFd, oldState)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go forwardInput(ctx, cancel, stdin, client)
	go forwardResizes(ctx, int(stdout.Fd()), client)

	err = client.Run(ctx)
	term.Restore(inputFd, oldState)
	switch {
	case errors.Is(err, viewer.ErrSessionGone):
		fmt.Fprintln(os.Stderr)
		return &process.ExitError{Code: exitNotFound, Message: fmt.Sprintf("session %s not found", id)}
	case errors.Is(err, viewer.ErrUnauthorized):
		return fmt.Errorf("server rejected the token (set --token or CC_AUTH_TOKEN)")
	case err != nil && ctx.Err() == nil:
		return err
	}
	fmt.Fprintln(os.Stderr, "\ndetached")
	return nil
}

// forwardInput copies keystrokes to the session until the detach key,
// EOF, or cancellation.
func forwardInput(ctx context.Context, cancel context.CancelFunc, stdin io.Reader, client *viewer.Client) {
	defer cancel()
	buffer := make([]byte, 4096)
	for {
		n, err := stdin.Read(buffer)
		if n > 0 {
			chunk := buffer[:n]
			detach := false
			if index := bytes.IndexByte(chunk, detachKey); index >= 0 {
				chunk, detach = chunk[:index], true
			}
			if len(chunk) > 0 {
				// Keystrokes typed during a reconnect are dropped.
				if err := client.Send(ctx, append([]byte(nil), chunk...)); err != nil && !errors.Is(err, viewer.ErrNotConnected) {
					return
				}
			}
			if detach {
				return
			}
		}
		if err != nil || ctx.Err() != nil {
			return
		}
	}
}

// forwardResizes tells the session about every SIGWINCH.
func forwardResizes(ctx context.Context, fd int, client *viewer.Client) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGWINCH)
	defer signal.Stop(signals)
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			cols, rows, err := term.GetSize(fd)
			if err != nil {
				continue
			}
			client.Resize(ctx, cols, rows)
		}
	}
}
