// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/commandcenter/lib/cli"
	"github.com/bureau-foundation/commandcenter/session"
)

func (a *app) listCommand() *cli.Command {
	var (
		conn       connection
		jsonOutput bool
	)
	return &cli.Command{
		Name:    "list",
		Summary: "List sessions and their status",
		Usage:   "cc list [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			flagSet.BoolVar(&jsonOutput, "json", false, "print the sessions as JSON")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			var sessions []session.Session
			if err := conn.client().do(ctx, http.MethodGet, "/api/sessions", nil, &sessions); err != nil {
				return err
			}
			if jsonOutput {
				return cli.EncodeJSON(a.out, sessions)
			}
			renderSessions(a.out, sessions, a.clock.Now())
			return nil
		},
	}
}

// renderSessions writes a borderless table of sessions. Colour is only
// emitted when out is a terminal.
func renderSessions(out io.Writer, sessions []session.Session, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "no sessions")
		return
	}
	renderer := lipgloss.NewRenderer(out)
	statusColors := map[session.Status]lipgloss.Color{
		session.StatusRunning:  lipgloss.Color("2"),
		session.StatusWaiting:  lipgloss.Color("3"),
		session.StatusIdle:     lipgloss.Color("4"),
		session.StatusStarting: lipgloss.Color("6"),
		session.StatusDead:     lipgloss.Color("8"),
	}

	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		name := s.Name
		if s.AutoApprove {
			name += " (auto)"
		}
		rows = append(rows, []string{s.ID, name, string(s.Status), formatAge(now.Sub(s.LastActivity)), s.Cwd})
	}

	const statusColumn, lastColumn = 2, 4
	sessionTable := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		Headers("ID", "NAME", "STATUS", "ACTIVE", "CWD").
		Rows(rows...).
		StyleFunc(func(row, column int) lipgloss.Style {
			style := renderer.NewStyle()
			if column != lastColumn {
				style = style.PaddingRight(2)
			}
			switch {
			case row == table.HeaderRow:
				return style.Bold(true)
			case column == statusColumn:
				return style.Foreground(statusColors[sessions[row].Status])
			}
			return style
		})
	fmt.Fprintln(out, sessionTable.Render())
}

// formatAge renders a duration the way "ps" users expect: the single
// largest unit.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(max(d, 0).Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func (a *app) inputCommand() *cli.Command {
	var conn connection
	return &cli.Command{
		Name:    "input",
		Summary: "Type text into a session, followed by Enter",
		Description: `Type text into a session's pane, followed by Enter. With no text,
only Enter is sent, which accepts the highlighted choice of a
confirmation prompt.`,
		Usage: "cc input <id> [text...]",
		Examples: []cli.Example{
			{Description: "Approve a permission prompt", Command: "cc input 3f9a2c1b7e y"},
			{Description: "Press Enter", Command: "cc input 3f9a2c1b7e"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("input", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("session id required\n\nUsage: cc input <id> [text...]")
			}
			body := map[string]string{"text": strings.Join(args[1:], " ")}
			return conn.client().do(ctx, http.MethodPost, sessionPath(args[0], "/input"), body, nil)
		},
	}
}

func (a *app) killCommand() *cli.Command {
	var conn connection
	return &cli.Command{
		Name:    "kill",
		Summary: "Kill a session and remove its worktree",
		Usage:   "cc kill <id>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("kill", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("exactly one session id required\n\nUsage: cc kill <id>")
			}
			if err := conn.client().do(ctx, http.MethodDelete, sessionPath(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "killed %s\n", args[0])
			return nil
		},
	}
}

type refreshStatus struct {
	State      session.RefreshState `json:"state"`
	InProgress bool                 `json:"in_progress"`
}

func (a *app) refreshCommand() *cli.Command {
	var (
		conn     connection
		wait     bool
		poll     time.Duration
		deadline time.Duration
	)
	return &cli.Command{
		Name:    "refresh",
		Summary: "Restart a session's agent and resume its conversation",
		Description: `Interrupt the agent, wait for it to exit, and start it again with the
continue command in the same tmux session. The server runs the
workflow in the background; --wait follows it to the end.`,
		Usage: "cc refresh <id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("refresh", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			flagSet.BoolVar(&wait, "wait", false, "wait for the refresh to finish")
			flagSet.DurationVar(&poll, "poll", time.Second, "interval between progress checks with --wait")
			flagSet.DurationVar(&deadline, "timeout", 2*time.Minute, "give up waiting after this long")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("exactly one session id required\n\nUsage: cc refresh <id>")
			}
			client := conn.client()
			id := args[0]
			if err := client.do(ctx, http.MethodPost, sessionPath(id, "/refresh"), nil, nil); err != nil {
				return err
			}
			if !wait {
				fmt.Fprintf(a.out, "refresh of %s started\n", id)
				return nil
			}

			giveUp := a.clock.After(deadline)
			for {
				var status refreshStatus
				if err := client.do(ctx, http.MethodGet, sessionPath(id, "/refresh"), nil, &status); err != nil {
					return err
				}
				if !status.InProgress {
					if status.State != session.RefreshDone {
						return fmt.Errorf("refresh of %s ended in state %s", id, status.State)
					}
					fmt.Fprintf(a.out, "refresh of %s done\n", id)
					return nil
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-giveUp:
					return fmt.Errorf("refresh of %s still %s after %v", id, status.State, deadline)
				case <-a.clock.After(poll):
				}
			}
		},
	}
}

func (a *app) autoApproveCommand() *cli.Command {
	var conn connection
	return &cli.Command{
		Name:    "auto-approve",
		Summary: "Show or set whether a session answers prompts by itself",
		Usage:   "cc auto-approve <id> [on|off]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("auto-approve", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) == 0 || len(args) > 2 {
				return fmt.Errorf("usage: cc auto-approve <id> [on|off]")
			}
			client := conn.client()
			path := sessionPath(args[0], "/auto-approve")
			var status struct {
				AutoApprove bool `json:"auto_approve"`
			}
			if len(args) == 1 {
				if err := client.do(ctx, http.MethodGet, path, nil, &status); err != nil {
					return err
				}
			} else {
				var on bool
				switch args[1] {
				case "on":
					on = true
				case "off":
				default:
					return fmt.Errorf("expected on or off, got %q", args[1])
				}
				body := map[string]bool{"auto_approve": on}
				if err := client.do(ctx, http.MethodPut, path, body, &status); err != nil {
					return err
				}
			}
			state := "off"
			if status.AutoApprove {
				state = "on"
			}
			fmt.Fprintf(a.out, "auto-approve for %s is %s\n", args[0], state)
			return nil
		},
	}
}
