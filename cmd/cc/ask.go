// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/commandcenter/approval"
	"github.com/bureau-foundation/commandcenter/lib/cli"
	"github.com/bureau-foundation/commandcenter/lib/process"
	"github.com/bureau-foundation/commandcenter/notify"
	"github.com/bureau-foundation/commandcenter/session"
)

// exitNoAnswer is the exit status of "cc ask" when nobody answered in
// time.
const exitNoAnswer = 3

// ntfyFlags selects the ntfy topic for commands that publish directly.
type ntfyFlags struct {
	url   string
	topic string
	token string
}

func (n *ntfyFlags) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&n.url, "ntfy-url", envOr("CC_NTFY_URL", notify.DefaultURL), "ntfy server ($CC_NTFY_URL)")
	flagSet.StringVar(&n.topic, "ntfy-topic", os.Getenv("CC_NTFY_TOPIC"), "ntfy topic ($CC_NTFY_TOPIC)")
	flagSet.StringVar(&n.token, "ntfy-token", os.Getenv("CC_NTFY_TOKEN"), "ntfy access token ($CC_NTFY_TOKEN)")
}

// publisher returns nil when no topic is configured.
func (n *ntfyFlags) publisher() (*notify.Publisher, error) {
	if n.topic == "" {
		return nil, nil
	}
	return notify.NewPublisher(notify.PublisherConfig{URL: n.url, Topic: n.topic, Token: n.token})
}

func (a *app) askCommand() *cli.Command {
	var (
		conn      connection
		ntfy      ntfyFlags
		sessionID string
		publicURL string
		options   []string
		noText    bool
		timeout   time.Duration
		poll      time.Duration
	)
	return &cli.Command{
		Name:    "ask",
		Summary: "Ask the operator a question and print the answer",
		Description: `Post a question to the approval relay, push it to the operator's phone
when an ntfy topic is configured, and block until it is answered. The
answer is printed on stdout. Exits 3 when nobody answers in time.

Agents call this from inside a session; CC_SESSION_ID tags the question
with the asking session.`,
		Usage: "cc ask [flags] <question...>",
		Examples: []cli.Example{
			{
				Description: "Offer two one-tap answers",
				Command:     `cc ask --option "Ship it" --option "Hold" "Tests pass. Deploy to staging?"`,
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("ask", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			ntfy.addFlags(flagSet)
			flagSet.StringVar(&sessionID, "session", os.Getenv(session.EnvironmentSessionID), "asking session ($CC_SESSION_ID)")
			flagSet.StringVar(&publicURL, "public-url", os.Getenv("CC_PUBLIC_URL"), "server URL reachable from the phone ($CC_PUBLIC_URL); defaults to --url")
			flagSet.StringArrayVar(&options, "option", nil, "a suggested answer (repeatable; the first two become notification buttons)")
			flagSet.BoolVar(&noText, "no-text", false, "only accept one of the --option answers")
			flagSet.DurationVar(&timeout, "timeout", approval.DefaultAskTimeout, "give up after this long")
			flagSet.DurationVar(&poll, "poll", approval.DefaultPollInterval, "interval between answer checks")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return fmt.Errorf("question required\n\nUsage: cc ask [flags] <question...>")
			}
			if noText && len(options) == 0 {
				return fmt.Errorf("--no-text needs at least one --option")
			}
			publisher, err := ntfy.publisher()
			if err != nil {
				return err
			}
			client, err := approval.NewClient(approval.ClientConfig{
				BaseURL:      conn.url,
				PublicURL:    publicURL,
				Token:        conn.token,
				SessionID:    sessionID,
				Publisher:    publisher,
				Clock:        a.clock,
				PollInterval: poll,
				Timeout:      timeout,
			})
			if err != nil {
				return err
			}

			answer, err := client.Ask(ctx, approval.Question{
				Text:      question,
				Options:   options,
				AllowText: !noText,
			})
			switch {
			case errors.Is(err, approval.ErrTimeout):
				return &process.ExitError{Code: exitNoAnswer, Message: fmt.Sprintf("no answer within %v", timeout)}
			case errors.Is(err, approval.ErrNotFound):
				return &process.ExitError{Code: exitNotFound, Message: "the question expired before it was answered"}
			case err != nil:
				return err
			}
			fmt.Fprintln(a.out, answer)
			return nil
		},
	}
}

func (a *app) notifyCommand() *cli.Command {
	var (
		ntfy     ntfyFlags
		priority int
	)
	return &cli.Command{
		Name:    "notify",
		Summary: "Push a message to the operator's phone",
		Usage:   "cc notify [flags] <message...>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("notify", pflag.ContinueOnError)
			ntfy.addFlags(flagSet)
			flagSet.IntVar(&priority, "priority", notify.PriorityDefault, "ntfy priority, 1 (min) to 5 (urgent)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return fmt.Errorf("message required\n\nUsage: cc notify [flags] <message...>")
			}
			publisher, err := ntfy.publisher()
			if err != nil {
				return err
			}
			if publisher == nil {
				return fmt.Errorf("no ntfy topic (set --ntfy-topic or CC_NTFY_TOPIC)")
			}
			if err := publisher.Publish(ctx, notify.UserMessage(text, priority)); err != nil {
				return fmt.Errorf("publishing notification: %w", err)
			}
			fmt.Fprintln(a.out, "sent")
			return nil
		},
	}
}
