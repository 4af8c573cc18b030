// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"
)

// maxToolSummary bounds the tool input shown in a notification body.
const maxToolSummary = 200

// Waiting describes a session that needs a human.
type Waiting struct {
	SessionID   string
	SessionName string

	// ToolName and ToolInput come from an agent hook and say which
	// tool call is waiting for permission. Both may be empty.
	ToolName  string
	ToolInput json.RawMessage
}

// NotifierConfig holds the parameters for NewNotifier.
type NotifierConfig struct {
	Publisher *Publisher

	// BaseURL is where phones reach the server. Without it messages
	// carry no action buttons.
	BaseURL string

	// Token authenticates the action buttons, which can only carry a
	// query string.
	Token string

	Logger *slog.Logger

	// Timeout bounds one background publish. Zero means 10 seconds.
	Timeout time.Duration
}

// Notifier sends session notifications in the background.
type Notifier struct {
	publisher *Publisher
	baseURL   string
	token     string
	logger    *slog.Logger
	timeout   time.Duration

	wg sync.WaitGroup
}

// NewNotifier returns a Notifier publishing through cfg.Publisher.
func NewNotifier(cfg NotifierConfig) *Notifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		publisher: cfg.Publisher,
		baseURL:   cfg.BaseURL,
		token:     cfg.Token,
		logger:    logger,
		timeout:   timeout,
	}
}

// WaitingMessage builds the notification for w: two buttons that
// answer the prompt ("y" and a bare Enter) and one that opens the
// session.
func (n *Notifier) WaitingMessage(w Waiting) Message {
	message := Message{
		Title:    w.SessionName + ": Waiting for input",
		Tags:     []string{"robot", "warning"},
		Priority: PriorityHigh,
		Body:     fmt.Sprintf("Claude is waiting for approval in session %q", w.SessionName),
	}
	if w.ToolName != "" {
		message.Body = fmt.Sprintf("Claude wants to use %s in session %q", w.ToolName, w.SessionName)
		if summary := summarizeToolInput(w.ToolInput); summary != "" {
			message.Body += "\n\n" + summary
		}
	}

	if n.baseURL != "" {
		input := n.withToken(n.baseURL + "/api/sessions/" + url.PathEscape(w.SessionID) + "/input")
		message.Actions = []Action{
			PostJSONAction("Yes", input, `{"text":"y"}`),
			PostJSONAction("Continue", input, `{"text":""}`),
			ViewAction("Open", n.baseURL+"/session/"+url.PathEscape(w.SessionID)),
		}
	}
	return message
}

// NotifyWaiting publishes WaitingMessage(w) on a background goroutine.
// Failures are logged.
func (n *Notifier) NotifyWaiting(w Waiting) {
	n.Go(n.WaitingMessage(w))
}

// Go publishes message on a background goroutine.
func (n *Notifier) Go(message Message) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.publisher.Publish(ctx, message); err != nil {
			n.logger.Warn("push notification failed", "title", message.Title, "error", err)
		}
	}()
}

// Wait blocks until every background publish has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) withToken(target string) string {
	if n.token == "" {
		return target
	}
	return target + "?token=" + url.QueryEscape(n.token)
}

// summarizeToolInput prefers the field a human recognizes (the shell
// command, the file path) over the raw JSON.
func summarizeToolInput(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return ""
	}
	var fields map[string]any
	if json.Unmarshal(raw, &fields) == nil {
		for _, key := range []string{"command", "file_path", "path", "url", "pattern"} {
			if value, ok := fields[key].(string); ok && value != "" {
				return truncate(value)
			}
		}
	}
	var compact bytes.Buffer
	if json.Compact(&compact, raw) != nil {
		return truncate(string(raw))
	}
	return truncate(compact.String())
}

func truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= maxToolSummary {
		return text
	}
	return string(runes[:maxToolSummary-1]) + "…"
}

// UserMessage is a plain message from an agent to its operator.
// Priorities outside 1 through 5 become PriorityDefault.
func UserMessage(text string, priority int) Message {
	if priority < PriorityMin || priority > PriorityUrgent {
		priority = PriorityDefault
	}
	return Message{
		Title:    "Command Center",
		Tags:     []string{"robot"},
		Priority: priority,
		Body:     text,
	}
}
