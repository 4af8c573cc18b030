// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/commandcenter/lib/clock"
	"github.com/bureau-foundation/commandcenter/lib/netutil"
	"github.com/bureau-foundation/commandcenter/notify"
)

// Client defaults.
const (
	DefaultPollInterval = 1500 * time.Millisecond
	DefaultAskTimeout   = 10 * time.Minute

	// maxOptionButtons is how many options become one-tap buttons.
	// ntfy allows three actions and one is the Reply link.
	maxOptionButtons = 2
)

// ErrTimeout is returned by Ask when nobody answers in time.
var ErrTimeout = errors.New("approval: no answer before the timeout")

// Question is what Ask puts to the human.
type Question struct {
	Text    string
	Options []string

	// AllowText offers a free-text reply besides the options.
	AllowText bool
}

// ClientConfig holds the parameters for NewClient.
type ClientConfig struct {
	// BaseURL is the Command Center server, e.g. http://127.0.0.1:3100.
	BaseURL string

	// PublicURL is where the human's phone reaches the server, used
	// in notification buttons. Empty means BaseURL.
	PublicURL string

	// Token is the server's API token.
	Token string

	// SessionID tags requests with the asking session.
	SessionID string

	// Publisher, when set, announces each question through ntfy.
	Publisher *notify.Publisher

	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration

	// Timeout defaults to DefaultAskTimeout.
	Timeout time.Duration
}

// Client asks questions through a Command Center server.
type Client struct {
	baseURL      string
	publicURL    string
	token        string
	sessionID    string
	publisher    *notify.Publisher
	http         *http.Client
	clock        clock.Clock
	logger       *slog.Logger
	pollInterval time.Duration
	timeout      time.Duration
}

// NewClient returns a Client for cfg.BaseURL.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("approval: base URL is required")
	}
	client := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		publicURL:    strings.TrimRight(cfg.PublicURL, "/"),
		token:        cfg.Token,
		sessionID:    cfg.SessionID,
		publisher:    cfg.Publisher,
		http:         cfg.HTTPClient,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		pollInterval: cfg.PollInterval,
		timeout:      cfg.Timeout,
	}
	if client.publicURL == "" {
		client.publicURL = client.baseURL
	}
	if client.http == nil {
		client.http = &http.Client{Timeout: 30 * time.Second}
	}
	if client.clock == nil {
		client.clock = clock.Real()
	}
	if client.logger == nil {
		client.logger = slog.New(slog.DiscardHandler)
	}
	if client.pollInterval <= 0 {
		client.pollInterval = DefaultPollInterval
	}
	if client.timeout <= 0 {
		client.timeout = DefaultAskTimeout
	}
	return client, nil
}

// Ask registers question with the server, announces it, and blocks
// until it is answered, the timeout passes (ErrTimeout), the request
// disappears (ErrNotFound), or ctx ends. Failed polls are retried
// until the timeout.
func (c *Client) Ask(ctx context.Context, question Question) (string, error) {
	if strings.TrimSpace(question.Text) == "" {
		return "", fmt.Errorf("approval: question is empty")
	}
	deadline := c.clock.NewTimer(c.timeout)
	defer deadline.Stop()

	requestID := uuid.NewString()
	err := c.do(ctx, http.MethodPost, "/api/mcp/requests", map[string]any{
		"requestId": requestID,
		"sessionId": c.sessionID,
		"question":  question.Text,
		"options":   nonNil(question.Options),
		"allowText": question.AllowText,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("approval: registering question: %w", err)
	}
	c.logger.Info("question registered", "request_id", requestID)

	if c.publisher != nil {
		if err := c.publisher.Publish(ctx, c.questionMessage(requestID, question)); err != nil {
			// The web UI still shows the question.
			c.logger.Warn("question notification failed", "request_id", requestID, "error", err)
		}
	}

	for {
		answer, err := c.poll(ctx, requestID)
		switch {
		case err == nil:
			return answer, nil
		case errors.Is(err, ErrNotFound):
			return "", err
		case errors.Is(err, ErrNoAnswer):
		case ctx.Err() != nil:
			return "", ctx.Err()
		default:
			c.logger.Warn("polling for answer failed", "request_id", requestID, "error", err)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", ErrTimeout
		case <-c.clock.After(c.pollInterval):
		}
	}
}

func (c *Client) poll(ctx context.Context, requestID string) (string, error) {
	var reply struct {
		Response string `json:"response"`
	}
	err := c.do(ctx, http.MethodGet, "/api/mcp/responses/"+url.PathEscape(requestID), nil, &reply)
	if err != nil {
		return "", err
	}
	return reply.Response, nil
}

// questionMessage offers the first options as one-tap answers and a
// Reply link to the web UI for everything else.
func (c *Client) questionMessage(requestID string, question Question) notify.Message {
	respond := c.publicURL + "/api/mcp/respond"
	if c.token != "" {
		respond += "?token=" + url.QueryEscape(c.token)
	}
	var actions []notify.Action
	for _, option := range question.Options[:min(len(question.Options), maxOptionButtons)] {
		body, _ := json.Marshal(map[string]string{"requestId": requestID, "response": option})
		action := notify.PostJSONAction(option, respond, string(body))
		action.Clear = true
		actions = append(actions, action)
	}
	actions = append(actions, notify.ViewAction("Reply", c.publicURL+"/respond/"+url.PathEscape(requestID)))

	return notify.Message{
		Title:    "Claude is asking",
		Body:     question.Text,
		Tags:     []string{"robot", "question"},
		Priority: notify.PriorityHigh,
		Actions:  actions,
	}
}

// do sends one API call. A 204 maps to ErrNoAnswer and a 404 to
// ErrNotFound; other non-2xx replies become errors carrying the
// server's message.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNoContent:
		return ErrNoAnswer
	case response.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case response.StatusCode < 200 || response.StatusCode >= 300:
		return fmt.Errorf("%s %s: HTTP %d: %s", method, path, response.StatusCode, netutil.ErrorMessage(response.Body))
	}
	if out == nil {
		return nil
	}
	if err := netutil.DecodeResponse(response.Body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func nonNil(options []string) []string {
	if options == nil {
		return []string{}
	}
	return options
}
