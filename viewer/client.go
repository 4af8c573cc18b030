// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/commandcenter/lib/clock"
	"github.com/bureau-foundation/commandcenter/lib/netutil"
)

var (
	// ErrSessionGone means the server has no such session. Reconnecting
	// cannot help.
	ErrSessionGone = errors.New("viewer: session not found")

	// ErrUnauthorized means the server rejected the token.
	ErrUnauthorized = errors.New("viewer: unauthorized")

	// ErrNotConnected is returned by Send and Resize between attaches.
	ErrNotConnected = errors.New("viewer: not connected")
)

// State is the connection state reported through Config.OnState.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFallback     State = "fallback"
	StateClosed       State = "closed"
)

// Defaults for Config.
const (
	DefaultWebSocketTimeout = 5 * time.Second
	DefaultBackoffBase      = time.Second
	DefaultBackoffMax       = 30 * time.Second
	DefaultHeartbeat        = 25 * time.Second
)

// closeSessionNotFound mirrors the server's close code for an unknown
// session.
const closeSessionNotFound = 4004

// Internal outcomes of one attach.
var (
	errWebSocketTimeout = errors.New("websocket did not open in time")
	errHeartbeat        = errors.New("no data from server within the heartbeat window")
	errTerminalExited   = errors.New("terminal exited")
)

// Config holds the parameters for New.
type Config struct {
	// BaseURL is the server, e.g. http://127.0.0.1:3100.
	BaseURL   string
	SessionID string
	Token     string

	// Cols and Rows are the initial terminal size. Zero lets the
	// server choose.
	Cols, Rows int

	// Output receives terminal output. It is written from one
	// goroutine at a time.
	Output io.Writer

	// OnReset is called at every successful attach, before the
	// repaint arrives.
	OnReset func()

	// OnState is called on every state change.
	OnState func(State)

	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger

	WebSocketTimeout time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	Heartbeat        time.Duration
}

// Client is a reconnecting terminal viewer.
type Client struct {
	base      *url.URL
	sessionID string
	token     string
	output    io.Writer
	onReset   func()
	onState   func(State)
	http      *http.Client
	clock     clock.Clock
	logger    *slog.Logger

	webSocketTimeout time.Duration
	backoffBase      time.Duration
	backoffMax       time.Duration
	heartbeat        time.Duration

	// random returns a value in [0, n); swapped in tests.
	random func(n int64) int64

	mu    sync.Mutex
	cols  int
	rows  int
	conn  *websocket.Conn
	sse   bool
	live  bool
	state State

	writeMu sync.Mutex
}

// New returns a Client for one session. Nothing connects until Run.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("viewer: base URL %q must be http or https", cfg.BaseURL)
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("viewer: session id is required")
	}
	client := &Client{
		base:             base,
		sessionID:        cfg.SessionID,
		token:            cfg.Token,
		output:           cfg.Output,
		onReset:          cfg.OnReset,
		onState:          cfg.OnState,
		http:             cfg.HTTPClient,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
		webSocketTimeout: cfg.WebSocketTimeout,
		backoffBase:      cfg.BackoffBase,
		backoffMax:       cfg.BackoffMax,
		heartbeat:        cfg.Heartbeat,
		random:           rand.Int64N,
		cols:             cfg.Cols,
		rows:             cfg.Rows,
	}
	if client.output == nil {
		client.output = io.Discard
	}
	if client.http == nil {
		client.http = &http.Client{}
	}
	if client.clock == nil {
		client.clock = clock.Real()
	}
	if client.logger == nil {
		client.logger = slog.New(slog.DiscardHandler)
	}
	if client.webSocketTimeout <= 0 {
		client.webSocketTimeout = DefaultWebSocketTimeout
	}
	if client.backoffBase <= 0 {
		client.backoffBase = DefaultBackoffBase
	}
	if client.backoffMax <= 0 {
		client.backoffMax = DefaultBackoffMax
	}
	if client.heartbeat <= 0 {
		client.heartbeat = DefaultHeartbeat
	}
	return client, nil
}

// Run keeps the viewer attached until ctx ends or the session is
// gone. It returns ctx.Err(), ErrSessionGone, or ErrUnauthorized.
func (c *Client) Run(ctx context.Context) error {
	c.setState(StateConnecting)
	failures := 0
	for {
		var attached bool
		var err error
		if c.streaming() {
			attached, err = c.runStream(ctx)
		} else {
			attached, err = c.runWebSocket(ctx)
		}
		c.detach()

		switch {
		case ctx.Err() != nil:
			c.setState(StateClosed)
			return ctx.Err()
		case errors.Is(err, ErrSessionGone), errors.Is(err, ErrUnauthorized):
			c.setState(StateClosed)
			return err
		case errors.Is(err, errWebSocketTimeout), errors.Is(err, errWebSocketUnavailable):
			c.logger.Info("websocket unavailable, switching to the event stream", "session", c.sessionID, "error", err)
			c.mu.Lock()
			c.sse = true
			c.mu.Unlock()
			c.setState(StateFallback)
			continue
		}

		if attached {
			failures = 0
		}
		delay := c.backoff(failures)
		failures++
		c.logger.Info("terminal disconnected, reconnecting", "session", c.sessionID, "error", err, "delay", delay)
		c.setState(StateReconnecting)
		select {
		case <-ctx.Done():
			c.setState(StateClosed)
			return ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}

// Send writes keystrokes to the terminal.
func (c *Client) Send(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	conn, sse, live := c.current()
	switch {
	case !live:
		return ErrNotConnected
	case sse:
		return c.postInput(ctx, map[string]any{"data": string(data)})
	default:
		return c.writeJSON(conn, map[string]any{"type": "data", "data": string(data)})
	}
}

// Resize changes the terminal size. The size is also used for every
// later attach.
func (c *Client) Resize(ctx context.Context, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	c.mu.Lock()
	c.cols, c.rows = cols, rows
	c.mu.Unlock()

	conn, sse, live := c.current()
	switch {
	case !live:
		return ErrNotConnected
	case sse:
		return c.postInput(ctx, map[string]any{"cols": cols, "rows": rows})
	default:
		return c.writeJSON(conn, map[string]any{"type": "resize", "cols": cols, "rows": rows})
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// backoff returns the delay before reconnect attempt n (from zero):
// base doubled n times, capped, with the upper half randomized.
func (c *Client) backoff(n int) time.Duration {
	delay := c.backoffMax
	if n < 32 {
		if scaled := c.backoffBase << n; scaled > 0 && scaled < c.backoffMax {
			delay = scaled
		}
	}
	half := delay / 2
	return half + time.Duration(c.random(int64(delay-half)+1))
}

// attached records a successful attach and tells the caller.
func (c *Client) attached(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.live = true
	c.mu.Unlock()
	if c.onReset != nil {
		c.onReset()
	}
	c.setState(StateConnected)
}

func (c *Client) detach() {
	c.mu.Lock()
	c.conn = nil
	c.live = false
	c.mu.Unlock()
}

func (c *Client) current() (*websocket.Conn, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.sse, c.live
}

func (c *Client) streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sse
}

func (c *Client) size() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cols, c.rows
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()
	if changed && c.onState != nil {
		c.onState(state)
	}
}

// endpoint returns the URL of path on the server, with the current
// size as a query when sized is set.
func (c *Client) endpoint(scheme, path string, sized bool) string {
	target := *c.base
	target.Scheme = scheme
	target.Path = strings.TrimRight(c.base.Path, "/") + path
	if sized {
		cols, rows := c.size()
		query := url.Values{}
		if cols > 0 && rows > 0 {
			query.Set("cols", fmt.Sprint(cols))
			query.Set("rows", fmt.Sprint(rows))
		}
		target.RawQuery = query.Encode()
	}
	return target.String()
}

func (c *Client) authHeader() http.Header {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	return header
}

func (c *Client) writeJSON(conn *websocket.Conn, message any) error {
	encoded, err := json.Marshal(message)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second)) //nolint:realclock // kernel I/O deadline
	return conn.WriteMessage(websocket.TextMessage, encoded)
}

func (c *Client) postInput(ctx context.Context, body map[string]any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	target := c.endpoint(c.base.Scheme, "/api/terminal/"+url.PathEscape(c.sessionID)+"/input", false)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	request.Header = c.authHeader()
	request.Header.Set("Content-Type", "application/json")
	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("viewer: sending input: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("viewer: sending input: HTTP %d: %s", response.StatusCode, netutil.ErrorMessage(response.Body))
	}
	return nil
}
