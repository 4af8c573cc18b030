// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package viewer

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

var errWebSocketUnavailable = errors.New("websocket upgrade refused")

type dialResult struct {
	conn     *websocket.Conn
	response *http.Response
	err      error
}

// runWebSocket attaches over the WebSocket transport and returns when
// the connection ends. attached reports whether the socket opened.
func (c *Client) runWebSocket(ctx context.Context) (attached bool, err error) {
	scheme := "ws"
	if c.base.Scheme == "https" {
		scheme = "wss"
	}
	target := c.endpoint(scheme, "/ws/terminal/"+url.PathEscape(c.sessionID), true)

	conn, err := c.dial(ctx, target)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	c.attached(conn)

	activity := make(chan struct{}, 1)
	touch := func() {
		select {
		case activity <- struct{}{}:
		default:
		}
	}
	conn.SetPingHandler(func(data string) error {
		touch()
		deadline := time.Now().Add(10 * time.Second) //nolint:realclock // kernel I/O deadline
		err := conn.WriteControl(websocket.PongMessage, []byte(data), deadline)
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	readDone := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readDone <- err
				return
			}
			touch()
			if _, err := c.output.Write(data); err != nil {
				c.logger.Debug("writing terminal output failed", "error", err)
			}
		}
	}()

	heartbeat := c.clock.NewTimer(c.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-activity:
			heartbeat.Reset(c.heartbeat)
		case <-heartbeat.C:
			conn.Close()
			<-readDone
			return true, errHeartbeat
		case err := <-readDone:
			return true, classifyClose(err)
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second) //nolint:realclock // kernel I/O deadline
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			conn.Close()
			<-readDone
			return true, ctx.Err()
		}
	}
}

// dial opens the socket, giving up after the WebSocket timeout.
func (c *Client) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timeout := c.clock.NewTimer(c.webSocketTimeout)
	defer timeout.Stop()

	results := make(chan dialResult, 1)
	go func() {
		conn, response, err := websocket.DefaultDialer.DialContext(dialCtx, target, c.authHeader())
		results <- dialResult{conn, response, err}
	}()

	var result dialResult
	select {
	case result = <-results:
	case <-timeout.C:
		cancel()
		abandon(<-results)
		return nil, errWebSocketTimeout
	case <-ctx.Done():
		cancel()
		abandon(<-results)
		return nil, ctx.Err()
	}

	if result.err != nil {
		if result.response != nil {
			result.response.Body.Close()
			switch result.response.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, ErrUnauthorized
			case http.StatusNotFound:
				return nil, ErrSessionGone
			}
			// Something between us and the server refuses upgrades.
			return nil, errWebSocketUnavailable
		}
		return nil, result.err
	}
	return result.conn, nil
}

func abandon(result dialResult) {
	if result.conn != nil {
		result.conn.Close()
	}
	if result.response != nil && result.response.Body != nil {
		result.response.Body.Close()
	}
}

// classifyClose maps the server's close frame onto Run's outcomes.
func classifyClose(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case closeSessionNotFound:
			return ErrSessionGone
		case websocket.CloseNormalClosure:
			return errTerminalExited
		}
	}
	return err
}
