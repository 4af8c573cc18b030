// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package viewer

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bureau-foundation/commandcenter/lib/netutil"
)

// sseEvent is one dispatched Server-Sent Event. Comments dispatch
// as an empty event so they still count as activity.
type sseEvent struct {
	name string
	data string
}

// runStream attaches over the SSE transport. Input and resizes go
// through the companion input endpoint while it is attached.
func (c *Client) runStream(ctx context.Context) (attached bool, err error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	target := c.endpoint(c.base.Scheme, "/api/terminal/"+url.PathEscape(c.sessionID)+"/stream", true)
	request, err := http.NewRequestWithContext(streamCtx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	request.Header = c.authHeader()
	request.Header.Set("Accept", "text/event-stream")

	response, err := c.http.Do(request)
	if err != nil {
		return false, err
	}
	defer response.Body.Close()
	switch response.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return false, ErrSessionGone
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, ErrUnauthorized
	default:
		return false, fmt.Errorf("stream: HTTP %d: %s", response.StatusCode, netutil.ErrorMessage(response.Body))
	}
	c.attached(nil)

	events := make(chan sseEvent)
	readDone := make(chan error, 1)
	go func() {
		readDone <- readEvents(response, events, streamCtx.Done())
	}()

	heartbeat := c.clock.NewTimer(c.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case event := <-events:
			heartbeat.Reset(c.heartbeat)
			switch event.name {
			case "exit":
				cancel()
				<-readDone
				return true, errTerminalExited
			case "", "message":
				if event.data == "" {
					continue
				}
				chunk, err := base64.StdEncoding.DecodeString(event.data)
				if err != nil {
					c.logger.Debug("undecodable stream event", "error", err)
					continue
				}
				if _, err := c.output.Write(chunk); err != nil {
					c.logger.Debug("writing terminal output failed", "error", err)
				}
			}
		case <-heartbeat.C:
			cancel()
			<-readDone
			return true, errHeartbeat
		case err := <-readDone:
			if err == nil {
				err = fmt.Errorf("stream ended")
			}
			return true, err
		case <-ctx.Done():
			cancel()
			<-readDone
			return true, ctx.Err()
		}
	}
}

// readEvents parses the event stream into events until the body ends
// or done closes.
func readEvents(response *http.Response, events chan<- sseEvent, done <-chan struct{}) error {
	deliver := func(event sseEvent) bool {
		select {
		case events <- event:
			return true
		case <-done:
			return false
		}
	}

	reader := bufio.NewReader(response.Body)
	var pending sseEvent
	var data []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case strings.HasPrefix(line, ":"):
			if !deliver(sseEvent{}) {
				return nil
			}
		case line == "":
			pending.data = strings.Join(data, "\n")
			if !deliver(pending) {
				return nil
			}
			pending, data = sseEvent{}, nil
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				pending.name = value
			case "data":
				data = append(data, value)
			}
		}
	}
}
