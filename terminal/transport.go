// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/commandcenter/lib/clock"
	"github.com/bureau-foundation/commandcenter/lib/netutil"
)

// WebSocket close codes the viewer acts on.
const (
	// CloseSessionNotFound tells the viewer to stop reconnecting.
	CloseSessionNotFound = 4004

	closeReasonNotFound = "Session not found"
	closeReasonExited   = "Terminal exited"
)

const (
	// DefaultPingInterval keeps the viewer's 25 second heartbeat fed.
	DefaultPingInterval = 20 * time.Second

	// DefaultKeepaliveInterval is the SSE comment interval.
	DefaultKeepaliveInterval = 20 * time.Second

	writeWait = 10 * time.Second

	// maxInputFrame bounds one client frame. Pastes are the largest
	// legitimate input.
	maxInputFrame = 1 << 20
)

// TransportConfig holds the parameters for [NewTransport].
type TransportConfig struct {
	Pool   *Pool
	Clock  clock.Clock
	Logger *slog.Logger

	// PingInterval and KeepaliveInterval default to 20 seconds.
	PingInterval      time.Duration
	KeepaliveInterval time.Duration
}

// Transport serves the pool's terminals over HTTP. Every handler
// reads the session id from the chi URL parameter "id".
type Transport struct {
	pool              *Pool
	clock             clock.Clock
	logger            *slog.Logger
	pingInterval      time.Duration
	keepaliveInterval time.Duration
	upgrader          websocket.Upgrader
}

// NewTransport creates the HTTP handlers for pool.
func NewTransport(cfg TransportConfig) *Transport {
	transport := &Transport{
		pool:              cfg.Pool,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		pingInterval:      cfg.PingInterval,
		keepaliveInterval: cfg.KeepaliveInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: readBufferSize,
			// The token check in front of this handler is the access
			// control; browsers on other origins cannot present it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if transport.clock == nil {
		transport.clock = clock.Real()
	}
	if transport.logger == nil {
		transport.logger = slog.New(slog.DiscardHandler)
	}
	if transport.pingInterval <= 0 {
		transport.pingInterval = DefaultPingInterval
	}
	if transport.keepaliveInterval <= 0 {
		transport.keepaliveInterval = DefaultKeepaliveInterval
	}
	return transport
}

// inputMessage is a text frame from a WebSocket viewer.
type inputMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// ServeWebSocket streams a terminal over a WebSocket. Output goes out
// as binary frames. Text frames are JSON {"type":"data","data":...}
// or {"type":"resize","cols":...,"rows":...}; anything else, and
// every binary frame, is written to the terminal as is.
func (t *Transport) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cols, rows := parseSize(r)
	logger := t.logger.With("session", id, "transport", "websocket")

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	handle, err := t.pool.Acquire(r.Context(), id, cols, rows)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			t.closeWebSocket(conn, CloseSessionNotFound, closeReasonNotFound)
			return
		}
		logger.Error("attaching terminal failed", "error", err)
		t.closeWebSocket(conn, websocket.CloseInternalServerErr, "attach failed")
		return
	}

	listener := handle.Listen()
	defer listener.Close()
	logger.Info("viewer connected")
	defer logger.Info("viewer disconnected")

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		t.readWebSocket(conn, handle, logger)
	}()

	go func() {
		if err := handle.Repaint(); err != nil {
			logger.Debug("repaint failed", "error", err)
		}
	}()

	ticker := t.clock.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case chunk := <-listener.C:
			if err := t.writeFrame(conn, chunk); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(writeWait) //nolint:realclock // kernel I/O deadline
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-listener.Done():
			if handle.exited() {
				for _, chunk := range drain(listener) {
					if err := t.writeFrame(conn, chunk); err != nil {
						return
					}
				}
				t.closeWebSocket(conn, websocket.CloseNormalClosure, closeReasonExited)
				return
			}
			// Evicted for falling behind: the viewer reconnects and
			// gets a fresh repaint.
			t.closeWebSocket(conn, websocket.CloseTryAgainLater, "viewer too slow")
			return
		case <-readDone:
			return
		case <-r.Context().Done():
			t.closeWebSocket(conn, websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func (t *Transport) readWebSocket(conn *websocket.Conn, handle *Handle, logger *slog.Logger) {
	conn.SetReadLimit(maxInputFrame)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!netutil.IsExpectedCloseError(err) {
				logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		if messageType == websocket.TextMessage {
			var message inputMessage
			if json.Unmarshal(data, &message) == nil {
				switch message.Type {
				case "data":
					if message.Data != "" {
						if _, err := handle.Write([]byte(message.Data)); err != nil {
							logger.Debug("terminal write failed", "error", err)
						}
					}
					continue
				case "resize":
					if err := handle.Resize(message.Cols, message.Rows); err != nil {
						logger.Debug("terminal resize failed", "error", err)
					}
					continue
				}
			}
		}
		if _, err := handle.Write(data); err != nil {
			logger.Debug("terminal write failed", "error", err)
		}
	}
}

func (t *Transport) writeFrame(conn *websocket.Conn, chunk []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:realclock // kernel I/O deadline
	return conn.WriteMessage(websocket.BinaryMessage, chunk)
}

func (t *Transport) closeWebSocket(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait) //nolint:realclock // kernel I/O deadline
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// ServeStream streams a terminal as Server-Sent Events: every output
// chunk is a base64 "data:" event, a ": keepalive" comment goes out
// when the stream is quiet, and an "exit" event ends the stream when
// the terminal goes away.
func (t *Transport) ServeStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cols, rows := parseSize(r)
	logger := t.logger.With("session", id, "transport", "sse")

	flusher, ok := w.(http.Flusher)
	if !ok {
		netutil.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	handle, err := t.pool.Acquire(r.Context(), id, cols, rows)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			netutil.WriteError(w, http.StatusNotFound, closeReasonNotFound)
			return
		}
		logger.Error("attaching terminal failed", "error", err)
		netutil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	listener := handle.Listen()
	defer listener.Close()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	logger.Info("viewer connected")
	defer logger.Info("viewer disconnected")

	go func() {
		if err := handle.Repaint(); err != nil {
			logger.Debug("repaint failed", "error", err)
		}
	}()

	send := func(event string) bool {
		if _, err := fmt.Fprint(w, event); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	ticker := t.clock.NewTicker(t.keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case chunk := <-listener.C:
			if !send(dataEvent(chunk)) {
				return
			}
		case <-ticker.C:
			if !send(": keepalive\n\n") {
				return
			}
		case <-listener.Done():
			if !handle.exited() {
				// Evicted; ending the stream makes the viewer reconnect.
				return
			}
			for _, chunk := range drain(listener) {
				if !send(dataEvent(chunk)) {
					return
				}
			}
			send("event: exit\ndata: closed\n\n")
			return
		case <-r.Context().Done():
			return
		}
	}
}

func dataEvent(chunk []byte) string {
	return "data: " + base64.StdEncoding.EncodeToString(chunk) + "\n\n"
}

// inputRequest is the body of the SSE companion input endpoint.
type inputRequest struct {
	Data string `json:"data"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// ServeInput applies {"data"} and/or {"cols","rows"} to an attached
// terminal. It never attaches one: a viewer must be streaming first.
func (t *Transport) ServeInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	handle, ok := t.pool.Lookup(id)
	if !ok {
		netutil.WriteError(w, http.StatusNotFound, "No active terminal")
		return
	}

	var request inputRequest
	if err := netutil.DecodeRequest(r, &request); err != nil {
		netutil.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if request.Data != "" {
		if _, err := handle.Write([]byte(request.Data)); err != nil {
			netutil.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if request.Cols > 0 && request.Rows > 0 {
		if err := handle.Resize(request.Cols, request.Rows); err != nil {
			netutil.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	netutil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// drain returns the chunks still buffered in a finished listener.
func drain(listener *Listener) [][]byte {
	var chunks [][]byte
	for {
		select {
		case chunk := <-listener.C:
			chunks = append(chunks, chunk)
		default:
			return chunks
		}
	}
}

// parseSize reads the cols and rows query parameters. Missing or
// invalid values yield zero, which the pool treats as 80x24; the pool
// also clamps oversized values to MaxDimension.
func parseSize(r *http.Request) (cols, rows int) {
	query := r.URL.Query()
	cols, _ = strconv.Atoi(query.Get("cols"))
	rows, _ = strconv.Atoi(query.Get("rows"))
	return cols, rows
}
