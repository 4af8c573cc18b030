// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/commandcenter/lib/clock"
	"github.com/bureau-foundation/commandcenter/lib/netutil"
	"github.com/bureau-foundation/commandcenter/lib/testutil"
)

type transportHarness struct {
	pool   *Pool
	clock  *clock.FakeClock
	server *httptest.Server
}

func newTransportHarness(t *testing.T, scripts map[string]string) *transportHarness {
	t.Helper()
	pool, _ := newTestPool(t, 0, scripts)
	fake := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	transport := NewTransport(TransportConfig{Pool: pool, Clock: fake})

	router := chi.NewRouter()
	router.Get("/ws/terminal/{id}", transport.ServeWebSocket)
	router.Get("/api/terminal/{id}/stream", transport.ServeStream)
	router.Post("/api/terminal/{id}/input", transport.ServeInput)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &transportHarness{pool: pool, clock: fake, server: server}
}

func (h *transportHarness) dial(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/terminal/" + id + "?cols=100&rows=30"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrames reads binary frames until their concatenation contains
// text.
func readFrames(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second)) //nolint:realclock test hang prevention
	var output bytes.Buffer
	for !strings.Contains(output.String(), text) {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage before %q arrived: %v (got %q)", text, err, output.String())
		}
		if messageType != websocket.BinaryMessage {
			t.Fatalf("output frame type = %d, want binary", messageType)
		}
		output.Write(data)
	}
}

// closeCode reads until the server closes the connection and returns
// the close frame.
func closeCode(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second)) //nolint:realclock test hang prevention
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("connection ended without a close frame: %v", err)
		}
		return closeErr
	}
}

func TestWebSocketUnknownSession(t *testing.T) {
	harness := newTransportHarness(t, map[string]string{})
	closeErr := closeCode(t, harness.dial(t, "nope"))
	if closeErr.Code != CloseSessionNotFound || closeErr.Text != "Session not found" {
		t.Errorf("close = %d %q, want 4004 Session not found", closeErr.Code, closeErr.Text)
	}
}

func TestWebSocketInputAndOutput(t *testing.T) {
	harness := newTransportHarness(t, map[string]string{"s1": "cat"})
	conn := harness.dial(t, "s1")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"data","data":"typed-by-viewer\n"}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	readFrames(t, conn, "typed-by-viewer")

	// Anything that is not a known JSON message is raw input.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("raw-keys\n")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	readFrames(t, conn, "raw-keys")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","cols":132,"rows":43}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	handle, ok := harness.pool.Lookup("s1")
	if !ok {
		t.Fatal("no handle for an attached session")
	}
	deadline := time.Now().Add(10 * time.Second) //nolint:realclock test hang prevention
	for {
		cols, rows := handle.Size()
		if cols == 132 && rows == 43 {
			break
		}
		if time.Now().After(deadline) { //nolint:realclock test hang prevention
			t.Fatalf("resize not applied: %d x %d", cols, rows)
		}
		time.Sleep(10 * time.Millisecond) //nolint:realclock test polling
	}
}

func TestWebSocketPings(t *testing.T) {
	harness := newTransportHarness(t, map[string]string{"s1": "cat"})
	conn := harness.dial(t, "s1")

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	harness.clock.WaitForTimers(1)
	harness.clock.Advance(DefaultPingInterval)
	testutil.RequireReceive(t, pinged, 10*time.Second, "server ping")
}

func TestWebSocketTerminalExit(t *testing.T) {
	harness := newTransportHarness(t, map[string]string{"s1": "read line; echo farewell"})
	conn := harness.dial(t, "s1")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"data","data":"\n"}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	closeErr := closeCode(t, conn)
	if closeErr.Code != websocket.CloseNormalClosure || closeErr.Text != "Terminal exited" {
		t.Errorf("close = %d %q, want 1000 Terminal exited", closeErr.Code, closeErr.Text)
	}
}

// sseReader parses an event stream.
type sseReader struct {
	t      *testing.T
	reader *bufio.Reader
}

// next returns the lines of the next event or comment block.
func (s *sseReader) next() []string {
	s.t.Helper()
	var lines []string
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.t.Fatalf("reading event stream: %v", err)
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			if len(lines) > 0 {
				return lines
			}
			continue
		}
		lines = append(lines, line)
	}
}

// readData decodes data events until their concatenation contains
// text, failing on any other event.
func (s *sseReader) readData(text string) {
	s.t.Helper()
	var output strings.Builder
	for !strings.Contains(output.String(), text) {
		lines := s.next()
		if lines[0] == ": keepalive" {
			continue
		}
		payload, found := strings.CutPrefix(lines[0], "data: ")
		if !found {
			s.t.Fatalf("unexpected event %q before %q", lines, text)
		}
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			s.t.Fatalf("data is not base64: %v", err)
		}
		output.Write(decoded)
	}
}

func (h *transportHarness) openStream(t *testing.T, id string) *http.Response {
	t.Helper()
	response, err := http.Get(h.server.URL + "/api/terminal/" + id + "/stream?cols=100&rows=30")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	t.Cleanup(func() { response.Body.Close() })
	return response
}

func (h *transportHarness) postInput(t *testing.T, id, body string) *http.Response {
	t.Helper()
	response, err := http.Post(h.server.URL+"/api/terminal/"+id+"/input", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST input: %v", err)
	}
	t.Cleanup(func() { response.Body.Close() })
	return response
}

func TestStreamUnknownSession(t *testing.T) {
	harness := newTransportHarness(t, map[string]string{})
	response := harness.openStream(t, "nope")
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", response.StatusCode)
	}
	if message := netutil.ErrorMessage(response.Body); message != "Session not found" {
		t.Errorf("error = %q", message)
	}
}

func TestStream(t *testing.T) {
	harness := newTransportHarness(t, map[string]string{"s1": "cat"})
	response := harness.openStream(t, "s1")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", response.StatusCode)
	}
	for header, want := range map[string]string{
		"Content-Type":      "text/event-stream",
		"Cache-Control":     "no-cache",
		"X-Accel-Buffering": "no",
	} {
		if got := response.Header.Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	stream := &sseReader{t: t, reader: bufio.NewReader(response.Body)}

	input := harness.postInput(t, "s1", `{"data":"over-sse\n","cols":90,"rows":20}`)
	if input.StatusCode != http.StatusOK {
		t.Fatalf("input status = %d: %s", input.StatusCode, netutil.ErrorBody(input.Body))
	}
	stream.readData("over-sse")
	handle, _ := harness.pool.Lookup("s1")
	if cols, rows := handle.Size(); cols != 90 || rows != 20 {
		t.Errorf("Size = %dx%d after resize input", cols, rows)
	}

	harness.clock.WaitForTimers(1)
	harness.clock.Advance(DefaultKeepaliveInterval)
	for {
		lines := stream.next()
		if lines[0] == ": keepalive" {
			break
		}
	}
}

func TestStreamTerminalExit(t *testing.T) {
	harness := newTransportHarness(t, map[string]string{"s1": "read line; echo farewell"})
	response := harness.openStream(t, "s1")
	stream := &sseReader{t: t, reader: bufio.NewReader(response.Body)}

	harness.postInput(t, "s1", `{"data":"\n"}`)
	for {
		lines := stream.next()
		if lines[0] == "event: exit" {
			if len(lines) != 2 || lines[1] != "data: closed" {
				t.Errorf("exit event = %q", lines)
			}
			return
		}
	}
}

func TestInputWithoutTerminal(t *testing.T) {
	harness := newTransportHarness(t, map[string]string{"s1": "cat"})
	response := harness.postInput(t, "s1", `{"data":"x"}`)
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", response.StatusCode)
	}
	if message := netutil.ErrorMessage(response.Body); message != "No active terminal" {
		t.Errorf("error = %q", message)
	}
}
