// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bureau-foundation/commandcenter/approval"
	"github.com/bureau-foundation/commandcenter/notify"
	"github.com/bureau-foundation/commandcenter/session"
)

const testToken = "s3cret"

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeSessions records calls and serves sessions from a map.
type fakeSessions struct {
	mu         sync.Mutex
	sessions   map[string]session.Session
	inputs     []string
	signals    []syscall.Signal
	refreshing map[string]bool
	outcomes   map[string]session.RefreshState
	failList   error
}

func newFakeSessions(sessions ...session.Session) *fakeSessions {
	fake := &fakeSessions{
		sessions:   make(map[string]session.Session),
		refreshing: make(map[string]bool),
		outcomes:   make(map[string]session.RefreshState),
	}
	for _, s := range sessions {
		fake.sessions[s.ID] = s
	}
	return fake
}

func (f *fakeSessions) List(context.Context) ([]session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failList != nil {
		return nil, f.failList
	}
	var out []session.Session
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeSessions) Get(_ context.Context, id string) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, found := f.sessions[id]
	if !found {
		return session.Session{}, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return s, nil
}

func (f *fakeSessions) Create(_ context.Context, request session.CreateRequest) (session.Session, error) {
	if request.Name == "" || request.Cwd == "" {
		return session.Session{}, fmt.Errorf("%w: name and cwd are required", session.ErrValidation)
	}
	created := session.Session{ID: "new1", Name: request.Name, Cwd: request.Cwd, Status: session.StatusRunning,
		CreatedAt: epoch, LastActivity: epoch}
	f.mu.Lock()
	f.sessions[created.ID] = created
	f.mu.Unlock()
	return created, nil
}

func (f *fakeSessions) Kill(ctx context.Context, id string) error {
	if _, err := f.Get(ctx, id); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.sessions, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeSessions) SendInput(ctx context.Context, id, text string) error {
	s, err := f.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Status == session.StatusDead {
		return fmt.Errorf("%w: %s is dead", session.ErrNotFound, id)
	}
	f.mu.Lock()
	f.inputs = append(f.inputs, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSessions) Signal(ctx context.Context, id string, signal syscall.Signal) error {
	if _, err := f.Get(ctx, id); err != nil {
		return err
	}
	f.mu.Lock()
	f.signals = append(f.signals, signal)
	f.mu.Unlock()
	return nil
}

func (f *fakeSessions) SetAutoApprove(ctx context.Context, id string, on bool) (session.Session, error) {
	s, err := f.Get(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	s.AutoApprove = on
	f.mu.Lock()
	f.sessions[id] = s
	f.mu.Unlock()
	return s, nil
}

func (f *fakeSessions) Refresh(ctx context.Context, id string) error {
	s, err := f.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Status == session.StatusDead {
		return fmt.Errorf("%w: %s", session.ErrDead, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshing[id] {
		return fmt.Errorf("%w: %s", session.ErrRefreshInProgress, id)
	}
	f.refreshing[id] = true
	f.outcomes[id] = session.RefreshSignaling
	return nil
}

func (f *fakeSessions) RefreshState(id string) (session.RefreshState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, found := f.outcomes[id]
	return state, found
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []notify.Waiting
}

func (n *fakeNotifier) NotifyWaiting(w notify.Waiting) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, w)
}

// fakeTerminals answers each terminal route with its own name.
type fakeTerminals struct{}

func (fakeTerminals) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ws %s", chi.URLParam(r, "id"))
}

func (fakeTerminals) ServeStream(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "stream %s", chi.URLParam(r, "id"))
}

func (fakeTerminals) ServeInput(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "input %s", chi.URLParam(r, "id"))
}

type testServer struct {
	*httptest.Server
	sessions *fakeSessions
	notifier *fakeNotifier
	relay    *approval.Relay
}

func newTestServer(t *testing.T, sessions ...session.Session) *testServer {
	t.Helper()
	server := &testServer{
		sessions: newFakeSessions(sessions...),
		notifier: &fakeNotifier{},
		relay:    approval.NewRelay(approval.RelayConfig{}),
	}
	server.Server = httptest.NewServer(NewRouter(Config{
		Sessions:  server.sessions,
		Relay:     server.relay,
		Terminals: fakeTerminals{},
		Notifier:  server.notifier,
		Token:     testToken,
	}))
	t.Cleanup(server.Close)
	return server
}

// call sends an authenticated request and returns the status and
// body.
func (s *testServer) call(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	request, err := http.NewRequestWithContext(t.Context(), method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+testToken)
	response, err := s.Client().Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer response.Body.Close()
	data, _ := io.ReadAll(response.Body)
	return response.StatusCode, string(data)
}

func live(id, name string) session.Session {
	return session.Session{ID: id, Name: name, Cwd: "/tmp/proj", Status: session.StatusRunning,
		CreatedAt: epoch, LastActivity: epoch}
}

func TestAuthentication(t *testing.T) {
	server := newTestServer(t, live("abc", "demo"))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"no token", "/api/sessions", "", http.StatusUnauthorized},
		{"wrong bearer", "/api/sessions", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "/api/sessions", "Bearer " + testToken, http.StatusOK},
		{"query", "/api/sessions?token=" + testToken, "", http.StatusOK},
		{"wrong query", "/api/sessions?token=nope", "", http.StatusUnauthorized},
		{"health needs no token", "/healthz", "", http.StatusOK},
		{"terminal routes need a token", "/api/terminal/abc/stream", "", http.StatusUnauthorized},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			request, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, server.URL+test.path, nil)
			if test.header != "" {
				request.Header.Set("Authorization", test.header)
			}
			response, err := server.Client().Do(request)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			response.Body.Close()
			if response.StatusCode != test.want {
				t.Errorf("status = %d, want %d", response.StatusCode, test.want)
			}
		})
	}
}

func TestNoTokenConfiguredIsOpen(t *testing.T) {
	server := httptest.NewServer(NewRouter(Config{Sessions: newFakeSessions()}))
	t.Cleanup(server.Close)
	response, err := server.Client().Get(server.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("status = %d without a configured token, want 200", response.StatusCode)
	}
}

func TestSessionCRUD(t *testing.T) {
	server := newTestServer(t)

	status, body := server.call(t, http.MethodGet, "/api/sessions", "")
	if status != http.StatusOK || strings.TrimSpace(body) != "[]" {
		t.Errorf("empty list = %d %s, want 200 []", status, body)
	}

	status, body = server.call(t, http.MethodPost, "/api/sessions", `{"name":"demo","cwd":"/tmp/proj"}`)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d: %s", status, body)
	}
	var created session.Session
	if err := json.Unmarshal([]byte(body), &created); err != nil {
		t.Fatalf("decoding create response: %v", err)
	}
	if created.Name != "demo" || created.Status != session.StatusRunning {
		t.Errorf("created = %+v", created)
	}

	if status, _ := server.call(t, http.MethodGet, "/api/sessions/"+created.ID, ""); status != http.StatusOK {
		t.Errorf("get status = %d", status)
	}
	if status, body := server.call(t, http.MethodDelete, "/api/sessions/"+created.ID, ""); status != http.StatusOK || !strings.Contains(body, `"ok":true`) {
		t.Errorf("delete = %d %s", status, body)
	}
	if status, body := server.call(t, http.MethodGet, "/api/sessions/"+created.ID, ""); status != http.StatusNotFound || !strings.Contains(body, "Session not found") {
		t.Errorf("get after delete = %d %s", status, body)
	}
	if status, _ := server.call(t, http.MethodDelete, "/api/sessions/"+created.ID, ""); status != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", status)
	}
}

func TestCreateValidation(t *testing.T) {
	server := newTestServer(t)
	if status, body := server.call(t, http.MethodPost, "/api/sessions", `{"name":"demo"}`); status != http.StatusBadRequest || !strings.Contains(body, "required") {
		t.Errorf("missing cwd = %d %s, want 400", status, body)
	}
	if status, _ := server.call(t, http.MethodPost, "/api/sessions", `{not json`); status != http.StatusBadRequest {
		t.Errorf("bad JSON status = %d, want 400", status)
	}
}

func TestInput(t *testing.T) {
	dead := live("gone", "old")
	dead.Status = session.StatusDead
	server := newTestServer(t, live("abc", "demo"), dead)

	if status, _ := server.call(t, http.MethodPost, "/api/sessions/abc/input", `{"text":"y"}`); status != http.StatusOK {
		t.Errorf("input status = %d", status)
	}
	if status, _ := server.call(t, http.MethodPost, "/api/sessions/abc/input", `{"text":""}`); status != http.StatusOK {
		t.Errorf("empty input status = %d, want 200 for a bare Enter", status)
	}
	if status, body := server.call(t, http.MethodPost, "/api/sessions/abc/input", `{}`); status != http.StatusBadRequest || !strings.Contains(body, "text is required") {
		t.Errorf("missing text = %d %s", status, body)
	}
	if status, body := server.call(t, http.MethodPost, "/api/sessions/gone/input", `{"text":"y"}`); status != http.StatusNotFound || !strings.Contains(body, "Session not found or dead") {
		t.Errorf("dead input = %d %s", status, body)
	}
	if status, _ := server.call(t, http.MethodPost, "/api/sessions/missing/input", `{"text":"y"}`); status != http.StatusNotFound {
		t.Errorf("unknown input status = %d", status)
	}

	server.sessions.mu.Lock()
	inputs := append([]string(nil), server.sessions.inputs...)
	server.sessions.mu.Unlock()
	if len(inputs) != 2 || inputs[0] != "y" || inputs[1] != "" {
		t.Errorf("inputs = %q, want [y \"\"]", inputs)
	}
}

func TestSignal(t *testing.T) {
	server := newTestServer(t, live("abc", "demo"))
	if status, body := server.call(t, http.MethodPost, "/api/sessions/abc/signal", `{"signal":"TERM"}`); status != http.StatusOK {
		t.Errorf("signal = %d %s", status, body)
	}
	if status, _ := server.call(t, http.MethodPost, "/api/sessions/abc/signal", `{"signal":"BOGUS"}`); status != http.StatusBadRequest {
		t.Errorf("bogus signal status = %d, want 400", status)
	}
	server.sessions.mu.Lock()
	defer server.sessions.mu.Unlock()
	if len(server.sessions.signals) != 1 || server.sessions.signals[0] != syscall.SIGTERM {
		t.Errorf("signals = %v", server.sessions.signals)
	}
}

func TestNotify(t *testing.T) {
	server := newTestServer(t, live("abc", "demo"))
	status, _ := server.call(t, http.MethodPost, "/api/sessions/abc/notify",
		`{"tool_name":"Bash","tool_input":{"command":"make"}}`)
	if status != http.StatusOK {
		t.Fatalf("notify status = %d", status)
	}
	if status, _ := server.call(t, http.MethodPost, "/api/sessions/missing/notify", `{}`); status != http.StatusNotFound {
		t.Errorf("unknown notify status = %d, want 404", status)
	}

	server.notifier.mu.Lock()
	defer server.notifier.mu.Unlock()
	if len(server.notifier.notices) != 1 {
		t.Fatalf("got %d notices, want 1", len(server.notifier.notices))
	}
	notice := server.notifier.notices[0]
	if notice.SessionName != "demo" || notice.ToolName != "Bash" || string(notice.ToolInput) != `{"command":"make"}` {
		t.Errorf("notice = %+v", notice)
	}
}

func TestRefresh(t *testing.T) {
	dead := live("gone", "old")
	dead.Status = session.StatusDead
	server := newTestServer(t, live("abc", "demo"), dead)

	if status, _ := server.call(t, http.MethodGet, "/api/sessions/abc/refresh", ""); status != http.StatusNotFound {
		t.Errorf("state before refresh = %d, want 404", status)
	}
	if status, _ := server.call(t, http.MethodPost, "/api/sessions/abc/refresh", ""); status != http.StatusAccepted {
		t.Errorf("refresh status = %d, want 202", status)
	}
	if status, _ := server.call(t, http.MethodPost, "/api/sessions/abc/refresh", ""); status != http.StatusConflict {
		t.Errorf("concurrent refresh status = %d, want 409", status)
	}
	if status, _ := server.call(t, http.MethodPost, "/api/sessions/gone/refresh", ""); status != http.StatusConflict {
		t.Errorf("dead refresh status = %d, want 409", status)
	}
	if status, _ := server.call(t, http.MethodPost, "/api/sessions/missing/refresh", ""); status != http.StatusNotFound {
		t.Errorf("unknown refresh status = %d, want 404", status)
	}

	status, body := server.call(t, http.MethodGet, "/api/sessions/abc/refresh", "")
	if status != http.StatusOK || !strings.Contains(body, `"state":"signaling"`) || !strings.Contains(body, `"in_progress":true`) {
		t.Errorf("refresh state = %d %s", status, body)
	}
}

func TestAutoApprove(t *testing.T) {
	server := newTestServer(t, live("abc", "demo"))

	if _, body := server.call(t, http.MethodGet, "/api/sessions/abc/auto-approve", ""); !strings.Contains(body, `"auto_approve":false`) {
		t.Errorf("initial = %s", body)
	}
	if status, body := server.call(t, http.MethodPut, "/api/sessions/abc/auto-approve", `{"auto_approve":true}`); status != http.StatusOK || !strings.Contains(body, `"auto_approve":true`) {
		t.Errorf("set = %d %s", status, body)
	}
	if _, body := server.call(t, http.MethodGet, "/api/sessions/abc/auto-approve", ""); !strings.Contains(body, `"auto_approve":true`) {
		t.Errorf("after set = %s", body)
	}
	if status, _ := server.call(t, http.MethodPut, "/api/sessions/abc/auto-approve", `{}`); status != http.StatusBadRequest {
		t.Errorf("missing field status = %d, want 400", status)
	}
	if status, _ := server.call(t, http.MethodPut, "/api/sessions/missing/auto-approve", `{"auto_approve":true}`); status != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", status)
	}
}

func TestInternalErrorsAreGeneric(t *testing.T) {
	server := newTestServer(t)
	server.sessions.failList = fmt.Errorf("disk on fire at /var/lib/secret")
	status, body := server.call(t, http.MethodGet, "/api/sessions", "")
	if status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", status)
	}
	if strings.Contains(body, "secret") {
		t.Errorf("internal detail leaked: %s", body)
	}
}

func TestApprovalRoutes(t *testing.T) {
	server := newTestServer(t)

	if status, body := server.call(t, http.MethodPost, "/api/mcp/requests", `{"question":"Q"}`); status != http.StatusBadRequest || !strings.Contains(body, "requestId and question are required") {
		t.Errorf("missing id = %d %s", status, body)
	}
	status, _ := server.call(t, http.MethodPost, "/api/mcp/requests", `{"requestId":"r1","sessionId":"abc","question":"Deploy?","options":["yes","no"]}`)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d", status)
	}

	status, body := server.call(t, http.MethodGet, "/api/mcp/requests/r1", "")
	if status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	var public map[string]any
	json.Unmarshal([]byte(body), &public)
	if public["question"] != "Deploy?" || public["allowText"] != true {
		t.Errorf("public view = %s", body)
	}
	if _, leaked := public["createdAt"]; leaked {
		t.Errorf("public view exposes createdAt: %s", body)
	}

	if status, _ := server.call(t, http.MethodGet, "/api/mcp/responses/r1", ""); status != http.StatusNoContent {
		t.Errorf("unanswered poll = %d, want 204", status)
	}
	if status, _ := server.call(t, http.MethodPost, "/api/mcp/respond", `{"requestId":"r1"}`); status != http.StatusBadRequest {
		t.Errorf("respond without response = %d, want 400", status)
	}
	if status, _ := server.call(t, http.MethodPost, "/api/mcp/respond", `{"requestId":"r1","response":"yes"}`); status != http.StatusOK {
		t.Errorf("respond = %d", status)
	}
	if status, _ := server.call(t, http.MethodPost, "/api/mcp/respond", `{"requestId":"r1","response":"no"}`); status != http.StatusConflict {
		t.Errorf("second respond = %d, want 409", status)
	}
	if status, body := server.call(t, http.MethodGet, "/api/mcp/responses/r1", ""); status != http.StatusOK || !strings.Contains(body, `"response":"yes"`) {
		t.Errorf("answered poll = %d %s", status, body)
	}
	if status, body := server.call(t, http.MethodGet, "/api/mcp/responses/missing", ""); status != http.StatusNotFound || !strings.Contains(body, "Request not found or expired") {
		t.Errorf("unknown poll = %d %s", status, body)
	}
}

func TestTerminalRoutes(t *testing.T) {
	server := newTestServer(t)
	for path, want := range map[string]string{
		"/ws/terminal/abc":         "ws abc",
		"/api/terminal/abc/stream": "stream abc",
	} {
		if _, body := server.call(t, http.MethodGet, path, ""); body != want {
			t.Errorf("GET %s = %q, want %q", path, body, want)
		}
	}
	if _, body := server.call(t, http.MethodPost, "/api/terminal/abc/input", `{"data":"x"}`); body != "input abc" {
		t.Errorf("POST input = %q", body)
	}
}

func TestJSONIsCompressed(t *testing.T) {
	var sessions []session.Session
	for i := range 50 {
		sessions = append(sessions, live(fmt.Sprintf("s%02d", i), fmt.Sprintf("session-%02d", i)))
	}
	server := newTestServer(t, sessions...)

	request, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, server.URL+"/api/sessions", nil)
	request.Header.Set("Authorization", "Bearer "+testToken)
	request.Header.Set("Accept-Encoding", "gzip")
	// An explicit Accept-Encoding turns off the transport's
	// transparent decompression.
	response, err := server.Client().Do(request)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer response.Body.Close()
	if response.Header.Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", response.Header.Get("Content-Encoding"))
	}
	reader, err := gzip.NewReader(response.Body)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	var decoded []session.Session
	if err := json.NewDecoder(reader).Decode(&decoded); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(decoded) != 50 {
		t.Errorf("decoded %d sessions, want 50", len(decoded))
	}
}
