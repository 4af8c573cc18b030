// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bureau-foundation/commandcenter/lib/netutil"
	"github.com/bureau-foundation/commandcenter/lib/tmux"
	"github.com/bureau-foundation/commandcenter/notify"
	"github.com/bureau-foundation/commandcenter/session"
)

type sessionHandler struct {
	sessions Sessions
	notifier WaitingNotifier
	logger   *slog.Logger
}

var okBody = map[string]bool{"ok": true}

func (h *sessionHandler) list(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	netutil.WriteJSON(w, http.StatusOK, sessions)
}

func (h *sessionHandler) create(w http.ResponseWriter, r *http.Request) {
	var request session.CreateRequest
	if err := netutil.DecodeRequest(r, &request); err != nil {
		netutil.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	created, err := h.sessions.Create(r.Context(), request)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	netutil.WriteJSON(w, http.StatusCreated, created)
}

func (h *sessionHandler) get(w http.ResponseWriter, r *http.Request) {
	found, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	netutil.WriteJSON(w, http.StatusOK, found)
}

func (h *sessionHandler) kill(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Kill(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	netutil.WriteJSON(w, http.StatusOK, okBody)
}

// input types text and Enter into the session. An empty string is a
// bare Enter, which is how the "Continue" notification button
// accepts a default.
func (h *sessionHandler) input(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text *string `json:"text"`
	}
	if err := netutil.DecodeRequest(r, &body); err != nil || body.Text == nil {
		netutil.WriteError(w, http.StatusBadRequest, "text is required")
		return
	}
	err := h.sessions.SendInput(r.Context(), chi.URLParam(r, "id"), *body.Text)
	if errors.Is(err, session.ErrNotFound) {
		netutil.WriteError(w, http.StatusNotFound, "Session not found or dead")
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	netutil.WriteJSON(w, http.StatusOK, okBody)
}

func (h *sessionHandler) signal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Signal string `json:"signal"`
	}
	if err := netutil.DecodeRequest(r, &body); err != nil || body.Signal == "" {
		netutil.WriteError(w, http.StatusBadRequest, "signal is required")
		return
	}
	parsed, err := tmux.ParseSignal(body.Signal)
	if err != nil {
		netutil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.sessions.Signal(r.Context(), chi.URLParam(r, "id"), parsed); err != nil {
		h.writeError(w, r, err)
		return
	}
	netutil.WriteJSON(w, http.StatusOK, okBody)
}

// notify relays an agent hook's permission prompt to the notifier,
// with the tool the agent wants to run.
func (h *sessionHandler) notify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ToolName  string          `json:"tool_name"`
		ToolInput json.RawMessage `json:"tool_input"`
	}
	if err := netutil.DecodeRequest(r, &body); err != nil {
		netutil.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	found, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.notifier != nil {
		h.notifier.NotifyWaiting(notify.Waiting{
			SessionID:   found.ID,
			SessionName: found.Name,
			ToolName:    body.ToolName,
			ToolInput:   body.ToolInput,
		})
	}
	netutil.WriteJSON(w, http.StatusOK, okBody)
}

func (h *sessionHandler) refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Refresh(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	netutil.WriteJSON(w, http.StatusAccepted, okBody)
}

func (h *sessionHandler) refreshState(w http.ResponseWriter, r *http.Request) {
	state, found := h.sessions.RefreshState(chi.URLParam(r, "id"))
	if !found {
		netutil.WriteError(w, http.StatusNotFound, "No refresh recorded")
		return
	}
	netutil.WriteJSON(w, http.StatusOK, map[string]any{
		"state":       state,
		"in_progress": !state.Terminal(),
	})
}

func (h *sessionHandler) autoApprove(w http.ResponseWriter, r *http.Request) {
	found, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	netutil.WriteJSON(w, http.StatusOK, map[string]bool{"auto_approve": found.AutoApprove})
}

func (h *sessionHandler) setAutoApprove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AutoApprove *bool `json:"auto_approve"`
	}
	if err := netutil.DecodeRequest(r, &body); err != nil || body.AutoApprove == nil {
		netutil.WriteError(w, http.StatusBadRequest, "auto_approve is required")
		return
	}
	updated, err := h.sessions.SetAutoApprove(r.Context(), chi.URLParam(r, "id"), *body.AutoApprove)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	netutil.WriteJSON(w, http.StatusOK, updated)
}

// writeError maps session errors onto status codes. Anything
// unrecognized is a 500 and is logged, since the caller only sees a
// generic message.
func (h *sessionHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		netutil.WriteError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, session.ErrValidation):
		netutil.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrDead), errors.Is(err, session.ErrRefreshInProgress):
		netutil.WriteError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		netutil.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
