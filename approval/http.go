// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package approval

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bureau-foundation/commandcenter/lib/netutil"
)

// Mount registers the relay's HTTP endpoints on router:
//
//	POST /api/mcp/requests                 create (201)
//	GET  /api/mcp/requests/{requestId}     public view
//	POST /api/mcp/respond                  answer (409 on a second answer)
//	GET  /api/mcp/responses/{requestId}    poll (204 until answered)
//
// Authentication is the router's concern.
func (r *Relay) Mount(router chi.Router) {
	router.Post("/api/mcp/requests", r.handleCreate)
	router.Get("/api/mcp/requests/{requestId}", r.handleGet)
	router.Post("/api/mcp/respond", r.handleRespond)
	router.Get("/api/mcp/responses/{requestId}", r.handlePoll)
}

func (r *Relay) handleCreate(w http.ResponseWriter, req *http.Request) {
	var body struct {
		RequestID string   `json:"requestId"`
		SessionID string   `json:"sessionId"`
		Question  string   `json:"question"`
		Options   []string `json:"options"`
		AllowText *bool    `json:"allowText"`
	}
	if err := netutil.DecodeRequest(req, &body); err != nil {
		netutil.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.RequestID == "" || body.Question == "" {
		netutil.WriteError(w, http.StatusBadRequest, "requestId and question are required")
		return
	}
	allowText := true
	if body.AllowText != nil {
		allowText = *body.AllowText
	}
	_, err := r.Create(Request{
		RequestID: body.RequestID,
		SessionID: body.SessionID,
		Question:  body.Question,
		Options:   body.Options,
		AllowText: allowText,
	})
	if err != nil {
		writeRelayError(w, err)
		return
	}
	netutil.WriteJSON(w, http.StatusCreated, map[string]bool{"ok": true})
}

func (r *Relay) handleGet(w http.ResponseWriter, req *http.Request) {
	request, err := r.Get(chi.URLParam(req, "requestId"))
	if err != nil {
		writeRelayError(w, err)
		return
	}
	netutil.WriteJSON(w, http.StatusOK, request.Public())
}

func (r *Relay) handleRespond(w http.ResponseWriter, req *http.Request) {
	var body struct {
		RequestID string `json:"requestId"`
		Response  string `json:"response"`
	}
	if err := netutil.DecodeRequest(req, &body); err != nil {
		netutil.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.RequestID == "" || body.Response == "" {
		netutil.WriteError(w, http.StatusBadRequest, "requestId and response are required")
		return
	}
	if err := r.Respond(body.RequestID, body.Response); err != nil {
		writeRelayError(w, err)
		return
	}
	netutil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (r *Relay) handlePoll(w http.ResponseWriter, req *http.Request) {
	response, err := r.Poll(chi.URLParam(req, "requestId"))
	if errors.Is(err, ErrNoAnswer) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeRelayError(w, err)
		return
	}
	netutil.WriteJSON(w, http.StatusOK, map[string]string{"response": response})
}

func writeRelayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		netutil.WriteError(w, http.StatusNotFound, "Request not found or expired")
	case errors.Is(err, ErrAlreadyAnswered):
		netutil.WriteError(w, http.StatusConflict, "Request already answered")
	case errors.Is(err, ErrDuplicate):
		netutil.WriteError(w, http.StatusConflict, "Request already exists")
	default:
		netutil.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
