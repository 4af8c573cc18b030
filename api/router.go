// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"log/slog"
	"net/http"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bureau-foundation/commandcenter/approval"
	"github.com/bureau-foundation/commandcenter/lib/netutil"
	"github.com/bureau-foundation/commandcenter/lib/version"
	"github.com/bureau-foundation/commandcenter/notify"
	"github.com/bureau-foundation/commandcenter/session"
)

// Sessions is the part of *session.Manager the API drives.
type Sessions interface {
	List(ctx context.Context) ([]session.Session, error)
	Get(ctx context.Context, id string) (session.Session, error)
	Create(ctx context.Context, request session.CreateRequest) (session.Session, error)
	Kill(ctx context.Context, id string) error
	SendInput(ctx context.Context, id, text string) error
	Signal(ctx context.Context, id string, signal syscall.Signal) error
	SetAutoApprove(ctx context.Context, id string, on bool) (session.Session, error)
	Refresh(ctx context.Context, id string) error
	RefreshState(id string) (session.RefreshState, bool)
}

// Terminals serves the terminal transports. *terminal.Transport
// satisfies it.
type Terminals interface {
	ServeWebSocket(w http.ResponseWriter, r *http.Request)
	ServeStream(w http.ResponseWriter, r *http.Request)
	ServeInput(w http.ResponseWriter, r *http.Request)
}

// WaitingNotifier announces sessions that need a human.
// *notify.Notifier satisfies it.
type WaitingNotifier interface {
	NotifyWaiting(notify.Waiting)
}

// Config holds the parameters for NewRouter.
type Config struct {
	Sessions  Sessions
	Relay     *approval.Relay
	Terminals Terminals

	// Notifier handles hook notifications. Nil accepts and drops
	// them.
	Notifier WaitingNotifier

	// Token is the pre-shared API token. Empty disables
	// authentication.
	Token string

	Logger *slog.Logger
}

// NewRouter builds the HTTP handler for every endpoint.
func NewRouter(cfg Config) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	handler := &sessionHandler{
		sessions: cfg.Sessions,
		notifier: cfg.Notifier,
		logger:   logger,
	}

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(logRequests(logger))
	router.Use(chimw.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		netutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Info()})
	})

	router.Group(func(r chi.Router) {
		r.Use(requireToken(cfg.Token))

		r.Group(func(r chi.Router) {
			r.Use(compress)
			r.Route("/api/sessions", func(r chi.Router) {
				r.Get("/", handler.list)
				r.Post("/", handler.create)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", handler.get)
					r.Delete("/", handler.kill)
					r.Post("/input", handler.input)
					r.Post("/signal", handler.signal)
					r.Post("/notify", handler.notify)
					r.Post("/refresh", handler.refresh)
					r.Get("/refresh", handler.refreshState)
					r.Get("/auto-approve", handler.autoApprove)
					r.Put("/auto-approve", handler.setAutoApprove)
				})
			})
			if cfg.Relay != nil {
				cfg.Relay.Mount(r)
			}
		})

		if cfg.Terminals != nil {
			r.Get("/ws/terminal/{id}", cfg.Terminals.ServeWebSocket)
			r.Get("/api/terminal/{id}/stream", cfg.Terminals.ServeStream)
			r.Post("/api/terminal/{id}/input", cfg.Terminals.ServeInput)
		}
	})

	return router
}
