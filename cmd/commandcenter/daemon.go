// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/commandcenter/api"
	"github.com/bureau-foundation/commandcenter/approval"
	"github.com/bureau-foundation/commandcenter/lib/clock"
	"github.com/bureau-foundation/commandcenter/lib/config"
	"github.com/bureau-foundation/commandcenter/lib/git"
	"github.com/bureau-foundation/commandcenter/lib/service"
	"github.com/bureau-foundation/commandcenter/lib/tmux"
	"github.com/bureau-foundation/commandcenter/notify"
	"github.com/bureau-foundation/commandcenter/session"
	"github.com/bureau-foundation/commandcenter/terminal"
)

type daemonOptions struct {
	Logger *slog.Logger
	Clock  clock.Clock
}

// daemon owns every long-lived component of the server. newDaemon
// builds them without starting anything; Run starts them and tears
// them down in reverse order.
type daemon struct {
	logger *slog.Logger

	store    *session.SQLiteStore
	tmux     *tmux.Server
	manager  *session.Manager
	monitor  *session.StatusMonitor
	pool     *terminal.Pool
	relay    *approval.Relay
	notifier *notify.Notifier
	server   *service.HTTPServer
}

func newDaemon(ctx context.Context, cfg *config.Config, options daemonOptions) (*daemon, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}

	classifier, err := session.NewClassifier(session.StatusPatterns{
		Waiting: cfg.Status.Patterns.Waiting,
		Idle:    cfg.Status.Patterns.Idle,
		Running: cfg.Status.Patterns.Running,
	})
	if err != nil {
		return nil, fmt.Errorf("status patterns: %w", err)
	}

	d := &daemon{logger: logger}

	if cfg.Notify.Enabled {
		publisher, err := notify.NewPublisher(notify.PublisherConfig{
			URL:   cfg.Notify.URL,
			Topic: cfg.Notify.Topic,
			Token: cfg.Notify.Token,
		})
		if err != nil {
			return nil, err
		}
		d.notifier = notify.NewNotifier(notify.NotifierConfig{
			Publisher: publisher,
			BaseURL:   cfg.BaseURL,
			Token:     cfg.Auth.Token,
			Logger:    logger.With("component", "notify"),
		})
	}

	d.store, err = session.OpenSQLiteStore(ctx, session.StoreConfig{
		Path:   cfg.Paths.Database,
		Logger: logger.With("component", "store"),
	})
	if err != nil {
		return nil, err
	}

	d.tmux = tmux.NewServer(cfg.Tmux.Socket, cfg.Tmux.ConfigFile)

	d.manager, err = session.NewManager(session.ManagerConfig{
		Store:           d.store,
		Multiplexer:     d.tmux,
		Worktrees:       git.WorktreeCleaner{},
		Clock:           clk,
		Logger:          logger.With("component", "sessions"),
		DefaultCommand:  cfg.Agent.Command,
		ContinueCommand: cfg.Agent.ContinueCommand,
		CreateSettle:    cfg.Agent.CreateSettle.Std(),
		RefreshTiming: session.RefreshTiming{
			Settle:         cfg.Refresh.Settle.Std(),
			ExitPoll:       cfg.Refresh.ExitPoll.Std(),
			ExitAttempts:   cfg.Refresh.ExitAttempts,
			PromptPoll:     cfg.Refresh.PromptPoll.Std(),
			PromptAttempts: cfg.Refresh.PromptAttempts,
		},
	})
	if err != nil {
		d.store.Close()
		return nil, err
	}

	d.pool = terminal.NewPool(terminal.PoolConfig{
		Resolver: d.manager,
		Attacher: d.tmux,
		Clock:    clk,
		Logger:   logger.With("component", "terminal"),
	})
	d.manager.SetTerminals(d.pool)

	monitorConfig := session.MonitorConfig{
		Classifier: classifier,
		Interval:   cfg.Status.Interval.Std(),
		Lines:      cfg.Status.Lines,
	}
	if d.notifier != nil && cfg.Notify.OnWaiting {
		notifier := d.notifier
		monitorConfig.OnWaiting = func(s session.Session) {
			notifier.NotifyWaiting(notify.Waiting{SessionID: s.ID, SessionName: s.Name})
		}
	}
	d.monitor = d.manager.NewStatusMonitor(monitorConfig)

	d.relay = approval.NewRelay(approval.RelayConfig{
		Clock:         clk,
		Logger:        logger.With("component", "approval"),
		TTL:           cfg.Approval.TTL.Std(),
		SweepInterval: cfg.Approval.SweepInterval.Std(),
	})

	transport := terminal.NewTransport(terminal.TransportConfig{
		Pool:   d.pool,
		Clock:  clk,
		Logger: logger.With("component", "terminal"),
	})

	routerConfig := api.Config{
		Sessions:  d.manager,
		Relay:     d.relay,
		Terminals: transport,
		Token:     cfg.Auth.Token,
		Logger:    logger.With("component", "http"),
	}
	// A nil *Notifier must not become a non-nil interface.
	if d.notifier != nil {
		routerConfig.Notifier = d.notifier
	}

	d.server = service.NewHTTPServer(service.HTTPServerConfig{
		Address: cfg.Listen,
		Handler: api.NewRouter(routerConfig),
		Logger:  logger,
	})

	if cfg.Auth.Token == "" {
		logger.Warn("no auth token configured; the API is open to anyone who can reach it",
			"listen", cfg.Listen)
	}
	return d, nil
}

// Run reconciles stored sessions with tmux, starts the background
// loops, and serves until ctx is cancelled. Every component is
// stopped before Run returns, whether or not serving failed.
func (d *daemon) Run(ctx context.Context) error {
	defer d.shutdown()

	if err := d.manager.Reconcile(ctx); err != nil {
		return err
	}

	d.monitor.Start(ctx)
	d.relay.Start(ctx)

	return d.server.Serve(ctx)
}

func (d *daemon) shutdown() {
	d.monitor.Stop()
	d.relay.Stop()
	d.pool.Shutdown()
	d.manager.Shutdown()
	if d.notifier != nil {
		d.notifier.Wait()
	}
	if err := d.store.Close(); err != nil {
		d.logger.Error("closing session store", "error", err)
	}
	d.logger.Info("shutdown complete")
}
