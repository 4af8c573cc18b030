// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package approval

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/commandcenter/lib/clock"
)

var (
	// ErrNotFound reports an unknown or expired request.
	ErrNotFound = errors.New("request not found or expired")

	// ErrAlreadyAnswered is returned by Respond for a request that
	// already carries a response. The first answer stands.
	ErrAlreadyAnswered = errors.New("request already answered")

	// ErrNoAnswer is returned by Poll while a live request is
	// unanswered.
	ErrNoAnswer = errors.New("request not answered yet")

	// ErrDuplicate is returned by Create for an ID that names a live
	// request.
	ErrDuplicate = errors.New("request already exists")
)

// Defaults for [RelayConfig].
const (
	DefaultTTL           = 15 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

// Request is a pending question and, once answered, its response.
type Request struct {
	RequestID string    `json:"requestId"`
	SessionID string    `json:"sessionId"`
	Question  string    `json:"question"`
	Options   []string  `json:"options"`
	AllowText bool      `json:"allowText"`
	CreatedAt time.Time `json:"createdAt"`
	Response  *string   `json:"response,omitempty"`
}

// PublicRequest is the view of a request shown to whoever answers it.
type PublicRequest struct {
	RequestID string   `json:"requestId"`
	SessionID string   `json:"sessionId"`
	Question  string   `json:"question"`
	Options   []string `json:"options"`
	AllowText bool     `json:"allowText"`
}

// Public strips the response and creation time.
func (r Request) Public() PublicRequest {
	return PublicRequest{
		RequestID: r.RequestID,
		SessionID: r.SessionID,
		Question:  r.Question,
		Options:   r.Options,
		AllowText: r.AllowText,
	}
}

// RelayConfig holds the parameters for NewRelay.
type RelayConfig struct {
	// Clock stamps and expires requests. Nil means clock.Real().
	Clock clock.Clock

	Logger *slog.Logger

	// TTL is the lifetime of every request. Zero means DefaultTTL.
	TTL time.Duration

	// SweepInterval is how often expired requests are reclaimed.
	// Zero means DefaultSweepInterval.
	SweepInterval time.Duration
}

// Relay is the server-side table of pending requests. All methods
// are safe for concurrent use.
type Relay struct {
	clock         clock.Clock
	logger        *slog.Logger
	ttl           time.Duration
	sweepInterval time.Duration

	mu       sync.Mutex
	requests map[string]*Request

	taskMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates an empty relay. Expired requests are invisible
// immediately; call Start to also reclaim their memory.
func NewRelay(cfg RelayConfig) *Relay {
	relay := &Relay{
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		ttl:           cfg.TTL,
		sweepInterval: cfg.SweepInterval,
		requests:      make(map[string]*Request),
	}
	if relay.clock == nil {
		relay.clock = clock.Real()
	}
	if relay.logger == nil {
		relay.logger = slog.New(slog.DiscardHandler)
	}
	if relay.ttl <= 0 {
		relay.ttl = DefaultTTL
	}
	if relay.sweepInterval <= 0 {
		relay.sweepInterval = DefaultSweepInterval
	}
	return relay
}

// Create stores request, stamping CreatedAt and clearing any
// response. A nil Options becomes an empty list. An ID may be reused
// only once its earlier request has expired.
func (r *Relay) Create(request Request) (Request, error) {
	request.CreatedAt = r.clock.Now()
	request.Response = nil
	if request.Options == nil {
		request.Options = []string{}
	} else {
		request.Options = append([]string(nil), request.Options...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.liveLocked(request.RequestID); err == nil {
		return Request{}, ErrDuplicate
	}
	stored := request
	r.requests[request.RequestID] = &stored
	r.logger.Info("approval request created",
		"request_id", request.RequestID,
		"session_id", request.SessionID,
		"options", len(request.Options),
	)
	return request, nil
}

// Get returns a copy of a live request.
func (r *Relay) Get(id string) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	request, err := r.liveLocked(id)
	if err != nil {
		return Request{}, err
	}
	return copyRequest(request), nil
}

// Respond records the answer to a live, unanswered request.
func (r *Relay) Respond(id, response string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	request, err := r.liveLocked(id)
	if err != nil {
		return err
	}
	if request.Response != nil {
		return ErrAlreadyAnswered
	}
	request.Response = &response
	r.logger.Info("approval request answered", "request_id", id)
	return nil
}

// Poll returns the answer to a live request, or ErrNoAnswer while
// there is none.
func (r *Relay) Poll(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	request, err := r.liveLocked(id)
	if err != nil {
		return "", err
	}
	if request.Response == nil {
		return "", ErrNoAnswer
	}
	return *request.Response, nil
}

// Len returns the number of stored requests, including expired ones
// the sweeper has not reclaimed.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// Sweep removes every expired request and returns how many it
// removed.
func (r *Relay) Sweep() int {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, request := range r.requests {
		if r.expired(request, now) {
			delete(r.requests, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("swept expired approval requests", "count", removed)
	}
	return removed
}

// Start launches the sweeper. Calling Start on a running relay does
// nothing.
func (r *Relay) Start(ctx context.Context) {
	r.taskMu.Lock()
	defer r.taskMu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	ticker := r.clock.NewTicker(r.sweepInterval)
	go func() {
		defer close(r.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// Stop ends the sweeper and waits for it to exit. Stored requests are
// kept.
func (r *Relay) Stop() {
	r.taskMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.taskMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Relay) liveLocked(id string) (*Request, error) {
	request, ok := r.requests[id]
	if !ok || r.expired(request, r.clock.Now()) {
		return nil, ErrNotFound
	}
	return request, nil
}

func (r *Relay) expired(request *Request, now time.Time) bool {
	return now.Sub(request.CreatedAt) > r.ttl
}

func copyRequest(request *Request) Request {
	out := *request
	out.Options = append([]string(nil), request.Options...)
	if request.Response != nil {
		response := *request.Response
		out.Response = &response
	}
	return out
}
