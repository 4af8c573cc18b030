// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/bureau-foundation/commandcenter/lib/clock"
	"github.com/bureau-foundation/commandcenter/lib/netutil"
)

// ErrNotFound is returned when a session has no terminal to attach
// to: it is unknown, dead, or its tmux session is gone.
var ErrNotFound = errors.New("terminal not found")

// Resolver maps a session id to the tmux target to attach. Errors for
// sessions that cannot be attached must wrap [ErrNotFound].
type Resolver interface {
	ResolveTerminal(ctx context.Context, id string) (string, error)
}

// Attacher builds the command that attaches to a tmux target.
// Satisfied by [tmux.Server].
type Attacher interface {
	AttachCommand(ctx context.Context, target string) *exec.Cmd
}

const (
	DefaultCols = 80
	DefaultRows = 24

	// MaxDimension is the largest width or height a pty winsize can
	// carry. Larger requests are clamped to it.
	MaxDimension = math.MaxUint16

	// DefaultListenerBuffer is the number of output chunks a slow
	// viewer may fall behind before it is evicted.
	DefaultListenerBuffer = 256

	// readBufferSize bounds one output chunk.
	readBufferSize = 32 * 1024

	// repaintDelay separates the two halves of the repaint resize so
	// tmux sees two distinct window changes.
	repaintDelay = 50 * time.Millisecond
)

// PoolConfig holds the parameters for [NewPool]. Resolver and Attacher
// are required.
type PoolConfig struct {
	Resolver Resolver
	Attacher Attacher
	Clock    clock.Clock
	Logger   *slog.Logger

	// ListenerBuffer is the per-listener channel capacity, in chunks.
	// Zero means DefaultListenerBuffer.
	ListenerBuffer int
}

// Pool owns the live terminal handles. It is safe for concurrent use.
type Pool struct {
	resolver       Resolver
	attacher       Attacher
	clock          clock.Clock
	logger         *slog.Logger
	listenerBuffer int

	// ctx outlives every request; attach processes are bound to it.
	ctx    context.Context
	cancel context.CancelFunc

	// spawnMu serializes Acquire so two viewers arriving together
	// share one attach process.
	spawnMu sync.Mutex

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewPool creates an empty pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Resolver == nil || cfg.Attacher == nil {
		panic("terminal: PoolConfig requires Resolver and Attacher")
	}
	pool := &Pool{
		resolver:       cfg.Resolver,
		attacher:       cfg.Attacher,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		listenerBuffer: cfg.ListenerBuffer,
		handles:        make(map[string]*Handle),
	}
	if pool.clock == nil {
		pool.clock = clock.Real()
	}
	if pool.logger == nil {
		pool.logger = slog.New(slog.DiscardHandler)
	}
	if pool.listenerBuffer <= 0 {
		pool.listenerBuffer = DefaultListenerBuffer
	}
	pool.ctx, pool.cancel = context.WithCancel(context.Background())
	return pool
}

// Acquire returns the live handle for id, attaching a new one at
// cols x rows when there is none. Non-positive sizes select 80x24
// and sizes above MaxDimension are clamped. An existing handle keeps
// its size.
func (p *Pool) Acquire(ctx context.Context, id string, cols, rows int) (*Handle, error) {
	p.spawnMu.Lock()
	defer p.spawnMu.Unlock()

	if handle, ok := p.Lookup(id); ok {
		return handle, nil
	}
	if p.ctx.Err() != nil {
		return nil, fmt.Errorf("terminal pool is shut down: %w", ErrNotFound)
	}

	target, err := p.resolver.ResolveTerminal(ctx, id)
	if err != nil {
		return nil, err
	}
	if cols <= 0 || rows <= 0 {
		cols, rows = DefaultCols, DefaultRows
	}
	cols, rows = clampDimension(cols), clampDimension(rows)

	command := p.attacher.AttachCommand(p.ctx, target)
	command.Env = append(os.Environ(), "TERM=xterm-256color")
	file, err := pty.StartWithSize(command, winsize(cols, rows))
	if err != nil {
		return nil, fmt.Errorf("attaching to %s: %w", target, err)
	}

	handle := &Handle{
		id:             id,
		command:        command,
		file:           file,
		clock:          p.clock,
		logger:         p.logger.With("session", id),
		listenerBuffer: p.listenerBuffer,
		cols:           cols,
		rows:           rows,
		listeners:      make(map[*Listener]struct{}),
		done:           make(chan struct{}),
	}
	p.mu.Lock()
	p.handles[id] = handle
	p.mu.Unlock()

	handle.logger.Info("terminal attached", "target", target, "cols", cols, "rows", rows)
	go func() {
		handle.pump()
		p.mu.Lock()
		if p.handles[id] == handle {
			delete(p.handles, id)
		}
		p.mu.Unlock()
	}()
	return handle, nil
}

// Lookup returns the live handle for id without creating one.
func (p *Pool) Lookup(id string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	handle, ok := p.handles[id]
	if !ok || handle.exited() {
		return nil, false
	}
	return handle, true
}

// Close kills the attach process of id, if any. Viewers see the
// handle's Done channel close.
func (p *Pool) Close(id string) {
	p.mu.Lock()
	handle, ok := p.handles[id]
	p.mu.Unlock()
	if ok {
		handle.kill()
	}
}

// Shutdown kills every attach process and waits for the handles to
// finish. The pool refuses new attaches afterwards.
func (p *Pool) Shutdown() {
	p.spawnMu.Lock()
	p.cancel()
	p.spawnMu.Unlock()

	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.handles))
	for _, handle := range p.handles {
		handles = append(handles, handle)
	}
	p.mu.Unlock()
	for _, handle := range handles {
		<-handle.done
	}
}

// Handle is one shared pseudo-terminal attached to a tmux session.
type Handle struct {
	id             string
	command        *exec.Cmd
	file           *os.File
	clock          clock.Clock
	logger         *slog.Logger
	listenerBuffer int

	writeMu sync.Mutex

	mu        sync.Mutex
	cols      int
	rows      int
	listeners map[*Listener]struct{}
	exitErr   error

	done chan struct{}
}

// ID returns the session id the handle belongs to.
func (h *Handle) ID() string { return h.id }

// Write sends viewer input to the terminal. Concurrent writes are
// applied whole, in the order they take the lock.
func (h *Handle) Write(data []byte) (int, error) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.file.Write(data)
}

// Resize sets the terminal size. Non-positive dimensions are ignored;
// dimensions above MaxDimension are clamped.
func (h *Handle) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	cols, rows = clampDimension(cols), clampDimension(rows)
	h.mu.Lock()
	h.cols, h.rows = cols, rows
	h.mu.Unlock()
	return pty.Setsize(h.file, winsize(cols, rows))
}

// Size returns the current terminal size.
func (h *Handle) Size() (cols, rows int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cols, h.rows
}

// Repaint makes tmux redraw the whole screen by changing the terminal
// width by one column and restoring it. Listeners registered before
// the call receive the redraw.
func (h *Handle) Repaint() error {
	cols, rows := h.Size()
	if err := pty.Setsize(h.file, winsize(repaintWidth(cols), rows)); err != nil {
		return fmt.Errorf("repaint: %w", err)
	}
	select {
	case <-h.clock.After(repaintDelay):
	case <-h.done:
		return nil
	}
	if err := pty.Setsize(h.file, winsize(cols, rows)); err != nil {
		return fmt.Errorf("repaint: %w", err)
	}
	return nil
}

// repaintWidth is the temporary width Repaint switches to: one wider,
// or one narrower at MaxDimension.
func repaintWidth(cols int) int {
	if cols >= MaxDimension {
		return cols - 1
	}
	return cols + 1
}

// clampDimension limits a positive width or height to MaxDimension.
func clampDimension(n int) int {
	return max(1, min(n, MaxDimension))
}

func winsize(cols, rows int) *pty.Winsize {
	return &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}
}

// Listen subscribes to output. Every chunk read after Listen returns
// is delivered, unless the listener falls too far behind, in which
// case it is evicted and its Done channel closes. Listening on an
// exited handle returns a listener that is already done.
func (h *Handle) Listen() *Listener {
	channel := make(chan []byte, h.listenerBuffer)
	listener := &Listener{C: channel, channel: channel, done: make(chan struct{}), handle: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited() {
		listener.finish()
		return listener
	}
	h.listeners[listener] = struct{}{}
	return listener
}

// Done is closed once the attach process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitErr returns the attach process's exit error after Done closes.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) kill() {
	if h.command.Process != nil {
		h.command.Process.Kill()
	}
}

// pump copies PTY output to the listeners until the attach process
// exits, then releases everything.
func (h *Handle) pump() {
	buffer := make([]byte, readBufferSize)
	for {
		n, err := h.file.Read(buffer)
		if n > 0 {
			h.broadcast(buffer[:n])
		}
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				h.logger.Warn("terminal read failed", "error", err)
			}
			break
		}
	}

	// The read side is done; make sure the process is too.
	h.kill()
	waitErr := h.command.Wait()
	h.file.Close()

	// done closes before the listeners finish, so a viewer woken by
	// its listener can tell exit from eviction.
	h.mu.Lock()
	h.exitErr = waitErr
	close(h.done)
	for listener := range h.listeners {
		listener.finish()
	}
	h.listeners = nil
	h.mu.Unlock()

	h.logger.Info("terminal detached", "exit", waitErr)
}

func (h *Handle) broadcast(data []byte) {
	chunk := make([]byte, len(data))
	copy(chunk, data)

	h.mu.Lock()
	defer h.mu.Unlock()
	for listener := range h.listeners {
		select {
		case listener.channel <- chunk:
		default:
			h.logger.Warn("evicting slow terminal viewer", "buffered", len(listener.channel))
			delete(h.listeners, listener)
			listener.finish()
		}
	}
}

func (h *Handle) removeListener(listener *Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, listener)
}

// Listener is one viewer's subscription to a [Handle]'s output.
type Listener struct {
	// C delivers output chunks. It is never closed; select on Done
	// as well.
	C <-chan []byte

	channel chan []byte
	done    chan struct{}
	once    sync.Once
	handle  *Handle
}

// Done is closed when the listener is closed, evicted, or its handle
// exits. Chunks already in C remain readable.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Close unsubscribes. The handle and its process are unaffected.
func (l *Listener) Close() {
	l.handle.removeListener(l)
	l.finish()
}

func (l *Listener) finish() {
	l.once.Do(func() { close(l.done) })
}
