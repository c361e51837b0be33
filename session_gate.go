package mssql

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// cancellationGate implements spec §4.2: sample pending_cancel before and
// after session acquisition, and make Cancel a best-effort, exception-
// suppressing, any-thread-any-time operation.
type cancellationGate struct {
	pendingCancel atomic.Bool

	mu              sync.Mutex
	reconnectCancel func()
	session         Session
	reader          Reader
}

// reset clears pending_cancel on entry to a new execute (spec §3
// invariant: "only the executing thread clears it on entry to a new
// execute").
func (g *cancellationGate) reset() {
	g.pendingCancel.Store(false)
	g.mu.Lock()
	g.session = nil
	g.reader = nil
	g.reconnectCancel = nil
	g.mu.Unlock()
}

func (g *cancellationGate) setReconnectCancel(cancel func()) {
	g.mu.Lock()
	g.reconnectCancel = cancel
	g.mu.Unlock()
}

func (g *cancellationGate) setReader(r Reader) {
	g.mu.Lock()
	g.reader = r
	g.mu.Unlock()
}

// Acquire samples pending_cancel, acquires the session, sets it, then
// re-samples pending_cancel (spec §4.2).
func (g *cancellationGate) Acquire(ctx context.Context, conn Connection) (Session, error) {
	if g.pendingCancel.Load() {
		return nil, ErrCancelled
	}
	sess, err := conn.GetOpenSession(ctx)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.session = sess
	g.mu.Unlock()
	if g.pendingCancel.Load() {
		// The session will observe the cancel through its own attention
		// path; we still return Cancelled to the caller per spec §4.2.
		return sess, ErrCancelled
	}
	return sess, nil
}

// Cancel is callable from any thread at any time (spec §4.2, §5). It never
// panics or returns an error to the caller (spec §7 "cancel never throws").
func (g *cancellationGate) Cancel() {
	defer func() { _ = recover() }()

	g.mu.Lock()
	reconnectCancel := g.reconnectCancel
	sess := g.session
	reader := g.reader
	g.mu.Unlock()

	if reconnectCancel != nil {
		reconnectCancel()
	}
	g.pendingCancel.Store(true)

	switch {
	case sess != nil:
		_ = sess.SendAttention()
	case reader != nil:
		reader.Cancel()
	}
}

func (g *cancellationGate) isPending() bool { return g.pendingCancel.Load() }
