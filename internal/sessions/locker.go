package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Locker hands out per-session locks so that concurrent requests for the
// same session are serialized while distinct sessions proceed in parallel.
// Entries are refcounted and dropped when the last holder releases.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	timeout time.Duration
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

// NewLocker builds a Locker. timeout bounds how long Acquire waits for a
// contended session; zero means wait forever.
func NewLocker(timeout time.Duration) *Locker {
	return &Locker{
		entries: make(map[string]*lockEntry),
		timeout: timeout,
	}
}

// Acquire blocks until the session lock is held, the context is canceled,
// or the configured timeout elapses. On success the caller must call
// Release exactly once.
func (l *Locker) Acquire(ctx context.Context, sessionID string) error {
	l.mu.Lock()
	entry, ok := l.entries[sessionID]
	if !ok {
		entry = &lockEntry{ch: make(chan struct{}, 1)}
		entry.ch <- struct{}{}
		l.entries[sessionID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	select {
	case <-entry.ch:
		return nil
	case <-ctx.Done():
		l.release(sessionID, false)
		return fmt.Errorf("acquire session lock %s: %w", sessionID, ctx.Err())
	}
}

// Release returns the session lock.
func (l *Locker) Release(sessionID string) {
	l.release(sessionID, true)
}

func (l *Locker) release(sessionID string, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[sessionID]
	if !ok {
		return
	}
	if held {
		select {
		case entry.ch <- struct{}{}:
		default:
		}
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(l.entries, sessionID)
	}
}
