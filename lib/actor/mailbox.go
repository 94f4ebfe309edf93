// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"sync"
)

// Mailbox delivers reconcile signals to one runner, coalescing by
// revision: only the highest revision seen is retained, because
// desired state is a level, not a queue of edges. Send never blocks.
//
// Safe for concurrent use.
type Mailbox struct {
	mu      sync.Mutex
	latest  int64
	pending bool

	// notify has one slot; a pending signal is at most one wakeup.
	notify chan struct{}
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

// Signal delivers revision. Reports whether the signal was retained:
// revisions at or below one already delivered are stale and dropped.
func (m *Mailbox) Signal(revision int64) bool {
	m.mu.Lock()
	if revision < m.latest || (revision == m.latest && m.pending) {
		m.mu.Unlock()
		return false
	}
	m.latest = revision
	m.pending = true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Wait blocks until a signal is pending or ctx is done, then consumes
// and returns the highest pending revision.
func (m *Mailbox) Wait(ctx context.Context) (int64, error) {
	for {
		m.mu.Lock()
		if m.pending {
			m.pending = false
			revision := m.latest
			m.mu.Unlock()
			return revision, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-m.notify:
		}
	}
}

// Newer reports whether a revision above seen has arrived. Runners
// call this between convergence steps to abandon superseded work.
func (m *Mailbox) Newer(seen int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending && m.latest > seen
}
