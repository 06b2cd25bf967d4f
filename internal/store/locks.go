package store

import (
	"context"
	"sync"
)

// SessionLocks serializes runs that resume the same session. Locks live only
// in process memory; waiters are granted ownership in arrival order.
type SessionLocks struct {
	mu sync.Mutex
	// waiters maps a session ID to its FIFO wait queue. Presence of a key
	// means the lock is held; the slice holds the goroutines waiting on it.
	waiters map[string][]chan struct{}
}

// NewSessionLocks returns an empty lock table.
func NewSessionLocks() *SessionLocks {
	return &SessionLocks{waiters: make(map[string][]chan struct{})}
}

// Acquire blocks until the lock for id is held by the caller or ctx is done.
// On cancellation the waiter is removed from the queue without disturbing the
// ordering of the others.
func (l *SessionLocks) Acquire(ctx context.Context, id string) error {
	l.mu.Lock()
	if _, held := l.waiters[id]; !held {
		l.waiters[id] = nil
		l.mu.Unlock()
		return nil
	}
	grant := make(chan struct{})
	l.waiters[id] = append(l.waiters[id], grant)
	l.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		removed := false
		queue := l.waiters[id]
		for i, w := range queue {
			if w == grant {
				l.waiters[id] = append(queue[:i:i], queue[i+1:]...)
				removed = true
				break
			}
		}
		l.mu.Unlock()
		if !removed {
			// Ownership was transferred concurrently with cancellation;
			// hand it straight to the next waiter.
			l.Release(id)
		}
		return ctx.Err()
	}
}

// Release hands the lock for id to the oldest waiter, or frees it when the
// queue is empty. Releasing an unheld lock is a no-op.
func (l *SessionLocks) Release(id string) {
	l.mu.Lock()
	queue, held := l.waiters[id]
	if !held {
		l.mu.Unlock()
		return
	}
	if len(queue) == 0 {
		delete(l.waiters, id)
		l.mu.Unlock()
		return
	}
	next := queue[0]
	l.waiters[id] = queue[1:]
	l.mu.Unlock()
	close(next)
}

// Purge drops the lock entry for a deleted session. Entries with waiters are
// left alone; an expired session cannot have active users, so a populated
// queue means the ID was reused and the lock must keep its ordering.
func (l *SessionLocks) Purge(id string) {
	l.mu.Lock()
	if queue, held := l.waiters[id]; held && len(queue) == 0 {
		delete(l.waiters, id)
	}
	l.mu.Unlock()
}

// Len reports how many session locks are currently held.
func (l *SessionLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}
