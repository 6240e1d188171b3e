// Package signaling provides channel-based wake primitives used by
// subscriptions and bounded waits.
package signaling

import (
	"sync"
	"sync/atomic"
)

// Latch is a signal that indicates some permanent condition has been met.
type Latch struct {
	init    sync.Once
	sig     chan struct{}
	latched atomic.Bool
}

// Signaled returns a channel that is readable once the latch has been set.
func (l *Latch) Signaled() <-chan struct{} {
	return l.signal()
}

// Signal sets the latch.
func (l *Latch) Signal() {
	if l.latched.CompareAndSwap(false, true) {
		close(l.signal())
	}
}

// IsSignaled reports whether the latch has been set.
func (l *Latch) IsSignaled() bool {
	return l.latched.Load()
}

func (l *Latch) signal() chan struct{} {
	l.init.Do(func() {
		l.sig = make(chan struct{})
	})
	return l.sig
}

// Broadcast is a signal that wakes every waiter each time it is signaled.
//
// Waiters obtain the current generation's channel from Signaled and block on
// it; Signal closes that channel and starts a new generation. A waiter that
// re-reads Signaled after waking observes any signals it missed while it was
// not blocked, so wakeups are never lost between iterations.
type Broadcast struct {
	mu  sync.Mutex
	sig chan struct{}
}

// Signaled returns a channel that is closed the next time Signal is called.
func (b *Broadcast) Signaled() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sig == nil {
		b.sig = make(chan struct{})
	}
	return b.sig
}

// Signal wakes all current waiters.
func (b *Broadcast) Signal() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sig != nil {
		close(b.sig)
		b.sig = nil
	}
}
