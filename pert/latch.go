// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package pert

import "sync"

// latch is a single pending-value slot shared between producers running on arbitrary goroutines
// and the one dispatch goroutine that claims values. A value put while the previous one is still
// unclaimed replaces it (last write wins).
type latch[T any] struct {
	mu          sync.Mutex
	v           T
	full        bool
	overwritten uint64        // number of values replaced before being claimed
	ready       chan struct{} // signalled after every put, may hold a stale token
}

func newLatch[T any]() *latch[T] {
	return &latch[T]{ready: make(chan struct{}, 1)}
}

// put records v and returns true if it replaced an unclaimed value.
func (l *latch[T]) put(v T) bool {
	l.mu.Lock()
	replaced := l.full
	if replaced {
		l.overwritten++
	}
	l.v, l.full = v, true
	l.mu.Unlock()

	select {
	case l.ready <- struct{}{}:
	default:
	}
	return replaced
}

// claim atomically takes the pending value and clears the slot.
func (l *latch[T]) claim() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero T
	if !l.full {
		return zero, false
	}
	v := l.v
	l.v, l.full = zero, false
	return v, true
}

func (l *latch[T]) dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.overwritten
}
