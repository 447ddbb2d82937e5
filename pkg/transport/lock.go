// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"sync"
	"time"
)

// lockGeneration is one closed-then-opened cycle of a resultLock
type lockGeneration struct {
	ch  chan struct{}
	err error
}

// resultLock blocks waiters until it is opened with a result. The first
// open wins; later opens are ignored until the lock is closed again.
type resultLock struct {
	mu     sync.Mutex
	isOpen bool
	gen    *lockGeneration
}

func newResultLock(open bool) *resultLock {
	l := &resultLock{isOpen: open, gen: &lockGeneration{ch: make(chan struct{})}}
	if open {
		close(l.gen.ch)
	}
	return l
}

// open releases every waiter with err (nil for success)
func (l *resultLock) open(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isOpen {
		return
	}
	l.isOpen = true
	l.gen.err = err
	close(l.gen.ch)
}

// close re-arms an open lock
func (l *resultLock) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.isOpen {
		return
	}
	l.isOpen = false
	l.gen = &lockGeneration{ch: make(chan struct{})}
}

func (l *resultLock) opened() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isOpen
}

// block waits for the lock to open. On expiry it returns timeoutErr and
// leaves the lock closed.
func (l *resultLock) block(ctx context.Context, timeout time.Duration, timeoutErr error) error {
	l.mu.Lock()
	gen := l.gen
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-gen.ch:
		return gen.err
	case <-timer.C:
		return timeoutErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
