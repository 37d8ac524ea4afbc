// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package watch is a single-slot watched value, the Go analogue of
// tokio::sync::watch used by spec.md §4.2/§9: writers overwrite the
// current value and wake every waiter; nobody ever sees a backlog of
// stale updates, only the latest one.
package watch

import "sync"

// Target holds the background worker's current wake-up deadline
// (nil means "no pending deadline"). It is safe for concurrent use.
type Target struct {
	mu     sync.Mutex
	val    *int64
	set    bool
	ch     chan struct{}
	closed bool
}

// NewTarget constructs an empty Target (no pending deadline).
func NewTarget() *Target {
	return &Target{ch: make(chan struct{})}
}

// Set publishes a new value. It is a no-op if v equals the current
// value, matching spec.md §4.1's "Publish to the worker only if the
// value changed."
func (t *Target) Set(v *int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if equalPtr(t.val, v) {
		return
	}
	t.val = v
	t.set = true
	close(t.ch)
	t.ch = make(chan struct{})
}

func equalPtr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Get returns the current value and a channel that is closed the next
// time the value changes (or the Target is closed).
func (t *Target) Get() (*int64, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.val, t.ch
}

// Close permanently closes the watch, waking any waiter for the last
// time. BackgroundWorker treats this as its shutdown signal (spec.md
// §4.2: "dropping the sender ... closes the channel and terminates the
// worker").
func (t *Target) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.ch)
}

// Closed reports whether Close has been called.
func (t *Target) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
