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

// Package worker runs the single background goroutine per open
// database that sweeps expired keys and flushes the dirty buffer on
// schedule, per spec.md §4.2.
package worker

import (
	"context"
	"time"

	log "github.com/erigontech/erigon-lib/log/v3"
	"github.com/erigontech/kvcore/pkg/keyvalue"
	"github.com/erigontech/kvcore/pkg/keyvalue/store"
)

// BackgroundWorker owns the goroutine that wakes up at the state's
// published target, runs State.FlushIfDue, and recomputes the next
// target — forever, until the state's watch.Target is closed or ctx is
// canceled.
type BackgroundWorker struct {
	state  *store.State
	logger log.Logger
}

// New builds a BackgroundWorker bound to state. Run must be called
// (typically in its own goroutine) to start it.
func New(state *store.State) *BackgroundWorker {
	return &BackgroundWorker{state: state, logger: log.New("component", "keyvalue/worker")}
}

// Run blocks until ctx is canceled or the state's target watch is
// closed (Shutdown), implementing spec.md §4.2's loop:
//
//  1. Read the current target and its "changed" channel.
//  2. If there is no target, block until it changes or ctx is done.
//  3. Otherwise sleep until the target deadline, waking early if the
//     target changes in the meantime; a change restarts the loop at
//     step 1 with the new target.
//  4. When the deadline elapses, call FlushIfDue, which re-derives the
//     next target as a side effect.
func (w *BackgroundWorker) Run(ctx context.Context) {
	target := w.state.Target()
	for {
		if target.Closed() {
			return
		}
		deadline, changed := target.Get()

		if deadline == nil {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				continue
			}
		}

		wait := time.Duration(*deadline - int64(keyvalue.Now()))
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-changed:
			timer.Stop()
			continue
		case <-timer.C:
		}

		if err := w.state.FlushIfDue(ctx); err != nil {
			w.logger.Warn("background flush failed", "err", err)
		}
	}
}
