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

// Package clocktest retries a wall-clock-sensitive assertion a bounded
// number of times before failing, to absorb scheduler jitter in tests
// that wait for a background expiration or flush to happen. Ported
// from bonsaidb's TimingTest harness (original_source/.../keyvalue.rs).
package clocktest

import (
	"testing"
	"time"
)

// Retry calls check repeatedly, sleeping step between attempts, until
// check returns true or the total elapsed time exceeds budget. It
// fails t if check never returned true.
//
// Use this for assertions like "the background worker expired this
// key within N milliseconds" rather than a single time.Sleep followed
// by one check, which is flaky under load.
func Retry(t *testing.T, budget, step time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(budget)
	for {
		if check() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not satisfied within %s", budget)
			return
		}
		time.Sleep(step)
	}
}

// Eventually is Retry with the harness's default budget and step,
// tuned for the short expirations the keyvalue/worker tests wait on.
func Eventually(t *testing.T, check func() bool) {
	t.Helper()
	Retry(t, 2*time.Second, 10*time.Millisecond, check)
}
