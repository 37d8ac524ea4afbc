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

// Package persistence is the write-back flush policy: a list of
// thresholds, any one of which being satisfied is sufficient to force
// a commit (spec.md §4.4).
package persistence

import "time"

// Threshold is one clause of a Policy: satisfied once at least
// MinChanges keys are dirty, and (if MinDuration is set) at least
// MinDuration has elapsed since the last commit.
type Threshold struct {
	MinChanges  int
	MinDuration *time.Duration
}

// AfterChanges builds a threshold satisfied purely by change count.
func AfterChanges(n int) Threshold {
	return Threshold{MinChanges: n}
}

// AndDuration returns a copy of t that additionally requires d to have
// elapsed since the last commit.
func (t Threshold) AndDuration(d time.Duration) Threshold {
	t.MinDuration = &d
	return t
}

func (t Threshold) satisfied(dirtyCount int, elapsed time.Duration) bool {
	if dirtyCount < t.MinChanges {
		return false
	}
	if t.MinDuration != nil && elapsed < *t.MinDuration {
		return false
	}
	return true
}

// durationRemaining returns how long until t would become satisfied
// given the current dirtyCount, or (0, false) if it never will at this
// dirtyCount.
func (t Threshold) durationRemaining(dirtyCount int, elapsed time.Duration) (time.Duration, bool) {
	if dirtyCount < t.MinChanges {
		return 0, false
	}
	if t.MinDuration == nil {
		return 0, true
	}
	if elapsed >= *t.MinDuration {
		return 0, true
	}
	return *t.MinDuration - elapsed, true
}

// Policy is a list of Thresholds; satisfying any one is sufficient to
// require a commit. A nil/empty Policy behaves like the default
// policy: commit immediately on every change (MinChanges: 1, no
// duration clause).
type Policy struct {
	Thresholds []Threshold
}

// Default commits immediately on every change.
func Default() Policy {
	return Policy{Thresholds: []Threshold{AfterChanges(1)}}
}

// Lazy builds a policy from an explicit list of thresholds; satisfying
// any one of them is sufficient.
func Lazy(thresholds ...Threshold) Policy {
	return Policy{Thresholds: thresholds}
}

// Infinite is the sentinel duration returned by DurationUntilNextCommit
// when no threshold will ever be satisfied at the given dirtyCount.
const Infinite = time.Duration(1<<63 - 1)

// DurationUntilNextCommit returns 0 if any threshold is currently
// satisfied, otherwise the smallest positive duration until any
// threshold would become satisfied, or Infinite if none ever will at
// this dirtyCount (spec.md §4.4).
func (p Policy) DurationUntilNextCommit(dirtyCount int, elapsed time.Duration) time.Duration {
	thresholds := p.Thresholds
	if len(thresholds) == 0 {
		thresholds = Default().Thresholds
	}
	best := Infinite
	for _, t := range thresholds {
		remaining, reachable := t.durationRemaining(dirtyCount, elapsed)
		if !reachable {
			continue
		}
		if remaining == 0 {
			return 0
		}
		if remaining < best {
			best = remaining
		}
	}
	return best
}

// ShouldCommit reports whether a flush is due right now.
func (p Policy) ShouldCommit(dirtyCount int, elapsed time.Duration) bool {
	return p.DurationUntilNextCommit(dirtyCount, elapsed) == 0
}
