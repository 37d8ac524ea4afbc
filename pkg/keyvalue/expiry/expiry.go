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

// Package expiry is the expiration index: expiring_keys (composite
// key -> expiration) kept in lockstep with expiration_order (keys
// ordered ascending by expiration, ties broken by insertion order).
// It is not concurrency-safe on its own; keyvalue/store holds it
// behind its own mutex.
package expiry

import (
	"github.com/google/btree"

	"github.com/erigontech/kvcore/pkg/keyvalue"
)

// entry is the ordering key of the backing btree: (expiration, a
// monotonically increasing sequence number that breaks ties in
// insertion order, since google/btree requires a strict order and two
// keys with the same expiration must still have a stable position).
type entry struct {
	expiration keyvalue.Timestamp
	seq        uint64
	key        string
}

func (a entry) Less(bItem btree.Item) bool {
	b := bItem.(entry)
	if a.expiration != b.expiration {
		return a.expiration < b.expiration
	}
	return a.seq < b.seq
}

// Index tracks upcoming key expirations. It replaces spec.md §9's
// "parallel ordered-sequence + mapping" slice with a google/btree
// ordered tree keyed by (expiration, insertion sequence): insert/remove
// of an arbitrary key is O(log n) rather than O(n), which the spec
// explicitly invites for large numbers of expiring keys, while
// preserving the same two invariants: the key set is identical between
// the map and the tree, and the tree is sorted ascending by
// expiration.
type Index struct {
	tree     *btree.BTree
	byKey    map[string]entry
	nextSeq  uint64
}

func NewIndex() *Index {
	return &Index{tree: btree.New(32), byKey: make(map[string]entry)}
}

// Len reports how many keys currently have a pending expiration.
func (idx *Index) Len() int { return len(idx.byKey) }

// Head returns the earliest pending expiration, or false if the index
// is empty.
func (idx *Index) Head() (key string, expiration keyvalue.Timestamp, ok bool) {
	var found entry
	idx.tree.Ascend(func(i btree.Item) bool {
		found = i.(entry)
		ok = true
		return false
	})
	if !ok {
		return "", 0, false
	}
	return found.key, found.expiration, true
}

// Expiration looks up the current expiration for key.
func (idx *Index) Expiration(key string) (keyvalue.Timestamp, bool) {
	e, ok := idx.byKey[key]
	if !ok {
		return 0, false
	}
	return e.expiration, true
}

// Update applies the expiration-update protocol of spec.md §4.1: if
// expiration is non-nil, (re)inserts key at its sorted position; if
// nil, removes key. changedHead reports whether the earliest pending
// expiration changed as a result (the removed or inserted entry was
// the head, the queue became empty, or a previously empty queue became
// non-empty) — store uses this to decide whether to recompute the
// background target.
func (idx *Index) Update(key string, expiration *keyvalue.Timestamp) (changedHead bool) {
	wasHeadKey := idx.isHead(key)
	wasEmpty := idx.Len() == 0

	if old, ok := idx.byKey[key]; ok {
		idx.tree.Delete(old)
		delete(idx.byKey, key)
	}

	if expiration == nil {
		if wasHeadKey {
			return true
		}
		return false
	}

	idx.nextSeq++
	e := entry{expiration: *expiration, seq: idx.nextSeq, key: key}
	idx.tree.ReplaceOrInsert(e)
	idx.byKey[key] = e

	if wasEmpty {
		return true
	}
	return idx.isHead(key) || wasHeadKey
}

func (idx *Index) isHead(key string) bool {
	headKey, _, ok := idx.Head()
	return ok && headKey == key
}

// RemoveExpired pops every entry whose expiration is <= now, in
// ascending order, calling onExpired for each. It stops at the first
// entry whose expiration is still in the future.
func (idx *Index) RemoveExpired(now keyvalue.Timestamp, onExpired func(key string)) {
	for {
		key, exp, ok := idx.Head()
		if !ok || exp > now {
			return
		}
		e := idx.byKey[key]
		idx.tree.Delete(e)
		delete(idx.byKey, key)
		onExpired(key)
	}
}

// Keys returns every key currently tracked, for invariant testing
// (spec.md §8 invariant 2: expiring_keys.keys() == set(expiration_order)).
func (idx *Index) Keys() []string {
	keys := make([]string, 0, len(idx.byKey))
	for k := range idx.byKey {
		keys = append(keys, k)
	}
	return keys
}

// Ordered returns the keys in ascending expiration order, for
// invariant testing (spec.md §8 invariant 2: sortedness).
func (idx *Index) Ordered() []string {
	keys := make([]string, 0, idx.tree.Len())
	idx.tree.Ascend(func(i btree.Item) bool {
		keys = append(keys, i.(entry).key)
		return true
	})
	return keys
}
