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

// Package kv defines the ordered byte-keyed tree store interface the
// keyvalue core is built against. It is intentionally small: a single
// logical tree (named Tree below), point get, ordered range scan, and an
// atomic compare-and-swap style batch modify used by the commit path.
//
// Variable naming follows the convention used across this codebase:
//
//	tx  - database transaction
//	k,v - key, value
//	Cursor - low-level api to walk over a tree in key order
package kv

import "context"

// Tree is the name of the single logical tree the keyvalue core uses.
const Tree = "kv"

// Getter is the read surface of a transaction.
type Getter interface {
	// Has reports whether key exists in the table.
	Has(table string, key []byte) (bool, error)

	// GetOne returns the value stored for key, or nil if absent. The
	// returned slice must not be retained past the transaction's
	// lifetime for read-only transactions backed by mmap'd storage.
	GetOne(table string, key []byte) ([]byte, error)

	// ForEach iterates entries with keys >= fromPrefix in ascending
	// order, calling walker for each. Iteration stops at the first
	// error returned by walker.
	ForEach(table string, fromPrefix []byte, walker func(k, v []byte) error) error
}

// Putter is the write surface for single-key upserts.
type Putter interface {
	Put(table string, k, v []byte) error
}

// Deleter is the write surface for single-key removal.
type Deleter interface {
	Delete(table string, k []byte) error
}

// Tx is a read-only transaction.
//
// WARNING: a Tx must only be used by the goroutine that created it.
type Tx interface {
	Getter

	// Cursor opens a cursor over table.
	Cursor(table string) (Cursor, error)

	Rollback()
}

// RwTx is a read-write transaction. Modify applies a batch of changes
// atomically: for every key in keys, op is called with the key and its
// current value (nil if absent) under a consistent snapshot, and its
// return value decides what happens to that key. This is the
// compare-and-swap primitive the commit path in keyvalue/store relies
// on to detect which keys actually changed on disk.
type RwTx interface {
	Tx
	Putter
	Deleter

	RwCursor(table string) (RwCursor, error)

	// Modify performs a compare-and-swap style batch update: op
	// observes the existing value for each key (nil if absent) and
	// returns the KeyOperation to apply. Modify does not commit the
	// transaction; the caller must still call Commit.
	Modify(table string, keys [][]byte, op func(key, existingValue []byte) KeyOperation) error

	// SetEntryData attaches an opaque payload to this transaction,
	// analogous to a transaction-log entry. Implementations that don't
	// support a log may make this a no-op.
	SetEntryData(data []byte)

	Commit() error
}

// KeyOperation is the per-key decision returned from a Modify callback.
type KeyOperation struct {
	Op    KeyOperationKind
	Value []byte // only meaningful when Op == KeyOperationSet
}

type KeyOperationKind uint8

const (
	KeyOperationSkip KeyOperationKind = iota
	KeyOperationSet
	KeyOperationRemove
)

// Cursor walks a table in key order.
type Cursor interface {
	First() (k, v []byte, err error)
	Seek(seek []byte) (k, v []byte, err error)
	Next() (k, v []byte, err error)
	Close()
}

// RwCursor additionally allows mutation while iterating.
type RwCursor interface {
	Cursor
	Put(k, v []byte) error
	Delete(k []byte) error
}

// RoDB is a read-only handle to the tree store.
type RoDB interface {
	BeginRo(ctx context.Context) (Tx, error)
	Close()
}

// RwDB is a read-write handle to the tree store. Implementations must
// be safe to clone/share across goroutines: only one logical
// KeyValueState may exist per RwDB, but the handle itself is
// concurrency-safe (spec.md §5: "the tree store handle is clone-cheap
// and internally thread-safe").
type RwDB interface {
	RoDB
	BeginRw(ctx context.Context) (RwTx, error)
}
