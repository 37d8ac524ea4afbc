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

// Package memkv is an in-memory implementation of kv.RwDB, backed by a
// google/btree ordered tree per table. It exists for tests and for
// running the keyvalue core without an mdbx datadir.
package memkv

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/erigontech/kvcore/pkg/kv"
)

type item struct {
	key, value []byte
}

func (a item) Less(b btree.Item) bool {
	return bytes.Compare(a.key, b.(item).key) < 0
}

// DB is a process-local, mutex-guarded multi-table ordered store.
type DB struct {
	mu     sync.Mutex
	tables map[string]*btree.BTree
}

func New() *DB {
	return &DB{tables: make(map[string]*btree.BTree)}
}

func (db *DB) Close() {}

func (db *DB) BeginRo(_ context.Context) (kv.Tx, error) {
	db.mu.Lock()
	return &tx{db: db, tables: db.tables}, nil
}

// BeginRw hands the write transaction its own copy-on-write clone of
// every table (google/btree's Clone is O(1), structural sharing until
// the first write touches a given node), so a Rollback can simply
// discard the clone without having undone anything in db.tables.
func (db *DB) BeginRw(_ context.Context) (kv.RwTx, error) {
	db.mu.Lock()
	clones := make(map[string]*btree.BTree, len(db.tables))
	for name, t := range db.tables {
		clones[name] = t.Clone()
	}
	return &tx{db: db, tables: clones, writable: true}, nil
}

// tx implements both kv.Tx and kv.RwTx: the database-wide mutex is held
// for the transaction's lifetime, matching mdbx's single-writer model
// closely enough for tests. Read-only transactions operate directly on
// db.tables; read-write transactions operate on their own clone (see
// BeginRw) and are only folded back into db.tables on Commit.
type tx struct {
	db       *DB
	tables   map[string]*btree.BTree
	writable bool
	done     bool
	logData  []byte
}

func (t *tx) tree(table string) *btree.BTree {
	tr, ok := t.tables[table]
	if !ok {
		tr = btree.New(32)
		t.tables[table] = tr
	}
	return tr
}

func (t *tx) unlock() {
	if !t.done {
		t.done = true
		t.db.mu.Unlock()
	}
}

func (t *tx) Rollback() { t.unlock() }

func (t *tx) Commit() error {
	if t.writable {
		t.db.tables = t.tables
	}
	t.unlock()
	return nil
}

func (t *tx) Has(table string, key []byte) (bool, error) {
	v, err := t.GetOne(table, key)
	return v != nil, err
}

func (t *tx) GetOne(table string, key []byte) ([]byte, error) {
	i := t.tree(table).Get(item{key: key})
	if i == nil {
		return nil, nil
	}
	v := i.(item).value
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (t *tx) ForEach(table string, fromPrefix []byte, walker func(k, v []byte) error) error {
	var walkErr error
	t.tree(table).AscendGreaterOrEqual(item{key: fromPrefix}, func(i btree.Item) bool {
		it := i.(item)
		if walkErr = walker(it.key, it.value); walkErr != nil {
			return false
		}
		return true
	})
	return walkErr
}

func (t *tx) Put(table string, k, v []byte) error {
	key := append([]byte(nil), k...)
	val := append([]byte(nil), v...)
	t.tree(table).ReplaceOrInsert(item{key: key, value: val})
	return nil
}

func (t *tx) Delete(table string, k []byte) error {
	t.tree(table).Delete(item{key: k})
	return nil
}

func (t *tx) SetEntryData(data []byte) { t.logData = data }

func (t *tx) Modify(table string, keys [][]byte, op func(key, existingValue []byte) kv.KeyOperation) error {
	tr := t.tree(table)
	for _, k := range keys {
		var existing []byte
		if i := tr.Get(item{key: k}); i != nil {
			existing = i.(item).value
		}
		decision := op(k, existing)
		switch decision.Op {
		case kv.KeyOperationSet:
			tr.ReplaceOrInsert(item{key: append([]byte(nil), k...), value: append([]byte(nil), decision.Value...)})
		case kv.KeyOperationRemove:
			tr.Delete(item{key: k})
		case kv.KeyOperationSkip:
		}
	}
	return nil
}

func (t *tx) Cursor(table string) (kv.Cursor, error) {
	return &cursor{tx: t, table: table}, nil
}

func (t *tx) RwCursor(table string) (kv.RwCursor, error) {
	return &cursor{tx: t, table: table}, nil
}

type cursor struct {
	tx      *tx
	table   string
	current []byte
	started bool
}

func (c *cursor) First() ([]byte, []byte, error) {
	var k, v []byte
	c.tx.tree(c.table).Ascend(func(i btree.Item) bool {
		it := i.(item)
		k, v = it.key, it.value
		return false
	})
	c.current, c.started = k, true
	return k, v, nil
}

func (c *cursor) Seek(seek []byte) ([]byte, []byte, error) {
	var k, v []byte
	c.tx.tree(c.table).AscendGreaterOrEqual(item{key: seek}, func(i btree.Item) bool {
		it := i.(item)
		k, v = it.key, it.value
		return false
	})
	c.current, c.started = k, true
	return k, v, nil
}

func (c *cursor) Next() ([]byte, []byte, error) {
	if !c.started {
		return c.First()
	}
	var k, v []byte
	first := true
	c.tx.tree(c.table).AscendGreaterOrEqual(item{key: c.current}, func(i btree.Item) bool {
		it := i.(item)
		if first && bytes.Equal(it.key, c.current) {
			first = false
			return true
		}
		k, v = it.key, it.value
		return false
	})
	c.current = k
	return k, v, nil
}

func (c *cursor) Close() {}

func (c *cursor) Put(k, v []byte) error {
	return c.tx.Put(c.table, k, v)
}

func (c *cursor) Delete(k []byte) error {
	return c.tx.Delete(c.table, k)
}
