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

// Package mdbxtree adapts kv.RwDB/RwTx onto github.com/erigontech/mdbx-go,
// the real persistent backend. pkg/kv/memkv exists for tests and for
// embedders that don't need durability; this package is what kvcored
// opens in production.
package mdbxtree

import (
	"context"

	"github.com/erigontech/mdbx-go/mdbx"
	"github.com/pkg/errors"

	"github.com/erigontech/kvcore/pkg/kv"
)

// logDBIName is a second, separate mdbx DBI holding only the
// transaction-log payload SetEntryData stashes, keyed by logKey. It is
// never opened as kv.Tree and so never appears in ForEach/Cursor scans
// over the real entries — keeping it in its own DBI, rather than the
// same one as user keys, is what keeps AllEntries' "every live
// (namespace,key)->Entry" contract honest: no reserved key can ever
// collide with or masquerade as a user entry.
const logDBIName = "log"

// logKey is the single key the changelog payload is stored under
// within logDBI.
var logKey = []byte("changelog")

// DB wraps an mdbx.Env holding two DBIs: dbi (kv.Tree, user entries)
// and logDBI (the changelog side-channel).
type DB struct {
	env    *mdbx.Env
	dbi    mdbx.DBI
	logDBI mdbx.DBI
}

// Open creates (if needed) and opens an mdbx environment rooted at
// path, with the kv.Tree database and the changelog database.
func Open(path string) (*DB, error) {
	env, err := mdbx.NewEnv()
	if err != nil {
		return nil, errors.Wrap(err, "mdbxtree: new env")
	}
	if err := env.SetOption(mdbx.OptMaxDB, 2); err != nil {
		return nil, errors.Wrap(err, "mdbxtree: set max dbs")
	}
	if err := env.SetGeometry(-1, -1, 64<<30, -1, -1, 4096); err != nil {
		return nil, errors.Wrap(err, "mdbxtree: set geometry")
	}
	if err := env.Open(path, mdbx.NoSubdir|mdbx.Coalesce|mdbx.LifoReclaim, 0o600); err != nil {
		return nil, errors.Wrap(err, "mdbxtree: open env")
	}

	var dbi, logDBI mdbx.DBI
	err = env.Update(func(txn *mdbx.Txn) error {
		var e error
		if dbi, e = txn.OpenDBISimple(kv.Tree, mdbx.Create); e != nil {
			return e
		}
		logDBI, e = txn.OpenDBISimple(logDBIName, mdbx.Create)
		return e
	})
	if err != nil {
		env.Close()
		return nil, errors.Wrap(err, "mdbxtree: open dbi")
	}

	return &DB{env: env, dbi: dbi, logDBI: logDBI}, nil
}

func (db *DB) Close() { db.env.Close() }

func (db *DB) BeginRo(ctx context.Context) (kv.Tx, error) {
	txn, err := db.env.BeginTxn(nil, mdbx.Readonly)
	if err != nil {
		return nil, errors.Wrap(err, "mdbxtree: begin ro txn")
	}
	return &tx{db: db, txn: txn}, nil
}

func (db *DB) BeginRw(ctx context.Context) (kv.RwTx, error) {
	txn, err := db.env.BeginTxn(nil, 0)
	if err != nil {
		return nil, errors.Wrap(err, "mdbxtree: begin rw txn")
	}
	return &tx{db: db, txn: txn, writable: true}, nil
}

type tx struct {
	db       *DB
	txn      *mdbx.Txn
	writable bool
	logData  []byte
}

func (t *tx) dbiFor(table string) (mdbx.DBI, error) {
	if table != kv.Tree {
		return 0, errors.Errorf("mdbxtree: unknown table %q", table)
	}
	return t.db.dbi, nil
}

func (t *tx) Has(table string, key []byte) (bool, error) {
	v, err := t.getRaw(table, key)
	return v != nil, err
}

func (t *tx) getRaw(table string, key []byte) ([]byte, error) {
	dbi, err := t.dbiFor(table)
	if err != nil {
		return nil, err
	}
	v, err := t.txn.Get(dbi, key)
	if mdbx.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mdbxtree: get")
	}
	return v, nil
}

func (t *tx) GetOne(table string, key []byte) ([]byte, error) {
	return t.getRaw(table, key)
}

func (t *tx) ForEach(table string, fromPrefix []byte, walker func(k, v []byte) error) error {
	dbi, err := t.dbiFor(table)
	if err != nil {
		return err
	}
	cur, err := t.txn.OpenCursor(dbi)
	if err != nil {
		return errors.Wrap(err, "mdbxtree: open cursor")
	}
	defer cur.Close()

	var k, v []byte
	if len(fromPrefix) == 0 {
		k, v, err = cur.Get(nil, nil, mdbx.First)
	} else {
		k, v, err = cur.Get(fromPrefix, nil, mdbx.SetRange)
	}
	for {
		if mdbx.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "mdbxtree: cursor get")
		}
		if walkErr := walker(k, v); walkErr != nil {
			return walkErr
		}
		k, v, err = cur.Get(nil, nil, mdbx.Next)
	}
}

func (t *tx) Cursor(table string) (kv.Cursor, error) {
	dbi, err := t.dbiFor(table)
	if err != nil {
		return nil, err
	}
	cur, err := t.txn.OpenCursor(dbi)
	if err != nil {
		return nil, errors.Wrap(err, "mdbxtree: open cursor")
	}
	return &cursor{cur: cur}, nil
}

func (t *tx) RwCursor(table string) (kv.RwCursor, error) {
	dbi, err := t.dbiFor(table)
	if err != nil {
		return nil, err
	}
	cur, err := t.txn.OpenCursor(dbi)
	if err != nil {
		return nil, errors.Wrap(err, "mdbxtree: open cursor")
	}
	return &cursor{cur: cur}, nil
}

func (t *tx) Put(table string, k, v []byte) error {
	dbi, err := t.dbiFor(table)
	if err != nil {
		return err
	}
	return errors.Wrap(t.txn.Put(dbi, k, v, 0), "mdbxtree: put")
}

func (t *tx) Delete(table string, k []byte) error {
	dbi, err := t.dbiFor(table)
	if err != nil {
		return err
	}
	err = t.txn.Del(dbi, k, nil)
	if mdbx.IsNotFound(err) {
		return nil
	}
	return errors.Wrap(err, "mdbxtree: delete")
}

// Modify is the compare-and-swap batch primitive kv.RwTx promises: it
// reads the current value of each key under this same transaction,
// hands it to op, and applies the result. Since mdbx serializes all
// writers, the whole batch is atomic with respect to other writers by
// construction — no extra locking needed.
func (t *tx) Modify(table string, keys [][]byte, op func(key, existingValue []byte) kv.KeyOperation) error {
	for _, key := range keys {
		existing, err := t.getRaw(table, key)
		if err != nil {
			return err
		}
		decision := op(key, existing)
		switch decision.Op {
		case kv.KeyOperationSkip:
			continue
		case kv.KeyOperationSet:
			if err := t.Put(table, key, decision.Value); err != nil {
				return err
			}
		case kv.KeyOperationRemove:
			if err := t.Delete(table, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetEntryData stashes payload to be written to logDBI once Commit
// runs. mdbx has no built-in transaction log, so this package emulates
// one by overwriting a single key in its own reserved DBI rather than
// discarding the payload; it never touches kv.Tree and so never shows
// up in a scan over real entries.
func (t *tx) SetEntryData(data []byte) { t.logData = data }

func (t *tx) Commit() error {
	if t.logData != nil {
		if err := t.txn.Put(t.db.logDBI, logKey, t.logData, 0); err != nil {
			return errors.Wrap(err, "mdbxtree: write log entry")
		}
	}
	_, err := t.txn.Commit()
	return errors.Wrap(err, "mdbxtree: commit")
}

func (t *tx) Rollback() {
	t.txn.Abort()
}

type cursor struct {
	cur *mdbx.Cursor
}

func (c *cursor) First() ([]byte, []byte, error) {
	k, v, err := c.cur.Get(nil, nil, mdbx.First)
	return normalize(k, v, err)
}

func (c *cursor) Seek(seek []byte) ([]byte, []byte, error) {
	k, v, err := c.cur.Get(seek, nil, mdbx.SetRange)
	return normalize(k, v, err)
}

func (c *cursor) Next() ([]byte, []byte, error) {
	k, v, err := c.cur.Get(nil, nil, mdbx.Next)
	return normalize(k, v, err)
}

func (c *cursor) Put(k, v []byte) error {
	return errors.Wrap(c.cur.Put(k, v, 0), "mdbxtree: cursor put")
}

func (c *cursor) Delete(k []byte) error {
	if _, _, err := c.cur.Get(k, nil, mdbx.Set); err != nil {
		if mdbx.IsNotFound(err) {
			return nil
		}
		return errors.Wrap(err, "mdbxtree: cursor seek for delete")
	}
	return errors.Wrap(c.cur.Del(0), "mdbxtree: cursor delete")
}

func (c *cursor) Close() { c.cur.Close() }

func normalize(k, v []byte, err error) ([]byte, []byte, error) {
	if mdbx.IsNotFound(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "mdbxtree: cursor")
	}
	return k, v, nil
}
