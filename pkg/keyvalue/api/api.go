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

// Package api wires keyvalue/store, keyvalue/worker, and
// keyvalue/loader into the single object an embedder opens and holds:
// Database. It is the boundary spec.md §6 calls "External Interfaces" —
// everything above this package only ever sees Database, Entry,
// Value, Output, and the Set/Get/Increment/Decrement builders.
package api

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/erigontech/kvcore/pkg/keyvalue"
	"github.com/erigontech/kvcore/pkg/keyvalue/loader"
	"github.com/erigontech/kvcore/pkg/keyvalue/persistence"
	"github.com/erigontech/kvcore/pkg/keyvalue/store"
	"github.com/erigontech/kvcore/pkg/keyvalue/worker"
	"github.com/erigontech/kvcore/pkg/kv"
)

// Database is an open key-value subsystem bound to a single kv.RwDB
// tree handle. Construct one with Open; release resources with
// Close.
type Database struct {
	state      *store.State
	worker     *worker.BackgroundWorker
	cancelBg   context.CancelFunc
	workerDone chan struct{}

	// reads collapses concurrent non-deleting Get calls for the same
	// namespace/key into a single PerformOperation, the way a cache
	// stampede on a hot key would otherwise serialize N identical
	// reads through the state mutex one at a time.
	reads singleflight.Group
}

// Open backfills the expiration index from db (keyvalue/loader),
// constructs the stateful core, and starts the background worker
// goroutine. Per spec.md §4.3, Open blocks until the backfill scan
// completes: no operation may be served before expirations are known.
func Open(ctx context.Context, db kv.RwDB, policy persistence.Policy) (*Database, error) {
	state := store.New(db, policy)

	if err := loader.Load(ctx, db, state); err != nil {
		return nil, errors.Wrap(err, "keyvalue/api: load expiration index")
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	d := &Database{
		state:      state,
		worker:     worker.New(state),
		cancelBg:   cancel,
		workerDone: make(chan struct{}),
	}
	go func() {
		defer close(d.workerDone)
		d.worker.Run(bgCtx)
	}()
	return d, nil
}

// Close stops the background worker and performs the final flush
// (spec.md §3: "On shutdown the state flushes any remaining dirty
// entries before releasing the tree handle").
func (d *Database) Close(ctx context.Context) error {
	d.cancelBg()
	<-d.workerDone
	return d.state.Shutdown(ctx)
}

// Set upserts namespace/key. opts configure the optional
// keep-existing-expiration, check, and return-previous-value
// behaviors; pass no opts for a plain unconditional set with no
// expiration.
func (d *Database) Set(ctx context.Context, namespace, key string, value keyvalue.Value, opts ...SetOption) (keyvalue.Output, error) {
	cmd := keyvalue.SetCommand{Value: value}
	for _, opt := range opts {
		opt(&cmd)
	}
	return d.state.PerformOperation(ctx, keyvalue.KeyOperation{
		Namespace: namespace,
		Key:       key,
		Command:   keyvalue.CommandSet,
		Set:       cmd,
	})
}

// Get fetches namespace/key, optionally deleting it atomically on the
// way out. Plain (non-deleting) reads for the same key that race each
// other share a single PerformOperation call via singleflight; a Get
// with del set always runs on its own since it mutates state.
func (d *Database) Get(ctx context.Context, namespace, key string, del bool) (keyvalue.Output, error) {
	if del {
		return d.state.PerformOperation(ctx, keyvalue.KeyOperation{
			Namespace: namespace,
			Key:       key,
			Command:   keyvalue.CommandGet,
			Get:       keyvalue.GetCommand{Delete: true},
		})
	}

	shared, err, _ := d.reads.Do(namespace+"\x00"+key, func() (interface{}, error) {
		return d.state.PerformOperation(ctx, keyvalue.KeyOperation{
			Namespace: namespace,
			Key:       key,
			Command:   keyvalue.CommandGet,
		})
	})
	if err != nil {
		return keyvalue.Output{}, err
	}
	return shared.(keyvalue.Output), nil
}

// Delete removes namespace/key if present.
func (d *Database) Delete(ctx context.Context, namespace, key string) (keyvalue.Output, error) {
	return d.state.PerformOperation(ctx, keyvalue.KeyOperation{
		Namespace: namespace,
		Key:       key,
		Command:   keyvalue.CommandDelete,
	})
}

// Increment adds amount to the numeric value at namespace/key
// (creating it as an unsigned zero first if absent), returning the
// resulting value. Returns keyvalue.ErrTypeMismatch if the stored
// value is Bytes.
func (d *Database) Increment(ctx context.Context, namespace, key string, amount keyvalue.Numeric, saturating bool) (keyvalue.Output, error) {
	return d.state.PerformOperation(ctx, keyvalue.KeyOperation{
		Namespace: namespace,
		Key:       key,
		Command:   keyvalue.CommandIncrement,
		Numeric:   keyvalue.NumericCommand{Amount: amount, Saturating: saturating},
	})
}

// Decrement subtracts amount; see Increment.
func (d *Database) Decrement(ctx context.Context, namespace, key string, amount keyvalue.Numeric, saturating bool) (keyvalue.Output, error) {
	return d.state.PerformOperation(ctx, keyvalue.KeyOperation{
		Namespace: namespace,
		Key:       key,
		Command:   keyvalue.CommandDecrement,
		Numeric:   keyvalue.NumericCommand{Amount: amount, Saturating: saturating},
	})
}

// AllEntries returns every live entry across every namespace (a
// supplemented, non-Non-goal feature: see SPEC_FULL.md).
func (d *Database) AllEntries(ctx context.Context) (map[store.NamespacedKey]keyvalue.Entry, error) {
	return d.state.AllEntries(ctx)
}

// Restore re-inserts e at namespace/key, for recovery/import tooling.
func (d *Database) Restore(ctx context.Context, namespace, key string, e keyvalue.Entry) (keyvalue.Output, error) {
	return d.state.Restore(ctx, namespace, key, e)
}

// SetOption configures a Set call.
type SetOption func(*keyvalue.SetCommand)

// WithExpiration sets an absolute expiration.
func WithExpiration(t keyvalue.Timestamp) SetOption {
	return func(c *keyvalue.SetCommand) { c.Expiration = &t }
}

// WithExpiresIn sets an expiration d from now.
func WithExpiresIn(d time.Duration) SetOption {
	return func(c *keyvalue.SetCommand) {
		t := keyvalue.Now().Add(int64(d))
		c.Expiration = &t
	}
}

// WithKeepExistingExpiration preserves whatever expiration the
// previous value had, ignoring any expiration set on this command.
func WithKeepExistingExpiration() SetOption {
	return func(c *keyvalue.SetCommand) { c.KeepExistingExpiration = true }
}

// WithCheck gates the Set on the key's current presence.
func WithCheck(check keyvalue.KeyCheck) SetOption {
	return func(c *keyvalue.SetCommand) { c.Check = check }
}

// WithReturnPreviousValue requests the previous value in Output
// instead of a KeyStatus.
func WithReturnPreviousValue() SetOption {
	return func(c *keyvalue.SetCommand) { c.ReturnPreviousValue = true }
}
