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

// Package loader is the one-shot expiration-index backfill that runs
// once at database open (spec.md §4.3): it scans every persisted
// Entry and feeds the ones with a pending expiration into the store's
// expiration index, so a process restart doesn't need to keep
// expirations anywhere but the tree itself.
package loader

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/erigontech/kvcore/pkg/keyvalue"
	"github.com/erigontech/kvcore/pkg/keyvalue/codec"
	"github.com/erigontech/kvcore/pkg/keyvalue/store"
	"github.com/erigontech/kvcore/pkg/kv"
)

// scanBatchSize bounds how many decoded entries are buffered between
// the scanning goroutine and the index-loading goroutine.
const scanBatchSize = 256

type scanned struct {
	fullKey    string
	expiration keyvalue.Timestamp
}

// Load performs the full-tree scan. It must run before any
// worker.BackgroundWorker or external caller starts issuing operations
// against state, since until it completes the expiration index does
// not yet reflect keys persisted in a previous process lifetime.
func Load(ctx context.Context, db kv.RoDB, state *store.State) error {
	g, gctx := errgroup.WithContext(ctx)
	items := make(chan scanned, scanBatchSize)

	g.Go(func() error {
		defer close(items)
		tx, err := db.BeginRo(gctx)
		if err != nil {
			return errors.Wrap(err, "keyvalue/loader: begin scan transaction")
		}
		defer tx.Rollback()

		return tx.ForEach(kv.Tree, nil, func(k, v []byte) error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			if _, _, ok := keyvalue.SplitKey(k); !ok {
				// Malformed/foreign composite key: skipped, not an error.
				return nil
			}
			entry, err := codec.DecodeEntry(v)
			if err != nil {
				// A record we cannot decode is skipped rather than
				// aborting the whole load (spec.md §7: loader errors
				// are per-key, not fatal to the scan).
				return nil
			}
			if entry.Expiration == nil {
				return nil
			}
			select {
			case items <- scanned{fullKey: string(k), expiration: *entry.Expiration}:
			case <-gctx.Done():
				return gctx.Err()
			}
			return nil
		})
	})

	g.Go(func() error {
		for item := range items {
			exp := item.expiration
			state.UpdateKeyExpiration(item.fullKey, &exp)
		}
		return nil
	})

	return g.Wait()
}
