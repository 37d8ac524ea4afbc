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

// Package store is the stateful core of the keyvalue subsystem:
// KeyValueState in spec.md §3/§4.1. It owns the dirty write-back
// buffer, the expiration index, the persistence policy, and the
// mutex that serializes every operation.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"github.com/tidwall/btree"

	log "github.com/erigontech/erigon-lib/log/v3"
	"github.com/erigontech/kvcore/pkg/keyvalue"
	"github.com/erigontech/kvcore/pkg/keyvalue/codec"
	"github.com/erigontech/kvcore/pkg/keyvalue/expiry"
	"github.com/erigontech/kvcore/pkg/keyvalue/persistence"
	"github.com/erigontech/kvcore/pkg/keyvalue/watch"
	"github.com/erigontech/kvcore/pkg/kv"
)

var (
	metricCommits  = metrics.NewCounter(`kv_commits_total`)
	metricExpired  = metrics.NewCounter(`kv_expired_total`)
	metricDirtyLen = metrics.GetOrCreateGauge(`kv_dirty_keys`, nil)
)

// dirtyItem is the element stored in the dirty buffer's ordered tree.
// entry == nil means "delete this key" (spec.md §3: a composite key is
// present in the dirty buffer iff a change is pending).
type dirtyItem struct {
	key   string
	entry *keyvalue.Entry
}

func dirtyLess(a, b interface{}) bool {
	return a.(dirtyItem).key < b.(dirtyItem).key
}

// NamespacedKey identifies a logical (namespace, key) pair, used by
// AllEntries.
type NamespacedKey struct {
	Namespace string
	Key       string
}

// State is KeyValueState: the write-back cache, expiration index, and
// persistence watermark for one logical `kv` tree.
type State struct {
	mu sync.Mutex

	db     kv.RwDB
	policy persistence.Policy
	logger log.Logger

	lastCommit keyvalue.Timestamp
	target     *watch.Target
	expiration *expiry.Index
	dirty      *btree.BTree
}

// New constructs a fresh State over db, ready to accept operations.
// The expiration index starts empty; callers that recover a database
// that already has persisted entries must run the loader
// (keyvalue/loader) before relying on expiration sweeps being
// accurate, per spec.md §4.3.
func New(db kv.RwDB, policy persistence.Policy) *State {
	return &State{
		db:         db,
		policy:     policy,
		logger:     log.New("component", "keyvalue/store"),
		lastCommit: keyvalue.Now(),
		target:     watch.NewTarget(),
		expiration: expiry.NewIndex(),
		dirty:      btree.New(dirtyLess),
	}
}

// Target exposes the background-worker watch so BackgroundWorker can
// subscribe to it.
func (s *State) Target() *watch.Target { return s.target }

// ExpirationIndex exposes the expiration index for callers that need
// to inspect it directly, such as keyvalue/loader backfilling it at
// startup and diagnostics tooling.
func (s *State) ExpirationIndex() *expiry.Index { return s.expiration }

// PerformOperation is perform_kv_operation (spec.md §4.1): it
// dispatches op, then applies the three post-conditions (expire sweep,
// conditional flush, background target recompute) before returning.
func (s *State) PerformOperation(ctx context.Context, op keyvalue.KeyOperation) (keyvalue.Output, error) {
	if err := keyvalue.ValidateKeyParts(op.Namespace, op.Key); err != nil {
		return keyvalue.Output{}, err
	}

	s.mu.Lock()
	out, err := s.dispatchLocked(ctx, op)
	if err != nil {
		s.mu.Unlock()
		return keyvalue.Output{}, err
	}

	now := keyvalue.Now()
	s.removeExpiredKeysLocked(now)
	var snapshot *btree.BTree
	doCommit := s.needsCommitLocked(now)
	if doCommit {
		snapshot = s.snapshotAndClearDirtyLocked()
	}
	s.recomputeTargetLocked()
	s.mu.Unlock()

	if !doCommit {
		return out, nil
	}
	if err := s.commitSnapshot(ctx, snapshot); err != nil {
		// The operation itself already succeeded; only the trailing
		// flush failed. Spec.md §7: commit errors surface to the
		// caller that triggered them.
		return out, err
	}
	s.mu.Lock()
	s.lastCommit = keyvalue.Now()
	s.recomputeTargetLocked()
	s.mu.Unlock()
	return out, nil
}

func (s *State) dispatchLocked(ctx context.Context, op keyvalue.KeyOperation) (keyvalue.Output, error) {
	switch op.Command {
	case keyvalue.CommandSet:
		return s.executeSetLocked(ctx, op.Namespace, op.Key, op.Set)
	case keyvalue.CommandGet:
		return s.executeGetLocked(ctx, op.Namespace, op.Key, op.Get.Delete)
	case keyvalue.CommandDelete:
		return s.executeDeleteLocked(ctx, op.Namespace, op.Key)
	case keyvalue.CommandIncrement:
		return s.executeNumericLocked(ctx, op.Namespace, op.Key, op.Numeric, true)
	case keyvalue.CommandDecrement:
		return s.executeNumericLocked(ctx, op.Namespace, op.Key, op.Numeric, false)
	default:
		return keyvalue.Output{}, errors.Errorf("keyvalue: unknown command %d", op.Command)
	}
}

func (s *State) executeSetLocked(ctx context.Context, namespace, key string, cmd keyvalue.SetCommand) (keyvalue.Output, error) {
	fullKey := string(keyvalue.FullKey(namespace, key))
	existing, err := s.getLocked(ctx, fullKey)
	if err != nil {
		return keyvalue.Output{}, err
	}

	shouldUpdate := true
	switch cmd.Check {
	case keyvalue.CheckOnlyIfPresent:
		shouldUpdate = existing != nil
	case keyvalue.CheckOnlyIfVacant:
		shouldUpdate = existing == nil
	}
	if !shouldUpdate {
		return keyvalue.Output{Status: keyvalue.StatusNotChanged}, nil
	}

	inserted := existing == nil
	entry := keyvalue.Entry{Value: cmd.Value, Expiration: cmd.Expiration}
	if cmd.KeepExistingExpiration && !inserted {
		entry.Expiration = existing.Expiration
	}
	s.setDirtyLocked(fullKey, &entry)
	s.updateKeyExpirationLocked(fullKey, entry.Expiration)
	if entry.Expiration != nil {
		_, ok := s.expiration.Expiration(fullKey)
		if err := assertInvariant(ok, "set "+fullKey+": expiration index missing entry just inserted"); err != nil {
			return keyvalue.Output{}, err
		}
	}

	if cmd.ReturnPreviousValue {
		if existing == nil {
			return keyvalue.Output{HasValue: true}, nil
		}
		v := existing.Value
		return keyvalue.Output{HasValue: true, Value: &v}, nil
	}
	if inserted {
		return keyvalue.Output{Status: keyvalue.StatusInserted}, nil
	}
	return keyvalue.Output{Status: keyvalue.StatusUpdated}, nil
}

func (s *State) executeGetLocked(ctx context.Context, namespace, key string, del bool) (keyvalue.Output, error) {
	fullKey := string(keyvalue.FullKey(namespace, key))
	var entry *keyvalue.Entry
	var err error
	if del {
		entry, err = s.removeLocked(ctx, fullKey)
	} else {
		entry, err = s.getLocked(ctx, fullKey)
	}
	if err != nil {
		return keyvalue.Output{}, err
	}
	if entry == nil {
		return keyvalue.Output{HasValue: true}, nil
	}
	v := entry.Value
	return keyvalue.Output{HasValue: true, Value: &v}, nil
}

func (s *State) executeDeleteLocked(ctx context.Context, namespace, key string) (keyvalue.Output, error) {
	fullKey := string(keyvalue.FullKey(namespace, key))
	prev, err := s.removeLocked(ctx, fullKey)
	if err != nil {
		return keyvalue.Output{}, err
	}
	if prev != nil {
		return keyvalue.Output{Status: keyvalue.StatusDeleted}, nil
	}
	return keyvalue.Output{Status: keyvalue.StatusNotChanged}, nil
}

func (s *State) executeNumericLocked(ctx context.Context, namespace, key string, cmd keyvalue.NumericCommand, increment bool) (keyvalue.Output, error) {
	fullKey := string(keyvalue.FullKey(namespace, key))
	current, err := s.getLocked(ctx, fullKey)
	if err != nil {
		return keyvalue.Output{}, err
	}

	var entry keyvalue.Entry
	if current == nil {
		entry = keyvalue.Entry{Value: keyvalue.NumericValue(keyvalue.Uint(0))}
	} else {
		entry = *current
	}
	if !entry.Value.IsNumeric {
		return keyvalue.Output{}, keyvalue.ErrTypeMismatch
	}

	entry.Value = keyvalue.NumericValue(keyvalue.Combine(entry.Value.Numeric, cmd.Amount, cmd.Saturating, increment))
	s.setDirtyLocked(fullKey, &entry)

	v := entry.Value
	return keyvalue.Output{HasValue: true, Value: &v}, nil
}

// getLocked is the read-through: the dirty buffer wins over the tree.
func (s *State) getLocked(ctx context.Context, fullKey string) (*keyvalue.Entry, error) {
	if item, ok := s.dirty.Get(dirtyItem{key: fullKey}); ok {
		return item.(dirtyItem).entry, nil
	}
	return s.readTreeLocked(ctx, fullKey)
}

func (s *State) readTreeLocked(ctx context.Context, fullKey string) (*keyvalue.Entry, error) {
	tx, err := s.db.BeginRo(ctx)
	if err != nil {
		return nil, keyvalue.WrapTreeIO(err, "keyvalue: begin read transaction")
	}
	defer tx.Rollback()

	raw, err := tx.GetOne(kv.Tree, []byte(fullKey))
	if err != nil {
		return nil, keyvalue.WrapTreeIO(err, "keyvalue: read tree")
	}
	if raw == nil {
		return nil, nil
	}
	entry, err := codec.DecodeEntry(raw)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *State) setDirtyLocked(fullKey string, entry *keyvalue.Entry) {
	s.dirty.Set(dirtyItem{key: fullKey, entry: entry})
	metricDirtyLen.Set(float64(s.dirty.Len()))
}

// removeLocked stages a tombstone and clears any pending expiration,
// returning the value that was live immediately before the removal
// (from the dirty buffer if present, otherwise from the tree).
func (s *State) removeLocked(ctx context.Context, fullKey string) (*keyvalue.Entry, error) {
	s.updateKeyExpirationLocked(fullKey, nil)

	if item, ok := s.dirty.Get(dirtyItem{key: fullKey}); ok {
		previous := item.(dirtyItem).entry
		s.setDirtyLocked(fullKey, nil)
		return previous, nil
	}
	previous, err := s.readTreeLocked(ctx, fullKey)
	if err != nil {
		return nil, err
	}
	s.setDirtyLocked(fullKey, nil)
	return previous, nil
}

// UpdateKeyExpiration mutates the expiration index directly, without
// going through Set. It is used by keyvalue/loader to backfill the
// index at database open (spec.md §4.3) and is safe to call
// concurrently with PerformOperation.
func (s *State) UpdateKeyExpiration(fullKey string, expiration *keyvalue.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateKeyExpirationLocked(fullKey, expiration)
}

func (s *State) updateKeyExpirationLocked(fullKey string, expiration *keyvalue.Timestamp) {
	if s.expiration.Update(fullKey, expiration) {
		s.recomputeTargetLocked()
	}
}

// recomputeTargetLocked is update_background_worker_target (spec.md
// §4.1): target = min(next expiration, last_commit + duration until
// next commit).
func (s *State) recomputeTargetLocked() {
	now := keyvalue.Now()

	keyTarget := keyvalue.TimestampMax
	if _, exp, ok := s.expiration.Head(); ok {
		keyTarget = exp
	}

	var elapsed time.Duration
	if nanos, ok := now.Sub(s.lastCommit); ok {
		elapsed = time.Duration(nanos)
	}
	untilCommit := s.policy.DurationUntilNextCommit(s.dirty.Len(), elapsed)
	commitTarget := keyvalue.TimestampMax
	if untilCommit != persistence.Infinite {
		commitTarget = now.Add(int64(untilCommit))
	}

	closest := keyTarget
	if commitTarget < closest {
		closest = commitTarget
	}

	if closest == keyvalue.TimestampMax {
		s.target.Set(nil)
		return
	}
	v := int64(closest)
	s.target.Set(&v)
}

func (s *State) removeExpiredKeysLocked(now keyvalue.Timestamp) {
	s.expiration.RemoveExpired(now, func(key string) {
		s.setDirtyLocked(key, nil)
		metricExpired.Inc()
	})
}

func (s *State) needsCommitLocked(now keyvalue.Timestamp) bool {
	var elapsed time.Duration
	if nanos, ok := now.Sub(s.lastCommit); ok {
		elapsed = time.Duration(nanos)
	}
	return s.policy.ShouldCommit(s.dirty.Len(), elapsed)
}

// snapshotAndClearDirtyLocked takes the dirty buffer out and replaces
// it with a fresh, empty one — the write-back cache's atomic
// snapshot-swap (spec.md §4.1 "Commit path").
func (s *State) snapshotAndClearDirtyLocked() *btree.BTree {
	snapshot := s.dirty
	s.dirty = btree.New(dirtyLess)
	metricDirtyLen.Set(0)
	return snapshot
}

// commitSnapshot runs the blocking tree transaction for snapshot,
// without holding s.mu (spec.md §5: "the mutex is not held across
// blocking I/O").
func (s *State) commitSnapshot(ctx context.Context, snapshot *btree.BTree) error {
	if snapshot == nil || snapshot.Len() == 0 {
		return nil
	}

	keys := make([][]byte, 0, snapshot.Len())
	values := make(map[string]*keyvalue.Entry, snapshot.Len())
	snapshot.Ascend(nil, func(i interface{}) bool {
		di := i.(dirtyItem)
		keys = append(keys, []byte(di.key))
		values[di.key] = di.entry
		return true
	})

	tx, err := s.db.BeginRw(ctx)
	if err != nil {
		return keyvalue.WrapTreeIO(err, "keyvalue: begin commit transaction")
	}

	var changed []codec.ChangedKey
	err = tx.Modify(kv.Tree, keys, func(key, existingValue []byte) kv.KeyOperation {
		fullKey := string(key)
		namespace, k, ok := keyvalue.SplitKey(key)
		if !ok {
			// Foreign or malformed key sharing our tree: leave untouched.
			return kv.KeyOperation{Op: kv.KeyOperationSkip}
		}
		newValue, tracked := values[fullKey]
		if !tracked {
			return kv.KeyOperation{Op: kv.KeyOperationSkip}
		}
		if newValue != nil {
			encoded, encErr := codec.EncodeEntry(*newValue)
			if encErr != nil {
				// Should not happen for values this package produced;
				// skip rather than corrupt the tree.
				return kv.KeyOperation{Op: kv.KeyOperationSkip}
			}
			changed = append(changed, codec.ChangedKey{Namespace: namespace, Key: k, Deleted: false})
			return kv.KeyOperation{Op: kv.KeyOperationSet, Value: encoded}
		}
		if existingValue != nil {
			changed = append(changed, codec.ChangedKey{Namespace: namespace, Key: k, Deleted: true})
			return kv.KeyOperation{Op: kv.KeyOperationRemove}
		}
		return kv.KeyOperation{Op: kv.KeyOperationSkip}
	})
	if err != nil {
		tx.Rollback()
		return keyvalue.WrapTreeIO(err, "keyvalue: modify tree")
	}

	if len(changed) == 0 {
		tx.Rollback()
		return nil
	}

	payload, err := codec.EncodeChanges(codec.Changes{Keys: changed})
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "keyvalue: encode changes")
	}
	tx.SetEntryData(payload)

	if err := tx.Commit(); err != nil {
		return keyvalue.WrapTreeIO(err, "keyvalue: commit transaction")
	}
	metricCommits.Inc()
	s.logger.Debug("flushed dirty keys", "count", len(changed))
	return nil
}

// FlushIfDue runs the expiration sweep and, if the persistence policy
// now requires it, commits the dirty buffer. BackgroundWorker calls
// this on every timer elapse (spec.md §4.2 step 4).
func (s *State) FlushIfDue(ctx context.Context) error {
	s.mu.Lock()
	now := keyvalue.Now()
	s.removeExpiredKeysLocked(now)
	doCommit := s.needsCommitLocked(now)
	var snapshot *btree.BTree
	if doCommit {
		snapshot = s.snapshotAndClearDirtyLocked()
	}
	s.recomputeTargetLocked()
	s.mu.Unlock()

	if !doCommit {
		return nil
	}
	if err := s.commitSnapshot(ctx, snapshot); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastCommit = keyvalue.Now()
	s.recomputeTargetLocked()
	s.mu.Unlock()
	return nil
}

// Shutdown flushes any remaining dirty entries and closes the
// background target watch, per spec.md §3's lifecycle: "On shutdown
// the state flushes any remaining dirty entries before releasing the
// tree handle."
func (s *State) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	snapshot := s.snapshotAndClearDirtyLocked()
	s.mu.Unlock()

	err := s.commitSnapshot(ctx, snapshot)

	s.mu.Lock()
	if err == nil {
		s.lastCommit = keyvalue.Now()
	}
	s.target.Close()
	s.mu.Unlock()
	return err
}

// AllEntries is a full-tree scan merged with the dirty buffer,
// returning every live (namespace, key) -> Entry. Grounded on
// bonsaidb's all_key_value_entries (original_source/.../keyvalue.rs):
// malformed composite keys are skipped rather than erroring, matching
// the loader's scan behavior (spec.md §9 Open Questions).
func (s *State) AllEntries(ctx context.Context) (map[NamespacedKey]keyvalue.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[NamespacedKey]keyvalue.Entry)

	tx, err := s.db.BeginRo(ctx)
	if err != nil {
		return nil, keyvalue.WrapTreeIO(err, "keyvalue: begin scan transaction")
	}
	defer tx.Rollback()

	err = tx.ForEach(kv.Tree, nil, func(k, v []byte) error {
		namespace, key, ok := keyvalue.SplitKey(k)
		if !ok {
			return nil
		}
		entry, decErr := codec.DecodeEntry(v)
		if decErr != nil {
			return nil
		}
		out[NamespacedKey{Namespace: namespace, Key: key}] = entry
		return nil
	})
	if err != nil {
		return nil, keyvalue.WrapTreeIO(err, "keyvalue: scan tree")
	}

	s.dirty.Ascend(nil, func(i interface{}) bool {
		di := i.(dirtyItem)
		namespace, key, ok := keyvalue.SplitKey([]byte(di.key))
		if !ok {
			return true
		}
		nk := NamespacedKey{Namespace: namespace, Key: key}
		if di.entry == nil {
			delete(out, nk)
		} else {
			out[nk] = *di.entry
		}
		return true
	})

	return out, nil
}

// Restore re-applies a previously-loaded Entry through the normal Set
// path, so the expiration index and dirty buffer stay consistent
// (bonsaidb's Entry::restore). Intended for import/recovery tooling,
// not for the expiration loader itself, which updates the index
// directly via UpdateKeyExpiration to avoid a redundant read-through.
func (s *State) Restore(ctx context.Context, namespace, key string, e keyvalue.Entry) (keyvalue.Output, error) {
	return s.PerformOperation(ctx, keyvalue.KeyOperation{
		Namespace: namespace,
		Key:       key,
		Command:   keyvalue.CommandSet,
		Set: keyvalue.SetCommand{
			Value:      e.Value,
			Expiration: e.Expiration,
		},
	})
}
