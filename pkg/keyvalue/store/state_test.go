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

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/erigontech/kvcore/pkg/keyvalue"
	"github.com/erigontech/kvcore/pkg/keyvalue/persistence"
	"github.com/erigontech/kvcore/pkg/kv/memkv"
)

func newTestState(t *testing.T, policy persistence.Policy) *State {
	t.Helper()
	return New(memkv.New(), policy)
}

func setOp(namespace, key string, value keyvalue.Value) keyvalue.KeyOperation {
	return keyvalue.KeyOperation{Namespace: namespace, Key: key, Command: keyvalue.CommandSet, Set: keyvalue.SetCommand{Value: value}}
}

func getOp(namespace, key string) keyvalue.KeyOperation {
	return keyvalue.KeyOperation{Namespace: namespace, Key: key, Command: keyvalue.CommandGet}
}

// S1: a key set with an expiration in the past is invisible on the
// very next Get, and the sweep removes it from the expiration index.
func TestScenarioBasicExpiration(t *testing.T) {
	ctx := context.Background()
	s := newTestState(t, persistence.Default())

	past := keyvalue.Now().Add(-int64(time.Hour))
	_, err := s.PerformOperation(ctx, keyvalue.KeyOperation{
		Namespace: "ns", Key: "k", Command: keyvalue.CommandSet,
		Set: keyvalue.SetCommand{Value: keyvalue.BytesValue([]byte("v")), Expiration: &past},
	})
	require.NoError(t, err)

	out, err := s.PerformOperation(ctx, getOp("ns", "k"))
	require.NoError(t, err)
	require.Nil(t, out.Value)
}

// S2: re-setting a key's expiration further out extends its lifetime —
// it must not expire at the original deadline.
func TestScenarioUpdatingExpirationExtendsLifetime(t *testing.T) {
	ctx := context.Background()
	s := newTestState(t, persistence.Default())

	soon := keyvalue.Now().Add(int64(50 * time.Millisecond))
	_, err := s.PerformOperation(ctx, keyvalue.KeyOperation{
		Namespace: "ns", Key: "k", Command: keyvalue.CommandSet,
		Set: keyvalue.SetCommand{Value: keyvalue.BytesValue([]byte("v1")), Expiration: &soon},
	})
	require.NoError(t, err)

	later := keyvalue.Now().Add(int64(time.Hour))
	_, err = s.PerformOperation(ctx, keyvalue.KeyOperation{
		Namespace: "ns", Key: "k", Command: keyvalue.CommandSet,
		Set: keyvalue.SetCommand{Value: keyvalue.BytesValue([]byte("v2")), Expiration: &later},
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	out, err := s.PerformOperation(ctx, getOp("ns", "k"))
	require.NoError(t, err)
	require.NotNil(t, out.Value)
	require.Equal(t, []byte("v2"), out.Value.Bytes)
}

// S3: keys set with expirations in non-insertion order still expire in
// expiration order, earliest first.
func TestScenarioOutOfOrderExpirations(t *testing.T) {
	ctx := context.Background()
	s := newTestState(t, persistence.Default())

	now := keyvalue.Now()
	set := func(key string, offset time.Duration) {
		exp := now.Add(int64(offset))
		_, err := s.PerformOperation(ctx, keyvalue.KeyOperation{
			Namespace: "ns", Key: key, Command: keyvalue.CommandSet,
			Set: keyvalue.SetCommand{Value: keyvalue.BytesValue([]byte(key)), Expiration: &exp},
		})
		require.NoError(t, err)
	}
	set("c", 30*time.Millisecond)
	set("a", 10*time.Millisecond)
	set("b", 20*time.Millisecond)

	require.Equal(t, []string{
		string(keyvalue.FullKey("ns", "a")),
		string(keyvalue.FullKey("ns", "b")),
		string(keyvalue.FullKey("ns", "c")),
	}, s.expiration.Ordered())
}

// S4: with a lazy policy, changes accumulate in the dirty buffer and
// are not written to the tree until the threshold is met.
func TestScenarioLazyPersistenceBatching(t *testing.T) {
	ctx := context.Background()
	s := newTestState(t, persistence.Lazy(persistence.AfterChanges(3)))

	for i := 0; i < 2; i++ {
		_, err := s.PerformOperation(ctx, setOp("ns", string(rune('a'+i)), keyvalue.BytesValue([]byte("v"))))
		require.NoError(t, err)
	}
	require.Equal(t, 2, s.dirty.Len())

	_, err := s.PerformOperation(ctx, setOp("ns", "z", keyvalue.BytesValue([]byte("v"))))
	require.NoError(t, err)
	require.Equal(t, 0, s.dirty.Len())
}

// S5: KeyCheck vetoes the write and reports NotChanged without
// touching the stored value.
func TestScenarioCheckVetoesWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestState(t, persistence.Default())

	out, err := s.PerformOperation(ctx, keyvalue.KeyOperation{
		Namespace: "ns", Key: "k", Command: keyvalue.CommandSet,
		Set: keyvalue.SetCommand{Value: keyvalue.BytesValue([]byte("v")), Check: keyvalue.CheckOnlyIfPresent},
	})
	require.NoError(t, err)
	require.Equal(t, keyvalue.StatusNotChanged, out.Status)

	got, err := s.PerformOperation(ctx, getOp("ns", "k"))
	require.NoError(t, err)
	require.Nil(t, got.Value)
}

// S6: Increment on a Bytes value returns ErrTypeMismatch and leaves
// the value untouched.
func TestScenarioIncrementTypeMismatch(t *testing.T) {
	ctx := context.Background()
	s := newTestState(t, persistence.Default())

	_, err := s.PerformOperation(ctx, setOp("ns", "k", keyvalue.BytesValue([]byte("not a number"))))
	require.NoError(t, err)

	_, err = s.PerformOperation(ctx, keyvalue.KeyOperation{
		Namespace: "ns", Key: "k", Command: keyvalue.CommandIncrement,
		Numeric: keyvalue.NumericCommand{Amount: keyvalue.Int(1), Saturating: true},
	})
	require.ErrorIs(t, err, keyvalue.ErrTypeMismatch)

	out, err := s.PerformOperation(ctx, getOp("ns", "k"))
	require.NoError(t, err)
	require.Equal(t, []byte("not a number"), out.Value.Bytes)
}

// S7: Shutdown flushes every pending dirty entry even under a policy
// that would otherwise never commit on its own.
func TestScenarioShutdownFlushesPendingWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestState(t, persistence.Lazy(persistence.AfterChanges(1000)))

	_, err := s.PerformOperation(ctx, setOp("ns", "k", keyvalue.BytesValue([]byte("v"))))
	require.NoError(t, err)
	require.Equal(t, 1, s.dirty.Len())

	require.NoError(t, s.Shutdown(ctx))
	require.Equal(t, 0, s.dirty.Len())

	entry, err := s.readTreeLocked(ctx, string(keyvalue.FullKey("ns", "k")))
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, []byte("v"), entry.Value.Bytes)
}

func TestGetWithDeleteRemovesAndReturnsValue(t *testing.T) {
	ctx := context.Background()
	s := newTestState(t, persistence.Default())
	_, err := s.PerformOperation(ctx, setOp("ns", "k", keyvalue.BytesValue([]byte("v"))))
	require.NoError(t, err)

	out, err := s.PerformOperation(ctx, keyvalue.KeyOperation{Namespace: "ns", Key: "k", Command: keyvalue.CommandGet, Get: keyvalue.GetCommand{Delete: true}})
	require.NoError(t, err)
	require.Equal(t, []byte("v"), out.Value.Bytes)

	out, err = s.PerformOperation(ctx, getOp("ns", "k"))
	require.NoError(t, err)
	require.Nil(t, out.Value)
}

func TestReturnPreviousValueOnSet(t *testing.T) {
	ctx := context.Background()
	s := newTestState(t, persistence.Default())
	_, err := s.PerformOperation(ctx, setOp("ns", "k", keyvalue.BytesValue([]byte("v1"))))
	require.NoError(t, err)

	out, err := s.PerformOperation(ctx, keyvalue.KeyOperation{
		Namespace: "ns", Key: "k", Command: keyvalue.CommandSet,
		Set: keyvalue.SetCommand{Value: keyvalue.BytesValue([]byte("v2")), ReturnPreviousValue: true},
	})
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), out.Value.Bytes)
}

func TestKeepExistingExpirationPreservesDeadline(t *testing.T) {
	ctx := context.Background()
	s := newTestState(t, persistence.Default())

	exp := keyvalue.Now().Add(int64(time.Hour))
	_, err := s.PerformOperation(ctx, keyvalue.KeyOperation{
		Namespace: "ns", Key: "k", Command: keyvalue.CommandSet,
		Set: keyvalue.SetCommand{Value: keyvalue.BytesValue([]byte("v1")), Expiration: &exp},
	})
	require.NoError(t, err)

	_, err = s.PerformOperation(ctx, keyvalue.KeyOperation{
		Namespace: "ns", Key: "k", Command: keyvalue.CommandSet,
		Set: keyvalue.SetCommand{Value: keyvalue.BytesValue([]byte("v2")), KeepExistingExpiration: true},
	})
	require.NoError(t, err)

	got, ok := s.expiration.Expiration(string(keyvalue.FullKey("ns", "k")))
	require.True(t, ok)
	require.Equal(t, exp, got)
}

func TestIncrementCreatesZeroValueWhenAbsent(t *testing.T) {
	ctx := context.Background()
	s := newTestState(t, persistence.Default())

	out, err := s.PerformOperation(ctx, keyvalue.KeyOperation{
		Namespace: "ns", Key: "counter", Command: keyvalue.CommandIncrement,
		Numeric: keyvalue.NumericCommand{Amount: keyvalue.Uint(5), Saturating: true},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(5), out.Value.Numeric.UnsignedInteger)
}

// Invariant 1 (spec.md §8): a Get always reflects the most recent Set
// or Delete for that key, whether or not a commit has happened yet.
func TestInvariantGetReflectsLatestWrite(t *testing.T) {
	ctx := context.Background()
	rapid.Check(t, func(rt *rapid.T) {
		s := newTestState(t, persistence.Lazy(persistence.AfterChanges(1000)))
		var expected *string

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(rt, "delete") {
				_, err := s.PerformOperation(ctx, keyvalue.KeyOperation{Namespace: "ns", Key: "k", Command: keyvalue.CommandDelete})
				require.NoError(rt, err)
				expected = nil
			} else {
				v := rapid.String().Draw(rt, "value")
				_, err := s.PerformOperation(ctx, setOp("ns", "k", keyvalue.BytesValue([]byte(v))))
				require.NoError(rt, err)
				expected = &v
			}
		}

		out, err := s.PerformOperation(ctx, getOp("ns", "k"))
		require.NoError(rt, err)
		if expected == nil {
			require.Nil(rt, out.Value)
		} else {
			require.Equal(rt, []byte(*expected), out.Value.Bytes)
		}
	})
}

// Invariant 3 (spec.md §8): Shutdown always leaves the dirty buffer
// empty, regardless of how many operations preceded it.
func TestInvariantShutdownAlwaysEmptiesDirtyBuffer(t *testing.T) {
	ctx := context.Background()
	rapid.Check(t, func(rt *rapid.T) {
		s := newTestState(t, persistence.Lazy(persistence.AfterChanges(1000)))
		n := rapid.IntRange(0, 20).Draw(rt, "n")
		for i := 0; i < n; i++ {
			_, err := s.PerformOperation(ctx, setOp("ns", rapid.StringMatching(`[a-c]`).Draw(rt, "key"), keyvalue.BytesValue([]byte("v"))))
			require.NoError(rt, err)
		}
		require.NoError(rt, s.Shutdown(ctx))
		require.Equal(rt, 0, s.dirty.Len())
	})
}
