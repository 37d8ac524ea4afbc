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

package memkv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/kvcore/pkg/kv"
)

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := New()

	tx, err := db.BeginRw(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(kv.Tree, []byte("a"), []byte("1")))
	require.NoError(t, tx.Commit())

	ro, err := db.BeginRo(ctx)
	require.NoError(t, err)
	defer ro.Rollback()
	v, err := ro.GetOne(kv.Tree, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
}

func TestForEachIteratesInKeyOrder(t *testing.T) {
	ctx := context.Background()
	db := New()

	tx, err := db.BeginRw(ctx)
	require.NoError(t, err)
	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, tx.Put(kv.Tree, []byte(k), []byte(k)))
	}
	require.NoError(t, tx.Commit())

	ro, err := db.BeginRo(ctx)
	require.NoError(t, err)
	defer ro.Rollback()

	var got []string
	require.NoError(t, ro.ForEach(kv.Tree, nil, func(k, v []byte) error {
		got = append(got, string(k))
		return nil
	}))
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestModifyAppliesSetSkipRemove(t *testing.T) {
	ctx := context.Background()
	db := New()

	tx, err := db.BeginRw(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(kv.Tree, []byte("existing"), []byte("old")))
	require.NoError(t, tx.Commit())

	tx, err = db.BeginRw(ctx)
	require.NoError(t, err)
	err = tx.Modify(kv.Tree, [][]byte{[]byte("existing"), []byte("new")}, func(key, existing []byte) kv.KeyOperation {
		switch string(key) {
		case "existing":
			return kv.KeyOperation{Op: kv.KeyOperationRemove}
		case "new":
			return kv.KeyOperation{Op: kv.KeyOperationSet, Value: []byte("v")}
		}
		return kv.KeyOperation{Op: kv.KeyOperationSkip}
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	ro, err := db.BeginRo(ctx)
	require.NoError(t, err)
	defer ro.Rollback()

	v, err := ro.GetOne(kv.Tree, []byte("existing"))
	require.NoError(t, err)
	require.Nil(t, v)

	v, err = ro.GetOne(kv.Tree, []byte("new"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func TestRollbackDoesNotPersistWrites(t *testing.T) {
	ctx := context.Background()
	db := New()

	tx, err := db.BeginRw(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(kv.Tree, []byte("a"), []byte("1")))
	tx.Rollback()

	ro, err := db.BeginRo(ctx)
	require.NoError(t, err)
	defer ro.Rollback()
	v, err := ro.GetOne(kv.Tree, []byte("a"))
	require.NoError(t, err)
	require.Nil(t, v)
}
