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

package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/kvcore/pkg/keyvalue"
	"github.com/erigontech/kvcore/pkg/keyvalue/persistence"
	"github.com/erigontech/kvcore/pkg/kv/memkv"
)

func openTestDatabase(t *testing.T) (*Database, context.Context) {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, memkv.New(), persistence.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(ctx) })
	return db, ctx
}

func TestOpenSetGetDeleteRoundTrip(t *testing.T) {
	db, ctx := openTestDatabase(t)

	out, err := db.Set(ctx, "ns", "k", keyvalue.BytesValue([]byte("v")))
	require.NoError(t, err)
	require.Equal(t, keyvalue.StatusInserted, out.Status)

	got, err := db.Get(ctx, "ns", "k", false)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got.Value.Bytes)

	deleted, err := db.Delete(ctx, "ns", "k")
	require.NoError(t, err)
	require.Equal(t, keyvalue.StatusDeleted, deleted.Status)
}

func TestWithExpiresInExpiresTheKey(t *testing.T) {
	db, ctx := openTestDatabase(t)

	_, err := db.Set(ctx, "ns", "k", keyvalue.BytesValue([]byte("v")), WithExpiresIn(-time.Second))
	require.NoError(t, err)

	out, err := db.Get(ctx, "ns", "k", false)
	require.NoError(t, err)
	require.Nil(t, out.Value)
}

func TestWithCheckOnlyIfVacant(t *testing.T) {
	db, ctx := openTestDatabase(t)

	_, err := db.Set(ctx, "ns", "k", keyvalue.BytesValue([]byte("first")))
	require.NoError(t, err)

	out, err := db.Set(ctx, "ns", "k", keyvalue.BytesValue([]byte("second")), WithCheck(keyvalue.CheckOnlyIfVacant))
	require.NoError(t, err)
	require.Equal(t, keyvalue.StatusNotChanged, out.Status)

	got, err := db.Get(ctx, "ns", "k", false)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got.Value.Bytes)
}

func TestIncrementDecrementRoundTrip(t *testing.T) {
	db, ctx := openTestDatabase(t)

	out, err := db.Increment(ctx, "ns", "counter", keyvalue.Int(10), true)
	require.NoError(t, err)
	require.Equal(t, int64(10), out.Value.Numeric.Integer)

	out, err = db.Decrement(ctx, "ns", "counter", keyvalue.Int(3), true)
	require.NoError(t, err)
	require.Equal(t, int64(7), out.Value.Numeric.Integer)
}

func TestInvalidKeyRejected(t *testing.T) {
	db, ctx := openTestDatabase(t)

	_, err := db.Set(ctx, "ns\x00bad", "k", keyvalue.BytesValue([]byte("v")))
	require.ErrorIs(t, err, keyvalue.ErrInvalidKey)
}
