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

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/kvcore/internal/clocktest"
	"github.com/erigontech/kvcore/pkg/keyvalue"
	"github.com/erigontech/kvcore/pkg/keyvalue/persistence"
	"github.com/erigontech/kvcore/pkg/keyvalue/store"
	"github.com/erigontech/kvcore/pkg/kv"
	"github.com/erigontech/kvcore/pkg/kv/memkv"
)

func TestBackgroundWorkerExpiresKeyWithoutExplicitOperation(t *testing.T) {
	db := memkv.New()
	s := store.New(db, persistence.Default())
	w := New(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	soon := keyvalue.Now().Add(int64(20 * time.Millisecond))
	_, err := s.PerformOperation(context.Background(), keyvalue.KeyOperation{
		Namespace: "ns", Key: "k", Command: keyvalue.CommandSet,
		Set: keyvalue.SetCommand{Value: keyvalue.BytesValue([]byte("v")), Expiration: &soon},
	})
	require.NoError(t, err)

	clocktest.Eventually(t, func() bool {
		return s.ExpirationIndex().Len() == 0
	})
}

func TestBackgroundWorkerStopsWhenContextCanceled(t *testing.T) {
	db := memkv.New()
	s := store.New(db, persistence.Default())
	w := New(s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}

var _ kv.RwDB = (*memkv.DB)(nil)
