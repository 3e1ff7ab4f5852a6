// Copyright (C) 2026 Aegis Labs (security@aegislabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegislabs/aegisgate/services/storage/badger"
)

func newTestDB(t *testing.T) *badgerdb.DB {
	t.Helper()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestChain(t *testing.T, db *badgerdb.DB, batchSize int) *Chain {
	t.Helper()
	c, err := NewChain(db, Config{BatchSize: batchSize})
	require.NoError(t, err)
	return c
}

func appendN(t *testing.T, c *Chain, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := c.Append(context.Background(), Event{
			Type:     EventRequestAccepted,
			Identity: fmt.Sprintf("client-%d", i),
		})
		require.NoError(t, err)
	}
}

func TestAppend_FlushesAtBatchSize(t *testing.T) {
	db := newTestDB(t)
	c := newTestChain(t, db, 4)

	appendN(t, c, 3)
	assert.Equal(t, 3, c.Pending())

	appendN(t, c, 1)
	assert.Zero(t, c.Pending())

	n, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFlush_PartialBatch(t *testing.T) {
	db := newTestDB(t)
	c := newTestChain(t, db, 100)

	appendN(t, c, 5)
	require.NoError(t, c.Flush(context.Background()))
	assert.Zero(t, c.Pending())

	n, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFlush_EmptyBufferIsNoOp(t *testing.T) {
	db := newTestDB(t)
	c := newTestChain(t, db, 4)

	require.NoError(t, c.Flush(context.Background()))
	n, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestVerify_MultiBatchChain(t *testing.T) {
	db := newTestDB(t)
	c := newTestChain(t, db, 2)

	appendN(t, c, 7) // 3 full batches
	require.NoError(t, c.Flush(context.Background()))

	n, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestVerify_DetectsTamperedEvent(t *testing.T) {
	db := newTestDB(t)
	c := newTestChain(t, db, 2)
	appendN(t, c, 6)

	// Rewrite one event inside batch 1.
	key := []byte(fmt.Sprintf(batchKeyFmt, uint64(1)))
	err := db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		var batch Batch
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &batch)
		}); err != nil {
			return err
		}
		batch.Events[0].Identity = "forged-identity"
		data, err := json.Marshal(batch)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	require.NoError(t, err)

	_, err = c.Verify(context.Background())
	assert.ErrorIs(t, err, ErrChainCorrupt)
	assert.Contains(t, err.Error(), "batch 1")
}

func TestVerify_DetectsDeletedBatch(t *testing.T) {
	db := newTestDB(t)
	c := newTestChain(t, db, 2)
	appendN(t, c, 6)

	err := db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(fmt.Sprintf(batchKeyFmt, uint64(1))))
	})
	require.NoError(t, err)

	_, err = c.Verify(context.Background())
	assert.ErrorIs(t, err, ErrChainCorrupt)
}

func TestNewChain_ResumesFromCheckpoint(t *testing.T) {
	db := newTestDB(t)

	c1 := newTestChain(t, db, 2)
	appendN(t, c1, 4)

	// A second chain over the same DB continues the link, not a fork.
	c2 := newTestChain(t, db, 2)
	appendN(t, c2, 2)

	n, err := c2.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestMerkleRoot_OddEventCountDuplicatesLast(t *testing.T) {
	evs := []Event{
		{ID: "a", Type: EventRequestAccepted},
		{ID: "b", Type: EventRequestAccepted},
		{ID: "c", Type: EventRequestAccepted},
	}

	root := merkleRoot(evs)
	padded := merkleRoot(append(evs[:3:3], evs[2]))
	assert.Equal(t, padded, root)

	single := merkleRoot(evs[:1])
	assert.Equal(t, hashEvent(evs[0]), single)
}

func TestHashPayload_Deterministic(t *testing.T) {
	a := HashPayload("2-1 | secret context")
	b := HashPayload("2-1 | secret context")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, HashPayload("2-1 | other context"))
}
