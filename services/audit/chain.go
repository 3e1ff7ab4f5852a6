// Copyright (C) 2026 Aegis Labs (security@aegislabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package audit records gateway decisions in a tamper-evident chain.
//
// Events accumulate in memory and flush as batches. Each batch carries
// the Merkle root of its event hashes and a chain hash binding it to
// the previous batch, so rewriting any persisted event breaks every
// batch after it.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Key layout inside BadgerDB. Batch sequence numbers are zero-padded so
// lexicographic iteration equals chronological order.
const (
	batchKeyFmt   = "audit/batch/%016d"
	checkpointKey = "audit/checkpoint"
)

// genesisHash anchors the first batch of a fresh chain.
var genesisHash = sha256.Sum256([]byte("aegisgate/audit/genesis/v1"))

// ErrChainCorrupt is returned by Verify when any recomputed root or
// chain hash disagrees with the persisted batch.
var ErrChainCorrupt = errors.New("audit chain corrupt")

// EventType classifies an audit event.
type EventType string

const (
	EventRequestAccepted  EventType = "request_accepted"
	EventRequestRejected  EventType = "request_rejected"
	EventContextBlocked   EventType = "context_blocked"
	EventHoneypotTripped  EventType = "honeypot_tripped"
	EventBackendFailure   EventType = "backend_failure"
	EventResponseReturned EventType = "response_returned"
	EventRegistryChanged  EventType = "registry_changed"
)

// Event is one audit record. Payloads are stored as hashes only; raw
// user data never enters the chain.
type Event struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Type        EventType         `json:"type"`
	Identity    string            `json:"identity"`
	PayloadHash string            `json:"payload_hash,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// HashPayload returns the hex SHA-256 of raw payload data for storage
// in an Event.
func HashPayload(data string) string {
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// Batch is one persisted link of the chain.
type Batch struct {
	Seq        uint64    `json:"seq"`
	Events     []Event   `json:"events"`
	MerkleRoot string    `json:"merkle_root"`
	PrevChain  string    `json:"prev_chain"`
	ChainHash  string    `json:"chain_hash"`
	FlushedAt  time.Time `json:"flushed_at"`
}

// Config configures a Chain.
type Config struct {
	// BatchSize is the number of buffered events that triggers an
	// automatic flush. Default: 8.
	BatchSize int

	Logger *slog.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{BatchSize: 8}
}

// Chain is the tamper-evident audit log.
//
// # Thread Safety
//
// Safe for concurrent use. Append, Flush and Verify serialize on one
// mutex; Badger provides its own transaction isolation underneath.
type Chain struct {
	db  *badger.DB
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	buffer    []Event
	nextSeq   uint64
	prevChain [sha256.Size]byte
}

// NewChain opens a chain over db, resuming from the persisted
// checkpoint when one exists and starting a fresh chain from the
// genesis hash otherwise.
func NewChain(db *badger.DB, cfg Config) (*Chain, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Chain{
		db:        db,
		cfg:       cfg,
		log:       cfg.Logger,
		prevChain: genesisHash,
	}

	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(checkpointKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var cp checkpoint
			if err := json.Unmarshal(val, &cp); err != nil {
				return fmt.Errorf("decoding checkpoint: %w", err)
			}
			hash, err := hex.DecodeString(cp.ChainHash)
			if err != nil || len(hash) != sha256.Size {
				return fmt.Errorf("checkpoint chain hash malformed")
			}
			copy(c.prevChain[:], hash)
			c.nextSeq = cp.NextSeq
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading audit checkpoint: %w", err)
	}

	c.log.Info("audit chain opened",
		"next_seq", c.nextSeq,
		"resumed", c.nextSeq > 0)
	return c, nil
}

// checkpoint is the persisted resume point, written atomically with
// every batch.
type checkpoint struct {
	NextSeq   uint64 `json:"next_seq"`
	ChainHash string `json:"chain_hash"`
}

// Append buffers one event, assigning its ID and timestamp, and flushes
// the batch when the buffer reaches the configured size.
func (c *Chain) Append(ctx context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ev.ID = uuid.NewString()
	ev.Timestamp = time.Now().UTC()
	c.buffer = append(c.buffer, ev)

	if len(c.buffer) >= c.cfg.BatchSize {
		return c.flushLocked(ctx)
	}
	return nil
}

// Flush persists all buffered events immediately. A no-op when the
// buffer is empty. Called on shutdown so partial batches survive.
func (c *Chain) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(ctx)
}

// Pending returns the number of buffered, unflushed events.
func (c *Chain) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// flushLocked writes the buffered events as one batch. Must be called
// with the mutex held.
func (c *Chain) flushLocked(ctx context.Context) error {
	if len(c.buffer) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	root := merkleRoot(c.buffer)
	chainHash := linkHash(root, c.prevChain)

	batch := Batch{
		Seq:        c.nextSeq,
		Events:     c.buffer,
		MerkleRoot: hex.EncodeToString(root[:]),
		PrevChain:  hex.EncodeToString(c.prevChain[:]),
		ChainHash:  hex.EncodeToString(chainHash[:]),
		FlushedAt:  time.Now().UTC(),
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encoding audit batch %d: %w", batch.Seq, err)
	}
	cp, err := json.Marshal(checkpoint{
		NextSeq:   batch.Seq + 1,
		ChainHash: batch.ChainHash,
	})
	if err != nil {
		return fmt.Errorf("encoding audit checkpoint: %w", err)
	}

	// Batch and checkpoint commit in one transaction so a crash can
	// never leave them disagreeing.
	err = c.db.Update(func(txn *badger.Txn) error {
		key := fmt.Sprintf(batchKeyFmt, batch.Seq)
		if err := txn.Set([]byte(key), data); err != nil {
			return err
		}
		return txn.Set([]byte(checkpointKey), cp)
	})
	if err != nil {
		return fmt.Errorf("persisting audit batch %d: %w", batch.Seq, err)
	}

	c.log.Debug("audit batch flushed",
		"seq", batch.Seq,
		"events", len(batch.Events),
		"chain_hash", batch.ChainHash[:12])

	c.prevChain = chainHash
	c.nextSeq = batch.Seq + 1
	c.buffer = nil
	return nil
}

// Verify walks every persisted batch in order, recomputing Merkle roots
// and chain links. Returns the number of verified batches, or
// ErrChainCorrupt naming the first bad batch.
func (c *Chain) Verify(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	verified := 0
	prev := genesisHash
	expectSeq := uint64(0)

	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("audit/batch/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var batch Batch
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &batch)
			})
			if err != nil {
				return fmt.Errorf("batch %d unreadable: %w", expectSeq, ErrChainCorrupt)
			}

			if batch.Seq != expectSeq {
				return fmt.Errorf("batch sequence gap at %d (found %d): %w", expectSeq, batch.Seq, ErrChainCorrupt)
			}

			root := merkleRoot(batch.Events)
			if hex.EncodeToString(root[:]) != batch.MerkleRoot {
				return fmt.Errorf("batch %d merkle root mismatch: %w", batch.Seq, ErrChainCorrupt)
			}
			if hex.EncodeToString(prev[:]) != batch.PrevChain {
				return fmt.Errorf("batch %d broken chain link: %w", batch.Seq, ErrChainCorrupt)
			}
			link := linkHash(root, prev)
			if hex.EncodeToString(link[:]) != batch.ChainHash {
				return fmt.Errorf("batch %d chain hash mismatch: %w", batch.Seq, ErrChainCorrupt)
			}

			prev = link
			expectSeq++
			verified++
		}
		return nil
	})
	if err != nil {
		return verified, err
	}
	return verified, nil
}

// hashEvent produces the leaf hash for one event. The JSON encoding is
// deterministic for a fixed Event value because struct fields marshal
// in declaration order.
func hashEvent(ev Event) [sha256.Size]byte {
	data, _ := json.Marshal(ev)
	return sha256.Sum256(data)
}

// merkleRoot computes the Merkle root of the event hashes. Odd levels
// duplicate their last node. A single event's root is its own hash.
func merkleRoot(events []Event) [sha256.Size]byte {
	if len(events) == 0 {
		return sha256.Sum256(nil)
	}

	level := make([][sha256.Size]byte, len(events))
	for i, ev := range events {
		level[i] = hashEvent(ev)
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][sha256.Size]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			h := sha256.New()
			h.Write(level[i][:])
			h.Write(level[i+1][:])
			var sum [sha256.Size]byte
			copy(sum[:], h.Sum(nil))
			next = append(next, sum)
		}
		level = next
	}
	return level[0]
}

// linkHash binds a batch's Merkle root to the previous chain hash.
func linkHash(root, prev [sha256.Size]byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write(root[:])
	h.Write(prev[:])
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

