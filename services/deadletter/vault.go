// Copyright (C) 2026 Aegis Labs (security@aegislabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package deadletter preserves requests the gateway could not serve so
// operators can replay or inspect them. Burial must never take the
// request path down with it: persistence failures are logged and
// swallowed.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const keyPrefix = "deadletter/"

// ErrNotFound is returned by Load for an unknown reference.
var ErrNotFound = errors.New("dead letter not found")

// Record is one buried request.
type Record struct {
	// Ref is the opaque reference returned to the client for support
	// escalation.
	Ref string `json:"ref"`

	Timestamp time.Time `json:"timestamp"`
	Identity  string    `json:"identity"`

	// OriginalInput is the raw request as received, pre-redaction.
	OriginalInput string `json:"original_input"`

	// ErrorDescription is the internal failure, never shown to the
	// client.
	ErrorDescription string `json:"error_description"`

	// StackContext carries pipeline stage and any diagnostic fields.
	StackContext map[string]string `json:"stack_context,omitempty"`
}

// Vault stores dead letters in BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use; Badger serializes the transactions.
type Vault struct {
	db  *badger.DB
	log *slog.Logger
}

// NewVault creates a vault over db.
func NewVault(db *badger.DB, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{db: db, log: logger}
}

// Bury persists a failed request and returns its reference. Burial
// failures return the generated ref anyway: the client still gets an
// escalation handle even when the vault itself is unhealthy.
func (v *Vault) Bury(ctx context.Context, identity, input, errDesc string, stack map[string]string) string {
	rec := Record{
		Ref:              uuid.NewString(),
		Timestamp:        time.Now().UTC(),
		Identity:         identity,
		OriginalInput:    input,
		ErrorDescription: errDesc,
		StackContext:     stack,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		v.log.Error("dead letter encode failed", "ref", rec.Ref, "error", err)
		return rec.Ref
	}

	err = v.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+rec.Ref), data)
	})
	if err != nil {
		v.log.Error("dead letter burial failed",
			"ref", rec.Ref,
			"identity", identity,
			"error", err)
		return rec.Ref
	}

	v.log.Warn("request buried",
		"ref", rec.Ref,
		"identity", identity,
		"reason", errDesc)
	return rec.Ref
}

// Load retrieves one record by reference.
func (v *Vault) Load(ctx context.Context, ref string) (*Record, error) {
	var rec Record
	err := v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + ref))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("ref %s: %w", ref, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns up to limit records, newest first. A limit of 0 means
// no cap.
func (v *Vault) List(ctx context.Context, limit int) ([]Record, error) {
	var recs []Record
	err := v.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Keys are UUIDs, so iteration order is arbitrary; sort by time.
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Timestamp.After(recs[j].Timestamp)
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}
