// Copyright (C) 2026 Aegis Labs (security@aegislabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package protocol implements the deterministic MathProtocol v2.1 contract:
// a code registry mapping mathematical identifiers to task, parameter and
// response-flag meanings, plus the grammar engine that validates requests
// and backend responses against it.
//
// Intent is encoded as members of three disjoint numeric sets rather than
// free natural language:
//
//   - Tasks are prime numbers.
//   - Parameters are Fibonacci numbers.
//   - Response flags are powers of two, combined as a bitmask. Bit 0 is
//     the mandatory success marker: a compliant response code is always odd.
//
// Thread Safety:
//
//	Registry is safe for concurrent use. Engine is stateless apart from
//	its registry reference and is safe for concurrent use.
package protocol

import (
	"fmt"
	"sort"
	"sync"
)

// =============================================================================
// Kinds and classes
// =============================================================================

// CodeKind discriminates the three disjoint identifier sets.
type CodeKind int

const (
	// KindTask identifiers are prime numbers naming an operation.
	KindTask CodeKind = iota

	// KindParameter identifiers are Fibonacci numbers naming a behavior
	// modifier.
	KindParameter

	// KindResponseFlag identifiers are powers of two naming a result
	// category.
	KindResponseFlag
)

// String returns the human-readable kind name.
func (k CodeKind) String() string {
	switch k {
	case KindTask:
		return "task"
	case KindParameter:
		return "parameter"
	case KindResponseFlag:
		return "response_flag"
	default:
		return "unknown"
	}
}

// TaskClass determines the payload contract for a task's responses.
type TaskClass int

const (
	// ClassClassification tasks answer with codes only; a payload is a
	// protocol violation.
	ClassClassification TaskClass = iota

	// ClassGenerative tasks must answer with a non-empty payload.
	ClassGenerative
)

// String returns the human-readable class name.
func (c TaskClass) String() string {
	switch c {
	case ClassClassification:
		return "classification"
	case ClassGenerative:
		return "generative"
	default:
		return "unknown"
	}
}

// =============================================================================
// Registry
// =============================================================================

// taskEntry holds a registered task's name and payload class.
type taskEntry struct {
	name  string
	class TaskClass
}

// Config reserves identifier ranges for the honeypot layer.
//
// Reserved identifiers are mathematically valid but may never be
// registered as legitimate codes; the trap set and the legitimate set must
// never overlap.
type Config struct {
	// ReservedTasks are task identifiers claimed by the honeypot detector.
	ReservedTasks []int

	// ReservedParameters are parameter identifiers claimed as canaries.
	ReservedParameters []int
}

// Registry is the authoritative mapping of identifiers to meanings. An
// instance is built once at startup and injected into every component
// that needs lookups; there is no package-level singleton.
//
// Reads vastly outnumber writes, so all lookups take the read lock and
// only registration takes the write lock. Entries are never deleted.
type Registry struct {
	mu sync.RWMutex

	tasks  map[int]taskEntry
	params map[int]string
	flags  map[int]string

	reservedTasks  map[int]struct{}
	reservedParams map[int]struct{}
}

// NewRegistry creates an empty registry with the given reservations.
func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		tasks:          make(map[int]taskEntry),
		params:         make(map[int]string),
		flags:          make(map[int]string),
		reservedTasks:  make(map[int]struct{}, len(cfg.ReservedTasks)),
		reservedParams: make(map[int]struct{}, len(cfg.ReservedParameters)),
	}
	for _, id := range cfg.ReservedTasks {
		r.reservedTasks[id] = struct{}{}
	}
	for _, id := range cfg.ReservedParameters {
		r.reservedParams[id] = struct{}{}
	}
	return r
}

// NewDefaultRegistry creates a registry seeded with the v2.1 default
// protocol tables.
//
// Defaults:
//
//	Tasks:       2 SENTIMENT_ANALYSIS(C), 3 SUMMARIZATION(G),
//	             5 LANGUAGE_DETECTION(C), 7 ENTITY_EXTRACTION(G),
//	             11 QUESTION_ANSWERING(G), 13 CLASSIFICATION(C),
//	             17 TRANSLATION(G), 19 CONTENT_MODERATION(C),
//	             23 KEYWORD_EXTRACTION(G), 29 READABILITY_SCORING(C)
//	Parameters:  1 BRIEF, 2 MEDIUM, 3 DETAILED, 5 JSON_OUTPUT,
//	             8 LIST_FORMAT, 13 WITH_CONFIDENCE, 21 EXPLAIN,
//	             89 MAX_PRECISION
//	Flags:       1 SUCCESS, 2 POSITIVE, 4 NEGATIVE, 8 NEUTRAL,
//	             16 ENGLISH, 32 SPANISH, 64 FRENCH,
//	             128 HIGH_CONFIDENCE, 256 MEDIUM_CONFIDENCE,
//	             512 LOW_CONFIDENCE
//
// Panics are not used; seeding the fixed tables cannot fail unless the
// reservations in cfg collide with a default identifier, in which case an
// error is returned so the deployment fails loudly at startup.
func NewDefaultRegistry(cfg Config) (*Registry, error) {
	r := NewRegistry(cfg)

	type taskSeed struct {
		id    int
		name  string
		class TaskClass
	}
	for _, t := range []taskSeed{
		{2, "SENTIMENT_ANALYSIS", ClassClassification},
		{3, "SUMMARIZATION", ClassGenerative},
		{5, "LANGUAGE_DETECTION", ClassClassification},
		{7, "ENTITY_EXTRACTION", ClassGenerative},
		{11, "QUESTION_ANSWERING", ClassGenerative},
		{13, "CLASSIFICATION", ClassClassification},
		{17, "TRANSLATION", ClassGenerative},
		{19, "CONTENT_MODERATION", ClassClassification},
		{23, "KEYWORD_EXTRACTION", ClassGenerative},
		{29, "READABILITY_SCORING", ClassClassification},
	} {
		if err := r.RegisterTask(t.id, t.name, t.class); err != nil {
			return nil, fmt.Errorf("seed task %d: %w", t.id, err)
		}
	}

	params := []struct {
		id   int
		name string
	}{
		{1, "BRIEF"}, {2, "MEDIUM"}, {3, "DETAILED"}, {5, "JSON_OUTPUT"},
		{8, "LIST_FORMAT"}, {13, "WITH_CONFIDENCE"}, {21, "EXPLAIN"},
		{89, "MAX_PRECISION"},
	}
	for _, p := range params {
		if err := r.RegisterParameter(p.id, p.name); err != nil {
			return nil, fmt.Errorf("seed parameter %d: %w", p.id, err)
		}
	}

	seedFlags := []struct {
		id   int
		name string
	}{
		{1, "SUCCESS"}, {2, "POSITIVE"}, {4, "NEGATIVE"}, {8, "NEUTRAL"},
		{16, "ENGLISH"}, {32, "SPANISH"}, {64, "FRENCH"},
		{128, "HIGH_CONFIDENCE"}, {256, "MEDIUM_CONFIDENCE"},
		{512, "LOW_CONFIDENCE"},
	}
	for _, f := range seedFlags {
		if err := r.RegisterResponseFlag(f.id, f.name); err != nil {
			return nil, fmt.Errorf("seed flag %d: %w", f.id, err)
		}
	}

	return r, nil
}

// RegisterTask registers a task identifier.
//
// The identifier must be prime and must not be reserved as a trap.
// Registering the same identifier with the same name is idempotent;
// changing the name of an existing identifier fails with
// ErrDuplicateIdentifier.
func (r *Registry) RegisterTask(id int, name string, class TaskClass) error {
	if !IsPrime(id) {
		return fmt.Errorf("task %d: %w (must be prime)", id, ErrInvalidIdentifier)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, trapped := r.reservedTasks[id]; trapped {
		return fmt.Errorf("task %d: %w", id, ErrTrapIdentifier)
	}
	if existing, ok := r.tasks[id]; ok {
		if existing.name == name && existing.class == class {
			return nil
		}
		return fmt.Errorf("task %d: %w", id, ErrDuplicateIdentifier)
	}
	r.tasks[id] = taskEntry{name: name, class: class}
	return nil
}

// RegisterParameter registers a parameter identifier.
//
// The identifier must be a Fibonacci number and must not be reserved as a
// canary.
func (r *Registry) RegisterParameter(id int, name string) error {
	if !IsFibonacci(id) {
		return fmt.Errorf("parameter %d: %w (must be Fibonacci)", id, ErrInvalidIdentifier)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, trapped := r.reservedParams[id]; trapped {
		return fmt.Errorf("parameter %d: %w", id, ErrTrapIdentifier)
	}
	if existing, ok := r.params[id]; ok {
		if existing == name {
			return nil
		}
		return fmt.Errorf("parameter %d: %w", id, ErrDuplicateIdentifier)
	}
	r.params[id] = name
	return nil
}

// RegisterResponseFlag registers a response-flag identifier.
//
// The identifier must be an exact power of two.
func (r *Registry) RegisterResponseFlag(id int, name string) error {
	if !IsPowerOfTwo(id) {
		return fmt.Errorf("flag %d: %w (must be a power of two)", id, ErrInvalidIdentifier)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.flags[id]; ok {
		if existing == name {
			return nil
		}
		return fmt.Errorf("flag %d: %w", id, ErrDuplicateIdentifier)
	}
	r.flags[id] = name
	return nil
}

// Lookup returns the registered name for an identifier of the given kind.
func (r *Registry) Lookup(kind CodeKind, id int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch kind {
	case KindTask:
		e, ok := r.tasks[id]
		return e.name, ok
	case KindParameter:
		name, ok := r.params[id]
		return name, ok
	case KindResponseFlag:
		name, ok := r.flags[id]
		return name, ok
	default:
		return "", false
	}
}

// IsMember reports whether the identifier is registered under the kind.
func (r *Registry) IsMember(kind CodeKind, id int) bool {
	_, ok := r.Lookup(kind, id)
	return ok
}

// Class returns the payload class of a registered task.
func (r *Registry) Class(taskID int) (TaskClass, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tasks[taskID]
	return e.class, ok
}

// FlagsForCode decodes a combined response code into the names of every
// registered flag whose bit is set, in ascending identifier order.
func (r *Registry) FlagsForCode(code int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int, 0, len(r.flags))
	for id := range r.flags {
		if code&id != 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)

	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, r.flags[id])
	}
	return names
}

// validBaseBits reports whether every bit of base maps to a registered
// flag below the confidence range. Must be called without the lock held.
func (r *Registry) validBaseBits(base int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for bit := 1; bit <= base; bit <<= 1 {
		if base&bit == 0 {
			continue
		}
		if bit >= ConfidenceHigh {
			return false
		}
		if _, ok := r.flags[bit]; !ok {
			return false
		}
	}
	return true
}

// TaskCount returns the number of registered tasks.
func (r *Registry) TaskCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
