// Copyright (C) 2026 Aegis Labs (security@aegislabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package honeypot detects reconnaissance against the protocol surface.
// Trap task codes and canary parameters are structurally valid numbers
// that no legitimate client is ever told about; a request naming one can
// only come from an attacker enumerating the code space.
package honeypot

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultTrapTasks are primes deliberately absent from every published
// task table. Valid shape, poisoned meaning.
var DefaultTrapTasks = []int{43, 47, 53, 59, 61, 67, 71, 73, 79, 83, 89, 97}

// DefaultCanaryParams are Fibonacci numbers reserved out of the
// parameter table for the same purpose.
var DefaultCanaryParams = []int{34, 55}

// Verdict reports one inspection.
type Verdict struct {
	// Tripped is true when the request touched any trap or canary code.
	Tripped bool

	// TrapTask is the offending task code, zero if the task was clean.
	TrapTask int

	// CanaryParams are the offending parameter codes, in request order.
	CanaryParams []int
}

// Config configures a Detector.
type Config struct {
	// TrapTasks overrides DefaultTrapTasks when non-empty.
	TrapTasks []int

	// CanaryParams overrides DefaultCanaryParams when non-empty.
	CanaryParams []int

	Logger *slog.Logger
}

// Detector checks request codes against the trap sets and permanently
// bans identities that trip them.
//
// # Thread Safety
//
// Safe for concurrent use. The trap sets are immutable after New; the
// ban list has its own lock.
type Detector struct {
	traps    map[int]struct{}
	canaries map[int]struct{}
	bans     *banList
	log      *slog.Logger
}

// New creates a Detector from cfg.
func New(cfg Config) *Detector {
	if len(cfg.TrapTasks) == 0 {
		cfg.TrapTasks = DefaultTrapTasks
	}
	if len(cfg.CanaryParams) == 0 {
		cfg.CanaryParams = DefaultCanaryParams
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := &Detector{
		traps:    make(map[int]struct{}, len(cfg.TrapTasks)),
		canaries: make(map[int]struct{}, len(cfg.CanaryParams)),
		bans:     newBanList(),
		log:      cfg.Logger,
	}
	for _, t := range cfg.TrapTasks {
		d.traps[t] = struct{}{}
	}
	for _, c := range cfg.CanaryParams {
		d.canaries[c] = struct{}{}
	}
	return d
}

// TrapTasks returns the configured trap task codes. The gateway feeds
// these into the registry as reserved identifiers so an administrator
// cannot accidentally legitimize one.
func (d *Detector) TrapTasks() []int {
	out := make([]int, 0, len(d.traps))
	for t := range d.traps {
		out = append(out, t)
	}
	return out
}

// CanaryParams returns the configured canary parameter codes.
func (d *Detector) CanaryParams() []int {
	out := make([]int, 0, len(d.canaries))
	for c := range d.canaries {
		out = append(out, c)
	}
	return out
}

// Inspect checks the raw task and parameter codes of a request. A
// tripped verdict means the identity must be banned and the request
// answered with a generic format error, indistinguishable from any
// other rejection.
func (d *Detector) Inspect(task int, params []int) Verdict {
	v := Verdict{}
	if _, ok := d.traps[task]; ok {
		v.Tripped = true
		v.TrapTask = task
	}
	for _, p := range params {
		if _, ok := d.canaries[p]; ok {
			v.Tripped = true
			v.CanaryParams = append(v.CanaryParams, p)
		}
	}
	return v
}

// Trip records a tripped verdict against an identity: the identity is
// banned immediately and permanently for the life of the process.
func (d *Detector) Trip(identity string, v Verdict) {
	d.bans.ban(identity)
	d.log.Warn("honeypot tripped, identity banned",
		"identity", identity,
		"trap_task", v.TrapTask,
		"canary_params", v.CanaryParams,
		"banned_total", d.bans.count(),
		"time", time.Now().UTC())
}

// IsBanned reports whether an identity has previously tripped a trap.
func (d *Detector) IsBanned(identity string) bool {
	return d.bans.isBanned(identity)
}

// BanCount returns the number of banned identities.
func (d *Detector) BanCount() int {
	return d.bans.count()
}

// banList is a process-lifetime set of banned identities. Bans are
// never expired or removed; a restart clears them.
type banList struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

func newBanList() *banList {
	return &banList{set: make(map[string]struct{})}
}

func (b *banList) ban(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.set[identity] = struct{}{}
}

func (b *banList) isBanned(identity string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.set[identity]
	return ok
}

func (b *banList) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.set)
}
