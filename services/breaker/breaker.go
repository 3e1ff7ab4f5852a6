// Copyright (C) 2026 Aegis Labs (security@aegislabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package breaker guards the model backend with a circuit breaker so a
// failing or misbehaving backend sheds load instead of stalling every
// request behind it.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Execute while the circuit is open and
// the reset timeout has not elapsed.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State represents the state of the circuit.
type State int

const (
	// StateClosed allows requests through normally.
	StateClosed State = iota

	// StateOpen rejects all requests immediately.
	StateOpen

	// StateHalfOpen allows a single probe request to test recovery.
	StateHalfOpen
)

// String returns the human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures before
	// the circuit opens. Default: 5
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a single
	// probe is allowed through. Default: 30s
	ResetTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Stats is a point-in-time snapshot of the breaker.
type Stats struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time"`
	LastStateChange     time.Time `json:"last_state_change"`
}

// Breaker is a three-state circuit breaker.
//
// Closed passes every call and counts consecutive failures; reaching the
// threshold opens the circuit. Open rejects every call until the reset
// timeout has elapsed since the last failure, then admits exactly one
// probe (half-open). A successful probe closes the circuit and clears
// all counters; a failed probe reopens it and restarts the timeout.
//
// # Thread Safety
//
// Safe for concurrent use.
type Breaker struct {
	config Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	probing             bool
	lastFailureTime     time.Time
	lastStateChange     time.Time
}

// New creates a closed Breaker with cfg, filling zero fields from
// DefaultConfig.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	return &Breaker{
		config:          cfg,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn under the breaker's admission control.
//
// A context error from fn (cancellation, deadline) counts as a failure:
// a hung backend is indistinguishable from a dead one. ErrCircuitOpen is
// returned without invoking fn when the circuit rejects the call.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// State returns the current circuit state, applying the open-to-half-open
// transition if the reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFailureTime) >= b.config.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Stats returns a snapshot for the operator surface.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureTime:     b.lastFailureTime,
		LastStateChange:     b.lastStateChange,
	}
}

// Reset forces the breaker closed. Manual intervention only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed, time.Now())
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if now.Sub(b.lastFailureTime) >= b.config.ResetTimeout {
			b.transitionTo(StateHalfOpen, now)
			b.probing = true
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		// One probe at a time.
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil

	default:
		return ErrCircuitOpen
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.transitionTo(StateClosed, time.Now())
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastFailureTime = now

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.transitionTo(StateOpen, now)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen, now)
	}
}

// transitionTo changes the circuit state. Must be called with the lock
// held.
func (b *Breaker) transitionTo(newState State, now time.Time) {
	b.state = newState
	b.lastStateChange = now
	b.probing = false
	if newState == StateClosed {
		b.consecutiveFailures = 0
	}
}
