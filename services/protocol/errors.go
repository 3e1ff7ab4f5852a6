// Copyright (C) 2026 Aegis Labs (security@aegislabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package protocol

import "errors"

// Wire-level error codes. These are the only failure values a client ever
// sees for a rejected request; everything else stays server-side.
const (
	// CodeInvalidTask is returned when the task identifier is not a
	// registered task.
	CodeInvalidTask = 1024

	// CodeInvalidParam is returned when any parameter identifier is not a
	// registered parameter.
	CodeInvalidParam = 2048

	// CodeInvalidFormat is returned when the raw input does not match the
	// request grammar at all.
	CodeInvalidFormat = 4096
)

// Sentinel errors for registry and engine operations.
var (
	// ErrInvalidIdentifier means the identifier fails the mathematical
	// constraint for its kind (primality, Fibonacci membership, power of
	// two).
	ErrInvalidIdentifier = errors.New("identifier violates the constraint for its kind")

	// ErrDuplicateIdentifier means the identifier is already registered
	// under a different name.
	ErrDuplicateIdentifier = errors.New("identifier already registered with a different name")

	// ErrTrapIdentifier means the identifier is reserved as a honeypot
	// trap and may never carry a legitimate meaning.
	ErrTrapIdentifier = errors.New("identifier is reserved as a honeypot trap")

	// ErrFormat means the raw wire string does not match the request
	// grammar. Maps to CodeInvalidFormat.
	ErrFormat = errors.New("malformed protocol input")

	// ErrInvalidTask means the task identifier is not registered.
	// Maps to CodeInvalidTask.
	ErrInvalidTask = errors.New("unregistered task identifier")

	// ErrInvalidParameter means a parameter identifier is not registered.
	// Maps to CodeInvalidParam.
	ErrInvalidParameter = errors.New("unregistered parameter identifier")

	// ErrProtocolViolation means a backend response is well formed as text
	// but violates the response contract (missing success bit, bad base
	// code, bad confidence, or a payload/class mismatch).
	ErrProtocolViolation = errors.New("response violates the protocol contract")
)

// WireCode maps a validation error to its wire-level numeric code.
//
// Returns 0 for errors that have no client-visible code (protocol
// violations are rejected server-side, never surfaced as backend content).
func WireCode(err error) int {
	switch {
	case errors.Is(err, ErrFormat):
		return CodeInvalidFormat
	case errors.Is(err, ErrInvalidTask):
		return CodeInvalidTask
	case errors.Is(err, ErrInvalidParameter):
		return CodeInvalidParam
	default:
		return 0
	}
}
