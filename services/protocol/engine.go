// Copyright (C) 2026 Aegis Labs (security@aegislabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Request grammar: TASK-PARAM[,PARAM...] optionally followed by a pipe and
// a non-empty context. Whitespace around the pipe is bounded to keep the
// expression free of catastrophic backtracking on hostile input.
var requestPattern = regexp.MustCompile(`^(\d+)-(\d+(?:,\d+)*)(?:\s{0,10}\|\s{0,10}(.+))?$`)

// codePattern extracts the integer codes from the code section of a
// backend response.
var codePattern = regexp.MustCompile(`\d+`)

// ParsedRequest is an accepted request. Immutable once created; the
// gateway consumes it exactly once.
type ParsedRequest struct {
	// Task is the registered task identifier.
	Task int

	// Params are the registered parameter identifiers, in wire order.
	Params []int

	// Context is the free-text context, empty when no pipe was present.
	Context string
}

// ParsedResponse is a validated backend response.
type ParsedResponse struct {
	// Code is the combined response code including the success bit.
	// Zero when ErrorCode is set.
	Code int

	// Confidence is one of 128, 256, 512. Zero when ErrorCode is set.
	Confidence int

	// Payload is the response payload (empty for classification tasks).
	Payload string

	// Flags are the registered flag names set in Code.
	Flags []string

	// ErrorCode is non-zero when the backend answered with a bare
	// protocol error code (1024, 2048 or 4096) instead of a result.
	ErrorCode int
}

// Decoded is the human-readable breakdown of a response code.
type Decoded struct {
	RawCode     int      `json:"raw_code"`
	Success     bool     `json:"success"`
	Flags       []string `json:"flags"`
	Description string   `json:"description"`
}

// Engine validates request and response strings against a registry.
//
// A request moves through shape check, task membership and parameter
// membership in that order; the first failing stage determines the wire
// error code and no partial state is retained on rejection.
type Engine struct {
	registry *Registry
}

// NewEngine creates an engine bound to the given registry.
func NewEngine(registry *Registry) *Engine {
	return &Engine{registry: registry}
}

// Registry returns the engine's registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// ParseRequest validates a raw wire string and returns the parsed request.
//
// Validation order is fixed: shape (ErrFormat / 4096), task membership
// (ErrInvalidTask / 1024), then parameter membership (ErrInvalidParameter
// / 2048). Changing any single code to an unregistered value yields the
// corresponding specific error, never a different one.
func (e *Engine) ParseRequest(raw string) (*ParsedRequest, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty input: %w", ErrFormat)
	}

	m := requestPattern.FindStringSubmatch(raw)
	if m == nil {
		return nil, fmt.Errorf("input %q: %w", truncate(raw, 64), ErrFormat)
	}

	task, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", m[1], ErrFormat)
	}

	var params []int
	for _, p := range strings.Split(m[2], ",") {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", p, ErrFormat)
		}
		params = append(params, v)
	}

	if !e.registry.IsMember(KindTask, task) {
		return nil, fmt.Errorf("task %d: %w", task, ErrInvalidTask)
	}
	for _, p := range params {
		if !e.registry.IsMember(KindParameter, p) {
			return nil, fmt.Errorf("parameter %d: %w", p, ErrInvalidParameter)
		}
	}

	return &ParsedRequest{
		Task:    task,
		Params:  params,
		Context: strings.TrimSpace(m[3]),
	}, nil
}

// PeekCodes extracts the leading task and parameter codes without any
// registry validation. The honeypot detector uses this to inspect trap
// codes before the request touches the rest of the pipeline; ok is false
// when the input does not even resemble the grammar.
func PeekCodes(raw string) (task int, params []int, ok bool) {
	m := requestPattern.FindStringSubmatch(raw)
	if m == nil {
		return 0, nil, false
	}
	task, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, nil, false
	}
	for _, p := range strings.Split(m[2], ",") {
		v, err := strconv.Atoi(p)
		if err != nil {
			return 0, nil, false
		}
		params = append(params, v)
	}
	return task, params, true
}

// ConstructPrompt builds the deterministic protocol envelope handed to the
// backend. The context must already be neutralized by the firewall.
//
// The checksum binds the task to its parameters: task * sum(params), with
// the sum defaulting to 1 when no parameters are present.
func (e *Engine) ConstructPrompt(task int, params []int, safeContext string) string {
	sum := 0
	for _, p := range params {
		sum += p
	}
	if sum == 0 {
		sum = 1
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MATHPROTOCOL_V2_REQUEST\n")
	fmt.Fprintf(&b, "TASK_PRIME: %d\n", task)
	fmt.Fprintf(&b, "PARAM_FIB: %v\n", params)
	fmt.Fprintf(&b, "CHECKSUM: %d\n", task*sum)
	fmt.Fprintf(&b, "DATA_START\n%s\nDATA_END\n", safeContext)
	fmt.Fprintf(&b, "INSTRUCTION: Execute TASK %d with modifiers %v. ", task, params)
	b.WriteString(`Respond strictly in MathProtocol response format: ` +
		`"<response_code>-<confidence>" for classification tasks (no payload) ` +
		`or "<response_code>-<confidence> | <payload>" for generative tasks. ` +
		`Use only the defined integer codes and output nothing else.`)
	return b.String()
}

// ValidateResponse validates a raw backend response for the given task.
//
// Accepted shapes:
//
//   - a single bare error code from {1024, 2048, 4096} with no payload, or
//   - exactly two codes "RESPONSE-CONFIDENCE", optionally "| payload".
//
// For the two-code shape the response code must be odd (the v2.1 success
// bit), its base bits must all be registered flags below the confidence
// range, the confidence must be one of {128, 256, 512}, and the payload
// must match the task's class: classification tasks carry none, generative
// tasks carry a non-empty one. Any even response code is rejected
// regardless of every other field.
func (e *Engine) ValidateResponse(raw string, task int) (*ParsedResponse, error) {
	codesPart, payload := splitPayload(raw)
	codes := codePattern.FindAllString(codesPart, -1)

	if len(codes) == 1 {
		v, err := strconv.Atoi(codes[0])
		if err != nil {
			return nil, fmt.Errorf("response code %q: %w", codes[0], ErrProtocolViolation)
		}
		switch v {
		case CodeInvalidTask, CodeInvalidParam, CodeInvalidFormat:
			if payload != "" {
				return nil, fmt.Errorf("error code %d with payload: %w", v, ErrProtocolViolation)
			}
			return &ParsedResponse{ErrorCode: v}, nil
		}
		return nil, fmt.Errorf("single code %d is not an error code: %w", v, ErrProtocolViolation)
	}

	if len(codes) != 2 {
		return nil, fmt.Errorf("expected 2 codes, got %d: %w", len(codes), ErrProtocolViolation)
	}

	code, err1 := strconv.Atoi(codes[0])
	confidence, err2 := strconv.Atoi(codes[1])
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("non-numeric response codes: %w", ErrProtocolViolation)
	}

	if code&SuccessBit == 0 {
		return nil, fmt.Errorf("response code %d missing success bit: %w", code, ErrProtocolViolation)
	}
	if !e.registry.validBaseBits(code - SuccessBit) {
		return nil, fmt.Errorf("response code %d has unregistered base bits: %w", code, ErrProtocolViolation)
	}
	if !IsConfidence(confidence) {
		return nil, fmt.Errorf("confidence %d: %w", confidence, ErrProtocolViolation)
	}

	class, ok := e.registry.Class(task)
	if !ok {
		return nil, fmt.Errorf("task %d: %w", task, ErrInvalidTask)
	}
	switch class {
	case ClassClassification:
		if payload != "" {
			return nil, fmt.Errorf("classification task %d with payload: %w", task, ErrProtocolViolation)
		}
	case ClassGenerative:
		if payload == "" {
			return nil, fmt.Errorf("generative task %d without payload: %w", task, ErrProtocolViolation)
		}
	}

	return &ParsedResponse{
		Code:       code,
		Confidence: confidence,
		Payload:    payload,
		Flags:      e.registry.FlagsForCode(code),
	}, nil
}

// DecodeResponse breaks a combined response code into success state and
// flag names for reporting.
func (e *Engine) DecodeResponse(code int) Decoded {
	flags := e.registry.FlagsForCode(code)
	return Decoded{
		RawCode:     code,
		Success:     code&SuccessBit == SuccessBit,
		Flags:       flags,
		Description: strings.Join(flags, " | "),
	}
}

// splitPayload splits a response at the first pipe. Absent pipe means
// empty payload.
func splitPayload(raw string) (codes, payload string) {
	if i := strings.IndexByte(raw, '|'); i >= 0 {
		return raw[:i], strings.TrimSpace(raw[i+1:])
	}
	return raw, ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
