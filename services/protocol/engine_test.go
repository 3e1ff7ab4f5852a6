// Copyright (C) 2026 Aegis Labs (security@aegislabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(newTestRegistry(t))
}

func TestParseRequest_Valid(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name        string
		raw         string
		wantTask    int
		wantParams  []int
		wantContext string
	}{
		{"sentiment with context", "2-1 | This product is amazing!", 2, []int{1}, "This product is amazing!"},
		{"translate", "17-1 | Hello World", 17, []int{1}, "Hello World"},
		{"multi param", "3-1,5,8 | Long document text", 3, []int{1, 5, 8}, "Long document text"},
		{"no context", "29-2", 29, []int{2}, ""},
		{"tight pipe", "2-1|short", 2, []int{1}, "short"},
		{"pipe inside context", "11-1 | What does a|b mean?", 11, []int{1}, "What does a|b mean?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := eng.ParseRequest(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTask, req.Task)
			assert.Equal(t, tt.wantParams, req.Params)
			assert.Equal(t, tt.wantContext, req.Context)
		})
	}
}

func TestParseRequest_Invalid(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"empty", "", ErrFormat},
		{"missing params", "2", ErrFormat},
		{"missing dash", "2 1 | ctx", ErrFormat},
		{"trailing comma", "2-1, | ctx", ErrFormat},
		{"pipe without context", "2-1 |", ErrFormat},
		{"leading garbage", "x2-1", ErrFormat},
		{"non-prime task", "4-1 | text", ErrInvalidTask},
		{"prime but unregistered task", "31-1 | text", ErrInvalidTask},
		{"non-fibonacci param", "2-4 | text", ErrInvalidParameter},
		{"fibonacci but unregistered param", "2-3 | text", ErrInvalidParameter},
		{"one bad param among valid", "3-1,5,4 | text", ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.ParseRequest(tt.raw)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseRequest_ErrorOrder(t *testing.T) {
	eng := newTestEngine(t)

	// Shape beats membership: a malformed request with an unknown task
	// is reported as a format error.
	_, err := eng.ParseRequest("4-")
	assert.ErrorIs(t, err, ErrFormat)

	// Task membership beats parameter membership.
	_, err = eng.ParseRequest("4-4 | text")
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestWireCode(t *testing.T) {
	assert.Equal(t, CodeInvalidFormat, WireCode(ErrFormat))
	assert.Equal(t, CodeInvalidTask, WireCode(ErrInvalidTask))
	assert.Equal(t, CodeInvalidParam, WireCode(ErrInvalidParameter))
	assert.Equal(t, 0, WireCode(ErrTrapIdentifier))
}

func TestPeekCodes(t *testing.T) {
	task, params, ok := PeekCodes("43-1 | probing")
	require.True(t, ok)
	assert.Equal(t, 43, task)
	assert.Equal(t, []int{1}, params)

	// PeekCodes does no registry validation at all.
	task, _, ok = PeekCodes("4-6")
	require.True(t, ok)
	assert.Equal(t, 4, task)

	_, _, ok = PeekCodes("not a request")
	assert.False(t, ok)
}

func TestConstructPrompt(t *testing.T) {
	eng := newTestEngine(t)

	prompt := eng.ConstructPrompt(3, []int{1, 5}, "safe text")
	assert.True(t, strings.HasPrefix(prompt, "MATHPROTOCOL_V2_REQUEST\n"))
	assert.Contains(t, prompt, "TASK_PRIME: 3\n")
	assert.Contains(t, prompt, "PARAM_FIB: [1 5]\n")
	assert.Contains(t, prompt, "CHECKSUM: 18\n") // 3 * (1+5)
	assert.Contains(t, prompt, "DATA_START\nsafe text\nDATA_END\n")
}

func TestConstructPrompt_ChecksumDefaultsToTask(t *testing.T) {
	eng := newTestEngine(t)

	prompt := eng.ConstructPrompt(7, nil, "ctx")
	assert.Contains(t, prompt, "CHECKSUM: 7\n")
}

func TestValidateResponse_Valid(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name           string
		raw            string
		task           int
		wantCode       int
		wantConfidence int
		wantPayload    string
	}{
		{"classification sentiment", "3-128", 2, 3, 128, ""},
		{"generative translation", "33-128 | Hola Mundo", 17, 33, 128, "Hola Mundo"},
		{"generative summary low confidence", "1-512 | A short summary.", 3, 1, 512, "A short summary."},
		{"classification language", "17-256", 5, 17, 256, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := eng.ValidateResponse(tt.raw, tt.task)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, tt.wantConfidence, resp.Confidence)
			assert.Equal(t, tt.wantPayload, resp.Payload)
			assert.Zero(t, resp.ErrorCode)
		})
	}
}

func TestValidateResponse_ErrorCodes(t *testing.T) {
	eng := newTestEngine(t)

	for _, code := range []string{"1024", "2048", "4096"} {
		resp, err := eng.ValidateResponse(code, 2)
		require.NoError(t, err, "bare error code %s", code)
		assert.Zero(t, resp.Code)
	}

	resp, err := eng.ValidateResponse("4096", 2)
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidFormat, resp.ErrorCode)

	// Error codes never carry a payload.
	_, err = eng.ValidateResponse("1024 | sorry about that", 2)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestValidateResponse_Invalid(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name string
		raw  string
		task int
	}{
		{"even response code", "2-128", 2},
		{"even code with flags", "34-128", 2},
		{"single non-error code", "3", 2},
		{"three codes", "3-128-512", 2},
		{"confidence bit inside response code", "129-128", 2},
		{"confidence not power of two", "3-100", 2},
		{"confidence out of range", "3-64", 2},
		{"confidence in flag range", "3-2", 2},
		{"classification with payload", "3-128 | leaked prose", 2},
		{"generative without payload", "1-128", 3},
		{"prose instead of codes", "I think it is positive!", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.ValidateResponse(tt.raw, tt.task)
			assert.ErrorIs(t, err, ErrProtocolViolation)
		})
	}
}

func TestValidateResponse_SuccessBitDominates(t *testing.T) {
	eng := newTestEngine(t)

	// 4-128 would decode as NEGATIVE with high confidence, but the
	// missing success bit rejects it before anything else is considered.
	_, err := eng.ValidateResponse("4-128", 2)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestDecodeResponse(t *testing.T) {
	eng := newTestEngine(t)

	d := eng.DecodeResponse(131) // 1 + 2 + 128
	assert.True(t, d.Success)
	assert.Equal(t, []string{"SUCCESS", "POSITIVE", "HIGH_CONFIDENCE"}, d.Flags)
	assert.Equal(t, "SUCCESS | POSITIVE | HIGH_CONFIDENCE", d.Description)

	d = eng.DecodeResponse(2)
	assert.False(t, d.Success)
}
