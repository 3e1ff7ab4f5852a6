// Copyright (C) 2026 Aegis Labs (security@aegislabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package protocol

import "math"

// SuccessBit is the mandatory v2.1 success marker. Every non-error
// response code transmitted by a compliant backend has bit 0 set.
const SuccessBit = 1

// Confidence codes are pure powers of two transmitted as-is alongside the
// response code.
const (
	ConfidenceHigh   = 128
	ConfidenceMedium = 256
	ConfidenceLow    = 512
)

// confidenceCodes is the closed set of valid confidence values.
var confidenceCodes = map[int]struct{}{
	ConfidenceHigh:   {},
	ConfidenceMedium: {},
	ConfidenceLow:    {},
}

// IsConfidence reports whether v is a valid confidence code.
func IsConfidence(v int) bool {
	_, ok := confidenceCodes[v]
	return ok
}

// IsPrime reports whether n is prime. Trial division with the 6k±1
// optimization; identifiers in this protocol are small so this is plenty.
func IsPrime(n int) bool {
	if n <= 1 {
		return false
	}
	if n <= 3 {
		return true
	}
	if n%2 == 0 || n%3 == 0 {
		return false
	}
	for i := 5; i*i <= n; i += 6 {
		if n%i == 0 || n%(i+2) == 0 {
			return false
		}
	}
	return true
}

// IsFibonacci reports whether n is a Fibonacci number.
//
// Uses the classic identity: n is Fibonacci iff 5n²+4 or 5n²-4 is a
// perfect square.
func IsFibonacci(n int) bool {
	if n <= 0 {
		return false
	}
	return isPerfectSquare(5*n*n+4) || isPerfectSquare(5*n*n-4)
}

// IsPowerOfTwo reports whether n is an exact power of two (including 1).
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func isPerfectSquare(n int) bool {
	if n < 0 {
		return false
	}
	r := int(math.Sqrt(float64(n)))
	// Float rounding can land one off on either side.
	for _, c := range [3]int{r - 1, r, r + 1} {
		if c >= 0 && c*c == n {
			return true
		}
	}
	return false
}
