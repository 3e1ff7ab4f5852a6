// Copyright (C) 2026 Aegis Labs (security@aegislabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package firewall

import (
	"fmt"
	"strings"
)

// Airlock redacts sensitive values out of context before it leaves the
// trust boundary and restores them into backend payloads on the way
// back. The token map lives only for the lifetime of one request and is
// never persisted or logged.
//
// Not safe for concurrent use; create one Airlock per request.
type Airlock struct {
	fw *Firewall

	// tokens maps placeholder -> original value for this request.
	tokens map[string]string
	counts map[string]int
}

// NewAirlock creates a request-scoped airlock bound to the firewall's
// active sensitive pattern set.
func (f *Firewall) NewAirlock() *Airlock {
	return &Airlock{
		fw:     f,
		tokens: make(map[string]string),
		counts: make(map[string]int),
	}
}

// Redact replaces every sensitive match in text with a typed placeholder
// such as <EMAIL_1> or <SSN_2>. Repeated occurrences of the same value
// reuse the same placeholder. Patterns apply in rule-set order, so a
// value already redacted by a narrow pattern is invisible to broader
// ones.
func (a *Airlock) Redact(text string) string {
	for _, cls := range a.fw.sensitiveSet() {
		text = cls.re.ReplaceAllStringFunc(text, func(match string) string {
			for tok, orig := range a.tokens {
				if orig == match && strings.HasPrefix(tok, "<"+cls.name+"_") {
					return tok
				}
			}
			a.counts[cls.name]++
			tok := fmt.Sprintf("<%s_%d>", cls.name, a.counts[cls.name])
			a.tokens[tok] = match
			return tok
		})
	}
	return text
}

// Rehydrate restores the original values for every placeholder this
// airlock issued. Placeholders the airlock never issued are left alone.
func (a *Airlock) Rehydrate(text string) string {
	for tok, orig := range a.tokens {
		text = strings.ReplaceAll(text, tok, orig)
	}
	return text
}

// RedactedCount returns how many distinct values were redacted.
func (a *Airlock) RedactedCount() int {
	return len(a.tokens)
}
