// Copyright (C) 2026 Aegis Labs (security@aegislabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package firewall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAirlock_RedactEmail(t *testing.T) {
	fw := newTestFirewall(t)
	al := fw.NewAirlock()

	out := al.Redact("Contact jane.doe@example.com for details.")
	assert.Equal(t, "Contact <EMAIL_1> for details.", out)
	assert.Equal(t, 1, al.RedactedCount())
}

func TestAirlock_RedactMultipleTypes(t *testing.T) {
	fw := newTestFirewall(t)
	al := fw.NewAirlock()

	out := al.Redact("Patient MRN: 12345678, SSN 123-45-6789, call 555-867-5309.")
	assert.NotContains(t, out, "12345678")
	assert.NotContains(t, out, "123-45-6789")
	assert.NotContains(t, out, "555-867-5309")
	assert.Contains(t, out, "<SSN_1>")
	assert.Contains(t, out, "<MRN_1>")
	assert.Contains(t, out, "<PHONE_1>")
}

func TestAirlock_RepeatedValueSharesToken(t *testing.T) {
	fw := newTestFirewall(t)
	al := fw.NewAirlock()

	out := al.Redact("a@b.io wrote to a@b.io and c@d.io")
	assert.Equal(t, "<EMAIL_1> wrote to <EMAIL_1> and <EMAIL_2>", out)
	assert.Equal(t, 2, al.RedactedCount())
}

func TestAirlock_RoundTrip(t *testing.T) {
	fw := newTestFirewall(t)
	al := fw.NewAirlock()

	original := "Summarize: jane@corp.example filed SSN 987-65-4321 yesterday."
	redacted := al.Redact(original)
	require.NotEqual(t, original, redacted)

	// Simulate the backend echoing tokens into its payload.
	payload := "Report concerns <EMAIL_1> and identifier <SSN_1>."
	restored := al.Rehydrate(payload)
	assert.Equal(t, "Report concerns jane@corp.example and identifier 987-65-4321.", restored)
}

func TestAirlock_RedactRehydrateIsIdentity(t *testing.T) {
	fw := newTestFirewall(t)

	texts := []string{
		"nothing sensitive in this one",
		"mail jane.doe@example.com about the invoice",
		"a@b.io wrote to a@b.io while SSN 987-65-4321 and card 4111 1111 1111 1111 sat in the thread",
	}
	for _, text := range texts {
		al := fw.NewAirlock()
		assert.Equal(t, text, al.Rehydrate(al.Redact(text)))
	}
}

func TestAirlock_RedactBarePhoneDigits(t *testing.T) {
	fw := newTestFirewall(t)
	al := fw.NewAirlock()

	out := al.Redact("call 5558675309 or 555.867.5309 tomorrow")
	assert.Equal(t, "call <PHONE_1> or <PHONE_2> tomorrow", out)
}

func TestAirlock_RehydrateLeavesUnknownTokens(t *testing.T) {
	fw := newTestFirewall(t)
	al := fw.NewAirlock()

	al.Redact("mail me at x@y.zz")
	out := al.Rehydrate("tokens <EMAIL_9> and <SSN_1> were never issued")
	assert.Equal(t, "tokens <EMAIL_9> and <SSN_1> were never issued", out)
}

func TestAirlock_IsolatedPerRequest(t *testing.T) {
	fw := newTestFirewall(t)

	a := fw.NewAirlock()
	b := fw.NewAirlock()
	a.Redact("first@request.io")
	b.Redact("second@request.io")

	assert.Equal(t, "first@request.io", a.Rehydrate("<EMAIL_1>"))
	assert.Equal(t, "second@request.io", b.Rehydrate("<EMAIL_1>"))
}
