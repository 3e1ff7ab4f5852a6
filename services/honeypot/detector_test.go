// Copyright (C) 2026 Aegis Labs (security@aegislabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package honeypot

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInspect_TrapTask(t *testing.T) {
	d := New(Config{})

	for _, trap := range DefaultTrapTasks {
		v := d.Inspect(trap, []int{1})
		assert.True(t, v.Tripped, "trap task %d", trap)
		assert.Equal(t, trap, v.TrapTask)
	}
}

func TestInspect_CanaryParam(t *testing.T) {
	d := New(Config{})

	v := d.Inspect(2, []int{1, 34})
	assert.True(t, v.Tripped)
	assert.Zero(t, v.TrapTask)
	assert.Equal(t, []int{34}, v.CanaryParams)

	v = d.Inspect(2, []int{55, 34})
	assert.Equal(t, []int{55, 34}, v.CanaryParams)
}

func TestInspect_CleanRequest(t *testing.T) {
	d := New(Config{})

	v := d.Inspect(2, []int{1, 5, 8})
	assert.False(t, v.Tripped)

	// Unregistered but non-trap codes are a validation concern, not a
	// honeypot concern.
	v = d.Inspect(4, []int{6})
	assert.False(t, v.Tripped)
}

func TestTrip_BansPermanently(t *testing.T) {
	d := New(Config{})

	assert.False(t, d.IsBanned("attacker-1"))
	d.Trip("attacker-1", d.Inspect(43, nil))
	assert.True(t, d.IsBanned("attacker-1"))
	assert.False(t, d.IsBanned("bystander"))
	assert.Equal(t, 1, d.BanCount())

	// Repeat trips are idempotent.
	d.Trip("attacker-1", d.Inspect(47, nil))
	assert.Equal(t, 1, d.BanCount())
}

func TestNew_CustomSets(t *testing.T) {
	d := New(Config{TrapTasks: []int{101}, CanaryParams: []int{233}})

	assert.True(t, d.Inspect(101, nil).Tripped)
	assert.False(t, d.Inspect(43, nil).Tripped)
	assert.True(t, d.Inspect(2, []int{233}).Tripped)
	assert.False(t, d.Inspect(2, []int{34}).Tripped)
}

func TestBanList_Concurrent(t *testing.T) {
	d := New(Config{})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("id-%d", i%8)
			d.Trip(id, Verdict{Tripped: true, TrapTask: 43})
			d.IsBanned(id)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, d.BanCount())
}
