// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(DefaultBackoffBase, DefaultBackoffMax)

	want := []time.Duration{1, 3, 6, 10, 16, 25, 39, 60, 91}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, b.Wait(), "attempt %d", i)
		b = b.Next()
	}
}

func TestBackoffReachesMax(t *testing.T) {
	b := NewBackoff(DefaultBackoffBase, DefaultBackoffMax)
	prev := b.Wait()
	for i := 0; i < 100; i++ {
		b = b.Next()
		assert.GreaterOrEqual(t, b.Wait(), prev)
		prev = b.Wait()
	}
	assert.Equal(t, 60000*time.Millisecond, b.Wait())
	assert.Equal(t, b.Max(), b.Next().Wait())
}

func TestBackoffIsAValue(t *testing.T) {
	base := NewBackoff(time.Millisecond, time.Second)
	next := base.Next()
	assert.Equal(t, time.Millisecond, base.Wait())
	assert.Equal(t, 3*time.Millisecond, next.Wait())
}

func TestNewBackoffClampsMax(t *testing.T) {
	b := NewBackoff(time.Second, time.Millisecond)
	assert.Equal(t, time.Second, b.Max())
	assert.Equal(t, time.Second, b.Next().Wait())
}
