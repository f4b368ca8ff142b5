package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemory_AllowsUpToLimit(t *testing.T) {
	m := NewMemory()
	window := time.Minute

	for i := 0; i < 3; i++ {
		res := m.Allow("k", 3, window)
		assert.True(t, res.Allowed, "hit %d should be allowed", i)
	}
	res := m.Allow("k", 3, window)
	assert.False(t, res.Allowed, "4th hit must be denied")
	assert.Equal(t, 0, res.Remaining)
}

func TestMemory_RemainingCountsDown(t *testing.T) {
	m := NewMemory()
	res := m.Allow("k", 5, time.Minute)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)

	res = m.Allow("k", 5, time.Minute)
	assert.Equal(t, 3, res.Remaining)
}

func TestMemory_KeysAreIndependent(t *testing.T) {
	m := NewMemory()
	for i := 0; i < 2; i++ {
		assert.True(t, m.Allow("a", 2, time.Minute).Allowed)
	}
	assert.False(t, m.Allow("a", 2, time.Minute).Allowed)
	assert.True(t, m.Allow("b", 2, time.Minute).Allowed, "a separate key must have its own budget")
}

func TestMemory_SlidingWindowExpiresOldHits(t *testing.T) {
	m := NewMemory()
	window := 50 * time.Millisecond

	assert.True(t, m.Allow("k", 1, window).Allowed)
	assert.False(t, m.Allow("k", 1, window).Allowed)

	time.Sleep(window + 20*time.Millisecond)

	assert.True(t, m.Allow("k", 1, window).Allowed, "expired hits must fall out of the window")
}
