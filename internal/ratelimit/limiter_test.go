package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClasses() map[string]Class {
	return map[string]Class{
		"action": {Window: 10 * time.Second, Limit: 3},
		"chat":   {Window: time.Minute, Limit: 10},
	}
}

func TestCheck_AcceptsUpToLimit(t *testing.T) {
	l := New(testClasses())
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		res := l.Check("action", "alice", now.Add(time.Duration(i)*time.Second))
		require.True(t, res.Accepted, "call %d should be accepted", i+1)
		assert.Equal(t, 3-(i+1), res.Remaining)
		assert.Equal(t, 3, res.Limit)
	}
}

func TestCheck_RejectsOverLimit(t *testing.T) {
	l := New(testClasses())
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("action", "alice", now).Accepted)
	}

	res := l.Check("action", "alice", now)
	require.False(t, res.Accepted)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 3, res.Limit)
	assert.Equal(t, now.Add(10*time.Second), res.ResetAt)
	assert.Equal(t, 10, res.RetryAfter)
}

func TestCheck_RetryAfterRoundsUp(t *testing.T) {
	l := New(testClasses())
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("action", "alice", now).Accepted)
	}

	// 9.5s before the oldest acceptance leaves the window.
	res := l.Check("action", "alice", now.Add(500*time.Millisecond))
	require.False(t, res.Accepted)
	assert.Equal(t, 10, res.RetryAfter)
}

func TestCheck_WindowSlides(t *testing.T) {
	l := New(testClasses())
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("action", "alice", now).Accepted)
	}
	require.False(t, l.Check("action", "alice", now).Accepted)

	// Advancing by the full window frees all three slots.
	later := now.Add(10 * time.Second)
	res := l.Check("action", "alice", later)
	require.True(t, res.Accepted)
	assert.Equal(t, 2, res.Remaining)
}

func TestCheck_AcceptedExactlyAtReset(t *testing.T) {
	l := New(testClasses())
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("action", "alice", now).Accepted)
	}

	// One instant before the oldest acceptance expires: still rejected.
	rejected := l.Check("action", "alice", now.Add(10*time.Second-time.Nanosecond))
	require.False(t, rejected.Accepted)
	require.Equal(t, now.Add(10*time.Second), rejected.ResetAt)

	// At ResetAt itself the window no longer counts the oldest entry.
	res := l.Check("action", "alice", rejected.ResetAt)
	require.True(t, res.Accepted)
	assert.Equal(t, 2, res.Remaining)
}

func TestCheck_KeysDoNotInterfere(t *testing.T) {
	l := New(testClasses())
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("action", "alice", now).Accepted)
	}
	require.False(t, l.Check("action", "alice", now).Accepted)

	// A different key under the same class is unaffected.
	assert.True(t, l.Check("action", "bob", now).Accepted)
}

func TestCheck_ClassesDoNotInterfere(t *testing.T) {
	l := New(testClasses())
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("action", "alice", now).Accepted)
	}
	require.False(t, l.Check("action", "alice", now).Accepted)

	// Same key string under another class keeps its own window.
	res := l.Check("chat", "alice", now)
	require.True(t, res.Accepted)
	assert.Equal(t, 9, res.Remaining)
}

func TestCheck_UnknownClassFailsOpen(t *testing.T) {
	l := New(testClasses())
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 100; i++ {
		assert.True(t, l.Check("nonexistent", "alice", now).Accepted)
	}
}

func TestSweep_RemovesOnlyIdleKeys(t *testing.T) {
	l := New(testClasses())
	now := time.Unix(1_700_000_000, 0)

	l.Check("action", "idle", now)
	l.Check("action", "busy", now)
	l.Check("action", "busy", now.Add(4*time.Minute))

	removed := l.Sweep(now.Add(5*time.Minute), 2*time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, l.KeyCount())

	// The surviving key still enforces its window.
	res := l.Check("action", "busy", now.Add(5*time.Minute))
	assert.True(t, res.Accepted)
}

func TestCheck_LazyPruneBoundsMemory(t *testing.T) {
	l := New(map[string]Class{"action": {Window: time.Second, Limit: 5}})
	now := time.Unix(1_700_000_000, 0)

	// Many acceptances spread far apart never accumulate: each check prunes
	// everything older than one window.
	for i := 0; i < 50; i++ {
		res := l.Check("action", "alice", now.Add(time.Duration(i)*2*time.Second))
		require.True(t, res.Accepted)
		assert.Equal(t, 4, res.Remaining)
	}
}

func TestDefaultClasses(t *testing.T) {
	classes := DefaultClasses()
	for _, name := range []string{ClassAction, ClassChat, ClassChatRelaxed} {
		cfg, ok := classes[name]
		require.True(t, ok, fmt.Sprintf("class %s missing", name))
		assert.Greater(t, cfg.Limit, 0)
		assert.Greater(t, cfg.Window, time.Duration(0))
	}
}
