package ratelimit

import (
	"sync"
	"time"
)

// Class is one rate-limit configuration: at most Limit acceptances within a
// trailing Window. Different channel classes (strict vs relaxed chat, player
// actions) carry different pairs.
type Class struct {
	Window time.Duration
	Limit  int
}

// Class names used by the router.
const (
	ClassAction      = "action"
	ClassChat        = "chat"
	ClassChatRelaxed = "chat_relaxed"
)

// DefaultClasses returns the built-in class table.
func DefaultClasses() map[string]Class {
	return map[string]Class{
		ClassAction:      {Window: 10 * time.Second, Limit: 10},
		ClassChat:        {Window: time.Minute, Limit: 10},
		ClassChatRelaxed: {Window: time.Minute, Limit: 30},
	}
}

// Result is the outcome of a single check. On rejection, ResetAt is the
// instant the oldest counted acceptance leaves the window and RetryAfter is
// that distance in whole seconds, rounded up.
type Result struct {
	Accepted   bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter int
}

// Limiter is a sliding-window rate limiter over key -> acceptance timestamps.
// Callers pass the fully derived key (principal + channel) and the evaluation
// instant, so the limiter itself holds no clock and no knowledge of bypass
// roles; role bypass is evaluated by the caller before Check and records no
// timestamp here.
//
// Pruning is lazy: a key's list is trimmed each time the key is checked.
// Idle keys therefore retain their last window of timestamps until Sweep
// removes them; the owning process is expected to run Sweep periodically.
type Limiter struct {
	mu      sync.Mutex
	classes map[string]Class
	entries map[string][]time.Time
}

// New creates a limiter with the given class table. Nil falls back to
// DefaultClasses.
func New(classes map[string]Class) *Limiter {
	if classes == nil {
		classes = DefaultClasses()
	}
	return &Limiter{
		classes: classes,
		entries: make(map[string][]time.Time),
	}
}

// Check evaluates one event for key under class at instant now. Keys are
// scoped per class, so the same principal checked under "chat" and "action"
// never interferes. An unregistered class accepts (fail-open) so a
// misconfigured caller degrades to unlimited rather than blocking traffic.
func (l *Limiter) Check(class, key string, now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, ok := l.classes[class]
	if !ok {
		return Result{Accepted: true}
	}

	scoped := class + ":" + key
	cutoff := now.Add(-cfg.Window)

	// Lazy prune: keep only timestamps inside (now-window, now] and store
	// the filtered list back. The lower bound is exclusive so an acceptance
	// made exactly one window ago no longer counts; at now == resetAt the
	// oldest entry drops out and the call is accepted.
	kept := l.entries[scoped][:0]
	for _, ts := range l.entries[scoped] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= cfg.Limit {
		l.entries[scoped] = kept
		resetAt := kept[0].Add(cfg.Window)
		retryAfter := 0
		if d := resetAt.Sub(now); d > 0 {
			retryAfter = int((d + time.Second - 1) / time.Second)
		}
		return Result{
			Accepted:   false,
			Remaining:  0,
			Limit:      cfg.Limit,
			ResetAt:    resetAt,
			RetryAfter: retryAfter,
		}
	}

	kept = append(kept, now)
	l.entries[scoped] = kept

	return Result{
		Accepted:  true,
		Remaining: cfg.Limit - len(kept),
		Limit:     cfg.Limit,
	}
}

// Sweep removes keys whose newest acceptance is older than idleFor before
// now, bounding memory growth from keys that were visited once and never
// again. Returns the number of keys removed.
func (l *Limiter) Sweep(now time.Time, idleFor time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-idleFor)
	removed := 0
	for key, stamps := range l.entries {
		if len(stamps) == 0 || stamps[len(stamps)-1].Before(cutoff) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// KeyCount returns the number of tracked keys, for monitoring.
func (l *Limiter) KeyCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
