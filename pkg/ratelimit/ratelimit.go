// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit bounds client load two ways: a token bucket for
// per-client event rates, and a shared counter capping concurrent
// connections.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgemux/edgemux/pkg/errors"
)

// TokenBucket implements the token bucket algorithm.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a bucket that starts full. capacity is the burst
// size; refillRate is tokens added per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow reports whether one event should be admitted.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN reports whether n events should be admitted.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	add := int64(elapsed * float64(tb.refillRate))
	if add > 0 {
		tb.tokens += add
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Available returns the current token count.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// Limiter tracks one token bucket per client.
type Limiter struct {
	mu         sync.RWMutex
	buckets    map[string]*TokenBucket
	capacity   int64
	refillRate int64
	maxClients int
	sweepEvery time.Duration
	cleanup    *time.Timer
}

// NewLimiter creates a per-client limiter. maxClients caps the number of
// tracked clients; 0 means the default of 10000. The table sweep starts
// with the first tracked client and stops when the table empties, so an
// idle limiter holds no timer.
func NewLimiter(capacity, refillRate int64, maxClients int) *Limiter {
	if maxClients == 0 {
		maxClients = 10000
	}

	return &Limiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxClients: maxClients,
		sweepEvery: 5 * time.Minute,
	}
}

// Allow reports whether one event from the client should be admitted.
func (l *Limiter) Allow(clientID string) bool {
	return l.AllowN(clientID, 1)
}

// AllowN reports whether n events from the client should be admitted. A
// client seen for the first time when the tracking table is full is
// rejected.
func (l *Limiter) AllowN(clientID string, n int64) bool {
	l.mu.RLock()
	tb, ok := l.buckets[clientID]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		tb, ok = l.buckets[clientID]
		if !ok {
			if len(l.buckets) >= l.maxClients {
				l.mu.Unlock()
				return false
			}
			tb = NewTokenBucket(l.capacity, l.refillRate)
			l.buckets[clientID] = tb
			if l.cleanup == nil {
				l.cleanup = time.AfterFunc(l.sweepEvery, l.sweep)
			}
		}
		l.mu.Unlock()
	}

	return tb.AllowN(n)
}

// Remove drops a client's bucket.
func (l *Limiter) Remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, clientID)
	if len(l.buckets) == 0 && l.cleanup != nil {
		l.cleanup.Stop()
		l.cleanup = nil
	}
}

// sweep bounds the tracking table; with no per-bucket activity times the
// eviction set is arbitrary.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buckets) > l.maxClients*2 {
		kept := make(map[string]*TokenBucket, l.maxClients)
		for k, v := range l.buckets {
			if len(kept) >= l.maxClients {
				break
			}
			kept[k] = v
		}
		l.buckets = kept
	}

	if len(l.buckets) == 0 {
		l.cleanup = nil
		return
	}
	l.cleanup = time.AfterFunc(l.sweepEvery, l.sweep)
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Close stops the sweep timer.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cleanup != nil {
		l.cleanup.Stop()
		l.cleanup = nil
	}
}

// ConnLimiter caps the number of concurrent connections with a single
// shared counter.
type ConnLimiter struct {
	max    int64
	active atomic.Int64
}

// NewConnLimiter creates a limiter admitting at most max concurrent
// connections; max <= 0 means unlimited.
func NewConnLimiter(max int64) *ConnLimiter {
	return &ConnLimiter{max: max}
}

// Acquire reserves a slot. The returned guard must be released exactly
// once when the connection ends; releasing it again is a no-op.
func (cl *ConnLimiter) Acquire() (*Guard, error) {
	if n := cl.active.Add(1); cl.max > 0 && n > cl.max {
		cl.active.Add(-1)
		return nil, errors.ErrRateLimited
	}
	return &Guard{cl: cl}, nil
}

// Active returns the number of currently held slots.
func (cl *ConnLimiter) Active() int64 {
	return cl.active.Load()
}

// Guard is one reserved connection slot.
type Guard struct {
	cl   *ConnLimiter
	once sync.Once
}

// Release returns the slot. Safe to call from both the normal and the
// abnormal teardown path; only the first call counts.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.cl.active.Add(-1)
	})
}
