/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package ratelimit gates log emission for datagrams arriving from
// unrecognized sources or failing to decode (§7, §8 P4). The packet
// itself is always dropped regardless of what this package decides;
// it only controls whether a log line is written, so a scanner
// sending garbage at the listen port cannot be used to flood the
// daemon's logs.
//
// This is adapted from the teacher's ratelimiter.go, which gated
// whether a peer may attempt a new handshake. lan-mouse has no
// handshake to gate, so the same token-bucket machinery is repointed
// at log-rate instead.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"
)

const (
	eventsPerSecond    = 5
	eventsBurstable    = 3
	garbageCollectTime = 10 * time.Second
	eventCost          = 1_000_000_000 / eventsPerSecond
	maxTokens          = eventCost * eventsBurstable
)

type entry struct {
	mu       sync.Mutex
	lastTime time.Time
	tokens   int64
}

// Limiter is a per-source-address token bucket. The zero value is not
// usable; construct with New.
type Limiter struct {
	mu      sync.RWMutex
	timeNow func() time.Time

	stopReset chan struct{}
	table     map[netip.Addr]*entry
}

// New constructs and starts a Limiter's background garbage collector.
func New() *Limiter {
	l := &Limiter{timeNow: time.Now}
	l.stopReset = make(chan struct{})
	l.table = make(map[netip.Addr]*entry)

	stopReset := l.stopReset
	go func() {
		ticker := time.NewTicker(time.Second)
		ticker.Stop()
		for {
			select {
			case _, ok := <-stopReset:
				ticker.Stop()
				if !ok {
					return
				}
				ticker = time.NewTicker(time.Second)
			case <-ticker.C:
				if l.cleanup() {
					ticker.Stop()
				}
			}
		}
	}()
	return l
}

// Close stops the garbage collector. Safe to call once.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopReset != nil {
		close(l.stopReset)
		l.stopReset = nil
	}
}

func (l *Limiter) cleanup() (empty bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.table {
		e.mu.Lock()
		if l.timeNow().Sub(e.lastTime) > garbageCollectTime {
			delete(l.table, key)
		}
		e.mu.Unlock()
	}
	return len(l.table) == 0
}

// AllowLog reports whether a log line may be emitted for ip right now.
func (l *Limiter) AllowLog(ip netip.Addr) bool {
	l.mu.RLock()
	e := l.table[ip]
	l.mu.RUnlock()

	if e == nil {
		e = &entry{tokens: maxTokens - eventCost, lastTime: l.timeNow()}
		l.mu.Lock()
		l.table[ip] = e
		if len(l.table) == 1 && l.stopReset != nil {
			l.stopReset <- struct{}{}
		}
		l.mu.Unlock()
		return true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := l.timeNow()
	e.tokens += now.Sub(e.lastTime).Nanoseconds()
	e.lastTime = now
	if e.tokens > maxTokens {
		e.tokens = maxTokens
	}
	if e.tokens > eventCost {
		e.tokens -= eventCost
		return true
	}
	return false
}
