// Package ratelimit provides sliding-window request admission per client.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type clientState struct {
	timestamps   []time.Time
	blockedUntil time.Time
}

// Limiter admits requests per client identity using a sliding window.
// A client that fills the window is blocked for the cooldown period;
// requests arriving while blocked are denied without being recorded.
type Limiter struct {
	mu       sync.Mutex
	clients  map[string]*clientState
	limit    int
	window   time.Duration
	cooldown time.Duration
	now      func() time.Time
}

// New creates a limiter allowing limit requests per window. A cooldown of
// zero defaults to the window length.
func New(limit int, window, cooldown time.Duration) *Limiter {
	if cooldown <= 0 {
		cooldown = window
	}
	return &Limiter{
		clients:  make(map[string]*clientState),
		limit:    limit,
		window:   window,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Allow reports whether a request from the client is admitted now. Admitted
// requests are recorded against the window.
func (l *Limiter) Allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, ok := l.clients[client]
	if !ok {
		state = &clientState{}
		l.clients[client] = state
	}

	if !state.blockedUntil.IsZero() {
		if now.Before(state.blockedUntil) {
			return false
		}
		state.blockedUntil = time.Time{}
		state.timestamps = state.timestamps[:0]
	}

	// Drop timestamps that fell out of the window.
	cutoff := now.Add(-l.window)
	kept := state.timestamps[:0]
	for _, ts := range state.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	state.timestamps = kept

	if len(state.timestamps) >= l.limit {
		state.blockedUntil = now.Add(l.cooldown)
		log.Warn().
			Str("client", client).
			Int("limit", l.limit).
			Dur("cooldown", l.cooldown).
			Msg("Rate limit exceeded, client blocked")
		return false
	}

	state.timestamps = append(state.timestamps, now)
	return true
}

// Sweep drops state for clients whose newest timestamp is older than twice
// the window and whose block has lapsed. Called from the periodic cleanup
// task.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stale := now.Add(-2 * l.window)
	removed := 0
	for client, state := range l.clients {
		if !state.blockedUntil.IsZero() && now.Before(state.blockedUntil) {
			continue
		}
		if n := len(state.timestamps); n > 0 && state.timestamps[n-1].After(stale) {
			continue
		}
		delete(l.clients, client)
		removed++
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("Swept stale rate limiter entries")
	}
	return removed
}

// Clients returns the number of tracked client entries.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
