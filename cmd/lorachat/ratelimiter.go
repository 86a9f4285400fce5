package main

import (
	"net/http"
	"sync"
	"time"

	apperrors "lorachat/internal/errors"
	"lorachat/internal/httputil"

	"github.com/sirupsen/logrus"
)

// RateLimiter is a per-client sliding window. A limit of zero or less blocks everything.
type RateLimiter struct {
	mu          sync.RWMutex
	requests    map[string][]time.Time
	limit       int
	window      time.Duration
	lastCleanup time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit < 0 {
		limit = 0
	}
	return &RateLimiter{
		requests:    make(map[string][]time.Time),
		limit:       limit,
		window:      window,
		lastCleanup: time.Now(),
	}
}

// Allow records a request from client and reports whether it fits the window.
func (rl *RateLimiter) Allow(client string) bool {
	now := time.Now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.limit == 0 {
		return false
	}

	if now.Sub(rl.lastCleanup) >= rl.window {
		rl.cleanup(cutoff)
		rl.lastCleanup = now
	}

	recent := prune(rl.requests[client], cutoff)
	if len(recent) >= rl.limit {
		rl.requests[client] = recent
		return false
	}
	rl.requests[client] = append(recent, now)
	return true
}

// SetLimit changes the per-window limit. Requests already recorded still count.
func (rl *RateLimiter) SetLimit(limit int) {
	if limit < 0 {
		limit = 0
	}
	rl.mu.Lock()
	rl.limit = limit
	rl.mu.Unlock()
}

// cleanup drops clients whose requests have all left the window. Callers hold mu.
func (rl *RateLimiter) cleanup(cutoff time.Time) {
	for client, times := range rl.requests {
		if recent := prune(times, cutoff); len(recent) == 0 {
			delete(rl.requests, client)
		} else {
			rl.requests[client] = recent
		}
	}
}

// prune keeps the timestamps after cutoff. times is ordered oldest first.
func prune(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}

// Middleware answers 429 once a client exceeds the limit.
func (rl *RateLimiter) Middleware(logger *logrus.Logger, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := httputil.GetClientIP(r, trustProxy)
			if !rl.Allow(ip) {
				logger.WithFields(logrus.Fields{
					"remote_ip":  ip,
					"url":        r.URL.Path,
					"request_id": apperrors.RequestIDFromContext(r.Context()),
				}).Warn("Rate limit exceeded")
				httputil.WriteError(w, r, logger, apperrors.NewRateLimitError(ip))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
