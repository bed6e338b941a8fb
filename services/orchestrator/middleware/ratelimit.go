// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/aleutian-chat/services/orchestrator/datatypes"
)

const (
	// DefaultRateLimitRequests is the per-client request allowance.
	DefaultRateLimitRequests = 100
	// DefaultRateLimitWindow is the period the allowance refills over.
	DefaultRateLimitWindow = 15 * time.Minute
)

// RateLimitConfig configures RateLimiter.
type RateLimitConfig struct {
	// Requests is the burst a fresh client may send.
	Requests int
	// Window is the time it takes to refill Requests tokens.
	Window time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles requests per client IP with a token bucket: a client
// may burst Requests calls and then gets one more every Window/Requests.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	window   time.Duration
	now      func() time.Time
	lastGC   time.Time
}

// NewRateLimiter builds a limiter. Non-positive values take the defaults.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Requests <= 0 {
		cfg.Requests = DefaultRateLimitRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultRateLimitWindow
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Every(cfg.Window / time.Duration(cfg.Requests)),
		burst:    cfg.Requests,
		window:   cfg.Window,
		now:      time.Now,
	}
}

// Allow reports whether key may make a request now. When it may not, the
// returned duration is how long until it may.
func (r *RateLimiter) Allow(key string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.collect(now)

	v, ok := r.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.visitors[key] = v
	}
	v.lastSeen = now

	res := v.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// collect drops clients idle for a full window; their bucket would be full
// again anyway. It runs at most once per window.
func (r *RateLimiter) collect(now time.Time) {
	if now.Sub(r.lastGC) < r.window {
		return
	}
	r.lastGC = now
	for key, v := range r.visitors {
		if now.Sub(v.lastSeen) >= r.window {
			delete(r.visitors, key)
		}
	}
}

// Middleware rejects over-limit clients with 429 and a Retry-After header.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	message := fmt.Sprintf("Too many requests from this IP, please try again after %s", humanizeWindow(r.window))
	return func(c *gin.Context) {
		ok, wait := r.Allow(c.ClientIP())
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, datatypes.ErrorResponse{Message: message})
			return
		}
		c.Next()
	}
}

func humanizeWindow(d time.Duration) string {
	switch {
	case d%time.Hour == 0 && d >= time.Hour:
		return plural(int(d/time.Hour), "hour")
	case d%time.Minute == 0 && d >= time.Minute:
		return plural(int(d/time.Minute), "minute")
	default:
		return d.String()
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
