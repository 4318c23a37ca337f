// Package ratelimit throttles repeat connections from a single source IP,
// adapted from the teacher's controller/server.go ipCache WAF check: it
// guards the local proxy front-end (C8) from a runaway local client
// exhausting the tunnel's limited chat-transport bandwidth.
package ratelimit

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Limiter counts requests per IP within a fixed window that starts at the
// IP's first counted request (later requests do not extend it) and reports
// when an IP should be refused.
type Limiter struct {
	counts *cache.Cache
	limit  int
}

// New creates a Limiter allowing up to limit requests per window per IP.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		counts: cache.New(window, window*2),
		limit:  limit,
	}
}

// Allow records one request from ip and reports whether it is still within
// the limit. The very first call for an IP always returns true.
func (l *Limiter) Allow(ip string) bool {
	if count, found := l.counts.Get(ip); found {
		n := count.(int)
		if n >= l.limit {
			return false
		}
		_ = l.counts.Increment(ip, 1)
		return true
	}
	l.counts.Set(ip, 1, cache.DefaultExpiration)
	return true
}
