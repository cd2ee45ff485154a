package utils

import (
	"sync"
	"time"
)

// -----------------------------------------------------------------------------
// Per-IP Rate Limiting (sliding one-hour window)
// -----------------------------------------------------------------------------

// RateLimiter counts requests per IP over the trailing hour.
type RateLimiter struct {
	maximum   int
	whitelist map[string]struct{}
	requests  map[string][]time.Time
	mu        sync.Mutex
	now       func() time.Time
}

// -----------------------------------------------------------------------------

func NewRateLimiter(maximum int, whitelist []string) *RateLimiter {
	wl := make(map[string]struct{}, len(whitelist))
	for _, ip := range whitelist {
		wl[ip] = struct{}{}
	}
	return &RateLimiter{
		maximum:   maximum,
		whitelist: wl,
		requests:  make(map[string][]time.Time),
		now:       time.Now,
	}
}

// -----------------------------------------------------------------------------

// Allow reports whether ip may issue one more request, and records it.
// Whitelisted IPs are always allowed and never recorded.
func (rl *RateLimiter) Allow(ip string) bool {
	if _, ok := rl.whitelist[ip]; ok {
		return true
	}
	if rl.maximum <= 0 { // limit disabled
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.clean()
	if len(rl.requests[ip]) >= rl.maximum {
		return false
	}
	rl.requests[ip] = append(rl.requests[ip], rl.now())
	return true
}

// -----------------------------------------------------------------------------

// clean drops entries older than one hour. Caller holds the lock.
func (rl *RateLimiter) clean() {
	cutoff := rl.now().Add(-time.Hour)
	for ip, times := range rl.requests {
		kept := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(rl.requests, ip)
		} else {
			rl.requests[ip] = kept
		}
	}
}
