package dhcp

import (
	"net"
	"sync"
	"time"
)

// staleBucket is how long an idle per-MAC bucket is kept.
const staleBucket = 30 * time.Second

// RateLimiter is a token bucket over Discover messages: one global bucket
// and one per hardware address, both refilled once per second.
// A nil *RateLimiter allows everything.
type RateLimiter struct {
	globalLimit  int
	perMACLimit  int
	globalTokens int
	perMAC       map[string]*macBucket
	lastRefill   time.Time
	now          func() time.Time
	mu           sync.Mutex
}

type macBucket struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing globalLimit Discovers per second
// overall and perMACLimit per second from one client. Non-positive limits
// fall back to 100 and 10.
func NewRateLimiter(globalLimit, perMACLimit int) *RateLimiter {
	if globalLimit <= 0 {
		globalLimit = 100
	}
	if perMACLimit <= 0 {
		perMACLimit = 10
	}
	return &RateLimiter{
		globalLimit:  globalLimit,
		perMACLimit:  perMACLimit,
		globalTokens: globalLimit,
		perMAC:       make(map[string]*macBucket),
		lastRefill:   time.Now(),
		now:          time.Now,
	}
}

// Allow takes one token for mac. It returns false when either bucket is empty.
func (r *RateLimiter) Allow(mac net.HardwareAddr) bool {
	if r == nil {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.refill(now)

	if r.globalTokens <= 0 {
		return false
	}

	key := mac.String()
	bucket, ok := r.perMAC[key]
	if !ok {
		bucket = &macBucket{tokens: r.perMACLimit}
		r.perMAC[key] = bucket
	}
	bucket.lastSeen = now
	if bucket.tokens <= 0 {
		return false
	}

	r.globalTokens--
	bucket.tokens--
	return true
}

// refill tops up every bucket for each whole second since the last refill
// and forgets idle clients.
func (r *RateLimiter) refill(now time.Time) {
	intervals := int(now.Sub(r.lastRefill) / time.Second)
	if intervals <= 0 {
		return
	}
	r.lastRefill = r.lastRefill.Add(time.Duration(intervals) * time.Second)

	r.globalTokens = min(r.globalTokens+r.globalLimit*intervals, r.globalLimit)

	for key, bucket := range r.perMAC {
		if now.Sub(bucket.lastSeen) > staleBucket {
			delete(r.perMAC, key)
			continue
		}
		bucket.tokens = min(bucket.tokens+r.perMACLimit*intervals, r.perMACLimit)
	}
}

// Stats returns the global tokens left and the number of tracked clients.
func (r *RateLimiter) Stats() (globalTokens int, trackedMACs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.globalTokens, len(r.perMAC)
}
