package admin

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/getfleetd/fleetd/pkg/httputil"
)

// Rate limiter defaults for the control API.
const (
	DefaultRateLimit float64 = 100
	DefaultBurstSize int     = 200

	cleanupInterval = time.Minute
	bucketTTL       = time.Minute
)

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time
}

// RateLimiter applies a per-client-IP token bucket to control API traffic.
type RateLimiter struct {
	rps   float64
	burst int

	mu      sync.RWMutex
	buckets map[string]*tokenBucket

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a rate limiter and starts its cleanup goroutine.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = DefaultRateLimit
	}
	if burst <= 0 {
		burst = DefaultBurstSize
	}
	rl := &RateLimiter{
		rps:     rps,
		burst:   burst,
		buckets: make(map[string]*tokenBucket),
		stop:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) allow(ip string) bool {
	now := time.Now()

	rl.mu.RLock()
	bucket, ok := rl.buckets[ip]
	rl.mu.RUnlock()
	if !ok {
		rl.mu.Lock()
		bucket, ok = rl.buckets[ip]
		if !ok {
			bucket = &tokenBucket{tokens: float64(rl.burst), lastUpdate: now}
			rl.buckets[ip] = bucket
		}
		rl.mu.Unlock()
	}

	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	bucket.tokens += now.Sub(bucket.lastUpdate).Seconds() * rl.rps
	if bucket.tokens > float64(rl.burst) {
		bucket.tokens = float64(rl.burst)
	}
	bucket.lastUpdate = now

	if bucket.tokens < 1 {
		return false
	}
	bucket.tokens--
	return true
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-bucketTTL)
			rl.mu.Lock()
			for ip, bucket := range rl.buckets {
				bucket.mu.Lock()
				stale := bucket.lastUpdate.Before(cutoff)
				bucket.mu.Unlock()
				if stale {
					delete(rl.buckets, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Middleware rejects clients that exceed the per-IP rate with 429 and a
// Retry-After hint.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !rl.allow(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(int(1/rl.rps)+1))
			httputil.WriteTooManyRequests(w, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
