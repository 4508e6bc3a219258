package http

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	defaultWritesPerMinute = 60
	rateWindow             = time.Minute
)

// rateLimiter counts mutating requests per client IP in fixed one-minute
// windows.
type rateLimiter struct {
	mu           sync.Mutex
	clients      map[string]*clientWindow
	limit        int
	now          func() time.Time
	stopCleanup  chan struct{}
	shutdownOnce sync.Once
}

type clientWindow struct {
	start    time.Time
	requests int
}

func newRateLimiter(perMinute int) *rateLimiter {
	if perMinute <= 0 {
		perMinute = defaultWritesPerMinute
	}
	rl := &rateLimiter{
		clients:     make(map[string]*clientWindow),
		limit:       perMinute,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	go rl.startCleanup()
	return rl
}

// startCleanup runs periodic cleanup to remove stale client entries.
func (rl *rateLimiter) startCleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanupStaleEntries()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *rateLimiter) cleanupStaleEntries() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-2 * rateWindow)
	for ip, c := range rl.clients {
		if c.start.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

func (rl *rateLimiter) stop() {
	rl.shutdownOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// allow records a request from clientIP and reports whether it is within the
// limit. The second result is the time until the window resets.
func (rl *rateLimiter) allow(clientIP string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	c, ok := rl.clients[clientIP]
	if !ok || now.Sub(c.start) >= rateWindow {
		rl.clients[clientIP] = &clientWindow{start: now, requests: 1}
		return true, 0
	}
	c.requests++
	if c.requests > rl.limit {
		return false, rateWindow - now.Sub(c.start)
	}
	return true, 0
}

// limitWrites rejects mutating requests over the per-client limit.
func (s *Server) limitWrites(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		ok, retry := s.limiter.allow(extractClientIP(r))
		if !ok {
			secs := int(retry.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
