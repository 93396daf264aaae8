package auth

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig sets the per-client request rate.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DefaultRateLimitConfig allows 10 requests a second with bursts of 20.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 10, Burst: 20}
}

const (
	authMaxFailures = 10
	authWindow      = time.Minute
	authBlock       = 5 * time.Minute
	idleEvict       = 10 * time.Minute
	evictThreshold  = 1024
)

type client struct {
	requests     *rate.Limiter
	failures     *rate.Limiter
	blockedUntil time.Time
	lastSeen     time.Time
}

// Limiter keeps a token bucket per client for requests and a second one for
// failed authentication. Exhausting the failure bucket blocks the client.
type Limiter struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	clients map[string]*client
	now     func() time.Time
}

// NewLimiter creates a Limiter. A non-positive rate disables request limiting
// but keeps failure tracking.
func NewLimiter(cfg RateLimitConfig) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Limiter{cfg: cfg, clients: make(map[string]*client), now: time.Now}
}

func (l *Limiter) get(key string, now time.Time) *client {
	c, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= evictThreshold {
			l.evict(now)
		}
		reqLimit := rate.Inf
		if l.cfg.RequestsPerSecond > 0 {
			reqLimit = rate.Limit(l.cfg.RequestsPerSecond)
		}
		c = &client{
			requests: rate.NewLimiter(reqLimit, l.cfg.Burst),
			failures: rate.NewLimiter(rate.Every(authWindow/authMaxFailures), authMaxFailures),
		}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c
}

func (l *Limiter) evict(now time.Time) {
	for k, c := range l.clients {
		if now.Sub(c.lastSeen) > idleEvict && now.After(c.blockedUntil) {
			delete(l.clients, k)
		}
	}
}

// Allow reports whether key may make a request now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	return l.get(key, now).requests.AllowN(now, 1)
}

// Blocked returns how long key remains blocked, or zero.
func (l *Limiter) Blocked(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[key]
	if !ok {
		return 0
	}
	if d := c.blockedUntil.Sub(l.now()); d > 0 {
		return d
	}
	return 0
}

// Failure records a failed authentication and reports whether key is now
// blocked.
func (l *Limiter) Failure(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	c := l.get(key, now)
	if !c.failures.AllowN(now, 1) {
		c.blockedUntil = now.Add(authBlock)
		return true
	}
	return false
}

// Success forgets earlier failures for key.
func (l *Limiter) Success(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.clients[key]; ok {
		c.failures = rate.NewLimiter(rate.Every(authWindow/authMaxFailures), authMaxFailures)
		c.blockedUntil = time.Time{}
	}
}

// Middleware rejects clients over their request rate with 429.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(ClientIP(r)) {
			retry := 1
			if l.cfg.RequestsPerSecond > 0 && l.cfg.RequestsPerSecond < 1 {
				retry = int(1/l.cfg.RequestsPerSecond) + 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the first X-Forwarded-For address, or the host part of
// RemoteAddr.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
