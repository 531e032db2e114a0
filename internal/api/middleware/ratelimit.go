package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client request limiting on the API.
type RateLimitConfig struct {
	// Rate is requests per second per client address. Zero disables limiting.
	Rate  rate.Limit
	Burst int
	// Idle limiters older than MaxAge are evicted every Sweep.
	Sweep  time.Duration
	MaxAge time.Duration
}

// NewRateLimitConfig returns a config allowing perSecond requests with a
// burst of twice that.
func NewRateLimitConfig(perSecond int) RateLimitConfig {
	return RateLimitConfig{
		Rate:   rate.Limit(perSecond),
		Burst:  2 * perSecond,
		Sweep:  5 * time.Minute,
		MaxAge: 10 * time.Minute,
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter hands out one token bucket per client address.
type IPRateLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// NewIPRateLimiter creates a limiter. Idle entries are swept until ctx is done.
func NewIPRateLimiter(ctx context.Context, cfg RateLimitConfig) *IPRateLimiter {
	rl := &IPRateLimiter{
		cfg:     cfg,
		clients: make(map[string]*clientLimiter),
	}
	if cfg.Sweep > 0 {
		go rl.sweepLoop(ctx)
	}
	return rl
}

// Allow reports whether one more request from ip fits the budget.
func (rl *IPRateLimiter) Allow(ip string) bool {
	if rl.cfg.Rate <= 0 {
		return true
	}

	rl.mu.Lock()
	cl, ok := rl.clients[ip]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.clients[ip] = cl
	}
	cl.lastSeen = time.Now()
	rl.mu.Unlock()

	return cl.limiter.Allow()
}

func (rl *IPRateLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(rl.cfg.Sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep(time.Now().Add(-rl.cfg.MaxAge))
		case <-ctx.Done():
			return
		}
	}
}

// sweep drops limiters not used since cutoff.
func (rl *IPRateLimiter) sweep(cutoff time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, cl := range rl.clients {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("api rate limiter sweep", "removed", removed, "remaining", len(rl.clients))
	}
	return removed
}

// RateLimit returns middleware that answers 429 with a Retry-After header
// once a client exceeds its budget. Run chi's RealIP first when the API
// sits behind a proxy.
func RateLimit(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !limiter.Allow(ip) {
				slog.Warn("api rate limit exceeded", "ip", ip, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
