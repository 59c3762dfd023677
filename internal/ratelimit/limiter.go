// Package ratelimit implements the per-route, per-key rate limiter and
// request body cap (C10), generalizing the teacher's token-bucket
// middleware (one x/time/rate limiter per route+identifier bucket, API
// key preferred over source address) to the gateway's fixed per-minute
// floors instead of the teacher's per-product rate table.
package ratelimit

import (
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit configures one named route bucket. RatePerSecond/Burst are
// expressed as a token bucket; Tokens lets specific "METHOD /path"
// combinations cost more than the default, mirroring the teacher's
// per-endpoint token weighting.
type RateLimit struct {
	RatePerSecond float64
	Burst         int
	Tokens        map[string]int
	DefaultTokens int
}

// PerMinute is a convenience constructor: a route allowed N requests per
// minute, bursting up to N in one window.
func PerMinute(n int) RateLimit {
	return RateLimit{RatePerSecond: float64(n) / 60.0, Burst: n}
}

// DefaultLimits returns the gateway's required floors from the rate
// limiter section: evaluate <=120/min, execute <=60/min, login <=10/min,
// and a global default of 200/min for everything else.
func DefaultLimits() map[string]RateLimit {
	return map[string]RateLimit{
		"evaluate": PerMinute(120),
		"execute":  PerMinute(60),
		"login":    PerMinute(10),
		"default":  PerMinute(200),
	}
}

type rateEntry struct {
	limiter *rate.Limiter
}

// RateLimiter enforces RateLimit buckets per (route key, client identity).
type RateLimiter struct {
	logger   *log.Logger
	limits   map[string]RateLimit
	mu       sync.RWMutex
	visitors map[string]*rateEntry
	clockNow func() time.Time
}

// NewRateLimiter builds a RateLimiter over the given named buckets.
func NewRateLimiter(limits map[string]RateLimit, logger *log.Logger) *RateLimiter {
	if logger == nil {
		logger = log.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: make(map[string]*rateEntry),
		clockNow: time.Now,
	}
}

// Middleware returns an http middleware enforcing the named bucket. If the
// route key isn't configured, requests pass through unmetered. Over-limit
// requests get HTTP 429 with a Retry-After header.
func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[key]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			identifier := clientID(req)
			bucketKey := key + "|" + identifier
			limiter := r.obtainLimiter(bucketKey, limit)
			tokens := r.tokensFor(limit, req)

			reservation := limiter.ReserveN(r.clockNow(), tokens)
			if !reservation.OK() || reservation.Delay() > 0 {
				if reservation.OK() {
					reservation.Cancel()
				}
				retryAfter := retryAfterSeconds(limit, tokens)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func retryAfterSeconds(limit RateLimit, tokens int) int {
	perSecond := limit.RatePerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	seconds := float64(tokens) / perSecond
	if seconds < 1 {
		return 1
	}
	return int(seconds) + 1
}

func (r *RateLimiter) obtainLimiter(id string, cfg RateLimit) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.visitors[id]
	if ok {
		return entry.limiter
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors[id] = &rateEntry{limiter: limiter}
	go r.cleanup(id)
	return limiter
}

func (r *RateLimiter) tokensFor(limit RateLimit, req *http.Request) int {
	if len(limit.Tokens) == 0 {
		if limit.DefaultTokens > 0 {
			return limit.DefaultTokens
		}
		return 1
	}
	lookup := strings.ToUpper(req.Method) + " " + req.URL.Path
	if tokens, ok := limit.Tokens[lookup]; ok && tokens > 0 {
		return tokens
	}
	if limit.DefaultTokens > 0 {
		return limit.DefaultTokens
	}
	return 1
}

func (r *RateLimiter) cleanup(id string) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		r.mu.Lock()
		delete(r.visitors, id)
		r.mu.Unlock()
		return
	}
}

func clientID(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get("X-API-Key")); apiKey != "" {
		return "api-key:" + apiKey
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if parsed := net.ParseIP(ip); parsed != nil {
			return parsed.String()
		}
		if comma := strings.IndexByte(ip, ','); comma > 0 {
			trimmed := strings.TrimSpace(ip[:comma])
			if parsed := net.ParseIP(trimmed); parsed != nil {
				return parsed.String()
			}
		}
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
