package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/rcourtman/kubebroker/internal/auth"
	"github.com/rcourtman/kubebroker/internal/utils"
)

const (
	rateLimiterEntries = 10000
	rateLimiterIdleTTL = 10 * time.Minute
)

// RateLimiter applies a token bucket per authenticated identity, or per client IP before
// authentication. Idle buckets age out of a bounded cache.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *expirable.LRU[string, *rate.Limiter]
}

// NewRateLimiter allows perMinute requests per minute with the given burst. A non-positive
// perMinute disables limiting.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perMinute / 6
		if burst < 5 {
			burst = 5
		}
	}
	return &RateLimiter{
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		limiters: expirable.NewLRU[string, *rate.Limiter](rateLimiterEntries, nil, rateLimiterIdleTTL),
	}
}

// Allow checks if a request for key is within the rate limit.
func (rl *RateLimiter) Allow(key string) bool {
	limiter, ok := rl.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters.Add(key, limiter)
	}
	return limiter.Allow()
}

// Handler rejects requests over the limit with 429.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, realm := rateKey(r)
		if !rl.Allow(key) {
			recordRateLimited(realm)
			log.Warn().Str("key", key).Str("path", r.URL.Path).Msg("Rate limit exceeded")

			retryAfter := int((time.Duration(float64(time.Second) / float64(rl.limit))).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeErrorResponse(w, r, http.StatusTooManyRequests, "rate_limited", "Too many requests. Please try again later.", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateKey(r *http.Request) (string, string) {
	if id, ok := auth.IdentityFrom(r.Context()); ok {
		return id.Realm + ":" + id.Name, id.Realm
	}
	ip := utils.GetClientIP(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"))
	return "ip:" + ip, "anonymous"
}
