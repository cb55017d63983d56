package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/signalpost/ratewatch/internal/obs"
	"github.com/signalpost/ratewatch/internal/ratelimit"
)

// Rule binds one limit scope to the requests it covers and the key that
// discriminates callers within it. An empty PathPrefix matches every path,
// nil Methods matches every method.
type Rule struct {
	Scope      string
	Policy     ratelimit.Policy
	PathPrefix string
	Methods    map[string]struct{}
	Key        KeyFunc
}

func (ru Rule) matches(r *http.Request) bool {
	if ru.Methods != nil {
		if _, ok := ru.Methods[strings.ToUpper(r.Method)]; !ok {
			return false
		}
	}
	if ru.PathPrefix == "" {
		return true
	}
	return r.URL.Path == ru.PathPrefix || strings.HasPrefix(r.URL.Path, ru.PathPrefix+"/")
}

type rateLimitError struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// RateLimit checks every matching rule in order and short-circuits with 429
// on the first rejection. Successful responses carry the X-RateLimit-*
// headers of the last matching rule; degraded (failed-open) decisions carry
// none. Limiter errors never block the request.
func RateLimit(
	lim ratelimit.Limiter,
	rules []Rule,
	skip map[string]struct{},
	log zerolog.Logger,
	m *obs.Metrics,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			for _, rule := range rules {
				if !rule.matches(r) {
					continue
				}

				id := "unknown"
				if rule.Key != nil {
					if k := rule.Key(r); k != "" {
						id = k
					}
				}

				res, err := lim.Check(r.Context(), ratelimit.Key{Scope: rule.Scope, ID: id}, rule.Policy)
				if err != nil {
					log.Warn().Err(err).
						Str("scope", rule.Scope).
						Str("key", id).
						Msg("rate limit check failed, failing open")
					if m != nil {
						m.LimiterErrors.WithLabelValues(rule.Scope).Inc()
					}
				}
				if res.Degraded {
					continue
				}

				setLimitHeaders(w, res)

				if !res.Allowed {
					if m != nil {
						m.RateLimited.WithLabelValues(rule.Scope).Inc()
					}
					log.Warn().
						Str("scope", rule.Scope).
						Str("key", id).
						Int("limit", res.Limit).
						Msg("rate limit exceeded")

					retry := retryAfterSeconds(res.RetryAfter)
					w.Header().Set("Retry-After", strconv.Itoa(retry))
					writeJSON(w, http.StatusTooManyRequests, rateLimitError{
						Error:             "RateLimitExceeded",
						Message:           "Too many requests. Please try again later.",
						RetryAfterSeconds: retry,
					})
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	remaining := res.Remaining
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
