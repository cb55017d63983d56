package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/signalpost/ratewatch/internal/ratelimit"
	"github.com/signalpost/ratewatch/internal/store"
)

func registerRules(limit int) []Rule {
	return []Rule{{
		Scope:      "registration",
		Policy:     ratelimit.Policy{Limit: limit, Window: time.Hour},
		PathPrefix: "/register",
		Methods:    map[string]struct{}{"POST": {}},
		Key:        ClientIP,
	}}
}

func okHandler() (http.Handler, *int) {
	calls := 0
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	}), &calls
}

func TestRateLimitAllowsThenRejects(t *testing.T) {
	lim := ratelimit.NewSlidingWindow(store.NewMemory())
	next, calls := okHandler()
	h := RateLimit(lim, registerRules(2), nil, zerolog.Nop(), nil)(next)

	do := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "http://example/register", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	w1 := do()
	if w1.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w1.Code)
	}
	if got := w1.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Fatalf("expected limit header 2, got %q", got)
	}
	if got := w1.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Fatalf("expected remaining 1, got %q", got)
	}
	if got := w1.Header().Get("X-RateLimit-Reset"); got == "" {
		t.Fatal("expected reset header")
	}

	w2 := do()
	if got := w2.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("expected remaining 0, got %q", got)
	}

	w3 := do()
	if w3.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w3.Code)
	}
	if got := w3.Header().Get("Retry-After"); got == "" {
		t.Fatal("expected Retry-After header")
	}
	var body struct {
		Error             string `json:"error"`
		Message           string `json:"message"`
		RetryAfterSeconds int    `json:"retry_after_seconds"`
	}
	if err := json.NewDecoder(w3.Body).Decode(&body); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if body.Error != "RateLimitExceeded" {
		t.Fatalf("expected RateLimitExceeded, got %q", body.Error)
	}
	if body.RetryAfterSeconds < 1 || body.RetryAfterSeconds > 3600 {
		t.Fatalf("unexpected retry_after_seconds %d", body.RetryAfterSeconds)
	}

	if *calls != 2 {
		t.Fatalf("expected handler called twice, got %d", *calls)
	}
}

func TestRateLimitKeysAreIndependent(t *testing.T) {
	lim := ratelimit.NewSlidingWindow(store.NewMemory())
	next, _ := okHandler()
	h := RateLimit(lim, registerRules(1), nil, zerolog.Nop(), nil)(next)

	do := func(addr string) int {
		r := httptest.NewRequest(http.MethodPost, "http://example/register", nil)
		r.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	if code := do("10.0.0.1:1"); code != http.StatusOK {
		t.Fatalf("expected first client allowed, got %d", code)
	}
	if code := do("10.0.0.2:1"); code != http.StatusOK {
		t.Fatalf("expected second client allowed, got %d", code)
	}
	if code := do("10.0.0.1:9"); code != http.StatusTooManyRequests {
		t.Fatalf("expected first client limited, got %d", code)
	}
}

func TestRateLimitIgnoresOtherPathsAndMethods(t *testing.T) {
	lim := ratelimit.NewSlidingWindow(store.NewMemory())
	next, _ := okHandler()
	h := RateLimit(lim, registerRules(1), nil, zerolog.Nop(), nil)(next)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "http://example/register", nil),
		httptest.NewRequest(http.MethodPost, "http://example/registered-elsewhere", nil),
	} {
		req.RemoteAddr = "10.0.0.1:1"
		for i := 0; i < 3; i++ {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != http.StatusOK {
				t.Fatalf("%s %s: expected pass-through, got %d", req.Method, req.URL.Path, w.Code)
			}
		}
	}
}

func TestRateLimitSkipPaths(t *testing.T) {
	lim := ratelimit.NewSlidingWindow(store.NewMemory())
	next, _ := okHandler()
	rules := []Rule{{
		Scope:  "global",
		Policy: ratelimit.Policy{Limit: 1, Window: time.Hour},
		Key:    ClientIP,
	}}
	skip := map[string]struct{}{"/health": {}}
	h := RateLimit(lim, rules, skip, zerolog.Nop(), nil)(next)

	for i := 0; i < 5; i++ {
		r := httptest.NewRequest(http.MethodGet, "http://example/health", nil)
		r.RemoteAddr = "10.0.0.1:1"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("expected skip path unthrottled, got %d", w.Code)
		}
	}
}

type downLimiter struct{}

func (downLimiter) Check(_ context.Context, _ ratelimit.Key, p ratelimit.Policy) (ratelimit.Result, error) {
	return ratelimit.Result{
		Allowed:   true,
		Limit:     p.Limit,
		Remaining: p.Limit,
		Degraded:  true,
	}, errors.New("connection refused")
}

func (downLimiter) Close() error { return nil }

func TestRateLimitFailsOpenOnStoreOutage(t *testing.T) {
	next, calls := okHandler()
	h := RateLimit(downLimiter{}, registerRules(1), nil, zerolog.Nop(), nil)(next)

	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodPost, "http://example/register", nil)
		r.RemoteAddr = "10.0.0.1:1"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("expected fail-open 200, got %d", w.Code)
		}
		if got := w.Header().Get("X-RateLimit-Limit"); got != "" {
			t.Fatalf("expected no limit headers on degraded decision, got %q", got)
		}
	}
	if *calls != 3 {
		t.Fatalf("expected every request served, got %d", *calls)
	}
}
