package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/signalpost/ratewatch/internal/store"
)

var ErrInvalidPolicy = errors.New("invalid rate limit policy")

// Key identifies one quota: a logical scope plus the discriminator the
// quota is counted against (client IP, account identity, endpoint label).
type Key struct {
	Scope string
	ID    string
}

type Policy struct {
	Limit  int
	Window time.Duration
}

func (p Policy) Validate() error {
	if p.Limit <= 0 {
		return fmt.Errorf("%w: limit must be > 0, got %d", ErrInvalidPolicy, p.Limit)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: window must be > 0, got %s", ErrInvalidPolicy, p.Window)
	}
	return nil
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the oldest retained entry falls out of the window.
	ResetAt    time.Time
	RetryAfter time.Duration
	// Degraded marks a fail-open decision taken because the store was
	// unreachable; header emission should be skipped.
	Degraded bool
}

type Limiter interface {
	Check(ctx context.Context, key Key, p Policy) (Result, error)
	Close() error
}

// SlidingWindow enforces a continuous trailing window per key. All state
// lives in the shared store; concurrent checks against the same key are
// serialized by the store's composed trim-count-insert operation.
type SlidingWindow struct {
	store    store.Store
	prefix   string
	disabled bool
	now      func() time.Time
}

type Option func(*SlidingWindow)

// WithPrefix overrides the storage key namespace (default "ratelimit").
func WithPrefix(prefix string) Option {
	return func(l *SlidingWindow) { l.prefix = prefix }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(l *SlidingWindow) { l.now = now }
}

// Disabled makes every check admit without touching the store.
func Disabled(disabled bool) Option {
	return func(l *SlidingWindow) { l.disabled = disabled }
}

func NewSlidingWindow(st store.Store, opts ...Option) *SlidingWindow {
	l := &SlidingWindow{
		store:  st,
		prefix: "ratelimit",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check decides whether one more event is admitted for key under p.
// On store failure it fails open: the returned result admits the event and
// the error is surfaced for logging, never for blocking the caller.
func (l *SlidingWindow) Check(ctx context.Context, key Key, p Policy) (Result, error) {
	now := l.now()

	if l.disabled {
		return Result{
			Allowed:   true,
			Limit:     p.Limit,
			Remaining: p.Limit,
			ResetAt:   now.Add(p.Window),
		}, nil
	}
	if err := p.Validate(); err != nil {
		return failOpen(p, now), err
	}

	nowMs := now.UnixMilli()
	windowStart := nowMs - p.Window.Milliseconds()

	adm, err := l.store.AdmitWindowEntry(ctx,
		l.storageKey(key), xid.New().String(),
		windowStart, nowMs, int64(p.Limit), p.Window,
	)
	if err != nil {
		return failOpen(p, now), fmt.Errorf("rate limit %s/%s: %w", key.Scope, key.ID, err)
	}

	resetAt := time.UnixMilli(adm.OldestScore + p.Window.Milliseconds())
	if adm.OldestScore == 0 {
		resetAt = now.Add(p.Window)
	}

	if !adm.Allowed {
		retry := resetAt.Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Result{
			Allowed:    false,
			Limit:      p.Limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retry,
		}, nil
	}

	return Result{
		Allowed:   true,
		Limit:     p.Limit,
		Remaining: p.Limit - int(adm.Count) - 1,
		ResetAt:   resetAt,
	}, nil
}

func (l *SlidingWindow) Close() error {
	return l.store.Close()
}

// Storage keys are "<prefix>:<scope>:<id>"; distinct (scope, id) pairs can
// never collide because scope names contain no separator.
func (l *SlidingWindow) storageKey(key Key) string {
	return l.prefix + ":" + key.Scope + ":" + key.ID
}

func failOpen(p Policy, now time.Time) Result {
	return Result{
		Allowed:   true,
		Limit:     p.Limit,
		Remaining: p.Limit,
		ResetAt:   now.Add(p.Window),
		Degraded:  true,
	}
}
