// Package metrics aggregates request metrics across workers through the
// shared store. Writes are best-effort: a store failure degrades metrics,
// never the request being measured.
package metrics

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/signalpost/ratewatch/internal/store"
)

const (
	DefaultMaxSamples = 1000
	DefaultTTL        = time.Hour
)

// Recorder writes per-endpoint counters and latency samples to the shared
// store and materializes snapshots on demand. It holds no counts locally.
type Recorder struct {
	store      store.Store
	log        zerolog.Logger
	prefix     string
	maxSamples int64
	ttl        time.Duration
	disabled   bool
	now        func() time.Time
	onError    func(op string)
}

type Option func(*Recorder)

func WithLogger(log zerolog.Logger) Option {
	return func(r *Recorder) { r.log = log }
}

// WithPrefix overrides the storage key namespace (default "metrics").
func WithPrefix(prefix string) Option {
	return func(r *Recorder) { r.prefix = strings.Trim(prefix, ":") }
}

// WithRetention bounds latency sets: keep at most maxSamples recent samples
// and expire idle keys after ttl. Zero values keep the defaults.
func WithRetention(maxSamples int64, ttl time.Duration) Option {
	return func(r *Recorder) {
		if maxSamples > 0 {
			r.maxSamples = maxSamples
		}
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Disabled turns every method into a no-op returning empty snapshots.
func Disabled(disabled bool) Option {
	return func(r *Recorder) { r.disabled = disabled }
}

// OnStoreError installs a hook called with the failing operation name,
// used to feed process-local error counters.
func OnStoreError(hook func(op string)) Option {
	return func(r *Recorder) { r.onError = hook }
}

func New(st store.Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:      st,
		log:        zerolog.Nop(),
		prefix:     "metrics",
		maxSamples: DefaultMaxSamples,
		ttl:        DefaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordRequest counts one finished request and appends its latency sample.
// The counter increments and the sample insert go to the store as one unit.
func (r *Recorder) RecordRequest(ctx context.Context, endpoint string, status int, duration time.Duration) {
	if r.disabled {
		return
	}

	nowMs := r.now().UnixMilli()
	durMs := float64(duration) / float64(time.Millisecond)

	sample := store.RequestSample{
		EndpointSetKey:  r.key("endpoints"),
		Endpoint:        endpoint,
		RequestCountKey: r.key("request_counts"),
		StatusCountKey:  r.key("status_counts"),
		StatusField:     strconv.Itoa(status),
		LatencyKey:      r.latencyKey(endpoint),
		LatencyMember:   latencyMember(nowMs, durMs),
		LatencyScore:    float64(nowMs),
		KeepSamples:     r.maxSamples,
		TTL:             r.ttl,
	}
	if status >= 400 {
		sample.ErrorCountKey = r.key("error_count")
	}

	if err := r.store.RecordSample(ctx, sample); err != nil {
		r.fail("record_request", err)
	}
}

// RecordBusinessEvent increments a caller-named counter unrelated to HTTP
// status, e.g. "registrations" or "activations".
func (r *Recorder) RecordBusinessEvent(ctx context.Context, name string) {
	if r.disabled || name == "" {
		return
	}
	key := r.key("business")
	if err := r.store.HashIncrBy(ctx, key, name, 1); err != nil {
		r.fail("record_business_event", err)
		return
	}
	if err := r.store.Expire(ctx, key, r.ttl); err != nil {
		r.fail("record_business_event", err)
	}
}

// Snapshot reads all counters and computes nearest-rank latency percentiles
// over the retained samples. Store failures yield a partial snapshot with
// Degraded set instead of an error.
func (r *Recorder) Snapshot(ctx context.Context) Snapshot {
	snap := emptySnapshot()
	if r.disabled {
		return snap
	}

	if counts, err := r.store.HashGetAll(ctx, r.key("request_counts")); err != nil {
		r.degrade(&snap, "request_counts", err)
	} else {
		snap.RequestCounts = counts
	}

	if counts, err := r.store.HashGetAll(ctx, r.key("status_counts")); err != nil {
		r.degrade(&snap, "status_counts", err)
	} else {
		snap.StatusCounts = counts
	}

	if n, err := r.store.GetInt(ctx, r.key("error_count")); err != nil {
		r.degrade(&snap, "error_count", err)
	} else {
		snap.ErrorCount = n
	}

	if business, err := r.store.HashGetAll(ctx, r.key("business")); err != nil {
		r.degrade(&snap, "business", err)
	} else {
		snap.BusinessMetrics = business
	}

	endpoints, err := r.store.SetMembers(ctx, r.key("endpoints"))
	if err != nil {
		r.degrade(&snap, "endpoints", err)
		return snap
	}
	for _, ep := range endpoints {
		members, err := r.store.SortedSetRange(ctx, r.latencyKey(ep), 0, -1)
		if err != nil {
			r.degrade(&snap, "latencies", err)
			continue
		}
		if stats, ok := latencyStats(members); ok {
			snap.Latencies[ep] = stats
		}
	}
	return snap
}

// Reset deletes the whole metrics keyspace. Operational use only.
func (r *Recorder) Reset(ctx context.Context) error {
	if r.disabled {
		return nil
	}
	endpoints, err := r.store.SetMembers(ctx, r.key("endpoints"))
	if err != nil {
		return err
	}
	keys := []string{
		r.key("endpoints"),
		r.key("request_counts"),
		r.key("status_counts"),
		r.key("error_count"),
		r.key("business"),
	}
	for _, ep := range endpoints {
		keys = append(keys, r.latencyKey(ep))
	}
	return r.store.Delete(ctx, keys...)
}

func (r *Recorder) key(suffix string) string {
	return r.prefix + ":" + suffix
}

func (r *Recorder) latencyKey(endpoint string) string {
	return r.prefix + ":latencies:" + endpoint
}

func (r *Recorder) fail(op string, err error) {
	r.log.Warn().Err(err).Str("op", op).Msg("metrics write failed, skipping")
	if r.onError != nil {
		r.onError(op)
	}
}

func (r *Recorder) degrade(snap *Snapshot, section string, err error) {
	snap.Degraded = true
	r.log.Warn().Err(err).Str("section", section).Msg("metrics snapshot degraded")
	if r.onError != nil {
		r.onError("snapshot")
	}
}

// Samples are "nowMs:durationMs:uniqueID". The id keeps two identical
// durations landing on the same millisecond from overwriting each other.
func latencyMember(nowMs int64, durMs float64) string {
	return strconv.FormatInt(nowMs, 10) + ":" +
		strconv.FormatFloat(durMs, 'f', -1, 64) + ":" +
		xid.New().String()
}

func latencyStats(members []store.Member) (LatencyStats, bool) {
	durations := make([]float64, 0, len(members))
	for _, m := range members {
		parts := strings.SplitN(m.Value, ":", 3)
		if len(parts) < 2 {
			continue
		}
		d, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			continue
		}
		durations = append(durations, d)
	}
	if len(durations) == 0 {
		return LatencyStats{}, false
	}
	sort.Float64s(durations)
	return LatencyStats{
		Count: len(durations),
		P50:   nearestRank(durations, 50),
		P95:   nearestRank(durations, 95),
		P99:   nearestRank(durations, 99),
		Min:   durations[0],
		Max:   durations[len(durations)-1],
	}, true
}

// nearestRank picks the sample at rank ceil(p/100·n), clamped to [1, n],
// in the ascending order. No interpolation.
func nearestRank(sorted []float64, p int) float64 {
	n := len(sorted)
	rank := (p*n + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}
