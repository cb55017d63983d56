package store

import (
	"context"
	"time"
)

// Member is one entry of a score-ordered set.
type Member struct {
	Value string
	Score float64
}

// Admission is the outcome of the composed trim-count-insert operation.
type Admission struct {
	Allowed bool
	// Count is the number of live entries in the window before the decision.
	Count int64
	// OldestScore is the score of the oldest entry retained after the
	// decision, 0 when the set is empty.
	OldestScore int64
}

// RequestSample bundles every write RecordSample must apply as one unit:
// the endpoint index, the per-endpoint and per-status counters, the optional
// error counter and the latency sample with its retention trim.
type RequestSample struct {
	EndpointSetKey string
	Endpoint       string

	RequestCountKey string
	StatusCountKey  string
	StatusField     string

	// ErrorCountKey is empty when the request did not count as an error.
	ErrorCountKey string

	LatencyKey    string
	LatencyMember string
	LatencyScore  float64
	// KeepSamples trims the latency set to the most recent N entries.
	// Zero disables the count bound.
	KeepSamples int64

	TTL time.Duration
}

// Store is the shared key-value contract the limiter and the recorder
// coordinate through. Implementations must apply AdmitWindowEntry and
// RecordSample indivisibly with respect to any other caller of the same
// keys; the individual primitives carry no such guarantee.
type Store interface {
	Increment(ctx context.Context, key string) (int64, error)
	GetInt(ctx context.Context, key string) (int64, error)

	HashIncrBy(ctx context.Context, key, field string, delta int64) error
	HashGetAll(ctx context.Context, key string) (map[string]int64, error)

	SortedSetAdd(ctx context.Context, key, member string, score float64) error
	SortedSetRemoveRangeByScore(ctx context.Context, key string, min, max float64) error
	SortedSetCard(ctx context.Context, key string) (int64, error)
	SortedSetRange(ctx context.Context, key string, start, stop int64) ([]Member, error)

	SetAdd(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// AdmitWindowEntry removes entries scored at or below windowStart
	// (an entry exactly one window old is already expired), counts the
	// survivors and, when the count is under limit, inserts member at
	// score now and refreshes the key TTL. The reject path leaves the
	// set untouched apart from the trim.
	AdmitWindowEntry(ctx context.Context, key, member string, windowStart, now, limit int64, ttl time.Duration) (Admission, error)

	// RecordSample applies every write in the sample as one unit.
	RecordSample(ctx context.Context, s RequestSample) error

	Close() error
}
