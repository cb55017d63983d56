package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store with the same observable semantics as the
// redis backend. Meant for tests and single-process runs; expiry is lazy and
// nothing survives a restart.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	ints      map[string]int64
	hashes    map[string]map[string]int64
	zsets     map[string][]Member
	sets      map[string]map[string]struct{}
	deadlines map[string]time.Time
}

type MemoryOption func(*Memory)

// WithClock overrides the wall clock used for key expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:       time.Now,
		ints:      make(map[string]int64),
		hashes:    make(map[string]map[string]int64),
		zsets:     make(map[string][]Member),
		sets:      make(map[string]map[string]struct{}),
		deadlines: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Increment(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	m.ints[key]++
	return m.ints[key], nil
}

func (m *Memory) GetInt(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	return m.ints[key], nil
}

func (m *Memory) HashIncrBy(_ context.Context, key, field string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	m.hashIncr(key, field, delta)
	return nil
}

func (m *Memory) HashGetAll(_ context.Context, key string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	out := make(map[string]int64, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SortedSetAdd(_ context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	m.zadd(key, member, score)
	return nil
}

func (m *Memory) SortedSetRemoveRangeByScore(_ context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	kept := m.zsets[key][:0]
	for _, e := range m.zsets[key] {
		if e.Score >= min && e.Score <= max {
			continue
		}
		kept = append(kept, e)
	}
	m.zsets[key] = kept
	return nil
}

func (m *Memory) SortedSetCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	return int64(len(m.zsets[key])), nil
}

func (m *Memory) SortedSetRange(_ context.Context, key string, start, stop int64) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	zs := m.zsets[key]
	lo, hi, ok := rangeBounds(int64(len(zs)), start, stop)
	if !ok {
		return nil, nil
	}
	out := make([]Member, hi-lo+1)
	copy(out, zs[lo:hi+1])
	return out, nil
}

func (m *Memory) SetAdd(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	m.sadd(key, member)
	return nil
}

func (m *Memory) SetMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	out := make([]string, 0, len(m.sets[key]))
	for v := range m.sets[key] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	if m.exists(key) {
		m.deadlines[key] = m.now().Add(ttl)
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.drop(key)
	}
	return nil
}

func (m *Memory) AdmitWindowEntry(_ context.Context, key, member string, windowStart, now, limit int64, ttl time.Duration) (Admission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)

	kept := m.zsets[key][:0]
	for _, e := range m.zsets[key] {
		if int64(e.Score) <= windowStart {
			continue
		}
		kept = append(kept, e)
	}
	m.zsets[key] = kept

	count := int64(len(kept))
	adm := Admission{Count: count}
	if count < limit {
		adm.Allowed = true
		m.zadd(key, member, float64(now))
		m.deadlines[key] = m.now().Add(ttl)
	}
	if zs := m.zsets[key]; len(zs) > 0 {
		adm.OldestScore = int64(zs[0].Score)
	}
	return adm, nil
}

func (m *Memory) RecordSample(_ context.Context, s RequestSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sadd(s.EndpointSetKey, s.Endpoint)
	m.hashIncr(s.RequestCountKey, s.Endpoint, 1)
	m.hashIncr(s.StatusCountKey, s.StatusField, 1)
	if s.ErrorCountKey != "" {
		m.ints[s.ErrorCountKey]++
	}

	m.zadd(s.LatencyKey, s.LatencyMember, s.LatencyScore)
	if s.KeepSamples > 0 {
		if zs := m.zsets[s.LatencyKey]; int64(len(zs)) > s.KeepSamples {
			m.zsets[s.LatencyKey] = append([]Member(nil), zs[int64(len(zs))-s.KeepSamples:]...)
		}
	}

	if s.TTL > 0 {
		deadline := m.now().Add(s.TTL)
		for _, key := range []string{s.EndpointSetKey, s.RequestCountKey, s.StatusCountKey, s.LatencyKey} {
			m.deadlines[key] = deadline
		}
		if s.ErrorCountKey != "" {
			m.deadlines[s.ErrorCountKey] = deadline
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// --- internals, callers hold the lock ---

func (m *Memory) purge(key string) {
	if d, ok := m.deadlines[key]; ok && !m.now().Before(d) {
		m.drop(key)
	}
}

func (m *Memory) drop(key string) {
	delete(m.ints, key)
	delete(m.hashes, key)
	delete(m.zsets, key)
	delete(m.sets, key)
	delete(m.deadlines, key)
}

func (m *Memory) exists(key string) bool {
	if _, ok := m.ints[key]; ok {
		return true
	}
	if _, ok := m.hashes[key]; ok {
		return true
	}
	if _, ok := m.zsets[key]; ok {
		return true
	}
	_, ok := m.sets[key]
	return ok
}

func (m *Memory) hashIncr(key, field string, delta int64) {
	h := m.hashes[key]
	if h == nil {
		h = make(map[string]int64)
		m.hashes[key] = h
	}
	h[field] += delta
}

func (m *Memory) sadd(key, member string) {
	s := m.sets[key]
	if s == nil {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	s[member] = struct{}{}
}

func (m *Memory) zadd(key, member string, score float64) {
	zs := m.zsets[key]
	for i, e := range zs {
		if e.Value == member {
			zs = append(zs[:i], zs[i+1:]...)
			break
		}
	}
	i := sort.Search(len(zs), func(i int) bool { return zs[i].Score > score })
	zs = append(zs, Member{})
	copy(zs[i+1:], zs[i:])
	zs[i] = Member{Value: member, Score: score}
	m.zsets[key] = zs
}

// rangeBounds resolves redis-style start/stop indices, negatives counting
// from the end, into inclusive slice bounds.
func rangeBounds(n, start, stop int64) (int64, int64, bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}
