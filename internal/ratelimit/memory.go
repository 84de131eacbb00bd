// Package ratelimit provides fixed-window request limiters keyed by an
// arbitrary string such as "POST:/v1/auth/login:203.0.113.9".
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Decision describes the outcome of one Take.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero when Allowed
}

// Limiter is implemented by Memory and Redis. Take records a hit for key
// whether or not it is allowed.
type Limiter interface {
	Take(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
	Reset(ctx context.Context, key string) error
}

type bucket struct {
	count       int
	windowStart time.Time
	window      time.Duration
}

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Memory is a process-local fixed-window limiter. Keys are spread over
// independently locked shards so unrelated keys rarely contend. A
// background goroutine drops expired buckets until Close is called.
type Memory struct {
	shards    [shardCount]shard
	now       func() time.Time
	stop      chan struct{}
	closeOnce sync.Once
}

var _ Limiter = (*Memory)(nil)

// NewMemory starts a limiter whose sweeper runs every cleanupEvery
// (one minute when <= 0).
func NewMemory(cleanupEvery time.Duration) *Memory {
	m := newMemory(time.Now)
	if cleanupEvery <= 0 {
		cleanupEvery = time.Minute
	}
	go m.cleanupLoop(cleanupEvery)
	return m
}

func newMemory(now func() time.Time) *Memory {
	m := &Memory{now: now, stop: make(chan struct{})}
	for i := range m.shards {
		m.shards[i].buckets = make(map[string]*bucket)
	}
	return m
}

// Allow records a hit for key and reports whether it is within limit hits
// per window. The first hit of a window starts it.
func (m *Memory) Allow(key string, limit int, window time.Duration) bool {
	d, _ := m.Take(context.Background(), key, limit, window)
	return d.Allowed
}

// Take implements Limiter.
func (m *Memory) Take(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := m.now()
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || now.Sub(b.windowStart) >= b.window {
		b = &bucket{windowStart: now, window: window}
		s.buckets[key] = b
	}
	b.count++

	d := Decision{Limit: limit, Remaining: max(limit-b.count, 0), Allowed: b.count <= limit}
	if !d.Allowed {
		d.RetryAfter = b.window - now.Sub(b.windowStart)
	}
	return d, nil
}

// Reset forgets key, typically after a successful login.
func (m *Memory) Reset(_ context.Context, key string) error {
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.buckets, key)
	s.mu.Unlock()
	return nil
}

// Close stops the sweeper. It is safe to call more than once.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) cleanup() int {
	now := m.now()
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for key, b := range s.buckets {
			if now.Sub(b.windowStart) >= b.window {
				delete(s.buckets, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (m *Memory) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%shardCount]
}
