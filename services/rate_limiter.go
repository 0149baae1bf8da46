package services

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateDecision is the outcome of one sliding-window check.
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter counts requests per key in a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (RateDecision, error)
}

// slidingWindowScript trims the window, admits when under the limit and otherwise reports how
// long until the oldest entry leaves the window. Times are milliseconds.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, limit - count - 1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = window
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

// RedisSlidingWindow shares the window across service replicas.
type RedisSlidingWindow struct {
	client redis.Scripter
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisSlidingWindow(client redis.Scripter, prefix string, limit int, window time.Duration) *RedisSlidingWindow {
	return &RedisSlidingWindow{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}
}

func (r *RedisSlidingWindow) Allow(ctx context.Context, key string) (RateDecision, error) {
	now := r.now().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()
	res, err := slidingWindowScript.Run(ctx, r.client, []string{r.prefix + key},
		now, r.window.Milliseconds(), r.limit, member).Int64Slice()
	if err != nil {
		return RateDecision{}, fmt.Errorf("sliding window check for %s: %w", key, err)
	}
	if len(res) != 3 {
		return RateDecision{}, fmt.Errorf("sliding window check for %s: unexpected reply %v", key, res)
	}
	return RateDecision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// MemorySlidingWindow is the single-process limiter used when Redis is not configured.
type MemorySlidingWindow struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewMemorySlidingWindow(limit int, window time.Duration) *MemorySlidingWindow {
	return &MemorySlidingWindow{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (m *MemorySlidingWindow) Allow(_ context.Context, key string) (RateDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.window)
	hits := m.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	if len(hits) >= m.limit {
		m.hits[key] = hits
		return RateDecision{Allowed: false, RetryAfter: hits[0].Add(m.window).Sub(now)}, nil
	}

	hits = append(hits, now)
	m.hits[key] = hits
	return RateDecision{Allowed: true, Remaining: m.limit - len(hits)}, nil
}

// Sweep drops keys whose entries have all left the window.
func (m *MemorySlidingWindow) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.window)
	for k, hits := range m.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(m.hits, k)
		}
	}
}
