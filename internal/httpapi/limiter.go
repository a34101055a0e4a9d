package httpapi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/heymex/MeshyMcMapface/internal/clock"
)

// RateLimiter decides whether an agent may submit another batch.
type RateLimiter interface {
	// Allow consumes one token for key. When denied, wait is how long until
	// a token is available.
	Allow(ctx context.Context, key string) (allowed bool, wait time.Duration, err error)
}

// ClaimState is the outcome of claiming an idempotency key.
type ClaimState int

const (
	// ClaimNew means the caller now owns the key.
	ClaimNew ClaimState = iota
	// ClaimInFlight means another request holds the key and has not finished.
	ClaimInFlight
	// ClaimDone means a request with this key was fully ingested.
	ClaimDone
)

// Deduper remembers idempotency keys of accepted deliveries.
type Deduper interface {
	// Claim takes key for lease while the request is processed.
	Claim(ctx context.Context, key string, lease time.Duration) (ClaimState, error)
	// Complete marks key ingested and keeps it for ttl.
	Complete(ctx context.Context, key string, ttl time.Duration) error
	// Release forgets key so a failed delivery can be retried.
	Release(ctx context.Context, key string) error
}

// RateLimit configures the per-agent token bucket.
type RateLimit struct {
	RPS   float64 `yaml:"rps" json:"rps"`
	Burst int     `yaml:"burst" json:"burst"`
}

// SetDefaults sets default values for unset fields
func (c *RateLimit) SetDefaults() {
	if c.RPS <= 0 {
		c.RPS = 5
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
}

const bucketScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local rps = tonumber(ARGV[3])

local t = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(t[1]) or burst
local ts = tonumber(t[2]) or now
local delta = math.max(0, now - ts)
tokens = math.min(burst, tokens + delta * rps / 1000.0)

if tokens >= 1.0 then
  tokens = tokens - 1.0
  redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
  redis.call('PEXPIRE', key, 60000)
  return {1, 0}
end

local wait_ms = math.ceil(1000.0 * (1.0 - tokens) / rps)
redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', key, 60000)
return {0, wait_ms}
`

// RedisLimiter is a token bucket per key kept in Redis, so every collector
// replica shares the same budget.
type RedisLimiter struct {
	rdb    *redis.Client
	limit  RateLimit
	script *redis.Script
	clock  clock.Clock
}

var _ RateLimiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a limiter backed by rdb.
func NewRedisLimiter(rdb *redis.Client, limit RateLimit, clk clock.Clock) *RedisLimiter {
	limit.SetDefaults()
	return &RedisLimiter{rdb: rdb, limit: limit, script: redis.NewScript(bucketScript), clock: clock.OrReal(clk)}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.clock.Now().UnixMilli()
	res, err := l.script.Run(ctx, l.rdb, []string{"rl:" + key}, now, l.limit.Burst, l.limit.RPS).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit: unexpected reply %v", res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

// MemoryLimiter is the in-process token bucket used without Redis.
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   RateLimit
	clock   clock.Clock
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	ts     time.Time
}

var _ RateLimiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(limit RateLimit, clk clock.Clock) *MemoryLimiter {
	limit.SetDefaults()
	return &MemoryLimiter{limit: limit, clock: clock.OrReal(clk), buckets: make(map[string]*bucket)}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := l.clock.Now()
	burst := float64(l.limit.Burst)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: burst, ts: now}
		l.buckets[key] = b
	}
	if elapsed := now.Sub(b.ts); elapsed > 0 {
		b.tokens = math.Min(burst, b.tokens+elapsed.Seconds()*l.limit.RPS)
	}
	b.ts = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0, nil
	}
	wait := time.Duration(math.Ceil((1 - b.tokens) / l.limit.RPS * float64(time.Second)))
	return false, wait, nil
}

// RedisDeduper stores idempotency keys with SET NX.
type RedisDeduper struct {
	rdb *redis.Client
}

var _ Deduper = (*RedisDeduper)(nil)

// NewRedisDeduper creates a deduper backed by rdb.
func NewRedisDeduper(rdb *redis.Client) *RedisDeduper {
	return &RedisDeduper{rdb: rdb}
}

const (
	claimPending = "pending"
	claimDone    = "done"
)

func (d *RedisDeduper) Claim(ctx context.Context, key string, lease time.Duration) (ClaimState, error) {
	ok, err := d.rdb.SetNX(ctx, "idem:"+key, claimPending, lease).Result()
	if err != nil {
		return ClaimInFlight, fmt.Errorf("idempotency claim: %w", err)
	}
	if ok {
		return ClaimNew, nil
	}
	v, err := d.rdb.Get(ctx, "idem:"+key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls; the retry will claim it
		return ClaimInFlight, nil
	}
	if err != nil {
		return ClaimInFlight, fmt.Errorf("idempotency lookup: %w", err)
	}
	if v == claimDone {
		return ClaimDone, nil
	}
	return ClaimInFlight, nil
}

func (d *RedisDeduper) Complete(ctx context.Context, key string, ttl time.Duration) error {
	return d.rdb.Set(ctx, "idem:"+key, claimDone, ttl).Err()
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.rdb.Del(ctx, "idem:"+key).Err()
}

// MemoryDeduper keeps idempotency keys in process.
type MemoryDeduper struct {
	mu    sync.Mutex
	clock clock.Clock
	keys  map[string]claim
}

type claim struct {
	expires time.Time
	done    bool
}

var _ Deduper = (*MemoryDeduper)(nil)

// NewMemoryDeduper creates an in-process deduper.
func NewMemoryDeduper(clk clock.Clock) *MemoryDeduper {
	return &MemoryDeduper{clock: clock.OrReal(clk), keys: make(map[string]claim)}
}

func (d *MemoryDeduper) Claim(_ context.Context, key string, lease time.Duration) (ClaimState, error) {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.keys[key]; ok && now.Before(c.expires) {
		if c.done {
			return ClaimDone, nil
		}
		return ClaimInFlight, nil
	}
	d.keys[key] = claim{expires: now.Add(lease)}
	return ClaimNew, nil
}

func (d *MemoryDeduper) Complete(_ context.Context, key string, ttl time.Duration) error {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[key] = claim{expires: now.Add(ttl), done: true}
	return nil
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, key)
	return nil
}

// Prune drops expired keys.
func (d *MemoryDeduper) Prune() int {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for k, c := range d.keys {
		if !now.Before(c.expires) {
			delete(d.keys, k)
			n++
		}
	}
	return n
}
