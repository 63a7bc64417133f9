package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisPrefix namespaces the shared bucket keys
const DefaultRedisPrefix = "funnel:budget"

const statsTimeout = 500 * time.Millisecond

// Budget admits calls to the generative API. Limiter keeps the buckets in
// process memory; RedisLimiter shares them between processes.
type Budget interface {
	WaitForAvailability(ctx context.Context, cost int) error
	Stats() Stats
}

var (
	_ Budget = (*Limiter)(nil)
	_ Budget = (*RedisLimiter)(nil)
)

// debitScript refills both buckets from the server clock and debits them
// together when both can pay. It replies {ok, waitMs, requests, cost}.
var debitScript = redis.NewScript(`
local reqKey = KEYS[1]
local costKey = KEYS[2]
local reqCap = tonumber(ARGV[1])
local costCap = tonumber(ARGV[2])
local intervalMs = tonumber(ARGV[3])
local need = tonumber(ARGV[4])
local debit = ARGV[5] == "1"

local t = redis.call("TIME")
local nowMs = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local function level(key, capacity)
  local fields = redis.call("HMGET", key, "tokens", "ts")
  local tokens = tonumber(fields[1])
  local ts = tonumber(fields[2])
  if not tokens or not ts then
    return capacity
  end
  if nowMs > ts then
    tokens = math.min(capacity, tokens + (nowMs - ts) * capacity / intervalMs)
  end
  return tokens
end

local req = level(reqKey, reqCap)
local cost = level(costKey, costCap)

if debit and req >= 1 and cost >= need then
  req = req - 1
  cost = cost - need
  redis.call("HSET", reqKey, "tokens", tostring(req), "ts", nowMs)
  redis.call("HSET", costKey, "tokens", tostring(cost), "ts", nowMs)
  redis.call("PEXPIRE", reqKey, intervalMs * 2)
  redis.call("PEXPIRE", costKey, intervalMs * 2)
  return {1, 0, tostring(req), tostring(cost)}
end

local wait = 0
if req < 1 then
  wait = math.max(wait, (1 - req) * intervalMs / reqCap)
end
if cost < need then
  wait = math.max(wait, (need - cost) * intervalMs / costCap)
end
return {0, math.ceil(wait), tostring(req), tostring(cost)}
`)

// RedisLimiter is the dual token bucket kept in Redis so every worker
// process draws from one provider budget
type RedisLimiter struct {
	cfg     Config
	client  *redis.Client
	reqKey  string
	costKey string
	log     *zap.Logger

	mu   sync.Mutex
	last Stats
}

// NewRedis creates a limiter whose buckets live under prefix. Buckets that
// do not exist yet start full.
func NewRedis(client *redis.Client, prefix string, cfg Config, log *zap.Logger) *RedisLimiter {
	cfg.normalize()
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLimiter{
		cfg:     cfg,
		client:  client,
		reqKey:  prefix + ":requests",
		costKey: prefix + ":cost",
		log:     log.Named("ratelimit"),
		last:    statsFor(cfg, float64(cfg.RequestsPerInterval), float64(cfg.CostPerInterval)),
	}
}

// Config returns the effective configuration
func (l *RedisLimiter) Config() Config {
	return l.cfg
}

func (l *RedisLimiter) run(ctx context.Context, cost int, debit bool) (bool, time.Duration, error) {
	flag := "0"
	if debit {
		flag = "1"
	}
	res, err := debitScript.Run(ctx, l.client,
		[]string{l.reqKey, l.costKey},
		l.cfg.RequestsPerInterval, l.cfg.CostPerInterval, l.cfg.Interval.Milliseconds(), cost, flag,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("budget script failed: %w", err)
	}
	if len(res) != 4 {
		return false, 0, fmt.Errorf("unexpected budget reply %v", res)
	}

	ok, _ := res[0].(int64)
	waitMs, _ := res[1].(int64)
	reqAvail := parseBalance(res[2])
	costAvail := parseBalance(res[3])

	l.mu.Lock()
	l.last = statsFor(l.cfg, reqAvail, costAvail)
	l.mu.Unlock()

	wait := time.Duration(waitMs) * time.Millisecond
	if wait < minWait {
		wait = minWait
	}
	return ok == 1, wait, nil
}

func parseBalance(v interface{}) float64 {
	s, _ := v.(string)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// WaitForAvailability blocks until one request and cost units can be debited
// from the shared buckets, then debits both
func (l *RedisLimiter) WaitForAvailability(ctx context.Context, cost int) error {
	cost, err := l.cfg.checkCost(cost)
	if err != nil {
		return err
	}

	waited := false
	for {
		ok, wait, err := l.run(ctx, cost, true)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		if ok {
			return nil
		}

		if !waited {
			l.log.Debug("shared rate limit reached, waiting",
				zap.Int("cost", cost),
				zap.Duration("wait", wait),
			)
			waited = true
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Stats reads both balances without debiting. When Redis cannot be reached
// it returns the last balances seen.
func (l *RedisLimiter) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()
	if _, _, err := l.run(ctx, 0, false); err != nil && !errors.Is(err, context.Canceled) {
		l.log.Warn("failed to read shared budget", zap.Error(err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func statsFor(cfg Config, reqAvail, costAvail float64) Stats {
	reqAvail = math.Min(reqAvail, float64(cfg.RequestsPerInterval))
	costAvail = math.Min(costAvail, float64(cfg.CostPerInterval))
	return Stats{
		RequestsAvailable:  reqAvail,
		RequestCapacity:    cfg.RequestsPerInterval,
		RequestUtilization: utilization(reqAvail, cfg.RequestsPerInterval),
		CostAvailable:      costAvail,
		CostCapacity:       cfg.CostPerInterval,
		CostUtilization:    utilization(costAvail, cfg.CostPerInterval),
	}
}
