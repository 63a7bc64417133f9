// Package ratelimit enforces the generative provider's quotas with two token
// buckets: one counting requests and one counting estimated cost units. A call
// proceeds only when both buckets can pay, and both are debited together.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultOutputEstimate is the fixed number of cost units reserved for the
// completion when estimating the cost of a prompt
const DefaultOutputEstimate = 2000

// ErrCostExceedsCapacity is returned when a single call could never be paid for
var ErrCostExceedsCapacity = errors.New("cost exceeds bucket capacity")

// minWait keeps the wait loop from spinning on rounding errors
const minWait = time.Millisecond

// Config sets the capacity of each bucket per interval
type Config struct {
	RequestsPerInterval int
	CostPerInterval     int
	Interval            time.Duration
}

// DefaultConfig matches the provider's published free-tier limits
func DefaultConfig() Config {
	return Config{
		RequestsPerInterval: 160,
		CostPerInterval:     1_600_000,
		Interval:            time.Minute,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.RequestsPerInterval <= 0 {
		c.RequestsPerInterval = def.RequestsPerInterval
	}
	if c.CostPerInterval <= 0 {
		c.CostPerInterval = def.CostPerInterval
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
}

// Stats is a point-in-time view of both buckets
type Stats struct {
	RequestsAvailable  float64 `json:"requestsAvailable"`
	RequestCapacity    int     `json:"requestCapacity"`
	RequestUtilization float64 `json:"requestUtilization"`
	CostAvailable      float64 `json:"costAvailable"`
	CostCapacity       int     `json:"costCapacity"`
	CostUtilization    float64 `json:"costUtilization"`
}

// Utilization returns the higher of the two bucket utilizations, in percent
func (s Stats) Utilization() float64 {
	return math.Max(s.RequestUtilization, s.CostUtilization)
}

// Limiter is a dual token bucket safe for concurrent use
type Limiter struct {
	cfg      Config
	requests *rate.Limiter
	cost     *rate.Limiter
	log      *zap.Logger
	now      func() time.Time

	mu sync.Mutex
}

// New creates a limiter whose buckets start full
func New(cfg Config, log *zap.Logger) *Limiter {
	cfg.normalize()
	if log == nil {
		log = zap.NewNop()
	}
	perSecond := func(capacity int) rate.Limit {
		return rate.Limit(float64(capacity) / cfg.Interval.Seconds())
	}
	return &Limiter{
		cfg:      cfg,
		requests: rate.NewLimiter(perSecond(cfg.RequestsPerInterval), cfg.RequestsPerInterval),
		cost:     rate.NewLimiter(perSecond(cfg.CostPerInterval), cfg.CostPerInterval),
		log:      log.Named("ratelimit"),
		now:      time.Now,
	}
}

// EstimateCost approximates the cost of a call as one unit per four characters
// of prompt plus a fixed allowance for the completion. The estimate is not
// reconciled against the usage the provider reports. Each HTTP attempt is
// debited separately: the content worker pays for the first and the API
// client pays again before each of its own retries.
func EstimateCost(prompt string, outputEstimate int) int {
	if outputEstimate <= 0 {
		outputEstimate = DefaultOutputEstimate
	}
	return utf8.RuneCountInString(prompt)/4 + outputEstimate
}

// tryDebit takes one request and cost units when both are available.
// Otherwise it returns how long until they will be. Callers hold l.mu.
func (l *Limiter) tryDebit(now time.Time, cost int) (bool, time.Duration) {
	reqDeficit := 1 - l.requests.TokensAt(now)
	costDeficit := float64(cost) - l.cost.TokensAt(now)
	if reqDeficit <= 0 && costDeficit <= 0 {
		l.requests.AllowN(now, 1)
		l.cost.AllowN(now, cost)
		return true, 0
	}

	var wait time.Duration
	if reqDeficit > 0 {
		wait = durationFor(reqDeficit, l.requests.Limit())
	}
	if costDeficit > 0 {
		if w := durationFor(costDeficit, l.cost.Limit()); w > wait {
			wait = w
		}
	}
	if wait < minWait {
		wait = minWait
	}
	return false, wait
}

func durationFor(tokens float64, limit rate.Limit) time.Duration {
	return time.Duration(tokens / float64(limit) * float64(time.Second))
}

func (c Config) checkCost(cost int) (int, error) {
	if cost < 0 {
		cost = 0
	}
	if cost > c.CostPerInterval {
		return 0, fmt.Errorf("%w: %d > %d", ErrCostExceedsCapacity, cost, c.CostPerInterval)
	}
	return cost, nil
}

// IsAvailable debits one request and cost units if both buckets can pay right
// now and reports whether it did
func (l *Limiter) IsAvailable(cost int) bool {
	cost, err := l.cfg.checkCost(cost)
	if err != nil {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	ok, _ := l.tryDebit(l.now(), cost)
	return ok
}

// WaitForAvailability blocks until one request and cost units can be debited,
// then debits both. It returns early with the context error when ctx ends.
func (l *Limiter) WaitForAvailability(ctx context.Context, cost int) error {
	cost, err := l.cfg.checkCost(cost)
	if err != nil {
		return err
	}

	waited := false
	for {
		l.mu.Lock()
		ok, wait := l.tryDebit(l.now(), cost)
		l.mu.Unlock()
		if ok {
			return nil
		}

		if !waited {
			l.log.Debug("rate limit reached, waiting",
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

// Stats returns current balances and utilization percentages
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	return statsFor(l.cfg, l.requests.TokensAt(now), l.cost.TokensAt(now))
}

func utilization(available float64, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	used := (float64(capacity) - available) / float64(capacity) * 100
	return math.Max(0, math.Min(100, used))
}

// Config returns the effective configuration
func (l *Limiter) Config() Config {
	return l.cfg
}
