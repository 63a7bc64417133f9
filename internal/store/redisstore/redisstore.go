// Package redisstore is the durable queue.Store backed by Redis. Every state
// transition runs in a Lua script so concurrent workers in several processes
// observe a job in exactly one state.
package redisstore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/funnelsmith/api/internal/model"
	"github.com/funnelsmith/api/internal/queue"
)

const (
	defaultPrefix       = "funnel:queue"
	defaultDialTimeout  = 10 * time.Second
	defaultCmdTimeout   = 8 * time.Second
	defaultRetries      = 5
	maxBlockingWait     = time.Second
	shortWaitPoll       = 50 * time.Millisecond
	connectBackoffStep  = 500 * time.Millisecond
	connectBackoffLimit = 5 * time.Second
)

// Config configures the Redis connection and key namespace
type Config struct {
	Addr           string
	Password       string
	DB             int
	TLS            bool
	Prefix         string
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	ConnectRetries int
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultPrefix
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCmdTimeout
	}
	if c.ConnectRetries < 0 {
		c.ConnectRetries = 0
	} else if c.ConnectRetries == 0 {
		c.ConnectRetries = defaultRetries
	}
}

// Options returns the go-redis options for cfg
func (c Config) Options() *redis.Options {
	c.normalize()
	opts := &redis.Options{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.CommandTimeout,
		WriteTimeout: c.CommandTimeout,
	}
	if c.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Store implements queue.Store on Redis
type Store struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
	owned  bool

	mu     sync.RWMutex
	closed bool
}

var _ queue.Store = (*Store)(nil)

// Connect dials Redis and verifies the connection, retrying with a capped
// linear backoff. It returns queue.ErrStoreUnavailable when every attempt fails.
func Connect(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	cfg.normalize()
	client := redis.NewClient(cfg.Options())

	if err := Ping(ctx, client, cfg.ConnectRetries, log); err != nil {
		client.Close()
		return nil, err
	}

	s := NewFromClient(client, cfg.Prefix, log)
	s.owned = true
	return s, nil
}

// NewFromClient wraps an existing client. The caller keeps ownership of it.
func NewFromClient(client *redis.Client, prefix string, log *zap.Logger) *Store {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		client: client,
		prefix: prefix,
		log:    log.Named("redisstore"),
	}
}

// Ping checks client connectivity, retrying up to retries extra times
func Ping(ctx context.Context, client *redis.Client, retries int, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackoff{step: connectBackoffStep, max: connectBackoffLimit}, uint64(retries)),
		ctx,
	)

	err := backoff.RetryNotify(func() error {
		return client.Ping(ctx).Err()
	}, policy, func(err error, wait time.Duration) {
		log.Warn("redis not reachable, retrying",
			zap.String("addr", client.Options().Addr),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrStoreUnavailable, err)
	}
	return nil
}

// linearBackoff waits step, 2*step, ... up to max between attempts
type linearBackoff struct {
	step    time.Duration
	max     time.Duration
	attempt int
}

func (b *linearBackoff) NextBackOff() time.Duration {
	b.attempt++
	wait := time.Duration(b.attempt) * b.step
	if wait > b.max {
		wait = b.max
	}
	return wait
}

func (b *linearBackoff) Reset() {
	b.attempt = 0
}

// Client exposes the underlying connection for components that share it
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) key(queueName string, parts ...string) string {
	return s.prefix + ":" + queueName + ":" + strings.Join(parts, ":")
}

func (s *Store) jobPrefix(queueName string) string {
	return s.key(queueName, "job") + ":"
}

func (s *Store) jobKey(queueName, id string) string {
	return s.jobPrefix(queueName) + id
}

func (s *Store) listKey(queueName string, state model.JobState) string {
	return s.key(queueName, string(state))
}

func (s *Store) ensureOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return queue.ErrStoreUnavailable
	}
	return nil
}

// Add implements queue.Store
func (s *Store) Add(ctx context.Context, job *model.Job) (bool, error) {
	if err := s.ensureOpen(); err != nil {
		return false, err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job failed: %w", err)
	}
	var finishedMs int64
	if job.FinishedAt != nil {
		finishedMs = job.FinishedAt.UnixMilli()
	}

	added, err := addScript.Run(ctx, s.client,
		[]string{
			s.jobKey(job.Queue, job.ID),
			s.listKey(job.Queue, model.JobStateWaiting),
			s.key(job.Queue, "seq"),
			s.key(job.Queue, "marker"),
			s.listKey(job.Queue, model.JobStateFailed),
		},
		job.ID, string(data), job.Priority, priorityScale,
		job.MaxAttempts, string(job.Backoff.Type), job.Backoff.Delay.Milliseconds(),
		string(job.State), finishedMs,
	).Int()
	if err != nil {
		return false, fmt.Errorf("add job failed: %w", err)
	}
	return added == 1, nil
}

// Claim implements queue.Store
func (s *Store) Claim(ctx context.Context, queueName string, opts queue.ClaimOptions) (*model.Job, error) {
	deadline := time.Now().Add(opts.Wait)
	for {
		if err := s.ensureOpen(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		res, err := claimScript.Run(ctx, s.client,
			[]string{
				s.listKey(queueName, model.JobStateWaiting),
				s.listKey(queueName, model.JobStateDelayed),
				s.listKey(queueName, model.JobStateActive),
				s.key(queueName, "seq"),
				s.listKey(queueName, model.JobStateFailed),
			},
			s.jobPrefix(queueName), now.UnixMilli(), priorityScale,
			opts.Lease.Milliseconds(), opts.KeepFailed, queue.LeaseExpiredReason,
		).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("claim job failed: %w", err)
		}
		if err == nil {
			return decodeClaim(res, now)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if remaining < maxBlockingWait {
			// BLPOP cannot block for less than a second
			if err := sleep(ctx, min(remaining, shortWaitPoll)); err != nil {
				return nil, err
			}
			continue
		}
		if remaining > maxBlockingWait {
			remaining = maxBlockingWait
		}
		if err := s.client.BLPop(ctx, remaining, s.key(queueName, "marker")).Err(); err != nil && !errors.Is(err, redis.Nil) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("wait for job failed: %w", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func decodeClaim(res interface{}, claimedAt time.Time) (*model.Job, error) {
	fields, ok := res.([]interface{})
	if !ok || len(fields) != 3 {
		return nil, fmt.Errorf("unexpected claim reply %T", res)
	}
	data, _ := fields[1].(string)
	attempts, _ := fields[2].(int64)

	var job model.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decode job failed: %w", err)
	}
	job.State = model.JobStateActive
	job.Attempts = int(attempts)
	job.ProcessedAt = &claimedAt
	job.RunAt = nil
	return &job, nil
}

func (s *Store) finish(ctx context.Context, job *model.Job, keep int, state model.JobState) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	job.State = state
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job failed: %w", err)
	}
	finished := time.Now().UTC()
	if job.FinishedAt != nil {
		finished = *job.FinishedAt
	}

	res, err := finishScript.Run(ctx, s.client,
		[]string{
			s.jobKey(job.Queue, job.ID),
			s.listKey(job.Queue, model.JobStateActive),
			s.listKey(job.Queue, state),
		},
		job.ID, string(data), string(state), finished.UnixMilli(), keep, s.jobPrefix(job.Queue), job.Attempts,
	).Int()
	if err != nil {
		return fmt.Errorf("finish job failed: %w", err)
	}
	return transitionError(res)
}

func transitionError(res int) error {
	switch res {
	case 0:
		return queue.ErrJobNotFound
	case -1:
		return queue.ErrJobNotActive
	default:
		return nil
	}
}

// Complete implements queue.Store
func (s *Store) Complete(ctx context.Context, job *model.Job, keep int) error {
	return s.finish(ctx, job, keep, model.JobStateCompleted)
}

// Fail implements queue.Store
func (s *Store) Fail(ctx context.Context, job *model.Job, keep int) error {
	return s.finish(ctx, job, keep, model.JobStateFailed)
}

// Retry implements queue.Store
func (s *Store) Retry(ctx context.Context, job *model.Job, runAt time.Time) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	job.State = model.JobStateDelayed
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job failed: %w", err)
	}

	res, err := retryScript.Run(ctx, s.client,
		[]string{
			s.jobKey(job.Queue, job.ID),
			s.listKey(job.Queue, model.JobStateActive),
			s.listKey(job.Queue, model.JobStateDelayed),
		},
		job.ID, string(data), runAt.UnixMilli(), job.Attempts,
	).Int()
	if err != nil {
		return fmt.Errorf("retry job failed: %w", err)
	}
	return transitionError(res)
}

// Get implements queue.Store
func (s *Store) Get(ctx context.Context, queueName, id string) (*model.Job, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	vals, err := s.client.HMGet(ctx, s.jobKey(queueName, id), hashFields...).Result()
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return decodeHash(vals)
}

// hashFields are read back for every job. Fields written by the scripts take
// precedence over the serialized job.
var hashFields = []string{"data", "state", "attempts", "reason", "finished"}

func decodeHash(vals []interface{}) (*model.Job, error) {
	data, ok := hashValue(vals, 0)
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	var job model.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decode job failed: %w", err)
	}
	if state, ok := hashValue(vals, 1); ok {
		job.State = model.JobState(state)
	}
	if raw, ok := hashValue(vals, 2); ok {
		if attempts, err := strconv.Atoi(raw); err == nil {
			job.Attempts = attempts
		}
	}
	if reason, ok := hashValue(vals, 3); ok {
		job.FailedReason = reason
		job.RunAt = nil
	}
	if raw, ok := hashValue(vals, 4); ok && job.FinishedAt == nil && job.State.IsTerminal() {
		if ms, err := strconv.ParseFloat(raw, 64); err == nil {
			finished := time.UnixMilli(int64(ms)).UTC()
			job.FinishedAt = &finished
		}
	}
	return &job, nil
}

func hashValue(vals []interface{}, i int) (string, bool) {
	if i >= len(vals) {
		return "", false
	}
	v, ok := vals[i].(string)
	return v, ok
}

// List implements queue.Store
func (s *Store) List(ctx context.Context, queueName string, state model.JobState) ([]*model.Job, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	key := s.listKey(queueName, state)
	var (
		ids []string
		err error
	)
	switch state {
	case model.JobStateWaiting, model.JobStateDelayed, model.JobStateActive:
		ids, err = s.client.ZRange(ctx, key, 0, -1).Result()
	case model.JobStateCompleted, model.JobStateFailed:
		ids, err = s.client.LRange(ctx, key, 0, -1).Result()
	default:
		return nil, queue.ErrUnsupportedState
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs failed: %w", err)
	}
	if len(ids) == 0 {
		return []*model.Job{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, s.jobKey(queueName, id), hashFields...)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load jobs failed: %w", err)
	}

	jobs := make([]*model.Job, 0, len(ids))
	for _, cmd := range cmds {
		job, err := decodeHash(cmd.Val())
		if errors.Is(err, queue.ErrJobNotFound) {
			continue
		}
		if err != nil {
			s.log.Warn("skipping undecodable job", zap.String("queue", queueName), zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Counts implements queue.Store
func (s *Store) Counts(ctx context.Context, queueName string) (model.QueueCounts, error) {
	if err := s.ensureOpen(); err != nil {
		return model.QueueCounts{}, err
	}

	pipe := s.client.Pipeline()
	waiting := pipe.ZCard(ctx, s.listKey(queueName, model.JobStateWaiting))
	delayed := pipe.ZCard(ctx, s.listKey(queueName, model.JobStateDelayed))
	active := pipe.ZCard(ctx, s.listKey(queueName, model.JobStateActive))
	completed := pipe.LLen(ctx, s.listKey(queueName, model.JobStateCompleted))
	failed := pipe.LLen(ctx, s.listKey(queueName, model.JobStateFailed))
	if _, err := pipe.Exec(ctx); err != nil {
		return model.QueueCounts{}, fmt.Errorf("count jobs failed: %w", err)
	}

	return model.QueueCounts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}, nil
}

// Clean implements queue.Store
func (s *Store) Clean(ctx context.Context, queueName string, state model.JobState, olderThan time.Time) (int, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	if !state.IsTerminal() {
		return 0, queue.ErrUnsupportedState
	}

	removed, err := cleanScript.Run(ctx, s.client,
		[]string{s.listKey(queueName, state)},
		s.jobPrefix(queueName), olderThan.UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("clean jobs failed: %w", err)
	}
	return removed, nil
}

// Remove implements queue.Store
func (s *Store) Remove(ctx context.Context, queueName, id string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}

	res, err := removeScript.Run(ctx, s.client,
		[]string{
			s.jobKey(queueName, id),
			s.listKey(queueName, model.JobStateWaiting),
			s.listKey(queueName, model.JobStateDelayed),
		},
		id,
	).Int()
	if err != nil {
		return fmt.Errorf("remove job failed: %w", err)
	}
	switch res {
	case 0:
		return queue.ErrJobNotFound
	case -1:
		return queue.ErrJobNotRemovable
	}
	return nil
}

// Ping implements queue.Store
func (s *Store) Ping(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrStoreUnavailable, err)
	}
	return nil
}

// Close implements queue.Store. A client passed to NewFromClient is left open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		return s.client.Close()
	}
	return nil
}
