// Package maintenance purges finished jobs past their grace period. In Redis
// mode the sweep is scheduled through asynq so that only one process runs it
// per interval; in memory mode a ticker drives it.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/funnelsmith/api/internal/config"
	"github.com/funnelsmith/api/internal/model"
	"github.com/funnelsmith/api/internal/queue"
)

const (
	TaskSweep = "maintenance:sweep"
	QueueName = "maintenance"

	DefaultInterval       = 15 * time.Minute
	DefaultCompletedGrace = time.Hour
	DefaultFailedGrace    = 6 * time.Hour
)

// Policy is how long finished jobs are kept before a sweep removes them
type Policy struct {
	Interval       time.Duration
	CompletedGrace time.Duration
	FailedGrace    time.Duration
}

// PolicyFromConfig fills missing values with the defaults
func PolicyFromConfig(cfg config.MaintenanceConfig) Policy {
	p := Policy{
		Interval:       cfg.Interval,
		CompletedGrace: cfg.CompletedGrace,
		FailedGrace:    cfg.FailedGrace,
	}
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.CompletedGrace <= 0 {
		p.CompletedGrace = DefaultCompletedGrace
	}
	if p.FailedGrace <= 0 {
		p.FailedGrace = DefaultFailedGrace
	}
	return p
}

// Result counts the jobs removed per queue and state
type Result struct {
	Completed map[string]int `json:"completed"`
	Failed    map[string]int `json:"failed"`
}

// Total is the number of removed jobs
func (r Result) Total() int {
	n := 0
	for _, c := range r.Completed {
		n += c
	}
	for _, c := range r.Failed {
		n += c
	}
	return n
}

// Sweeper cleans the pipeline queues
type Sweeper struct {
	queues *queue.Registry
	policy Policy
	log    *zap.Logger
}

// NewSweeper creates a sweeper over the queues in registry
func NewSweeper(registry *queue.Registry, policy Policy, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		queues: registry,
		policy: policy,
		log:    log.Named("maintenance"),
	}
}

// Sweep removes completed and failed jobs older than their grace period. It
// keeps going after a failing queue and returns the joined errors.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	result := Result{Completed: map[string]int{}, Failed: map[string]int{}}
	var errs []error

	for _, q := range s.queues.Pipeline() {
		n, err := q.Clean(ctx, model.JobStateCompleted, s.policy.CompletedGrace)
		if err != nil {
			errs = append(errs, fmt.Errorf("clean completed %s jobs: %w", q.Name(), err))
		}
		result.Completed[q.Name()] = n

		n, err = q.Clean(ctx, model.JobStateFailed, s.policy.FailedGrace)
		if err != nil {
			errs = append(errs, fmt.Errorf("clean failed %s jobs: %w", q.Name(), err))
		}
		result.Failed[q.Name()] = n
	}

	s.log.Info("sweep finished", zap.Int("removed", result.Total()), zap.Int("errors", len(errs)))
	return result, errors.Join(errs...)
}

// ProcessTask handles the scheduled sweep task
func (s *Sweeper) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	_, err := s.Sweep(ctx)
	return err
}

// Run sweeps on a ticker until ctx is done
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}
