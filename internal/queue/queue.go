package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/funnelsmith/api/internal/model"
)

// ErrPermanent marks a handler error that must not be retried. Wrap it with
// fmt.Errorf("...: %w", queue.ErrPermanent) or use Permanent.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so that the job fails terminally on its first failure
func Permanent(err error) error {
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// Queue is a named, independently configured channel of jobs
type Queue struct {
	opts  Options
	store Store
	now   func() time.Time
}

// New creates a queue bound to store
func New(store Store, opts Options) *Queue {
	opts.normalize()
	return &Queue{
		opts:  opts,
		store: store,
		now:   time.Now,
	}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.opts.Name
}

// Options returns the effective queue configuration
func (q *Queue) Options() Options {
	return q.opts
}

// Enqueue adds a job carrying payload and returns its id
func (q *Queue) Enqueue(ctx context.Context, payload interface{}, opts ...JobOption) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	job := &model.Job{
		ID:          uuid.New().String(),
		Queue:       q.opts.Name,
		State:       model.JobStateWaiting,
		Priority:    q.opts.Priority,
		MaxAttempts: q.opts.Attempts,
		Backoff:     q.opts.Backoff,
		Payload:     data,
		CreatedAt:   q.now().UTC(),
	}
	for _, opt := range opts {
		opt(job)
	}

	if _, err := q.store.Add(ctx, job); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job.ID, nil
}

// EnqueueFailed records a job that could not be queued normally directly in
// the failed list, with cause as its failure reason
func (q *Queue) EnqueueFailed(ctx context.Context, payload interface{}, cause error, opts ...JobOption) (string, error) {
	if cause == nil {
		cause = errors.New("unknown error")
	}
	now := q.now().UTC()
	opts = append(opts, func(j *model.Job) {
		j.State = model.JobStateFailed
		j.FailedReason = cause.Error()
		j.FinishedAt = &now
	})
	return q.Enqueue(ctx, payload, opts...)
}

// GetJob returns the job or ErrJobNotFound
func (q *Queue) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return q.store.Get(ctx, q.opts.Name, id)
}

// ListByState returns every job in state
func (q *Queue) ListByState(ctx context.Context, state model.JobState) ([]*model.Job, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedState, state)
	}
	return q.store.List(ctx, q.opts.Name, state)
}

// Counts returns per-state job counts
func (q *Queue) Counts(ctx context.Context) (model.QueueCounts, error) {
	return q.store.Counts(ctx, q.opts.Name)
}

// Clean purges jobs in a terminal state that finished more than grace ago
func (q *Queue) Clean(ctx context.Context, state model.JobState, grace time.Duration) (int, error) {
	if !state.IsTerminal() {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedState, state)
	}
	return q.store.Clean(ctx, q.opts.Name, state, q.now().Add(-grace))
}

// Remove deletes a job that no worker has claimed yet
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.store.Remove(ctx, q.opts.Name, id)
}

// Claim leases the next job for processing, waiting up to wait
func (q *Queue) Claim(ctx context.Context, wait time.Duration) (*model.Job, error) {
	return q.store.Claim(ctx, q.opts.Name, ClaimOptions{
		Wait:       wait,
		Lease:      q.opts.Lease,
		KeepFailed: q.opts.RemoveOnFail,
	})
}

// Complete stores result on an active job and marks it completed
func (q *Queue) Complete(ctx context.Context, job *model.Job, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	now := q.now().UTC()
	job.Result = data
	job.FailedReason = ""
	job.FinishedAt = &now
	job.State = model.JobStateCompleted
	return q.store.Complete(ctx, job, q.opts.RemoveOnComplete)
}

// Fail records cause on an active job. While attempts remain the job is
// rescheduled with the job's backoff, otherwise it becomes terminally failed.
// It reports whether the failure was terminal.
func (q *Queue) Fail(ctx context.Context, job *model.Job, cause error) (bool, error) {
	if cause == nil {
		cause = errors.New("unknown error")
	}
	job.FailedReason = cause.Error()

	if job.Attempts < job.MaxAttempts && !errors.Is(cause, ErrPermanent) {
		runAt := q.now().UTC().Add(job.Backoff.Next(job.Attempts))
		job.RunAt = &runAt
		job.State = model.JobStateDelayed
		if err := q.store.Retry(ctx, job, runAt); err != nil {
			return false, fmt.Errorf("failed to schedule retry: %w", err)
		}
		return false, nil
	}

	now := q.now().UTC()
	job.FinishedAt = &now
	job.RunAt = nil
	job.State = model.JobStateFailed
	if err := q.store.Fail(ctx, job, q.opts.RemoveOnFail); err != nil {
		return true, fmt.Errorf("failed to mark job failed: %w", err)
	}
	return true, nil
}
