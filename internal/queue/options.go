package queue

import (
	"time"

	"github.com/funnelsmith/api/internal/model"
)

// Options is the per-queue configuration applied to every job it receives
type Options struct {
	Name             string
	Priority         int
	Attempts         int
	Backoff          model.Backoff
	RemoveOnComplete int
	RemoveOnFail     int
	Concurrency      int
	Timeout          time.Duration
	// Lease bounds how long a claimed job stays active without finishing
	// before another claim recovers it. It is never shorter than Timeout.
	Lease time.Duration
}

// leaseGrace covers bookkeeping after a handler hits its timeout
const leaseGrace = 15 * time.Second

// DefaultOptions returns the stock configuration of the three pipeline queues.
// Rendering is expensive, so it retries once on a fixed delay; uploads are
// cheap network I/O and retry more often.
func DefaultOptions() map[string]Options {
	return map[string]Options{
		model.QueueContent: {
			Name:             model.QueueContent,
			Priority:         1,
			Attempts:         3,
			Backoff:          model.Backoff{Type: model.BackoffExponential, Delay: 5 * time.Second},
			RemoveOnComplete: 5,
			RemoveOnFail:     3,
			Concurrency:      3,
			Timeout:          120 * time.Second,
		},
		model.QueueRender: {
			Name:             model.QueueRender,
			Priority:         2,
			Attempts:         2,
			Backoff:          model.Backoff{Type: model.BackoffFixed, Delay: 10 * time.Second},
			RemoveOnComplete: 3,
			RemoveOnFail:     2,
			Concurrency:      5,
			Timeout:          300 * time.Second,
		},
		model.QueueUpload: {
			Name:             model.QueueUpload,
			Priority:         3,
			Attempts:         5,
			Backoff:          model.Backoff{Type: model.BackoffExponential, Delay: 2 * time.Second},
			RemoveOnComplete: 10,
			RemoveOnFail:     5,
			Concurrency:      8,
			Timeout:          60 * time.Second,
		},
	}
}

func (o *Options) normalize() {
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = model.BackoffFixed
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.Lease < o.Timeout {
		o.Lease = o.Timeout + leaseGrace
	}
}

// JobOption overrides a queue default for a single job
type JobOption func(*model.Job)

// WithJobID sets the job id. Enqueueing an id that already exists is a no-op.
func WithJobID(id string) JobOption {
	return func(j *model.Job) { j.ID = id }
}

// WithPriority overrides the queue priority (lower runs first)
func WithPriority(priority int) JobOption {
	return func(j *model.Job) { j.Priority = priority }
}

// WithAttempts overrides the maximum number of attempts
func WithAttempts(attempts int) JobOption {
	return func(j *model.Job) {
		if attempts > 0 {
			j.MaxAttempts = attempts
		}
	}
}

// WithBackoff overrides the retry backoff
func WithBackoff(b model.Backoff) JobOption {
	return func(j *model.Job) { j.Backoff = b }
}

// WithCorrelationID tags the job with the pipeline request id
func WithCorrelationID(id string) JobOption {
	return func(j *model.Job) { j.CorrelationID = id }
}
