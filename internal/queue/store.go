package queue

import (
	"context"
	"errors"
	"time"

	"github.com/funnelsmith/api/internal/model"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobNotActive     = errors.New("job is not active")
	ErrJobNotRemovable  = errors.New("job already claimed or finished")
	ErrUnsupportedState = errors.New("unsupported job state")
	ErrStoreUnavailable = errors.New("queue store unavailable")
	ErrUnknownQueue     = errors.New("unknown queue")
)

// LeaseExpiredReason is the failure reason recorded on a job whose worker
// stopped renewing it before finishing
const LeaseExpiredReason = "lease expired before the job finished"

// ClaimOptions controls a single Claim
type ClaimOptions struct {
	Wait time.Duration
	// Lease is how long the claimed job may stay active. Zero never expires.
	Lease time.Duration
	// KeepFailed trims the failed list when a recovered job has no attempts left
	KeepFailed int
}

// Store is the durable backing for the work queues. Implementations must make
// every state transition atomic: a job is in exactly one state at a time and
// terminal jobs are never modified again.
type Store interface {
	// Add inserts a job in the waiting set. A job whose state is failed goes
	// straight to the failed list instead; retention applies on the next
	// finish. It returns false without error when a job with the same id
	// already exists in the queue.
	Add(ctx context.Context, job *model.Job) (bool, error)

	// Claim moves the most urgent waiting job to active, incrementing its
	// attempt count and leasing it for opts.Lease. Active jobs whose lease
	// has expired are recovered first, then due delayed jobs are promoted.
	// It blocks for up to opts.Wait and returns nil, nil when nothing became
	// available.
	Claim(ctx context.Context, queue string, opts ClaimOptions) (*model.Job, error)

	// Complete stores the job as completed and trims the completed list to keep
	// entries (keep <= 0 keeps everything). The job must still hold the lease
	// of its latest claim, otherwise ErrJobNotActive is returned.
	Complete(ctx context.Context, job *model.Job, keep int) error

	// Fail stores the job as terminally failed, trimming like Complete.
	Fail(ctx context.Context, job *model.Job, keep int) error

	// Retry moves an active job to delayed until runAt.
	Retry(ctx context.Context, job *model.Job, runAt time.Time) error

	Get(ctx context.Context, queue, id string) (*model.Job, error)
	List(ctx context.Context, queue string, state model.JobState) ([]*model.Job, error)
	Counts(ctx context.Context, queue string) (model.QueueCounts, error)

	// Clean removes completed or failed jobs that finished before olderThan.
	Clean(ctx context.Context, queue string, state model.JobState, olderThan time.Time) (int, error)

	// Remove deletes a waiting or delayed job before any worker claims it.
	Remove(ctx context.Context, queue, id string) error

	Ping(ctx context.Context) error
	Close() error
}
