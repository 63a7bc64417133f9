package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/funnelsmith/api/internal/model"
	"github.com/funnelsmith/api/internal/queue"
)

const (
	enqueueRetries   = 3
	enqueueRetryBase = 200 * time.Millisecond
)

// Orchestrator chains completed stage jobs to the next queue. Downstream jobs
// keep the upstream job id, so a repeated completion event enqueues nothing new.
type Orchestrator struct {
	queues    *queue.Registry
	log       *zap.Logger
	retryBase time.Duration
}

// NewOrchestrator creates an orchestrator over the pipeline queues in registry
func NewOrchestrator(registry *queue.Registry, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		queues:    registry,
		log:       log.Named("pipeline"),
		retryBase: enqueueRetryBase,
	}
}

// OnCompleted advances the request to its next stage
func (o *Orchestrator) OnCompleted(ctx context.Context, job *model.Job) {
	if _, err := o.Advance(ctx, job); err != nil {
		o.log.Error("failed to advance pipeline",
			zap.String("job_id", job.ID),
			zap.String("queue", job.Queue),
			zap.Error(err),
		)
	}
}

// OnFailed logs stage failures. A terminal failure ends the request.
func (o *Orchestrator) OnFailed(ctx context.Context, job *model.Job, err error, terminal bool) {
	if !terminal {
		return
	}
	stage, _ := StageForQueue(job.Queue)
	o.log.Error("pipeline failed",
		zap.String("job_id", job.ID),
		zap.String("correlation_id", job.CorrelationID),
		zap.String("stage", string(stage)),
		zap.Int("attempts", job.Attempts),
		zap.Error(err),
	)
}

// Advance enqueues the stage after the completed job and returns the new stage
func (o *Orchestrator) Advance(ctx context.Context, job *model.Job) (Stage, error) {
	if job.State != model.JobStateCompleted {
		return "", fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, job.ID, job.State)
	}
	stage, ok := StageForQueue(job.Queue)
	if !ok {
		return "", fmt.Errorf("%w: unknown queue %q", ErrInvalidTransition, job.Queue)
	}
	next, err := Transition(stage, EventCompleted)
	if err != nil {
		return "", err
	}

	var payload interface{}
	switch next {
	case StageRender:
		var result model.ContentResult
		if err := job.DecodeResult(&result); err != nil {
			return next, fmt.Errorf("failed to decode content result: %w", err)
		}
		payload = &model.RenderPayload{
			CorrelationID: result.CorrelationID,
			Document:      result.Document,
			RequestedAt:   result.RequestedAt,
		}
	case StageUpload:
		var result model.RenderResult
		if err := job.DecodeResult(&result); err != nil {
			return next, fmt.Errorf("failed to decode render result: %w", err)
		}
		payload = &model.UploadPayload{
			CorrelationID: result.CorrelationID,
			Artifact:      result,
			RequestedAt:   result.RequestedAt,
		}
	case StageDone:
		var result model.UploadResult
		if err := job.DecodeResult(&result); err == nil {
			o.log.Info("pipeline completed",
				zap.String("job_id", job.ID),
				zap.String("correlation_id", job.CorrelationID),
				zap.String("file_url", result.FileURL),
				zap.Duration("elapsed", result.Elapsed()),
			)
		}
		return next, nil
	}

	q, err := o.queues.Get(next.Queue())
	if err != nil {
		return next, err
	}
	if err := o.enqueue(ctx, q, job, payload); err != nil {
		o.recordChainFailure(ctx, q, job, payload, err)
		return next, err
	}

	o.log.Info("stage enqueued",
		zap.String("job_id", job.ID),
		zap.String("correlation_id", job.CorrelationID),
		zap.String("stage", string(next)),
	)
	return next, nil
}

// recordChainFailure stores the next stage job as failed so the request
// reports the broken hand-off instead of waiting for a job that never comes
func (o *Orchestrator) recordChainFailure(ctx context.Context, q *queue.Queue, upstream *model.Job, payload interface{}, cause error) {
	log := o.log.With(
		zap.String("job_id", upstream.ID),
		zap.String("correlation_id", upstream.CorrelationID),
		zap.String("queue", q.Name()),
	)
	_, err := q.EnqueueFailed(ctx, payload, cause,
		queue.WithJobID(upstream.ID),
		queue.WithPriority(upstream.Priority+1),
		queue.WithCorrelationID(upstream.CorrelationID),
	)
	if err != nil {
		log.Error("failed to record pipeline failure", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	log.Error("pipeline failed", zap.Error(cause))
}

func (o *Orchestrator) enqueue(ctx context.Context, q *queue.Queue, upstream *model.Job, payload interface{}) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.retryBase
	policy.MaxElapsedTime = 0

	operation := func() error {
		_, err := q.Enqueue(ctx, payload,
			queue.WithJobID(upstream.ID),
			queue.WithPriority(upstream.Priority+1),
			queue.WithCorrelationID(upstream.CorrelationID),
		)
		return err
	}
	notify := func(err error, wait time.Duration) {
		o.log.Warn("enqueue failed, retrying",
			zap.String("job_id", upstream.ID),
			zap.String("queue", q.Name()),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, enqueueRetries), ctx), notify); err != nil {
		return fmt.Errorf("failed to enqueue %s job: %w", q.Name(), err)
	}
	return nil
}
