package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/funnelsmith/api/internal/model"
	"github.com/funnelsmith/api/internal/pipeline"
	"github.com/funnelsmith/api/internal/queue"
)

// DefaultDownloadExpiry is the lifetime of signed download links
const DefaultDownloadExpiry = 15 * time.Minute

// PipelineService accepts content requests and reports their progress
type PipelineService struct {
	queues *queue.Registry
	now    func() time.Time

	signer         URLSigner
	downloadExpiry time.Duration
}

// NewPipelineService creates a pipeline service over the queues in registry
func NewPipelineService(registry *queue.Registry) *PipelineService {
	return &PipelineService{
		queues: registry,
		now:    time.Now,
	}
}

// WithSigner makes Status attach a signed download link to finished
// requests. Used when the bucket is not publicly readable.
func (s *PipelineService) WithSigner(signer URLSigner, expiry time.Duration) *PipelineService {
	if expiry <= 0 {
		expiry = DefaultDownloadExpiry
	}
	s.signer = signer
	s.downloadExpiry = expiry
	return s
}

// Submit queues a content job for req. The returned job id identifies the
// request in every stage.
func (s *PipelineService) Submit(ctx context.Context, req *model.ContentRequest) (*model.SubmitResponse, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}
	now := s.now().UTC()
	req.RequestedAt = now

	content, err := s.queues.Get(model.QueueContent)
	if err != nil {
		return nil, err
	}

	jobID, err := content.Enqueue(ctx, req, queue.WithCorrelationID(req.CorrelationID))
	if err != nil {
		return nil, fmt.Errorf("failed to queue content job: %w", err)
	}

	return &model.SubmitResponse{
		JobID:         jobID,
		CorrelationID: req.CorrelationID,
		Queue:         model.QueueContent,
		State:         model.JobStateWaiting,
		CreatedAt:     now,
	}, nil
}

// Status resolves the pipeline status of request id
func (s *PipelineService) Status(ctx context.Context, id string) (*pipeline.Status, error) {
	jobs := make(map[string]*model.Job, len(model.PipelineQueues))
	for _, q := range s.queues.Pipeline() {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, queue.ErrJobNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s job: %w", q.Name(), err)
		}
		jobs[q.Name()] = job
	}

	status, ok := pipeline.Resolve(id, jobs, s.now())
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	if s.signer != nil && status.Stage == pipeline.StageDone && status.FileKey != "" {
		url, err := s.signer.GetSignedURL(ctx, status.FileKey, s.downloadExpiry)
		if err != nil {
			return nil, fmt.Errorf("failed to sign download url: %w", err)
		}
		status.DownloadURL = url
	}
	return status, nil
}

// GetJob returns one job of a queue
func (s *PipelineService) GetJob(ctx context.Context, queueName, id string) (*model.Job, error) {
	q, err := s.queues.Get(queueName)
	if err != nil {
		return nil, err
	}
	return q.GetJob(ctx, id)
}

// ListJobs returns the jobs of a queue in state
func (s *PipelineService) ListJobs(ctx context.Context, queueName string, state model.JobState) ([]*model.Job, error) {
	q, err := s.queues.Get(queueName)
	if err != nil {
		return nil, err
	}
	return q.ListByState(ctx, state)
}

// RemoveJob deletes a job that has not started
func (s *PipelineService) RemoveJob(ctx context.Context, queueName, id string) error {
	q, err := s.queues.Get(queueName)
	if err != nil {
		return err
	}
	return q.Remove(ctx, id)
}

// Counts returns the job counts of every pipeline queue
func (s *PipelineService) Counts(ctx context.Context) (map[string]model.QueueCounts, error) {
	out := make(map[string]model.QueueCounts, len(model.PipelineQueues))
	for _, q := range s.queues.Pipeline() {
		counts, err := q.Counts(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s jobs: %w", q.Name(), err)
		}
		out[q.Name()] = counts
	}
	return out, nil
}
