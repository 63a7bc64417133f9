package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/funnelsmith/api/internal/client"
	"github.com/funnelsmith/api/internal/model"
	"github.com/funnelsmith/api/internal/queue"
	"github.com/funnelsmith/api/internal/ratelimit"
	"github.com/funnelsmith/api/internal/service"
)

// DefaultRegenerations is how many extra generations are tried after malformed output
const DefaultRegenerations = 2

// Admitter gates calls to the generative API
type Admitter interface {
	WaitForAvailability(ctx context.Context, cost int) error
}

// ContentWorker processes content jobs
type ContentWorker struct {
	generator     service.ContentGenerator
	limiter       Admitter
	validate      *validator.Validate
	regenerations int
	log           *zap.Logger
}

// NewContentWorker creates a new content worker
func NewContentWorker(generator service.ContentGenerator, limiter Admitter, log *zap.Logger) *ContentWorker {
	if log == nil {
		log = zap.NewNop()
	}
	return &ContentWorker{
		generator:     generator,
		limiter:       limiter,
		validate:      validator.New(),
		regenerations: DefaultRegenerations,
		log:           log.Named("content"),
	}
}

// Process implements Handler
func (w *ContentWorker) Process(ctx context.Context, job *model.Job) (interface{}, error) {
	var req model.ContentRequest
	if err := job.DecodePayload(&req); err != nil {
		return nil, queue.Permanent(fmt.Errorf("failed to unmarshal content payload: %w", err))
	}
	if err := w.validate.Struct(&req); err != nil {
		return nil, queue.Permanent(fmt.Errorf("invalid content request: %w", err))
	}
	if req.CorrelationID == "" {
		req.CorrelationID = job.CorrelationID
	}

	system, user := w.generator.Prompt(&req)
	cost := ratelimit.EstimateCost(system+user, ratelimit.DefaultOutputEstimate)
	log := w.log.With(zap.String("job_id", job.ID), zap.String("correlation_id", req.CorrelationID))

	var lastErr error
	for attempt := 0; attempt <= w.regenerations; attempt++ {
		if err := w.limiter.WaitForAvailability(ctx, cost); err != nil {
			if errors.Is(err, ratelimit.ErrCostExceedsCapacity) {
				return nil, queue.Permanent(err)
			}
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		draft, err := w.generator.Generate(ctx, &req, system, user)
		if err != nil {
			if errors.Is(err, service.ErrMalformedOutput) {
				lastErr = err
				log.Warn("malformed outline, regenerating", zap.Int("generation", attempt+1), zap.Error(err))
				continue
			}
			var apiErr *client.APIError
			if errors.As(err, &apiErr) && !apiErr.Retryable() {
				return nil, queue.Permanent(err)
			}
			return nil, err
		}

		usage := draft.Usage
		usage.EstimatedCost = cost
		log.Info("outline generated",
			zap.Int("chapters", len(draft.Document.Chapters)),
			zap.Int("estimated_cost", cost),
			zap.Int("prompt_tokens", usage.PromptTokens),
			zap.Int("completion_tokens", usage.CompletionTokens),
			zap.Int("total_tokens", usage.TotalTokens),
		)

		requestedAt := req.RequestedAt
		if requestedAt.IsZero() {
			requestedAt = job.CreatedAt
		}
		return &model.ContentResult{
			CorrelationID: req.CorrelationID,
			Document:      *draft.Document,
			Usage:         usage,
			RequestedAt:   requestedAt,
		}, nil
	}

	return nil, fmt.Errorf("outline still malformed after %d generations: %w", w.regenerations+1, lastErr)
}
