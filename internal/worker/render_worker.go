package worker

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/funnelsmith/api/internal/model"
	"github.com/funnelsmith/api/internal/queue"
	"github.com/funnelsmith/api/internal/render"
)

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// EngineProvider hands out rendering engines
type EngineProvider interface {
	Acquire(ctx context.Context) (render.Engine, error)
	Release(e render.Engine)
}

// RenderWorker processes render jobs
type RenderWorker struct {
	engines EngineProvider
	log     *zap.Logger
}

// NewRenderWorker creates a new render worker
func NewRenderWorker(engines EngineProvider, log *zap.Logger) *RenderWorker {
	if log == nil {
		log = zap.NewNop()
	}
	return &RenderWorker{
		engines: engines,
		log:     log.Named("render"),
	}
}

// Process implements Handler
func (w *RenderWorker) Process(ctx context.Context, job *model.Job) (interface{}, error) {
	var payload model.RenderPayload
	if err := job.DecodePayload(&payload); err != nil {
		return nil, queue.Permanent(fmt.Errorf("failed to unmarshal render payload: %w", err))
	}
	if len(payload.Document.Chapters) == 0 {
		return nil, queue.Permanent(fmt.Errorf("document %q has no chapters", payload.Document.Title))
	}

	engine, err := w.engines.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire render engine: %w", err)
	}
	defer w.engines.Release(engine)

	artifact, err := engine.Render(ctx, &payload.Document)
	if err != nil {
		return nil, fmt.Errorf("render failed: %w", err)
	}

	w.log.Info("document rendered",
		zap.String("job_id", job.ID),
		zap.String("correlation_id", payload.CorrelationID),
		zap.Int("pages", artifact.Pages),
		zap.Int("bytes", len(artifact.Data)),
	)

	return &model.RenderResult{
		CorrelationID: payload.CorrelationID,
		FileName:      fileName(payload.Document.Title),
		ContentType:   "application/pdf",
		Pages:         artifact.Pages,
		Data:          artifact.Data,
		RequestedAt:   payload.RequestedAt,
	}, nil
}

func fileName(title string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if slug == "" {
		slug = "document"
	}
	return slug + ".pdf"
}
