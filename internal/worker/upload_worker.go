package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/funnelsmith/api/internal/client"
	"github.com/funnelsmith/api/internal/model"
	"github.com/funnelsmith/api/internal/queue"
	"github.com/funnelsmith/api/internal/service"
)

// UploadWorker processes upload jobs
type UploadWorker struct {
	uploader service.DocumentUploader
	now      func() time.Time
	log      *zap.Logger
}

// NewUploadWorker creates a new upload worker
func NewUploadWorker(uploader service.DocumentUploader, log *zap.Logger) *UploadWorker {
	if log == nil {
		log = zap.NewNop()
	}
	return &UploadWorker{
		uploader: uploader,
		now:      time.Now,
		log:      log.Named("upload"),
	}
}

// Process implements Handler
func (w *UploadWorker) Process(ctx context.Context, job *model.Job) (interface{}, error) {
	var payload model.UploadPayload
	if err := job.DecodePayload(&payload); err != nil {
		return nil, queue.Permanent(fmt.Errorf("failed to unmarshal upload payload: %w", err))
	}
	if len(payload.Artifact.Data) == 0 {
		return nil, queue.Permanent(fmt.Errorf("upload payload carries no document data"))
	}

	correlationID := payload.CorrelationID
	if correlationID == "" {
		correlationID = job.CorrelationID
	}

	obj, err := w.uploader.UploadDocument(ctx, correlationID, job.ID, payload.Artifact.Data)
	if err != nil {
		var storageErr *client.StorageError
		if errors.As(err, &storageErr) && !storageErr.Retryable() {
			return nil, queue.Permanent(err)
		}
		return nil, err
	}

	w.log.Info("document uploaded",
		zap.String("job_id", job.ID),
		zap.String("correlation_id", correlationID),
		zap.String("key", obj.Key),
		zap.Int64("size", obj.Size),
	)

	return &model.UploadResult{
		CorrelationID: correlationID,
		Key:           obj.Key,
		FileURL:       obj.FileURL,
		Size:          obj.Size,
		RequestedAt:   payload.RequestedAt,
		UploadedAt:    w.now(),
	}, nil
}
