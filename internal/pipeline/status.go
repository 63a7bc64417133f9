package pipeline

import (
	"fmt"
	"time"

	"github.com/funnelsmith/api/internal/model"
)

// StageStatus is the view of one stage job
type StageStatus struct {
	Queue        string         `json:"queue"`
	State        model.JobState `json:"state"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"maxAttempts"`
	FailedReason string         `json:"failedReason,omitempty"`
	FinishedAt   *time.Time     `json:"finishedAt,omitempty"`
}

// Status is the pipeline view of one request
type Status struct {
	JobID         string         `json:"jobId"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Stage         Stage          `json:"stage"`
	State         model.JobState `json:"state"`
	FileURL       string         `json:"fileUrl,omitempty"`
	FileKey       string         `json:"fileKey,omitempty"`
	DownloadURL   string         `json:"downloadUrl,omitempty"`
	Pages         int            `json:"pages,omitempty"`
	Error         string         `json:"error,omitempty"`
	Stages        []StageStatus  `json:"stages"`
}

// HandoffGrace is how long a completed stage may go without a visible next
// stage job before the request is reported as failed
const HandoffGrace = time.Minute

// Resolve derives the status of request id at now from its stage jobs, keyed
// by queue name. Missing entries are jobs that do not exist (yet, or any
// more). It returns false when no job is known.
func Resolve(id string, jobs map[string]*model.Job, now time.Time) (*Status, bool) {
	status := &Status{JobID: id, Stages: []StageStatus{}}

	var latest *model.Job
	for _, queue := range model.PipelineQueues {
		job, ok := jobs[queue]
		if !ok || job == nil {
			continue
		}
		latest = job
		if status.CorrelationID == "" {
			status.CorrelationID = job.CorrelationID
		}
		status.Stages = append(status.Stages, StageStatus{
			Queue:        queue,
			State:        job.State,
			Attempts:     job.Attempts,
			MaxAttempts:  job.MaxAttempts,
			FailedReason: job.FailedReason,
			FinishedAt:   job.FinishedAt,
		})
	}
	if latest == nil {
		return nil, false
	}

	stage, _ := StageForQueue(latest.Queue)
	status.Stage = stage
	status.State = latest.State

	switch latest.State {
	case model.JobStateFailed:
		status.Stage = StageFailed
		status.Error = latest.FailedReason
	case model.JobStateCompleted:
		next := stage.Next()
		status.Stage = next
		if next == StageDone {
			break
		}
		if latest.FinishedAt != nil && now.Sub(*latest.FinishedAt) > HandoffGrace {
			status.Stage = StageFailed
			status.State = model.JobStateFailed
			status.Error = fmt.Sprintf("%s stage was never queued", next)
			break
		}
		// the orchestrator is still handing off
		status.State = model.JobStateWaiting
	}

	if stage == StageUpload && latest.State == model.JobStateCompleted {
		var result model.UploadResult
		if err := latest.DecodeResult(&result); err == nil {
			status.FileURL = result.FileURL
			status.FileKey = result.Key
		}
	}
	if render, ok := jobs[model.QueueRender]; ok && render != nil && render.State == model.JobStateCompleted {
		var result model.RenderResult
		if err := render.DecodeResult(&result); err == nil {
			status.Pages = result.Pages
		}
	}

	return status, true
}
