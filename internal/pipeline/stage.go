// Package pipeline models a content request as it moves through the content,
// render and upload queues and chains each stage to the next.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/funnelsmith/api/internal/model"
)

// Stage is the position of a request in the pipeline
type Stage string

const (
	StageContent Stage = "content"
	StageRender  Stage = "render"
	StageUpload  Stage = "upload"
	StageDone    Stage = "done"
	StageFailed  Stage = "failed"
)

// Event is the outcome of the job running the current stage
type Event string

const (
	EventCompleted Event = "completed"
	EventFailed    Event = "failed"
)

// ErrInvalidTransition is returned when an event does not apply to a stage
var ErrInvalidTransition = errors.New("invalid pipeline transition")

// StageForQueue returns the stage run by queue
func StageForQueue(queue string) (Stage, bool) {
	switch queue {
	case model.QueueContent:
		return StageContent, true
	case model.QueueRender:
		return StageRender, true
	case model.QueueUpload:
		return StageUpload, true
	}
	return "", false
}

// Queue returns the queue that runs s, or "" for terminal stages
func (s Stage) Queue() string {
	switch s {
	case StageContent:
		return model.QueueContent
	case StageRender:
		return model.QueueRender
	case StageUpload:
		return model.QueueUpload
	}
	return ""
}

// Next returns the stage that follows a successful s
func (s Stage) Next() Stage {
	switch s {
	case StageContent:
		return StageRender
	case StageRender:
		return StageUpload
	case StageUpload:
		return StageDone
	}
	return s
}

// Terminal reports whether no further stage can run
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// Transition applies event to s
func Transition(s Stage, event Event) (Stage, error) {
	if s.Terminal() || s.Queue() == "" {
		return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, s)
	}
	switch event {
	case EventCompleted:
		return s.Next(), nil
	case EventFailed:
		return StageFailed, nil
	}
	return s, fmt.Errorf("%w: unknown event %s", ErrInvalidTransition, event)
}
