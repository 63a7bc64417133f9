package model

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of a queued job
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateDelayed   JobState = "delayed"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// JobStates lists every state in lifecycle order
var JobStates = []JobState{
	JobStateWaiting, JobStateDelayed, JobStateActive, JobStateCompleted, JobStateFailed,
}

// IsTerminal reports whether no further transitions can happen
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Valid reports whether s is a known state
func (s JobState) Valid() bool {
	for _, state := range JobStates {
		if s == state {
			return true
		}
	}
	return false
}

// BackoffType selects how retry delays grow
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff maps a retry attempt to a delay
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Next returns the delay before re-running a job that has made `attempt` attempts
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Type != BackoffExponential {
		return b.Delay
	}
	delay := b.Delay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// Job represents a unit of work in one of the pipeline queues
type Job struct {
	ID            string          `json:"id"`
	Queue         string          `json:"queue"`
	CorrelationID string          `json:"correlationId,omitempty"`
	State         JobState        `json:"state"`
	Priority      int             `json:"priority"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	Backoff       Backoff         `json:"backoff"`
	Payload       json.RawMessage `json:"payload"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailedReason  string          `json:"failedReason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	RunAt         *time.Time      `json:"runAt,omitempty"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
	FinishedAt    *time.Time      `json:"finishedAt,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate stored state
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = cloneRaw(j.Payload)
	c.Result = cloneRaw(j.Result)
	c.RunAt = cloneTime(j.RunAt)
	c.ProcessedAt = cloneTime(j.ProcessedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	return &c
}

// DecodePayload unmarshals the job payload into v
func (j *Job) DecodePayload(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// DecodeResult unmarshals the job result into v
func (j *Job) DecodeResult(v interface{}) error {
	return json.Unmarshal(j.Result, v)
}

// QueueCounts holds per-state job counts for a queue
type QueueCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
