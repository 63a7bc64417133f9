package model

import "time"

// Queue names
const (
	QueueContent = "content"
	QueueRender  = "render"
	QueueUpload  = "upload"
)

// PipelineQueues lists the stage queues in execution order
var PipelineQueues = []string{QueueContent, QueueRender, QueueUpload}

// ContentRequest is submitted by the API layer and is the payload of a content job
type ContentRequest struct {
	CorrelationID string    `json:"correlationId" validate:"omitempty,max=128"`
	Title         string    `json:"title" validate:"required,min=3,max=200"`
	Category      string    `json:"category" validate:"required,max=100"`
	ChapterCount  int       `json:"chapterCount" validate:"required,min=1,max=20"`
	Details       string    `json:"details" validate:"max=4000"`
	RequestedAt   time.Time `json:"requestedAt"`
}

// Offer is one layer of the generated sales funnel
type Offer struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Price       string   `json:"price,omitempty"`
	Benefits    []string `json:"benefits,omitempty"`
}

// Funnel is the layered offer structure around the core product
type Funnel struct {
	CoreOffer Offer   `json:"coreOffer"`
	AddOns    []Offer `json:"addOns"`
	Upgrade   Offer   `json:"upgrade"`
	Fallback  Offer   `json:"fallback"`
}

// Section is a titled block of chapter text
type Section struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

// Chapter is one chapter of the generated document
type Chapter struct {
	Title    string    `json:"title"`
	Summary  string    `json:"summary"`
	Sections []Section `json:"sections"`
}

// Document is the structured outline produced by the content stage
type Document struct {
	Title    string    `json:"title"`
	Subtitle string    `json:"subtitle,omitempty"`
	Category string    `json:"category"`
	Chapters []Chapter `json:"chapters"`
	Funnel   Funnel    `json:"funnel"`
}

// ContentResult is stored on a completed content job
type ContentResult struct {
	CorrelationID string    `json:"correlationId"`
	Document      Document  `json:"document"`
	Usage         Usage     `json:"usage"`
	RequestedAt   time.Time `json:"requestedAt"`
}

// Usage is the token accounting reported by the generative API
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
	EstimatedCost    int `json:"estimatedCost"`
}

// RenderPayload is the payload of a render job
type RenderPayload struct {
	CorrelationID string    `json:"correlationId"`
	Document      Document  `json:"document"`
	RequestedAt   time.Time `json:"requestedAt"`
}

// RenderResult is stored on a completed render job
type RenderResult struct {
	CorrelationID string    `json:"correlationId"`
	FileName      string    `json:"fileName"`
	ContentType   string    `json:"contentType"`
	Pages         int       `json:"pages"`
	Data          []byte    `json:"data"`
	RequestedAt   time.Time `json:"requestedAt"`
}

// UploadPayload is the payload of an upload job
type UploadPayload struct {
	CorrelationID string       `json:"correlationId"`
	Artifact      RenderResult `json:"artifact"`
	RequestedAt   time.Time    `json:"requestedAt"`
}

// UploadResult is stored on a completed upload job
type UploadResult struct {
	CorrelationID string    `json:"correlationId"`
	Key           string    `json:"key"`
	FileURL       string    `json:"fileUrl"`
	Size          int64     `json:"size"`
	RequestedAt   time.Time `json:"requestedAt"`
	UploadedAt    time.Time `json:"uploadedAt"`
}

// Elapsed is the end-to-end duration of the request
func (r UploadResult) Elapsed() time.Duration {
	if r.RequestedAt.IsZero() {
		return 0
	}
	return r.UploadedAt.Sub(r.RequestedAt)
}

// SubmitResponse is returned synchronously on submission
type SubmitResponse struct {
	JobID         string    `json:"jobId"`
	CorrelationID string    `json:"correlationId"`
	Queue         string    `json:"queue"`
	State         JobState  `json:"state"`
	CreatedAt     time.Time `json:"createdAt"`
}
