package remote

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// Document is one remote document: raw JSON plus addressing metadata.
type Document struct {
	Collection string
	ID         string
	Data       json.RawMessage
	UpdatedAt  time.Time
}

// DocumentStore is the abstract remote document database. The sync engine
// replays queued mutations against it; reads feed the cache layer.
// Implementations must return errors classifiable by Classify so permanent
// and transient failures route differently.
type DocumentStore interface {
	Get(ctx context.Context, collection, docID string) (*Document, error)
	Set(ctx context.Context, collection, docID string, data json.RawMessage) (*Document, error)
	Update(ctx context.Context, collection, docID string, data json.RawMessage) (*Document, error)
	Delete(ctx context.Context, collection, docID string) error
	// Subscribe streams snapshots for a collection until ctx is canceled.
	Subscribe(ctx context.Context, collection string) (<-chan []Document, error)
}

// ProgressFunc reports upload progress as bytes sent out of the total.
type ProgressFunc func(sent, total int64)

// BlobMetadata accompanies an uploaded blob.
type BlobMetadata struct {
	ContentType string
	Compressed  bool
}

// BlobStore is the abstract remote binary store for photo uploads.
type BlobStore interface {
	Upload(ctx context.Context, path string, r io.Reader, size int64, meta BlobMetadata, progress ProgressFunc) (url string, err error)
}

// JobStatus is the lifecycle state of a remote training or generation job.
type JobStatus string

// Job statuses, as reported by the inference service.
const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// TrainingParams configures a fine-tuning job.
type TrainingParams struct {
	SubjectName string   `json:"subject_name"`
	PhotoURLs   []string `json:"photo_urls"`
	BaseModel   string   `json:"base_model,omitempty"`
}

// GenerationParams configures an image generation request. InferenceSteps
// and LowMemoryMode come from the throttler at submit time.
type GenerationParams struct {
	Prompt         string `json:"prompt"`
	ModelID        string `json:"model_id,omitempty"`
	InferenceSteps int    `json:"inference_steps"`
	LowMemoryMode  bool   `json:"low_memory_mode"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
}

// JobState is one status sample for a remote job.
type JobState struct {
	JobID    string    `json:"job_id"`
	Status   JobStatus `json:"status"`
	Progress float64   `json:"progress"` // 0..1
	Error    string    `json:"error,omitempty"`
	Outputs  []string  `json:"outputs,omitempty"` // result URLs when completed
}

// InferenceService is the abstract hosted training/generation backend.
// Jobs are long-running: submit returns immediately and the caller polls
// or subscribes for completion.
type InferenceService interface {
	SubmitTraining(ctx context.Context, params TrainingParams) (jobID string, err error)
	SubmitGeneration(ctx context.Context, params GenerationParams) (jobID string, err error)
	PollStatus(ctx context.Context, jobID string) (*JobState, error)
	// SubscribeStatus streams status changes until the job reaches a
	// terminal state or ctx is canceled.
	SubscribeStatus(ctx context.Context, jobID string) (<-chan JobState, error)
}
