// Package jobs tracks remote training and generation jobs and mirrors their
// last-known status into the document cache, so job state survives restarts
// and renders while offline like any other cached document.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/karelmaki/fotosync/internal/cache"
	"github.com/karelmaki/fotosync/internal/events"
	"github.com/karelmaki/fotosync/internal/remote"
	"github.com/karelmaki/fotosync/internal/throttle"
)

// JobsCollection is the cache collection that mirrors job state.
const JobsCollection = "jobs"

// defaultPollInterval is how often Watch samples status when the stream is
// unavailable.
const defaultPollInterval = 5 * time.Second

// Kind distinguishes training from generation jobs.
type Kind string

// Job kinds.
const (
	KindTraining   Kind = "training"
	KindGeneration Kind = "generation"
)

// Job is the locally tracked view of a remote job.
type Job struct {
	ID        string           `json:"id"`
	Kind      Kind             `json:"kind"`
	Status    remote.JobStatus `json:"status"`
	Progress  float64          `json:"progress"`
	Error     string           `json:"error,omitempty"`
	Outputs   []string         `json:"outputs,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Tracker submits jobs and keeps their cached mirror current.
type Tracker struct {
	svc       remote.InferenceService
	throttler *throttle.Throttler
	cache     *cache.Store
	bus       *events.Bus
	logger    *slog.Logger

	pollInterval time.Duration
	nowFunc      func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPollInterval overrides the status poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

// NewTracker creates a Tracker.
func NewTracker(
	svc remote.InferenceService,
	throttler *throttle.Throttler,
	c *cache.Store,
	bus *events.Bus,
	logger *slog.Logger,
	opts ...Option,
) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		svc:          svc,
		throttler:    throttler,
		cache:        c,
		bus:          bus,
		logger:       logger,
		pollInterval: defaultPollInterval,
		nowFunc:      time.Now,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// SubmitGeneration submits a generation job. InferenceSteps and
// LowMemoryMode always come from the throttler at submit time; whatever the
// caller put in those fields is overwritten.
func (t *Tracker) SubmitGeneration(ctx context.Context, params remote.GenerationParams) (*Job, error) {
	settings := t.throttler.GenerationSettings()
	params.InferenceSteps = settings.InferenceSteps
	params.LowMemoryMode = settings.LowMemoryMode

	t.logger.Info("submitting generation job",
		slog.String("prompt", params.Prompt),
		slog.Int("inference_steps", params.InferenceSteps),
		slog.Bool("low_memory", params.LowMemoryMode),
	)

	jobID, err := t.svc.SubmitGeneration(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("jobs: submit generation: %w", err)
	}

	return t.record(ctx, jobID, KindGeneration)
}

// SubmitTraining submits a fine-tuning job.
func (t *Tracker) SubmitTraining(ctx context.Context, params remote.TrainingParams) (*Job, error) {
	t.logger.Info("submitting training job",
		slog.String("subject", params.SubjectName),
		slog.Int("photos", len(params.PhotoURLs)),
	)

	jobID, err := t.svc.SubmitTraining(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("jobs: submit training: %w", err)
	}

	return t.record(ctx, jobID, KindTraining)
}

// record mirrors a freshly submitted job into the cache.
func (t *Tracker) record(ctx context.Context, jobID string, kind Kind) (*Job, error) {
	job := &Job{
		ID:        jobID,
		Kind:      kind,
		Status:    remote.JobPending,
		UpdatedAt: t.nowFunc(),
	}

	if err := t.mirror(ctx, job); err != nil {
		return nil, err
	}

	t.bus.Publish(events.Event{Kind: events.KindJobStatusChanged, Payload: *job})

	return job, nil
}

// Get returns the cached view of a job, or (nil, nil) when unknown.
func (t *Tracker) Get(ctx context.Context, jobID string) (*Job, error) {
	data, err := t.cache.GetDocument(ctx, JobsCollection, jobID)
	if err != nil || data == nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("jobs: decode cached job %s: %w", jobID, err)
	}

	return &job, nil
}

// Refresh polls the service once and updates the mirror if the status
// moved. Returns the fresh view.
func (t *Tracker) Refresh(ctx context.Context, jobID string) (*Job, error) {
	state, err := t.svc.PollStatus(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("jobs: poll %s: %w", jobID, err)
	}

	return t.applyState(ctx, jobID, *state)
}

// Watch follows a job until it reaches a terminal state or ctx is
// canceled, preferring the service's status stream and falling back to
// polling when the stream cannot be established. Every observed change is
// mirrored and published.
func (t *Tracker) Watch(ctx context.Context, jobID string) (*Job, error) {
	stream, err := t.svc.SubscribeStatus(ctx, jobID)
	if err != nil {
		t.logger.Warn("status stream unavailable, polling instead",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)

		return t.pollUntilDone(ctx, jobID)
	}

	var last *Job

	for {
		select {
		case state, ok := <-stream:
			if !ok {
				if last != nil && last.Status.Terminal() {
					return last, nil
				}

				// Stream ended early; finish by polling.
				return t.pollUntilDone(ctx, jobID)
			}

			last, err = t.applyState(ctx, jobID, state)
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
}

func (t *Tracker) pollUntilDone(ctx context.Context, jobID string) (*Job, error) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		job, err := t.Refresh(ctx, jobID)
		if err != nil {
			return nil, err
		}

		if job.Status.Terminal() {
			return job, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return job, ctx.Err()
		}
	}
}

// applyState merges a status sample into the mirror, publishing an event
// only when something actually changed.
func (t *Tracker) applyState(ctx context.Context, jobID string, state remote.JobState) (*Job, error) {
	prev, err := t.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	job := &Job{ID: jobID, UpdatedAt: t.nowFunc()}
	if prev != nil {
		job.Kind = prev.Kind
	}

	job.Status = state.Status
	job.Progress = state.Progress
	job.Error = state.Error
	job.Outputs = state.Outputs

	if prev != nil && prev.Status == job.Status && prev.Progress == job.Progress {
		return prev, nil
	}

	if err := t.mirror(ctx, job); err != nil {
		return nil, err
	}

	t.logger.Info("job status changed",
		slog.String("job_id", jobID),
		slog.String("status", string(job.Status)),
		slog.Float64("progress", job.Progress),
	)

	t.bus.Publish(events.Event{Kind: events.KindJobStatusChanged, Payload: *job})

	return job, nil
}

func (t *Tracker) mirror(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobs: encode job %s: %w", job.ID, err)
	}

	if err := t.cache.Put(ctx, JobsCollection, job.ID, data); err != nil {
		return fmt.Errorf("jobs: mirror job %s: %w", job.ID, err)
	}

	return nil
}
