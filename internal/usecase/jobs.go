// Package usecase wires the engine components into the operations the API
// surface exposes. Services are thin: validation and state live in the
// components they delegate to.
package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/deepr-dev/deepr/internal/domain"
	"github.com/deepr-dev/deepr/internal/queue"
)

// JobService exposes job submission and inspection.
type JobService struct {
	Queue     *queue.Service
	Jobs      domain.JobRepository
	Artifacts domain.ArtifactStore
}

// NewJobService constructs a JobService.
func NewJobService(q *queue.Service, jobs domain.JobRepository, artifacts domain.ArtifactStore) JobService {
	return JobService{Queue: q, Jobs: jobs, Artifacts: artifacts}
}

// Enqueue admits and persists a job; submission continues asynchronously.
func (s JobService) Enqueue(ctx domain.Context, in queue.EnqueueInput) (domain.Job, error) {
	job, err := s.Queue.Enqueue(ctx, in)
	if err != nil {
		return domain.Job{}, err
	}
	slog.Info("job accepted",
		slog.String("job_id", job.ID),
		slog.String("model", job.Model),
		slog.String("provider", job.Provider))
	return job, nil
}

// Get loads one job.
func (s JobService) Get(ctx domain.Context, id string) (domain.Job, error) {
	return s.Jobs.Get(ctx, id)
}

// List filters jobs by status and provider with pagination.
func (s JobService) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	return s.Jobs.List(ctx, f)
}

// Stuck lists processing jobs flagged by the poller for operator attention.
func (s JobService) Stuck(ctx domain.Context) ([]domain.Job, error) {
	jobs, err := s.Jobs.List(ctx, domain.JobFilter{Status: domain.JobProcessing, Limit: 200})
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, j := range jobs {
		if j.StuckFlagged {
			out = append(out, j)
		}
	}
	return out, nil
}

// Cancel stops a job; terminal jobs are returned unchanged.
func (s JobService) Cancel(ctx domain.Context, id string) (domain.Job, error) {
	return s.Queue.Cancel(ctx, id)
}

// Result loads the decoded artifact for a completed job. Non-completed jobs
// return the job with a nil result so callers can render status.
func (s JobService) Result(ctx domain.Context, id string) (domain.Job, *domain.ResearchResult, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, nil, err
	}
	if job.Status != domain.JobCompleted {
		return job, nil, nil
	}
	raw, err := s.Artifacts.Get(ctx, job.ResultRef)
	if err != nil {
		return job, nil, fmt.Errorf("op=jobs.result id=%s: %w", id, err)
	}
	var result domain.ResearchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return job, nil, fmt.Errorf("op=jobs.result id=%s: %w", id, err)
	}
	return job, &result, nil
}
