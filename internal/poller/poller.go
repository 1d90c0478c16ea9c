// Package poller drives processing jobs to completion: it batches status
// polls per provider, persists results as artifacts and hands terminal
// transitions to the queue.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deepr-dev/deepr/internal/adapter/observability"
	"github.com/deepr-dev/deepr/internal/adapter/provider"
	"github.com/deepr-dev/deepr/internal/config"
	"github.com/deepr-dev/deepr/internal/domain"
	"github.com/deepr-dev/deepr/internal/queue"
)

// lostAfterUnknowns is how many consecutive unknown poll statuses fail a job
// as provider_lost_job.
const lostAfterUnknowns = 3

// Poller owns the processing phase of the job lifecycle.
type Poller struct {
	jobs      domain.JobRepository
	registry  *provider.Registry
	queue     *queue.Service
	artifacts domain.ArtifactStore
	cfg       config.Config

	mu       sync.Mutex
	unknowns map[string]int // job id -> consecutive unknown polls
}

// New constructs a Poller.
func New(jobs domain.JobRepository, registry *provider.Registry, q *queue.Service,
	artifacts domain.ArtifactStore, cfg config.Config) *Poller {
	return &Poller{
		jobs:      jobs,
		registry:  registry,
		queue:     q,
		artifacts: artifacts,
		cfg:       cfg,
		unknowns:  map[string]int{},
	}
}

// Run ticks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("poller stopping")
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				slog.Error("poll tick failed", slog.Any("error", err))
			}
		}
	}
}

// Tick polls every processing job once, batched per provider.
func (p *Poller) Tick(ctx context.Context) error {
	observability.PollTicksTotal.Inc()
	jobs, err := p.jobs.List(ctx, domain.JobFilter{Status: domain.JobProcessing, Limit: 1000})
	if err != nil {
		return fmt.Errorf("op=poller.tick: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	byProvider := map[string][]domain.Job{}
	for _, j := range jobs {
		if j.ProviderJobID == "" {
			continue
		}
		byProvider[j.Provider] = append(byProvider[j.Provider], j)
	}
	for name, batch := range byProvider {
		p.pollBatch(ctx, name, batch)
	}
	p.flagStuck(ctx)
	return nil
}

func (p *Poller) pollBatch(ctx context.Context, providerName string, batch []domain.Job) {
	start := time.Now()
	defer func() {
		observability.PollBatchDuration.WithLabelValues(providerName).Observe(time.Since(start).Seconds())
	}()

	prov, err := p.registry.Get(providerName)
	if err != nil {
		slog.Error("poll skipped, provider unregistered", slog.String("provider", providerName))
		return
	}
	ids := make([]string, len(batch))
	byRemote := make(map[string]domain.Job, len(batch))
	for i, j := range batch {
		ids[i] = j.ProviderJobID
		byRemote[j.ProviderJobID] = j
	}
	results, err := prov.Poll(ctx, ids)
	if err != nil {
		slog.Warn("poll batch failed", slog.String("provider", providerName), slog.Any("error", err))
		return
	}
	for _, res := range results {
		job, ok := byRemote[res.ID]
		if !ok {
			continue
		}
		p.apply(ctx, job, prov, res)
	}
}

func (p *Poller) apply(ctx context.Context, job domain.Job, prov domain.Provider, res domain.PollResult) {
	switch res.Status {
	case domain.PollRunning:
		p.resetUnknowns(job.ID)
		if err := p.queue.UpdateProgress(ctx, job.ID, res.Progress); err != nil {
			slog.Error("progress update failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	case domain.PollCompleted:
		p.resetUnknowns(job.ID)
		p.finish(ctx, job, prov)
	case domain.PollFailed:
		p.resetUnknowns(job.ID)
		jobErr := res.Error
		if jobErr == nil {
			jobErr = &domain.JobError{Kind: domain.ErrKindProvider5xx, Message: "provider reported failure"}
		}
		if err := p.queue.Fail(ctx, job.ID, jobErr); err != nil {
			slog.Error("fail transition failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	case domain.PollUnknown:
		if p.bumpUnknowns(job.ID) >= lostAfterUnknowns {
			p.resetUnknowns(job.ID)
			err := p.queue.Fail(ctx, job.ID, &domain.JobError{
				Kind:    domain.ErrKindProviderLostJob,
				Message: fmt.Sprintf("provider returned unknown status %d consecutive polls", lostAfterUnknowns),
			})
			if err != nil {
				slog.Error("lost-job transition failed", slog.String("job_id", job.ID), slog.Any("error", err))
			}
		}
	}
}

// finish fetches the result, stores the artifact, then completes the job.
// Artifact write precedes the terminal transition so a crash between the two
// re-fetches on the next tick instead of losing the result.
func (p *Poller) finish(ctx context.Context, job domain.Job, prov domain.Provider) {
	result, err := prov.FetchResult(ctx, job.ProviderJobID)
	if err != nil {
		slog.Warn("result fetch failed, will retry next tick",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	envelope, err := json.Marshal(result)
	if err != nil {
		slog.Error("result marshal failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	ref, err := p.artifacts.Put(ctx, envelope)
	if err != nil {
		slog.Warn("artifact store failed, will retry next tick",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	cost := result.Cost
	if cost == 0 {
		cost = job.EstimatedCost
	}
	if err := p.queue.Complete(ctx, job.ID, ref, result.TokenUsage, cost); err != nil {
		slog.Error("complete transition failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

// flagStuck marks processing jobs whose last progress update is older than
// the threshold. Deep research legitimately runs for hours, so staleness is
// anchored on the most recent poll, not on how long the job has been running.
// Rows are re-listed so progress persisted earlier in the same tick counts.
func (p *Poller) flagStuck(ctx context.Context) {
	threshold := p.cfg.StuckThreshold
	if threshold <= 0 {
		threshold = 30 * time.Minute
	}
	cutoff := time.Now().UTC().Add(-threshold)
	jobs, err := p.jobs.List(ctx, domain.JobFilter{Status: domain.JobProcessing, Limit: 1000})
	if err != nil {
		slog.Error("stuck scan failed", slog.Any("error", err))
		return
	}
	for _, j := range jobs {
		if j.StuckFlagged {
			continue
		}
		last := j.LastPollAt
		if last == nil {
			last = j.StartedAt
		}
		if last == nil || last.After(cutoff) {
			continue
		}
		if err := p.queue.FlagStuck(ctx, j.ID); err != nil {
			slog.Error("stuck flag failed", slog.String("job_id", j.ID), slog.Any("error", err))
		} else {
			slog.Warn("job flagged stuck",
				slog.String("job_id", j.ID),
				slog.Duration("threshold", threshold),
				slog.Time("last_poll_at", *last))
		}
	}
}

func (p *Poller) bumpUnknowns(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unknowns[id]++
	return p.unknowns[id]
}

func (p *Poller) resetUnknowns(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.unknowns, id)
}
