// Package queue owns the research job lifecycle: admission, submission,
// cancellation and every state transition. All writes to a job row pass
// through this package under a per-job lock, and events are published only
// after the corresponding durable write.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/deepr-dev/deepr/internal/adapter/observability"
	"github.com/deepr-dev/deepr/internal/adapter/provider"
	"github.com/deepr-dev/deepr/internal/budget"
	"github.com/deepr-dev/deepr/internal/config"
	"github.com/deepr-dev/deepr/internal/domain"
	"github.com/deepr-dev/deepr/internal/eventbus"
	obsctx "github.com/deepr-dev/deepr/internal/observability"
	"github.com/deepr-dev/deepr/pkg/textx"
)

// ElicitationError carries a budget decision that needs user input. The API
// layer renders it as a requires_elicitation envelope with the option list
// instead of a plain error.
type ElicitationError struct {
	Decision budget.Decision
}

func (e *ElicitationError) Error() string { return e.Decision.Reason }

func (e *ElicitationError) Unwrap() error { return domain.ErrRequiresElicitation }

// EnqueueInput is everything a caller may set on a new job.
type EnqueueInput struct {
	Prompt         string
	Model          string
	Provider       string
	Tools          []domain.Tool
	VectorStoreRef string
	BudgetCap      float64
	Metadata       map[string]string
	Priority       int
	ParentPhaseRef string
	IdemKey        *string
	// Override records an explicit APPROVE_OVERRIDE answer to a previous
	// elicitation; admission checks are bypassed and the flag is persisted.
	Override bool
}

// Service is the job queue.
type Service struct {
	jobs     domain.JobRepository
	registry *provider.Registry
	governor *budget.Governor
	bus      *eventbus.Bus
	cfg      config.Config
	docs     domain.DocumentStore // optional, for file_search materialisation

	locks    *keyedMutex
	inflight *semaphore.Weighted
	bg       context.Context

	heldMu sync.Mutex
	held   map[string]struct{} // job ids holding an inflight token
}

// New constructs the queue service. bg outlives request contexts and bounds
// the async submit goroutines; pass the process root context.
func New(bg context.Context, jobs domain.JobRepository, registry *provider.Registry,
	governor *budget.Governor, bus *eventbus.Bus, cfg config.Config) *Service {
	max := cfg.MaxInflightJobs
	if max <= 0 {
		max = 16
	}
	return &Service{
		jobs:     jobs,
		registry: registry,
		governor: governor,
		bus:      bus,
		cfg:      cfg,
		locks:    newKeyedMutex(),
		inflight: semaphore.NewWeighted(max),
		bg:       bg,
		held:     map[string]struct{}{},
	}
}

// SetDocumentStore attaches the store used to materialise file_search for
// providers without native support. Call during wiring, before traffic.
func (s *Service) SetDocumentStore(ds domain.DocumentStore) { s.docs = ds }

// Enqueue validates, gates on budget and persists a new job. Admitted jobs
// are handed to an async submitter; rejected jobs are persisted terminal so
// the decision is auditable. A budget overrun returns *ElicitationError and
// persists nothing.
func (s *Service) Enqueue(ctx context.Context, in EnqueueInput) (domain.Job, error) {
	if in.IdemKey != nil && *in.IdemKey != "" {
		existing, err := s.jobs.FindByIdempotencyKey(ctx, *in.IdemKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, fmt.Errorf("op=queue.enqueue: %w", err)
		}
	}

	if err := s.validate(&in); err != nil {
		return domain.Job{}, err
	}

	estimate := provider.EstimateCost(in.Model, in.Prompt, in.Tools)
	decision := s.governor.CheckAdmission(estimate, in.BudgetCap, in.Override)

	job := domain.Job{
		Prompt:         in.Prompt,
		Model:          in.Model,
		Provider:       in.Provider,
		Tools:          in.Tools,
		VectorStoreRef: in.VectorStoreRef,
		BudgetCap:      in.BudgetCap,
		Metadata:       in.Metadata,
		Priority:       in.Priority,
		ParentPhaseRef: in.ParentPhaseRef,
		IdemKey:        in.IdemKey,
		Status:         domain.JobPending,
		EstimatedCost:  estimate,
		CostOverride:   in.Override,
	}

	switch decision.Verdict {
	case budget.VerdictElicit:
		return domain.Job{}, &ElicitationError{Decision: decision}
	case budget.VerdictReject:
		job.Status = domain.JobAdmissionRejected
		job.Error = &domain.JobError{Kind: domain.ErrKindBudgetTooLow, Message: decision.Reason}
	}

	id, err := s.jobs.Create(ctx, job)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.enqueue: %w", err)
	}
	created, err := s.jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.enqueue: %w", err)
	}

	if created.Status == domain.JobAdmissionRejected {
		observability.JobsTerminalTotal.WithLabelValues(string(domain.JobAdmissionRejected)).Inc()
		s.bus.Publish(eventbus.Event{
			Topic: eventbus.JobTopic(id, "rejected"),
			Data:  map[string]any{"status": string(created.Status), "reason": decision.Reason},
		})
		return created, nil
	}

	observability.JobsEnqueuedTotal.WithLabelValues(created.Provider).Inc()
	s.bus.Publish(eventbus.Event{
		Topic: eventbus.JobTopic(id, "created"),
		Data:  map[string]any{"status": string(created.Status), "estimated_cost": estimate},
	})

	// The submit goroutine outlives the request; carry the request id across
	// so its logs stay correlated.
	reqID := obsctx.RequestIDFromContext(ctx)
	go func() {
		if err := s.Submit(s.bg, id); err != nil {
			slog.Error("async submit failed",
				slog.String("job_id", id),
				slog.String("request_id", reqID),
				slog.Any("error", err))
		}
	}()
	return created, nil
}

func (s *Service) validate(in *EnqueueInput) error {
	in.Prompt = textx.SanitizeText(in.Prompt)
	if in.Prompt == "" {
		return fmt.Errorf("op=queue.enqueue: empty prompt: %w", domain.ErrInvalidArgument)
	}
	if len(in.Prompt) > domain.MaxPromptChars {
		return fmt.Errorf("op=queue.enqueue: prompt exceeds %d chars: %w", domain.MaxPromptChars, domain.ErrInvalidArgument)
	}
	if in.Metadata != nil {
		b, err := json.Marshal(in.Metadata)
		if err != nil || len(b) > domain.MaxMetadataBytes {
			return fmt.Errorf("op=queue.enqueue: metadata exceeds %d bytes: %w", domain.MaxMetadataBytes, domain.ErrInvalidArgument)
		}
	}
	if in.Model == "" {
		in.Model = s.cfg.DefaultModel
	}
	if !s.modelAllowed(in.Model) {
		return fmt.Errorf("op=queue.enqueue: unknown model %q: %w", in.Model, domain.ErrInvalidArgument)
	}
	if in.Provider == "" {
		in.Provider = s.cfg.DefaultProvider
	}
	if _, err := s.registry.Get(in.Provider); err != nil {
		return fmt.Errorf("op=queue.enqueue: unknown provider %q: %w", in.Provider, domain.ErrInvalidArgument)
	}
	if err := s.registry.ValidateTools(in.Provider, in.Tools); err != nil {
		return err
	}
	if in.Priority < 1 || in.Priority > 5 {
		if in.Priority == 0 {
			in.Priority = 3
		} else {
			return fmt.Errorf("op=queue.enqueue: priority %d out of range: %w", in.Priority, domain.ErrInvalidArgument)
		}
	}
	return nil
}

func (s *Service) modelAllowed(model string) bool {
	for _, m := range s.cfg.ModelAllowList {
		if m == model {
			return true
		}
	}
	return false
}

// Submit drives pending -> submitting -> processing. A submit failure or
// timeout lands the job in failed with a kind the retry policy can act on.
func (s *Service) Submit(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		unlock()
		return fmt.Errorf("op=queue.submit: %w", err)
	}
	if job.Status != domain.JobPending {
		// Cancelled or already picked up; nothing to do.
		unlock()
		return nil
	}
	if err := s.transitionLocked(ctx, &job, domain.JobSubmitting, "submitting", nil); err != nil {
		unlock()
		return err
	}
	unlock()

	if err := s.inflight.Acquire(ctx, 1); err != nil {
		return s.failFromSubmit(ctx, id, &domain.JobError{
			Kind: domain.ErrKindSubmitTimeout, Message: "shutdown before submission",
		})
	}
	s.markInflight(id)

	p, err := s.registry.Get(job.Provider)
	if err != nil {
		s.releaseInflight(id)
		return s.failFromSubmit(ctx, id, &domain.JobError{
			Kind: domain.ErrKindUnknownProvider, Message: err.Error(),
		})
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	prompt, tools := job.Prompt, job.Tools
	if s.docs != nil && !s.registry.Supports(job.Provider, domain.ToolFileSearch) {
		prompt, tools = s.materialiseFileSearch(submitCtx, job)
	}
	providerJobID, err := p.Submit(submitCtx, domain.SubmitRequest{
		JobID:          job.ID,
		Prompt:         prompt,
		Model:          job.Model,
		Tools:          tools,
		VectorStoreRef: job.VectorStoreRef,
	})
	cancel()
	if err != nil {
		s.releaseInflight(id)
		return s.failFromSubmit(ctx, id, submitError(err))
	}

	unlock = s.locks.Lock(id)
	defer unlock()
	job, err = s.jobs.Get(ctx, id)
	if err != nil {
		s.releaseInflight(id)
		return fmt.Errorf("op=queue.submit: %w", err)
	}
	if job.Status != domain.JobSubmitting {
		// Cancelled while the provider call was in flight; reap the remote run.
		s.releaseInflight(id)
		if cErr := p.Cancel(ctx, providerJobID); cErr != nil {
			slog.Warn("orphan cancel failed", slog.String("job_id", id), slog.Any("error", cErr))
		}
		return nil
	}
	now := time.Now().UTC()
	job.ProviderJobID = providerJobID
	job.StartedAt = &now
	return s.transitionLocked(ctx, &job, domain.JobProcessing, "processing",
		map[string]any{"provider_job_id": providerJobID})
}

// materialiseFileSearch replaces a file_search tool the provider cannot run
// with inline excerpts retrieved from the referenced store. Retrieval
// failures degrade to the bare prompt; the job still runs.
func (s *Service) materialiseFileSearch(ctx context.Context, job domain.Job) (string, []domain.Tool) {
	prompt := job.Prompt
	kept := make([]domain.Tool, 0, len(job.Tools))
	for _, t := range job.Tools {
		if t.Kind != domain.ToolFileSearch {
			kept = append(kept, t)
			continue
		}
		ref := t.StoreRef
		if ref == "" {
			ref = job.VectorStoreRef
		}
		if ref == "" {
			continue
		}
		hits, err := s.docs.Search(ctx, ref, job.Prompt, 5)
		if err != nil {
			slog.Warn("file_search materialisation failed",
				slog.String("job_id", job.ID), slog.Any("error", err))
			continue
		}
		if len(hits) == 0 {
			continue
		}
		var b strings.Builder
		b.WriteString("Relevant excerpts from the attached corpus:\n")
		for _, h := range hits {
			fmt.Fprintf(&b, "- [%s] %s\n", h.DocRef, h.Excerpt)
		}
		b.WriteString("\n")
		b.WriteString(prompt)
		prompt = b.String()
	}
	return prompt, kept
}

func submitError(err error) *domain.JobError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &domain.JobError{Kind: domain.ErrKindSubmitTimeout, Message: "provider submission timed out"}
	case errors.Is(err, domain.ErrRateLimited):
		return &domain.JobError{Kind: domain.ErrKindRateLimited, Message: err.Error()}
	case errors.Is(err, domain.ErrProviderAuth):
		return &domain.JobError{Kind: domain.ErrKindAuth, Message: err.Error()}
	case errors.Is(err, domain.ErrUpstream5xx):
		return &domain.JobError{Kind: domain.ErrKindProvider5xx, Message: err.Error()}
	case errors.Is(err, domain.ErrNetwork):
		return &domain.JobError{Kind: domain.ErrKindNetwork, Message: err.Error()}
	default:
		return &domain.JobError{Kind: domain.ErrKindInvalidRequest, Message: err.Error()}
	}
}

func (s *Service) failFromSubmit(ctx context.Context, id string, jobErr *domain.JobError) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=queue.submit: %w", err)
	}
	if job.Status != domain.JobSubmitting {
		return nil
	}
	return s.transitionLocked(ctx, &job, domain.JobFailed, "failed",
		map[string]any{"error_kind": string(jobErr.Kind), "error": jobErr.Message}, withError(jobErr))
}

// Cancel is idempotent: cancelling a terminal job succeeds without effect.
// The provider call is best effort; local state wins.
func (s *Service) Cancel(ctx context.Context, id string) (domain.Job, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.cancel: %w", err)
	}
	if job.Status.Terminal() {
		return job, nil
	}

	if job.ProviderJobID != "" {
		if p, pErr := s.registry.Get(job.Provider); pErr == nil {
			if cErr := p.Cancel(ctx, job.ProviderJobID); cErr != nil {
				slog.Warn("provider cancel failed, proceeding locally",
					slog.String("job_id", id), slog.Any("error", cErr))
			}
		}
	}
	if err := s.transitionLocked(ctx, &job, domain.JobCancelled, "cancelled", nil,
		withError(&domain.JobError{Kind: domain.ErrKindCancelled, Message: "cancelled by caller"})); err != nil {
		return domain.Job{}, err
	}
	s.releaseInflight(id)
	return job, nil
}

// Complete finalises a processing job with its result. Called by the poller
// after the artifact is durably stored.
func (s *Service) Complete(ctx context.Context, id, resultRef string, usage domain.TokenUsage, cost float64) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=queue.complete: %w", err)
	}
	if job.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	job.ResultRef = resultRef
	job.TokenUsage = usage
	job.ActualCost = cost
	job.Progress = 1
	job.CompletedAt = &now
	if err := s.transitionLocked(ctx, &job, domain.JobCompleted, "completed",
		map[string]any{"result_ref": resultRef, "actual_cost": cost}); err != nil {
		return err
	}
	s.releaseInflight(id)
	if cost > 0 {
		if err := s.governor.RecordSpend(ctx, id, cost, job.Provider, job.Model); err != nil {
			slog.Error("spend record failed", slog.String("job_id", id), slog.Any("error", err))
		}
	}
	return nil
}

// Fail moves a processing job to failed. Called by the poller on provider
// failure or when the provider loses the job.
func (s *Service) Fail(ctx context.Context, id string, jobErr *domain.JobError) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=queue.fail: %w", err)
	}
	if job.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	job.CompletedAt = &now
	if err := s.transitionLocked(ctx, &job, domain.JobFailed, "failed",
		map[string]any{"error_kind": string(jobErr.Kind), "error": jobErr.Message}, withError(jobErr)); err != nil {
		return err
	}
	s.releaseInflight(id)
	return nil
}

// UpdateProgress persists poll progress without a state change.
func (s *Service) UpdateProgress(ctx context.Context, id string, progress float64) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=queue.progress: %w", err)
	}
	if job.Status != domain.JobProcessing {
		return nil
	}
	now := time.Now().UTC()
	job.LastPollAt = &now
	if progress > job.Progress {
		job.Progress = progress
	}
	if err := s.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("op=queue.progress: %w", err)
	}
	s.bus.Publish(eventbus.Event{
		Topic: eventbus.JobTopic(id, "progress"),
		Data:  map[string]any{"progress": job.Progress},
	})
	return nil
}

// FlagStuck marks a processing job as stuck without failing it; the remote
// run may still finish.
func (s *Service) FlagStuck(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=queue.flag_stuck: %w", err)
	}
	if job.Status != domain.JobProcessing || job.StuckFlagged {
		return nil
	}
	job.StuckFlagged = true
	if err := s.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("op=queue.flag_stuck: %w", err)
	}
	s.bus.Publish(eventbus.Event{Topic: eventbus.JobTopic(id, "stuck")})
	return nil
}

// Rehydrate restores queue invariants after a restart: jobs caught mid-submit
// are failed, and inflight accounting is re-primed for processing jobs.
func (s *Service) Rehydrate(ctx context.Context) error {
	submitting, err := s.jobs.List(ctx, domain.JobFilter{Status: domain.JobSubmitting})
	if err != nil {
		return fmt.Errorf("op=queue.rehydrate: %w", err)
	}
	for _, job := range submitting {
		j := job
		jobErr := &domain.JobError{Kind: domain.ErrKindSubmitTimeout, Message: "submission interrupted by restart"}
		unlock := s.locks.Lock(j.ID)
		err := s.transitionLocked(ctx, &j, domain.JobFailed, "failed",
			map[string]any{"error_kind": string(jobErr.Kind)}, withError(jobErr))
		unlock()
		if err != nil {
			return err
		}
	}
	processing, err := s.jobs.List(ctx, domain.JobFilter{Status: domain.JobProcessing})
	if err != nil {
		return fmt.Errorf("op=queue.rehydrate: %w", err)
	}
	for _, job := range processing {
		if s.inflight.TryAcquire(1) {
			s.markInflight(job.ID)
		}
	}
	slog.Info("queue rehydrated",
		slog.Int("failed_submitting", len(submitting)),
		slog.Int("adopted_processing", len(processing)))
	return nil
}

type transitionOpt func(*domain.Job)

func withError(e *domain.JobError) transitionOpt {
	return func(j *domain.Job) { j.Error = e }
}

// transitionLocked validates the edge, persists and publishes. Callers hold
// the per-job lock and pass the freshly loaded row.
func (s *Service) transitionLocked(ctx context.Context, job *domain.Job, to domain.JobStatus,
	event string, data map[string]any, opts ...transitionOpt) error {
	if err := domain.ValidateTransition(job.Status, to); err != nil {
		return err
	}
	job.Status = to
	for _, opt := range opts {
		opt(job)
	}
	if to.Terminal() && job.CompletedAt == nil {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	if err := s.jobs.Update(ctx, *job); err != nil {
		return fmt.Errorf("op=queue.transition to=%s: %w", to, err)
	}
	if to.Terminal() {
		observability.JobsTerminalTotal.WithLabelValues(string(to)).Inc()
	}
	s.bus.Publish(eventbus.Event{Topic: eventbus.JobTopic(job.ID, event), Data: data})
	return nil
}

func (s *Service) markInflight(id string) {
	s.heldMu.Lock()
	s.held[id] = struct{}{}
	s.heldMu.Unlock()
	observability.JobsInflight.Inc()
}

// releaseInflight is a no-op for jobs not holding a token, so terminal paths
// can call it unconditionally.
func (s *Service) releaseInflight(id string) {
	s.heldMu.Lock()
	_, ok := s.held[id]
	if ok {
		delete(s.held, id)
	}
	s.heldMu.Unlock()
	if ok {
		s.inflight.Release(1)
		observability.JobsInflight.Dec()
	}
}
