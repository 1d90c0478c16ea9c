// Package campaign implements the multi-phase campaign engine: planning via a
// cheap planner model, frontier execution over the topic DAG, context chaining
// between dependent topics and durable pause/resume.
package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deepr-dev/deepr/internal/adapter/observability"
	"github.com/deepr-dev/deepr/internal/config"
	"github.com/deepr-dev/deepr/internal/domain"
	"github.com/deepr-dev/deepr/internal/eventbus"
	"github.com/deepr-dev/deepr/internal/queue"
)

// hardMaxRounds caps auto-continue regardless of configuration so a runaway
// planner cannot spend forever.
const hardMaxRounds = 5

// resyncInterval bounds how stale the engine can get when events are dropped
// and paces topic retry backoff checks.
const resyncInterval = 15 * time.Second

// CreateInput describes a new campaign. Explicit Topics make a planned
// campaign ready immediately; without them a planner job decomposes the goal.
type CreateInput struct {
	Goal         string
	BudgetCap    float64
	AutoContinue bool
	MaxRounds    int
	ExpertRef    string
	GapRef       string
	Topics       []domain.Topic
}

// Engine drives campaigns. One stepper goroutine serialises all campaign
// mutations; HTTP handlers only flip durable status and wake the stepper.
type Engine struct {
	campaigns  domain.CampaignRepository
	jobs       domain.JobRepository
	queue      *queue.Service
	artifacts  domain.ArtifactStore
	summariser domain.Summariser
	bus        *eventbus.Bus
	cfg        config.Config

	wake chan struct{}

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	retryAt map[string]time.Time // topic id -> earliest next attempt
}

// NewEngine constructs the engine.
func NewEngine(campaigns domain.CampaignRepository, jobs domain.JobRepository, q *queue.Service,
	artifacts domain.ArtifactStore, summariser domain.Summariser, bus *eventbus.Bus, cfg config.Config) *Engine {
	return &Engine{
		campaigns:  campaigns,
		jobs:       jobs,
		queue:      q,
		artifacts:  artifacts,
		summariser: summariser,
		bus:        bus,
		cfg:        cfg,
		wake:       make(chan struct{}, 1),
		locks:      map[string]*sync.Mutex{},
		retryAt:    map[string]time.Time{},
	}
}

func (e *Engine) lock(id string) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Wake nudges the stepper without blocking.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run subscribes to job events and steps active campaigns until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) {
	unsubscribe := e.bus.Subscribe("jobs", func(ev eventbus.Event) {
		switch {
		case strings.HasSuffix(ev.Topic, ".completed"),
			strings.HasSuffix(ev.Topic, ".failed"),
			strings.HasSuffix(ev.Topic, ".cancelled"):
			e.Wake()
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("campaign engine stopping")
			return
		case <-e.wake:
		case <-ticker.C:
		}
		e.StepAll(ctx)
	}
}

// StepAll advances every active campaign once.
func (e *Engine) StepAll(ctx context.Context) {
	active, err := e.campaigns.ListActive(ctx)
	if err != nil {
		slog.Error("campaign list failed", slog.Any("error", err))
		return
	}
	for _, c := range active {
		if err := e.Step(ctx, c.ID); err != nil {
			slog.Error("campaign step failed", slog.String("campaign_id", c.ID), slog.Any("error", err))
		}
	}
}

// Create persists a new campaign. With explicit topics the DAG is validated
// and the campaign is ready; otherwise a planner job is enqueued and the
// campaign stays in planning until its output parses.
func (e *Engine) Create(ctx context.Context, in CreateInput) (domain.Campaign, error) {
	if in.Goal == "" {
		return domain.Campaign{}, fmt.Errorf("op=campaign.create: empty goal: %w", domain.ErrInvalidArgument)
	}
	maxRounds := in.MaxRounds
	if maxRounds <= 0 {
		maxRounds = e.cfg.MaxCampaignRounds
	}
	if maxRounds > hardMaxRounds {
		maxRounds = hardMaxRounds
	}
	c := domain.Campaign{
		Goal:         in.Goal,
		BudgetCap:    in.BudgetCap,
		AutoContinue: in.AutoContinue,
		MaxRounds:    maxRounds,
		ExpertRef:    in.ExpertRef,
		GapRef:       in.GapRef,
		Status:       domain.CampaignPlanning,
	}

	if len(in.Topics) > 0 {
		for i := range in.Topics {
			if in.Topics[i].ID == "" {
				return domain.Campaign{}, fmt.Errorf("op=campaign.create: topic %d has no id: %w", i, domain.ErrInvalidArgument)
			}
			in.Topics[i].Status = domain.TopicPending
		}
		if err := domain.ValidateTopicDAG(in.Topics); err != nil {
			return domain.Campaign{}, err
		}
		c.Status = domain.CampaignReady
		c.Phases = []domain.Phase{{ID: uuid.NewString(), Index: 0, Status: domain.CampaignReady, Topics: in.Topics}}
	}

	id, err := e.campaigns.Create(ctx, c)
	if err != nil {
		return domain.Campaign{}, fmt.Errorf("op=campaign.create: %w", err)
	}
	created, err := e.campaigns.Get(ctx, id)
	if err != nil {
		return domain.Campaign{}, fmt.Errorf("op=campaign.create: %w", err)
	}

	if created.Status == domain.CampaignPlanning {
		if err := e.enqueuePlanner(ctx, &created, ""); err != nil {
			return domain.Campaign{}, err
		}
	}
	e.bus.Publish(eventbus.Event{
		Topic: eventbus.CampaignTopic(id, "created"),
		Data:  map[string]any{"status": string(created.Status), "goal": created.Goal},
	})
	return created, nil
}

func (e *Engine) enqueuePlanner(ctx context.Context, c *domain.Campaign, resultsToDate string) error {
	job, err := e.queue.Enqueue(ctx, queue.EnqueueInput{
		Prompt:   BuildPlannerPrompt(c.Goal, resultsToDate),
		Model:    e.cfg.PlannerModel,
		Provider: e.cfg.DefaultProvider,
		Metadata: map[string]string{"campaign_id": c.ID, "role": "planner"},
		Priority: 2,
	})
	if err != nil {
		return fmt.Errorf("op=campaign.plan: %w", err)
	}
	c.PlannerJobID = job.ID
	if err := e.campaigns.Update(ctx, *c); err != nil {
		return fmt.Errorf("op=campaign.plan: %w", err)
	}
	return nil
}

// Start moves a ready campaign to executing and steps it.
func (e *Engine) Start(ctx context.Context, id string) (domain.Campaign, error) {
	unlock := e.lock(id)
	c, err := e.campaigns.Get(ctx, id)
	if err != nil {
		unlock()
		return domain.Campaign{}, err
	}
	if c.Status != domain.CampaignReady {
		unlock()
		return domain.Campaign{}, fmt.Errorf("op=campaign.start: status %s: %w", c.Status, domain.ErrConflict)
	}
	c.Status = domain.CampaignExecuting
	if err := e.campaigns.Update(ctx, c); err != nil {
		unlock()
		return domain.Campaign{}, fmt.Errorf("op=campaign.start: %w", err)
	}
	unlock()
	e.bus.Publish(eventbus.Event{Topic: eventbus.CampaignTopic(id, "started")})
	return c, e.Step(ctx, id)
}

// Pause stops new frontier launches; in-flight topic jobs run to completion.
func (e *Engine) Pause(ctx context.Context, id string) (domain.Campaign, error) {
	unlock := e.lock(id)
	defer unlock()
	c, err := e.campaigns.Get(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	if c.Status != domain.CampaignExecuting {
		return domain.Campaign{}, fmt.Errorf("op=campaign.pause: status %s: %w", c.Status, domain.ErrConflict)
	}
	c.Status = domain.CampaignPaused
	if err := e.campaigns.Update(ctx, c); err != nil {
		return domain.Campaign{}, fmt.Errorf("op=campaign.pause: %w", err)
	}
	e.bus.Publish(eventbus.Event{Topic: eventbus.CampaignTopic(id, "paused")})
	return c, nil
}

// Resume puts a paused campaign back to executing and re-runs the frontier.
func (e *Engine) Resume(ctx context.Context, id string) (domain.Campaign, error) {
	unlock := e.lock(id)
	c, err := e.campaigns.Get(ctx, id)
	if err != nil {
		unlock()
		return domain.Campaign{}, err
	}
	if c.Status != domain.CampaignPaused {
		unlock()
		return domain.Campaign{}, fmt.Errorf("op=campaign.resume: status %s: %w", c.Status, domain.ErrConflict)
	}
	c.Status = domain.CampaignExecuting
	if err := e.campaigns.Update(ctx, c); err != nil {
		unlock()
		return domain.Campaign{}, fmt.Errorf("op=campaign.resume: %w", err)
	}
	unlock()
	e.bus.Publish(eventbus.Event{Topic: eventbus.CampaignTopic(id, "resumed")})
	return c, e.Step(ctx, id)
}

// Cancel fails the campaign and cancels every non-terminal topic job.
func (e *Engine) Cancel(ctx context.Context, id string) (domain.Campaign, error) {
	unlock := e.lock(id)
	defer unlock()
	c, err := e.campaigns.Get(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	if c.Status.Terminal() {
		return c, nil
	}
	for pi := range c.Phases {
		for ti := range c.Phases[pi].Topics {
			topic := &c.Phases[pi].Topics[ti]
			if topic.Status == domain.TopicRunning && topic.JobRef != "" {
				if _, cErr := e.queue.Cancel(ctx, topic.JobRef); cErr != nil {
					slog.Warn("topic job cancel failed", slog.String("job_id", topic.JobRef), slog.Any("error", cErr))
				}
				topic.Status = domain.TopicFailed
			}
		}
	}
	c.Status = domain.CampaignFailed
	if err := e.campaigns.Update(ctx, c); err != nil {
		return domain.Campaign{}, fmt.Errorf("op=campaign.cancel: %w", err)
	}
	e.bus.Publish(eventbus.Event{Topic: eventbus.CampaignTopic(id, "failed"), Data: map[string]any{"reason": "cancelled"}})
	return c, nil
}

// Step is the frontier algorithm: reconcile topic statuses with their jobs,
// launch runnable topics up to the parallelism bound, then advance phases.
func (e *Engine) Step(ctx context.Context, id string) error {
	unlock := e.lock(id)
	defer unlock()
	c, err := e.campaigns.Get(ctx, id)
	if err != nil {
		return err
	}

	switch c.Status {
	case domain.CampaignPlanning:
		return e.checkPlanner(ctx, &c)
	case domain.CampaignExecuting:
	default:
		return nil
	}

	changed, err := e.reconcile(ctx, &c)
	if err != nil {
		return err
	}
	launched, err := e.launchFrontier(ctx, &c)
	if err != nil {
		return err
	}
	if changed || launched {
		if err := e.campaigns.Update(ctx, c); err != nil {
			return fmt.Errorf("op=campaign.step: %w", err)
		}
	}
	return e.maybeFinish(ctx, &c)
}

// reconcile pulls topic state forward from the jobs bound to them.
func (e *Engine) reconcile(ctx context.Context, c *domain.Campaign) (changed bool, err error) {
	base, multiplier, maxAttempts := retrySettings(e.cfg)
	for pi := range c.Phases {
		for ti := range c.Phases[pi].Topics {
			topic := &c.Phases[pi].Topics[ti]
			if topic.Status != domain.TopicRunning || topic.JobRef == "" {
				continue
			}
			job, jErr := e.jobs.Get(ctx, topic.JobRef)
			if jErr != nil {
				if errors.Is(jErr, domain.ErrNotFound) {
					topic.Status = domain.TopicPending
					changed = true
					continue
				}
				return changed, jErr
			}
			if !job.Status.Terminal() {
				continue
			}
			changed = true
			switch job.Status {
			case domain.JobCompleted:
				topic.Status = domain.TopicCompleted
				observability.CampaignTopicsTotal.WithLabelValues(string(domain.TopicCompleted)).Inc()
				e.bus.Publish(eventbus.Event{
					Topic: eventbus.CampaignTopic(c.ID, "topic_completed"),
					Data:  map[string]any{"topic_id": topic.ID, "job_id": job.ID},
				})
			default:
				retryable := job.Error != nil && job.Error.Kind.Retryable()
				if retryable && topic.Attempts < maxAttempts {
					delay := time.Duration(float64(base) * math.Pow(multiplier, float64(topic.Attempts-1)))
					e.scheduleRetry(topic.ID, delay)
					topic.Status = domain.TopicPending
					topic.JobRef = ""
					slog.Info("topic retry scheduled",
						slog.String("campaign_id", c.ID),
						slog.String("topic_id", topic.ID),
						slog.Int("attempt", topic.Attempts),
						slog.Duration("delay", delay))
					continue
				}
				topic.Status = domain.TopicFailed
				observability.CampaignTopicsTotal.WithLabelValues(string(domain.TopicFailed)).Inc()
				e.bus.Publish(eventbus.Event{
					Topic: eventbus.CampaignTopic(c.ID, "topic_failed"),
					Data:  map[string]any{"topic_id": topic.ID, "job_id": job.ID},
				})
			}
		}
	}
	e.propagateFailures(c, &changed)

	refs := make([]string, 0)
	for _, t := range c.AllTopics() {
		refs = append(refs, t.ID)
	}
	if len(refs) > 0 {
		cost, cErr := e.jobs.SumCostByTopicRefs(ctx, refs)
		if cErr == nil && cost != c.ActualCost {
			c.ActualCost = cost
			changed = true
		}
	}
	return changed, nil
}

// propagateFailures fails every pending topic whose dependency chain includes
// a failed topic; such topics can never join the frontier.
func (e *Engine) propagateFailures(c *domain.Campaign, changed *bool) {
	status := map[string]domain.TopicStatus{}
	for _, t := range c.AllTopics() {
		status[t.ID] = t.Status
	}
	for {
		dirty := false
		for pi := range c.Phases {
			for ti := range c.Phases[pi].Topics {
				topic := &c.Phases[pi].Topics[ti]
				if topic.Status != domain.TopicPending {
					continue
				}
				for _, dep := range topic.DependsOn {
					if status[dep] == domain.TopicFailed {
						topic.Status = domain.TopicFailed
						status[topic.ID] = domain.TopicFailed
						observability.CampaignTopicsTotal.WithLabelValues(string(domain.TopicFailed)).Inc()
						dirty = true
						*changed = true
						break
					}
				}
			}
		}
		if !dirty {
			return
		}
	}
}

// launchFrontier enqueues runnable topics, bounded by max_parallel_per_campaign.
func (e *Engine) launchFrontier(ctx context.Context, c *domain.Campaign) (launched bool, err error) {
	maxParallel := e.cfg.MaxParallelPerCampaign
	if maxParallel <= 0 {
		maxParallel = 4
	}
	running := 0
	status := map[string]domain.TopicStatus{}
	for _, t := range c.AllTopics() {
		status[t.ID] = t.Status
		if t.Status == domain.TopicRunning {
			running++
		}
	}

	for pi := range c.Phases {
		for ti := range c.Phases[pi].Topics {
			if running >= maxParallel {
				return launched, nil
			}
			topic := &c.Phases[pi].Topics[ti]
			if topic.Status != domain.TopicPending || !e.retryDue(topic.ID) {
				continue
			}
			ready := true
			for _, dep := range topic.DependsOn {
				if status[dep] != domain.TopicCompleted {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			if err := e.launchTopic(ctx, c, topic); err != nil {
				slog.Warn("topic launch failed",
					slog.String("campaign_id", c.ID),
					slog.String("topic_id", topic.ID),
					slog.Any("error", err))
				topic.Status = domain.TopicFailed
				status[topic.ID] = domain.TopicFailed
				launched = true
				continue
			}
			status[topic.ID] = domain.TopicRunning
			running++
			launched = true
		}
	}
	return launched, nil
}

func (e *Engine) launchTopic(ctx context.Context, c *domain.Campaign, topic *domain.Topic) error {
	prompt := topic.Prompt
	if len(topic.DependsOn) > 0 {
		summary, err := e.dependencyContext(ctx, c, topic)
		if err != nil {
			slog.Warn("context chaining degraded", slog.String("topic_id", topic.ID), slog.Any("error", err))
		}
		if summary != "" {
			topic.ContextSummary = summary
			prompt = topic.Prompt + "\n\n## Context from prior research\n\n" + summary
		}
	}
	remaining := 0.0
	if c.BudgetCap > 0 {
		remaining = c.BudgetCap - c.ActualCost
		if remaining <= 0 {
			return fmt.Errorf("op=campaign.launch: campaign budget exhausted: %w", domain.ErrBudgetExceeded)
		}
	}
	job, err := e.queue.Enqueue(ctx, queue.EnqueueInput{
		Prompt:         prompt,
		Model:          e.cfg.DefaultModel,
		Provider:       e.cfg.DefaultProvider,
		BudgetCap:      remaining,
		Metadata:       map[string]string{"campaign_id": c.ID, "topic_id": topic.ID},
		ParentPhaseRef: topic.ID,
	})
	if err != nil {
		return err
	}
	topic.JobRef = job.ID
	topic.Status = domain.TopicRunning
	topic.Attempts++
	return nil
}

// dependencyContext summarises completed predecessor results into the token
// budget for context chaining.
func (e *Engine) dependencyContext(ctx context.Context, c *domain.Campaign, topic *domain.Topic) (string, error) {
	var parts []string
	for _, dep := range topic.DependsOn {
		pi, ti, ok := c.FindTopic(dep)
		if !ok {
			continue
		}
		depTopic := c.Phases[pi].Topics[ti]
		if depTopic.JobRef == "" {
			continue
		}
		job, err := e.jobs.Get(ctx, depTopic.JobRef)
		if err != nil || job.ResultRef == "" {
			continue
		}
		raw, err := e.artifacts.Get(ctx, job.ResultRef)
		if err != nil {
			continue
		}
		var result domain.ResearchResult
		if err := json.Unmarshal(raw, &result); err != nil {
			continue
		}
		parts = append(parts, "### "+depTopic.Prompt+"\n\n"+result.Markdown)
	}
	if len(parts) == 0 {
		return "", nil
	}
	budget := e.cfg.ContextSummaryTokens
	if budget <= 0 {
		budget = 3000
	}
	return e.summariser.Summarise(ctx, strings.Join(parts, "\n\n"), budget)
}

// maybeFinish advances to the next planner round or a terminal status once
// every topic is terminal.
func (e *Engine) maybeFinish(ctx context.Context, c *domain.Campaign) error {
	topics := c.AllTopics()
	if len(topics) == 0 {
		return nil
	}
	completed, failed := 0, 0
	for _, t := range topics {
		switch t.Status {
		case domain.TopicCompleted:
			completed++
		case domain.TopicFailed:
			failed++
		default:
			return nil
		}
	}

	if completed > 0 && c.AutoContinue && len(c.Phases) < c.MaxRounds {
		results, err := e.resultsToDate(ctx, c)
		if err != nil {
			return err
		}
		c.Status = domain.CampaignPlanning
		if err := e.enqueuePlanner(ctx, c, results); err != nil {
			return err
		}
		e.bus.Publish(eventbus.Event{
			Topic: eventbus.CampaignTopic(c.ID, "replanning"),
			Data:  map[string]any{"round": len(c.Phases) + 1},
		})
		return nil
	}

	if completed == 0 {
		c.Status = domain.CampaignFailed
	} else {
		c.Status = domain.CampaignCompleted
	}
	for pi := range c.Phases {
		c.Phases[pi].Status = c.Status
	}
	if err := e.campaigns.Update(ctx, *c); err != nil {
		return fmt.Errorf("op=campaign.finish: %w", err)
	}
	event := "completed"
	if c.Status == domain.CampaignFailed {
		event = "failed"
	}
	e.bus.Publish(eventbus.Event{
		Topic: eventbus.CampaignTopic(c.ID, event),
		Data:  map[string]any{"completed_topics": completed, "failed_topics": failed, "actual_cost": c.ActualCost},
	})
	return nil
}

// resultsToDate concatenates completed topic results, bounded for the planner
// prompt.
func (e *Engine) resultsToDate(ctx context.Context, c *domain.Campaign) (string, error) {
	var parts []string
	for _, t := range c.AllTopics() {
		if t.Status != domain.TopicCompleted || t.JobRef == "" {
			continue
		}
		job, err := e.jobs.Get(ctx, t.JobRef)
		if err != nil || job.ResultRef == "" {
			continue
		}
		raw, err := e.artifacts.Get(ctx, job.ResultRef)
		if err != nil {
			continue
		}
		var result domain.ResearchResult
		if err := json.Unmarshal(raw, &result); err != nil {
			continue
		}
		parts = append(parts, "### "+t.Prompt+"\n\n"+result.Markdown)
	}
	budget := e.cfg.ContextSummaryTokens
	if budget <= 0 {
		budget = 3000
	}
	return e.summariser.Summarise(ctx, strings.Join(parts, "\n\n"), budget)
}

// checkPlanner parses a finished planner job into the next phase.
func (e *Engine) checkPlanner(ctx context.Context, c *domain.Campaign) error {
	if c.PlannerJobID == "" {
		return nil
	}
	job, err := e.jobs.Get(ctx, c.PlannerJobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case domain.JobCompleted:
	case domain.JobFailed, domain.JobCancelled, domain.JobAdmissionRejected:
		c.Status = domain.CampaignFailed
		if err := e.campaigns.Update(ctx, *c); err != nil {
			return fmt.Errorf("op=campaign.plan: %w", err)
		}
		e.bus.Publish(eventbus.Event{
			Topic: eventbus.CampaignTopic(c.ID, "failed"),
			Data:  map[string]any{"reason": "planner job " + string(job.Status)},
		})
		return nil
	default:
		return nil
	}

	raw, err := e.artifacts.Get(ctx, job.ResultRef)
	if err != nil {
		return fmt.Errorf("op=campaign.plan: %w", err)
	}
	var result domain.ResearchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("op=campaign.plan: %w", err)
	}
	topics, err := ParsePlan(result.Markdown)
	if err != nil {
		c.Status = domain.CampaignFailed
		if uErr := e.campaigns.Update(ctx, *c); uErr != nil {
			return uErr
		}
		e.bus.Publish(eventbus.Event{
			Topic: eventbus.CampaignTopic(c.ID, "failed"),
			Data:  map[string]any{"reason": "unparseable plan"},
		})
		return err
	}

	phase := domain.Phase{
		ID:         uuid.NewString(),
		CampaignID: c.ID,
		Index:      len(c.Phases),
		Status:     domain.CampaignReady,
		Topics:     topics,
	}
	firstPhase := len(c.Phases) == 0
	c.Phases = append(c.Phases, phase)
	c.PlannerJobID = ""
	if firstPhase {
		c.Status = domain.CampaignReady
	} else {
		// Auto-continue round: keep executing without operator input.
		c.Status = domain.CampaignExecuting
	}
	if err := e.campaigns.Update(ctx, *c); err != nil {
		return fmt.Errorf("op=campaign.plan: %w", err)
	}
	e.bus.Publish(eventbus.Event{
		Topic: eventbus.CampaignTopic(c.ID, "planned"),
		Data:  map[string]any{"phase_index": phase.Index, "topics": len(topics)},
	})
	if !firstPhase {
		e.Wake()
	}
	return nil
}

func (e *Engine) scheduleRetry(topicID string, delay time.Duration) {
	e.mu.Lock()
	e.retryAt[topicID] = time.Now().Add(delay)
	e.mu.Unlock()
}

func (e *Engine) retryDue(topicID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := e.retryAt[topicID]
	if !ok {
		return true
	}
	if time.Now().Before(at) {
		return false
	}
	delete(e.retryAt, topicID)
	return true
}

func retrySettings(cfg config.Config) (base time.Duration, multiplier float64, maxAttempts int) {
	base, multiplier, maxAttempts = cfg.GetRetryConfig()
	if base <= 0 {
		base = 30 * time.Second
	}
	if multiplier <= 1 {
		multiplier = 2
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return base, multiplier, maxAttempts
}
