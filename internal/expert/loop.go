package expert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deepr-dev/deepr/internal/adapter/provider"
	"github.com/deepr-dev/deepr/internal/campaign"
	"github.com/deepr-dev/deepr/internal/config"
	"github.com/deepr-dev/deepr/internal/domain"
	"github.com/deepr-dev/deepr/internal/eventbus"
)

const loopResyncInterval = 30 * time.Second

// session tracks one learning run for one expert. Sessions live in memory
// only; a restart ends the run and campaigns already launched finish on their
// own through the engine.
type session struct {
	// mu serialises whole-session work: the loop's Step and user-facing
	// stop both mutate the maps below.
	mu sync.Mutex

	expertID  string
	budget    float64
	spent     float64
	maxGaps   int               // 0 means no cap
	launched  map[string]string // campaign id -> gap id
	processed map[string]bool   // terminal campaigns already synthesised
	attempted map[string]bool   // gaps already given a campaign this session
}

func (s *session) remaining() float64 { return s.budget - s.spent }

func (s *session) gapCapReached() bool { return s.maxGaps > 0 && len(s.attempted) >= s.maxGaps }

// Loop is the autonomous learning driver: it turns an expert's open gaps into
// research campaigns, feeds finished campaigns back through synthesis and
// stops when the session budget or the gap list runs out.
type Loop struct {
	store     *Store
	experts   domain.ExpertRepository
	engine    *campaign.Engine
	campaigns domain.CampaignRepository
	jobs      domain.JobRepository
	artifacts domain.ArtifactStore
	bus       *eventbus.Bus
	cfg       config.Config

	mu       sync.Mutex
	sessions map[string]*session
	wake     chan struct{}
}

// NewLoop constructs the learning loop.
func NewLoop(store *Store, experts domain.ExpertRepository, engine *campaign.Engine,
	campaigns domain.CampaignRepository, jobs domain.JobRepository,
	artifacts domain.ArtifactStore, bus *eventbus.Bus, cfg config.Config) *Loop {
	return &Loop{
		store:     store,
		experts:   experts,
		engine:    engine,
		campaigns: campaigns,
		jobs:      jobs,
		artifacts: artifacts,
		bus:       bus,
		cfg:       cfg,
		sessions:  make(map[string]*session),
		wake:      make(chan struct{}, 1),
	}
}

// StartLearning opens a session for the expert with the given budget. topK
// caps how many gaps the session may attempt; 0 means every open gap is fair
// game. One session per expert at a time.
func (l *Loop) StartLearning(ctx context.Context, expertID string, budget float64, topK int) error {
	if budget <= 0 {
		return fmt.Errorf("op=expert.learn: budget must be positive: %w", domain.ErrInvalidArgument)
	}
	if topK < 0 {
		return fmt.Errorf("op=expert.learn: top_k must not be negative: %w", domain.ErrInvalidArgument)
	}
	e, err := l.experts.Get(ctx, expertID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	if _, busy := l.sessions[expertID]; busy {
		l.mu.Unlock()
		return fmt.Errorf("op=expert.learn: session already running for %s: %w", e.Name, domain.ErrConflict)
	}
	l.sessions[expertID] = &session{
		expertID:  expertID,
		budget:    budget,
		maxGaps:   topK,
		launched:  make(map[string]string),
		processed: make(map[string]bool),
		attempted: make(map[string]bool),
	}
	l.mu.Unlock()
	l.bus.Publish(eventbus.Event{
		Topic: eventbus.ExpertTopic(e.Name, "learning_started"),
		Data:  map[string]any{"budget": budget, "top_k": topK},
	})
	l.Wake()
	return nil
}

// FillGap launches one campaign for a specific gap under a dedicated session,
// so the result flows through synthesis and gap closure like any learning
// run. Returns the campaign id.
func (l *Loop) FillGap(ctx context.Context, expertID, gapID string, budget float64) (string, error) {
	if budget <= 0 {
		return "", fmt.Errorf("op=expert.fill_gap: budget must be positive: %w", domain.ErrInvalidArgument)
	}
	e, err := l.experts.Get(ctx, expertID)
	if err != nil {
		return "", err
	}
	g, err := l.experts.GetGap(ctx, gapID)
	if err != nil {
		return "", err
	}
	if g.ExpertID != expertID {
		return "", fmt.Errorf("op=expert.fill_gap: gap %s does not belong to %s: %w", gapID, e.Name, domain.ErrNotFound)
	}
	if g.FilledByJob != nil {
		return "", fmt.Errorf("op=expert.fill_gap: gap %s already filled: %w", gapID, domain.ErrConflict)
	}
	l.mu.Lock()
	_, busy := l.sessions[expertID]
	l.mu.Unlock()
	if busy {
		return "", fmt.Errorf("op=expert.fill_gap: session already running for %s: %w", e.Name, domain.ErrConflict)
	}

	c, err := l.engine.Create(ctx, campaign.CreateInput{
		Goal:         fmt.Sprintf("Research for expert %s (%s): %s", e.Name, e.Domain, g.Topic),
		BudgetCap:    budget,
		AutoContinue: true,
		ExpertRef:    expertID,
		GapRef:       g.ID,
	})
	if err != nil {
		return "", err
	}

	sess := &session{
		expertID:  expertID,
		budget:    budget,
		maxGaps:   1,
		launched:  map[string]string{c.ID: g.ID},
		processed: make(map[string]bool),
		attempted: map[string]bool{g.ID: true},
	}
	l.mu.Lock()
	if _, busy := l.sessions[expertID]; busy {
		l.mu.Unlock()
		if _, cErr := l.engine.Cancel(ctx, c.ID); cErr != nil {
			slog.Warn("fill_gap campaign cancel failed", slog.String("campaign_id", c.ID), slog.Any("error", cErr))
		}
		return "", fmt.Errorf("op=expert.fill_gap: session already running for %s: %w", e.Name, domain.ErrConflict)
	}
	l.sessions[expertID] = sess
	l.mu.Unlock()

	l.bus.Publish(eventbus.Event{
		Topic: eventbus.ExpertTopic(e.Name, "gap_campaign_started"),
		Data:  map[string]any{"gap_id": g.ID, "campaign_id": c.ID},
	})
	l.engine.Wake()
	l.Wake()
	return c.ID, nil
}

// StopLearning halts the expert's session on user request. Cancellation
// propagates downward: the active campaign is cancelled, spend already
// incurred is folded into the expert, and the session closes.
func (l *Loop) StopLearning(ctx context.Context, expertID string) error {
	l.mu.Lock()
	sess, ok := l.sessions[expertID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("op=expert.learn_stop: no session for %s: %w", expertID, domain.ErrNotFound)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !l.registered(sess) {
		return fmt.Errorf("op=expert.learn_stop: no session for %s: %w", expertID, domain.ErrNotFound)
	}
	for campaignID := range sess.launched {
		if sess.processed[campaignID] {
			continue
		}
		if _, err := l.engine.Cancel(ctx, campaignID); err != nil &&
			!errors.Is(err, domain.ErrAlreadyTerminal) && !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("learning campaign cancel failed",
				slog.String("campaign_id", campaignID), slog.Any("error", err))
		}
	}
	if _, err := l.reconcile(ctx, sess); err != nil {
		slog.Warn("reconcile before stop failed",
			slog.String("expert_id", expertID), slog.Any("error", err))
	}
	return l.finish(ctx, sess, "stopped", 0)
}

// registered reports whether sess is still the live session for its expert.
// Callers hold sess.mu; a stop that won the race deregisters the pointer.
func (l *Loop) registered(sess *session) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions[sess.expertID] == sess
}

// Sessions reports expert ids with a running session.
func (l *Loop) Sessions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.sessions))
	for id := range l.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Wake nudges the loop without blocking.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run steps sessions on campaign events and on a resync ticker until ctx is
// cancelled.
func (l *Loop) Run(ctx context.Context) {
	unsubscribe := l.bus.Subscribe("campaigns", func(ev eventbus.Event) {
		switch {
		case strings.HasSuffix(ev.Topic, ".completed"), strings.HasSuffix(ev.Topic, ".failed"):
			l.Wake()
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(loopResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("learning loop stopping")
			return
		case <-l.wake:
		case <-ticker.C:
		}
		l.StepAll(ctx)
	}
}

// StepAll advances every open session.
func (l *Loop) StepAll(ctx context.Context) {
	l.mu.Lock()
	ids := make([]string, 0, len(l.sessions))
	for id := range l.sessions {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		if err := l.Step(ctx, id); err != nil {
			slog.Error("learning step failed", slog.String("expert_id", id), slog.Any("error", err))
		}
	}
}

// Step reconciles finished campaigns into beliefs, then launches campaigns
// for the highest-priority open gaps that fit the remaining budget. The
// session closes when nothing is in flight and either the budget or the gap
// list is exhausted.
func (l *Loop) Step(ctx context.Context, expertID string) error {
	l.mu.Lock()
	sess, ok := l.sessions[expertID]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !l.registered(sess) {
		// Stopped while waiting for the session lock.
		return nil
	}

	inflight, err := l.reconcile(ctx, sess)
	if err != nil {
		return err
	}
	launched, err := l.launch(ctx, sess)
	if err != nil {
		return err
	}
	inflight += launched
	if inflight > 0 {
		return nil
	}

	open, err := l.experts.ListGaps(ctx, expertID, true)
	if err != nil {
		return err
	}
	launchable, tooExpensive := 0, 0
	if !sess.gapCapReached() {
		for _, g := range open {
			if sess.attempted[g.ID] {
				continue
			}
			if provider.EstimateCost(l.cfg.DefaultModel, g.Topic, nil) > sess.remaining() {
				tooExpensive++
				continue
			}
			launchable++
		}
	}
	if launchable == 0 {
		reason := "gaps_exhausted"
		if tooExpensive > 0 && len(open) > 0 {
			reason = "budget_exhausted"
		}
		return l.finish(ctx, sess, reason, len(open))
	}
	return nil
}

// reconcile synthesises each newly terminal launched campaign into the
// expert's beliefs and closes its gap. Returns the number of campaigns still
// running.
func (l *Loop) reconcile(ctx context.Context, sess *session) (inflight int, err error) {
	for campaignID, gapID := range sess.launched {
		if sess.processed[campaignID] {
			continue
		}
		c, gErr := l.campaigns.Get(ctx, campaignID)
		if gErr != nil {
			if errors.Is(gErr, domain.ErrNotFound) {
				sess.processed[campaignID] = true
				continue
			}
			return inflight, gErr
		}
		if !c.Status.Terminal() {
			if c.Status == domain.CampaignReady {
				// First planning round parks the campaign; operator-less
				// sessions start it themselves.
				if _, sErr := l.engine.Start(ctx, campaignID); sErr != nil && !errors.Is(sErr, domain.ErrConflict) {
					slog.Warn("gap campaign start failed", slog.String("campaign_id", campaignID), slog.Any("error", sErr))
				}
				l.engine.Wake()
			}
			inflight++
			continue
		}
		sess.processed[campaignID] = true
		sess.spent += c.ActualCost

		results := l.campaignResults(ctx, &c)
		if results != "" {
			if _, sErr := l.store.Synthesise(ctx, sess.expertID, results); sErr != nil {
				slog.Error("post-campaign synthesis failed",
					slog.String("campaign_id", campaignID), slog.Any("error", sErr))
			}
		}
		if uErr := l.closeGap(ctx, gapID, campaignID, c.Status == domain.CampaignCompleted); uErr != nil {
			slog.Warn("gap close failed", slog.String("gap_id", gapID), slog.Any("error", uErr))
		}
	}
	return inflight, nil
}

// closeGap marks the gap filled by the campaign. A failed campaign leaves the
// gap open but records the attempt.
func (l *Loop) closeGap(ctx context.Context, gapID, campaignID string, completed bool) error {
	g, err := l.experts.GetGap(ctx, gapID)
	if err != nil {
		return err
	}
	g.CampaignRef = campaignID
	if completed {
		g.FilledByJob = &campaignID
	}
	return l.experts.UpdateGap(ctx, g)
}

// campaignResults concatenates the markdown of every completed topic, bounded
// by the summariser elsewhere; synthesis prompts tolerate long input.
func (l *Loop) campaignResults(ctx context.Context, c *domain.Campaign) string {
	var b strings.Builder
	for _, t := range c.AllTopics() {
		if t.Status != domain.TopicCompleted || t.JobRef == "" {
			continue
		}
		job, err := l.jobs.Get(ctx, t.JobRef)
		if err != nil || job.ResultRef == "" {
			continue
		}
		raw, err := l.artifacts.Get(ctx, job.ResultRef)
		if err != nil {
			slog.Warn("campaign result fetch failed", slog.String("job_id", t.JobRef), slog.Any("error", err))
			continue
		}
		var result domain.ResearchResult
		if err := json.Unmarshal(raw, &result); err != nil {
			continue
		}
		fmt.Fprintf(&b, "### %s\n\n%s\n\n", t.Prompt, result.Markdown)
	}
	return b.String()
}

// launch starts a campaign for the top open gap when nothing is in flight for
// it yet and the remaining budget covers the estimate.
func (l *Loop) launch(ctx context.Context, sess *session) (launched int, err error) {
	open, err := l.experts.ListGaps(ctx, sess.expertID, true)
	if err != nil {
		return 0, err
	}
	sort.SliceStable(open, func(i, j int) bool {
		if open[i].Priority != open[j].Priority {
			return open[i].Priority > open[j].Priority
		}
		return open[i].DiscoveredAt.Before(open[j].DiscoveredAt)
	})

	e, err := l.experts.Get(ctx, sess.expertID)
	if err != nil {
		return 0, err
	}
	for _, g := range open {
		if sess.gapCapReached() {
			break
		}
		// One shot per gap per session; a failed campaign does not trigger
		// an immediate relaunch.
		if sess.attempted[g.ID] {
			continue
		}
		estimate := provider.EstimateCost(l.cfg.DefaultModel, g.Topic, nil)
		if estimate > sess.remaining() {
			continue
		}
		c, cErr := l.engine.Create(ctx, campaign.CreateInput{
			Goal:         fmt.Sprintf("Research for expert %s (%s): %s", e.Name, e.Domain, g.Topic),
			BudgetCap:    sess.remaining(),
			AutoContinue: true,
			ExpertRef:    sess.expertID,
			GapRef:       g.ID,
		})
		if cErr != nil {
			slog.Error("gap campaign launch failed", slog.String("gap_id", g.ID), slog.Any("error", cErr))
			continue
		}
		sess.launched[c.ID] = g.ID
		sess.attempted[g.ID] = true
		l.bus.Publish(eventbus.Event{
			Topic: eventbus.ExpertTopic(e.Name, "gap_campaign_started"),
			Data:  map[string]any{"gap_id": g.ID, "campaign_id": c.ID},
		})
		launched++
		// One campaign at a time keeps spend attribution simple.
		break
	}
	return launched, nil
}

func (l *Loop) finish(ctx context.Context, sess *session, reason string, openGaps int) error {
	l.mu.Lock()
	delete(l.sessions, sess.expertID)
	l.mu.Unlock()

	e, err := l.experts.Get(ctx, sess.expertID)
	if err != nil {
		return err
	}
	e.TotalSpend += sess.spent
	if err := l.experts.Update(ctx, e); err != nil {
		return err
	}
	slog.Info("learning session finished",
		slog.String("expert", e.Name),
		slog.String("reason", reason),
		slog.Float64("spent", sess.spent))
	l.bus.Publish(eventbus.Event{
		Topic: eventbus.ExpertTopic(e.Name, "learning_completed"),
		Data:  map[string]any{"reason": reason, "spent": sess.spent, "open_gaps": openGaps},
	})
	return nil
}
