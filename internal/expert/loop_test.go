package expert

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepr-dev/deepr/internal/adapter/provider"
	"github.com/deepr-dev/deepr/internal/adapter/provider/stub"
	"github.com/deepr-dev/deepr/internal/adapter/repo/sqlite"
	"github.com/deepr-dev/deepr/internal/budget"
	"github.com/deepr-dev/deepr/internal/campaign"
	"github.com/deepr-dev/deepr/internal/config"
	"github.com/deepr-dev/deepr/internal/domain"
	"github.com/deepr-dev/deepr/internal/eventbus"
	"github.com/deepr-dev/deepr/internal/poller"
	"github.com/deepr-dev/deepr/internal/queue"
)

type loopFixture struct {
	loop      *Loop
	store     *Store
	engine    *campaign.Engine
	poller    *poller.Poller
	experts   *sqlite.ExpertRepo
	campaigns *sqlite.CampaignRepo
	stub      *stub.Client
	model     *scriptedModel
}

func newLoopFixture(t *testing.T) *loopFixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	db, err := sqlite.Open(ctx, filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Config{
		AppEnv:                 "test",
		ModelAllowList:         []string{"small", "gpt-4o-mini"},
		DefaultModel:           "small",
		DefaultProvider:        "openai",
		PlannerModel:           "gpt-4o-mini",
		DailyBudget:            100,
		MonthlyBudget:          1000,
		BudgetTimezone:         "UTC",
		SubmitTimeout:          2 * time.Second,
		MaxInflightJobs:        8,
		MaxParallelPerCampaign: 2,
		MaxCampaignRounds:      1,
		ContextSummaryTokens:   500,
		RetryMaxAttempts:       1,
	}

	jobs := &sqlite.JobRepo{DB: db}
	campaignsRepo := &sqlite.CampaignRepo{DB: db}
	expertsRepo := sqlite.NewExpertRepo(db)
	ledger := sqlite.NewLedgerRepo(db)
	gov, err := budget.New(ctx, ledger, cfg)
	require.NoError(t, err)

	caps, err := provider.LoadCapabilities("")
	require.NoError(t, err)
	reg := provider.NewRegistry(caps)
	st := stub.New("openai")
	reg.Register(st)

	bus := eventbus.New(128)
	busCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go bus.Run(busCtx)

	artifacts, err := sqlite.NewArtifactStore(db, filepath.Join(dir, "artifacts"))
	require.NoError(t, err)

	q := queue.New(ctx, jobs, reg, gov, bus, cfg)
	p := poller.New(jobs, reg, q, artifacts, cfg)
	eng := campaign.NewEngine(campaignsRepo, jobs, q, artifacts, campaign.TruncatingSummariser{}, bus, cfg)

	docs := newMemDocs()
	model := &scriptedModel{}
	store := NewStore(expertsRepo, docs, model, bus, cfg)
	loop := NewLoop(store, expertsRepo, eng, campaignsRepo, jobs, artifacts, bus, cfg)

	return &loopFixture{
		loop:      loop,
		store:     store,
		engine:    eng,
		poller:    p,
		experts:   expertsRepo,
		campaigns: campaignsRepo,
		stub:      st,
		model:     model,
	}
}

const onePlanJSON = "```json\n{\"topics\": [{\"id\": \"t1\", \"prompt\": \"survey interface coatings\"}]}\n```"

func TestLearningSessionFillsGap(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()
	f.model.outputs = []string{synthesisJSON}

	e, err := f.store.Create(ctx, "sei-expert", "solid electrolyte interfaces", nil)
	require.NoError(t, err)
	gap, err := f.store.RecordGap(ctx, e.ID, "interface coatings", 5)
	require.NoError(t, err)

	require.NoError(t, f.loop.StartLearning(ctx, e.ID, 10, 0))
	require.NoError(t, f.loop.Step(ctx, e.ID))

	// The session launched a planning campaign; script its planner job to
	// produce a one-topic plan.
	list, err := f.campaigns.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	c := list[0]
	assert.Equal(t, e.ID, c.ExpertRef)
	assert.Equal(t, gap.ID, c.GapRef)
	require.NotEmpty(t, c.PlannerJobID)
	f.stub.SetScript(c.PlannerJobID, stub.Script{
		Statuses: []domain.PollResult{{Status: domain.PollCompleted, Progress: 1}},
		Result:   domain.ResearchResult{Markdown: onePlanJSON, Cost: 0.01},
	})

	require.Eventually(t, func() bool {
		_ = f.poller.Tick(ctx)
		f.engine.StepAll(ctx)
		f.loop.StepAll(ctx)
		return len(f.loop.Sessions()) == 0
	}, 10*time.Second, 20*time.Millisecond, "learning session never finished")

	got, err := f.experts.GetGap(ctx, gap.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FilledByJob)
	assert.Equal(t, c.ID, *got.FilledByJob)
	assert.Equal(t, c.ID, got.CampaignRef)

	final, err := f.campaigns.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignCompleted, final.Status)

	beliefs, err := f.experts.ListBeliefs(ctx, e.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, beliefs, "post-campaign synthesis should add beliefs")

	expert, err := f.experts.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Greater(t, expert.TotalSpend, 0.0)
}

func TestStartLearningValidation(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	e, err := f.store.Create(ctx, "v", "d", nil)
	require.NoError(t, err)

	err = f.loop.StartLearning(ctx, e.ID, 0, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	err = f.loop.StartLearning(ctx, "missing", 5, 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, f.loop.StartLearning(ctx, e.ID, 5, 0))
	err = f.loop.StartLearning(ctx, e.ID, 5, 0)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestLearningHaltsWhenBudgetCannotFundAGap(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	e, err := f.store.Create(ctx, "broke", "d", nil)
	require.NoError(t, err)
	gap, err := f.store.RecordGap(ctx, e.ID, "expensive topic", 5)
	require.NoError(t, err)

	require.NoError(t, f.loop.StartLearning(ctx, e.ID, 0.001, 0))
	require.NoError(t, f.loop.Step(ctx, e.ID))

	assert.Empty(t, f.loop.Sessions(), "session should close without launching")
	list, err := f.campaigns.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	got, err := f.experts.GetGap(ctx, gap.ID)
	require.NoError(t, err)
	assert.Nil(t, got.FilledByJob, "gap stays open")
}

func TestLearningFinishesWithNoGaps(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	e, err := f.store.Create(ctx, "idle", "d", nil)
	require.NoError(t, err)
	require.NoError(t, f.loop.StartLearning(ctx, e.ID, 5, 0))
	require.NoError(t, f.loop.Step(ctx, e.ID))
	assert.Empty(t, f.loop.Sessions())
}

func TestStopWhileStepping(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	e, err := f.store.Create(ctx, "racy", "d", nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.store.RecordGap(ctx, e.ID, fmt.Sprintf("topic %d", i), 3)
		require.NoError(t, err)
	}
	require.NoError(t, f.loop.StartLearning(ctx, e.ID, 10, 0))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_ = f.loop.Step(ctx, e.ID)
		}
	}()
	go func() {
		defer wg.Done()
		if err := f.loop.StopLearning(ctx, e.ID); err != nil {
			assert.ErrorIs(t, err, domain.ErrNotFound)
		}
	}()
	wg.Wait()

	assert.Empty(t, f.loop.Sessions())
	err = f.loop.StopLearning(ctx, e.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFillGapTargetsSpecificGap(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()
	f.model.outputs = []string{synthesisJSON}

	e, err := f.store.Create(ctx, "targeted", "d", nil)
	require.NoError(t, err)
	high, err := f.store.RecordGap(ctx, e.ID, "interface coatings", 5)
	require.NoError(t, err)
	low, err := f.store.RecordGap(ctx, e.ID, "electrolyte additives", 2)
	require.NoError(t, err)

	// Targeted fill picks the named gap even when a higher-priority one is open.
	campaignID, err := f.loop.FillGap(ctx, e.ID, low.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, campaignID)

	c, err := f.campaigns.Get(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, low.ID, c.GapRef)
	assert.Equal(t, e.ID, c.ExpertRef)
	require.NotEmpty(t, c.PlannerJobID)
	f.stub.SetScript(c.PlannerJobID, stub.Script{
		Statuses: []domain.PollResult{{Status: domain.PollCompleted, Progress: 1}},
		Result:   domain.ResearchResult{Markdown: onePlanJSON, Cost: 0.01},
	})

	require.Eventually(t, func() bool {
		_ = f.poller.Tick(ctx)
		f.engine.StepAll(ctx)
		f.loop.StepAll(ctx)
		return len(f.loop.Sessions()) == 0
	}, 10*time.Second, 20*time.Millisecond, "fill session never finished")

	got, err := f.experts.GetGap(ctx, low.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FilledByJob)
	assert.Equal(t, campaignID, *got.FilledByJob)

	untouched, err := f.experts.GetGap(ctx, high.ID)
	require.NoError(t, err)
	assert.Nil(t, untouched.FilledByJob)
	assert.Empty(t, untouched.CampaignRef)

	list, err := f.campaigns.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1, "only the targeted campaign runs")
}

func TestFillGapValidation(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	e, err := f.store.Create(ctx, "fg", "d", nil)
	require.NoError(t, err)
	other, err := f.store.Create(ctx, "fg-other", "d", nil)
	require.NoError(t, err)
	gap, err := f.store.RecordGap(ctx, e.ID, "topic", 3)
	require.NoError(t, err)

	_, err = f.loop.FillGap(ctx, e.ID, gap.ID, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.loop.FillGap(ctx, e.ID, "missing", 5)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.loop.FillGap(ctx, other.ID, gap.ID, 5)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, f.loop.StartLearning(ctx, e.ID, 5, 0))
	_, err = f.loop.FillGap(ctx, e.ID, gap.ID, 5)
	assert.ErrorIs(t, err, domain.ErrConflict)
	require.NoError(t, f.loop.StopLearning(ctx, e.ID))

	filled := "job-1"
	g, err := f.experts.GetGap(ctx, gap.ID)
	require.NoError(t, err)
	g.FilledByJob = &filled
	require.NoError(t, f.experts.UpdateGap(ctx, g))
	_, err = f.loop.FillGap(ctx, e.ID, gap.ID, 5)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestLearningRespectsTopK(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()
	f.model.outputs = []string{synthesisJSON}

	e, err := f.store.Create(ctx, "capped", "d", nil)
	require.NoError(t, err)
	first, err := f.store.RecordGap(ctx, e.ID, "interface coatings", 5)
	require.NoError(t, err)
	second, err := f.store.RecordGap(ctx, e.ID, "electrolyte additives", 4)
	require.NoError(t, err)

	require.NoError(t, f.loop.StartLearning(ctx, e.ID, 10, 1))
	require.NoError(t, f.loop.Step(ctx, e.ID))

	list, err := f.campaigns.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1, "top_k=1 allows a single campaign")
	c := list[0]
	assert.Equal(t, first.ID, c.GapRef, "highest-priority gap goes first")
	require.NotEmpty(t, c.PlannerJobID)
	f.stub.SetScript(c.PlannerJobID, stub.Script{
		Statuses: []domain.PollResult{{Status: domain.PollCompleted, Progress: 1}},
		Result:   domain.ResearchResult{Markdown: onePlanJSON, Cost: 0.01},
	})

	require.Eventually(t, func() bool {
		_ = f.poller.Tick(ctx)
		f.engine.StepAll(ctx)
		f.loop.StepAll(ctx)
		return len(f.loop.Sessions()) == 0
	}, 10*time.Second, 20*time.Millisecond, "learning session never finished")

	list, err = f.campaigns.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1, "the second gap must not get a campaign")

	got, err := f.experts.GetGap(ctx, second.ID)
	require.NoError(t, err)
	assert.Nil(t, got.FilledByJob)
	assert.Empty(t, got.CampaignRef)
}
