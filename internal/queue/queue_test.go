package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepr-dev/deepr/internal/adapter/provider"
	"github.com/deepr-dev/deepr/internal/adapter/provider/stub"
	"github.com/deepr-dev/deepr/internal/adapter/repo/sqlite"
	"github.com/deepr-dev/deepr/internal/budget"
	"github.com/deepr-dev/deepr/internal/config"
	"github.com/deepr-dev/deepr/internal/domain"
	"github.com/deepr-dev/deepr/internal/eventbus"
)

type fixture struct {
	svc  *Service
	jobs *sqlite.JobRepo
	stub *stub.Client
	bus  *eventbus.Bus
}

func testConfig() config.Config {
	return config.Config{
		AppEnv:          "test",
		ModelAllowList:  []string{"small", "o4-mini-deep-research"},
		DefaultModel:    "small",
		DefaultProvider: "openai",
		DailyBudget:     100,
		MonthlyBudget:   1000,
		BudgetTimezone:  "UTC",
		SubmitTimeout:   2 * time.Second,
		MaxInflightJobs: 4,
	}
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	jobs := &sqlite.JobRepo{DB: db}
	ledger := sqlite.NewLedgerRepo(db)
	gov, err := budget.New(ctx, ledger, cfg)
	require.NoError(t, err)

	caps, err := provider.LoadCapabilities("")
	require.NoError(t, err)
	reg := provider.NewRegistry(caps)
	st := stub.New(cfg.DefaultProvider)
	reg.Register(st)

	bus := eventbus.New(64)
	busCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go bus.Run(busCtx)

	return &fixture{
		svc:  New(ctx, jobs, reg, gov, bus, cfg),
		jobs: jobs,
		stub: st,
		bus:  bus,
	}
}

func (f *fixture) waitForStatus(t *testing.T, id string, want domain.JobStatus) domain.Job {
	t.Helper()
	var job domain.Job
	require.Eventually(t, func() bool {
		j, err := f.jobs.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 3*time.Second, 10*time.Millisecond, "job %s never reached %s (last %s)", id, want, job.Status)
	return job
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	cases := []struct {
		name string
		in   EnqueueInput
	}{
		{"empty prompt", EnqueueInput{}},
		{"prompt too long", EnqueueInput{Prompt: string(make([]byte, domain.MaxPromptChars+1))}},
		{"unknown model", EnqueueInput{Prompt: "p", Model: "gpt-9"}},
		{"unknown provider", EnqueueInput{Prompt: "p", Model: "small", Provider: "nope"}},
		{"priority out of range", EnqueueInput{Prompt: "p", Model: "small", Priority: 9}},
		{"unsupported tool", EnqueueInput{Prompt: "p", Model: "small", Provider: "openai",
			Tools: []domain.Tool{{Kind: "telepathy"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Enqueue(ctx, tc.in)
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestEnqueueDefaults(t *testing.T) {
	f := newFixture(t, testConfig())
	job, err := f.svc.Enqueue(context.Background(), EnqueueInput{Prompt: "research X"})
	require.NoError(t, err)
	assert.Equal(t, "small", job.Model)
	assert.Equal(t, "openai", job.Provider)
	assert.Equal(t, 3, job.Priority)
	assert.Greater(t, job.EstimatedCost, 0.0)
}

func TestEnqueueIdempotencyKey(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	key := "idem-123"

	first, err := f.svc.Enqueue(ctx, EnqueueInput{Prompt: "p", Model: "small", IdemKey: &key})
	require.NoError(t, err)
	second, err := f.svc.Enqueue(ctx, EnqueueInput{Prompt: "different prompt", Model: "small", IdemKey: &key})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestLifecycleToCompleted(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	job, err := f.svc.Enqueue(ctx, EnqueueInput{Prompt: "p", Model: "small"})
	require.NoError(t, err)
	f.waitForStatus(t, job.ID, domain.JobProcessing)

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ProviderJobID)
	assert.NotNil(t, got.StartedAt)

	require.NoError(t, f.svc.Complete(ctx, job.ID, "sha-ref", domain.TokenUsage{Total: 100}, 0.05))
	got = f.waitForStatus(t, job.ID, domain.JobCompleted)
	assert.Equal(t, "sha-ref", got.ResultRef)
	assert.Equal(t, 0.05, got.ActualCost)
	assert.NotNil(t, got.CompletedAt)

	// Terminal states are immutable: further transitions are no-ops or errors.
	require.NoError(t, f.svc.Fail(ctx, job.ID, &domain.JobError{Kind: domain.ErrKindNetwork}))
	cancelled, err := f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, cancelled.Status)
}

func TestSubmitFailureSetsKind(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	// The stub keys scripts by domain job id, which is assigned at create.
	// Pre-create the row, script the failure, then drive Submit directly.
	id, err := f.jobs.Create(ctx, domain.Job{
		Prompt: "p", Model: "small", Provider: "openai", Status: domain.JobPending,
	})
	require.NoError(t, err)
	f.stub.SetScript(id, stub.Script{SubmitErr: domain.ErrRateLimited})

	require.NoError(t, f.svc.Submit(ctx, id))
	got := f.waitForStatus(t, id, domain.JobFailed)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrKindRateLimited, got.Error.Kind)
}

func TestCancelPendingJob(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	id, err := f.jobs.Create(ctx, domain.Job{
		Prompt: "p", Model: "small", Provider: "openai", Status: domain.JobPending,
	})
	require.NoError(t, err)

	job, err := f.svc.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, job.Status)

	// Submit after cancel is a no-op.
	require.NoError(t, f.svc.Submit(ctx, id))
	got, err := f.jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, got.Status)

	// Cancel is idempotent.
	again, err := f.svc.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, again.Status)
}

func TestTerminalTransitionsSetCompletedAt(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	// Cancelled from pending.
	id, err := f.jobs.Create(ctx, domain.Job{
		Prompt: "p", Model: "small", Provider: "openai", Status: domain.JobPending,
	})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, id)
	require.NoError(t, err)
	got, err := f.jobs.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt, "cancelled jobs carry completed_at")

	// Failed during submission.
	id, err = f.jobs.Create(ctx, domain.Job{
		Prompt: "p", Model: "small", Provider: "openai", Status: domain.JobPending,
	})
	require.NoError(t, err)
	f.stub.SetScript(id, stub.Script{SubmitErr: domain.ErrRateLimited})
	require.NoError(t, f.svc.Submit(ctx, id))
	got = f.waitForStatus(t, id, domain.JobFailed)
	require.NotNil(t, got.CompletedAt, "submit-failed jobs carry completed_at")

	// Failed by restart rehydration.
	id, err = f.jobs.Create(ctx, domain.Job{
		Prompt: "p", Model: "small", Provider: "openai", Status: domain.JobSubmitting,
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.Rehydrate(ctx))
	got, err = f.jobs.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt, "rehydrate-failed jobs carry completed_at")
}

func TestCancelProcessingCallsProvider(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	job, err := f.svc.Enqueue(ctx, EnqueueInput{Prompt: "p", Model: "small"})
	require.NoError(t, err)
	f.waitForStatus(t, job.ID, domain.JobProcessing)

	got, err := f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, got.Status)

	providerID, ok := f.stub.ProviderJobID(job.ID)
	require.True(t, ok)
	assert.Equal(t, 1, f.stub.CancelCalls(providerID))
}

func TestBudgetElicitationAndOverride(t *testing.T) {
	cfg := testConfig()
	cfg.DailyBudget = 0.001
	f := newFixture(t, cfg)
	ctx := context.Background()

	_, err := f.svc.Enqueue(ctx, EnqueueInput{Prompt: "p", Model: "small"})
	require.ErrorIs(t, err, domain.ErrRequiresElicitation)
	var elicit *ElicitationError
	require.ErrorAs(t, err, &elicit)
	assert.Equal(t, budget.VerdictElicit, elicit.Decision.Verdict)
	assert.Equal(t, budget.AllOptions, elicit.Decision.Options)

	// APPROVE_OVERRIDE bypasses admission on retry.
	job, err := f.svc.Enqueue(ctx, EnqueueInput{Prompt: "p", Model: "small", Override: true})
	require.NoError(t, err)
	assert.True(t, job.CostOverride)
	f.waitForStatus(t, job.ID, domain.JobProcessing)
}

func TestRehydrateFailsInterruptedSubmissions(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	id, err := f.jobs.Create(ctx, domain.Job{
		Prompt: "p", Model: "small", Provider: "openai", Status: domain.JobSubmitting,
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Rehydrate(ctx))
	got, err := f.jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrKindSubmitTimeout, got.Error.Kind)
}

func TestUpdateProgressMonotonic(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	job, err := f.svc.Enqueue(ctx, EnqueueInput{Prompt: "p", Model: "small"})
	require.NoError(t, err)
	f.waitForStatus(t, job.ID, domain.JobProcessing)

	require.NoError(t, f.svc.UpdateProgress(ctx, job.ID, 0.6))
	require.NoError(t, f.svc.UpdateProgress(ctx, job.ID, 0.3))
	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.6, got.Progress)
	assert.NotNil(t, got.LastPollAt)
}

func TestFlagStuck(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	job, err := f.svc.Enqueue(ctx, EnqueueInput{Prompt: "p", Model: "small"})
	require.NoError(t, err)
	f.waitForStatus(t, job.ID, domain.JobProcessing)

	require.NoError(t, f.svc.FlagStuck(ctx, job.ID))
	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.StuckFlagged)
	assert.Equal(t, domain.JobProcessing, got.Status)
}

type fakeDocStore struct {
	hits    []domain.SearchHit
	queries []string
}

func (f *fakeDocStore) CreateStore(domain.Context, string) (string, error) { return "store", nil }
func (f *fakeDocStore) Add(domain.Context, string, []domain.Document) ([]string, error) {
	return nil, nil
}
func (f *fakeDocStore) Search(_ domain.Context, _, query string, _ int) ([]domain.SearchHit, error) {
	f.queries = append(f.queries, query)
	return f.hits, nil
}
func (f *fakeDocStore) Delete(domain.Context, string) error { return nil }

func TestSubmitMaterialisesFileSearch(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultProvider = "grok" // no native file_search in the capability table
	f := newFixture(t, cfg)
	docs := &fakeDocStore{hits: []domain.SearchHit{
		{DocRef: "doc-1", Score: 0.9, Excerpt: "perovskite stability data"},
	}}
	f.svc.SetDocumentStore(docs)
	ctx := context.Background()

	job, err := f.svc.Enqueue(ctx, EnqueueInput{
		Prompt: "compare coatings",
		Model:  "small",
		Tools:  []domain.Tool{{Kind: domain.ToolFileSearch, StoreRef: "store-1"}},
	})
	require.NoError(t, err)
	f.waitForStatus(t, job.ID, domain.JobProcessing)

	req, ok := f.stub.LastSubmit(job.ID)
	require.True(t, ok)
	assert.Contains(t, req.Prompt, "perovskite stability data")
	assert.Contains(t, req.Prompt, "compare coatings")
	assert.Empty(t, req.Tools, "file_search tool should be stripped after materialisation")
	assert.Equal(t, []string{"compare coatings"}, docs.queries)

	// The stored job keeps the original prompt.
	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "compare coatings", got.Prompt)
}
