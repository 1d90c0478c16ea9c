package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
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
	"github.com/deepr-dev/deepr/internal/expert"
	"github.com/deepr-dev/deepr/internal/queue"
	"github.com/deepr-dev/deepr/internal/usecase"
)

// fakeDocs is a minimal in-memory DocumentStore.
type fakeDocs struct {
	mu     sync.Mutex
	stores map[string][]domain.Document
}

func (f *fakeDocs) CreateStore(_ domain.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stores == nil {
		f.stores = map[string][]domain.Document{}
	}
	ref := "fake_" + name
	f.stores[ref] = nil
	return ref, nil
}

func (f *fakeDocs) Add(_ domain.Context, storeRef string, docs []domain.Document) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	refs := make([]string, len(docs))
	for i, d := range docs {
		f.stores[storeRef] = append(f.stores[storeRef], d)
		refs[i] = fmt.Sprintf("%s/%d", storeRef, len(f.stores[storeRef]))
	}
	return refs, nil
}

func (f *fakeDocs) Search(domain.Context, string, string, int) ([]domain.SearchHit, error) {
	return nil, nil
}

func (f *fakeDocs) Delete(domain.Context, string) error { return nil }

// fakeModel returns one canned completion.
type fakeModel struct{ out string }

func (f *fakeModel) Complete(context.Context, string, string) (string, error) {
	if f.out == "" {
		return "```json\n{\"beliefs\": []}\n```", nil
	}
	return f.out, nil
}

type apiFixture struct {
	router *chi.Mux
	server *Server
	bus    *eventbus.Bus
	model  *fakeModel
	cfg    config.Config
}

func newAPIFixture(t *testing.T) *apiFixture {
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
		MaxCampaignRounds:      2,
		ContextSummaryTokens:   500,
		RetryMaxAttempts:       1,
		MaxUploadMB:            1,
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
	reg.Register(stub.New("openai"))

	bus := eventbus.New(128)
	busCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go bus.Run(busCtx)

	artifacts, err := sqlite.NewArtifactStore(db, filepath.Join(dir, "artifacts"))
	require.NoError(t, err)

	q := queue.New(ctx, jobs, reg, gov, bus, cfg)
	eng := campaign.NewEngine(campaignsRepo, jobs, q, artifacts, campaign.TruncatingSummariser{}, bus, cfg)
	docs := &fakeDocs{}
	model := &fakeModel{}
	store := expert.NewStore(expertsRepo, docs, model, bus, cfg)
	loop := expert.NewLoop(store, expertsRepo, eng, campaignsRepo, jobs, artifacts, bus, cfg)

	srv := NewServer(
		usecase.NewJobService(q, jobs, artifacts),
		usecase.NewCampaignService(eng, campaignsRepo, jobs, artifacts),
		usecase.NewExpertService(store, loop, expertsRepo),
		usecase.NewCostService(gov, ledger),
		bus, cfg,
	)
	r := chi.NewRouter()
	r.Route("/v1", srv.Mount)
	return &apiFixture{router: r, server: srv, bus: bus, model: model, cfg: cfg}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestEnqueueValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/jobs", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/jobs", map[string]any{"prompt": "p", "model": "gpt-9000"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "INVALID_ARGUMENT", errObj["code"])
}

func TestEnqueueAndFetchJob(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/jobs", map[string]any{"prompt": "research quantum batteries"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	id := body["id"].(string)
	require.NotEmpty(t, id)

	rec = f.do(t, http.MethodGet, "/v1/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "research quantum batteries", body["prompt"])
}

func TestGetJobNotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnqueueElicitation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"prompt": "expensive deep research", "budget_cap": 0.0001,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "requires_elicitation", body["status"])
	assert.NotEmpty(t, body["reason"])
	opts := body["options"].([]any)
	assert.Contains(t, opts, string(budget.OptionApproveOverride))
	assert.Contains(t, opts, string(budget.OptionAbort))
	assert.NotContains(t, body, "id", "no job row is created on elicitation")

	// APPROVE_OVERRIDE answer: resubmit with override.
	rec = f.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"prompt": "expensive deep research", "budget_cap": 0.0001, "override": true,
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestCancelJob(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/jobs", map[string]any{"prompt": "to cancel"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decodeBody(t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)["status"].(string)
	assert.Contains(t, []string{"cancelled", "processing", "completed"}, status)
}

func TestIdempotentEnqueue(t *testing.T) {
	f := newAPIFixture(t)

	req := func() *httptest.ResponseRecorder {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(map[string]any{"prompt": "same"}))
		r := httptest.NewRequest(http.MethodPost, "/v1/jobs", &buf)
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("X-Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, r)
		return rec
	}
	first := req()
	require.Equal(t, http.StatusAccepted, first.Code)
	second := req()
	require.Equal(t, http.StatusAccepted, second.Code)
	assert.Equal(t, decodeBody(t, first)["id"], decodeBody(t, second)["id"])
}

func TestCampaignLifecycleRoutes(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/campaigns", map[string]any{
		"goal": "map the field",
		"topics": []map[string]any{
			{"id": "t1", "prompt": "broad survey"},
			{"id": "t2", "prompt": "focused dive", "depends_on": []string{"t1"}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	id := body["id"].(string)
	assert.Equal(t, "ready", body["status"])

	// Pausing a campaign that is not executing conflicts.
	rec = f.do(t, http.MethodPost, "/v1/campaigns/"+id+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/campaigns/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "executing", decodeBody(t, rec)["status"])

	rec = f.do(t, http.MethodPost, "/v1/campaigns/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/campaigns/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/campaigns/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/v1/campaigns", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCampaignRejectsCycle(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/campaigns", map[string]any{
		"goal": "g",
		"topics": []map[string]any{
			{"id": "a", "prompt": "p", "depends_on": []string{"b"}},
			{"id": "b", "prompt": "q", "depends_on": []string{"a"}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExpertRoutes(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/experts", map[string]any{
		"name": "ssb", "domain": "solid state batteries",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["id"].(string)

	rec = f.do(t, http.MethodGet, "/v1/experts/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Lookup by unique name also resolves.
	rec = f.do(t, http.MethodGet, "/v1/experts/ssb", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/experts/"+id+"/gaps", map[string]any{
		"topic": "anode interfaces", "priority": 4,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/experts/"+id+"/gaps", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	gaps := decodeBody(t, rec)["gaps"].([]any)
	assert.Len(t, gaps, 1)

	f.model.out = "```json\n{\"answer\": \"not enough material\"}\n```"
	rec = f.do(t, http.MethodPost, "/v1/experts/"+id+"/query", map[string]any{
		"question": "what limits cycle life?",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not enough material", decodeBody(t, rec)["answer"])

	rec = f.do(t, http.MethodPost, "/v1/experts/"+id+"/learn", map[string]any{"budget": 5, "top_k": 3})
	require.Equal(t, http.StatusAccepted, rec.Code)
	// A second session for the same expert conflicts.
	rec = f.do(t, http.MethodPost, "/v1/experts/"+id+"/learn", map[string]any{"budget": 5})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Stop by name; a second stop finds no session.
	rec = f.do(t, http.MethodPost, "/v1/experts/ssb/learn/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/experts/ssb/learn/stop", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Targeted fill launches a campaign for the named gap and occupies the
	// expert's single learning slot.
	gapID := gaps[0].(map[string]any)["id"].(string)
	rec = f.do(t, http.MethodPost, "/v1/experts/ssb/gaps/"+gapID+"/fill", map[string]any{"budget": 2})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["campaign_id"])
	rec = f.do(t, http.MethodPost, "/v1/experts/"+id+"/learn", map[string]any{"budget": 5})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestExpertValidation(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/experts", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/experts/any/learn", map[string]any{"budget": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadRequiresDocuments(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/experts", map[string]any{"name": "u", "domain": "d"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["id"].(string)

	req := httptest.NewRequest(http.MethodPost, "/v1/experts/"+id+"/documents",
		strings.NewReader("--x--\r\n"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCostSummaryRoute(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/costs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "day", decodeBody(t, rec)["period"])

	rec = f.do(t, http.MethodGet, "/v1/costs?period=month", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/costs?period=year", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	f := newAPIFixture(t)
	cfg := f.cfg
	cfg.APIKeys = []string{"sekret"}

	r := chi.NewRouter()
	r.Use(APIKeyAuth(cfg))
	r.Route("/v1", f.server.Mount)

	req := httptest.NewRequest(http.MethodGet, "/v1/costs", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/costs", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/costs", nil)
	req.Header.Set("X-Api-Key", "sekret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/costs", nil)
	req.Header.Set("X-Api-Key", "wrong")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
