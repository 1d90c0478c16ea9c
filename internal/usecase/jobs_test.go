package usecase

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepr-dev/deepr/internal/adapter/repo/sqlite"
	"github.com/deepr-dev/deepr/internal/domain"
)

func newJobService(t *testing.T) (JobService, *sqlite.JobRepo) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	db, err := sqlite.Open(ctx, filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	jobs := &sqlite.JobRepo{DB: db}
	artifacts, err := sqlite.NewArtifactStore(db, filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	return NewJobService(nil, jobs, artifacts), jobs
}

func TestResultDecodesArtifact(t *testing.T) {
	svc, jobs := newJobService(t)
	ctx := context.Background()

	raw, err := json.Marshal(domain.ResearchResult{Markdown: "# findings", Cost: 0.5})
	require.NoError(t, err)
	ref, err := svc.Artifacts.Put(ctx, raw)
	require.NoError(t, err)

	id, err := jobs.Create(ctx, domain.Job{
		Prompt: "p", Model: "small", Provider: "openai",
		Status: domain.JobCompleted, ResultRef: ref,
	})
	require.NoError(t, err)

	job, result, err := svc.Result(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.Status)
	require.NotNil(t, result)
	assert.Equal(t, "# findings", result.Markdown)
}

func TestResultPendingJobHasNoArtifact(t *testing.T) {
	svc, jobs := newJobService(t)
	ctx := context.Background()

	id, err := jobs.Create(ctx, domain.Job{
		Prompt: "p", Model: "small", Provider: "openai", Status: domain.JobPending,
	})
	require.NoError(t, err)

	job, result, err := svc.Result(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Nil(t, result)
}

func TestResultUnknownJob(t *testing.T) {
	svc, _ := newJobService(t)
	_, _, err := svc.Result(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStuckFiltersFlaggedProcessingJobs(t *testing.T) {
	svc, jobs := newJobService(t)
	ctx := context.Background()

	_, err := jobs.Create(ctx, domain.Job{
		Prompt: "a", Model: "small", Provider: "openai", Status: domain.JobProcessing,
	})
	require.NoError(t, err)
	flaggedID, err := jobs.Create(ctx, domain.Job{
		Prompt: "b", Model: "small", Provider: "openai",
		Status: domain.JobProcessing, StuckFlagged: true,
	})
	require.NoError(t, err)

	stuck, err := svc.Stuck(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, flaggedID, stuck[0].ID)
}

func TestListClampsLimit(t *testing.T) {
	svc, jobs := newJobService(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := jobs.Create(ctx, domain.Job{
			Prompt: "p", Model: "small", Provider: "openai", Status: domain.JobPending,
		})
		require.NoError(t, err)
	}
	got, err := svc.List(ctx, domain.JobFilter{Limit: -5})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}
