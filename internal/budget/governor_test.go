package budget

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepr-dev/deepr/internal/adapter/repo/sqlite"
	"github.com/deepr-dev/deepr/internal/config"
	"github.com/deepr-dev/deepr/internal/domain"
)

func newGovernor(t *testing.T, cfg config.Config) (*Governor, *sqlite.LedgerRepo) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ledger := sqlite.NewLedgerRepo(db)
	if cfg.BudgetTimezone == "" {
		cfg.BudgetTimezone = "UTC"
	}
	g, err := New(context.Background(), ledger, cfg)
	require.NoError(t, err)
	return g, ledger
}

func TestAdmitWithinBudget(t *testing.T) {
	g, _ := newGovernor(t, config.Config{DailyBudget: 10, MonthlyBudget: 100})

	d := g.CheckAdmission(0.5, 0, false)
	assert.Equal(t, VerdictAdmit, d.Verdict)
	assert.Empty(t, d.Options)
}

func TestCapOverrunElicitsWithAllOptions(t *testing.T) {
	g, _ := newGovernor(t, config.Config{})

	// More than 10% over the caller's cap.
	d := g.CheckAdmission(1.0, 0.5, false)
	assert.Equal(t, VerdictElicit, d.Verdict)
	assert.Equal(t, AllOptions, d.Options)
	assert.Contains(t, d.Reason, "budget cap")

	// Within the 10% tolerance.
	d = g.CheckAdmission(1.05, 1.0, false)
	assert.Equal(t, VerdictAdmit, d.Verdict)
}

func TestOverrideBypassesAllBuckets(t *testing.T) {
	g, _ := newGovernor(t, config.Config{DailyBudget: 0.01, MonthlyBudget: 0.01})

	d := g.CheckAdmission(5.0, 0.1, true)
	assert.Equal(t, VerdictAdmit, d.Verdict)
}

func TestNegativeEstimateRejected(t *testing.T) {
	g, _ := newGovernor(t, config.Config{})

	d := g.CheckAdmission(-1, 0, false)
	assert.Equal(t, VerdictReject, d.Verdict)
}

func TestDailyBucketElicits(t *testing.T) {
	g, _ := newGovernor(t, config.Config{DailyBudget: 1.0})
	ctx := context.Background()

	require.NoError(t, g.RecordSpend(ctx, "job-1", 0.9, "openai", "small"))

	d := g.CheckAdmission(0.2, 0, false)
	assert.Equal(t, VerdictElicit, d.Verdict)
	assert.Contains(t, d.Reason, "daily")
}

func TestMonthlyBucketElicits(t *testing.T) {
	g, _ := newGovernor(t, config.Config{MonthlyBudget: 1.0})
	ctx := context.Background()

	require.NoError(t, g.RecordSpend(ctx, "job-1", 0.9, "openai", "small"))

	d := g.CheckAdmission(0.2, 0, false)
	assert.Equal(t, VerdictElicit, d.Verdict)
	assert.Contains(t, d.Reason, "monthly")
}

func TestRecordSpendIdempotent(t *testing.T) {
	g, ledger := newGovernor(t, config.Config{})
	ctx := context.Background()

	require.NoError(t, g.RecordSpend(ctx, "job-1", 0.25, "openai", "small"))
	require.NoError(t, g.RecordSpend(ctx, "job-1", 0.25, "openai", "small"))

	daily, monthly := g.Totals()
	assert.InDelta(t, 0.25, daily, 1e-9)
	assert.InDelta(t, 0.25, monthly, 1e-9)

	entries, err := ledger.ListByJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRollingWindowPrunes(t *testing.T) {
	g, _ := newGovernor(t, config.Config{})
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }
	require.NoError(t, g.RecordSpend(ctx, "job-1", 0.5, "openai", "small"))

	daily, monthly := g.Totals()
	assert.InDelta(t, 0.5, daily, 1e-9)
	assert.InDelta(t, 0.5, monthly, 1e-9)

	// 25 hours later the rolling day is empty but the month still counts.
	g.now = func() time.Time { return base.Add(25 * time.Hour) }
	daily, monthly = g.Totals()
	assert.Zero(t, daily)
	assert.InDelta(t, 0.5, monthly, 1e-9)

	// Month rollover resets the monthly bucket.
	g.now = func() time.Time { return base.AddDate(0, 1, 0) }
	_, monthly = g.Totals()
	assert.Zero(t, monthly)
}

func TestMaterialiseFromLedger(t *testing.T) {
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ledger := sqlite.NewLedgerRepo(db)
	ctx := context.Background()

	_, err = ledger.Insert(ctx, domain.LedgerEntry{
		At: time.Now().UTC().Add(-time.Hour), JobID: "job-1", Amount: 0.4,
		Provider: "openai", Model: "small",
	})
	require.NoError(t, err)

	g, err := New(ctx, ledger, config.Config{BudgetTimezone: "UTC", DailyBudget: 10})
	require.NoError(t, err)

	daily, monthly := g.Totals()
	assert.InDelta(t, 0.4, daily, 1e-9)
	assert.InDelta(t, 0.4, monthly, 1e-9)
}

func TestSummaryPeriods(t *testing.T) {
	g, _ := newGovernor(t, config.Config{})
	ctx := context.Background()

	require.NoError(t, g.RecordSpend(ctx, "job-1", 0.3, "openai", "small"))
	require.NoError(t, g.RecordSpend(ctx, "job-2", 0.2, "stub", "small"))

	day, err := g.Summary(ctx, "day")
	require.NoError(t, err)
	assert.Equal(t, "day", day.Period)
	assert.InDelta(t, 0.5, day.Total, 1e-9)
	assert.InDelta(t, 0.3, day.ByProvider["openai"], 1e-9)

	month, err := g.Summary(ctx, "month")
	require.NoError(t, err)
	assert.Equal(t, "month", month.Period)
	assert.InDelta(t, 0.5, month.Total, 1e-9)

	// Empty period defaults to day.
	def, err := g.Summary(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "day", def.Period)

	_, err = g.Summary(ctx, "year")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
