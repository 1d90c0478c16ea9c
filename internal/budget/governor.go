// Package budget implements the budget governor: the single in-process
// authority over per-job, daily and monthly spend. Every outbound job passes
// through CheckAdmission before it may reach a provider.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/deepr-dev/deepr/internal/adapter/observability"
	"github.com/deepr-dev/deepr/internal/config"
	"github.com/deepr-dev/deepr/internal/domain"
)

// Verdict classifies an admission decision.
type Verdict string

const (
	VerdictAdmit  Verdict = "admit"
	VerdictReject Verdict = "reject"
	VerdictElicit Verdict = "elicit"
)

// ElicitOption is a choice offered to the caller when a decision needs user
// input. Elicitation is a first-class response, not an error.
type ElicitOption string

const (
	OptionApproveOverride ElicitOption = "APPROVE_OVERRIDE"
	OptionOptimizeForCost ElicitOption = "OPTIMIZE_FOR_COST"
	OptionAbort           ElicitOption = "ABORT"
)

// AllOptions is the canonical option order for elicitation responses.
var AllOptions = []ElicitOption{OptionApproveOverride, OptionOptimizeForCost, OptionAbort}

// Decision is the outcome of CheckAdmission.
type Decision struct {
	Verdict Verdict        `json:"verdict"`
	Reason  string         `json:"reason,omitempty"`
	Options []ElicitOption `json:"options,omitempty"`
}

type spend struct {
	at     time.Time
	amount float64
}

// Governor tracks spend in three buckets. Daily is a rolling 24h window,
// monthly is the calendar month in the timezone fixed at init. Counters are
// materialised from the ledger on start; the ledger remains source of truth.
type Governor struct {
	ledger   domain.LedgerRepository
	dailyCap float64
	monthCap float64
	tz       *time.Location
	now      func() time.Time

	mu         sync.Mutex
	recent     []spend // entries within the last 24h, oldest first
	dailyTotal float64
	monthStart time.Time
	monthTotal float64
}

// New materialises counters from the ledger and returns a ready governor.
func New(ctx domain.Context, ledger domain.LedgerRepository, cfg config.Config) (*Governor, error) {
	tz, err := time.LoadLocation(cfg.BudgetTimezone)
	if err != nil {
		return nil, fmt.Errorf("op=budget.init tz=%s: %w", cfg.BudgetTimezone, err)
	}
	g := &Governor{
		ledger:   ledger,
		dailyCap: cfg.DailyBudget,
		monthCap: cfg.MonthlyBudget,
		tz:       tz,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if err := g.materialise(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Governor) materialise(ctx domain.Context) error {
	now := g.now()
	entries, err := g.ledger.ListSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return fmt.Errorf("op=budget.materialise: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recent = g.recent[:0]
	g.dailyTotal = 0
	for _, e := range entries {
		g.recent = append(g.recent, spend{at: e.At, amount: e.Amount})
		g.dailyTotal += e.Amount
	}
	g.monthStart = monthStart(now, g.tz)
	total, err := g.ledger.SumRange(ctx, g.monthStart, nextMonth(g.monthStart))
	if err != nil {
		return fmt.Errorf("op=budget.materialise: %w", err)
	}
	g.monthTotal = total
	return nil
}

func monthStart(t time.Time, tz *time.Location) time.Time {
	local := t.In(tz)
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, tz)
}

func nextMonth(start time.Time) time.Time { return start.AddDate(0, 1, 0) }

// prune drops rolling-window entries older than 24h and rolls the month
// bucket over when the calendar month changes. Callers hold g.mu.
func (g *Governor) prune(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	i := 0
	for ; i < len(g.recent) && g.recent[i].at.Before(cutoff); i++ {
		g.dailyTotal -= g.recent[i].amount
	}
	g.recent = g.recent[i:]
	if ms := monthStart(now, g.tz); !ms.Equal(g.monthStart) {
		g.monthStart = ms
		g.monthTotal = 0
	}
}

// CheckAdmission gates a submission with estimatedCost against all buckets.
// When the estimate exceeds the caller's budget cap by more than 10%, or a
// daily/monthly bucket would overrun, the decision is an elicitation carrying
// APPROVE_OVERRIDE, OPTIMIZE_FOR_COST and ABORT; a recorded override on the
// job bypasses the check on retry.
func (g *Governor) CheckAdmission(estimatedCost, callerBudgetCap float64, override bool) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.prune(now)

	d := g.checkLocked(estimatedCost, callerBudgetCap, override)
	observability.BudgetDecisionsTotal.WithLabelValues(string(d.Verdict)).Inc()
	return d
}

func (g *Governor) checkLocked(estimatedCost, callerBudgetCap float64, override bool) Decision {
	if estimatedCost < 0 {
		return Decision{Verdict: VerdictReject, Reason: "negative cost estimate"}
	}
	if override {
		return Decision{Verdict: VerdictAdmit}
	}
	if callerBudgetCap > 0 && estimatedCost > callerBudgetCap*1.10 {
		return Decision{
			Verdict: VerdictElicit,
			Reason:  fmt.Sprintf("estimated cost $%.4f exceeds budget cap $%.4f by more than 10%%", estimatedCost, callerBudgetCap),
			Options: AllOptions,
		}
	}
	if g.dailyCap > 0 && g.dailyTotal+estimatedCost > g.dailyCap {
		return Decision{
			Verdict: VerdictElicit,
			Reason:  fmt.Sprintf("daily budget $%.2f would be exceeded ($%.4f spent, $%.4f estimated)", g.dailyCap, g.dailyTotal, estimatedCost),
			Options: AllOptions,
		}
	}
	if g.monthCap > 0 && g.monthTotal+estimatedCost > g.monthCap {
		return Decision{
			Verdict: VerdictElicit,
			Reason:  fmt.Sprintf("monthly budget $%.2f would be exceeded ($%.4f spent, $%.4f estimated)", g.monthCap, g.monthTotal, estimatedCost),
			Options: AllOptions,
		}
	}
	return Decision{Verdict: VerdictAdmit}
}

// RecordSpend appends to the ledger and bumps in-memory counters. Idempotent
// by (job_id, amount): a duplicate record leaves both ledger and counters
// untouched.
func (g *Governor) RecordSpend(ctx domain.Context, jobID string, amount float64, provider, model string) error {
	inserted, err := g.ledger.Insert(ctx, domain.LedgerEntry{
		At:       g.now(),
		JobID:    jobID,
		Amount:   amount,
		Provider: provider,
		Model:    model,
	})
	if err != nil {
		return fmt.Errorf("op=budget.record_spend job=%s: %w", jobID, err)
	}
	if !inserted {
		return nil
	}
	observability.SpendRecordedTotal.WithLabelValues(provider, model).Add(amount)
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.prune(now)
	g.recent = append(g.recent, spend{at: now, amount: amount})
	g.dailyTotal += amount
	g.monthTotal += amount
	return nil
}

// Summary reports ledger aggregates for period "day" (rolling 24h) or
// "month" (current calendar month).
func (g *Governor) Summary(ctx domain.Context, period string) (domain.SpendSummary, error) {
	now := g.now()
	var from, to time.Time
	switch period {
	case "", "day":
		period = "day"
		from, to = now.Add(-24*time.Hour), now
	case "month":
		from = monthStart(now, g.tz)
		to = nextMonth(from)
	default:
		return domain.SpendSummary{}, fmt.Errorf("op=budget.summary period=%s: %w", period, domain.ErrInvalidArgument)
	}
	out, err := g.ledger.Summary(ctx, from, to)
	if err != nil {
		return domain.SpendSummary{}, err
	}
	out.Period = period
	return out, nil
}

// Totals returns the current in-memory bucket totals, for diagnostics.
func (g *Governor) Totals() (daily, monthly float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prune(g.now())
	return g.dailyTotal, g.monthTotal
}
