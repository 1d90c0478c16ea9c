package sqlite

import (
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/deepr-dev/deepr/internal/domain"
)

// LedgerRepo is the append-only cost ledger. The seq column is a monotonic
// ULID so entries are totally ordered even within one millisecond, and the
// (job_id, amount) unique constraint makes inserts idempotent against poller
// retries.
type LedgerRepo struct {
	DB *sql.DB

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewLedgerRepo constructs a LedgerRepo with the given database handle.
func NewLedgerRepo(db *sql.DB) *LedgerRepo {
	return &LedgerRepo{
		DB:      db,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0), //nolint:gosec // Weak random is sufficient for ULID entropy.
	}
}

func (r *LedgerRepo) nextSeq() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), r.entropy)
	if err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// Insert appends an entry. It reports false without error when the
// (job_id, amount) pair already exists.
func (r *LedgerRepo) Insert(ctx domain.Context, e domain.LedgerEntry) (bool, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Insert")
	defer span.End()
	if e.Seq == "" {
		e.Seq = r.nextSeq()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO cost_ledger (seq, at, job_id, amount, provider, model) VALUES (?,?,?,?,?,?)`,
		e.Seq, e.At, e.JobID, e.Amount, e.Provider, e.Model)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return false, nil
		}
		return false, fmt.Errorf("op=ledger.insert: %w", err)
	}
	return true, nil
}

// SumSince totals entries at or after since.
func (r *LedgerRepo) SumSince(ctx domain.Context, since time.Time) (float64, error) {
	var total float64
	err := r.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount),0) FROM cost_ledger WHERE at >= ?`, since.UTC()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("op=ledger.sum_since: %w", err)
	}
	return total, nil
}

// SumRange totals entries in [from, to).
func (r *LedgerRepo) SumRange(ctx domain.Context, from, to time.Time) (float64, error) {
	var total float64
	err := r.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount),0) FROM cost_ledger WHERE at >= ? AND at < ?`,
		from.UTC(), to.UTC()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("op=ledger.sum_range: %w", err)
	}
	return total, nil
}

// Summary aggregates spend by model and provider over [from, to).
func (r *LedgerRepo) Summary(ctx domain.Context, from, to time.Time) (domain.SpendSummary, error) {
	out := domain.SpendSummary{
		ByModel:    map[string]float64{},
		ByProvider: map[string]float64{},
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT provider, model, SUM(amount) FROM cost_ledger WHERE at >= ? AND at < ?
			GROUP BY provider, model`, from.UTC(), to.UTC())
	if err != nil {
		return out, fmt.Errorf("op=ledger.summary: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			provider, model string
			amount          float64
		)
		if err := rows.Scan(&provider, &model, &amount); err != nil {
			return out, fmt.Errorf("op=ledger.summary: %w", err)
		}
		out.Total += amount
		out.ByModel[model] += amount
		out.ByProvider[provider] += amount
	}
	return out, rows.Err()
}

// ListSince returns entries at or after since in commit order.
func (r *LedgerRepo) ListSince(ctx domain.Context, since time.Time) ([]domain.LedgerEntry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT seq, at, job_id, amount, provider, model FROM cost_ledger WHERE at >= ? ORDER BY seq`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=ledger.list_since: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.Seq, &e.At, &e.JobID, &e.Amount, &e.Provider, &e.Model); err != nil {
			return nil, fmt.Errorf("op=ledger.list_since: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListByJob returns all entries for one job in commit order.
func (r *LedgerRepo) ListByJob(ctx domain.Context, jobID string) ([]domain.LedgerEntry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT seq, at, job_id, amount, provider, model FROM cost_ledger WHERE job_id=? ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=ledger.list_by_job: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.Seq, &e.At, &e.JobID, &e.Amount, &e.Provider, &e.Model); err != nil {
			return nil, fmt.Errorf("op=ledger.list_by_job: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
