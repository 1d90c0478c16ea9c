package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/deepr-dev/deepr/internal/domain"
)

const jobColumns = `id, prompt, model, provider, tools, vector_store_ref, budget_cap, metadata,
	priority, parent_phase_ref, idem_key, provider_job_id, status, progress, error_kind, error_msg,
	estimated_cost, actual_cost, cost_override, tokens_in, tokens_out, tokens_total, result_ref,
	stuck_flagged, created_at, updated_at, started_at, last_poll_at, completed_at`

// JobRepo persists and loads jobs.
type JobRepo struct{ DB *sql.DB }

// NewJobRepo constructs a JobRepo with the given database handle.
func NewJobRepo(db *sql.DB) *JobRepo { return &JobRepo{DB: db} }

// Create inserts a new job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	tools, err := json.Marshal(j.Tools)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (` + jobColumns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	_, err = r.DB.ExecContext(ctx, q,
		id, j.Prompt, j.Model, j.Provider, string(tools), j.VectorStoreRef, j.BudgetCap, string(meta),
		j.Priority, j.ParentPhaseRef, j.IdemKey, j.ProviderJobID, j.Status, j.Progress,
		errKind(j.Error), errMsg(j.Error),
		j.EstimatedCost, j.ActualCost, boolInt(j.CostOverride),
		j.TokenUsage.Input, j.TokenUsage.Output, j.TokenUsage.Total, j.ResultRef,
		boolInt(j.StuckFlagged), now, now, nullTime(j.StartedAt), nullTime(j.LastPollAt), nullTime(j.CompletedAt))
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Update rewrites the mutable columns of a job.
func (r *JobRepo) Update(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Update")
	defer span.End()
	q := `UPDATE jobs SET provider_job_id=?, status=?, progress=?, error_kind=?, error_msg=?,
		estimated_cost=?, actual_cost=?, cost_override=?, tokens_in=?, tokens_out=?, tokens_total=?,
		result_ref=?, stuck_flagged=?, updated_at=?, started_at=?, last_poll_at=?, completed_at=?
		WHERE id=?`
	res, err := r.DB.ExecContext(ctx, q,
		j.ProviderJobID, j.Status, j.Progress, errKind(j.Error), errMsg(j.Error),
		j.EstimatedCost, j.ActualCost, boolInt(j.CostOverride),
		j.TokenUsage.Input, j.TokenUsage.Output, j.TokenUsage.Total,
		j.ResultRef, boolInt(j.StuckFlagged), time.Now().UTC(),
		nullTime(j.StartedAt), nullTime(j.LastPollAt), nullTime(j.CompletedAt), j.ID)
	if err != nil {
		return fmt.Errorf("op=job.update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=job.update: %w", domain.ErrNotFound)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// List returns jobs matching the filter, newest first.
func (r *JobRepo) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	where := ""
	if f.Status != "" {
		where = ` WHERE status=?`
		args = append(args, f.Status)
	}
	if f.Provider != "" {
		if where == "" {
			where = ` WHERE provider=?`
		} else {
			where += ` AND provider=?`
		}
		args = append(args, f.Provider)
	}
	q += where + ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// FindByIdempotencyKey loads a job by idempotency key.
func (r *JobRepo) FindByIdempotencyKey(ctx domain.Context, key string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindByIdempotencyKey")
	defer span.End()
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idem_key=? LIMIT 1`, key)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", err)
	}
	return j, nil
}

// SumCostByTopicRefs sums actual cost over jobs bound to the given topics.
func (r *JobRepo) SumCostByTopicRefs(ctx domain.Context, refs []string) (float64, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	q := `SELECT COALESCE(SUM(actual_cost),0) FROM jobs WHERE parent_phase_ref IN (?` +
		strings.Repeat(",?", len(refs)-1) + `)`
	args := make([]any, len(refs))
	for i, ref := range refs {
		args[i] = ref
	}
	var total float64
	if err := r.DB.QueryRowContext(ctx, q, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("op=job.sum_cost: %w", err)
	}
	return total, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j                            domain.Job
		tools, meta                  string
		idem                         sql.NullString
		kind, msg                    string
		override, stuck              int
		started, polled, completed   sql.NullTime
	)
	err := row.Scan(&j.ID, &j.Prompt, &j.Model, &j.Provider, &tools, &j.VectorStoreRef, &j.BudgetCap, &meta,
		&j.Priority, &j.ParentPhaseRef, &idem, &j.ProviderJobID, &j.Status, &j.Progress, &kind, &msg,
		&j.EstimatedCost, &j.ActualCost, &override, &j.TokenUsage.Input, &j.TokenUsage.Output, &j.TokenUsage.Total,
		&j.ResultRef, &stuck, &j.CreatedAt, &j.UpdatedAt, &started, &polled, &completed)
	if err != nil {
		return domain.Job{}, err
	}
	if err := json.Unmarshal([]byte(tools), &j.Tools); err != nil {
		return domain.Job{}, err
	}
	if err := json.Unmarshal([]byte(meta), &j.Metadata); err != nil {
		return domain.Job{}, err
	}
	if idem.Valid {
		j.IdemKey = &idem.String
	}
	if kind != "" {
		j.Error = &domain.JobError{Kind: domain.ErrorKind(kind), Message: msg}
	}
	j.CostOverride = override != 0
	j.StuckFlagged = stuck != 0
	j.StartedAt = timePtr(started)
	j.LastPollAt = timePtr(polled)
	j.CompletedAt = timePtr(completed)
	return j, nil
}

func errKind(e *domain.JobError) string {
	if e == nil {
		return ""
	}
	return string(e.Kind)
}

func errMsg(e *domain.JobError) string {
	if e == nil {
		return ""
	}
	return e.Message
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
