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

// ExpertRepo persists experts, beliefs and gaps. Beliefs are insert-only;
// supersession updates only the superseded_by pointer of the predecessor.
type ExpertRepo struct{ DB *sql.DB }

// NewExpertRepo constructs an ExpertRepo with the given database handle.
func NewExpertRepo(db *sql.DB) *ExpertRepo { return &ExpertRepo{DB: db} }

// Create inserts a new expert and returns its id. Duplicate names map to
// ErrConflict.
func (r *ExpertRepo) Create(ctx domain.Context, e domain.Expert) (string, error) {
	tracer := otel.Tracer("repo.experts")
	ctx, span := tracer.Start(ctx, "experts.Create")
	defer span.End()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO experts (id, name, domain, doc_store_ref, total_spend, last_synthesised_at, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.Name, e.Domain, e.DocStoreRef, e.TotalSpend, nullTime(e.LastSynthesisedAt), now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return "", fmt.Errorf("op=expert.create name=%s: %w", e.Name, domain.ErrConflict)
		}
		return "", fmt.Errorf("op=expert.create: %w", err)
	}
	return e.ID, nil
}

// Get loads an expert by id.
func (r *ExpertRepo) Get(ctx domain.Context, id string) (domain.Expert, error) {
	return r.getBy(ctx, `id=?`, id)
}

// GetByName loads an expert by its unique name.
func (r *ExpertRepo) GetByName(ctx domain.Context, name string) (domain.Expert, error) {
	return r.getBy(ctx, `name=?`, name)
}

func (r *ExpertRepo) getBy(ctx domain.Context, where string, arg any) (domain.Expert, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id, name, domain, doc_store_ref, total_spend, last_synthesised_at, created_at, updated_at
			FROM experts WHERE `+where, arg)
	var (
		e    domain.Expert
		last sql.NullTime
	)
	err := row.Scan(&e.ID, &e.Name, &e.Domain, &e.DocStoreRef, &e.TotalSpend, &last, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Expert{}, fmt.Errorf("op=expert.get: %w", domain.ErrNotFound)
		}
		return domain.Expert{}, fmt.Errorf("op=expert.get: %w", err)
	}
	e.LastSynthesisedAt = timePtr(last)
	return e, nil
}

// Update rewrites the mutable columns of an expert.
func (r *ExpertRepo) Update(ctx domain.Context, e domain.Expert) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE experts SET domain=?, doc_store_ref=?, total_spend=?, last_synthesised_at=?, updated_at=? WHERE id=?`,
		e.Domain, e.DocStoreRef, e.TotalSpend, nullTime(e.LastSynthesisedAt), time.Now().UTC(), e.ID)
	if err != nil {
		return fmt.Errorf("op=expert.update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=expert.update: %w", domain.ErrNotFound)
	}
	return nil
}

// List returns experts ordered by name.
func (r *ExpertRepo) List(ctx domain.Context, limit, offset int) ([]domain.Expert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, name, domain, doc_store_ref, total_spend, last_synthesised_at, created_at, updated_at
			FROM experts ORDER BY name LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=expert.list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Expert
	for rows.Next() {
		var (
			e    domain.Expert
			last sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.Name, &e.Domain, &e.DocStoreRef, &e.TotalSpend, &last, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=expert.list: %w", err)
		}
		e.LastSynthesisedAt = timePtr(last)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddBelief appends a belief. Beliefs are never updated or deleted.
func (r *ExpertRepo) AddBelief(ctx domain.Context, b domain.Belief) (string, error) {
	tracer := otel.Tracer("repo.experts")
	ctx, span := tracer.Start(ctx, "experts.AddBelief")
	defer span.End()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	sources, err := json.Marshal(b.Sources)
	if err != nil {
		return "", fmt.Errorf("op=belief.add: %w", err)
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO beliefs (id, expert_id, statement, confidence, sources, superseded_by, job_ref, created_at)
			VALUES (?,?,?,?,?,?,?,?)`,
		b.ID, b.ExpertID, b.Statement, b.Confidence, string(sources), b.SupersededBy, b.JobRef, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=belief.add: %w", err)
	}
	return b.ID, nil
}

// SetSuperseded links a predecessor belief to its successor. A belief may be
// superseded at most once.
func (r *ExpertRepo) SetSuperseded(ctx domain.Context, beliefID, successorID string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE beliefs SET superseded_by=? WHERE id=? AND superseded_by IS NULL`, successorID, beliefID)
	if err != nil {
		return fmt.Errorf("op=belief.supersede: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=belief.supersede id=%s: %w", beliefID, domain.ErrConflict)
	}
	return nil
}

// ListBeliefs returns all beliefs of an expert, oldest first.
func (r *ExpertRepo) ListBeliefs(ctx domain.Context, expertID string) ([]domain.Belief, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, expert_id, statement, confidence, sources, superseded_by, job_ref, created_at
			FROM beliefs WHERE expert_id=? ORDER BY created_at`, expertID)
	if err != nil {
		return nil, fmt.Errorf("op=belief.list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Belief
	for rows.Next() {
		var (
			b          domain.Belief
			sources    string
			superseded sql.NullString
		)
		if err := rows.Scan(&b.ID, &b.ExpertID, &b.Statement, &b.Confidence, &sources, &superseded, &b.JobRef, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=belief.list: %w", err)
		}
		if err := json.Unmarshal([]byte(sources), &b.Sources); err != nil {
			return nil, fmt.Errorf("op=belief.list: %w", err)
		}
		if superseded.Valid {
			b.SupersededBy = &superseded.String
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AddGap appends a gap, idempotent by (expert, lower(topic)): re-adding
// returns the existing gap's id.
func (r *ExpertRepo) AddGap(ctx domain.Context, g domain.Gap) (string, error) {
	tracer := otel.Tracer("repo.experts")
	ctx, span := tracer.Start(ctx, "experts.AddGap")
	defer span.End()
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.DiscoveredAt.IsZero() {
		g.DiscoveredAt = time.Now().UTC()
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO gaps (id, expert_id, topic, priority, discovered_at, filled_by_job, campaign_ref)
			VALUES (?,?,?,?,?,?,?)`,
		g.ID, g.ExpertID, g.Topic, g.Priority, g.DiscoveredAt, g.FilledByJob, g.CampaignRef)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			var existing string
			row := r.DB.QueryRowContext(ctx,
				`SELECT id FROM gaps WHERE expert_id=? AND lower(topic)=lower(?)`, g.ExpertID, g.Topic)
			if scanErr := row.Scan(&existing); scanErr == nil {
				return existing, nil
			}
		}
		return "", fmt.Errorf("op=gap.add: %w", err)
	}
	return g.ID, nil
}

// GetGap loads a gap by id.
func (r *ExpertRepo) GetGap(ctx domain.Context, gapID string) (domain.Gap, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id, expert_id, topic, priority, discovered_at, filled_by_job, campaign_ref FROM gaps WHERE id=?`, gapID)
	g, err := scanGap(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Gap{}, fmt.Errorf("op=gap.get: %w", domain.ErrNotFound)
		}
		return domain.Gap{}, fmt.Errorf("op=gap.get: %w", err)
	}
	return g, nil
}

// UpdateGap rewrites a gap row.
func (r *ExpertRepo) UpdateGap(ctx domain.Context, g domain.Gap) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE gaps SET priority=?, filled_by_job=?, campaign_ref=? WHERE id=?`,
		g.Priority, g.FilledByJob, g.CampaignRef, g.ID)
	if err != nil {
		return fmt.Errorf("op=gap.update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=gap.update: %w", domain.ErrNotFound)
	}
	return nil
}

// ListGaps returns an expert's gaps by descending priority. openOnly filters
// to gaps without a filling job.
func (r *ExpertRepo) ListGaps(ctx domain.Context, expertID string, openOnly bool) ([]domain.Gap, error) {
	q := `SELECT id, expert_id, topic, priority, discovered_at, filled_by_job, campaign_ref
		FROM gaps WHERE expert_id=?`
	if openOnly {
		q += ` AND filled_by_job IS NULL`
	}
	q += ` ORDER BY priority DESC, discovered_at`
	rows, err := r.DB.QueryContext(ctx, q, expertID)
	if err != nil {
		return nil, fmt.Errorf("op=gap.list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Gap
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, fmt.Errorf("op=gap.list: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGap(row rowScanner) (domain.Gap, error) {
	var (
		g      domain.Gap
		filled sql.NullString
	)
	err := row.Scan(&g.ID, &g.ExpertID, &g.Topic, &g.Priority, &g.DiscoveredAt, &filled, &g.CampaignRef)
	if err != nil {
		return domain.Gap{}, err
	}
	if filled.Valid {
		g.FilledByJob = &filled.String
	}
	return g, nil
}
