package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/deepr-dev/deepr/internal/domain"
)

// CampaignRepo persists campaigns with their phases and topics. Writes happen
// inside one transaction so a campaign is never observable half-updated.
type CampaignRepo struct{ DB *sql.DB }

// NewCampaignRepo constructs a CampaignRepo with the given database handle.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{DB: db} }

// Create inserts a campaign and all nested phases/topics, returning its id.
func (r *CampaignRepo) Create(ctx domain.Context, c domain.Campaign) (string, error) {
	tracer := otel.Tracer("repo.campaigns")
	ctx, span := tracer.Start(ctx, "campaigns.Create")
	defer span.End()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("op=campaign.create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO campaigns (id, goal, status, budget_cap, actual_cost, auto_continue, max_rounds,
			expert_ref, gap_ref, planner_job_id, created_at, updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Goal, c.Status, c.BudgetCap, c.ActualCost, boolInt(c.AutoContinue), c.MaxRounds,
		c.ExpertRef, c.GapRef, c.PlannerJobID, now, now)
	if err != nil {
		return "", fmt.Errorf("op=campaign.create: %w", err)
	}
	if err := insertPhases(ctx, tx, c.ID, c.Phases); err != nil {
		return "", fmt.Errorf("op=campaign.create: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("op=campaign.create: %w", err)
	}
	return c.ID, nil
}

// Update rewrites the campaign row and replaces its phases/topics.
func (r *CampaignRepo) Update(ctx domain.Context, c domain.Campaign) error {
	tracer := otel.Tracer("repo.campaigns")
	ctx, span := tracer.Start(ctx, "campaigns.Update")
	defer span.End()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=campaign.update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET goal=?, status=?, budget_cap=?, actual_cost=?, auto_continue=?,
			max_rounds=?, expert_ref=?, gap_ref=?, planner_job_id=?, updated_at=? WHERE id=?`,
		c.Goal, c.Status, c.BudgetCap, c.ActualCost, boolInt(c.AutoContinue),
		c.MaxRounds, c.ExpertRef, c.GapRef, c.PlannerJobID, time.Now().UTC(), c.ID)
	if err != nil {
		return fmt.Errorf("op=campaign.update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=campaign.update: %w", domain.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM phases WHERE campaign_id=?`, c.ID); err != nil {
		return fmt.Errorf("op=campaign.update: %w", err)
	}
	if err := insertPhases(ctx, tx, c.ID, c.Phases); err != nil {
		return fmt.Errorf("op=campaign.update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=campaign.update: %w", err)
	}
	return nil
}

func insertPhases(ctx domain.Context, tx *sql.Tx, campaignID string, phases []domain.Phase) error {
	for _, p := range phases {
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO phases (id, campaign_id, phase_index, status) VALUES (?,?,?,?)`,
			p.ID, campaignID, p.Index, p.Status); err != nil {
			return err
		}
		for _, t := range p.Topics {
			if t.ID == "" {
				t.ID = uuid.New().String()
			}
			deps, err := json.Marshal(t.DependsOn)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO topics (id, phase_id, prompt, depends_on, estimated_cost, job_ref,
					context_summary, status, attempts) VALUES (?,?,?,?,?,?,?,?,?)`,
				t.ID, p.ID, t.Prompt, string(deps), t.EstimatedCost, t.JobRef,
				t.ContextSummary, t.Status, t.Attempts); err != nil {
				return err
			}
		}
	}
	return nil
}

// Get loads a campaign with phases ordered by index and their topics.
func (r *CampaignRepo) Get(ctx domain.Context, id string) (domain.Campaign, error) {
	tracer := otel.Tracer("repo.campaigns")
	ctx, span := tracer.Start(ctx, "campaigns.Get")
	defer span.End()
	row := r.DB.QueryRowContext(ctx,
		`SELECT id, goal, status, budget_cap, actual_cost, auto_continue, max_rounds,
			expert_ref, gap_ref, planner_job_id, created_at, updated_at FROM campaigns WHERE id=?`, id)
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Campaign{}, fmt.Errorf("op=campaign.get: %w", domain.ErrNotFound)
		}
		return domain.Campaign{}, fmt.Errorf("op=campaign.get: %w", err)
	}
	if err := r.loadPhases(ctx, &c); err != nil {
		return domain.Campaign{}, fmt.Errorf("op=campaign.get: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) loadPhases(ctx domain.Context, c *domain.Campaign) error {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, phase_index, status FROM phases WHERE campaign_id=? ORDER BY phase_index`, c.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var p domain.Phase
		if err := rows.Scan(&p.ID, &p.Index, &p.Status); err != nil {
			return err
		}
		p.CampaignID = c.ID
		c.Phases = append(c.Phases, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for i := range c.Phases {
		trows, err := r.DB.QueryContext(ctx,
			`SELECT id, prompt, depends_on, estimated_cost, job_ref, context_summary, status, attempts
				FROM topics WHERE phase_id=? ORDER BY rowid`, c.Phases[i].ID)
		if err != nil {
			return err
		}
		for trows.Next() {
			var (
				t    domain.Topic
				deps string
			)
			if err := trows.Scan(&t.ID, &t.Prompt, &deps, &t.EstimatedCost, &t.JobRef,
				&t.ContextSummary, &t.Status, &t.Attempts); err != nil {
				_ = trows.Close()
				return err
			}
			if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
				_ = trows.Close()
				return err
			}
			t.PhaseID = c.Phases[i].ID
			c.Phases[i].Topics = append(c.Phases[i].Topics, t)
		}
		if err := trows.Err(); err != nil {
			_ = trows.Close()
			return err
		}
		_ = trows.Close()
	}
	return nil
}

// List returns campaigns newest first without nested phases.
func (r *CampaignRepo) List(ctx domain.Context, limit, offset int) ([]domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, goal, status, budget_cap, actual_cost, auto_continue, max_rounds,
			expert_ref, gap_ref, planner_job_id, created_at, updated_at
			FROM campaigns ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=campaign.list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("op=campaign.list: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListActive returns non-terminal, non-paused campaigns with their phases.
func (r *CampaignRepo) ListActive(ctx domain.Context) ([]domain.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, goal, status, budget_cap, actual_cost, auto_continue, max_rounds,
			expert_ref, gap_ref, planner_job_id, created_at, updated_at
			FROM campaigns WHERE status IN (?,?,?) ORDER BY created_at`,
		domain.CampaignPlanning, domain.CampaignReady, domain.CampaignExecuting)
	if err != nil {
		return nil, fmt.Errorf("op=campaign.list_active: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("op=campaign.list_active: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := r.loadPhases(ctx, &out[i]); err != nil {
			return nil, fmt.Errorf("op=campaign.list_active: %w", err)
		}
	}
	return out, nil
}

func scanCampaign(row rowScanner) (domain.Campaign, error) {
	var (
		c    domain.Campaign
		auto int
	)
	err := row.Scan(&c.ID, &c.Goal, &c.Status, &c.BudgetCap, &c.ActualCost, &auto, &c.MaxRounds,
		&c.ExpertRef, &c.GapRef, &c.PlannerJobID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.Campaign{}, err
	}
	c.AutoContinue = auto != 0
	return c, nil
}
