package usecase

import (
	"github.com/deepr-dev/deepr/internal/budget"
	"github.com/deepr-dev/deepr/internal/domain"
)

// CostService reports spend aggregates from the ledger.
type CostService struct {
	Governor *budget.Governor
	Ledger   domain.LedgerRepository
}

// NewCostService constructs a CostService.
func NewCostService(g *budget.Governor, ledger domain.LedgerRepository) CostService {
	return CostService{Governor: g, Ledger: ledger}
}

// Summary aggregates spend for period "day" or "month".
func (s CostService) Summary(ctx domain.Context, period string) (domain.SpendSummary, error) {
	return s.Governor.Summary(ctx, period)
}

// ByJob lists ledger entries for one job.
func (s CostService) ByJob(ctx domain.Context, jobID string) ([]domain.LedgerEntry, error) {
	return s.Ledger.ListByJob(ctx, jobID)
}
