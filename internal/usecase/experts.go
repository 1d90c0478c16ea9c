package usecase

import (
	"errors"

	"github.com/deepr-dev/deepr/internal/domain"
	"github.com/deepr-dev/deepr/internal/expert"
)

// ExpertService exposes expert management, querying and learning.
type ExpertService struct {
	Store   *expert.Store
	Loop    *expert.Loop
	Experts domain.ExpertRepository
}

// NewExpertService constructs an ExpertService.
func NewExpertService(store *expert.Store, loop *expert.Loop, experts domain.ExpertRepository) ExpertService {
	return ExpertService{Store: store, Loop: loop, Experts: experts}
}

// Create registers an expert with an optional initial corpus.
func (s ExpertService) Create(ctx domain.Context, name, domainField string, docs []domain.Document) (domain.Expert, error) {
	return s.Store.Create(ctx, name, domainField, docs)
}

// Get resolves an expert by id, falling back to the unique name.
func (s ExpertService) Get(ctx domain.Context, idOrName string) (domain.Expert, error) {
	e, err := s.Experts.Get(ctx, idOrName)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Expert{}, err
	}
	return s.Experts.GetByName(ctx, idOrName)
}

// resolve maps a route parameter (id or unique name) to the expert id.
func (s ExpertService) resolve(ctx domain.Context, idOrName string) (string, error) {
	e, err := s.Get(ctx, idOrName)
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

// List pages through experts.
func (s ExpertService) List(ctx domain.Context, limit, offset int) ([]domain.Expert, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.Experts.List(ctx, limit, offset)
}

// Upload adds documents and re-synthesises beliefs.
func (s ExpertService) Upload(ctx domain.Context, idOrName string, docs []domain.Document) ([]string, error) {
	id, err := s.resolve(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	return s.Store.Upload(ctx, id, docs)
}

// Query answers a question grounded in beliefs and documents.
func (s ExpertService) Query(ctx domain.Context, idOrName, question string) (expert.QueryResult, error) {
	id, err := s.resolve(ctx, idOrName)
	if err != nil {
		return expert.QueryResult{}, err
	}
	return s.Store.Query(ctx, id, question)
}

// Beliefs lists an expert's beliefs including superseded ones.
func (s ExpertService) Beliefs(ctx domain.Context, idOrName string) ([]domain.Belief, error) {
	id, err := s.resolve(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	return s.Experts.ListBeliefs(ctx, id)
}

// Gaps lists an expert's knowledge gaps.
func (s ExpertService) Gaps(ctx domain.Context, idOrName string, openOnly bool) ([]domain.Gap, error) {
	id, err := s.resolve(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	return s.Experts.ListGaps(ctx, id, openOnly)
}

// RecordGap registers a known-unknown for later learning.
func (s ExpertService) RecordGap(ctx domain.Context, idOrName, topic string, priority int) (domain.Gap, error) {
	id, err := s.resolve(ctx, idOrName)
	if err != nil {
		return domain.Gap{}, err
	}
	return s.Store.RecordGap(ctx, id, topic, priority)
}

// Learn opens a budgeted autonomous learning session over at most topK gaps
// (0 means all).
func (s ExpertService) Learn(ctx domain.Context, idOrName string, budget float64, topK int) error {
	id, err := s.resolve(ctx, idOrName)
	if err != nil {
		return err
	}
	return s.Loop.StartLearning(ctx, id, budget, topK)
}

// FillGap launches a targeted campaign to close one specific gap.
func (s ExpertService) FillGap(ctx domain.Context, idOrName, gapID string, budget float64) (string, error) {
	id, err := s.resolve(ctx, idOrName)
	if err != nil {
		return "", err
	}
	return s.Loop.FillGap(ctx, id, gapID, budget)
}

// StopLearning halts a running session; the active campaign is cancelled.
func (s ExpertService) StopLearning(ctx domain.Context, idOrName string) error {
	id, err := s.resolve(ctx, idOrName)
	if err != nil {
		return err
	}
	return s.Loop.StopLearning(ctx, id)
}
