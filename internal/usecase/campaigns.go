package usecase

import (
	"encoding/json"

	"github.com/deepr-dev/deepr/internal/campaign"
	"github.com/deepr-dev/deepr/internal/domain"
)

// TopicResult pairs a topic with its decoded artifact, when completed.
type TopicResult struct {
	Topic  domain.Topic           `json:"topic"`
	Result *domain.ResearchResult `json:"result,omitempty"`
}

// CampaignService exposes campaign lifecycle operations.
type CampaignService struct {
	Engine    *campaign.Engine
	Campaigns domain.CampaignRepository
	Jobs      domain.JobRepository
	Artifacts domain.ArtifactStore
}

// NewCampaignService constructs a CampaignService.
func NewCampaignService(e *campaign.Engine, campaigns domain.CampaignRepository,
	jobs domain.JobRepository, artifacts domain.ArtifactStore) CampaignService {
	return CampaignService{Engine: e, Campaigns: campaigns, Jobs: jobs, Artifacts: artifacts}
}

// Create persists a campaign; planning starts asynchronously when no explicit
// topics are given.
func (s CampaignService) Create(ctx domain.Context, in campaign.CreateInput) (domain.Campaign, error) {
	c, err := s.Engine.Create(ctx, in)
	if err != nil {
		return domain.Campaign{}, err
	}
	s.Engine.Wake()
	return c, nil
}

// Get loads one campaign with phases and topics.
func (s CampaignService) Get(ctx domain.Context, id string) (domain.Campaign, error) {
	return s.Campaigns.Get(ctx, id)
}

// List pages through campaigns, newest first.
func (s CampaignService) List(ctx domain.Context, limit, offset int) ([]domain.Campaign, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.Campaigns.List(ctx, limit, offset)
}

// Start moves a ready campaign into execution.
func (s CampaignService) Start(ctx domain.Context, id string) (domain.Campaign, error) {
	return s.Engine.Start(ctx, id)
}

// Pause halts launching; running topics finish.
func (s CampaignService) Pause(ctx domain.Context, id string) (domain.Campaign, error) {
	return s.Engine.Pause(ctx, id)
}

// Resume continues a paused campaign.
func (s CampaignService) Resume(ctx domain.Context, id string) (domain.Campaign, error) {
	return s.Engine.Resume(ctx, id)
}

// Cancel stops the campaign and its running jobs.
func (s CampaignService) Cancel(ctx domain.Context, id string) (domain.Campaign, error) {
	return s.Engine.Cancel(ctx, id)
}

// Results returns every topic with its research result where one exists.
func (s CampaignService) Results(ctx domain.Context, id string) ([]TopicResult, error) {
	c, err := s.Campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []TopicResult
	for _, t := range c.AllTopics() {
		tr := TopicResult{Topic: t}
		if t.Status == domain.TopicCompleted && t.JobRef != "" {
			if job, jErr := s.Jobs.Get(ctx, t.JobRef); jErr == nil && job.ResultRef != "" {
				if raw, aErr := s.Artifacts.Get(ctx, job.ResultRef); aErr == nil {
					var result domain.ResearchResult
					if json.Unmarshal(raw, &result) == nil {
						tr.Result = &result
					}
				}
			}
		}
		out = append(out, tr)
	}
	return out, nil
}
