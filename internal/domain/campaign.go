package domain

import (
	"fmt"
	"time"
)

// CampaignStatus is shared by campaigns and their phases.
type CampaignStatus string

const (
	CampaignPlanning  CampaignStatus = "planning"
	CampaignReady     CampaignStatus = "ready"
	CampaignExecuting CampaignStatus = "executing"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// Terminal reports whether the campaign can make no further progress.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignFailed
}

// TopicStatus tracks a planned research task inside a phase.
type TopicStatus string

const (
	TopicPending   TopicStatus = "pending"
	TopicRunning   TopicStatus = "running"
	TopicCompleted TopicStatus = "completed"
	TopicFailed    TopicStatus = "failed"
)

// Topic is bound to at most one job at a time; retries bind a fresh job and
// bump Attempts.
type Topic struct {
	ID             string      `json:"id"`
	PhaseID        string      `json:"phase_id,omitempty"`
	Prompt         string      `json:"prompt"`
	DependsOn      []string    `json:"depends_on,omitempty"`
	EstimatedCost  float64     `json:"estimated_cost,omitempty"`
	JobRef         string      `json:"job_ref,omitempty"`
	ContextSummary string      `json:"context_summary,omitempty"`
	Status         TopicStatus `json:"status"`
	Attempts       int         `json:"attempts,omitempty"`
}

// Phase is one stage of a campaign; topics in later phases may depend on
// topics from this or earlier phases.
type Phase struct {
	ID         string         `json:"id"`
	CampaignID string         `json:"campaign_id,omitempty"`
	Index      int            `json:"index"`
	Status     CampaignStatus `json:"status"`
	Topics     []Topic        `json:"topics"`
}

// Campaign is a multi-phase research plan.
type Campaign struct {
	ID           string         `json:"id"`
	Goal         string         `json:"goal"`
	Status       CampaignStatus `json:"status"`
	BudgetCap    float64        `json:"budget_cap,omitempty"`
	ActualCost   float64        `json:"actual_cost"`
	AutoContinue bool           `json:"auto_continue"`
	MaxRounds    int            `json:"max_rounds"`
	ExpertRef    string         `json:"expert_ref,omitempty"` // set when created by the learning loop
	GapRef       string         `json:"gap_ref,omitempty"`
	PlannerJobID string         `json:"planner_job_id,omitempty"`
	Phases       []Phase        `json:"phases"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Topics returns all topics across phases in phase order.
func (c *Campaign) AllTopics() []Topic {
	var out []Topic
	for _, p := range c.Phases {
		out = append(out, p.Topics...)
	}
	return out
}

// FindTopic locates a topic by id across phases.
func (c *Campaign) FindTopic(id string) (phaseIdx, topicIdx int, ok bool) {
	for pi := range c.Phases {
		for ti := range c.Phases[pi].Topics {
			if c.Phases[pi].Topics[ti].ID == id {
				return pi, ti, true
			}
		}
	}
	return 0, 0, false
}

// ValidateTopicDAG checks the depends_on relation over the given topics is a
// DAG and that every dependency resolves. Kahn's algorithm; any leftover node
// indicates a cycle.
func ValidateTopicDAG(topics []Topic) error {
	indeg := make(map[string]int, len(topics))
	adj := make(map[string][]string, len(topics))
	known := make(map[string]bool, len(topics))
	for _, t := range topics {
		known[t.ID] = true
		if _, ok := indeg[t.ID]; !ok {
			indeg[t.ID] = 0
		}
	}
	for _, t := range topics {
		for _, dep := range t.DependsOn {
			if !known[dep] {
				return fmt.Errorf("op=campaign.validate_dag: topic %s depends on unknown topic %s: %w", t.ID, dep, ErrInvalidArgument)
			}
			adj[dep] = append(adj[dep], t.ID)
			indeg[t.ID]++
		}
	}
	queue := make([]string, 0, len(topics))
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, next := range adj[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if seen != len(topics) {
		return fmt.Errorf("op=campaign.validate_dag: dependency cycle: %w", ErrInvalidArgument)
	}
	return nil
}

// CampaignRepository persists campaigns with their phases and topics.
type CampaignRepository interface {
	Create(ctx Context, c Campaign) (string, error)
	Get(ctx Context, id string) (Campaign, error)
	Update(ctx Context, c Campaign) error
	List(ctx Context, limit, offset int) ([]Campaign, error)
	// ListActive returns campaigns in executing or planning state, used by the
	// engine stepper on startup recovery.
	ListActive(ctx Context) ([]Campaign, error)
}
