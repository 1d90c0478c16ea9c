package campaign

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/deepr-dev/deepr/internal/domain"
	"github.com/deepr-dev/deepr/pkg/textx"
)

// plannedTopic is the wire shape the planner model is asked to emit.
type plannedTopic struct {
	ID            string   `json:"id"`
	Prompt        string   `json:"prompt"`
	DependsOn     []string `json:"depends_on,omitempty"`
	EstimatedCost float64  `json:"estimated_cost,omitempty"`
}

type plannedPhase struct {
	Topics []plannedTopic `json:"topics"`
}

// BuildPlannerPrompt asks a cheap model to decompose a goal into topics with
// dependencies. resultsToDate is empty for the first round.
func BuildPlannerPrompt(goal, resultsToDate string) string {
	var b strings.Builder
	b.WriteString("You are a research planner. Decompose the goal below into 2-6 research topics.\n")
	b.WriteString("Each topic gets a short id, a standalone research prompt, optional depends_on ids ")
	b.WriteString("(only within this plan) and an estimated_cost in USD.\n")
	b.WriteString("Respond with a single fenced JSON block: {\"topics\": [...]}.\n\n")
	b.WriteString("Goal: ")
	b.WriteString(goal)
	if resultsToDate != "" {
		b.WriteString("\n\nResearch completed so far (plan the NEXT phase; do not repeat covered ground):\n")
		b.WriteString(resultsToDate)
	}
	return b.String()
}

// ParsePlan extracts the planner's topic list from its markdown output. The
// JSON may arrive fenced or bare. Planner-local ids are replaced with fresh
// unique ids; depends_on references are rewritten to match.
func ParsePlan(markdown string) ([]domain.Topic, error) {
	raw := textx.ExtractJSONBlock(markdown)
	if raw == "" {
		return nil, fmt.Errorf("op=campaign.parse_plan: no JSON found in planner output: %w", domain.ErrInvalidArgument)
	}
	var phase plannedPhase
	if err := json.Unmarshal([]byte(raw), &phase); err != nil {
		return nil, fmt.Errorf("op=campaign.parse_plan: %w: %s", domain.ErrInvalidArgument, err.Error())
	}
	if len(phase.Topics) == 0 {
		return nil, fmt.Errorf("op=campaign.parse_plan: empty plan: %w", domain.ErrInvalidArgument)
	}

	rename := make(map[string]string, len(phase.Topics))
	for _, t := range phase.Topics {
		if t.Prompt == "" {
			return nil, fmt.Errorf("op=campaign.parse_plan: topic %q has no prompt: %w", t.ID, domain.ErrInvalidArgument)
		}
		rename[t.ID] = uuid.NewString()
	}
	topics := make([]domain.Topic, 0, len(phase.Topics))
	for _, t := range phase.Topics {
		nt := domain.Topic{
			ID:            rename[t.ID],
			Prompt:        t.Prompt,
			EstimatedCost: t.EstimatedCost,
			Status:        domain.TopicPending,
		}
		for _, dep := range t.DependsOn {
			mapped, ok := rename[dep]
			if !ok {
				return nil, fmt.Errorf("op=campaign.parse_plan: topic %q depends on unknown %q: %w", t.ID, dep, domain.ErrInvalidArgument)
			}
			nt.DependsOn = append(nt.DependsOn, mapped)
		}
		topics = append(topics, nt)
	}
	if err := domain.ValidateTopicDAG(topics); err != nil {
		return nil, err
	}
	return topics, nil
}

