package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/deepr-dev/deepr/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeJSON parses and validates a request body into dst. Unknown fields are
// rejected so typos fail loudly instead of silently defaulting.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("op=http.decode: %s: %w", err.Error(), domain.ErrInvalidArgument)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("op=http.validate: %s: %w", err.Error(), domain.ErrInvalidArgument)
	}
	return nil
}

type toolRequest struct {
	Kind      string `json:"kind" validate:"required,oneof=web_search file_search code_interpreter mcp"`
	StoreRef  string `json:"store_ref,omitempty"`
	ServerURL string `json:"server_url,omitempty" validate:"omitempty,url"`
}

type enqueueJobRequest struct {
	Prompt         string            `json:"prompt" validate:"required"`
	Model          string            `json:"model,omitempty"`
	Provider       string            `json:"provider,omitempty"`
	Tools          []toolRequest     `json:"tools,omitempty" validate:"dive"`
	VectorStoreRef string            `json:"vector_store_ref,omitempty"`
	BudgetCap      float64           `json:"budget_cap,omitempty" validate:"gte=0"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Priority       int               `json:"priority,omitempty" validate:"gte=0,lte=5"`
	Override       bool              `json:"override,omitempty"`
	// Shorthand for appending a web_search tool.
	EnableWebSearch bool `json:"enable_web_search,omitempty"`
}

type topicRequest struct {
	ID            string   `json:"id" validate:"required"`
	Prompt        string   `json:"prompt" validate:"required"`
	DependsOn     []string `json:"depends_on,omitempty"`
	EstimatedCost float64  `json:"estimated_cost,omitempty" validate:"gte=0"`
}

type createCampaignRequest struct {
	Goal         string         `json:"goal" validate:"required"`
	BudgetCap    float64        `json:"budget_cap,omitempty" validate:"gte=0"`
	AutoContinue bool           `json:"auto_continue,omitempty"`
	MaxRounds    int            `json:"max_rounds,omitempty" validate:"gte=0,lte=5"`
	Topics       []topicRequest `json:"topics,omitempty" validate:"dive"`
}

type createExpertRequest struct {
	Name   string `json:"name" validate:"required,min=1,max=128"`
	Domain string `json:"domain" validate:"required"`
}

type queryExpertRequest struct {
	Question string `json:"question" validate:"required"`
}

type recordGapRequest struct {
	Topic    string `json:"topic" validate:"required"`
	Priority int    `json:"priority" validate:"gte=1,lte=5"`
}

type learnRequest struct {
	Budget float64 `json:"budget" validate:"required,gt=0"`
	TopK   int     `json:"top_k" validate:"omitempty,gte=1,lte=50"`
}

type fillGapRequest struct {
	Budget float64 `json:"budget" validate:"required,gt=0"`
}

func (t toolRequest) toDomain() domain.Tool {
	return domain.Tool{Kind: domain.ToolKind(t.Kind), StoreRef: t.StoreRef, ServerURL: t.ServerURL}
}

func (t topicRequest) toDomain() domain.Topic {
	return domain.Topic{
		ID:            t.ID,
		Prompt:        t.Prompt,
		DependsOn:     t.DependsOn,
		EstimatedCost: t.EstimatedCost,
	}
}
