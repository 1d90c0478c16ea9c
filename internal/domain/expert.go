package domain

import "time"

// Citation points into a result artifact or a source document.
type Citation struct {
	Start  int    `json:"start"`
	End    int    `json:"end"`
	URL    string `json:"url,omitempty"`
	Title  string `json:"title,omitempty"`
	DocRef string `json:"doc_ref,omitempty"`
}

// Belief is an atomic statement held by an expert. Beliefs are append-only;
// contradiction is expressed by a successor belief linked via SupersededBy on
// the predecessor, never by mutating the statement.
type Belief struct {
	ID           string     `json:"id"`
	ExpertID     string     `json:"expert_id"`
	Statement    string     `json:"statement"`
	Confidence   float64    `json:"confidence"` // [0,1]
	Sources      []Citation `json:"sources,omitempty"`
	SupersededBy *string    `json:"superseded_by,omitempty"`
	JobRef       string     `json:"job_ref,omitempty"` // job whose result produced this belief, if any
	CreatedAt    time.Time  `json:"created_at"`
}

// Gap is a known-unknown for an expert.
type Gap struct {
	ID           string    `json:"id"`
	ExpertID     string    `json:"expert_id"`
	Topic        string    `json:"topic"`
	Priority     int       `json:"priority"`
	DiscoveredAt time.Time `json:"discovered_at"`
	FilledByJob  *string   `json:"filled_by_job,omitempty"`
	CampaignRef  string    `json:"campaign_ref,omitempty"`
}

// Expert is a persistent knowledge agent.
type Expert struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"` // unique, human-readable
	Domain            string     `json:"domain"`
	DocStoreRef       string     `json:"doc_store_ref,omitempty"`
	TotalSpend        float64    `json:"total_spend"`
	LastSynthesisedAt *time.Time `json:"last_synthesised_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ExpertRepository persists experts, beliefs and gaps. Beliefs are insert-only
// apart from setting SupersededBy on a predecessor.
type ExpertRepository interface {
	Create(ctx Context, e Expert) (string, error)
	GetByName(ctx Context, name string) (Expert, error)
	Get(ctx Context, id string) (Expert, error)
	Update(ctx Context, e Expert) error
	List(ctx Context, limit, offset int) ([]Expert, error)

	AddBelief(ctx Context, b Belief) (string, error)
	SetSuperseded(ctx Context, beliefID, successorID string) error
	ListBeliefs(ctx Context, expertID string) ([]Belief, error)

	// AddGap is idempotent by (expert, lower(topic)); re-adding returns the
	// existing gap id.
	AddGap(ctx Context, g Gap) (string, error)
	ListGaps(ctx Context, expertID string, openOnly bool) ([]Gap, error)
	GetGap(ctx Context, gapID string) (Gap, error)
	UpdateGap(ctx Context, g Gap) error
}
