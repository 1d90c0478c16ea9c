package domain

import (
	"fmt"
	"time"
)

// JobStatus is the state of a research job. Legal transitions:
//
//	pending -> submitting -> processing -> completed
//	pending -> admission_rejected
//	submitting -> failed (submit failure or timeout)
//	processing -> failed | cancelled
//	pending/submitting -> cancelled
type JobStatus string

const (
	JobPending           JobStatus = "pending"
	JobSubmitting        JobStatus = "submitting"
	JobProcessing        JobStatus = "processing"
	JobCompleted         JobStatus = "completed"
	JobFailed            JobStatus = "failed"
	JobCancelled         JobStatus = "cancelled"
	JobAdmissionRejected JobStatus = "admission_rejected"
)

// Terminal reports whether no further transition is legal from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobAdmissionRejected:
		return true
	}
	return false
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobSubmitting, JobAdmissionRejected, JobCancelled},
	JobSubmitting: {JobProcessing, JobFailed, JobCancelled},
	JobProcessing: {JobCompleted, JobFailed, JobCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrAlreadyTerminal for edges out of a terminal
// state and ErrConflict for any other illegal edge.
func ValidateTransition(from, to JobStatus) error {
	if from.Terminal() {
		return fmt.Errorf("op=job.transition %s->%s: %w", from, to, ErrAlreadyTerminal)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("op=job.transition %s->%s: %w", from, to, ErrConflict)
	}
	return nil
}

// ToolKind enumerates provider tools a job may request.
type ToolKind string

const (
	ToolWebSearch       ToolKind = "web_search"
	ToolFileSearch      ToolKind = "file_search"
	ToolCodeInterpreter ToolKind = "code_interpreter"
	ToolMCP             ToolKind = "mcp"
)

// Tool is a tagged variant: StoreRef is set for file_search, ServerURL for mcp.
type Tool struct {
	Kind      ToolKind `json:"kind"`
	StoreRef  string   `json:"store_ref,omitempty"`
	ServerURL string   `json:"server_url,omitempty"`
}

// TokenUsage is provider-reported token accounting for a completed job.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// Input limits enforced at admission.
const (
	MaxPromptChars   = 10000
	MaxMetadataBytes = 4096
)

// Job is the unit of work sent to exactly one provider.
type Job struct {
	ID             string
	Prompt         string
	Model          string
	Provider       string
	Tools          []Tool
	VectorStoreRef string
	BudgetCap      float64 // USD; 0 means uncapped by the caller
	Metadata       map[string]string
	Priority       int    // 1..5
	ParentPhaseRef string // topic id when created by a campaign
	IdemKey        *string

	ProviderJobID string
	Status        JobStatus
	Progress      float64
	Error         *JobError
	EstimatedCost float64
	ActualCost    float64
	CostOverride  bool // explicit APPROVE_OVERRIDE recorded
	TokenUsage    TokenUsage
	ResultRef     string // artifact sha256, set on completion
	StuckFlagged  bool

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	LastPollAt  *time.Time
	CompletedAt *time.Time
}

// JobFilter narrows List queries.
type JobFilter struct {
	Status   JobStatus
	Provider string
	Limit    int
	Offset   int
}

// JobRepository persists jobs. Implementations serialise writes per row.
type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	Update(ctx Context, j Job) error
	List(ctx Context, f JobFilter) ([]Job, error)
	FindByIdempotencyKey(ctx Context, key string) (Job, error)
	// SumCostByTopicRefs returns actual cost summed over jobs whose
	// ParentPhaseRef is in refs; used for campaign cost reconciliation.
	SumCostByTopicRefs(ctx Context, refs []string) (float64, error)
}

// ArtifactStore persists result artifacts content-addressed by SHA-256.
type ArtifactStore interface {
	Put(ctx Context, data []byte) (ref string, err error)
	Get(ctx Context, ref string) ([]byte, error)
}
