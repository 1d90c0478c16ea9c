package domain

// PollStatus is the provider-reported state of a remote job.
type PollStatus string

const (
	PollRunning   PollStatus = "running"
	PollCompleted PollStatus = "completed"
	PollFailed    PollStatus = "failed"
	PollUnknown   PollStatus = "unknown"
)

// SubmitRequest carries everything a provider needs to start a research run.
type SubmitRequest struct {
	JobID          string
	Prompt         string
	Model          string
	Tools          []Tool
	VectorStoreRef string
}

// PollResult is one entry of a batched poll response.
type PollResult struct {
	ID       string
	Status   PollStatus
	Progress float64
	Error    *JobError
}

// ResearchResult is the final artifact of a completed job. The JSON form is
// what the artifact store persists and the results endpoint serves.
type ResearchResult struct {
	Markdown   string     `json:"markdown"`
	Citations  []Citation `json:"citations,omitempty"`
	TokenUsage TokenUsage `json:"token_usage"`
	Cost       float64    `json:"cost"`
}

// Provider is the abstract contract over LLM research providers. All methods
// may fail with rate_limited, auth, invalid_request, provider_5xx or network
// kinds; callers own retry policy.
type Provider interface {
	Name() string
	Submit(ctx Context, req SubmitRequest) (providerJobID string, err error)
	// Poll must accept batches; implementations may fan out to a single-id
	// endpoint internally.
	Poll(ctx Context, providerJobIDs []string) ([]PollResult, error)
	FetchResult(ctx Context, providerJobID string) (ResearchResult, error)
	Cancel(ctx Context, providerJobID string) error
}

// Summariser bounds text to a token budget for context chaining. The
// deterministic truncation fallback keeps tests provider-free.
type Summariser interface {
	Summarise(ctx Context, text string, tokenBudget int) (string, error)
}
