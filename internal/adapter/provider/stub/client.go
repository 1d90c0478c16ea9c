// Package stub is a scriptable in-process provider used by tests and by dev
// mode. Each job follows a script: a sequence of poll statuses ending in a
// canned result or failure.
package stub

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/deepr-dev/deepr/internal/domain"
)

// Script drives one job through the stub. Statuses are returned one per poll;
// after the sequence is exhausted the last entry repeats.
type Script struct {
	SubmitErr error
	Statuses  []domain.PollResult
	Result    domain.ResearchResult
	FetchErr  error
	CancelErr error
}

type run struct {
	jobID string
	polls int
}

// Client implements domain.Provider against in-memory scripts.
type Client struct {
	ProviderName string

	mu       sync.Mutex
	scripts  map[string]Script                // keyed by domain job id
	runs     map[string]*run                  // keyed by provider job id
	byJob    map[string]string                // domain job id -> provider job id
	cancels  map[string]int                   // provider job id -> Cancel call count
	submits  map[string]domain.SubmitRequest  // domain job id -> last submitted request
	defaults Script
}

// New returns a stub with a default script that completes on the first poll.
func New(name string) *Client {
	if name == "" {
		name = "stub"
	}
	return &Client{
		ProviderName: name,
		scripts:      map[string]Script{},
		runs:         map[string]*run{},
		byJob:        map[string]string{},
		cancels:      map[string]int{},
		submits:      map[string]domain.SubmitRequest{},
		defaults: Script{
			Statuses: []domain.PollResult{{Status: domain.PollCompleted, Progress: 1}},
			Result:   domain.ResearchResult{Markdown: "# stub result\n", Cost: 0.01},
		},
	}
}

func (c *Client) Name() string { return c.ProviderName }

// SetScript registers the script for a domain job id before Submit is called.
func (c *Client) SetScript(jobID string, s Script) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[jobID] = s
}

// ProviderJobID reports the remote id assigned to a domain job, for tests.
func (c *Client) ProviderJobID(jobID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byJob[jobID]
	return id, ok
}

// LastSubmit reports the most recent SubmitRequest seen for a domain job.
func (c *Client) LastSubmit(jobID string) (domain.SubmitRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.submits[jobID]
	return req, ok
}

// CancelCalls reports how many times Cancel was invoked for a provider job.
func (c *Client) CancelCalls(providerJobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancels[providerJobID]
}

// scriptFor resolves the script under c.mu; callers hold the lock.
func (c *Client) scriptFor(jobID string) Script {
	if s, ok := c.scripts[jobID]; ok {
		return s
	}
	return c.defaults
}

func (c *Client) Submit(_ domain.Context, req domain.SubmitRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits[req.JobID] = req
	script := c.scriptFor(req.JobID)
	if script.SubmitErr != nil {
		return "", script.SubmitErr
	}
	id := "stub_" + uuid.NewString()
	c.runs[id] = &run{jobID: req.JobID}
	c.byJob[req.JobID] = id
	return id, nil
}

func (c *Client) Poll(_ domain.Context, providerJobIDs []string) ([]domain.PollResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.PollResult, 0, len(providerJobIDs))
	for _, id := range providerJobIDs {
		r, ok := c.runs[id]
		if !ok {
			out = append(out, domain.PollResult{ID: id, Status: domain.PollUnknown})
			continue
		}
		script := c.scriptFor(r.jobID)
		if len(script.Statuses) == 0 {
			out = append(out, domain.PollResult{ID: id, Status: domain.PollUnknown})
			continue
		}
		idx := r.polls
		if idx >= len(script.Statuses) {
			idx = len(script.Statuses) - 1
		}
		r.polls++
		pr := script.Statuses[idx]
		pr.ID = id
		out = append(out, pr)
	}
	return out, nil
}

func (c *Client) FetchResult(_ domain.Context, providerJobID string) (domain.ResearchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[providerJobID]
	if !ok {
		return domain.ResearchResult{}, fmt.Errorf("op=stub.fetch id=%s: %w", providerJobID, domain.ErrNotFound)
	}
	script := c.scriptFor(r.jobID)
	if script.FetchErr != nil {
		return domain.ResearchResult{}, script.FetchErr
	}
	return script.Result, nil
}

func (c *Client) Cancel(_ domain.Context, providerJobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels[providerJobID]++
	r, ok := c.runs[providerJobID]
	if !ok {
		return fmt.Errorf("op=stub.cancel id=%s: %w", providerJobID, domain.ErrNotFound)
	}
	if script := c.scriptFor(r.jobID); script.CancelErr != nil {
		return script.CancelErr
	}
	return nil
}
