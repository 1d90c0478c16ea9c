// Package openaiapi talks to OpenAI-compatible background Responses APIs.
// The same client serves OpenAI, Azure OpenAI and any gateway exposing the
// /responses surface; only the base URL and credentials differ.
package openaiapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/deepr-dev/deepr/internal/domain"
)

// Client implements domain.Provider over HTTP.
type Client struct {
	ProviderName string
	BaseURL      string
	APIKey       string
	HTTP         *http.Client

	// sem bounds concurrent outbound calls so one busy poll cycle cannot
	// exhaust the provider's rate limit.
	sem        *semaphore.Weighted
	maxRetries uint64
}

// New builds a client for one upstream. maxConcurrent <= 0 defaults to 8.
func New(name, baseURL, apiKey string, maxConcurrent int64) *Client {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Client{
		ProviderName: name,
		BaseURL:      baseURL,
		APIKey:       apiKey,
		HTTP:         &http.Client{Timeout: 60 * time.Second},
		sem:          semaphore.NewWeighted(maxConcurrent),
		maxRetries:   3,
	}
}

func (c *Client) Name() string { return c.ProviderName }

type submitPayload struct {
	Model      string       `json:"model"`
	Input      string       `json:"input"`
	Background bool         `json:"background"`
	Tools      []toolWire   `json:"tools,omitempty"`
	Metadata   metadataWire `json:"metadata,omitempty"`
}

type toolWire struct {
	Type           string   `json:"type"`
	VectorStoreIDs []string `json:"vector_store_ids,omitempty"`
	ServerURL      string   `json:"server_url,omitempty"`
}

type metadataWire map[string]string

type responseWire struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			Annotations []struct {
				Type       string `json:"type"`
				URL        string `json:"url"`
				Title      string `json:"title"`
				StartIndex int    `json:"start_index"`
				EndIndex   int    `json:"end_index"`
				FileID     string `json:"file_id"`
			} `json:"annotations"`
		} `json:"content"`
	} `json:"output"`
	Usage *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
		TotalTokens  int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Submit starts a background research run and returns the remote response id.
func (c *Client) Submit(ctx domain.Context, req domain.SubmitRequest) (string, error) {
	payload := submitPayload{
		Model:      req.Model,
		Input:      req.Prompt,
		Background: true,
		Metadata:   metadataWire{"job_id": req.JobID},
	}
	for _, t := range req.Tools {
		w := toolWire{Type: string(t.Kind)}
		switch t.Kind {
		case domain.ToolFileSearch:
			ref := t.StoreRef
			if ref == "" {
				ref = req.VectorStoreRef
			}
			w.VectorStoreIDs = []string{ref}
		case domain.ToolMCP:
			w.ServerURL = t.ServerURL
		}
		payload.Tools = append(payload.Tools, w)
	}

	var wire responseWire
	if err := c.do(ctx, http.MethodPost, "/responses", payload, &wire); err != nil {
		return "", fmt.Errorf("op=openaiapi.submit job=%s: %w", req.JobID, err)
	}
	if wire.ID == "" {
		return "", fmt.Errorf("op=openaiapi.submit job=%s: empty response id: %w", req.JobID, domain.ErrUpstream5xx)
	}
	return wire.ID, nil
}

// Poll fans out to the single-id endpoint. A 404 for one id yields an unknown
// status for that id rather than failing the batch.
func (c *Client) Poll(ctx domain.Context, providerJobIDs []string) ([]domain.PollResult, error) {
	out := make([]domain.PollResult, 0, len(providerJobIDs))
	for _, id := range providerJobIDs {
		var wire responseWire
		err := c.do(ctx, http.MethodGet, "/responses/"+id, nil, &wire)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				out = append(out, domain.PollResult{ID: id, Status: domain.PollUnknown})
				continue
			}
			return nil, fmt.Errorf("op=openaiapi.poll id=%s: %w", id, err)
		}
		out = append(out, pollResult(id, wire))
	}
	return out, nil
}

func pollResult(id string, wire responseWire) domain.PollResult {
	pr := domain.PollResult{ID: id}
	switch wire.Status {
	case "completed":
		pr.Status = domain.PollCompleted
		pr.Progress = 1
	case "failed", "incomplete":
		pr.Status = domain.PollFailed
		kind := domain.ErrKindProvider5xx
		msg := "provider reported failure"
		if wire.Error != nil {
			msg = wire.Error.Message
			if wire.Error.Code == "rate_limit_exceeded" {
				kind = domain.ErrKindRateLimited
			}
		}
		pr.Error = &domain.JobError{Kind: kind, Message: msg}
	case "cancelled":
		pr.Status = domain.PollFailed
		pr.Error = &domain.JobError{Kind: domain.ErrKindCancelled, Message: "cancelled upstream"}
	case "queued", "in_progress":
		pr.Status = domain.PollRunning
		pr.Progress = 0.5
		if wire.Status == "queued" {
			pr.Progress = 0.1
		}
	default:
		pr.Status = domain.PollUnknown
	}
	return pr
}

// FetchResult retrieves the final output of a completed run.
func (c *Client) FetchResult(ctx domain.Context, providerJobID string) (domain.ResearchResult, error) {
	var wire responseWire
	if err := c.do(ctx, http.MethodGet, "/responses/"+providerJobID, nil, &wire); err != nil {
		return domain.ResearchResult{}, fmt.Errorf("op=openaiapi.fetch id=%s: %w", providerJobID, err)
	}
	res := domain.ResearchResult{}
	for _, item := range wire.Output {
		if item.Type != "message" {
			continue
		}
		for _, content := range item.Content {
			if content.Type != "output_text" {
				continue
			}
			res.Markdown += content.Text
			for _, a := range content.Annotations {
				if a.Type != "url_citation" && a.Type != "file_citation" {
					continue
				}
				res.Citations = append(res.Citations, domain.Citation{
					Start:  a.StartIndex,
					End:    a.EndIndex,
					URL:    a.URL,
					Title:  a.Title,
					DocRef: a.FileID,
				})
			}
		}
	}
	if wire.Usage != nil {
		res.TokenUsage = domain.TokenUsage{
			Input:  wire.Usage.InputTokens,
			Output: wire.Usage.OutputTokens,
			Total:  wire.Usage.TotalTokens,
		}
		res.Cost = tokenCost(res.TokenUsage)
	}
	return res, nil
}

// tokenCost converts reported usage to USD at a conservative blended rate.
func tokenCost(u domain.TokenUsage) float64 {
	return float64(u.Input)/1_000_000*2.0 + float64(u.Output)/1_000_000*8.0
}

// Cancel requests upstream cancellation. A 404 means the run is already gone,
// which cancellation treats as success.
func (c *Client) Cancel(ctx domain.Context, providerJobID string) error {
	err := c.do(ctx, http.MethodPost, "/responses/"+providerJobID+"/cancel", nil, nil)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("op=openaiapi.cancel id=%s: %w", providerJobID, err)
	}
	return nil
}

// do executes one HTTP call with bounded concurrency and retries retryable
// failures (429, 5xx, network) with exponential backoff.
func (c *Client) do(ctx domain.Context, method, path string, body, out any) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("op=openaiapi.do: %w", err)
	}
	defer c.sem.Release(1)

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("op=openaiapi.do marshal: %w", err)
		}
		payload = b
	}

	operation := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("%s: %w", err.Error(), domain.ErrNetwork)
		}
		defer func() { _ = resp.Body.Close() }()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return fmt.Errorf("read body: %w", domain.ErrNetwork)
		}
		if resp.StatusCode >= 400 {
			err := classifyStatus(resp.StatusCode, data)
			if errors.Is(err, domain.ErrRateLimited) || errors.Is(err, domain.ErrUpstream5xx) {
				slog.Debug("upstream retryable failure",
					slog.String("provider", c.ProviderName),
					slog.Int("status", resp.StatusCode))
				return err
			}
			return backoff.Permanent(err)
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	return backoff.Retry(operation, bo)
}

func classifyStatus(status int, body []byte) error {
	msg := upstreamMessage(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("status=%d %s: %w", status, msg, domain.ErrProviderAuth)
	case status == http.StatusNotFound:
		return fmt.Errorf("status=%d %s: %w", status, msg, domain.ErrNotFound)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("status=%d %s: %w", status, msg, domain.ErrRateLimited)
	case status >= 500:
		return fmt.Errorf("status=%d %s: %w", status, msg, domain.ErrUpstream5xx)
	default:
		return fmt.Errorf("status=%d %s: %w", status, msg, domain.ErrInvalidArgument)
	}
}

func upstreamMessage(body []byte) string {
	var wrapper struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error.Message != "" {
		return wrapper.Error.Message
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
