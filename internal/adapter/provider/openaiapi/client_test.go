package openaiapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepr-dev/deepr/internal/domain"
)

func TestSubmitAndPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/responses":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, true, body["background"])
			assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "resp_1", "status": "queued"})
		case r.Method == http.MethodGet && r.URL.Path == "/responses/resp_1":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "resp_1", "status": "in_progress"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New("openai", srv.URL, "key", 2)
	id, err := c.Submit(context.Background(), domain.SubmitRequest{
		JobID:  "j1",
		Prompt: "research this",
		Model:  "o4-mini-deep-research",
		Tools:  []domain.Tool{{Kind: domain.ToolWebSearch}},
	})
	require.NoError(t, err)
	assert.Equal(t, "resp_1", id)

	res, err := c.Poll(context.Background(), []string{id, "resp_gone"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, domain.PollRunning, res[0].Status)
	assert.Equal(t, domain.PollUnknown, res[1].Status)
}

func TestFetchResultParsesAnnotations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "resp_1",
			"status": "completed",
			"output": []map[string]any{{
				"type": "message",
				"content": []map[string]any{{
					"type": "output_text",
					"text": "# Findings\nbody",
					"annotations": []map[string]any{{
						"type":        "url_citation",
						"url":         "https://example.com",
						"title":       "Example",
						"start_index": 3,
						"end_index":   10,
					}},
				}},
			}},
			"usage": map[string]any{"input_tokens": 1000, "output_tokens": 2000, "total_tokens": 3000},
		})
	}))
	defer srv.Close()

	c := New("openai", srv.URL, "key", 2)
	out, err := c.FetchResult(context.Background(), "resp_1")
	require.NoError(t, err)
	assert.Contains(t, out.Markdown, "Findings")
	require.Len(t, out.Citations, 1)
	assert.Equal(t, "https://example.com", out.Citations[0].URL)
	assert.Equal(t, int64(3000), out.TokenUsage.Total)
	assert.Greater(t, out.Cost, 0.0)
}

func TestRetryOnRateLimit(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "resp_2", "status": "queued"})
	}))
	defer srv.Close()

	c := New("openai", srv.URL, "key", 2)
	id, err := c.Submit(context.Background(), domain.SubmitRequest{JobID: "j2", Prompt: "p", Model: "small"})
	require.NoError(t, err)
	assert.Equal(t, "resp_2", id)
	assert.GreaterOrEqual(t, calls.Load(), int64(2))
}

func TestAuthFailureIsPermanent(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	c := New("openai", srv.URL, "key", 2)
	_, err := c.Submit(context.Background(), domain.SubmitRequest{JobID: "j3", Prompt: "p", Model: "small"})
	assert.ErrorIs(t, err, domain.ErrProviderAuth)
	assert.Equal(t, int64(1), calls.Load())
}

func TestCancelToleratesMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New("openai", srv.URL, "key", 2)
	assert.NoError(t, c.Cancel(context.Background(), "resp_gone"))
}
