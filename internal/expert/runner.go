package expert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deepr-dev/deepr/internal/domain"
	"github.com/deepr-dev/deepr/internal/queue"
)

// AnswerModel runs one short prompt to completion and returns its markdown
// output. The expert store uses it for grounded answers and synthesis; tests
// substitute a canned implementation.
type AnswerModel interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

// QueueRunner implements AnswerModel over the job queue: it enqueues a
// low-cost job and waits for the poller to finish it.
type QueueRunner struct {
	Queue     *queue.Service
	Jobs      domain.JobRepository
	Artifacts domain.ArtifactStore
	Timeout   time.Duration
}

// Complete blocks until the job is terminal or the timeout elapses.
func (r *QueueRunner) Complete(ctx context.Context, model, prompt string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	job, err := r.Queue.Enqueue(ctx, queue.EnqueueInput{
		Prompt:   prompt,
		Model:    model,
		Priority: 1,
		Metadata: map[string]string{"role": "expert_answer"},
	})
	if err != nil {
		return "", fmt.Errorf("op=expert.runner: %w", err)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_, _ = r.Queue.Cancel(context.WithoutCancel(ctx), job.ID)
			return "", fmt.Errorf("op=expert.runner job=%s: %w", job.ID, ctx.Err())
		case <-ticker.C:
		}
		current, err := r.Jobs.Get(ctx, job.ID)
		if err != nil {
			return "", fmt.Errorf("op=expert.runner: %w", err)
		}
		if !current.Status.Terminal() {
			continue
		}
		if current.Status != domain.JobCompleted {
			msg := string(current.Status)
			if current.Error != nil {
				msg = current.Error.Error()
			}
			return "", fmt.Errorf("op=expert.runner job=%s: %s: %w", job.ID, msg, domain.ErrInternal)
		}
		raw, err := r.Artifacts.Get(ctx, current.ResultRef)
		if err != nil {
			return "", fmt.Errorf("op=expert.runner: %w", err)
		}
		var result domain.ResearchResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return "", fmt.Errorf("op=expert.runner: %w", err)
		}
		return result.Markdown, nil
	}
}
