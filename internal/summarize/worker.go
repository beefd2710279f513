package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rvachov/mailgauge/internal/storage"
)

// JobType is the queue type claimed by the summarize worker.
const JobType = "summarize_thread"

// JobStore abstracts the job queue and thread/summary storage.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetThread(id string) (storage.Thread, error)
	ListEmailsByThread(threadID string) ([]storage.Email, error)
	SaveSummary(s storage.Summary) error
}

// ThreadSummarizer generates an externally-sourced summary with action items.
type ThreadSummarizer interface {
	Summarize(ctx context.Context, thread storage.Thread, emails []storage.Email) (string, []string, error)
}

// Worker processes summarize_thread jobs from the job queue. Each job writes
// a local extractive summary; when an LLM summarizer is configured, an
// ollama-provenance summary is appended as well.
type Worker struct {
	store  JobStore
	llm    ThreadSummarizer // optional
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker. Pass nil llm to produce local summaries only.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, llm ThreadSummarizer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		llm:    llm,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// EnqueueThreads queues one summarize job per thread id.
func EnqueueThreads(store interface{ EnqueueJob(storage.Job) error }, threadIDs []string) error {
	for _, id := range threadIDs {
		payload, err := json.Marshal(map[string]string{"thread_id": id})
		if err != nil {
			return fmt.Errorf("marshaling payload for thread %s: %w", id, err)
		}
		job := storage.Job{
			ID:          uuid.New().String(),
			Type:        JobType,
			PayloadJSON: string(payload),
		}
		if err := store.EnqueueJob(job); err != nil {
			return fmt.Errorf("enqueueing summarize job for thread %s: %w", id, err)
		}
	}
	return nil
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single summarize job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type summarizePayload struct {
	ThreadID string `json:"thread_id"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload summarizePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	thread, err := w.store.GetThread(payload.ThreadID)
	if err != nil {
		return fmt.Errorf("loading thread %s: %w", payload.ThreadID, err)
	}
	emails, err := w.store.ListEmailsByThread(thread.ID)
	if err != nil {
		return fmt.Errorf("loading emails for thread %s: %w", thread.ID, err)
	}

	content, actionItems := Local(thread, emails)
	if err := w.saveSummary(thread.ID, content, actionItems, storage.ProvenanceLocal); err != nil {
		return err
	}

	// The LLM pass is best effort: a model failure keeps the local summary
	// and does not retry the whole job.
	if w.llm != nil {
		llmContent, llmItems, err := w.llm.Summarize(ctx, thread, emails)
		if err != nil {
			w.logger.Warn("llm summary failed, local summary kept", "thread_id", thread.ID, "error", err)
			return nil
		}
		if err := w.saveSummary(thread.ID, llmContent, llmItems, storage.ProvenanceOllama); err != nil {
			return err
		}
	}

	return nil
}

func (w *Worker) saveSummary(threadID, content string, actionItems []string, provenance string) error {
	itemsJSON := "[]"
	if len(actionItems) > 0 {
		b, err := json.Marshal(actionItems)
		if err != nil {
			return fmt.Errorf("marshaling action items: %w", err)
		}
		itemsJSON = string(b)
	}
	sum := storage.Summary{
		ID:          uuid.New().String(),
		ThreadID:    threadID,
		Content:     content,
		ActionItems: itemsJSON,
		Provenance:  provenance,
		CreatedAt:   time.Now().UTC(),
	}
	if err := w.store.SaveSummary(sum); err != nil {
		return fmt.Errorf("saving %s summary: %w", provenance, err)
	}
	return nil
}
