// Package api exposes the HTTP management surface and the provider webhook.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rvachov/mailgauge/internal/ingest"
	"github.com/rvachov/mailgauge/internal/metrics"
	"github.com/rvachov/mailgauge/internal/storage"
	"github.com/rvachov/mailgauge/internal/summarize"
)

const maxRequestBodySize = 10 << 20 // provider batches can be large

// SearchTrigger starts an asynchronous upstream mailbox search.
type SearchTrigger interface {
	TriggerSearch(ctx context.Context, q storage.Query) error
}

// AppDeps holds dependencies for the HTTP handler.
type AppDeps struct {
	Store         *storage.Store
	Engine        *ingest.Engine
	Provider      SearchTrigger // optional; if nil, POST /queries stores the query without triggering a search
	Token         string
	WebhookSecret string
}

// NewAppHandler builds the router. The webhook and health check sit outside
// bearer auth; everything else requires the management token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/webhook/results", handleWebhookResults(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/queries", handleCreateQuery(deps))
		r.Get("/queries", handleListQueries(deps))
		r.Get("/queries/{id}", handleGetQuery(deps))
		r.Get("/queries/{id}/metrics", handleQueryMetrics(deps))
		r.Get("/threads", handleListThreads(deps))
		r.Get("/threads/{id}", handleGetThread(deps))
		r.Get("/threads/{id}/metrics", handleThreadMetrics(deps))
		r.Get("/threads/{id}/summary", handleGetSummary(deps))
		r.Post("/threads/{id}/summarize", handleSummarizeNow(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// --- Queries ---

type createQueryRequest struct {
	Keyword    string `json:"keyword"`
	DateFrom   string `json:"dateFrom"`
	DateTo     string `json:"dateTo"`
	MaxResults int    `json:"maxResults"`
}

type queryResponse struct {
	ID              string `json:"id"`
	Keyword         string `json:"keyword"`
	DateFrom        string `json:"dateFrom,omitempty"`
	DateTo          string `json:"dateTo,omitempty"`
	MaxResults      int    `json:"maxResults"`
	Status          string `json:"status"`
	ReceivedCount   int    `json:"receivedCount"`
	CreatedMessages int    `json:"createdMessages"`
	LastError       string `json:"lastError,omitempty"`
	CreatedAt       string `json:"createdAt"`
}

func toQueryResponse(q storage.Query) queryResponse {
	return queryResponse{
		ID:              q.ID,
		Keyword:         q.Keyword,
		DateFrom:        q.DateFrom,
		DateTo:          q.DateTo,
		MaxResults:      q.MaxResults,
		Status:          q.Status,
		ReceivedCount:   q.ReceivedCount,
		CreatedMessages: q.CreatedMessages,
		LastError:       q.LastError,
		CreatedAt:       q.CreatedAt.Format(time.RFC3339),
	}
}

func handleCreateQuery(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req createQueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Keyword == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "keyword is required")
			return
		}
		for field, v := range map[string]string{"dateFrom": req.DateFrom, "dateTo": req.DateTo} {
			if v == "" {
				continue
			}
			if _, err := time.Parse("2006-01-02", v); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%s must be YYYY-MM-DD", field)
				return
			}
		}
		if req.MaxResults <= 0 {
			req.MaxResults = 100
		}

		q := storage.Query{
			ID:         uuid.New().String(),
			Keyword:    req.Keyword,
			DateFrom:   req.DateFrom,
			DateTo:     req.DateTo,
			MaxResults: req.MaxResults,
			Status:     storage.QueryPending,
			CreatedAt:  time.Now().UTC(),
			UpdatedAt:  time.Now().UTC(),
		}
		if err := deps.Store.SaveQuery(q); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save query: %v", err)
			return
		}

		if deps.Provider != nil {
			if err := deps.Provider.TriggerSearch(r.Context(), q); err != nil {
				if markErr := deps.Store.MarkQueryFailed(q.ID, err.Error()); markErr != nil {
					httpError(w, http.StatusInternalServerError, "api_error", "failed to record trigger failure: %v", markErr)
					return
				}
				httpError(w, http.StatusBadGateway, "api_error", "search trigger failed: %v", err)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(toQueryResponse(q))
	}
}

func handleListQueries(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		queries, err := deps.Store.ListQueries(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list queries: %v", err)
			return
		}

		out := make([]queryResponse, len(queries))
		for i, q := range queries {
			out[i] = toQueryResponse(q)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleGetQuery(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := deps.Store.GetQuery(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "query not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get query: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toQueryResponse(q))
	}
}

// --- Webhook ---

type webhookRequest struct {
	QueryID string          `json:"queryId"`
	Emails  json.RawMessage `json:"emails"`
}

func handleWebhookResults(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !WebhookSecretOK(r, deps.WebhookSecret) {
			httpError(w, http.StatusUnauthorized, "authentication_error", "invalid webhook secret")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req webhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.QueryID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "queryId is required")
			return
		}

		var messages []ingest.RawMessage
		if err := json.Unmarshal(req.Emails, &messages); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "emails must be an array of message objects")
			return
		}

		result, err := deps.Engine.Ingest(req.QueryID, messages)
		if errors.Is(err, ingest.ErrUnknownQuery) {
			httpError(w, http.StatusNotFound, "not_found", "unknown queryId %s", req.QueryID)
			return
		}
		if err != nil {
			if markErr := deps.Store.MarkQueryFailed(req.QueryID, err.Error()); markErr != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "ingest failed and could not record it: %v", markErr)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "ingest failed: %v", err)
			return
		}

		if err := deps.Store.RecordQueryResults(req.QueryID, len(messages), len(result.CreatedEmailIDs)); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record results: %v", err)
			return
		}
		if err := summarize.EnqueueThreads(deps.Store, result.TouchedThreadIDs); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue summaries: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{
			"received":       len(messages),
			"created":        len(result.CreatedEmailIDs),
			"threadsTouched": len(result.TouchedThreadIDs),
		})
	}
}

// --- Threads ---

type threadResponse struct {
	ID             string   `json:"id"`
	QueryID        string   `json:"queryId"`
	ThreadKey      string   `json:"threadKey"`
	ConversationID string   `json:"conversationId,omitempty"`
	Subject        string   `json:"subject"`
	Participants   []string `json:"participants"`
	FirstAt        string   `json:"firstAt"`
	LastAt         string   `json:"lastAt"`
}

func toThreadResponse(th storage.Thread) threadResponse {
	var participants []string
	if err := json.Unmarshal([]byte(th.Participants), &participants); err != nil {
		participants = nil
	}
	if participants == nil {
		participants = []string{}
	}
	return threadResponse{
		ID:             th.ID,
		QueryID:        th.QueryID,
		ThreadKey:      th.ThreadKey,
		ConversationID: th.ConversationID,
		Subject:        th.Subject,
		Participants:   participants,
		FirstAt:        th.FirstAt.Format(time.RFC3339),
		LastAt:         th.LastAt.Format(time.RFC3339),
	}
}

func handleListThreads(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queryID := r.URL.Query().Get("query_id")
		if queryID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query_id is required")
			return
		}
		limit := parseIntParam(r, "limit", 50, 200)
		offset := parseIntParam(r, "offset", 0, 0)

		threads, err := deps.Store.ListThreadsByQuery(queryID, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list threads: %v", err)
			return
		}

		out := make([]threadResponse, len(threads))
		for i, th := range threads {
			out[i] = toThreadResponse(th)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleGetThread(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		th, err := deps.Store.GetThread(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "thread not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get thread: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toThreadResponse(th))
	}
}

// --- Metrics ---

func handleThreadMetrics(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetThread(id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "thread not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get thread: %v", err)
			return
		}

		emails, err := deps.Store.ListEmailsByThread(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load emails: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(metrics.Compute(emails))
	}
}

type threadMetricsEntry struct {
	ThreadID string         `json:"threadId"`
	Subject  string         `json:"subject"`
	Metrics  metrics.Report `json:"metrics"`
}

// handleQueryMetrics computes per-thread metrics for every thread of a query.
// Threads are processed concurrently; the store serializes the reads.
func handleQueryMetrics(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queryID := chi.URLParam(r, "id")
		if _, err := deps.Store.GetQuery(queryID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "query not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get query: %v", err)
			return
		}

		threads, err := deps.Store.ListThreadsByQuery(queryID, 1000, 0)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list threads: %v", err)
			return
		}

		entries := make([]threadMetricsEntry, len(threads))
		g, _ := errgroup.WithContext(r.Context())
		g.SetLimit(4)
		for i, th := range threads {
			g.Go(func() error {
				emails, err := deps.Store.ListEmailsByThread(th.ID)
				if err != nil {
					return fmt.Errorf("loading emails for thread %s: %w", th.ID, err)
				}
				entries[i] = threadMetricsEntry{
					ThreadID: th.ID,
					Subject:  th.Subject,
					Metrics:  metrics.Compute(emails),
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute metrics: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"queryId": queryID,
			"threads": entries,
		})
	}
}

// --- Summaries ---

type summaryResponse struct {
	ID          string   `json:"id"`
	ThreadID    string   `json:"threadId"`
	Content     string   `json:"content"`
	ActionItems []string `json:"actionItems"`
	Provenance  string   `json:"provenance"`
	CreatedAt   string   `json:"createdAt"`
}

func toSummaryResponse(s storage.Summary) summaryResponse {
	var items []string
	if err := json.Unmarshal([]byte(s.ActionItems), &items); err != nil {
		items = nil
	}
	if items == nil {
		items = []string{}
	}
	return summaryResponse{
		ID:          s.ID,
		ThreadID:    s.ThreadID,
		Content:     s.Content,
		ActionItems: items,
		Provenance:  s.Provenance,
		CreatedAt:   s.CreatedAt.Format(time.RFC3339),
	}
}

func handleGetSummary(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := deps.Store.LatestSummary(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no summary for this thread yet")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load summary: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toSummaryResponse(sum))
	}
}

// handleSummarizeNow generates and stores a local summary synchronously,
// bypassing the job queue.
func handleSummarizeNow(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		th, err := deps.Store.GetThread(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "thread not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get thread: %v", err)
			return
		}
		emails, err := deps.Store.ListEmailsByThread(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load emails: %v", err)
			return
		}

		content, _ := summarize.Local(th, emails)
		sum := storage.Summary{
			ID:          uuid.New().String(),
			ThreadID:    id,
			Content:     content,
			ActionItems: "[]",
			Provenance:  storage.ProvenanceLocal,
			CreatedAt:   time.Now().UTC(),
		}
		if err := deps.Store.SaveSummary(sum); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save summary: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(toSummaryResponse(sum))
	}
}

// --- Helpers ---

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
