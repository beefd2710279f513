package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rvachov/mailgauge/internal/ingest"
	"github.com/rvachov/mailgauge/internal/storage"
)

const (
	testToken  = "test-token"
	testSecret = "hook-secret"
)

type stubTrigger struct {
	got  []storage.Query
	fail error
}

func (s *stubTrigger) TriggerSearch(_ context.Context, q storage.Query) error {
	s.got = append(s.got, q)
	return s.fail
}

func newTestApp(t *testing.T) (*storage.Store, *stubTrigger, http.Handler) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	trigger := &stubTrigger{}
	h := NewAppHandler(AppDeps{
		Store:         store,
		Engine:        ingest.NewEngine(store, "corp.io"),
		Provider:      trigger,
		Token:         testToken,
		WebhookSecret: testSecret,
	})
	return store, trigger, h
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func postWebhook(t *testing.T, h http.Handler, secret string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("encoding body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/results", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Secret", secret)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func seedQuery(t *testing.T, store *storage.Store, id string) {
	t.Helper()
	q := storage.Query{
		ID: id, Keyword: "invoice", MaxResults: 100,
		Status: storage.QueryPending, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := store.SaveQuery(q); err != nil {
		t.Fatalf("saving query: %v", err)
	}
}

func sampleBatch(queryID string) map[string]any {
	return map[string]any{
		"queryId": queryID,
		"emails": []map[string]any{
			{
				"messageId":      "m-1",
				"conversationId": "c-1",
				"subject":        "Invoice overdue",
				"from":           "client@x.com",
				"to":             []string{"staff@corp.io"},
				"sentAt":         "2025-03-01T09:00:00Z",
				"snippet":        "Please advise on invoice 42.",
			},
			{
				"messageId":      "m-2",
				"conversationId": "c-1",
				"subject":        "Re: Invoice overdue",
				"from":           "staff@corp.io",
				"to":             []string{"client@x.com"},
				"sentAt":         "2025-03-01T10:00:00Z",
				"snippet":        "Payment received, closing this out.",
			},
		},
	}
}

func TestHealth(t *testing.T) {
	_, _, h := newTestApp(t)
	rec := doJSON(t, h, http.MethodGet, "/health", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	_, _, h := newTestApp(t)
	rec := doJSON(t, h, http.MethodGet, "/queries", nil, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCreateQueryTriggersSearch(t *testing.T) {
	store, trigger, h := newTestApp(t)

	rec := doJSON(t, h, http.MethodPost, "/queries", map[string]any{
		"keyword": "invoice", "dateFrom": "2025-01-01", "maxResults": 25,
	}, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp queryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != storage.QueryPending || resp.Keyword != "invoice" {
		t.Errorf("response = %+v", resp)
	}

	if len(trigger.got) != 1 || trigger.got[0].ID != resp.ID {
		t.Errorf("trigger called with %+v", trigger.got)
	}
	if _, err := store.GetQuery(resp.ID); err != nil {
		t.Errorf("query not persisted: %v", err)
	}
}

func TestCreateQueryValidation(t *testing.T) {
	_, _, h := newTestApp(t)

	if rec := doJSON(t, h, http.MethodPost, "/queries", map[string]any{"keyword": ""}, true); rec.Code != http.StatusBadRequest {
		t.Errorf("empty keyword: status = %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/queries", map[string]any{"keyword": "x", "dateFrom": "01/02/2025"}, true); rec.Code != http.StatusBadRequest {
		t.Errorf("bad date: status = %d", rec.Code)
	}
}

func TestCreateQueryTriggerFailureMarksFailed(t *testing.T) {
	store, trigger, h := newTestApp(t)
	trigger.fail = errors.New("provider down")

	rec := doJSON(t, h, http.MethodPost, "/queries", map[string]any{"keyword": "invoice"}, true)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}

	queries, err := store.ListQueries(10, 0)
	if err != nil {
		t.Fatalf("listing queries: %v", err)
	}
	if len(queries) != 1 || queries[0].Status != storage.QueryFailed {
		t.Errorf("queries = %+v, want one failed", queries)
	}
	if queries[0].LastError == "" {
		t.Error("LastError not recorded")
	}
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	_, _, h := newTestApp(t)
	rec := postWebhook(t, h, "wrong", sampleBatch("q-1"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestWebhookValidation(t *testing.T) {
	_, _, h := newTestApp(t)

	rec := postWebhook(t, h, testSecret, map[string]any{"emails": []map[string]any{}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing queryId: status = %d", rec.Code)
	}

	rec = postWebhook(t, h, testSecret, map[string]any{"queryId": "q-1", "emails": "not-an-array"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("non-array emails: status = %d", rec.Code)
	}
}

func TestWebhookUnknownQuery(t *testing.T) {
	_, _, h := newTestApp(t)
	rec := postWebhook(t, h, testSecret, sampleBatch("q-missing"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestWebhookIngestsBatch(t *testing.T) {
	store, _, h := newTestApp(t)
	seedQuery(t, store, "q-1")

	rec := postWebhook(t, h, testSecret, sampleBatch("q-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["received"] != 2 || resp["created"] != 2 || resp["threadsTouched"] != 1 {
		t.Errorf("response = %v", resp)
	}

	q, err := store.GetQuery("q-1")
	if err != nil {
		t.Fatalf("loading query: %v", err)
	}
	if q.Status != storage.QueryComplete || q.ReceivedCount != 2 || q.CreatedMessages != 2 {
		t.Errorf("query = %+v", q)
	}

	// One summarize job per touched thread.
	var jobs int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = 'pending'`).Scan(&jobs); err != nil {
		t.Fatalf("counting jobs: %v", err)
	}
	if jobs != 1 {
		t.Errorf("pending jobs = %d, want 1", jobs)
	}
}

func TestListAndGetThreads(t *testing.T) {
	store, _, h := newTestApp(t)
	seedQuery(t, store, "q-1")
	if rec := postWebhook(t, h, testSecret, sampleBatch("q-1")); rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d", rec.Code)
	}

	rec := doJSON(t, h, http.MethodGet, "/threads?query_id=q-1", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var threads []threadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &threads); err != nil {
		t.Fatalf("decoding threads: %v", err)
	}
	if len(threads) != 1 {
		t.Fatalf("threads = %d, want 1", len(threads))
	}
	if threads[0].Subject != "Invoice overdue" {
		t.Errorf("subject = %q", threads[0].Subject)
	}
	if len(threads[0].Participants) != 2 {
		t.Errorf("participants = %v", threads[0].Participants)
	}

	rec = doJSON(t, h, http.MethodGet, "/threads/"+threads[0].ID, nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/threads?query_id=q-1", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("relist status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/threads/nope", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing thread status = %d", rec.Code)
	}
}

func TestThreadMetricsEndpoint(t *testing.T) {
	store, _, h := newTestApp(t)
	seedQuery(t, store, "q-1")
	if rec := postWebhook(t, h, testSecret, sampleBatch("q-1")); rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d", rec.Code)
	}
	threads, err := store.ListThreadsByQuery("q-1", 10, 0)
	if err != nil || len(threads) != 1 {
		t.Fatalf("threads = %v, err = %v", threads, err)
	}

	rec := doJSON(t, h, http.MethodGet, "/threads/"+threads[0].ID+"/metrics", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var report struct {
		PerClient []struct {
			ResponseSeconds *int64 `json:"responseSeconds"`
		} `json:"perClient"`
		AverageSeconds *int64 `json:"averageSeconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if len(report.PerClient) != 1 {
		t.Fatalf("perClient = %d, want 1", len(report.PerClient))
	}
	if report.PerClient[0].ResponseSeconds == nil || *report.PerClient[0].ResponseSeconds != 3600 {
		t.Errorf("responseSeconds = %v, want 3600", report.PerClient[0].ResponseSeconds)
	}
	if report.AverageSeconds == nil || *report.AverageSeconds != 3600 {
		t.Errorf("averageSeconds = %v, want 3600", report.AverageSeconds)
	}
}

func TestQueryMetricsOverview(t *testing.T) {
	store, _, h := newTestApp(t)
	seedQuery(t, store, "q-1")
	if rec := postWebhook(t, h, testSecret, sampleBatch("q-1")); rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d", rec.Code)
	}

	rec := doJSON(t, h, http.MethodGet, "/queries/q-1/metrics", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		QueryID string               `json:"queryId"`
		Threads []threadMetricsEntry `json:"threads"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.QueryID != "q-1" || len(resp.Threads) != 1 {
		t.Fatalf("response = %+v", resp)
	}

	rec = doJSON(t, h, http.MethodGet, "/queries/q-missing/metrics", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing query status = %d", rec.Code)
	}
}

func TestSummaryEndpoints(t *testing.T) {
	store, _, h := newTestApp(t)
	seedQuery(t, store, "q-1")
	if rec := postWebhook(t, h, testSecret, sampleBatch("q-1")); rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d", rec.Code)
	}
	threads, err := store.ListThreadsByQuery("q-1", 10, 0)
	if err != nil || len(threads) != 1 {
		t.Fatalf("threads = %v, err = %v", threads, err)
	}
	threadID := threads[0].ID

	// No summary stored yet.
	rec := doJSON(t, h, http.MethodGet, "/threads/"+threadID+"/summary", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("summary before summarize: status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/threads/"+threadID+"/summarize", nil, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("summarize status = %d: %s", rec.Code, rec.Body.String())
	}
	var sum summaryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if sum.Provenance != storage.ProvenanceLocal || sum.Content == "" {
		t.Errorf("summary = %+v", sum)
	}

	rec = doJSON(t, h, http.MethodGet, "/threads/"+threadID+"/summary", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("summary after summarize: status = %d", rec.Code)
	}
}
