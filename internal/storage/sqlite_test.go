package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the migration is not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_threads_query_key", "idx_threads_query",
		"idx_emails_message_id", "idx_emails_thread",
		"idx_summaries_thread", "idx_jobs_status_run_after",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestSaveAndGetQuery(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	want := Query{
		ID:         "q-001",
		Keyword:    "invoice",
		DateFrom:   "2025-01-01",
		DateTo:     "2025-02-01",
		MaxResults: 50,
		CreatedAt:  now,
	}
	if err := s.SaveQuery(want); err != nil {
		t.Fatalf("SaveQuery: %v", err)
	}

	got, err := s.GetQuery("q-001")
	if err != nil {
		t.Fatalf("GetQuery: %v", err)
	}
	if got.Keyword != "invoice" || got.MaxResults != 50 {
		t.Errorf("query round-trip mismatch: %+v", got)
	}
	if got.Status != QueryPending {
		t.Errorf("Status = %q, want %q by default", got.Status, QueryPending)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
}

func TestGetQueryNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetQuery("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetQuery(missing) = %v, want ErrNotFound", err)
	}
}

func TestRecordQueryResults(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveQuery(Query{ID: "q-1", Keyword: "k"}); err != nil {
		t.Fatalf("SaveQuery: %v", err)
	}

	if err := s.RecordQueryResults("q-1", 10, 7); err != nil {
		t.Fatalf("RecordQueryResults: %v", err)
	}
	if err := s.RecordQueryResults("q-1", 3, 2); err != nil {
		t.Fatalf("RecordQueryResults (second): %v", err)
	}

	q, err := s.GetQuery("q-1")
	if err != nil {
		t.Fatalf("GetQuery: %v", err)
	}
	if q.ReceivedCount != 13 || q.CreatedMessages != 9 {
		t.Errorf("counters = (%d, %d), want (13, 9)", q.ReceivedCount, q.CreatedMessages)
	}
	if q.Status != QueryComplete {
		t.Errorf("Status = %q, want %q", q.Status, QueryComplete)
	}

	if err := s.RecordQueryResults("nope", 1, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("RecordQueryResults(missing) = %v, want ErrNotFound", err)
	}
}

func TestMarkQueryFailed(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveQuery(Query{ID: "q-1", Keyword: "k"}); err != nil {
		t.Fatalf("SaveQuery: %v", err)
	}
	if err := s.MarkQueryFailed("q-1", "provider timeout"); err != nil {
		t.Fatalf("MarkQueryFailed: %v", err)
	}
	q, _ := s.GetQuery("q-1")
	if q.Status != QueryFailed || q.LastError != "provider timeout" {
		t.Errorf("query after failure = %+v", q)
	}
}

func testThread(id, queryID, key string, at time.Time) Thread {
	return Thread{
		ID:           id,
		QueryID:      queryID,
		ThreadKey:    key,
		Subject:      "hello",
		Participants: `["a@x.com","b@y.com"]`,
		FirstAt:      at,
		LastAt:       at,
		CreatedAt:    at,
	}
}

func TestThreadByKeyScopedToQuery(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.SaveThread(testThread("t-1", "q-1", "conversation:abc", now)); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}

	got, err := s.GetThreadByKey("q-1", "conversation:abc")
	if err != nil {
		t.Fatalf("GetThreadByKey: %v", err)
	}
	if got.ID != "t-1" {
		t.Errorf("thread ID = %q, want t-1", got.ID)
	}

	// Same key under a different query is a distinct thread.
	if _, err := s.GetThreadByKey("q-2", "conversation:abc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetThreadByKey(other query) = %v, want ErrNotFound", err)
	}
}

func TestUpdateThread(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	th := testThread("t-1", "q-1", "fallback:xyz", now)
	if err := s.SaveThread(th); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}

	th.Subject = "updated subject"
	th.Participants = `["a@x.com","b@y.com","c@z.com"]`
	th.LastAt = now.Add(time.Hour)
	if err := s.UpdateThread(th); err != nil {
		t.Fatalf("UpdateThread: %v", err)
	}

	got, err := s.GetThread("t-1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.Subject != "updated subject" {
		t.Errorf("Subject = %q", got.Subject)
	}
	if !got.LastAt.Equal(now.Add(time.Hour)) {
		t.Errorf("LastAt = %v, want %v", got.LastAt, now.Add(time.Hour))
	}
	if !got.FirstAt.Equal(now) {
		t.Errorf("FirstAt = %v, want %v", got.FirstAt, now)
	}

	if err := s.UpdateThread(Thread{ID: "missing", FirstAt: now, LastAt: now}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateThread(missing) = %v, want ErrNotFound", err)
	}
}

func TestListThreadsByQuery(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	for i, id := range []string{"t-1", "t-2", "t-3"} {
		th := testThread(id, "q-1", "k-"+id, now.Add(time.Duration(i)*time.Minute))
		if err := s.SaveThread(th); err != nil {
			t.Fatalf("SaveThread(%s): %v", id, err)
		}
	}
	if err := s.SaveThread(testThread("t-other", "q-2", "k-other", now)); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}

	threads, err := s.ListThreadsByQuery("q-1", 10, 0)
	if err != nil {
		t.Fatalf("ListThreadsByQuery: %v", err)
	}
	if len(threads) != 3 {
		t.Fatalf("len(threads) = %d, want 3", len(threads))
	}
	// Ordered by last_at descending.
	if threads[0].ID != "t-3" {
		t.Errorf("threads[0].ID = %q, want t-3", threads[0].ID)
	}
}

func testEmail(id, threadID, messageID string, at time.Time) Email {
	return Email{
		ID:                id,
		QueryID:           "q-1",
		ThreadID:          threadID,
		MessageID:         messageID,
		Subject:           "Re: hello",
		NormalizedSubject: "hello",
		Sender:            "a@x.com",
		Recipients:        `["b@y.com"]`,
		SentAt:            at,
		Snippet:           "snippet text",
		Direction:         DirectionClient,
		CreatedAt:         at,
	}
}

func TestEmailByMessageID(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.SaveEmail(testEmail("e-1", "t-1", "mid-123", now)); err != nil {
		t.Fatalf("SaveEmail: %v", err)
	}

	got, err := s.GetEmailByMessageID("mid-123")
	if err != nil {
		t.Fatalf("GetEmailByMessageID: %v", err)
	}
	if got.ID != "e-1" || got.Direction != DirectionClient {
		t.Errorf("email = %+v", got)
	}

	if _, err := s.GetEmailByMessageID("mid-999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEmailByMessageID(missing) = %v, want ErrNotFound", err)
	}
}

func TestListEmailsByThreadInsertionOrder(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	// Inserted out of send-time order on purpose.
	for _, e := range []Email{
		testEmail("e-2", "t-1", "m-2", now.Add(time.Hour)),
		testEmail("e-1", "t-1", "m-1", now),
		testEmail("e-3", "t-1", "m-3", now.Add(30*time.Minute)),
	} {
		if err := s.SaveEmail(e); err != nil {
			t.Fatalf("SaveEmail(%s): %v", e.ID, err)
		}
	}

	emails, err := s.ListEmailsByThread("t-1")
	if err != nil {
		t.Fatalf("ListEmailsByThread: %v", err)
	}
	if len(emails) != 3 {
		t.Fatalf("len = %d, want 3", len(emails))
	}
	wantOrder := []string{"e-2", "e-1", "e-3"}
	for i, w := range wantOrder {
		if emails[i].ID != w {
			t.Errorf("emails[%d].ID = %q, want %q (insertion order)", i, emails[i].ID, w)
		}
	}
}

func TestSummariesAppendOnly(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	first := Summary{ID: "s-1", ThreadID: "t-1", Content: "first", Provenance: ProvenanceLocal, CreatedAt: now}
	second := Summary{ID: "s-2", ThreadID: "t-1", Content: "second", Provenance: ProvenanceOllama, ActionItems: `["reply to Bob"]`, CreatedAt: now.Add(time.Minute)}
	for _, sum := range []Summary{first, second} {
		if err := s.SaveSummary(sum); err != nil {
			t.Fatalf("SaveSummary(%s): %v", sum.ID, err)
		}
	}

	latest, err := s.LatestSummary("t-1")
	if err != nil {
		t.Fatalf("LatestSummary: %v", err)
	}
	if latest.ID != "s-2" || latest.Content != "second" {
		t.Errorf("latest = %+v, want s-2", latest)
	}

	all, err := s.ListSummaries("t-1")
	if err != nil {
		t.Fatalf("ListSummaries: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len(summaries) = %d, want 2", len(all))
	}

	if _, err := s.LatestSummary("t-none"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestSummary(missing) = %v, want ErrNotFound", err)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-1", Type: "summarize_thread", PayloadJSON: `{"thread_id":"t-1"}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	job, err := s.ClaimNextJob([]string{"summarize_thread"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil || job.ID != "j-1" {
		t.Fatalf("claimed job = %+v, want j-1", job)
	}
	if job.Status != "running" {
		t.Errorf("Status = %q, want running", job.Status)
	}

	// No second claim while running.
	again, err := s.ClaimNextJob([]string{"summarize_thread"})
	if err != nil {
		t.Fatalf("ClaimNextJob (second): %v", err)
	}
	if again != nil {
		t.Errorf("claimed job twice: %+v", again)
	}

	if err := s.CompleteJob("j-1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
}

func TestFailJobBackoffThenTerminal(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-1", Type: "summarize_thread", MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	if err := s.FailJob("j-1", "boom"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-1'`).Scan(&status); err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != "pending" {
		t.Errorf("status after first failure = %q, want pending (retryable)", status)
	}

	if err := s.FailJob("j-1", "boom again"); err != nil {
		t.Fatalf("FailJob (second): %v", err)
	}
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-1'`).Scan(&status); err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != "failed" {
		t.Errorf("status after max attempts = %q, want failed", status)
	}
}
