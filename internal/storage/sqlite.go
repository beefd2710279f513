package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for queries, threads, emails,
// summaries, and background jobs.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "mailgauge.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection keeps every read-modify-write sequence serialized:
	// one ingestion runs to completion before the next can observe the store.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database handle for test helpers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func parseStoredTime(field, raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// --- Queries ---

func (s *Store) SaveQuery(q Query) error {
	status := q.Status
	if status == "" {
		status = QueryPending
	}
	createdAt := q.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := q.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err := s.db.Exec(`
		INSERT INTO queries (id, keyword, date_from, date_to, max_results, status, received_count, created_messages, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.Keyword, q.DateFrom, q.DateTo, q.MaxResults, status,
		q.ReceivedCount, q.CreatedMessages, q.LastError,
		createdAt.UTC().Format(time.RFC3339), updatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetQuery(id string) (Query, error) {
	var q Query
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, keyword, date_from, date_to, max_results, status, received_count, created_messages, last_error, created_at, updated_at
		FROM queries WHERE id = ?`, id,
	).Scan(&q.ID, &q.Keyword, &q.DateFrom, &q.DateTo, &q.MaxResults, &q.Status,
		&q.ReceivedCount, &q.CreatedMessages, &q.LastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Query{}, ErrNotFound
	}
	if err != nil {
		return Query{}, err
	}
	if q.CreatedAt, err = parseStoredTime("created_at", createdAt); err != nil {
		return Query{}, err
	}
	if q.UpdatedAt, err = parseStoredTime("updated_at", updatedAt); err != nil {
		return Query{}, err
	}
	return q, nil
}

func (s *Store) ListQueries(limit, offset int) ([]Query, error) {
	rows, err := s.db.Query(`
		SELECT id, keyword, date_from, date_to, max_results, status, received_count, created_messages, last_error, created_at, updated_at
		FROM queries ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Query
	for rows.Next() {
		var q Query
		var createdAt, updatedAt string
		if err := rows.Scan(&q.ID, &q.Keyword, &q.DateFrom, &q.DateTo, &q.MaxResults, &q.Status,
			&q.ReceivedCount, &q.CreatedMessages, &q.LastError, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if q.CreatedAt, err = parseStoredTime("created_at", createdAt); err != nil {
			return nil, err
		}
		if q.UpdatedAt, err = parseStoredTime("updated_at", updatedAt); err != nil {
			return nil, err
		}
		results = append(results, q)
	}
	return results, rows.Err()
}

// RecordQueryResults increments a query's running counters after one batch
// has been ingested and marks the query complete.
func (s *Store) RecordQueryResults(id string, received, created int) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE queries
		SET received_count = received_count + ?,
		    created_messages = created_messages + ?,
		    status = ?, last_error = '', updated_at = ?
		WHERE id = ?`,
		received, created, QueryComplete, now, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkQueryFailed records a terminal error on a query.
func (s *Store) MarkQueryFailed(id, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE queries SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		QueryFailed, errMsg, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Threads ---

func (s *Store) SaveThread(th Thread) error {
	participants := th.Participants
	if participants == "" {
		participants = "[]"
	}
	createdAt := th.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO threads (id, query_id, thread_key, conversation_id, subject, participants, first_at, last_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		th.ID, th.QueryID, th.ThreadKey, th.ConversationID, th.Subject, participants,
		th.FirstAt.UTC().Format(time.RFC3339), th.LastAt.UTC().Format(time.RFC3339),
		createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// UpdateThread rewrites a thread's mutable fields: subject, participants,
// and time window. The key and owning query never change.
func (s *Store) UpdateThread(th Thread) error {
	res, err := s.db.Exec(`
		UPDATE threads SET subject = ?, participants = ?, first_at = ?, last_at = ?
		WHERE id = ?`,
		th.Subject, th.Participants,
		th.FirstAt.UTC().Format(time.RFC3339), th.LastAt.UTC().Format(time.RFC3339),
		th.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) scanThread(row interface{ Scan(...any) error }) (Thread, error) {
	var th Thread
	var firstAt, lastAt, createdAt string
	err := row.Scan(&th.ID, &th.QueryID, &th.ThreadKey, &th.ConversationID,
		&th.Subject, &th.Participants, &firstAt, &lastAt, &createdAt)
	if err == sql.ErrNoRows {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, err
	}
	if th.FirstAt, err = parseStoredTime("first_at", firstAt); err != nil {
		return Thread{}, err
	}
	if th.LastAt, err = parseStoredTime("last_at", lastAt); err != nil {
		return Thread{}, err
	}
	if th.CreatedAt, err = parseStoredTime("created_at", createdAt); err != nil {
		return Thread{}, err
	}
	return th, nil
}

const threadColumns = "id, query_id, thread_key, conversation_id, subject, participants, first_at, last_at, created_at"

func (s *Store) GetThread(id string) (Thread, error) {
	row := s.db.QueryRow(`SELECT `+threadColumns+` FROM threads WHERE id = ?`, id)
	return s.scanThread(row)
}

// GetThreadByKey looks up a thread by its grouping key, scoped to one query.
// Threads from other queries with the same key are never reused.
func (s *Store) GetThreadByKey(queryID, key string) (Thread, error) {
	row := s.db.QueryRow(`SELECT `+threadColumns+` FROM threads WHERE query_id = ? AND thread_key = ?`, queryID, key)
	return s.scanThread(row)
}

func (s *Store) ListThreadsByQuery(queryID string, limit, offset int) ([]Thread, error) {
	rows, err := s.db.Query(`SELECT `+threadColumns+` FROM threads WHERE query_id = ? ORDER BY last_at DESC LIMIT ? OFFSET ?`,
		queryID, limit, offset)
	if err != nil {
		return nil, err
	}
	return s.collectThreads(rows)
}

func (s *Store) ListRecentThreads(limit int) ([]Thread, error) {
	rows, err := s.db.Query(`SELECT `+threadColumns+` FROM threads ORDER BY last_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return s.collectThreads(rows)
}

func (s *Store) collectThreads(rows *sql.Rows) ([]Thread, error) {
	defer rows.Close()
	var results []Thread
	for rows.Next() {
		th, err := s.scanThread(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, th)
	}
	return results, rows.Err()
}

// --- Emails ---

const emailColumns = "id, query_id, thread_id, message_id, conversation_id, subject, normalized_subject, sender, recipients, cc, sent_at, snippet, direction, created_at"

func (s *Store) SaveEmail(e Email) error {
	recipients := e.Recipients
	if recipients == "" {
		recipients = "[]"
	}
	cc := e.Cc
	if cc == "" {
		cc = "[]"
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO emails (`+emailColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.QueryID, e.ThreadID, e.MessageID, e.ConversationID,
		e.Subject, e.NormalizedSubject, e.Sender, recipients, cc,
		e.SentAt.UTC().Format(time.RFC3339), e.Snippet, e.Direction,
		createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) scanEmail(row interface{ Scan(...any) error }) (Email, error) {
	var e Email
	var sentAt, createdAt string
	err := row.Scan(&e.ID, &e.QueryID, &e.ThreadID, &e.MessageID, &e.ConversationID,
		&e.Subject, &e.NormalizedSubject, &e.Sender, &e.Recipients, &e.Cc,
		&sentAt, &e.Snippet, &e.Direction, &createdAt)
	if err == sql.ErrNoRows {
		return Email{}, ErrNotFound
	}
	if err != nil {
		return Email{}, err
	}
	if e.SentAt, err = parseStoredTime("sent_at", sentAt); err != nil {
		return Email{}, err
	}
	if e.CreatedAt, err = parseStoredTime("created_at", createdAt); err != nil {
		return Email{}, err
	}
	return e, nil
}

func (s *Store) GetEmail(id string) (Email, error) {
	row := s.db.QueryRow(`SELECT `+emailColumns+` FROM emails WHERE id = ?`, id)
	return s.scanEmail(row)
}

// GetEmailByMessageID finds an email by its provider message id, store-wide.
// Dedup lookups never pass an empty id.
func (s *Store) GetEmailByMessageID(messageID string) (Email, error) {
	row := s.db.QueryRow(`SELECT `+emailColumns+` FROM emails WHERE message_id = ? LIMIT 1`, messageID)
	return s.scanEmail(row)
}

// ListEmailsByThread returns a thread's emails in insertion order. Callers
// that need send-time order sort the result themselves.
func (s *Store) ListEmailsByThread(threadID string) ([]Email, error) {
	rows, err := s.db.Query(`SELECT `+emailColumns+` FROM emails WHERE thread_id = ? ORDER BY rowid ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Email
	for rows.Next() {
		e, err := s.scanEmail(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// --- Summaries ---

func (s *Store) SaveSummary(sum Summary) error {
	actionItems := sum.ActionItems
	if actionItems == "" {
		actionItems = "[]"
	}
	createdAt := sum.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO summaries (id, thread_id, content, action_items, provenance, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.ThreadID, sum.Content, actionItems, sum.Provenance,
		createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// LatestSummary returns the most recent summary for a thread.
func (s *Store) LatestSummary(threadID string) (Summary, error) {
	row := s.db.QueryRow(`
		SELECT id, thread_id, content, action_items, provenance, created_at
		FROM summaries WHERE thread_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, threadID)
	return s.scanSummary(row)
}

func (s *Store) ListSummaries(threadID string) ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT id, thread_id, content, action_items, provenance, created_at
		FROM summaries WHERE thread_id = ? ORDER BY created_at DESC, rowid DESC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Summary
	for rows.Next() {
		sum, err := s.scanSummary(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, sum)
	}
	return results, rows.Err()
}

func (s *Store) scanSummary(row interface{ Scan(...any) error }) (Summary, error) {
	var sum Summary
	var createdAt string
	err := row.Scan(&sum.ID, &sum.ThreadID, &sum.Content, &sum.ActionItems, &sum.Provenance, &createdAt)
	if err == sql.ErrNoRows {
		return Summary{}, ErrNotFound
	}
	if err != nil {
		return Summary{}, err
	}
	if sum.CreatedAt, err = parseStoredTime("created_at", createdAt); err != nil {
		return Summary{}, err
	}
	return sum, nil
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob atomically claims the oldest runnable pending job of one of
// the given types, marking it running. Returns nil when no job is due.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = parseStoredTime("run_after", runAfter); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseStoredTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseStoredTime("updated_at", now); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is rescheduled with exponential
// backoff until max_attempts is reached, then marked failed for good.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}
