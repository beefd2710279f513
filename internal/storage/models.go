package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Query statuses.
const (
	QueryPending  = "pending"
	QueryComplete = "complete"
	QueryFailed   = "failed"
)

// Email directions.
const (
	DirectionStaff  = "staff"
	DirectionClient = "client"
)

// Summary provenance tags.
const (
	ProvenanceLocal  = "local"
	ProvenanceOllama = "ollama"
)

// Query is one search request against the upstream mail provider.
// Counters and status are updated only when results are reported back.
type Query struct {
	ID              string
	Keyword         string
	DateFrom        string // YYYY-MM-DD, empty when unbounded
	DateTo          string
	MaxResults      int
	Status          string
	ReceivedCount   int
	CreatedMessages int
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Thread groups emails considered one conversation. The key is immutable
// once assigned; the participant set only grows.
type Thread struct {
	ID             string
	QueryID        string
	ThreadKey      string
	ConversationID string
	Subject        string
	Participants   string // JSON array stored as text
	FirstAt        time.Time
	LastAt         time.Time
	CreatedAt      time.Time
}

// Email is one ingested message. Immutable after insertion; at most one
// record exists per non-empty provider message id.
type Email struct {
	ID                string
	QueryID           string
	ThreadID          string
	MessageID         string
	ConversationID    string
	Subject           string
	NormalizedSubject string
	Sender            string
	Recipients        string // JSON array stored as text
	Cc                string // JSON array stored as text
	SentAt            time.Time
	Snippet           string
	Direction         string // "staff" or "client"
	CreatedAt         time.Time
}

// Summary is one generated thread summary. Summaries are append-only; the
// newest by creation time is the current one.
type Summary struct {
	ID          string
	ThreadID    string
	Content     string
	ActionItems string // JSON array stored as text
	Provenance  string // "local" or "ollama"
	CreatedAt   time.Time
}

// Job is one queued background task.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
