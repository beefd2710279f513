package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rvachov/mailgauge/internal/normalize"
	"github.com/rvachov/mailgauge/internal/storage"
)

// ErrUnknownQuery is returned when a batch references a query id with no
// matching record. The whole batch is refused; no mutation occurs.
var ErrUnknownQuery = errors.New("unknown queryId")

// noSubject is the placeholder stored on threads created from messages with
// an empty subject. The first later message with a real subject replaces it.
const noSubject = "no subject"

// Store is the subset of storage operations the engine needs. The engine
// assumes exclusive access to the store for the duration of one Ingest call
// and does no locking of its own.
type Store interface {
	GetQuery(id string) (storage.Query, error)
	GetEmailByMessageID(messageID string) (storage.Email, error)
	GetThreadByKey(queryID, key string) (storage.Thread, error)
	SaveThread(th storage.Thread) error
	UpdateThread(th storage.Thread) error
	SaveEmail(e storage.Email) error
}

// Result reports what one ingested batch changed.
type Result struct {
	CreatedEmailIDs  []string
	TouchedThreadIDs []string
}

// Engine deduplicates incoming messages, assigns each to a thread, and
// maintains thread windows and participant sets incrementally.
type Engine struct {
	store       Store
	staffDomain string
	logger      *slog.Logger
}

// NewEngine creates an Engine classifying senders against staffDomain.
func NewEngine(store Store, staffDomain string) *Engine {
	return &Engine{
		store:       store,
		staffDomain: normalize.Address(staffDomain),
		logger:      slog.Default(),
	}
}

// Classify reports whether an address belongs to staff (sender domain equals
// the configured staff domain, case-insensitive, no sub-domain matching) or
// to a client.
func Classify(senderAddress, staffDomain string) string {
	if staffDomain != "" && normalize.Domain(senderAddress) == strings.ToLower(staffDomain) {
		return storage.DirectionStaff
	}
	return storage.DirectionClient
}

// ThreadKey computes the stable grouping key for a message. The provider
// conversation id wins when present; otherwise the key is a hash over the
// normalized subject and sorted participant set. The namespace tags keep the
// two forms from colliding.
func ThreadKey(conversationID, normalizedSubject string, participants []string) string {
	if conversationID != "" {
		return "conversation:" + conversationID
	}
	return "fallback:" + normalize.StableHash(normalizedSubject+"|"+strings.Join(participants, ","))
}

// Ingest processes one batch of raw messages for a query, in input order.
// Messages without a parseable timestamp are skipped; messages whose provider
// id already exists store-wide create nothing but still touch their thread.
// Returns the created email ids and the deduplicated set of touched threads.
func (e *Engine) Ingest(queryID string, messages []RawMessage) (Result, error) {
	if _, err := e.store.GetQuery(queryID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, ErrUnknownQuery
		}
		return Result{}, fmt.Errorf("looking up query %s: %w", queryID, err)
	}

	var res Result
	touched := make(map[string]struct{})
	touch := func(threadID string) {
		if _, ok := touched[threadID]; ok {
			return
		}
		touched[threadID] = struct{}{}
		res.TouchedThreadIDs = append(res.TouchedThreadIDs, threadID)
	}

	for _, m := range messages {
		sentAt, ok := normalize.Timestamp(m.SentRaw)
		if !ok {
			e.logger.Debug("skipping message with unparseable timestamp",
				"message_id", m.MessageID, "raw", m.SentRaw)
			continue
		}

		if m.MessageID != "" {
			existing, err := e.store.GetEmailByMessageID(m.MessageID)
			if err == nil {
				touch(existing.ThreadID)
				continue
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return Result{}, fmt.Errorf("dedup lookup for %s: %w", m.MessageID, err)
			}
		}

		sender := normalize.Address(m.Sender)
		subject := normalize.Subject(m.Subject)
		participants := normalize.Participants(sender, m.Recipients, m.Cc)
		key := ThreadKey(m.ConversationID, subject, participants)

		threadID, err := e.upsertThread(queryID, key, m.ConversationID, subject, participants, sentAt)
		if err != nil {
			return Result{}, err
		}

		email := storage.Email{
			ID:                uuid.New().String(),
			QueryID:           queryID,
			ThreadID:          threadID,
			MessageID:         m.MessageID,
			ConversationID:    m.ConversationID,
			Subject:           m.Subject,
			NormalizedSubject: subject,
			Sender:            sender,
			Recipients:        encodeStringList(normalizeAll(m.Recipients)),
			Cc:                encodeStringList(normalizeAll(m.Cc)),
			SentAt:            sentAt,
			Snippet:           normalize.StripTags(m.Snippet),
			Direction:         Classify(sender, e.staffDomain),
			CreatedAt:         time.Now().UTC(),
		}
		if err := e.store.SaveEmail(email); err != nil {
			return Result{}, fmt.Errorf("saving email: %w", err)
		}

		res.CreatedEmailIDs = append(res.CreatedEmailIDs, email.ID)
		touch(threadID)
	}

	return res, nil
}

// upsertThread finds or creates the thread for a key within one query and
// folds the message into it: window extended to include sentAt, participants
// unioned, placeholder subject replaced by the first real one.
func (e *Engine) upsertThread(queryID, key, conversationID, subject string, participants []string, sentAt time.Time) (string, error) {
	th, err := e.store.GetThreadByKey(queryID, key)
	if errors.Is(err, storage.ErrNotFound) {
		th = storage.Thread{
			ID:             uuid.New().String(),
			QueryID:        queryID,
			ThreadKey:      key,
			ConversationID: conversationID,
			Subject:        subject,
			Participants:   encodeStringList(participants),
			FirstAt:        sentAt,
			LastAt:         sentAt,
			CreatedAt:      time.Now().UTC(),
		}
		if th.Subject == "" {
			th.Subject = noSubject
		}
		if err := e.store.SaveThread(th); err != nil {
			return "", fmt.Errorf("creating thread: %w", err)
		}
		return th.ID, nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up thread by key: %w", err)
	}

	if sentAt.Before(th.FirstAt) {
		th.FirstAt = sentAt
	}
	if sentAt.After(th.LastAt) {
		th.LastAt = sentAt
	}
	th.Participants = encodeStringList(unionSorted(decodeStringList(th.Participants), participants))
	if (th.Subject == "" || th.Subject == noSubject) && subject != "" {
		th.Subject = subject
	}
	if err := e.store.UpdateThread(th); err != nil {
		return "", fmt.Errorf("updating thread %s: %w", th.ID, err)
	}
	return th.ID, nil
}

func normalizeAll(addrs []string) []string {
	var out []string
	for _, a := range addrs {
		if n := normalize.Address(a); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// unionSorted merges two address sets, deduplicated and sorted ascending.
func unionSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func encodeStringList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStringList(raw string) []string {
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil
	}
	return list
}
