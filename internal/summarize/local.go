// Package summarize produces thread summaries: a deterministic extractive
// local path, and an optional Ollama-backed path with action items.
package summarize

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rvachov/mailgauge/internal/storage"
)

const (
	maxParticipants = 8
	maxSnippets     = 5
	snippetRunes    = 120
)

// Local builds a fixed-structure extractive summary from a thread's
// messages. No external calls; the same input always yields the same text.
// The returned action items are always empty on this path.
func Local(thread storage.Thread, emails []storage.Email) (string, []string) {
	var clientCount, staffCount int
	var latest time.Time
	for _, e := range emails {
		if e.Direction == storage.DirectionClient {
			clientCount++
		} else {
			staffCount++
		}
		if e.SentAt.After(latest) {
			latest = e.SentAt
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "- Subject: %s\n", thread.Subject)
	fmt.Fprintf(&b, "- Messages: %d total (%d client, %d staff)\n", len(emails), clientCount, staffCount)
	if !latest.IsZero() {
		fmt.Fprintf(&b, "- Latest message: %s\n", latest.UTC().Format(time.RFC3339))
	}

	if participants := decodeParticipants(thread.Participants); len(participants) > 0 {
		shown := participants
		var more int
		if len(shown) > maxParticipants {
			more = len(shown) - maxParticipants
			shown = shown[:maxParticipants]
		}
		line := strings.Join(shown, ", ")
		if more > 0 {
			line += fmt.Sprintf(" (+%d more)", more)
		}
		fmt.Fprintf(&b, "- Participants: %s\n", line)
	}

	if snippets := recentSnippets(emails, maxSnippets); len(snippets) > 0 {
		b.WriteString("- Recent messages:\n")
		for _, s := range snippets {
			fmt.Fprintf(&b, "  - %s\n", truncate(s, snippetRunes))
		}
	}

	return strings.TrimRight(b.String(), "\n"), nil
}

// recentSnippets returns the last n non-empty snippets in send-time order.
func recentSnippets(emails []storage.Email, n int) []string {
	sorted := sortBySentAt(emails)
	var out []string
	for i := len(sorted) - 1; i >= 0 && len(out) < n; i-- {
		if snippet := strings.TrimSpace(sorted[i].Snippet); snippet != "" {
			out = append(out, snippet)
		}
	}
	// Collected newest-first; present oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func sortBySentAt(emails []storage.Email) []storage.Email {
	sorted := make([]storage.Email, len(emails))
	copy(sorted, emails)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SentAt.Before(sorted[j].SentAt)
	})
	return sorted
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

func decodeParticipants(raw string) []string {
	var list []string
	// Stored by the ingest engine as a JSON array; tolerate empty/garbage.
	if raw == "" || raw == "[]" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil
	}
	return list
}
