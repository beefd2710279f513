package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rvachov/mailgauge/internal/ollama"
	"github.com/rvachov/mailgauge/internal/storage"
)

// ChatEngine abstracts the local LLM call for testing.
type ChatEngine interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// OllamaSummarizer generates thread summaries with action items via a local
// Ollama model. This is the externally-generated provenance path; the
// deterministic Local summary is always written regardless.
type OllamaSummarizer struct {
	engine ChatEngine
	model  string
}

// NewOllamaSummarizer creates a summarizer using the given engine and model.
func NewOllamaSummarizer(engine ChatEngine, model string) *OllamaSummarizer {
	return &OllamaSummarizer{engine: engine, model: model}
}

var summarySchema = &ollama.Schema{
	Type: "object",
	Properties: map[string]ollama.SchemaProperty{
		"summary":     {Type: "string", Description: "Concise paragraph summarizing the conversation"},
		"actionItems": {Type: "array", Description: "Short imperative follow-up items, may be empty"},
	},
	Required: []string{"summary"},
}

type summaryOutput struct {
	Summary     string   `json:"summary"`
	ActionItems []string `json:"actionItems"`
}

// Summarize asks the model for a summary and action items over the thread's
// messages in send-time order.
func (s *OllamaSummarizer) Summarize(ctx context.Context, thread storage.Thread, emails []storage.Email) (string, []string, error) {
	var conversation strings.Builder
	fmt.Fprintf(&conversation, "Subject: %s\n\n", thread.Subject)
	for _, e := range sortBySentAt(emails) {
		fmt.Fprintf(&conversation, "[%s] %s (%s): %s\n",
			e.SentAt.UTC().Format(time.RFC3339), e.Sender, e.Direction, e.Snippet)
	}

	messages := []ollama.Message{
		{
			Role: "system",
			Content: "Summarize the following email conversation. Focus on what the client asked, " +
				"what staff answered, and anything still unresolved. Respond as JSON with a " +
				"\"summary\" string and an \"actionItems\" array of short follow-up items.",
		},
		{Role: "user", Content: conversation.String()},
	}

	raw, err := s.engine.Chat(ctx, s.model, messages, summarySchema)
	if err != nil {
		return "", nil, fmt.Errorf("ollama summarization: %w", err)
	}

	var out summaryOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return "", nil, fmt.Errorf("parsing model output: %w", err)
	}
	if out.Summary == "" {
		return "", nil, fmt.Errorf("model returned empty summary")
	}
	return out.Summary, out.ActionItems, nil
}
