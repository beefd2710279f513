package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rvachov/mailgauge/internal/metrics"
	"github.com/rvachov/mailgauge/internal/storage"
	"github.com/rvachov/mailgauge/internal/summarize"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *storage.Store
	LLM   summarize.ThreadSummarizer // optional; if nil, summarize_thread uses the local path only
}

// NewMCPServer creates an MCP server exposing queries, metrics, and
// summaries to agent clients.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"mailgauge",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("mailgauge — email thread grouping and response-time metrics over mailbox search results."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("list_queries",
			mcp.WithDescription("List recent mailbox search queries with their status and result counters."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of queries (default 10)")),
		),
		mcpListQueries(deps),
	)

	s.AddTool(
		mcp.NewTool("thread_metrics",
			mcp.WithDescription("Compute response-time metrics for one thread: per-client-message latency to the first staff reply, and the average."),
			mcp.WithString("thread_id", mcp.Description("Thread id"), mcp.Required()),
		),
		mcpThreadMetrics(deps),
	)

	s.AddTool(
		mcp.NewTool("summarize_thread",
			mcp.WithDescription("Generate and store a summary for a thread. Uses the configured model when available, otherwise a deterministic extractive summary."),
			mcp.WithString("thread_id", mcp.Description("Thread id"), mcp.Required()),
		),
		mcpSummarizeThread(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"mailgauge://recent-threads",
			"Recent Threads",
			mcp.WithResourceDescription("Last 10 active threads (subject, participants, activity window)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentThreads(deps),
	)

	return s
}

func mcpListQueries(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}

		queries, err := deps.Store.ListQueries(limit, 0)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list queries: %v", err)), nil
		}

		out := make([]queryResponse, len(queries))
		for i, q := range queries {
			out[i] = toQueryResponse(q)
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal queries: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpThreadMetrics(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcpError("thread_id is required"), nil
		}

		if _, err := deps.Store.GetThread(threadID); err != nil {
			return mcpError(fmt.Sprintf("thread %s: %v", threadID, err)), nil
		}
		emails, err := deps.Store.ListEmailsByThread(threadID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load emails: %v", err)), nil
		}

		b, err := json.Marshal(metrics.Compute(emails))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal metrics: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSummarizeThread(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcpError("thread_id is required"), nil
		}

		th, err := deps.Store.GetThread(threadID)
		if err != nil {
			return mcpError(fmt.Sprintf("thread %s: %v", threadID, err)), nil
		}
		emails, err := deps.Store.ListEmailsByThread(threadID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load emails: %v", err)), nil
		}

		content, actionItems := summarize.Local(th, emails)
		provenance := storage.ProvenanceLocal
		if deps.LLM != nil {
			llmContent, llmItems, err := deps.LLM.Summarize(ctx, th, emails)
			if err == nil {
				content, actionItems, provenance = llmContent, llmItems, storage.ProvenanceOllama
			}
		}

		itemsJSON := "[]"
		if len(actionItems) > 0 {
			b, err := json.Marshal(actionItems)
			if err != nil {
				return mcpError(fmt.Sprintf("failed to marshal action items: %v", err)), nil
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
		if err := deps.Store.SaveSummary(sum); err != nil {
			return mcpError(fmt.Sprintf("summary generated but failed to save: %v", err)), nil
		}

		return mcpText(content), nil
	}
}

func mcpResourceRecentThreads(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		threads, err := deps.Store.ListRecentThreads(10)
		if err != nil {
			return nil, fmt.Errorf("failed to list recent threads: %w", err)
		}

		type threadSummary struct {
			ID      string `json:"id"`
			Subject string `json:"subject"`
			FirstAt string `json:"first_at"`
			LastAt  string `json:"last_at"`
		}

		summaries := make([]threadSummary, len(threads))
		for i, th := range threads {
			subject := th.Subject
			if utf8.RuneCountInString(subject) > 200 {
				runes := []rune(subject)
				subject = string(runes[:200]) + "..."
			}
			summaries[i] = threadSummary{
				ID:      th.ID,
				Subject: subject,
				FirstAt: th.FirstAt.Format(time.RFC3339),
				LastAt:  th.LastAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal threads: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
