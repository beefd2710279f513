package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rvachov/mailgauge/internal/config"
)

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <keyword>",
	Short: "Trigger a mailbox search for a keyword",
	Long: `Trigger an asynchronous mailbox search. Results arrive on the
server's webhook and are grouped into threads as they come in.

Examples:
  mailgauge search invoice
  mailgauge search "contract renewal" --from 2025-01-01 --to 2025-03-31 --max 200`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyword := strings.Join(args, " ")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		max, _ := cmd.Flags().GetInt("max")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"keyword": keyword}
		if from != "" {
			req["dateFrom"] = from
		}
		if to != "" {
			req["dateTo"] = to
		}
		if max > 0 {
			req["maxResults"] = max
		}

		resp, err := client.post(cmd.Context(), "/queries", req)
		if err != nil {
			return err
		}

		var result struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Search %s queued (query %s)", keyword, result.ID)
		return nil
	},
}

func init() {
	searchCmd.Flags().String("from", "", "start date (YYYY-MM-DD)")
	searchCmd.Flags().String("to", "", "end date (YYYY-MM-DD)")
	searchCmd.Flags().Int("max", 0, "maximum number of results")
}

// --- queries ---

var queriesCmd = &cobra.Command{
	Use:   "queries",
	Short: "List recent search queries",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/queries?limit=%d", limit))
		if err != nil {
			return err
		}

		var queries []struct {
			ID              string `json:"id"`
			Keyword         string `json:"keyword"`
			Status          string `json:"status"`
			ReceivedCount   int    `json:"receivedCount"`
			CreatedMessages int    `json:"createdMessages"`
			LastError       string `json:"lastError"`
		}
		if err := decodeJSON(resp, &queries); err != nil {
			return err
		}

		if len(queries) == 0 {
			fmt.Println("No queries yet.")
			return nil
		}

		for _, q := range queries {
			line := fmt.Sprintf("%s  %-10s %-30q received=%d created=%d",
				colorize(colorCyan, q.ID[:8]), q.Status, q.Keyword, q.ReceivedCount, q.CreatedMessages)
			if q.LastError != "" {
				line += "  " + colorize(colorRed, q.LastError)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var queriesMetricsCmd = &cobra.Command{
	Use:   "metrics <query-id>",
	Short: "Response metrics for every thread of a query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/queries/"+url.PathEscape(args[0])+"/metrics")
		if err != nil {
			return err
		}

		var result struct {
			Threads []struct {
				ThreadID string `json:"threadId"`
				Subject  string `json:"subject"`
				Metrics  struct {
					PerClient      []json.RawMessage `json:"perClient"`
					AverageSeconds *int64            `json:"averageSeconds"`
				} `json:"metrics"`
			} `json:"threads"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Threads) == 0 {
			fmt.Println("No threads for this query.")
			return nil
		}

		for _, th := range result.Threads {
			avg := "no replies"
			if th.Metrics.AverageSeconds != nil {
				avg = fmt.Sprintf("avg %s", formatSeconds(*th.Metrics.AverageSeconds))
			}
			fmt.Printf("%s  %-40q %d client messages, %s\n",
				colorize(colorCyan, th.ThreadID[:8]), th.Subject, len(th.Metrics.PerClient), avg)
		}
		return nil
	},
}

func init() {
	queriesCmd.Flags().Int("limit", 20, "maximum number of queries to list")
	queriesCmd.AddCommand(queriesMetricsCmd)
}

// --- threads ---

var threadsCmd = &cobra.Command{
	Use:   "threads <query-id>",
	Short: "List threads grouped under a query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/threads?query_id=%s&limit=%d", url.QueryEscape(args[0]), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var threads []struct {
			ID           string   `json:"id"`
			Subject      string   `json:"subject"`
			Participants []string `json:"participants"`
			FirstAt      string   `json:"firstAt"`
			LastAt       string   `json:"lastAt"`
		}
		if err := decodeJSON(resp, &threads); err != nil {
			return err
		}

		if len(threads) == 0 {
			fmt.Println("No threads found.")
			return nil
		}

		for _, th := range threads {
			fmt.Printf("%s  %-40q %d participants  %s — %s\n",
				colorize(colorCyan, th.ID[:8]), th.Subject, len(th.Participants), th.FirstAt, th.LastAt)
		}
		return nil
	},
}

func init() {
	threadsCmd.Flags().Int("limit", 50, "maximum number of threads to list")
}

// --- metrics ---

var metricsCmd = &cobra.Command{
	Use:   "metrics <thread-id>",
	Short: "Response metrics for one thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/threads/"+url.PathEscape(args[0])+"/metrics")
		if err != nil {
			return err
		}

		var report struct {
			PerClient []struct {
				ClientMessageID string `json:"clientMessageId"`
				StaffReplyID    string `json:"staffReplyId"`
				ResponseSeconds *int64 `json:"responseSeconds"`
			} `json:"perClient"`
			AverageSeconds *int64 `json:"averageSeconds"`
		}
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		if len(report.PerClient) == 0 {
			fmt.Println("No client messages in this thread.")
			return nil
		}

		for _, m := range report.PerClient {
			if m.ResponseSeconds == nil {
				fmt.Printf("%s  %s\n", shortID(m.ClientMessageID), colorize(colorYellow, "no reply yet"))
				continue
			}
			fmt.Printf("%s  answered by %s in %s\n",
				shortID(m.ClientMessageID), shortID(m.StaffReplyID), formatSeconds(*m.ResponseSeconds))
		}
		if report.AverageSeconds != nil {
			fmt.Printf("\n%s %s\n", colorize(colorBold, "Average:"), formatSeconds(*report.AverageSeconds))
		} else {
			fmt.Printf("\n%s\n", colorize(colorYellow, "No answered messages yet."))
		}
		return nil
	},
}

// --- summary ---

var summaryCmd = &cobra.Command{
	Use:   "summary <thread-id>",
	Short: "Show the latest summary for a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		generate, _ := cmd.Flags().GetBool("generate")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var resp *http.Response
		if generate {
			resp, err = client.post(cmd.Context(), "/threads/"+url.PathEscape(args[0])+"/summarize", nil)
		} else {
			resp, err = client.get(cmd.Context(), "/threads/"+url.PathEscape(args[0])+"/summary")
		}
		if err != nil {
			return err
		}

		var sum struct {
			Content     string   `json:"content"`
			ActionItems []string `json:"actionItems"`
			Provenance  string   `json:"provenance"`
			CreatedAt   string   `json:"createdAt"`
		}
		if err := decodeJSON(resp, &sum); err != nil {
			return err
		}

		fmt.Printf("%s (%s, %s)\n\n", colorize(colorBold, "Summary"), sum.Provenance, sum.CreatedAt)
		fmt.Println(sum.Content)
		if len(sum.ActionItems) > 0 {
			fmt.Printf("\n%s\n", colorize(colorBold, "Action items"))
			for _, item := range sum.ActionItems {
				fmt.Printf("  - %s\n", item)
			}
		}
		return nil
	},
}

func init() {
	summaryCmd.Flags().Bool("generate", false, "generate a fresh summary instead of showing the stored one")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- helpers ---

func shortID(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return colorize(colorCyan, id)
}

func formatSeconds(secs int64) string {
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm%ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh%dm", secs/3600, (secs%3600)/60)
	}
}
