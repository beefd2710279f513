// Package provider talks to the upstream mailbox-search service. A search is
// triggered asynchronously: the service later posts matching messages back to
// the callback URL we hand it.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rvachov/mailgauge/internal/storage"
)

const defaultTimeout = 30 * time.Second

// SearchRequest is the trigger payload for an upstream mailbox search.
type SearchRequest struct {
	QueryID     string `json:"queryId"`
	Keyword     string `json:"keyword"`
	DateFrom    string `json:"dateFrom,omitempty"`
	DateTo      string `json:"dateTo,omitempty"`
	MaxResults  int    `json:"maxResults,omitempty"`
	CallbackURL string `json:"callbackUrl"`
}

// Client triggers searches against the provider API.
type Client struct {
	baseURL     string
	apiKey      string
	callbackURL string
	httpClient  *http.Client
}

// New creates a provider client. callbackURL is where the provider delivers
// result batches, typically this server's /webhook/results endpoint.
func New(baseURL, apiKey, callbackURL string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		callbackURL: callbackURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// TriggerSearch asks the provider to start a mailbox search for the query.
// There is no retry here: the caller marks the query failed on error and the
// user re-submits.
func (c *Client) TriggerSearch(ctx context.Context, q storage.Query) error {
	req := SearchRequest{
		QueryID:     q.ID,
		Keyword:     q.Keyword,
		DateFrom:    q.DateFrom,
		DateTo:      q.DateTo,
		MaxResults:  q.MaxResults,
		CallbackURL: c.callbackURL,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("triggering search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
