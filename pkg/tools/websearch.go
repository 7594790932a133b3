package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WebSearchTool queries a Brave-Search-compatible JSON API. Without an API
// key configured, it reports that search is unavailable rather than
// failing the whole tool call.
type WebSearchTool struct {
	apiKey     string
	maxResults int
	apiBase    string
	client     *http.Client
}

// NewWebSearchTool creates a WebSearchTool backed by apiKey, returning at
// most maxResults results per query.
func NewWebSearchTool(apiKey string, maxResults int) *WebSearchTool {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &WebSearchTool{
		apiKey:     apiKey,
		maxResults: maxResults,
		apiBase:    "https://api.search.brave.com/res/v1/web/search",
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *WebSearchTool) Name() string        { return "web_search" }
func (t *WebSearchTool) Description() string { return "Search the web and return a short list of results." }
func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query",
			},
		},
		"required": []string{"query"},
	}
}

type braveSearchResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("query is required")
	}

	if t.apiKey == "" {
		return "Web search is not configured (no API key set).", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.apiBase, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	q := req.URL.Query()
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", t.maxResults))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("X-Subscription-Token", t.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Sprintf("Search error: %v", err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("Search API returned status %d", resp.StatusCode), nil
	}

	var parsed braveSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Sprintf("Failed to parse search response: %v", err), nil
	}

	if len(parsed.Web.Results) == 0 {
		return "No results found.", nil
	}

	var sb strings.Builder
	limit := t.maxResults
	if limit > len(parsed.Web.Results) {
		limit = len(parsed.Web.Results)
	}
	for i := 0; i < limit; i++ {
		r := parsed.Web.Results[i]
		sb.WriteString(fmt.Sprintf("%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Description))
	}
	return sb.String(), nil
}
