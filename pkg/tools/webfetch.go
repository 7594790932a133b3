package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebFetchTool retrieves a URL's body and returns it truncated to maxBytes.
type WebFetchTool struct {
	maxBytes int
	client   *http.Client
}

// NewWebFetchTool creates a WebFetchTool capping response bodies at
// maxBytes.
func NewWebFetchTool(maxBytes int) *WebFetchTool {
	if maxBytes <= 0 {
		maxBytes = 50000
	}
	return &WebFetchTool{
		maxBytes: maxBytes,
		client:   &http.Client{Timeout: 20 * time.Second},
	}
}

func (t *WebFetchTool) Name() string        { return "web_fetch" }
func (t *WebFetchTool) Description() string { return "Fetch the contents of a URL." }
func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "The URL to fetch",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	url, ok := args["url"].(string)
	if !ok || strings.TrimSpace(url) == "" {
		return "", fmt.Errorf("url is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", "picoclaw/1.0 (+tool web_fetch)")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Sprintf("Error fetching %s: %v", url, err), nil
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, int64(t.maxBytes)+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Sprintf("Error reading response from %s: %v", url, err), nil
	}

	truncated := len(body) > t.maxBytes
	if truncated {
		body = body[:t.maxBytes]
	}

	out := fmt.Sprintf("Status: %d\n\n%s", resp.StatusCode, string(body))
	if truncated {
		out += "\n\n... [truncated]"
	}
	return out, nil
}
