package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client calls the remote raster compute service one feature at a time.
// Batching, retries and timeouts live in Service, not here.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: time.Duration(MaxTimeoutSeconds) * time.Second,
		},
	}
}

func (c *Client) SummarizeFeature(ctx context.Context, coverageID string, feature Feature) (map[string]any, error) {
	body := map[string]any{
		"coverage_id": coverageID,
		"feature":     feature,
	}
	return c.post(ctx, "/v1/zonal/summary", body)
}

func (c *Client) CountPixelsAbove(ctx context.Context, coverageID string, feature Feature, threshold float64) (map[string]any, error) {
	body := map[string]any{
		"coverage_id": coverageID,
		"feature":     feature,
		"threshold":   threshold,
	}
	return c.post(ctx, "/v1/zonal/pixel-count", body)
}

func (c *Client) post(ctx context.Context, path string, body map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("compute request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("compute service returned status %d", resp.StatusCode)
	}

	var computeResp struct {
		Record map[string]any `json:"record"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&computeResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return computeResp.Record, nil
}
