package statvar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client talks to the statistical-variable provider: place resolution,
// variable search, and latest observations.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Variable is one statistical variable the provider serves.
type Variable struct {
	DCID        string `json:"dcid"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Observation is one latest value for an entity.
type Observation struct {
	Entity string  `json:"entity"`
	Value  float64 `json:"value"`
	Date   string  `json:"date"`
}

// ResolvePlaces maps place names to their identifiers. Names the provider
// cannot resolve are absent from the result.
func (c *Client) ResolvePlaces(ctx context.Context, names []string) (map[string]string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"nodes":    names,
		"property": "<-description->dcid",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v2/resolve", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve places: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("resolve returned status %d", resp.StatusCode)
	}

	var resolveResp struct {
		Entities []struct {
			Node       string `json:"node"`
			Candidates []struct {
				DCID string `json:"dcid"`
			} `json:"candidates"`
		} `json:"entities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&resolveResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	resolved := make(map[string]string)
	for _, e := range resolveResp.Entities {
		if len(e.Candidates) > 0 {
			resolved[e.Node] = e.Candidates[0].DCID
		}
	}
	return resolved, nil
}

// SearchVariables returns candidate variables for a search phrase.
func (c *Client) SearchVariables(ctx context.Context, query string, limit int) ([]Variable, error) {
	params := url.Values{}
	params.Add("query", query)
	params.Add("limit", fmt.Sprintf("%d", limit))

	req, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/v2/variables/search?%s", c.baseURL, params.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to search variables: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("variable search returned status %d", resp.StatusCode)
	}

	var searchResp struct {
		Variables []Variable `json:"variables"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return searchResp.Variables, nil
}

// LatestObservations fetches the most recent value of a variable for each
// entity.
func (c *Client) LatestObservations(ctx context.Context, variable string, entities []string) ([]Observation, error) {
	body, err := json.Marshal(map[string]interface{}{
		"variable": variable,
		"entities": entities,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v2/observations/latest", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch observations: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("observations returned status %d", resp.StatusCode)
	}

	var obsResp struct {
		Observations []Observation `json:"observations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&obsResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return obsResp.Observations, nil
}
