package energy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the energy-infrastructure inventory API.
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

// Facility is one inventoried installation: a dam or a power station.
type Facility struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Fuel       string  `json:"fuel"`
	CapacityMW float64 `json:"capacity_mw"`
	State      string  `json:"state"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

// Filter narrows a facility listing. Zero values mean "any"; BBox is
// (minLon, minLat, maxLon, maxLat).
type Filter struct {
	Type  string
	State string
	Fuel  string
	Name  string
	BBox  []float64
	Limit int
}

func (c *Client) Facilities(ctx context.Context, f Filter) ([]Facility, error) {
	params := url.Values{}
	if f.Type != "" {
		params.Add("type", f.Type)
	}
	if f.State != "" {
		params.Add("state", f.State)
	}
	if f.Fuel != "" {
		params.Add("fuel", f.Fuel)
	}
	if f.Name != "" {
		params.Add("name", f.Name)
	}
	if len(f.BBox) == 4 {
		parts := make([]string, 4)
		for i, v := range f.BBox {
			parts[i] = fmt.Sprintf("%g", v)
		}
		params.Add("bbox", strings.Join(parts, ","))
	}
	limit := f.Limit
	if limit == 0 {
		limit = 500
	}
	params.Add("limit", fmt.Sprintf("%d", limit))

	req, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/v1/facilities?%s", c.baseURL, params.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list facilities: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("facilities returned status %d", resp.StatusCode)
	}

	var listResp struct {
		Facilities []Facility `json:"facilities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return listResp.Facilities, nil
}
