package regdocs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Client talks to the discharge-permit regulation index: a general NPDES
// collection and a Kentucky-specific KPDES collection.
type Client struct {
	baseURL   string
	kyBaseURL string

	httpClient *http.Client
}

func NewClient(baseURL, kyBaseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:   baseURL,
		kyBaseURL: kyBaseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Chunk is one indexed regulation passage.
type Chunk struct {
	ID      string  `json:"id"`
	Text    string  `json:"text"`
	Section string  `json:"section"`
	URL     string  `json:"url"`
	Score   float64 `json:"score"`
}

// SearchChunks returns the passages best matching the query. kentucky
// selects the KPDES collection when it is configured.
func (c *Client) SearchChunks(ctx context.Context, query string, limit int, kentucky bool) ([]Chunk, error) {
	base := c.baseURL
	if kentucky && c.kyBaseURL != "" {
		base = c.kyBaseURL
	}

	params := url.Values{}
	params.Add("q", query)
	params.Add("limit", fmt.Sprintf("%d", limit))

	req, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/v1/search?%s", base, params.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to search regulations: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("regulation search returned status %d", resp.StatusCode)
	}

	var searchResp struct {
		Chunks []Chunk `json:"chunks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return searchResp.Chunks, nil
}

// FetchSection pulls the page a chunk came from and extracts its readable
// text for answer context.
func (c *Client) FetchSection(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return "", fmt.Errorf("page returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return pageText(string(body)), nil
}

func pageText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	doc.Find("script, style, nav, footer, header").Remove()

	text := doc.Find("main, article").First().Text()
	if text == "" {
		text = doc.Find("body").Text()
	}
	text = strings.Join(strings.Fields(text), " ")

	if len(text) > 5000 {
		text = text[:5000]
	}
	return text
}
