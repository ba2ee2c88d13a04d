package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkeller/valet-agent/internal/httpkit"
)

const duckDuckGoBaseURL = "https://api.duckduckgo.com"

// DuckDuckGo implements the Provider interface using the DuckDuckGo
// Instant Answer API. It requires no API key, which makes it the
// fallback of last resort in the provider chain.
type DuckDuckGo struct {
	baseURL    string
	httpClient *http.Client
}

// NewDuckDuckGo creates a DuckDuckGo provider.
func NewDuckDuckGo() *DuckDuckGo {
	return &DuckDuckGo{
		baseURL: duckDuckGoBaseURL,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15 * time.Second),
		),
	}
}

func (d *DuckDuckGo) Name() string { return "duckduckgo" }

// ddgResponse is the subset of the Instant Answer payload we consume.
type ddgResponse struct {
	AbstractText  string     `json:"AbstractText"`
	AbstractURL   string     `json:"AbstractURL"`
	Heading       string     `json:"Heading"`
	RelatedTopics []ddgTopic `json:"RelatedTopics"`
}

type ddgTopic struct {
	Text     string     `json:"Text"`
	FirstURL string     `json:"FirstURL"`
	Topics   []ddgTopic `json:"Topics"`
}

func (d *DuckDuckGo) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	count := opts.Count
	if count == 0 {
		count = 5
	}

	params := url.Values{
		"q":           {query},
		"format":      {"json"},
		"no_html":     {"1"},
		"no_redirect": {"1"},
	}

	reqURL := fmt.Sprintf("%s/?%s", d.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("duckduckgo: HTTP %d: %s", resp.StatusCode, body)
	}

	var dr ddgResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("duckduckgo: decode response: %w", err)
	}

	results := make([]Result, 0, count)
	if dr.AbstractText != "" {
		results = append(results, Result{
			Title:   dr.Heading,
			URL:     dr.AbstractURL,
			Snippet: dr.AbstractText,
		})
	}
	results = appendTopics(results, dr.RelatedTopics, count)

	if len(results) == 0 {
		return nil, fmt.Errorf("duckduckgo: no results for %q", query)
	}
	return results, nil
}

// appendTopics flattens nested topic groups until count is reached.
func appendTopics(results []Result, topics []ddgTopic, count int) []Result {
	for _, t := range topics {
		if len(results) >= count {
			break
		}
		if len(t.Topics) > 0 {
			results = appendTopics(results, t.Topics, count)
			continue
		}
		if t.Text == "" || t.FirstURL == "" {
			continue
		}
		results = append(results, Result{
			Title:   t.Text,
			URL:     t.FirstURL,
			Snippet: t.Text,
		})
	}
	return results
}
