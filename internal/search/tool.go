package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkeller/valet-agent/internal/tools"
)

// newsDomains biases news-flavored queries toward established outlets.
var newsDomains = "site:bbc.com OR site:reuters.com OR site:cnn.com OR site:ndtv.com OR site:thehindu.com"

// expandNewsQuery appends a domain bias when the query asks for news
// or headlines, which keeps general-purpose providers from surfacing
// SEO spam for those queries.
func expandNewsQuery(query string) string {
	lower := strings.ToLower(query)
	if strings.Contains(lower, "news") || strings.Contains(lower, "headline") {
		return query + " " + newsDomains
	}
	return query
}

// RegisterTools adds the web_search tool to the registry. Search is a
// read-only operation and never requires approval.
func RegisterTools(r *tools.Registry, mgr *Manager) {
	r.MustRegister(&tools.Tool{
		Name:        "web_search",
		Description: "Search the web and return a numbered list of results with titles, URLs, and snippets.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query string.",
				},
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results to return (1-10). Default: 5.",
				},
				"provider": map[string]any{
					"type":        "string",
					"description": "Search provider to use. Omit for the default chain.",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			query := tools.StringArg(args, "query", "")
			if query == "" {
				return nil, fmt.Errorf("web_search: query is required")
			}
			query = expandNewsQuery(query)

			opts := Options{
				Count: tools.ClampInt(tools.IntArg(args, "max_results", 5), 1, 10),
			}

			var results []Result
			var err error
			if provider := tools.StringArg(args, "provider", ""); provider != "" {
				results, err = mgr.SearchWith(ctx, provider, query, opts)
			} else {
				results, err = mgr.Search(ctx, query, opts)
			}
			if err != nil {
				return nil, err
			}

			return tools.Text(FormatResults(results)), nil
		},
	})
}
