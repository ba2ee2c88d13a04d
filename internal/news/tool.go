package news

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkeller/valet-agent/internal/tools"
)

// RegisterTools adds the get_latest_news tool to the registry.
func RegisterTools(r *tools.Registry, fetcher *Fetcher) {
	r.MustRegister(&tools.Tool{
		Name:        "get_latest_news",
		Description: "Fetch the latest headlines from configured news feeds, newest first.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Maximum number of headlines to return (1-20). Default: 5.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			max := tools.ClampInt(tools.IntArg(args, "max_results", 5), 1, 20)

			headlines, err := fetcher.Latest(ctx, max)
			if err != nil {
				return nil, err
			}
			return tools.Text(FormatHeadlines(headlines)), nil
		},
	})
}

// FormatHeadlines builds a numbered headline list for the planner.
func FormatHeadlines(headlines []Headline) string {
	if len(headlines) == 0 {
		return "No headlines available."
	}

	var b strings.Builder
	for i, h := range headlines {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, h.Title)
		if h.Source != "" {
			fmt.Fprintf(&b, " (%s)", h.Source)
		}
		if !h.Published.IsZero() {
			fmt.Fprintf(&b, "\n   %s", h.Published.Format("2006-01-02 15:04"))
		}
		if h.Link != "" {
			fmt.Fprintf(&b, "\n   %s", h.Link)
		}
	}
	return b.String()
}
