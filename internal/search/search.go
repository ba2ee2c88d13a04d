// Package search provides a pluggable web search interface for the agent.
//
// Each search provider implements the [Provider] interface and is
// registered in priority order. The [Manager] tries providers in that
// order and falls back to the next one when a backend fails, so a
// keyless provider at the end of the chain keeps search working even
// when no API keys are configured.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results to return.
	// Providers may return fewer. Zero means provider default.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 language code (e.g., "en", "de").
	Language string `json:"language,omitempty"`
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "tavily", "brave").
	Name() string

	// Search executes a query and returns results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager holds configured providers and routes searches. Providers
// are tried in registration order.
type Manager struct {
	providers []Provider
	logger    *slog.Logger
}

// NewManager creates an empty search manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger.With("component", "search")}
}

// Register appends a provider to the fallback chain.
func (m *Manager) Register(p Provider) {
	m.providers = append(m.providers, p)
}

// Search runs a query against each provider in order until one
// succeeds. The last provider's error is returned when all fail.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if len(m.providers) == 0 {
		return nil, fmt.Errorf("no search providers configured")
	}

	var err error
	for _, p := range m.providers {
		var results []Result
		results, err = p.Search(ctx, query, opts)
		if err == nil {
			return results, nil
		}
		m.logger.Warn("Search provider failed, trying next", "provider", p.Name(), "error", err)
	}
	return nil, fmt.Errorf("all search providers failed: %w", err)
}

// SearchWith runs a query against a specific named provider.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	for _, p := range m.providers {
		if p.Name() == provider {
			return p.Search(ctx, query, opts)
		}
	}
	return nil, fmt.Errorf("search provider %q not configured", provider)
}

// Providers returns the names of all registered providers in order.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for _, p := range m.providers {
		names = append(names, p.Name())
	}
	return names
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}

// FormatResults renders results as a numbered list for the planner.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}

	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "%d. %s\n   %s", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&sb, "\n   %s", r.Snippet)
		}
	}
	return sb.String()
}
