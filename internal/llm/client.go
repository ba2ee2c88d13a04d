// Package llm abstracts the planner backends behind a small client
// interface so the turn controller never depends on a concrete
// provider.
package llm

import "context"

// Client is implemented by every planner backend.
type Client interface {
	// Chat runs one completion over the conversation, offering the
	// given tool schemas. The response carries either assistant text
	// or tool calls.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}
