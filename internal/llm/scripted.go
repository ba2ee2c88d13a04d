package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedClient replays a fixed sequence of responses. It implements
// Client for tests and offline demos where a real provider is
// unavailable. Responses are consumed in order; running past the end
// of the script is an error.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []Message
	calls     int

	// Requests records every message slice passed to Chat, for
	// assertions about what the planner was shown.
	Requests [][]Message
}

// NewScriptedClient creates a client that returns the given messages
// in order, one per Chat call.
func NewScriptedClient(responses ...Message) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

// ScriptText is a convenience for a plain assistant text response.
func ScriptText(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ScriptToolCall is a convenience for an assistant response that
// invokes a single tool.
func ScriptToolCall(id, name string, args map[string]any) Message {
	return Message{
		Role:      RoleAssistant,
		ToolCalls: []ToolCall{NewToolCall(id, name, args)},
	}
}

// Chat returns the next scripted response.
func (c *ScriptedClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.Requests = append(c.Requests, messages)
	if c.calls >= len(c.responses) {
		return nil, fmt.Errorf("script exhausted after %d responses", len(c.responses))
	}
	msg := c.responses[c.calls]
	c.calls++

	return &ChatResponse{
		Model:   model,
		Message: msg,
	}, nil
}

// Ping always succeeds.
func (c *ScriptedClient) Ping(ctx context.Context) error { return nil }

// Calls reports how many Chat calls have been made.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
