// Package tools defines the tools available to the agent.
package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkeller/valet-agent/internal/resolve"
)

// Result is what a tool execution produces. Output goes back to the
// planner as a tool message. Listing is non-nil when the tool listed
// resources the user may refer to later ("the second one"); the turn
// controller persists it on the session.
type Result struct {
	Output  string
	Listing *resolve.Listing
}

// Text wraps a plain string as a tool result.
func Text(s string) *Result {
	return &Result{Output: s}
}

// Handler executes a tool with already-decoded arguments.
type Handler func(ctx context.Context, args map[string]any) (*Result, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// RequiresApproval marks state-mutating tools. Calls to these are
	// parked for a user decision instead of executing immediately.
	RequiresApproval bool `json:"requires_approval"`

	Handler Handler `json:"-"`
}

// Registry holds available tools.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry. Packages contribute
// their tools via Register at wiring time.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry. Registering the same name
// twice is a wiring bug and returns an error.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q is already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// MustRegister is Register that panics on error, for wiring code
// where a duplicate means a programmer mistake.
func (r *Registry) MustRegister(t *Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get retrieves a tool by name. Returns *ErrToolUnavailable for
// unknown names so callers can distinguish capability mismatches from
// execution failures.
func (r *Registry) Get(name string) (*Tool, error) {
	t := r.tools[name]
	if t == nil {
		return nil, &ErrToolUnavailable{ToolName: name}
	}
	return t, nil
}

// RequiresApproval reports whether the named tool needs a user
// decision before executing. Unknown tools do not require approval;
// they fail at execution instead.
func (r *Registry) RequiresApproval(name string) bool {
	t := r.tools[name]
	return t != nil && t.RequiresApproval
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns all tools in the wire format the planner expects.
// Order is stable so prompts are reproducible.
func (r *Registry) Schemas() []map[string]any {
	var result []map[string]any
	for _, name := range r.Names() {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name with given arguments.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (*Result, error) {
	t, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return t.Handler(ctx, args)
}
