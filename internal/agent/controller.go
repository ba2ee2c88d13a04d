// Package agent implements the turn controller: it drives the planner
// loop for one user turn, executes tool calls, and parks state-mutating
// actions behind the approval gate.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/pkeller/valet-agent/internal/llm"
	"github.com/pkeller/valet-agent/internal/session"
	"github.com/pkeller/valet-agent/internal/tools"
)

// TurnState describes how a turn ended.
type TurnState string

const (
	// StateDone means the planner produced a final reply.
	StateDone TurnState = "done"

	// StateAwaitingApproval means a guarded action is parked and the
	// turn is suspended until Decide is called.
	StateAwaitingApproval TurnState = "awaiting_approval"
)

// ApprovalRequest describes a parked action for the user to decide on.
type ApprovalRequest struct {
	ActionID  string         `json:"action_id"`
	SessionID string         `json:"session_id"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Summary   string         `json:"summary"`
}

// TurnResult is the outcome of SubmitTurn or Decide.
type TurnResult struct {
	State    TurnState        `json:"state"`
	Reply    string           `json:"reply,omitempty"`
	Approval *ApprovalRequest `json:"approval,omitempty"`
}

// Notifier receives turn lifecycle events. Implementations must not
// block; a nil Notifier disables notifications.
type Notifier interface {
	ApprovalRequested(req ApprovalRequest)
	TurnCompleted(sessionID, reply string)
}

// Options tune the controller. Zero values select defaults.
type Options struct {
	// MaxIterations caps planner round-trips per turn.
	MaxIterations int

	// HistoryLimit is the number of stored messages handed to the
	// planner each iteration.
	HistoryLimit int
}

const (
	defaultMaxIterations = 8
	defaultHistoryLimit  = 24
)

// Controller drives turns for all sessions. Safe for concurrent use;
// per-session exclusivity is enforced by the store's turn lock.
type Controller struct {
	llm      llm.Client
	model    string
	registry *tools.Registry
	store    *session.Store
	loc      *time.Location
	notifier Notifier
	opts     Options
	logger   *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewController wires a turn controller.
func NewController(client llm.Client, model string, registry *tools.Registry, store *session.Store, loc *time.Location, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	if opts.MaxIterations < 1 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.HistoryLimit < 1 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	return &Controller{
		llm:      client,
		model:    model,
		registry: registry,
		store:    store,
		loc:      loc,
		opts:     opts,
		logger:   logger.With("component", "agent"),
		now:      time.Now,
	}
}

// SetNotifier attaches an event sink. Call before serving turns.
func (c *Controller) SetNotifier(n Notifier) { c.notifier = n }

// SubmitTurn runs one user turn to completion or suspension. A second
// concurrent turn for the same session fails with ErrTurnActive.
func (c *Controller) SubmitTurn(ctx context.Context, sessionID, userText string) (*TurnResult, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, fmt.Errorf("empty message")
	}

	if _, err := c.store.GetOrCreate(sessionID); err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if err := c.store.BeginTurn(sessionID); err != nil {
		return nil, err
	}
	defer c.store.EndTurn(sessionID)

	// A new message supersedes any action still awaiting approval from
	// an earlier turn; its call id gets a refusal so history stays
	// answerable for the planner.
	stale, err := c.store.ResetTurn(sessionID)
	if err != nil {
		return nil, fmt.Errorf("reset turn: %w", err)
	}
	if stale != nil {
		c.logger.Info("Pending action superseded", "session", sessionID, "tool", stale.ToolName)
		msg := llm.Message{
			Role:       llm.RoleTool,
			Content:    "Action not approved: the user moved on to a new request.",
			ToolCallID: stale.ToolCallID,
		}
		if err := c.store.AppendMessage(sessionID, msg); err != nil {
			return nil, fmt.Errorf("append message: %w", err)
		}
	}

	if err := c.store.AppendMessage(sessionID, llm.Message{Role: llm.RoleUser, Content: userText}); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	c.logger.Info("Turn started", "session", sessionID)
	return c.plan(ctx, sessionID)
}

// Decide resolves the session's pending action and resumes the turn.
// Approval executes the parked action exactly once; rejection feeds a
// refusal back to the planner without executing anything.
func (c *Controller) Decide(ctx context.Context, sessionID string, approve bool) (*TurnResult, error) {
	// Take the turn lock before consuming the pending action so a busy
	// session leaves the action pending and the decision retryable.
	if err := c.store.BeginTurn(sessionID); err != nil {
		return nil, err
	}
	defer c.store.EndTurn(sessionID)

	action, err := c.store.Decide(sessionID, approve)
	if err != nil {
		return nil, err
	}

	if !approve {
		c.logger.Info("Action rejected", "session", sessionID, "tool", action.ToolName)
		msg := llm.Message{
			Role:       llm.RoleTool,
			Content:    "Action not approved.",
			ToolCallID: action.ToolCallID,
		}
		if err := c.store.AppendMessage(sessionID, msg); err != nil {
			return nil, fmt.Errorf("append message: %w", err)
		}
		return c.plan(ctx, sessionID)
	}

	// Claim the action before running it so a crash mid-execution can
	// never lead to a second run.
	if err := c.store.MarkExecuted(action.ID); err != nil {
		return nil, err
	}

	c.logger.Info("Action approved", "session", sessionID, "tool", action.ToolName)
	call := llm.NewToolCall(action.ToolCallID, action.ToolName, action.Arguments)
	if err := c.runTool(ctx, sessionID, call); err != nil {
		return nil, err
	}

	return c.plan(ctx, sessionID)
}

// Pending returns the session's parked action, if any.
func (c *Controller) Pending(sessionID string) (*session.PendingAction, error) {
	return c.store.PendingAction(sessionID)
}

// plan runs the planner loop until a final reply, a guarded action, or
// the iteration cap.
func (c *Controller) plan(ctx context.Context, sessionID string) (*TurnResult, error) {
	for iter := 0; iter < c.opts.MaxIterations; iter++ {
		history, err := c.store.Messages(sessionID, c.opts.HistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}

		messages := make([]llm.Message, 0, len(history)+1)
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: c.systemPrompt()})
		messages = append(messages, history...)

		resp, err := c.llm.Chat(ctx, c.model, messages, c.registry.Schemas())
		if err != nil {
			return nil, fmt.Errorf("planner: %w", err)
		}

		assistant := resp.Message
		assistant.Role = llm.RoleAssistant
		if err := c.store.AppendMessage(sessionID, assistant); err != nil {
			return nil, fmt.Errorf("append message: %w", err)
		}

		if len(assistant.ToolCalls) == 0 {
			c.logger.Info("Turn complete", "session", sessionID, "iterations", iter+1)
			if c.notifier != nil {
				c.notifier.TurnCompleted(sessionID, assistant.Content)
			}
			return &TurnResult{State: StateDone, Reply: assistant.Content}, nil
		}

		// One action per iteration. Extra calls get a deferral answer so
		// every call id in history has a tool reply.
		call := assistant.ToolCalls[0]
		for _, extra := range assistant.ToolCalls[1:] {
			msg := llm.Message{
				Role:       llm.RoleTool,
				Content:    "Deferred: one action is taken at a time. Request this again if it is still needed.",
				ToolCallID: extra.ID,
			}
			if err := c.store.AppendMessage(sessionID, msg); err != nil {
				return nil, fmt.Errorf("append message: %w", err)
			}
		}
		c.logger.Debug("Planned action", "session", sessionID, "tool", call.Function.Name, "iteration", iter)

		if c.registry.RequiresApproval(call.Function.Name) {
			return c.parkForApproval(sessionID, call)
		}

		if err := c.runTool(ctx, sessionID, call); err != nil {
			return nil, err
		}
	}

	c.logger.Warn("Iteration limit exceeded", "session", sessionID, "limit", c.opts.MaxIterations)
	reply := "I wasn't able to complete that request within a reasonable number of steps. Could you rephrase or break it into smaller parts?"
	if err := c.store.AppendMessage(sessionID, llm.Message{Role: llm.RoleAssistant, Content: reply}); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if c.notifier != nil {
		c.notifier.TurnCompleted(sessionID, reply)
	}
	return &TurnResult{State: StateDone, Reply: reply}, nil
}

// parkForApproval persists the guarded call and suspends the turn.
func (c *Controller) parkForApproval(sessionID string, call llm.ToolCall) (*TurnResult, error) {
	action := &session.PendingAction{
		ID:         session.NewID(),
		SessionID:  sessionID,
		ToolName:   call.Function.Name,
		Arguments:  call.Function.Arguments,
		ToolCallID: call.ID,
		Summary:    summarizeAction(call.Function.Name, call.Function.Arguments),
	}
	if err := c.store.CreatePendingAction(action); err != nil {
		return nil, fmt.Errorf("park action: %w", err)
	}

	req := ApprovalRequest{
		ActionID:  action.ID,
		SessionID: sessionID,
		Tool:      action.ToolName,
		Args:      action.Arguments,
		Summary:   action.Summary,
	}
	c.logger.Info("Approval required", "session", sessionID, "tool", action.ToolName, "action", action.ID)
	if c.notifier != nil {
		c.notifier.ApprovalRequested(req)
	}
	return &TurnResult{State: StateAwaitingApproval, Approval: &req}, nil
}

// runTool executes one tool call and appends its result (or failure)
// to history as a tool message. Tool errors never abort the turn.
func (c *Controller) runTool(ctx context.Context, sessionID string, call llm.ToolCall) error {
	toolCtx := ctx
	if listing, err := c.store.Listing(sessionID); err == nil && listing != nil {
		toolCtx = tools.WithListing(toolCtx, listing)
	}

	result, err := c.registry.Execute(toolCtx, call.Function.Name, call.Function.Arguments)

	var content string
	switch {
	case err != nil:
		c.logger.Warn("Tool failed", "session", sessionID, "tool", call.Function.Name, "error", err)
		content = "Error: " + err.Error()
	case result != nil:
		content = result.Output
		if result.Listing != nil {
			if lerr := c.store.SetListing(sessionID, result.Listing); lerr != nil {
				return fmt.Errorf("save listing: %w", lerr)
			}
		}
	}

	msg := llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
	}
	if err := c.store.AppendMessage(sessionID, msg); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// systemPrompt builds the planner's system message with the current
// date and time in both UTC and the configured timezone so relative
// dates resolve correctly.
func (c *Controller) systemPrompt() string {
	nowUTC := c.now().UTC().Truncate(time.Second)
	nowLocal := nowUTC.In(c.loc)

	var b strings.Builder
	b.WriteString("You are Valet, a personal assistant. ")
	b.WriteString("Speak clearly, simply, and concisely. ")
	b.WriteString("Keep answers short unless the user asks for details. ")
	b.WriteString("Never mention internal state, tools, or APIs in your final answer.\n\n")
	b.WriteString("Current date/time context for planning dates and times:\n")
	fmt.Fprintf(&b, "- UTC now: %s\n", nowUTC.Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(&b, "- Local now (%s): %s\n", c.loc.String(), nowLocal.Format("2006-01-02T15:04:05-07:00"))
	b.WriteString("Resolve relative dates like today/tomorrow/next week using this context. ")
	b.WriteString("Use the local timezone for scheduling unless the user explicitly asks for another timezone.")
	return b.String()
}

// summarizeAction renders a one-line human-readable description of a
// guarded call for the approval prompt.
func summarizeAction(name string, args map[string]any) string {
	if len(args) == 0 {
		return name
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := args[k]
		var rendered string
		switch val := v.(type) {
		case string:
			rendered = val
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				rendered = fmt.Sprint(v)
			} else {
				rendered = string(raw)
			}
		}
		if len(rendered) > 80 {
			rendered = rendered[:77] + "..."
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, rendered))
	}
	return fmt.Sprintf("%s (%s)", name, strings.Join(parts, ", "))
}
