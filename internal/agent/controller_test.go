package agent

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkeller/valet-agent/internal/llm"
	"github.com/pkeller/valet-agent/internal/resolve"
	"github.com/pkeller/valet-agent/internal/session"
	"github.com/pkeller/valet-agent/internal/tools"
)

func setupStore(t *testing.T) *session.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := session.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

// countingTool records executions and optionally fails or returns a
// listing.
type countingTool struct {
	calls   int
	lastCtx context.Context
	result  *tools.Result
	err     error
}

func (c *countingTool) handle(ctx context.Context, _ map[string]any) (*tools.Result, error) {
	c.calls++
	c.lastCtx = ctx
	if c.err != nil {
		return nil, c.err
	}
	if c.result != nil {
		return c.result, nil
	}
	return tools.Text("ok"), nil
}

func newController(t *testing.T, client llm.Client, registry *tools.Registry, opts Options) (*Controller, *session.Store) {
	t.Helper()
	store := setupStore(t)
	return NewController(client, "test-model", registry, store, time.UTC, opts, nil), store
}

func TestSubmitTurnFinalReply(t *testing.T) {
	client := llm.NewScriptedClient(llm.ScriptText("Hello there."))
	ctrl, _ := newController(t, client, tools.NewRegistry(), Options{})

	res, err := ctrl.SubmitTurn(context.Background(), "s1", "hi")
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if res.State != StateDone {
		t.Fatalf("state = %q", res.State)
	}
	if res.Reply != "Hello there." {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestSubmitTurnRejectsEmptyText(t *testing.T) {
	ctrl, _ := newController(t, llm.NewScriptedClient(), tools.NewRegistry(), Options{})
	if _, err := ctrl.SubmitTurn(context.Background(), "s1", "   "); err == nil {
		t.Fatal("expected error for empty message")
	}
}

func TestUnguardedToolExecutesImmediately(t *testing.T) {
	tool := &countingTool{}
	registry := tools.NewRegistry()
	registry.MustRegister(&tools.Tool{Name: "list_tasks", Description: "List tasks.", Handler: tool.handle})

	client := llm.NewScriptedClient(
		llm.ScriptToolCall("call_1", "list_tasks", nil),
		llm.ScriptText("You have no tasks."),
	)
	ctrl, store := newController(t, client, registry, Options{})

	res, err := ctrl.SubmitTurn(context.Background(), "s1", "what's on my list?")
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if res.State != StateDone || res.Reply != "You have no tasks." {
		t.Fatalf("unexpected result: %+v", res)
	}
	if tool.calls != 1 {
		t.Errorf("tool calls = %d", tool.calls)
	}

	// History carries the tool result back to the planner.
	msgs, err := store.Messages("s1", 10)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	var sawToolMsg bool
	for _, m := range msgs {
		if m.Role == llm.RoleTool && m.ToolCallID == "call_1" && m.Content == "ok" {
			sawToolMsg = true
		}
	}
	if !sawToolMsg {
		t.Error("tool result message missing from history")
	}
}

func TestToolErrorFedBackNotRaised(t *testing.T) {
	tool := &countingTool{err: errors.New("mailbox unreachable")}
	registry := tools.NewRegistry()
	registry.MustRegister(&tools.Tool{Name: "get_emails", Description: "List emails.", Handler: tool.handle})

	client := llm.NewScriptedClient(
		llm.ScriptToolCall("call_1", "get_emails", nil),
		llm.ScriptText("I couldn't reach your mailbox."),
	)
	ctrl, store := newController(t, client, registry, Options{})

	res, err := ctrl.SubmitTurn(context.Background(), "s1", "any new mail?")
	if err != nil {
		t.Fatalf("tool failure should not abort the turn: %v", err)
	}
	if res.State != StateDone {
		t.Fatalf("state = %q", res.State)
	}

	msgs, _ := store.Messages("s1", 10)
	var sawError bool
	for _, m := range msgs {
		if m.Role == llm.RoleTool && strings.Contains(m.Content, "mailbox unreachable") {
			sawError = true
		}
	}
	if !sawError {
		t.Error("tool error should appear as a tool message")
	}
}

func TestGuardedToolParksForApproval(t *testing.T) {
	tool := &countingTool{}
	registry := tools.NewRegistry()
	registry.MustRegister(&tools.Tool{Name: "send_email", Description: "Send.", RequiresApproval: true, Handler: tool.handle})

	client := llm.NewScriptedClient(
		llm.ScriptToolCall("call_1", "send_email", map[string]any{"to": "sam@example.com", "subject": "hi"}),
	)
	ctrl, store := newController(t, client, registry, Options{})

	res, err := ctrl.SubmitTurn(context.Background(), "s1", "email sam")
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if res.State != StateAwaitingApproval {
		t.Fatalf("state = %q", res.State)
	}
	if res.Approval == nil || res.Approval.Tool != "send_email" {
		t.Fatalf("unexpected approval: %+v", res.Approval)
	}
	if !strings.Contains(res.Approval.Summary, "sam@example.com") {
		t.Errorf("summary should describe the action, got %q", res.Approval.Summary)
	}
	if tool.calls != 0 {
		t.Errorf("guarded tool must not run before approval, calls = %d", tool.calls)
	}

	// The parked action survives in the store.
	pending, err := store.PendingAction("s1")
	if err != nil {
		t.Fatalf("PendingAction: %v", err)
	}
	if pending == nil || pending.ToolName != "send_email" {
		t.Fatalf("unexpected pending action: %+v", pending)
	}
}

func TestApproveExecutesExactlyOnce(t *testing.T) {
	tool := &countingTool{}
	registry := tools.NewRegistry()
	registry.MustRegister(&tools.Tool{Name: "send_email", Description: "Send.", RequiresApproval: true, Handler: tool.handle})

	client := llm.NewScriptedClient(
		llm.ScriptToolCall("call_1", "send_email", map[string]any{"to": "sam@example.com"}),
		llm.ScriptText("Sent."),
	)
	ctrl, _ := newController(t, client, registry, Options{})

	res, err := ctrl.SubmitTurn(context.Background(), "s1", "email sam")
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if res.State != StateAwaitingApproval {
		t.Fatalf("state = %q", res.State)
	}

	res, err = ctrl.Decide(context.Background(), "s1", true)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.State != StateDone || res.Reply != "Sent." {
		t.Fatalf("unexpected result: %+v", res)
	}
	if tool.calls != 1 {
		t.Errorf("tool calls = %d, want 1", tool.calls)
	}

	// A second decision on the consumed action fails and never runs
	// the tool again.
	if _, err := ctrl.Decide(context.Background(), "s1", true); err == nil {
		t.Fatal("expected error on repeated decision")
	}
	if tool.calls != 1 {
		t.Errorf("tool calls after repeat decide = %d, want 1", tool.calls)
	}
}

func TestRejectNeverExecutes(t *testing.T) {
	tool := &countingTool{}
	registry := tools.NewRegistry()
	registry.MustRegister(&tools.Tool{Name: "send_email", Description: "Send.", RequiresApproval: true, Handler: tool.handle})

	client := llm.NewScriptedClient(
		llm.ScriptToolCall("call_1", "send_email", map[string]any{"to": "sam@example.com"}),
		llm.ScriptText("Okay, I won't send it."),
	)
	ctrl, store := newController(t, client, registry, Options{})

	if _, err := ctrl.SubmitTurn(context.Background(), "s1", "email sam"); err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}

	res, err := ctrl.Decide(context.Background(), "s1", false)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.State != StateDone || res.Reply != "Okay, I won't send it." {
		t.Fatalf("unexpected result: %+v", res)
	}
	if tool.calls != 0 {
		t.Errorf("rejected action must never run, calls = %d", tool.calls)
	}

	msgs, _ := store.Messages("s1", 10)
	var sawRefusal bool
	for _, m := range msgs {
		if m.Role == llm.RoleTool && m.Content == "Action not approved." {
			sawRefusal = true
		}
	}
	if !sawRefusal {
		t.Error("rejection message missing from history")
	}
}

func TestIterationCapDegradedReply(t *testing.T) {
	tool := &countingTool{}
	registry := tools.NewRegistry()
	registry.MustRegister(&tools.Tool{Name: "list_tasks", Description: "List.", Handler: tool.handle})

	// The planner keeps asking for the same tool forever.
	var script []llm.Message
	for i := 0; i < 10; i++ {
		script = append(script, llm.ScriptToolCall("call", "list_tasks", nil))
	}
	client := llm.NewScriptedClient(script...)
	ctrl, _ := newController(t, client, registry, Options{MaxIterations: 3})

	res, err := ctrl.SubmitTurn(context.Background(), "s1", "loop forever")
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if res.State != StateDone {
		t.Fatalf("state = %q", res.State)
	}
	if !strings.Contains(res.Reply, "wasn't able to complete") {
		t.Errorf("expected degraded reply, got %q", res.Reply)
	}
	if tool.calls != 3 {
		t.Errorf("tool calls = %d, want 3", tool.calls)
	}
}

func TestListingFlowsToNextToolCall(t *testing.T) {
	listing := &resolve.Listing{
		Kind: resolve.KindTask,
		Items: []resolve.Item{
			{ID: "t1", Title: "Buy milk"},
			{ID: "t2", Title: "Call plumber"},
		},
	}
	lister := &countingTool{result: &tools.Result{Output: "2 tasks", Listing: listing}}
	completer := &countingTool{}

	registry := tools.NewRegistry()
	registry.MustRegister(&tools.Tool{Name: "list_tasks", Description: "List.", Handler: lister.handle})
	registry.MustRegister(&tools.Tool{Name: "complete_task", Description: "Complete.", RequiresApproval: true, Handler: completer.handle})

	client := llm.NewScriptedClient(
		llm.ScriptToolCall("call_1", "list_tasks", nil),
		llm.ScriptToolCall("call_2", "complete_task", map[string]any{"task": "the second one"}),
		llm.ScriptText("Done, completed Call plumber."),
	)
	ctrl, store := newController(t, client, registry, Options{})

	res, err := ctrl.SubmitTurn(context.Background(), "s1", "list my tasks and finish the second one")
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if res.State != StateAwaitingApproval {
		t.Fatalf("state = %q", res.State)
	}

	// The listing persisted before the turn suspended.
	saved, err := store.Listing("s1")
	if err != nil || saved == nil || len(saved.Items) != 2 {
		t.Fatalf("listing not saved: %+v err=%v", saved, err)
	}

	res, err = ctrl.Decide(context.Background(), "s1", true)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.State != StateDone {
		t.Fatalf("state = %q", res.State)
	}
	if completer.calls != 1 {
		t.Fatalf("completer calls = %d", completer.calls)
	}

	// The executed tool saw the saved listing in its context.
	got := tools.ListingFromContext(completer.lastCtx)
	if got == nil || got.Kind != resolve.KindTask || len(got.Items) != 2 {
		t.Errorf("listing not injected into tool context: %+v", got)
	}
}

func TestConcurrentTurnRejected(t *testing.T) {
	ctrl, store := newController(t, llm.NewScriptedClient(llm.ScriptText("hi")), tools.NewRegistry(), Options{})

	if _, err := store.GetOrCreate("s1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := store.BeginTurn("s1"); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}

	_, err := ctrl.SubmitTurn(context.Background(), "s1", "hello")
	if !errors.Is(err, session.ErrTurnActive) {
		t.Fatalf("expected ErrTurnActive, got %v", err)
	}
}

func TestNewTurnSupersedesPendingAction(t *testing.T) {
	tool := &countingTool{}
	registry := tools.NewRegistry()
	registry.MustRegister(&tools.Tool{Name: "send_email", Description: "Send.", RequiresApproval: true, Handler: tool.handle})

	client := llm.NewScriptedClient(
		llm.ScriptToolCall("call_1", "send_email", map[string]any{"to": "sam@example.com"}),
		llm.ScriptText("Sunny, 22 degrees."),
	)
	ctrl, store := newController(t, client, registry, Options{})

	res, err := ctrl.SubmitTurn(context.Background(), "s1", "email sam")
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if res.State != StateAwaitingApproval {
		t.Fatalf("state = %q", res.State)
	}

	// The user changes the subject instead of deciding.
	res, err = ctrl.SubmitTurn(context.Background(), "s1", "what's the weather?")
	if err != nil {
		t.Fatalf("second SubmitTurn: %v", err)
	}
	if res.State != StateDone {
		t.Fatalf("state = %q", res.State)
	}

	// The parked email is gone; a late approval cannot revive it.
	pending, err := store.PendingAction("s1")
	if err != nil {
		t.Fatalf("PendingAction: %v", err)
	}
	if pending != nil {
		t.Fatalf("pending action should be superseded, got %+v", pending)
	}
	if _, err := ctrl.Decide(context.Background(), "s1", true); !errors.Is(err, session.ErrNoPendingAction) {
		t.Fatalf("Decide = %v, want ErrNoPendingAction", err)
	}
	if tool.calls != 0 {
		t.Errorf("superseded action must never run, calls = %d", tool.calls)
	}

	// The superseded call id got a refusal so history stays answerable.
	msgs, _ := store.Messages("s1", 10)
	var sawRefusal bool
	for _, m := range msgs {
		if m.Role == llm.RoleTool && m.ToolCallID == "call_1" && strings.Contains(m.Content, "not approved") {
			sawRefusal = true
		}
	}
	if !sawRefusal {
		t.Error("superseded call missing its refusal message")
	}
}

func TestExtraPlannedCallsGetDeferralReplies(t *testing.T) {
	tool := &countingTool{}
	registry := tools.NewRegistry()
	registry.MustRegister(&tools.Tool{Name: "list_tasks", Description: "List.", Handler: tool.handle})
	registry.MustRegister(&tools.Tool{Name: "get_emails", Description: "List emails.", Handler: tool.handle})

	multi := llm.ScriptToolCall("call_1", "list_tasks", nil)
	multi.ToolCalls = append(multi.ToolCalls, llm.NewToolCall("call_2", "get_emails", nil))
	client := llm.NewScriptedClient(
		multi,
		llm.ScriptText("Here you go."),
	)
	ctrl, store := newController(t, client, registry, Options{})

	res, err := ctrl.SubmitTurn(context.Background(), "s1", "tasks and mail please")
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if res.State != StateDone {
		t.Fatalf("state = %q", res.State)
	}
	if tool.calls != 1 {
		t.Errorf("only the first call should run, calls = %d", tool.calls)
	}

	// Every planned call id has a tool reply in history.
	msgs, _ := store.Messages("s1", 10)
	replies := map[string]string{}
	for _, m := range msgs {
		if m.Role == llm.RoleTool {
			replies[m.ToolCallID] = m.Content
		}
	}
	if replies["call_1"] != "ok" {
		t.Errorf("first call reply = %q", replies["call_1"])
	}
	if !strings.Contains(replies["call_2"], "Deferred") {
		t.Errorf("second call should be answered with a deferral, got %q", replies["call_2"])
	}
}

func TestDecideWaitsForTurnLock(t *testing.T) {
	tool := &countingTool{}
	registry := tools.NewRegistry()
	registry.MustRegister(&tools.Tool{Name: "send_email", Description: "Send.", RequiresApproval: true, Handler: tool.handle})

	client := llm.NewScriptedClient(
		llm.ScriptToolCall("call_1", "send_email", map[string]any{"to": "sam@example.com"}),
		llm.ScriptText("Sent."),
	)
	ctrl, store := newController(t, client, registry, Options{})

	if _, err := ctrl.SubmitTurn(context.Background(), "s1", "email sam"); err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}

	// Another turn holds the session; the decision must fail without
	// consuming the action.
	if err := store.BeginTurn("s1"); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}
	if _, err := ctrl.Decide(context.Background(), "s1", true); !errors.Is(err, session.ErrTurnActive) {
		t.Fatalf("Decide = %v, want ErrTurnActive", err)
	}
	pending, err := store.PendingAction("s1")
	if err != nil || pending == nil {
		t.Fatalf("action should still be pending, got %+v err=%v", pending, err)
	}
	if tool.calls != 0 {
		t.Errorf("tool ran while session was locked, calls = %d", tool.calls)
	}

	// Once the session frees up, the same decision goes through.
	store.EndTurn("s1")
	res, err := ctrl.Decide(context.Background(), "s1", true)
	if err != nil {
		t.Fatalf("retry Decide: %v", err)
	}
	if res.State != StateDone || tool.calls != 1 {
		t.Fatalf("unexpected result: %+v, calls = %d", res, tool.calls)
	}
}

func TestSystemPromptCarriesLocalTime(t *testing.T) {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	store := setupStore(t)
	ctrl := NewController(llm.NewScriptedClient(), "m", tools.NewRegistry(), store, loc, Options{}, nil)
	ctrl.now = func() time.Time {
		return time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)
	}

	prompt := ctrl.systemPrompt()
	if !strings.Contains(prompt, "UTC now: 2025-06-02T15:00:00Z") {
		t.Errorf("UTC timestamp missing:\n%s", prompt)
	}
	if !strings.Contains(prompt, "America/Chicago") || !strings.Contains(prompt, "2025-06-02T10:00:00-05:00") {
		t.Errorf("local timestamp missing:\n%s", prompt)
	}
}

func TestSummarizeAction(t *testing.T) {
	got := summarizeAction("send_email", map[string]any{"to": "sam@example.com", "subject": "hi"})
	if got != "send_email (subject=hi, to=sam@example.com)" {
		t.Errorf("summary = %q", got)
	}
	if got := summarizeAction("complete_task", nil); got != "complete_task" {
		t.Errorf("summary = %q", got)
	}
}
