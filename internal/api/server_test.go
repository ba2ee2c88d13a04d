package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkeller/valet-agent/internal/agent"
	"github.com/pkeller/valet-agent/internal/llm"
	"github.com/pkeller/valet-agent/internal/session"
	"github.com/pkeller/valet-agent/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, client llm.Client, registry *tools.Registry) (*httptest.Server, *session.Store) {
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

	ctrl := agent.NewController(client, "test-model", registry, store, time.UTC, agent.Options{}, nil)
	srv := NewServer("", 0, ctrl, store, testLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	res, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return res
}

func decodeTurn(t *testing.T, res *http.Response) TurnResponse {
	t.Helper()
	defer res.Body.Close()
	var tr TurnResponse
	if err := json.NewDecoder(res.Body).Decode(&tr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return tr
}

func TestHealthAndRoot(t *testing.T) {
	ts, _ := newTestServer(t, llm.NewScriptedClient(), tools.NewRegistry())

	for _, path := range []string{"/health", "/", "/v1/version"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d", path, res.StatusCode)
		}
	}
}

func TestSubmitTurnReturnsReply(t *testing.T) {
	client := llm.NewScriptedClient(llm.ScriptText("Hello!"))
	ts, _ := newTestServer(t, client, tools.NewRegistry())

	res := postJSON(t, ts.URL+"/v1/turns", TurnRequest{Message: "hi"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	tr := decodeTurn(t, res)
	if tr.State != agent.StateDone || tr.Reply != "Hello!" {
		t.Errorf("unexpected response: %+v", tr)
	}
	if tr.SessionID == "" {
		t.Error("expected generated session id")
	}
}

func TestSubmitTurnRequiresMessage(t *testing.T) {
	ts, _ := newTestServer(t, llm.NewScriptedClient(), tools.NewRegistry())

	res := postJSON(t, ts.URL+"/v1/turns", TurnRequest{})
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", res.StatusCode)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	registry := tools.NewRegistry()
	executed := 0
	registry.MustRegister(&tools.Tool{
		Name:             "send_email",
		Description:      "Send.",
		RequiresApproval: true,
		Handler: func(_ context.Context, _ map[string]any) (*tools.Result, error) {
			executed++
			return tools.Text("sent"), nil
		},
	})

	client := llm.NewScriptedClient(
		llm.ScriptToolCall("call_1", "send_email", map[string]any{"to": "sam@example.com"}),
		llm.ScriptText("Sent."),
	)
	ts, _ := newTestServer(t, client, registry)

	// Submitting yields 202 with an approval request.
	res := postJSON(t, ts.URL+"/v1/turns", TurnRequest{SessionID: "s1", Message: "email sam"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", res.StatusCode)
	}
	tr := decodeTurn(t, res)
	if tr.State != agent.StateAwaitingApproval || tr.Approval == nil {
		t.Fatalf("unexpected response: %+v", tr)
	}

	// The pending action is visible.
	pres, err := http.Get(ts.URL + "/v1/sessions/s1/pending")
	if err != nil {
		t.Fatalf("GET pending: %v", err)
	}
	pres.Body.Close()
	if pres.StatusCode != http.StatusOK {
		t.Errorf("pending status = %d", pres.StatusCode)
	}

	// Approving runs the action and finishes the turn.
	res = postJSON(t, ts.URL+"/v1/sessions/s1/decision", DecisionRequest{Approve: true})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decision status = %d", res.StatusCode)
	}
	tr = decodeTurn(t, res)
	if tr.State != agent.StateDone || tr.Reply != "Sent." {
		t.Errorf("unexpected response: %+v", tr)
	}
	if executed != 1 {
		t.Errorf("executed = %d", executed)
	}

	// A second decision finds nothing pending.
	res = postJSON(t, ts.URL+"/v1/sessions/s1/decision", DecisionRequest{Approve: true})
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("repeat decision status = %d", res.StatusCode)
	}
}

func TestMessagesEndpoint(t *testing.T) {
	client := llm.NewScriptedClient(llm.ScriptText("Hi there."))
	ts, _ := newTestServer(t, client, tools.NewRegistry())

	res := postJSON(t, ts.URL+"/v1/turns", TurnRequest{SessionID: "s1", Message: "hello"})
	res.Body.Close()

	mres, err := http.Get(ts.URL + "/v1/sessions/s1/messages")
	if err != nil {
		t.Fatalf("GET messages: %v", err)
	}
	defer mres.Body.Close()
	if mres.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", mres.StatusCode)
	}

	var body struct {
		SessionID string        `json:"session_id"`
		Messages  []llm.Message `json:"messages"`
	}
	if err := json.NewDecoder(mres.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Messages) != 2 {
		t.Fatalf("messages = %d, want user + assistant", len(body.Messages))
	}
	if body.Messages[0].Role != llm.RoleUser || body.Messages[1].Role != llm.RoleAssistant {
		t.Errorf("unexpected roles: %+v", body.Messages)
	}
}

func TestMessagesUnknownSession(t *testing.T) {
	ts, _ := newTestServer(t, llm.NewScriptedClient(), tools.NewRegistry())

	res, err := http.Get(ts.URL + "/v1/sessions/nope/messages")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", res.StatusCode)
	}
}

func TestConcurrentTurnConflict(t *testing.T) {
	client := llm.NewScriptedClient(llm.ScriptText("hi"))
	ts, store := newTestServer(t, client, tools.NewRegistry())

	if _, err := store.GetOrCreate("s1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := store.BeginTurn("s1"); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}

	res := postJSON(t, ts.URL+"/v1/turns", TurnRequest{SessionID: "s1", Message: "hello"})
	res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", res.StatusCode)
	}
}
