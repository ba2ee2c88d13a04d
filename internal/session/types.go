// Package session persists per-conversation state: message history,
// the last listing shown to the user, and any action awaiting
// approval. State lives in SQLite so a pending approval survives a
// process restart.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Session is one conversation with its own history and pending state.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActionStatus tracks an action through the approval lifecycle.
type ActionStatus string

const (
	// StatusPending means the action is parked awaiting a decision.
	StatusPending ActionStatus = "pending"

	// StatusApproved means the user approved and execution may begin.
	StatusApproved ActionStatus = "approved"

	// StatusRejected means the user declined; the action never runs.
	StatusRejected ActionStatus = "rejected"

	// StatusExecuted means the approved action has run. An action
	// reaches this state at most once.
	StatusExecuted ActionStatus = "executed"
)

// PendingAction is a tool call parked for user approval. Arguments are
// stored verbatim so execution after approval uses exactly what the
// planner produced.
type PendingAction struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments"`
	ToolCallID string         `json:"tool_call_id"`
	Summary    string         `json:"summary"`
	Status     ActionStatus   `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	DecidedAt  *time.Time     `json:"decided_at,omitempty"`
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}
