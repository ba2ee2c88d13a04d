package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/pkeller/valet-agent/internal/agent"
)

// wsUpgrader accepts any origin. The server binds to a trusted
// interface; there is no cookie-based auth to protect.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WSCommand is an inbound websocket frame.
type WSCommand struct {
	Type      string `json:"type"` // turn | decision
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
	Approve   bool   `json:"approve,omitempty"`
}

// WSEvent is an outbound websocket frame.
type WSEvent struct {
	Type      string                 `json:"type"` // reply | approval_required | error
	SessionID string                 `json:"session_id,omitempty"`
	Reply     string                 `json:"reply,omitempty"`
	Approval  *agent.ApprovalRequest `json:"approval,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// handleWS speaks a small command protocol over one websocket: the
// client submits turns and decisions, the server answers with reply or
// approval_required events. Commands on one connection run in order.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Info("websocket connected", "remote", r.RemoteAddr)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		var cmd WSCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.writeWSEvent(conn, WSEvent{Type: "error", Error: "invalid command"})
			continue
		}

		s.writeWSEvent(conn, s.runWSCommand(r, cmd))
	}
}

func (s *Server) runWSCommand(r *http.Request, cmd WSCommand) WSEvent {
	switch cmd.Type {
	case "turn":
		if cmd.Message == "" {
			return WSEvent{Type: "error", SessionID: cmd.SessionID, Error: "message is required"}
		}
		sess, err := s.store.GetOrCreate(cmd.SessionID)
		if err != nil {
			return WSEvent{Type: "error", SessionID: cmd.SessionID, Error: err.Error()}
		}
		result, err := s.ctrl.SubmitTurn(r.Context(), sess.ID, cmd.Message)
		if err != nil {
			return WSEvent{Type: "error", SessionID: sess.ID, Error: err.Error()}
		}
		return turnEvent(sess.ID, result)

	case "decision":
		result, err := s.ctrl.Decide(r.Context(), cmd.SessionID, cmd.Approve)
		if err != nil {
			return WSEvent{Type: "error", SessionID: cmd.SessionID, Error: err.Error()}
		}
		return turnEvent(cmd.SessionID, result)

	default:
		return WSEvent{Type: "error", Error: "unknown command type"}
	}
}

func turnEvent(sessionID string, result *agent.TurnResult) WSEvent {
	if result.State == agent.StateAwaitingApproval {
		return WSEvent{Type: "approval_required", SessionID: sessionID, Approval: result.Approval}
	}
	return WSEvent{Type: "reply", SessionID: sessionID, Reply: result.Reply}
}

func (s *Server) writeWSEvent(conn *websocket.Conn, ev WSEvent) {
	if err := conn.WriteJSON(ev); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
	}
}
