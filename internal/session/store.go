package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pkeller/valet-agent/internal/llm"
	"github.com/pkeller/valet-agent/internal/resolve"
)

// ErrTurnActive is returned by BeginTurn when the session is already
// executing a turn. Each session admits one writer at a time.
var ErrTurnActive = errors.New("a turn is already in progress for this session")

// ErrNoPendingAction is returned by Decide when nothing is awaiting
// approval, including when a decision already consumed the action.
var ErrNoPendingAction = errors.New("no action is awaiting approval")

// Store handles session persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a session store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate sessions: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id          TEXT PRIMARY KEY,
			turn_active INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id   TEXT NOT NULL,
			role         TEXT NOT NULL,
			content      TEXT NOT NULL,
			tool_calls   TEXT,
			tool_call_id TEXT,
			created_at   TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);

		CREATE TABLE IF NOT EXISTS actions (
			id           TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			tool_name    TEXT NOT NULL,
			arguments    TEXT NOT NULL,
			tool_call_id TEXT NOT NULL,
			summary      TEXT NOT NULL,
			status       TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			decided_at   TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_actions_session ON actions(session_id, status);

		CREATE TABLE IF NOT EXISTS listings (
			session_id TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			items      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)
	`)
	return err
}

// GetOrCreate returns the session with the given ID, creating it if
// needed. An empty ID creates a fresh session with a generated ID.
func (s *Store) GetOrCreate(id string) (*Session, error) {
	if id == "" {
		id = NewID()
	}
	now := time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, turn_active, created_at, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return s.Get(id)
}

// Get retrieves a session by ID. Returns sql.ErrNoRows if absent.
func (s *Store) Get(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT id, created_at, updated_at FROM sessions WHERE id = ?`, id)

	var sess Session
	var createdStr, updatedStr string
	if err := row.Scan(&sess.ID, &createdStr, &updatedStr); err != nil {
		return nil, err
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &sess, nil
}

// List returns all sessions, most recently updated first.
func (s *Store) List() ([]*Session, error) {
	rows, err := s.db.Query(`SELECT id, created_at, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var createdStr, updatedStr string
		if err := rows.Scan(&sess.ID, &createdStr, &updatedStr); err != nil {
			return nil, err
		}
		sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// BeginTurn acquires the session's turn lock. Returns ErrTurnActive
// when another turn holds it. The compare-and-set runs in the
// database, so concurrent callers across processes race safely.
func (s *Store) BeginTurn(sessionID string) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET turn_active = 1, updated_at = ?
		WHERE id = ? AND turn_active = 0
	`, time.Now().UTC().Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return fmt.Errorf("begin turn: %w", err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := s.Get(sessionID); err != nil {
			return fmt.Errorf("session %s: %w", sessionID, err)
		}
		return ErrTurnActive
	}
	return nil
}

// EndTurn releases the session's turn lock.
func (s *Store) EndTurn(sessionID string) error {
	_, err := s.db.Exec(`
		UPDATE sessions SET turn_active = 0, updated_at = ?
		WHERE id = ?
	`, time.Now().UTC().Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return fmt.Errorf("end turn: %w", err)
	}
	return nil
}

// AppendMessage adds a message to the session history.
func (s *Store) AppendMessage(sessionID string, msg llm.Message) error {
	var toolCalls sql.NullString
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO messages (session_id, role, content, tool_calls, tool_call_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, msg.Role, msg.Content, toolCalls, msg.ToolCallID,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Messages returns the most recent limit messages in chronological
// order. A limit <= 0 returns the whole history.
func (s *Store) Messages(sessionID string, limit int) ([]llm.Message, error) {
	query := `
		SELECT role, content, tool_calls, tool_call_id
		FROM messages WHERE session_id = ? ORDER BY seq DESC
	`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var msg llm.Message
		var toolCalls sql.NullString
		if err := rows.Scan(&msg.Role, &msg.Content, &toolCalls, &msg.ToolCallID); err != nil {
			return nil, err
		}
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SetListing records the result of a listing tool call, replacing any
// previous listing for the session.
func (s *Store) SetListing(sessionID string, l *resolve.Listing) error {
	items, err := json.Marshal(l.Items)
	if err != nil {
		return fmt.Errorf("marshal listing: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO listings (session_id, kind, items, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			kind = excluded.kind,
			items = excluded.items,
			updated_at = excluded.updated_at
	`, sessionID, string(l.Kind), string(items), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert listing: %w", err)
	}
	return nil
}

// Listing returns the session's current listing, or nil when no
// listing tool has run yet.
func (s *Store) Listing(sessionID string) (*resolve.Listing, error) {
	row := s.db.QueryRow(`SELECT kind, items FROM listings WHERE session_id = ?`, sessionID)

	var kind, items string
	if err := row.Scan(&kind, &items); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query listing: %w", err)
	}

	l := &resolve.Listing{Kind: resolve.Kind(kind)}
	if err := json.Unmarshal([]byte(items), &l.Items); err != nil {
		return nil, fmt.Errorf("unmarshal listing: %w", err)
	}
	return l, nil
}

// CreatePendingAction parks a tool call for approval. Any previous
// still-pending action in the session is superseded: it is marked
// rejected so at most one action awaits a decision at a time.
func (s *Store) CreatePendingAction(a *PendingAction) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.Status = StatusPending

	args, err := json.Marshal(a.Arguments)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(`
		UPDATE actions SET status = ?, decided_at = ?
		WHERE session_id = ? AND status = ?
	`, StatusRejected, now, a.SessionID, StatusPending); err != nil {
		return fmt.Errorf("supersede pending: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO actions (id, session_id, tool_name, arguments, tool_call_id, summary, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.SessionID, a.ToolName, string(args), a.ToolCallID, a.Summary,
		a.Status, a.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("insert action: %w", err)
	}

	return tx.Commit()
}

// PendingAction returns the action awaiting approval for the session,
// or nil when there is none.
func (s *Store) PendingAction(sessionID string) (*PendingAction, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, tool_name, arguments, tool_call_id, summary, status, created_at, decided_at
		FROM actions WHERE session_id = ? AND status = ?
	`, sessionID, StatusPending)

	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ResetTurn discards the session's still-pending action, if any, so a
// decision can never apply across turns: a new user message supersedes
// whatever was awaiting approval. Returns the discarded action, or nil
// when nothing was pending.
func (s *Store) ResetTurn(sessionID string) (*PendingAction, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, session_id, tool_name, arguments, tool_call_id, summary, status, created_at, decided_at
		FROM actions WHERE session_id = ? AND status = ?
	`, sessionID, StatusPending)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(`
		UPDATE actions SET status = ?, decided_at = ?
		WHERE id = ? AND status = ?
	`, StatusRejected, now.Format(time.RFC3339Nano), a.ID, StatusPending); err != nil {
		return nil, fmt.Errorf("reset turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	a.Status = StatusRejected
	a.DecidedAt = &now
	return a, nil
}

// Decide resolves the session's pending action. The row is read and
// transitioned inside one transaction, keyed by its id and guarded on
// the current status, so two racing decisions cannot both succeed: the
// loser gets ErrNoPendingAction.
func (s *Store) Decide(sessionID string, approve bool) (*PendingAction, error) {
	status := StatusRejected
	if approve {
		status = StatusApproved
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, session_id, tool_name, arguments, tool_call_id, summary, status, created_at, decided_at
		FROM actions WHERE session_id = ? AND status = ?
	`, sessionID, StatusPending)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPendingAction
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := tx.Exec(`
		UPDATE actions SET status = ?, decided_at = ?
		WHERE id = ? AND status = ?
	`, status, now.Format(time.RFC3339Nano), a.ID, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("decide action: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, ErrNoPendingAction
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	a.Status = status
	a.DecidedAt = &now
	return a, nil
}

// MarkExecuted records that an approved action has run.
func (s *Store) MarkExecuted(actionID string) error {
	res, err := s.db.Exec(`
		UPDATE actions SET status = ? WHERE id = ? AND status = ?
	`, StatusExecuted, actionID, StatusApproved)
	if err != nil {
		return fmt.Errorf("mark executed: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("action %s is not in approved state", actionID)
	}
	return nil
}

// Actions returns the session's action history, newest first. Useful
// as an audit trail of what was proposed, decided, and executed.
func (s *Store) Actions(sessionID string) ([]*PendingAction, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, tool_name, arguments, tool_call_id, summary, status, created_at, decided_at
		FROM actions WHERE session_id = ? ORDER BY created_at DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var actions []*PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*PendingAction, error) {
	var a PendingAction
	var args, createdStr string
	var decidedStr sql.NullString

	err := row.Scan(&a.ID, &a.SessionID, &a.ToolName, &args, &a.ToolCallID,
		&a.Summary, &a.Status, &createdStr, &decidedStr)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(args), &a.Arguments); err != nil {
		return nil, fmt.Errorf("unmarshal arguments: %w", err)
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	if decidedStr.Valid {
		t, _ := time.Parse(time.RFC3339Nano, decidedStr.String)
		a.DecidedAt = &t
	}
	return &a, nil
}
