// Package taskstore persists the user's to-do list in SQLite and
// exposes it to the agent as tools.
package taskstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task is a single to-do item.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Done        bool       `json:"done"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Store handles task persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a task store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate tasks: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			title        TEXT NOT NULL,
			done         INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			completed_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_done ON tasks(done, created_at)
	`)
	return err
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

// Add inserts tasks with the given titles, skipping empty ones.
// Returns the created tasks in input order.
func (s *Store) Add(titles []string) ([]*Task, error) {
	var created []*Task
	for _, title := range titles {
		title = strings.TrimSpace(title)
		if title == "" {
			continue
		}
		t := &Task{
			ID:        NewID(),
			Title:     title,
			CreatedAt: time.Now().UTC(),
		}
		_, err := s.db.Exec(`
			INSERT INTO tasks (id, title, done, created_at) VALUES (?, ?, 0, ?)
		`, t.ID, t.Title, t.CreatedAt.Format(time.RFC3339Nano))
		if err != nil {
			return created, fmt.Errorf("insert task: %w", err)
		}
		created = append(created, t)
	}
	return created, nil
}

// List returns tasks oldest first. Completed tasks are included only
// when includeDone is set.
func (s *Store) List(includeDone bool) ([]*Task, error) {
	query := `SELECT id, title, done, created_at, completed_at FROM tasks`
	if !includeDone {
		query += ` WHERE done = 0`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		var done int
		var createdStr string
		var completedStr sql.NullString
		if err := rows.Scan(&t.ID, &t.Title, &done, &createdStr, &completedStr); err != nil {
			return nil, err
		}
		t.Done = done != 0
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		if completedStr.Valid {
			ct, _ := time.Parse(time.RFC3339Nano, completedStr.String)
			t.CompletedAt = &ct
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// Get retrieves a task by ID.
func (s *Store) Get(id string) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT id, title, done, created_at, completed_at FROM tasks WHERE id = ?
	`, id)

	var t Task
	var done int
	var createdStr string
	var completedStr sql.NullString
	if err := row.Scan(&t.ID, &t.Title, &done, &createdStr, &completedStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task not found: %s", id)
		}
		return nil, err
	}
	t.Done = done != 0
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	if completedStr.Valid {
		ct, _ := time.Parse(time.RFC3339Nano, completedStr.String)
		t.CompletedAt = &ct
	}
	return &t, nil
}

// Complete marks a task done. Completing an already-done task is a
// no-op that still succeeds, so approvals retried by the user do not
// error.
func (s *Store) Complete(id string) (*Task, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE tasks SET done = 1, completed_at = ? WHERE id = ? AND done = 0
	`, now.Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, fmt.Errorf("complete task: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		// Either missing or already done; Get distinguishes.
		return s.Get(id)
	}
	return s.Get(id)
}
