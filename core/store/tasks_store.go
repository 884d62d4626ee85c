package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// TaskRecord is one deferred unit of work. NotBefore implements the
// countdown backoff: a failed task is rescheduled, never re-run inline.
type TaskRecord struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	NotBefore   time.Time       `json:"not_before"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type TasksStore interface {
	EnqueueTask(ctx context.Context, task *TaskRecord) error
	// ClaimDueTasks atomically pushes NotBefore forward for the claimed
	// rows so parallel workers never pick up the same task.
	ClaimDueTasks(ctx context.Context, now time.Time, limit int, claimFor time.Duration) ([]TaskRecord, error)
	CompleteTask(ctx context.Context, id string) error
	RescheduleTask(ctx context.Context, id string, notBefore time.Time, attempts int, lastErr string) error
	CountPending(ctx context.Context) (int, error)
}

type tasksStore struct {
	db *sql.DB
}

func NewTasksStore(db *sql.DB) TasksStore {
	return &tasksStore{db: db}
}

func (s *tasksStore) EnqueueTask(ctx context.Context, task *TaskRecord) error {
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = 5
	}
	if task.NotBefore.IsZero() {
		task.NotBefore = time.Now().UTC()
	}
	task.CreatedAt = time.Now().UTC()
	payload := task.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks(id, kind, payload_json, not_before, attempts, max_attempts, last_error, created_at)
		VALUES(?,?,?,?,?,?,?,?)`,
		task.ID, task.Kind, string(payload), task.NotBefore.UTC(), task.Attempts, task.MaxAttempts, task.LastError, task.CreatedAt)
	return err
}

func (s *tasksStore) ClaimDueTasks(ctx context.Context, now time.Time, limit int, claimFor time.Duration) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT id, kind, payload_json, not_before, attempts, max_attempts, last_error, created_at
		FROM tasks WHERE not_before<=? ORDER BY not_before LIMIT ?`, now.UTC(), limit)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	var tasks []TaskRecord
	for rows.Next() {
		var t TaskRecord
		var payload string
		if err := rows.Scan(&t.ID, &t.Kind, &payload, &t.NotBefore, &t.Attempts, &t.MaxAttempts, &t.LastError, &t.CreatedAt); err != nil {
			rows.Close()
			tx.Rollback()
			return nil, err
		}
		t.Payload = json.RawMessage(payload)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		tx.Rollback()
		return nil, err
	}
	rows.Close()
	claimUntil := now.Add(claimFor).UTC()
	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET not_before=? WHERE id=?`, claimUntil, t.ID); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *tasksStore) CompleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	return err
}

func (s *tasksStore) RescheduleTask(ctx context.Context, id string, notBefore time.Time, attempts int, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET not_before=?, attempts=?, last_error=? WHERE id=?`,
		notBefore.UTC(), attempts, lastErr, id)
	return err
}

func (s *tasksStore) CountPending(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks`).Scan(&count)
	return count, err
}
