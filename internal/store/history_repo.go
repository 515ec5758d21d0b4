package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"opsched/internal/sched"
)

// HistoryEntry records one status change of a task.
type HistoryEntry struct {
	ID          int64        `json:"id"`
	TaskID      string       `json:"task_id"`
	Status      sched.Status `json:"status"`
	WantsToRun  bool         `json:"wants_to_run"`
	Progress    float64      `json:"progress"`
	MetDeadline bool         `json:"met_deadline"`
	Error       *string      `json:"error,omitempty"`
	At          time.Time    `json:"at"`
}

func (s *Store) InsertHistory(ctx context.Context, entry *HistoryEntry) error {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_history (task_id, status, wants_to_run, progress, met_deadline, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.TaskID, entry.Status.String(), boolInt(entry.WantsToRun), entry.Progress,
		boolInt(entry.MetDeadline), nullableString(entry.Error), entry.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// ListHistory returns up to limit entries of a task, oldest first.
func (s *Store) ListHistory(ctx context.Context, taskID string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, task_id, status, wants_to_run, progress, met_deadline, error, at
		FROM (
			SELECT * FROM task_history WHERE task_id = ? ORDER BY id DESC LIMIT ?
		)
		ORDER BY id ASC
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	var out []*HistoryEntry
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PruneHistory keeps the newest HistoryRetention rows of a task.
func (s *Store) PruneHistory(ctx context.Context, taskID string) error {
	if s.HistoryRetention <= 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM task_history
		WHERE task_id = ? AND id NOT IN (
			SELECT id FROM task_history WHERE task_id = ? ORDER BY id DESC LIMIT ?
		)
	`, taskID, taskID, s.HistoryRetention)
	if err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	return nil
}

func scanHistory(scanner interface {
	Scan(dest ...any) error
}) (*HistoryEntry, error) {
	var (
		entry    HistoryEntry
		status   string
		wants    int
		met      int
		errMsg   sql.NullString
		recorded string
	)
	if err := scanner.Scan(&entry.ID, &entry.TaskID, &status, &wants, &entry.Progress, &met, &errMsg, &recorded); err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	st, err := sched.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	entry.Status = st
	entry.WantsToRun = wants != 0
	entry.MetDeadline = met != 0
	if errMsg.Valid {
		entry.Error = &errMsg.String
	}
	entry.At = mustParseTime(recorded)
	return &entry, nil
}
