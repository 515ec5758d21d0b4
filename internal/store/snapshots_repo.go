package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"opsched/internal/sched"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotRecord is the persisted form of one task. Payload is the output of Task.Serialize.
type SnapshotRecord struct {
	TaskID     string
	Kind       sched.Kind
	Status     sched.Status
	Progress   float64
	WantsToRun bool
	Deadline   time.Time
	Payload    []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UpsertSnapshot stores rec, replacing the previous snapshot of the task.
func (s *Store) UpsertSnapshot(ctx context.Context, rec *SnapshotRecord) error {
	now := time.Now().UTC()
	rec.UpdatedAt = now
	status, err := rec.Status.MarshalText()
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO task_snapshots (task_id, kind, status, progress, wants_to_run, deadline, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			kind = excluded.kind,
			status = excluded.status,
			progress = excluded.progress,
			wants_to_run = excluded.wants_to_run,
			deadline = excluded.deadline,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, rec.TaskID, string(rec.Kind), string(status), rec.Progress, boolInt(rec.WantsToRun),
		rec.Deadline.UTC().Format(time.RFC3339Nano), rec.Payload,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, taskID string) (*SnapshotRecord, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT task_id, kind, status, progress, wants_to_run, deadline, payload, created_at, updated_at
		FROM task_snapshots WHERE task_id = ?
	`, taskID)
	rec, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return rec, nil
}

// ListSnapshots returns snapshots, newest first. With resumable set only tasks
// that are not terminal are returned.
func (s *Store) ListSnapshots(ctx context.Context, resumable bool) ([]*SnapshotRecord, error) {
	query := `
		SELECT task_id, kind, status, progress, wants_to_run, deadline, payload, created_at, updated_at
		FROM task_snapshots`
	if resumable {
		query += ` WHERE status NOT IN ('ran_to_completion', 'faulted', 'canceled')`
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()
	var out []*SnapshotRecord
	for rows.Next() {
		rec, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, taskID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM task_snapshots WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSnapshotNotFound
	}
	return nil
}

func scanSnapshot(scanner interface {
	Scan(dest ...any) error
}) (*SnapshotRecord, error) {
	var (
		taskID    string
		kind      string
		status    string
		progress  float64
		wants     int
		deadline  string
		payload   []byte
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&taskID, &kind, &status, &progress, &wants, &deadline, &payload, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	st, err := sched.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", taskID, err)
	}
	return &SnapshotRecord{
		TaskID:     taskID,
		Kind:       sched.Kind(kind),
		Status:     st,
		Progress:   progress,
		WantsToRun: wants != 0,
		Deadline:   mustParseTime(deadline),
		Payload:    payload,
		CreatedAt:  mustParseTime(createdAt),
		UpdatedAt:  mustParseTime(updatedAt),
	}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func parseNullableTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, value.String); err == nil {
		return &t
	}
	return nil
}

func mustParseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		panic(fmt.Sprintf("invalid stored time %q: %v", value, err))
	}
	return t
}
