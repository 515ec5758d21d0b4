package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"opsched/internal/sched"
	"opsched/internal/trigger"
)

var ErrTemplateNotFound = errors.New("template not found")

const templateColumns = `id, name, kind, cron, priority, deadline_after, max_run_duration, max_cores, parallelize,
	resources, params, paused, last_spawned_at, next_spawn_at, last_task_id, created_at, updated_at`

func (s *Store) InsertTemplate(ctx context.Context, tpl *trigger.Template) error {
	now := time.Now().UTC()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	resources, err := json.Marshal(nonNil(tpl.Resources))
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO templates (`+templateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tpl.ID, tpl.Name, string(tpl.Kind), tpl.Cron, tpl.Priority, int64(tpl.DeadlineAfter), int64(tpl.MaxRunDuration),
		tpl.MaxCores, boolInt(tpl.Parallelize), string(resources), nullableParams(tpl.Params), boolInt(tpl.Paused),
		nullableTime(tpl.LastSpawnedAt), nullableTime(tpl.NextSpawnAt), nullableString(tpl.LastTaskID),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

func (s *Store) UpdateTemplate(ctx context.Context, tpl *trigger.Template) error {
	tpl.UpdatedAt = time.Now().UTC()
	resources, err := json.Marshal(nonNil(tpl.Resources))
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE templates
		SET name = ?, kind = ?, cron = ?, priority = ?, deadline_after = ?, max_run_duration = ?, max_cores = ?,
			parallelize = ?, resources = ?, params = ?, paused = ?, updated_at = ?
		WHERE id = ?
	`, tpl.Name, string(tpl.Kind), tpl.Cron, tpl.Priority, int64(tpl.DeadlineAfter), int64(tpl.MaxRunDuration),
		tpl.MaxCores, boolInt(tpl.Parallelize), string(resources), nullableParams(tpl.Params), boolInt(tpl.Paused),
		tpl.UpdatedAt.Format(time.RFC3339Nano), tpl.ID)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update template rows: %w", err)
	}
	if rows == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*trigger.Template, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = ?`, id)
	tpl, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, err
	}
	return tpl, nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]*trigger.Template, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()
	var out []*trigger.Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateTemplateSpawnInfo(ctx context.Context, id string, spawnedAt time.Time, taskID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE templates
		SET last_spawned_at = ?, last_task_id = ?, updated_at = ?
		WHERE id = ?
	`, spawnedAt.UTC().Format(time.RFC3339Nano), taskID, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update template spawn info: %w", err)
	}
	return nil
}

func (s *Store) UpdateTemplateNextSpawn(ctx context.Context, id string, next *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE templates
		SET next_spawn_at = ?, updated_at = ?
		WHERE id = ?
	`, nullableTime(next), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update next_spawn_at: %w", err)
	}
	return nil
}

func scanTemplate(scanner interface {
	Scan(dest ...any) error
}) (*trigger.Template, error) {
	var (
		tpl           trigger.Template
		kind          string
		deadlineAfter int64
		maxRun        int64
		parallelize   int
		resources     string
		params        sql.NullString
		paused        int
		lastSpawnedAt sql.NullString
		nextSpawnAt   sql.NullString
		lastTaskID    sql.NullString
		createdAt     string
		updatedAt     string
	)
	if err := scanner.Scan(&tpl.ID, &tpl.Name, &kind, &tpl.Cron, &tpl.Priority, &deadlineAfter, &maxRun, &tpl.MaxCores,
		&parallelize, &resources, &params, &paused, &lastSpawnedAt, &nextSpawnAt, &lastTaskID, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}
	tpl.Kind = sched.Kind(kind)
	tpl.DeadlineAfter = time.Duration(deadlineAfter)
	tpl.MaxRunDuration = time.Duration(maxRun)
	tpl.Parallelize = parallelize != 0
	tpl.Paused = paused != 0
	if err := json.Unmarshal([]byte(resources), &tpl.Resources); err != nil {
		return nil, fmt.Errorf("template %s resources: %w", tpl.ID, err)
	}
	if params.Valid {
		tpl.Params = json.RawMessage(params.String)
	}
	tpl.LastSpawnedAt = parseNullableTime(lastSpawnedAt)
	tpl.NextSpawnAt = parseNullableTime(nextSpawnAt)
	if lastTaskID.Valid {
		tpl.LastTaskID = &lastTaskID.String
	}
	tpl.CreatedAt = mustParseTime(createdAt)
	tpl.UpdatedAt = mustParseTime(updatedAt)
	return &tpl, nil
}

func nullableParams(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
