// Package trigger spawns fresh tasks from stored templates on a cron schedule.
package trigger

import (
	"context"
	"encoding/json"
	"time"

	"opsched/internal/kinds"
	"opsched/internal/sched"
)

// Template is a recipe for the tasks a cron entry produces.
type Template struct {
	ID             string
	Name           string
	Kind           sched.Kind
	Cron           string
	Priority       int
	DeadlineAfter  time.Duration
	MaxRunDuration time.Duration
	MaxCores       int
	Parallelize    bool
	Resources      []string
	Params         json.RawMessage
	Paused         bool
	LastSpawnedAt  *time.Time
	NextSpawnAt    *time.Time
	LastTaskID     *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Request turns the template into a started task request.
func (t *Template) Request() kinds.Request {
	prio := t.Priority
	req := kinds.Request{
		Kind:        t.Kind,
		Priority:    &prio,
		MaxCores:    t.MaxCores,
		Parallelize: t.Parallelize,
		Resources:   append([]string(nil), t.Resources...),
		Params:      t.Params,
		Start:       true,
	}
	if t.DeadlineAfter > 0 {
		req.DeadlineAfter = t.DeadlineAfter.String()
	}
	if t.MaxRunDuration > 0 {
		req.MaxRunDuration = t.MaxRunDuration.String()
	}
	return req
}

// Store is the persistence the spawner needs.
type Store interface {
	GetTemplate(ctx context.Context, id string) (*Template, error)
	ListTemplates(ctx context.Context) ([]*Template, error)
	UpdateTemplateSpawnInfo(ctx context.Context, id string, spawnedAt time.Time, taskID string) error
	UpdateTemplateNextSpawn(ctx context.Context, id string, next *time.Time) error
}

// Creator builds prepared tasks from requests.
type Creator interface {
	Create(req kinds.Request) (*sched.Task, error)
}
