package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"opsched/internal/sched"
)

// ErrStillRunning is returned when the previous task of a template has not finished.
var ErrStillRunning = errors.New("previous task of template is still live")

// Spawner keeps one cron entry per active template. Every tick creates a new task;
// recurrence is always a fresh task, never a re-enqueue of a finished one.
type Spawner struct {
	store    Store
	creator  Creator
	logger   *slog.Logger
	location *time.Location

	cron    *cron.Cron
	entryMu sync.RWMutex
	entries map[string]cron.EntryID

	liveMu sync.Mutex
	live   map[string]*sched.Task // template id -> last spawned task

	ctx context.Context
}

func NewSpawner(store Store, creator Creator, logger *slog.Logger, location *time.Location) *Spawner {
	if location == nil {
		location = time.Local
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
	)
	return &Spawner{
		store:    store,
		creator:  creator,
		logger:   logger,
		location: location,
		cron:     c,
		entries:  make(map[string]cron.EntryID),
		live:     make(map[string]*sched.Task),
	}
}

// Start begins firing entries. ctx is used for store updates made by ticks.
func (s *Spawner) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
}

// Stop halts the cron loop; the returned context is done once running ticks return.
func (s *Spawner) Stop() context.Context {
	return s.cron.Stop()
}

// Sync schedules every unpaused template and drops the rest.
func (s *Spawner) Sync(ctx context.Context) error {
	templates, err := s.store.ListTemplates(ctx)
	if err != nil {
		return fmt.Errorf("list templates: %w", err)
	}
	for _, tpl := range templates {
		if err := s.AddOrUpdate(ctx, tpl); err != nil {
			s.logger.Error("schedule template", "template_id", tpl.ID, "err", err)
		}
	}
	return nil
}

// AddOrUpdate replaces the cron entry of tpl.
func (s *Spawner) AddOrUpdate(ctx context.Context, tpl *Template) error {
	s.unschedule(tpl.ID)
	if tpl.Paused {
		return s.store.UpdateTemplateNextSpawn(ctx, tpl.ID, nil)
	}
	return s.schedule(ctx, tpl)
}

func (s *Spawner) Remove(templateID string) {
	s.unschedule(templateID)
	s.liveMu.Lock()
	delete(s.live, templateID)
	s.liveMu.Unlock()
}

// SpawnNow creates a task from tpl immediately.
func (s *Spawner) SpawnNow(ctx context.Context, tpl *Template) (*sched.Task, error) {
	if s.isLive(tpl.ID) {
		return nil, fmt.Errorf("%w: %s", ErrStillRunning, tpl.ID)
	}
	return s.spawn(ctx, tpl)
}

// Entries reports the next fire time of every scheduled template.
func (s *Spawner) Entries() map[string]time.Time {
	s.entryMu.RLock()
	defer s.entryMu.RUnlock()
	out := make(map[string]time.Time, len(s.entries))
	for id, entryID := range s.entries {
		out[id] = s.cron.Entry(entryID).Next
	}
	return out
}

func (s *Spawner) schedule(ctx context.Context, tpl *Template) error {
	schedule, err := ParseCron(tpl.Cron)
	if err != nil {
		return err
	}
	if next := NextOccurrences(schedule, time.Now().In(s.location), 1); len(next) == 1 {
		nextUTC := next[0].UTC()
		if err := s.store.UpdateTemplateNextSpawn(ctx, tpl.ID, &nextUTC); err != nil {
			s.logger.Warn("update next_spawn_at failed", "template_id", tpl.ID, "err", err)
		}
	}
	job := func() {
		entryID, ok := s.entryID(tpl.ID)
		if !ok {
			return
		}
		if next := s.cron.Entry(entryID).Next; !next.IsZero() {
			nextUTC := next.UTC()
			if err := s.store.UpdateTemplateNextSpawn(s.ctxOrBackground(), tpl.ID, &nextUTC); err != nil {
				s.logger.Error("update next_spawn_at", "template_id", tpl.ID, "err", err)
			}
		}
		s.handleTick(tpl.ID)
	}
	s.setEntryID(tpl.ID, s.cron.Schedule(schedule, cron.FuncJob(job)))
	return nil
}

func (s *Spawner) handleTick(templateID string) {
	ctx := s.ctxOrBackground()
	tpl, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		s.logger.Error("fetch template for tick", "template_id", templateID, "err", err)
		return
	}
	if tpl.Paused {
		return
	}
	if s.isLive(tpl.ID) {
		s.logger.Info("skipping tick because the previous task is still live", "template_id", tpl.ID)
		return
	}
	if _, err := s.spawn(ctx, tpl); err != nil {
		s.logger.Error("spawn task", "template_id", tpl.ID, "err", err)
	}
}

func (s *Spawner) spawn(ctx context.Context, tpl *Template) (*sched.Task, error) {
	task, err := s.creator.Create(tpl.Request())
	if err != nil {
		return nil, fmt.Errorf("create task from template %s: %w", tpl.ID, err)
	}
	s.liveMu.Lock()
	s.live[tpl.ID] = task
	s.liveMu.Unlock()
	if err := s.store.UpdateTemplateSpawnInfo(ctx, tpl.ID, time.Now().UTC(), task.ID()); err != nil {
		s.logger.Warn("update template spawn info", "template_id", tpl.ID, "err", err)
	}
	s.logger.Info("template spawned task", "template_id", tpl.ID, "task_id", task.ID())
	return task, nil
}

func (s *Spawner) isLive(templateID string) bool {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	task, ok := s.live[templateID]
	if !ok {
		return false
	}
	if task.Status().Terminal() {
		delete(s.live, templateID)
		return false
	}
	return true
}

func (s *Spawner) setEntryID(templateID string, entryID cron.EntryID) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	s.entries[templateID] = entryID
}

func (s *Spawner) entryID(templateID string) (cron.EntryID, bool) {
	s.entryMu.RLock()
	defer s.entryMu.RUnlock()
	id, ok := s.entries[templateID]
	return id, ok
}

func (s *Spawner) unschedule(templateID string) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	if entryID, ok := s.entries[templateID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, templateID)
	}
}

func (s *Spawner) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
