package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"opsched/internal/eventbus"
	"opsched/internal/kinds"
	"opsched/internal/sched"
)

// Recorder persists scheduler events: every status change becomes a history row
// and refreshes the task snapshot; progress refreshes it at most once per interval.
type Recorder struct {
	store         *Store
	scheduler     *sched.Scheduler
	logger        *slog.Logger
	progressEvery time.Duration

	lastSaved map[string]time.Time
}

func NewRecorder(store *Store, scheduler *sched.Scheduler, logger *slog.Logger, progressEvery time.Duration) *Recorder {
	if progressEvery <= 0 {
		progressEvery = time.Second
	}
	return &Recorder{
		store:         store,
		scheduler:     scheduler,
		logger:        logger,
		progressEvery: progressEvery,
		lastSaved:     make(map[string]time.Time),
	}
}

// Run consumes events until ctx is done or the channel closes. Feed it from
// Scheduler.SubscribeAll, taken before any task starts, so no transition is missed.
func (r *Recorder) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Recorder) handle(ctx context.Context, ev eventbus.Event) {
	te, ok := ev.Data.(sched.TaskEvent)
	if !ok {
		return
	}
	switch ev.Type {
	case sched.EventTaskStatus:
		entry := &HistoryEntry{
			TaskID:      te.TaskID,
			Status:      te.Status,
			WantsToRun:  te.WantsToRun,
			Progress:    te.Progress,
			MetDeadline: te.MetDeadline,
			At:          ev.Time,
		}
		if te.Error != "" {
			entry.Error = &te.Error
		}
		if err := r.store.InsertHistory(ctx, entry); err != nil {
			r.logger.Error("record history", "task_id", te.TaskID, "err", err)
		}
		r.save(ctx, te.TaskID)
		if te.Status.Terminal() {
			delete(r.lastSaved, te.TaskID)
			if err := r.store.PruneHistory(ctx, te.TaskID); err != nil {
				r.logger.Warn("prune history", "task_id", te.TaskID, "err", err)
			}
		}
	case sched.EventTaskProgress:
		if time.Since(r.lastSaved[te.TaskID]) < r.progressEvery {
			return
		}
		r.save(ctx, te.TaskID)
	}
}

func (r *Recorder) save(ctx context.Context, taskID string) {
	task, ok := r.scheduler.Task(taskID)
	if !ok || task.Kind() == "" {
		return
	}
	if err := SaveTask(ctx, r.store, task); err != nil {
		r.logger.Error("save snapshot", "task_id", taskID, "err", err)
		return
	}
	r.lastSaved[taskID] = time.Now()
}

// SaveTask serializes task and stores the snapshot.
func SaveTask(ctx context.Context, store *Store, task *sched.Task) error {
	payload, err := task.Serialize()
	if err != nil {
		return err
	}
	info := task.Info()
	return store.UpsertSnapshot(ctx, &SnapshotRecord{
		TaskID:     info.ID,
		Kind:       info.Kind,
		Status:     info.Status,
		Progress:   info.Progress,
		WantsToRun: info.WantsToRun,
		Deadline:   info.Deadline,
		Payload:    payload,
	})
}

// Restore re-prepares every resumable snapshot. Snapshots whose deadline has
// passed are marked canceled instead.
func Restore(ctx context.Context, store *Store, factory *kinds.Factory, logger *slog.Logger) (int, error) {
	recs, err := store.ListSnapshots(ctx, true)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, rec := range recs {
		task, err := factory.Restore(rec.Payload)
		switch {
		case err == nil:
			restored++
			logger.Info("task restored", "task_id", task.ID(), "kind", rec.Kind, "status", task.Status())
		case errors.Is(err, sched.ErrDeadlinePassed):
			rec.Status = sched.StatusCanceled
			rec.WantsToRun = false
			if err := store.UpsertSnapshot(ctx, rec); err != nil {
				logger.Warn("mark expired snapshot", "task_id", rec.TaskID, "err", err)
			}
			logger.Info("snapshot expired before restore", "task_id", rec.TaskID, "deadline", rec.Deadline)
		default:
			logger.Error("restore snapshot", "task_id", rec.TaskID, "err", err)
		}
	}
	return restored, nil
}
