package sched

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"opsched/internal/eventbus"
)

// Scheduler runs tasks on a fixed pool of workers with fixed-priority preemption.
// It owns the canonical Task records; resources and workers refer to tasks by id.
type Scheduler struct {
	settings Settings
	logger   *slog.Logger
	bus      eventbus.Bus

	mu          sync.Mutex
	tasks       map[string]*Task
	queue       *readyQueue
	sources     map[string]*tokenSource
	workers     []*worker
	activeTasks int
	seq         uint64
	closed      bool
	done        chan struct{}
	wg          sync.WaitGroup

	resources *resourceTable
}

// Option customizes New.
type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBus publishes scheduler events on bus instead of a private one.
func WithBus(bus eventbus.Bus) Option {
	return func(s *Scheduler) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// New starts a scheduler with settings.MaxCores workers.
func New(settings *Settings, opts ...Option) (*Scheduler, error) {
	if settings == nil {
		return nil, ErrNilSettings
	}
	resolved, err := settings.resolve()
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		settings:  resolved,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		bus:       eventbus.New(),
		tasks:     make(map[string]*Task),
		queue:     newReadyQueue(),
		sources:   make(map[string]*tokenSource),
		done:      make(chan struct{}),
		resources: newResourceTable(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resources.onAcquire = func(uri, taskID string, waited time.Duration) {
		s.bus.Publish(eventbus.Event{
			Type: EventResourceAcquired,
			Time: time.Now(),
			Data: ResourceEvent{URI: uri, TaskID: taskID, Waited: waited},
		})
	}

	s.workers = make([]*worker, resolved.MaxCores)
	for i := range s.workers {
		w := &worker{id: i, wake: make(chan struct{}, 1)}
		s.workers[i] = w
		s.wg.Add(1)
		go s.runWorker(w)
	}
	s.logger.Info("scheduler started", "workers", resolved.MaxCores, "max_concurrent_tasks", resolved.MaxConcurrentTasks)
	return s, nil
}

// Settings returns the resolved scheduler settings.
func (s *Scheduler) Settings() Settings { return s.settings }

// PrepareTask attaches t, registers its resources and enqueues it. A task that
// cannot be enqueued is not kept.
func (s *Scheduler) PrepareTask(t *Task) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, known := s.tasks[t.id]
	if err := s.adoptLocked(t); err != nil {
		return nil, err
	}
	if err := s.enqueueLocked(t, true); err != nil {
		if !known {
			s.forgetLocked(t)
		}
		return nil, err
	}
	return t, nil
}

func (s *Scheduler) forgetLocked(t *Task) {
	delete(s.tasks, t.id)
	t.mu.Lock()
	t.sched = nil
	t.mu.Unlock()
}

// Enqueue files a Created task whose deadline is still ahead. A task that already
// wants to run becomes WaitingForActivation immediately.
func (s *Scheduler) Enqueue(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, known := s.tasks[t.id]
	if err := s.adoptLocked(t); err != nil {
		return err
	}
	if err := s.enqueueLocked(t, true); err != nil {
		if !known {
			s.forgetLocked(t)
		}
		return err
	}
	return nil
}

// Dequeue removes the head of the ready queue. A removed task that has not run
// to completion is canceled. It returns nil when the queue is empty.
func (s *Scheduler) Dequeue() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.queue.pop()
	if t == nil {
		return nil
	}
	if t.Status() != StatusRanToCompletion {
		if src := s.sources[t.id]; src != nil {
			src.stop()
		}
		s.finalizeLocked(t, StatusCanceled, false, nil)
	}
	return t
}

// GetScheduledTasks returns the queued tasks in dispatch order.
func (s *Scheduler) GetScheduledTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.tasks()
}

// Task looks up a task known to the scheduler.
func (s *Scheduler) Task(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Tasks returns every known task, oldest first.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].id < out[j].id
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// Resources lists registered resources with their holder and waiter count.
func (s *Scheduler) Resources() []ResourceInfo {
	return s.resources.snapshot()
}

// Stats is a point-in-time view of scheduler occupancy.
type Stats struct {
	Workers            int `json:"workers"`
	BusyWorkers        int `json:"busy_workers"`
	ActiveTasks        int `json:"active_tasks"`
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
	Queued             int `json:"queued"`
	Known              int `json:"known"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Workers:            len(s.workers),
		ActiveTasks:        s.activeTasks,
		MaxConcurrentTasks: s.settings.MaxConcurrentTasks,
		Queued:             s.queue.len(),
		Known:              len(s.tasks),
	}
	for _, w := range s.workers {
		if w.task != nil {
			st.BusyWorkers++
		}
	}
	return st
}

// UpdateTaskStatus drives the transitions that originate outside the worker loop:
// Created -> WaitingForActivation (promotion, may preempt a lower-priority task),
// WaitingForActivation -> Created (demotion of a queued task), and
// Running|WaitingForActivation -> Canceled (stop).
func (s *Scheduler) UpdateTaskStatus(t *Task, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.id]; !ok {
		return ErrNotPrepared
	}
	return s.updateLocked(t, status)
}

func (s *Scheduler) updateLocked(t *Task, status Status) error {
	current := t.Status()
	switch status {
	case StatusWaitingForActivation:
		if current != StatusCreated {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
		}
		t.mu.Lock()
		t.wantsToRun = true
		t.mu.Unlock()
		s.queue.remove(t.id)
		if err := s.enqueueLocked(t, true); err != nil {
			t.mu.Lock()
			t.wantsToRun = false
			t.mu.Unlock()
			return err
		}
		return nil

	case StatusCreated:
		if current != StatusWaitingForActivation {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
		}
		t.mu.Lock()
		t.wantsToRun = false
		t.status = StatusCreated
		t.mu.Unlock()
		s.queue.rekey(t)
		s.publishLocked(EventTaskStatus, t)
		return nil

	case StatusCanceled:
		switch current {
		case StatusRunning:
			t.mu.Lock()
			t.stopRequested = true
			t.mu.Unlock()
			if src := s.sources[t.id]; src != nil {
				src.stop()
			}
			s.logger.Debug("stop requested", "task_id", t.id)
			return nil
		case StatusWaitingForActivation:
			s.queue.remove(t.id)
			if src := s.sources[t.id]; src != nil {
				src.stop()
			}
			t.mu.Lock()
			t.stopRequested = true
			t.mu.Unlock()
			s.finalizeLocked(t, StatusCanceled, false, nil)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

// activate implements Start and Continue.
func (s *Scheduler) activate(t *Task, verb string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if st := t.Status(); st != StatusCreated {
		return fmt.Errorf("%w: cannot %s a task in status %s", ErrInvalidTransition, verb, st)
	}
	if err := s.adoptLocked(t); err != nil {
		return err
	}
	s.logger.Debug("task activated", "task_id", t.id, "op", verb)
	return s.updateLocked(t, StatusWaitingForActivation)
}

func (s *Scheduler) pause(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := t.Status(); st != StatusRunning {
		return fmt.Errorf("%w: cannot pause a task in status %s", ErrInvalidTransition, st)
	}
	if src := s.sources[t.id]; src != nil {
		src.requestPause()
	}
	s.logger.Debug("pause requested", "task_id", t.id)
	return nil
}

// adoptLocked makes s the owner of t and registers its resources.
func (s *Scheduler) adoptLocked(t *Task) error {
	if s.closed {
		return ErrClosed
	}
	if known, ok := s.tasks[t.id]; ok {
		if known != t {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.id)
		}
		return nil
	}
	t.mu.Lock()
	if t.sched != nil && t.sched != s {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s belongs to another scheduler", ErrDuplicateTask, t.id)
	}
	t.sched = s
	t.mu.Unlock()
	s.tasks[t.id] = t
	s.resources.register(t.resources)
	return nil
}

// enqueueLocked arms a fresh token pair and files t. When notify is set and the
// task wants to run, an idle worker is woken or a lower-priority task preempted.
func (s *Scheduler) enqueueLocked(t *Task, notify bool) error {
	if s.closed {
		return ErrClosed
	}
	now := time.Now()
	t.mu.Lock()
	if t.status != StatusCreated {
		st := t.status
		t.mu.Unlock()
		return fmt.Errorf("%w: task %s is %s", ErrNotEnqueueable, t.id, st)
	}
	if !t.settings.Deadline.After(now) {
		t.mu.Unlock()
		return fmt.Errorf("%w: task %s deadline %s", ErrDeadlinePassed, t.id, t.settings.Deadline.Format(time.RFC3339Nano))
	}
	budget := t.settings.MaxRunDuration - t.totalRunDuration
	wants := t.wantsToRun
	if wants {
		t.status = StatusWaitingForActivation
	}
	t.mu.Unlock()

	if old := s.sources[t.id]; old != nil {
		old.release()
	}
	s.sources[t.id] = armTokens(now, t.settings.Deadline, budget)
	s.seq++
	s.queue.push(t, s.seq)
	s.publishLocked(EventTaskStatus, t)

	if wants && notify {
		s.dispatchLocked(t)
	}
	return nil
}

// dispatchLocked gets a newly ready task running: an idle worker is woken when a
// slot is free, otherwise the lowest-ranked strictly lower-priority running task
// is interrupted.
func (s *Scheduler) dispatchLocked(t *Task) {
	if s.activeTasks < s.settings.MaxConcurrentTasks {
		free := false
		for _, w := range s.workers {
			if w.idle {
				w.idle = false
				w.signal()
				return
			}
			free = free || w.task == nil
		}
		// A worker between two tasks checks the queue before parking.
		if free {
			return
		}
	}

	var victim *worker
	for _, w := range s.workers {
		if w.task == nil || w.ep == nil || w.interrupting {
			continue
		}
		if w.task.settings.Priority >= t.settings.Priority {
			continue
		}
		if victim == nil || Compare(w.task, victim.task) > 0 {
			victim = w
		}
	}
	if victim == nil {
		return
	}
	victim.interrupting = true
	victim.ep.interrupt()
	s.logger.Debug("preempting task", "victim", victim.task.id, "victim_priority", victim.task.settings.Priority,
		"for", t.id, "priority", t.settings.Priority, "worker", victim.id)
}

// finalizeLocked moves t to a terminal or paused status and publishes it.
func (s *Scheduler) finalizeLocked(t *Task, status Status, metDeadline bool, cause error) {
	t.mu.Lock()
	t.status = status
	t.wantsToRun = false
	if status == StatusCanceled {
		t.metDeadline = metDeadline
	}
	if status == StatusFaulted {
		t.err = cause
	}
	if status == StatusRanToCompletion && t.progress < 100 {
		t.progress = 100
	}
	t.mu.Unlock()

	if status.Terminal() {
		if src := s.sources[t.id]; src != nil {
			src.release()
			delete(s.sources, t.id)
		}
	}
	// Done closes after the event is on the bus.
	s.publishLocked(EventTaskStatus, t)
	if status.Terminal() {
		t.doneOnce.Do(func() { close(t.done) })
	}

	switch status {
	case StatusFaulted:
		s.logger.Warn("task faulted", "task_id", t.id, "kind", t.kind, "err", cause)
	case StatusCanceled:
		s.logger.Info("task canceled", "task_id", t.id, "kind", t.kind, "met_deadline", metDeadline)
	case StatusRanToCompletion:
		s.logger.Info("task completed", "task_id", t.id, "kind", t.kind)
	}
}

func (s *Scheduler) reportProgress(t *Task, p float64) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t.mu.Lock()
	if p <= t.progress {
		t.mu.Unlock()
		return
	}
	t.progress = p
	t.mu.Unlock()
	s.publishLocked(EventTaskProgress, t)
}

// LockResourceAndAct runs action while the calling task exclusively holds uri.
// It may only be called from the body of the task tok was issued to.
func (s *Scheduler) LockResourceAndAct(tok *Token, uri string, action func() error) error {
	return s.LockResourcesAndAct(tok, []string{uri}, action)
}

// LockResourcesAndAct runs action once the calling task holds every uri. The set
// is taken all at once; a partial set is never held while waiting.
func (s *Scheduler) LockResourcesAndAct(tok *Token, uris []string, action func() error) error {
	if tok == nil || tok.sched != s || !tok.active.Load() {
		return ErrNotRunning
	}
	if len(uris) == 0 {
		return ErrNoResources
	}
	t := tok.task
	uris = dedupe(uris)
	if len(uris) == 0 {
		return ErrNoResources
	}
	for _, uri := range uris {
		if !t.Owns(uri) {
			return fmt.Errorf("%w: %q by %s", ErrResourceNotOwned, uri, t.id)
		}
	}
	err := s.resources.acquire(tok.Context(), t.id, t.settings.Priority, uris, action)
	if err != nil && tok.Context().Err() != nil && IsSignal(err) {
		return tok.Err()
	}
	return err
}

// Close stops dispatch, cancels queued and running tasks and waits for the
// workers to exit or ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	for _, t := range s.queue.tasks() {
		s.queue.remove(t.id)
		if t.Status() == StatusWaitingForActivation {
			if src := s.sources[t.id]; src != nil {
				src.stop()
			}
			s.finalizeLocked(t, StatusCanceled, false, nil)
		}
	}
	for _, w := range s.workers {
		if w.task == nil {
			continue
		}
		w.task.mu.Lock()
		w.task.stopRequested = true
		w.task.mu.Unlock()
		if src := s.sources[w.task.id]; src != nil {
			src.stop()
		}
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		s.logger.Info("scheduler closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
