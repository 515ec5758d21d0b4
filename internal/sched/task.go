package sched

import (
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Body is the work a task performs during one Running episode. It may be invoked
// many times over a task's life (after pause or preemption) and must resume from state.
type Body func(state any, tok *Token) error

// Task is a schedulable unit. Its status is only ever changed by the Scheduler.
type Task struct {
	id        string
	kind      Kind
	settings  TaskSettings
	resources []string
	body      Body
	state     any
	createdAt time.Time

	mu                 sync.RWMutex
	sched              *Scheduler
	status             Status
	wantsToRun         bool
	metDeadline        bool
	progress           float64
	lastStartedRunning time.Time
	totalRunDuration   time.Duration
	err                error
	stopRequested      bool
	done               chan struct{}
	doneOnce           sync.Once
}

// TaskOption customizes NewTask.
type TaskOption func(*Task)

// WithKind tags the task with a registered kind so it can be serialized.
func WithKind(kind Kind) TaskOption {
	return func(t *Task) { t.kind = kind }
}

// WithID overrides the generated identifier, used when restoring a snapshot.
func WithID(id string) TaskOption {
	return func(t *Task) {
		if id != "" {
			t.id = id
		}
	}
}

// NewTask builds a Created task. scheduler may be nil; PrepareTask attaches one.
func NewTask(body Body, state any, settings *TaskSettings, resources []string, scheduler *Scheduler, opts ...TaskOption) (*Task, error) {
	if settings == nil {
		return nil, ErrNilSettings
	}
	if body == nil {
		return nil, ErrNilBody
	}
	ts := *settings
	if ts.MaxCores < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCores, ts.MaxCores)
	}
	if ts.MaxCores == 0 {
		ts.MaxCores = runtime.NumCPU()
	}
	if ts.MaxRunDuration <= 0 {
		ts.MaxRunDuration = DefaultMaxRunDuration
	}
	if ts.Deadline.IsZero() {
		ts.Deadline = time.Now().Add(DefaultDeadlineAfter)
	}
	t := &Task{
		id:        uuid.NewString(),
		settings:  ts,
		resources: dedupe(resources),
		body:      body,
		state:     state,
		createdAt: time.Now().UTC(),
		sched:     scheduler,
		status:    StatusCreated,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func dedupe(uris []string) []string {
	out := make([]string, 0, len(uris))
	for _, u := range uris {
		if u != "" && !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	return out
}

func (t *Task) ID() string             { return t.id }
func (t *Task) Kind() Kind             { return t.kind }
func (t *Task) Settings() TaskSettings { return t.settings }
func (t *Task) State() any             { return t.state }
func (t *Task) CreatedAt() time.Time   { return t.createdAt }

// Resources returns the URIs the task is entitled to lock.
func (t *Task) Resources() []string { return slices.Clone(t.resources) }

// Owns reports whether uri is in the task's resource list.
func (t *Task) Owns(uri string) bool { return slices.Contains(t.resources, uri) }

func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Task) WantsToRun() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.wantsToRun
}

func (t *Task) MetDeadline() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.metDeadline
}

func (t *Task) Progress() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

// Err returns the failure captured when the task became Faulted.
func (t *Task) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// TotalRunDuration is the time spent Running across all episodes so far.
func (t *Task) TotalRunDuration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalRunDuration
}

// Info is a point-in-time copy of a task's observable fields.
type Info struct {
	ID                 string        `json:"id"`
	Kind               Kind          `json:"kind,omitempty"`
	Status             Status        `json:"status"`
	Priority           int           `json:"priority"`
	Deadline           time.Time     `json:"deadline"`
	MaxRunDuration     time.Duration `json:"max_run_duration"`
	MaxCores           int           `json:"max_cores"`
	Parallelize        bool          `json:"parallelize"`
	WantsToRun         bool          `json:"wants_to_run"`
	MetDeadline        bool          `json:"met_deadline"`
	Progress           float64       `json:"progress"`
	LastStartedRunning time.Time     `json:"last_started_running,omitempty"`
	TotalRunDuration   time.Duration `json:"total_run_duration"`
	Resources          []string      `json:"resources"`
	Error              string        `json:"error,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

func (t *Task) Info() Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info := Info{
		ID:                 t.id,
		Kind:               t.kind,
		Status:             t.status,
		Priority:           t.settings.Priority,
		Deadline:           t.settings.Deadline,
		MaxRunDuration:     t.settings.MaxRunDuration,
		MaxCores:           t.settings.MaxCores,
		Parallelize:        t.settings.Parallelize,
		WantsToRun:         t.wantsToRun,
		MetDeadline:        t.metDeadline,
		Progress:           t.progress,
		LastStartedRunning: t.lastStartedRunning,
		TotalRunDuration:   t.totalRunDuration,
		Resources:          slices.Clone(t.resources),
		CreatedAt:          t.createdAt,
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	return info
}

func (t *Task) String() string {
	return fmt.Sprintf("task %s (priority %d, %s)", t.id, t.settings.Priority, t.Status())
}

func (t *Task) scheduler() (*Scheduler, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.sched == nil {
		return nil, ErrNotPrepared
	}
	return t.sched, nil
}

// Start marks the task as wanting to run and files it into the ready queue.
// Legal only from Created.
func (t *Task) Start() error {
	s, err := t.scheduler()
	if err != nil {
		return err
	}
	return s.activate(t, "start")
}

// Continue resumes a paused task with its state intact. Legal only from Created.
func (t *Task) Continue() error {
	s, err := t.scheduler()
	if err != nil {
		return err
	}
	return s.activate(t, "continue")
}

// Pause asks a Running task to yield at its next checkpoint; it returns to Created.
func (t *Task) Pause() error {
	s, err := t.scheduler()
	if err != nil {
		return err
	}
	return s.pause(t)
}

// Stop cancels the task permanently. Legal from Running and WaitingForActivation.
func (t *Task) Stop() error {
	s, err := t.scheduler()
	if err != nil {
		return err
	}
	return s.UpdateTaskStatus(t, StatusCanceled)
}

// Done is closed once the task reaches a terminal status.
func (t *Task) Done() <-chan struct{} { return t.done }
