package sched

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Kind names a task body family that can be serialized and rebuilt.
type Kind string

const (
	KindCounter Kind = "counter"
	KindFFT     Kind = "fft"
)

// Kinds is the closed set of kinds the registry accepts.
var Kinds = []Kind{KindCounter, KindFFT}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// KindSpec tells the registry how to rebuild a task of one kind.
type KindSpec struct {
	Body Body
	// NewState returns a pointer that the opaque state blob is decoded into.
	NewState func() any
}

// Registry maps kinds to their constructors.
type Registry struct {
	mu    sync.RWMutex
	specs map[Kind]KindSpec
}

func NewRegistry() *Registry {
	return &Registry{specs: make(map[Kind]KindSpec)}
}

func (r *Registry) Register(kind Kind, spec KindSpec) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if spec.Body == nil || spec.NewState == nil {
		return fmt.Errorf("sched: kind %q needs a body and a state constructor", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[kind] = spec
	return nil
}

func (r *Registry) lookup(kind Kind) (KindSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[kind]
	if !ok {
		return KindSpec{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return spec, nil
}

// New builds a Created task of kind around state.
func (r *Registry) New(kind Kind, state any, settings *TaskSettings, resources []string, scheduler *Scheduler, opts ...TaskOption) (*Task, error) {
	spec, err := r.lookup(kind)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = spec.NewState()
	}
	opts = append([]TaskOption{WithKind(kind)}, opts...)
	return NewTask(spec.Body, state, settings, resources, scheduler, opts...)
}

// Snapshot is the serialized form of a task.
type Snapshot struct {
	Kind             Kind             `json:"kind"`
	ID               string           `json:"id"`
	Settings         SnapshotSettings `json:"settings"`
	Status           Status           `json:"status"`
	Progress         float64          `json:"progress"`
	WantsToRun       bool             `json:"wants_to_run"`
	MetDeadline      bool             `json:"met_deadline"`
	TotalRunDuration time.Duration    `json:"total_run_duration"`
	Resources        []string         `json:"resources"`
	Error            string           `json:"error,omitempty"`
	State            json.RawMessage  `json:"state,omitempty"`
}

type SnapshotSettings struct {
	Priority       int           `json:"priority"`
	Deadline       time.Time     `json:"deadline"`
	MaxRunDuration time.Duration `json:"max_run_duration"`
	MaxCores       int           `json:"max_cores"`
	Parallelize    bool          `json:"parallelize"`
}

// Serialize encodes the task. State must be safe to marshal while the body runs.
func (t *Task) Serialize() ([]byte, error) {
	if t.kind == "" {
		return nil, fmt.Errorf("%w: task %s has no kind", ErrUnknownKind, t.id)
	}
	state, err := json.Marshal(t.state)
	if err != nil {
		return nil, fmt.Errorf("marshal state of %s: %w", t.id, err)
	}
	t.mu.RLock()
	snap := Snapshot{
		Kind: t.kind,
		ID:   t.id,
		Settings: SnapshotSettings{
			Priority:       t.settings.Priority,
			Deadline:       t.settings.Deadline,
			MaxRunDuration: t.settings.MaxRunDuration,
			MaxCores:       t.settings.MaxCores,
			Parallelize:    t.settings.Parallelize,
		},
		Status:           t.status,
		Progress:         t.progress,
		WantsToRun:       t.wantsToRun,
		MetDeadline:      t.metDeadline,
		TotalRunDuration: t.totalRunDuration,
		Resources:        append([]string(nil), t.resources...),
		State:            state,
	}
	if t.err != nil {
		snap.Error = t.err.Error()
	}
	t.mu.RUnlock()
	return json.Marshal(snap)
}

// Deserialize rebuilds a task from Serialize output. Running and
// WaitingForActivation snapshots come back as Created with wantsToRun kept,
// so PrepareTask sends them straight back to the ready queue. Terminal
// snapshots keep their status and cannot be enqueued again.
func (r *Registry) Deserialize(blob []byte, scheduler *Scheduler) (*Task, error) {
	var snap Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	spec, err := r.lookup(snap.Kind)
	if err != nil {
		return nil, err
	}
	state := spec.NewState()
	if len(snap.State) > 0 && string(snap.State) != "null" {
		if err := json.Unmarshal(snap.State, state); err != nil {
			return nil, fmt.Errorf("decode %s state: %w", snap.Kind, err)
		}
	}
	settings := &TaskSettings{
		Priority:       snap.Settings.Priority,
		Deadline:       snap.Settings.Deadline,
		MaxRunDuration: snap.Settings.MaxRunDuration,
		MaxCores:       snap.Settings.MaxCores,
		Parallelize:    snap.Settings.Parallelize,
	}
	t, err := NewTask(spec.Body, state, settings, snap.Resources, scheduler, WithKind(snap.Kind), WithID(snap.ID))
	if err != nil {
		return nil, err
	}
	status := snap.Status
	if status == StatusRunning || status == StatusWaitingForActivation || status == StatusWaitingToRun {
		status = StatusCreated
	}
	t.status = status
	t.progress = snap.Progress
	t.wantsToRun = snap.WantsToRun && status == StatusCreated
	t.metDeadline = snap.MetDeadline
	t.totalRunDuration = snap.TotalRunDuration
	if snap.Error != "" {
		t.err = restoredError(snap.Error)
	}
	if status.Terminal() {
		t.doneOnce.Do(func() { close(t.done) })
	}
	return t, nil
}

type restoredError string

func (e restoredError) Error() string { return string(e) }
