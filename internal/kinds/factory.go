// Package kinds holds the task bodies the daemon knows how to build, persist and restore.
package kinds

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"opsched/internal/sched"
)

// ErrInvalidRequest marks a task request that cannot be turned into a task.
var ErrInvalidRequest = errors.New("invalid task request")

// NewRegistry returns a registry with every built-in kind.
func NewRegistry() *sched.Registry {
	reg := sched.NewRegistry()
	must(reg.Register(sched.KindCounter, sched.KindSpec{
		Body:     Counter,
		NewState: func() any { return &CounterState{} },
	}))
	must(reg.Register(sched.KindFFT, sched.KindSpec{
		Body:     FFT,
		NewState: func() any { return &FFTState{} },
	}))
	return reg
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// Defaults fill the fields a request leaves empty.
type Defaults struct {
	Priority       int
	DeadlineAfter  time.Duration
	MaxRunDuration time.Duration
	MaxCores       int
}

// Request describes a task to create. Durations use time.ParseDuration syntax.
type Request struct {
	Kind           sched.Kind      `json:"kind"`
	Priority       *int            `json:"priority,omitempty"`
	Deadline       *time.Time      `json:"deadline,omitempty"`
	DeadlineAfter  string          `json:"deadline_after,omitempty"`
	MaxRunDuration string          `json:"max_run_duration,omitempty"`
	MaxCores       int             `json:"max_cores,omitempty"`
	Parallelize    bool            `json:"parallelize,omitempty"`
	Resources      []string        `json:"resources,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Start          bool            `json:"start,omitempty"`
}

// Factory turns requests into prepared tasks on one scheduler.
type Factory struct {
	registry  *sched.Registry
	scheduler *sched.Scheduler
	defaults  Defaults
	logger    *slog.Logger
}

func NewFactory(registry *sched.Registry, scheduler *sched.Scheduler, defaults Defaults, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{registry: registry, scheduler: scheduler, defaults: defaults, logger: logger}
}

func (f *Factory) Registry() *sched.Registry   { return f.registry }
func (f *Factory) Scheduler() *sched.Scheduler { return f.scheduler }

// Create builds, prepares and optionally starts the task described by req.
func (f *Factory) Create(req Request) (*sched.Task, error) {
	settings, err := f.settings(req, time.Now())
	if err != nil {
		return nil, err
	}
	state, resources, err := buildState(req)
	if err != nil {
		return nil, err
	}
	task, err := f.registry.New(req.Kind, state, settings, append(resources, req.Resources...), f.scheduler)
	if err != nil {
		return nil, err
	}
	if _, err := f.scheduler.PrepareTask(task); err != nil {
		return nil, err
	}
	if req.Start {
		if err := task.Start(); err != nil {
			return task, err
		}
	}
	f.logger.Info("task created", "task_id", task.ID(), "kind", req.Kind, "priority", settings.Priority, "start", req.Start)
	return task, nil
}

// Restore rebuilds a serialized task and prepares it on the factory's scheduler.
func (f *Factory) Restore(blob []byte) (*sched.Task, error) {
	task, err := f.registry.Deserialize(blob, f.scheduler)
	if err != nil {
		return nil, err
	}
	if _, err := f.scheduler.PrepareTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// DeadlineAfter is the deadline offset a task gets when its request asks for d.
func (f *Factory) DeadlineAfter(d time.Duration) time.Duration {
	switch {
	case d > 0:
		return d
	case f.defaults.DeadlineAfter > 0:
		return f.defaults.DeadlineAfter
	default:
		return sched.DefaultDeadlineAfter
	}
}

func (f *Factory) settings(req Request, now time.Time) (*sched.TaskSettings, error) {
	ts := &sched.TaskSettings{
		Priority:       f.defaults.Priority,
		MaxRunDuration: f.defaults.MaxRunDuration,
		MaxCores:       f.defaults.MaxCores,
		Parallelize:    req.Parallelize,
	}
	if req.Priority != nil {
		ts.Priority = *req.Priority
	}
	if req.MaxCores < 0 {
		return nil, fmt.Errorf("%w: max_cores must not be negative", ErrInvalidRequest)
	}
	if req.MaxCores > 0 {
		ts.MaxCores = req.MaxCores
	}
	if req.MaxRunDuration != "" {
		d, err := time.ParseDuration(req.MaxRunDuration)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%w: max_run_duration %q", ErrInvalidRequest, req.MaxRunDuration)
		}
		ts.MaxRunDuration = d
	}
	switch {
	case req.Deadline != nil:
		ts.Deadline = *req.Deadline
	case req.DeadlineAfter != "":
		d, err := time.ParseDuration(req.DeadlineAfter)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%w: deadline_after %q", ErrInvalidRequest, req.DeadlineAfter)
		}
		ts.Deadline = now.Add(d)
	case f.defaults.DeadlineAfter > 0:
		ts.Deadline = now.Add(f.defaults.DeadlineAfter)
	}
	return ts, nil
}

func buildState(req Request) (any, []string, error) {
	switch req.Kind {
	case sched.KindCounter:
		var p CounterParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, nil, err
		}
		st, err := newCounterState(p)
		return st, nil, err
	case sched.KindFFT:
		var p FFTParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, nil, err
		}
		st, err := newFFTState(p)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Resources(), nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", sched.ErrUnknownKind, req.Kind)
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: params: %v", ErrInvalidRequest, err)
	}
	return nil
}
