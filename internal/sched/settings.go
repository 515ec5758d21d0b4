package sched

import (
	"fmt"
	"runtime"
	"time"
)

const (
	DefaultMaxRunDuration = 3 * time.Second
	DefaultDeadlineAfter  = 5 * time.Second
)

// Settings configures a Scheduler.
type Settings struct {
	// MaxCores sizes the worker pool. Zero means runtime.NumCPU().
	MaxCores int
	// MaxConcurrentTasks bounds the number of Running tasks. Zero means MaxCores.
	MaxConcurrentTasks int
}

func (s Settings) resolve() (Settings, error) {
	if s.MaxCores < 0 {
		return s, fmt.Errorf("%w: %d", ErrInvalidCores, s.MaxCores)
	}
	if s.MaxConcurrentTasks < 0 {
		return s, fmt.Errorf("%w: %d", ErrInvalidConcurrency, s.MaxConcurrentTasks)
	}
	if s.MaxCores == 0 {
		s.MaxCores = runtime.NumCPU()
	}
	if s.MaxConcurrentTasks == 0 {
		s.MaxConcurrentTasks = s.MaxCores
	}
	return s, nil
}

// TaskSettings is fixed once a task is constructed.
type TaskSettings struct {
	Priority       int
	Deadline       time.Time
	MaxRunDuration time.Duration
	// MaxCores caps the parallelism a body may use. Zero means runtime.NumCPU().
	MaxCores    int
	Parallelize bool
}

// DefaultTaskSettings returns settings with a deadline five seconds out and a three second run budget.
func DefaultTaskSettings(priority int) *TaskSettings {
	return &TaskSettings{
		Priority:       priority,
		Deadline:       time.Now().Add(DefaultDeadlineAfter),
		MaxRunDuration: DefaultMaxRunDuration,
	}
}

// Cores returns the parallelism a body should use.
func (ts TaskSettings) Cores() int {
	if !ts.Parallelize {
		return 1
	}
	if ts.MaxCores <= 0 {
		return runtime.NumCPU()
	}
	return ts.MaxCores
}
