package sched

import (
	"context"
	"testing"
	"time"
)

func newTestScheduler(t *testing.T, cores, concurrent int) *Scheduler {
	t.Helper()
	s, err := New(&Settings{MaxCores: cores, MaxConcurrentTasks: concurrent})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Close(ctx); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return s
}

func testSettings(priority int) *TaskSettings {
	return &TaskSettings{
		Priority:       priority,
		Deadline:       time.Now().Add(20 * time.Second),
		MaxRunDuration: 20 * time.Second,
	}
}

// spin yields only when a signal fires.
func spin(_ any, tok *Token) error {
	for {
		if err := tok.Sleep(5 * time.Millisecond); err != nil {
			return err
		}
	}
}

func prepare(t *testing.T, s *Scheduler, settings *TaskSettings, body Body, resources ...string) *Task {
	t.Helper()
	task, err := NewTask(body, nil, settings, resources, s)
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}
	if _, err := s.PrepareTask(task); err != nil {
		t.Fatalf("PrepareTask failed: %v", err)
	}
	return task
}

func startTask(t *testing.T, s *Scheduler, settings *TaskSettings, body Body, resources ...string) *Task {
	t.Helper()
	task := prepare(t, s, settings, body, resources...)
	if err := task.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return task
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}

func waitStatus(t *testing.T, task *Task, want Status) {
	t.Helper()
	waitFor(t, 5*time.Second, task.ID()+" to be "+want.String(), func() bool {
		return task.Status() == want
	})
}

func waitDone(t *testing.T, task *Task, timeout time.Duration) Status {
	t.Helper()
	select {
	case <-task.Done():
		return task.Status()
	case <-time.After(timeout):
		t.Fatalf("task %s did not finish within %v (status %s)", task.ID(), timeout, task.Status())
		return task.Status()
	}
}
