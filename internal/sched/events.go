package sched

import (
	"time"

	"opsched/internal/eventbus"
)

// Event types published on the scheduler bus.
const (
	EventTaskStatus       = "task.status"
	EventTaskProgress     = "task.progress"
	EventResourceAcquired = "resource.acquired"
)

// TaskEvent is the payload of EventTaskStatus and EventTaskProgress.
type TaskEvent struct {
	TaskID           string        `json:"task_id"`
	Kind             Kind          `json:"kind,omitempty"`
	Status           Status        `json:"status"`
	Priority         int           `json:"priority"`
	WantsToRun       bool          `json:"wants_to_run"`
	MetDeadline      bool          `json:"met_deadline"`
	Progress         float64       `json:"progress"`
	TotalRunDuration time.Duration `json:"total_run_duration"`
	Error            string        `json:"error,omitempty"`
}

// ResourceEvent is the payload of EventResourceAcquired.
type ResourceEvent struct {
	URI    string        `json:"uri"`
	TaskID string        `json:"task_id"`
	Waited time.Duration `json:"waited"`
}

func taskEvent(t *Task) TaskEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ev := TaskEvent{
		TaskID:           t.id,
		Kind:             t.kind,
		Status:           t.status,
		Priority:         t.settings.Priority,
		WantsToRun:       t.wantsToRun,
		MetDeadline:      t.metDeadline,
		Progress:         t.progress,
		TotalRunDuration: t.totalRunDuration,
	}
	if t.err != nil {
		ev.Error = t.err.Error()
	}
	return ev
}

// publishLocked must run under s.mu so that events of one task are delivered in order.
func (s *Scheduler) publishLocked(eventType string, t *Task) {
	s.bus.Publish(eventbus.Event{Type: eventType, Time: time.Now(), Data: taskEvent(t)})
}

// Subscribe returns a buffered stream of scheduler events. Slow subscribers drop events.
func (s *Scheduler) Subscribe(buffer int) (<-chan eventbus.Event, func()) {
	return s.bus.Subscribe(buffer)
}

// SubscribeAll returns a stream that receives every scheduler event, for consumers
// such as persistence that cannot tolerate gaps. See eventbus.Bus.SubscribeAll.
func (s *Scheduler) SubscribeAll() (<-chan eventbus.Event, func()) {
	return s.bus.SubscribeAll()
}
