package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"opsched/internal/eventbus"
	"opsched/internal/sched"
)

const sendTimeout = 10 * time.Second

// Watcher forwards terminal task transitions to a Notifier. Sends are throttled;
// a burst of completions waits for the limiter instead of flooding the device.
type Watcher struct {
	notifier Notifier
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewWatcher allows perMinute notifications per minute with a burst of the same
// size. perMinute <= 0 disables throttling.
func NewWatcher(n Notifier, perMinute int, logger *slog.Logger) *Watcher {
	w := &Watcher{notifier: n, logger: logger}
	if perMinute > 0 {
		w.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return w
}

// Run consumes events until ctx is done or the channel closes.
func (w *Watcher) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != sched.EventTaskStatus {
				continue
			}
			te, ok := ev.Data.(sched.TaskEvent)
			if !ok || !te.Status.Terminal() {
				continue
			}
			if w.limiter != nil {
				if err := w.limiter.Wait(ctx); err != nil {
					return
				}
			}
			title, body := Message(te)
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			if err := w.notifier.Send(sendCtx, title, body); err != nil {
				w.logger.Warn("send notification", "task_id", te.TaskID, "err", err)
			}
			cancel()
		}
	}
}

// Message renders the title and body for a terminal task event.
func Message(te sched.TaskEvent) (string, string) {
	kind := string(te.Kind)
	if kind == "" {
		kind = "task"
	}
	var title string
	switch te.Status {
	case sched.StatusRanToCompletion:
		title = fmt.Sprintf("%s finished", kind)
	case sched.StatusFaulted:
		title = fmt.Sprintf("%s faulted", kind)
	default:
		title = fmt.Sprintf("%s canceled", kind)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", te.TaskID)
	fmt.Fprintf(&b, "Priority: %d\n", te.Priority)
	fmt.Fprintf(&b, "Progress: %.0f%%\n", te.Progress)
	fmt.Fprintf(&b, "Run time: %s\n", te.TotalRunDuration.Round(time.Millisecond))
	// MetDeadline is set when the deadline ran out and canceled the task.
	switch {
	case te.Status == sched.StatusRanToCompletion:
		b.WriteString("Deadline: met\n")
	case te.Status == sched.StatusCanceled && te.MetDeadline:
		b.WriteString("Deadline: expired\n")
	}
	if te.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", te.Error)
	}
	return title, strings.TrimSuffix(b.String(), "\n")
}
