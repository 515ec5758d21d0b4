package sched

import (
	"context"
	"errors"
	"runtime/debug"
	"time"
)

// worker is one goroutine of the fixed pool. Its fields are guarded by the
// scheduler mutex.
type worker struct {
	id   int
	wake chan struct{}

	idle         bool
	task         *Task
	ep           *episode
	interrupting bool
}

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) runWorker(w *worker) {
	defer s.wg.Done()
	for {
		t, tok, ok := s.next(w)
		if !ok {
			return
		}
		err := s.invoke(t, tok)
		s.complete(w, t, tok, err)
	}
}

// next parks until a ready task heads the queue and a concurrency slot is free.
func (s *Scheduler) next(w *worker) (*Task, *Token, bool) {
	s.mu.Lock()
	for {
		if s.closed {
			w.idle = false
			s.mu.Unlock()
			return nil, nil, false
		}
		if head := s.queue.peek(); head != nil && ready(head) && s.activeTasks < s.settings.MaxConcurrentTasks {
			s.queue.pop()
			s.activeTasks++
			src := s.sources[head.id]
			ep := newEpisode(src)
			w.idle, w.task, w.ep, w.interrupting = false, head, ep, false

			head.mu.Lock()
			head.status = StatusRunning
			head.lastStartedRunning = time.Now()
			head.mu.Unlock()
			s.publishLocked(EventTaskStatus, head)
			s.logger.Debug("task dispatched", "task_id", head.id, "priority", head.settings.Priority, "worker", w.id)

			if follower := s.queue.peek(); follower != nil && ready(follower) {
				s.dispatchLocked(follower)
			}
			tok := newToken(head, s, src, ep)
			s.mu.Unlock()
			return head, tok, true
		}
		w.idle = true
		s.mu.Unlock()
		select {
		case <-w.wake:
		case <-s.done:
		}
		s.mu.Lock()
	}
}

func ready(t *Task) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.wantsToRun && t.status == StatusWaitingForActivation
}

func (s *Scheduler) invoke(t *Task, tok *Token) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return t.body(t.state, tok)
}

// complete routes the outcome of one Running episode:
//
//	nil                          -> RanToCompletion
//	fault or panic               -> Faulted
//	run signal, bound reached    -> Canceled
//	run signal, bound not reached-> requeued
//	pause signal                 -> Created, not requeued
//	preemption                   -> requeued
func (s *Scheduler) complete(w *worker, t *Task, tok *Token, err error) {
	tok.active.Store(false)
	src, ep := tok.src, tok.ep
	preempted := ep.preempted()
	ep.close()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeTasks--
	w.task, w.ep, w.interrupting = nil, nil, false

	now := time.Now()
	t.mu.Lock()
	t.totalRunDuration += now.Sub(t.lastStartedRunning)
	total := t.totalRunDuration
	stopped := t.stopRequested
	t.mu.Unlock()

	runFired, pauseFired := src.runFired(), src.pauseFired()
	signal := IsSignal(err) ||
		((errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && (runFired || pauseFired || preempted))

	switch {
	case err == nil:
		s.finalizeLocked(t, StatusRanToCompletion, false, nil)

	case !signal:
		s.finalizeLocked(t, StatusFaulted, false, err)

	case runFired:
		reachedDeadline := !now.Before(t.settings.Deadline)
		budgetUsed := total >= t.settings.MaxRunDuration
		if stopped || reachedDeadline || budgetUsed || s.closed {
			s.finalizeLocked(t, StatusCanceled, reachedDeadline && !stopped, nil)
			return
		}
		s.requeueLocked(t, "run timer fired before bound was reached")

	case pauseFired:
		t.mu.Lock()
		t.status = StatusCreated
		t.wantsToRun = false
		t.mu.Unlock()
		s.publishLocked(EventTaskStatus, t)
		s.logger.Debug("task paused", "task_id", t.id, "total_run", total)

	default:
		s.requeueLocked(t, "preempted")
	}
}

// requeueLocked files a task that yielded without finishing back into the queue
// with fresh tokens. The freed worker picks the new head itself, so no extra
// dispatch is triggered.
func (s *Scheduler) requeueLocked(t *Task, reason string) {
	t.mu.Lock()
	t.status = StatusCreated
	t.wantsToRun = true
	t.mu.Unlock()
	if err := s.enqueueLocked(t, false); err != nil {
		reachedDeadline := errors.Is(err, ErrDeadlinePassed)
		s.finalizeLocked(t, StatusCanceled, reachedDeadline, nil)
		return
	}
	s.logger.Debug("task requeued", "task_id", t.id, "reason", reason)
}
