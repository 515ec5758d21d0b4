package sched

import (
	"context"
	"sync/atomic"
	"time"
)

// tokenSource holds the run and pause signals armed for one enqueue of a task.
// A fresh source replaces the previous one every time the task is (re-)enqueued.
type tokenSource struct {
	run         context.Context
	cancelRun   context.CancelCauseFunc
	pause       context.Context
	cancelPause context.CancelCauseFunc
	timer       *time.Timer
}

// armTokens fires the run signal after min(deadline-now, budget). The cause records
// which bound was binding so the worker can tell deadline expiry from budget exhaustion.
func armTokens(now, deadline time.Time, budget time.Duration) *tokenSource {
	run, cancelRun := context.WithCancelCause(context.Background())
	pause, cancelPause := context.WithCancelCause(context.Background())
	ts := &tokenSource{run: run, cancelRun: cancelRun, pause: pause, cancelPause: cancelPause}

	wait, cause := deadline.Sub(now), ErrDeadline
	if budget < wait {
		wait, cause = budget, ErrRunExpired
	}
	if wait <= 0 {
		cancelRun(cause)
		return ts
	}
	ts.timer = time.AfterFunc(wait, func() { cancelRun(cause) })
	return ts
}

func (ts *tokenSource) stop() {
	if ts.timer != nil {
		ts.timer.Stop()
	}
	ts.cancelRun(ErrStopped)
}

func (ts *tokenSource) requestPause() {
	ts.cancelPause(ErrPaused)
}

func (ts *tokenSource) runFired() bool   { return ts.run.Err() != nil }
func (ts *tokenSource) pauseFired() bool { return ts.pause.Err() != nil }

// release frees the timer and contexts once the source is no longer consulted.
func (ts *tokenSource) release() {
	if ts.timer != nil {
		ts.timer.Stop()
	}
	ts.cancelRun(context.Canceled)
	ts.cancelPause(context.Canceled)
}

// episode merges the run and pause signals with a preemption signal private to a
// single Running episode.
type episode struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	stops  [2]func() bool
}

func newEpisode(src *tokenSource) *episode {
	ctx, cancel := context.WithCancelCause(context.Background())
	ep := &episode{ctx: ctx, cancel: cancel}
	ep.stops[0] = context.AfterFunc(src.run, func() { cancel(context.Cause(src.run)) })
	ep.stops[1] = context.AfterFunc(src.pause, func() { cancel(context.Cause(src.pause)) })
	return ep
}

func (ep *episode) interrupt() {
	ep.cancel(ErrPreempted)
}

func (ep *episode) preempted() bool {
	return context.Cause(ep.ctx) == ErrPreempted
}

func (ep *episode) close() {
	for _, stop := range ep.stops {
		stop()
	}
	ep.cancel(context.Canceled)
}

// Token is handed to a task body for the duration of one Running episode.
// Bodies poll it at every safe checkpoint and return its error to yield.
type Token struct {
	task   *Task
	sched  *Scheduler
	src    *tokenSource
	ep     *episode
	active atomic.Bool
}

func newToken(t *Task, s *Scheduler, src *tokenSource, ep *episode) *Token {
	tok := &Token{task: t, sched: s, src: src, ep: ep}
	tok.active.Store(true)
	return tok
}

// Task returns the task this token was issued for.
func (tok *Token) Task() *Task { return tok.task }

// Context is canceled as soon as any signal fires; context.Cause reports which.
func (tok *Token) Context() context.Context { return tok.ep.ctx }

func (tok *Token) Done() <-chan struct{} { return tok.ep.ctx.Done() }

// Err returns nil while the body may keep running, otherwise one of ErrStopped,
// ErrDeadline, ErrRunExpired, ErrPaused or ErrPreempted. The run signal wins
// over pause, and pause over preemption.
func (tok *Token) Err() error {
	if c := context.Cause(tok.src.run); c != nil {
		return c
	}
	if c := context.Cause(tok.src.pause); c != nil {
		return c
	}
	if c := context.Cause(tok.ep.ctx); c != nil {
		return c
	}
	return nil
}

// RunCanceled reports whether stop, deadline or the run budget fired.
func (tok *Token) RunCanceled() bool { return tok.src.runFired() }

// PauseRequested reports whether Pause was called during this episode.
func (tok *Token) PauseRequested() bool { return tok.src.pauseFired() }

// Sleep blocks for d or until a signal fires, in which case it returns Err.
func (tok *Token) Sleep(d time.Duration) error {
	if err := tok.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return tok.Err()
	case <-tok.ep.ctx.Done():
		return tok.Err()
	}
}

// ReportProgress records progress in [0,100]; values below the committed progress are ignored.
func (tok *Token) ReportProgress(p float64) {
	if !tok.active.Load() {
		return
	}
	tok.sched.reportProgress(tok.task, p)
}

// LockResource runs action while holding uri exclusively.
func (tok *Token) LockResource(uri string, action func() error) error {
	return tok.sched.LockResourceAndAct(tok, uri, action)
}

// LockResources runs action while holding every uri exclusively.
func (tok *Token) LockResources(uris []string, action func() error) error {
	return tok.sched.LockResourcesAndAct(tok, uris, action)
}
