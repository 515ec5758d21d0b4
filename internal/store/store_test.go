package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"opsched/internal/kinds"
	"opsched/internal/sched"
	"opsched/internal/trigger"
)

func openTestStore(t *testing.T, retention int) *Store {
	t.Helper()
	st, err := Open(context.Background(), t.TempDir(), retention)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestFactory(t *testing.T) *kinds.Factory {
	t.Helper()
	s, err := sched.New(&sched.Settings{MaxCores: 2})
	if err != nil {
		t.Fatalf("sched.New failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return kinds.NewFactory(kinds.NewRegistry(), s, kinds.Defaults{Priority: 1, DeadlineAfter: time.Minute, MaxRunDuration: time.Minute}, discardLogger())
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		st, err := Open(context.Background(), dir, 0)
		if err != nil {
			t.Fatalf("Open #%d failed: %v", i+1, err)
		}
		var n int
		if err := st.DB.QueryRow(`SELECT COUNT(1) FROM schema_migrations`).Scan(&n); err != nil {
			t.Fatalf("count migrations: %v", err)
		}
		if n != 2 {
			t.Errorf("applied migrations = %d, want 2", n)
		}
		st.Close()
	}
}

func TestSnapshots_UpsertAndList(t *testing.T) {
	st := openTestStore(t, 0)
	ctx := context.Background()
	deadline := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)

	running := &SnapshotRecord{TaskID: "a", Kind: sched.KindCounter, Status: sched.StatusRunning, Deadline: deadline, Payload: []byte(`{}`)}
	done := &SnapshotRecord{TaskID: "b", Kind: sched.KindFFT, Status: sched.StatusRanToCompletion, Deadline: deadline, Payload: []byte(`{}`)}
	for _, rec := range []*SnapshotRecord{running, done} {
		if err := st.UpsertSnapshot(ctx, rec); err != nil {
			t.Fatalf("UpsertSnapshot failed: %v", err)
		}
	}
	running.Status, running.Progress = sched.StatusCreated, 40
	if err := st.UpsertSnapshot(ctx, running); err != nil {
		t.Fatalf("second UpsertSnapshot failed: %v", err)
	}

	got, err := st.GetSnapshot(ctx, "a")
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if got.Status != sched.StatusCreated || got.Progress != 40 || !got.Deadline.Equal(deadline) {
		t.Errorf("snapshot = %+v", got)
	}

	all, _ := st.ListSnapshots(ctx, false)
	resumable, _ := st.ListSnapshots(ctx, true)
	if len(all) != 2 || len(resumable) != 1 || resumable[0].TaskID != "a" {
		t.Errorf("all = %d, resumable = %d, want 2 and [a]", len(all), len(resumable))
	}

	if err := st.DeleteSnapshot(ctx, "b"); err != nil {
		t.Fatalf("DeleteSnapshot failed: %v", err)
	}
	if _, err := st.GetSnapshot(ctx, "b"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("GetSnapshot(deleted) = %v, want %v", err, ErrSnapshotNotFound)
	}
}

func TestHistory_ListAndPrune(t *testing.T) {
	st := openTestStore(t, 2)
	ctx := context.Background()
	for _, status := range []sched.Status{sched.StatusCreated, sched.StatusWaitingForActivation, sched.StatusRunning} {
		if err := st.InsertHistory(ctx, &HistoryEntry{TaskID: "t1", Status: status}); err != nil {
			t.Fatalf("InsertHistory failed: %v", err)
		}
	}

	all, err := st.ListHistory(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(all) != 3 || all[0].Status != sched.StatusCreated || all[2].Status != sched.StatusRunning {
		t.Fatalf("history = %+v, want created..running", all)
	}

	if err := st.PruneHistory(ctx, "t1"); err != nil {
		t.Fatalf("PruneHistory failed: %v", err)
	}
	kept, _ := st.ListHistory(ctx, "t1", 0)
	if len(kept) != 2 || kept[0].Status != sched.StatusWaitingForActivation {
		t.Errorf("kept = %+v, want the newest two", kept)
	}
}

func TestTemplates_CRUD(t *testing.T) {
	st := openTestStore(t, 0)
	ctx := context.Background()
	tpl := &trigger.Template{
		ID:             "tpl",
		Name:           "nightly fft",
		Kind:           sched.KindFFT,
		Cron:           "0 2 * * *",
		Priority:       3,
		DeadlineAfter:  time.Hour,
		MaxRunDuration: 10 * time.Minute,
		Resources:      []string{"file:///data/in.wav"},
		Params:         json.RawMessage(`{"inputs":["/data/in.wav"]}`),
	}

	if err := st.InsertTemplate(ctx, tpl); err != nil {
		t.Fatalf("InsertTemplate failed: %v", err)
	}
	tpl.Paused = true
	if err := st.UpdateTemplate(ctx, tpl); err != nil {
		t.Fatalf("UpdateTemplate failed: %v", err)
	}
	if err := st.UpdateTemplateSpawnInfo(ctx, "tpl", time.Now(), "task-9"); err != nil {
		t.Fatalf("UpdateTemplateSpawnInfo failed: %v", err)
	}

	got, err := st.GetTemplate(ctx, "tpl")
	if err != nil {
		t.Fatalf("GetTemplate failed: %v", err)
	}
	if !got.Paused || got.DeadlineAfter != time.Hour || got.Kind != sched.KindFFT || len(got.Resources) != 1 {
		t.Errorf("template = %+v", got)
	}
	if got.LastTaskID == nil || *got.LastTaskID != "task-9" {
		t.Errorf("last task = %v, want task-9", got.LastTaskID)
	}
	if string(got.Params) != `{"inputs":["/data/in.wav"]}` {
		t.Errorf("params = %s", got.Params)
	}

	if err := st.DeleteTemplate(ctx, "tpl"); err != nil {
		t.Fatalf("DeleteTemplate failed: %v", err)
	}
	if _, err := st.GetTemplate(ctx, "tpl"); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("GetTemplate(deleted) = %v, want %v", err, ErrTemplateNotFound)
	}
	if err := st.UpdateTemplate(ctx, tpl); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("UpdateTemplate(deleted) = %v, want %v", err, ErrTemplateNotFound)
	}
}

// TestRecorder_PersistsLifecycle verifies that scheduler events reach the store.
// Given: a recorder subscribed to the scheduler
// When: a counter task runs to completion
// Then: its history holds every transition and its snapshot is terminal
func TestRecorder_PersistsLifecycle(t *testing.T) {
	// Arrange
	st := openTestStore(t, 0)
	factory := newTestFactory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, unsubscribe := factory.Scheduler().SubscribeAll()
	defer unsubscribe()
	go NewRecorder(st, factory.Scheduler(), discardLogger(), 10*time.Millisecond).Run(ctx, events)

	// Act
	task, err := factory.Create(kinds.Request{Kind: sched.KindCounter, Params: json.RawMessage(`{"target":3,"step_ms":1}`), Start: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	<-task.Done()

	// Assert
	deadline := time.Now().Add(5 * time.Second)
	var rec *SnapshotRecord
	for time.Now().Before(deadline) {
		rec, err = st.GetSnapshot(ctx, task.ID())
		if err == nil && rec.Status == sched.StatusRanToCompletion {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rec == nil || rec.Status != sched.StatusRanToCompletion {
		t.Fatalf("snapshot = %+v (%v), want ran_to_completion", rec, err)
	}
	history, err := st.ListHistory(ctx, task.ID(), 0)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	want := []sched.Status{sched.StatusCreated, sched.StatusWaitingForActivation, sched.StatusRunning, sched.StatusRanToCompletion}
	if len(history) != len(want) {
		t.Fatalf("history = %d rows, want %d", len(history), len(want))
	}
	for i, entry := range history {
		if entry.Status != want[i] {
			t.Errorf("history[%d] = %s, want %s", i, entry.Status, want[i])
		}
	}
}

// TestRecorder_SlowConsumerKeepsTerminalSnapshot verifies that persistence sees
// every transition even when it falls far behind the scheduler.
// Given: a lossless subscription nobody reads while a counter reports many progress steps
// When: the recorder starts only after the task has finished and the stream is closed
// Then: it drains the backlog, returns, and the stored snapshot is terminal
func TestRecorder_SlowConsumerKeepsTerminalSnapshot(t *testing.T) {
	// Arrange
	st := openTestStore(t, 0)
	factory := newTestFactory(t)
	events, unsubscribe := factory.Scheduler().SubscribeAll()
	task, err := factory.Create(kinds.Request{Kind: sched.KindCounter, Params: json.RawMessage(`{"target":40,"step_ms":1}`), Start: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	<-task.Done()
	unsubscribe()

	// Act
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewRecorder(st, factory.Scheduler(), discardLogger(), time.Hour).Run(context.Background(), events)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("recorder did not return after the stream closed")
	}

	// Assert
	rec, err := st.GetSnapshot(context.Background(), task.ID())
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if rec.Status != sched.StatusRanToCompletion || rec.WantsToRun {
		t.Errorf("snapshot status = %s, wants_to_run = %v, want ran_to_completion and false", rec.Status, rec.WantsToRun)
	}
	history, _ := st.ListHistory(context.Background(), task.ID(), 0)
	if n := len(history); n == 0 || history[n-1].Status != sched.StatusRanToCompletion {
		t.Errorf("history = %+v, want it to end with ran_to_completion", history)
	}
}

func TestRestore_ResumesAndExpires(t *testing.T) {
	st := openTestStore(t, 0)
	ctx := context.Background()
	live := sched.Snapshot{
		Kind:       sched.KindCounter,
		ID:         "live",
		Settings:   sched.SnapshotSettings{Priority: 1, Deadline: time.Now().Add(time.Minute), MaxRunDuration: time.Minute, MaxCores: 1},
		Status:     sched.StatusRunning,
		WantsToRun: true,
		State:      json.RawMessage(`{"target":1000000,"step_ms":5,"count":3}`),
	}
	expired := live
	expired.ID = "expired"
	expired.Settings.Deadline = time.Now().Add(-time.Minute)
	for _, snap := range []sched.Snapshot{live, expired} {
		payload, _ := json.Marshal(snap)
		rec := &SnapshotRecord{TaskID: snap.ID, Kind: snap.Kind, Status: snap.Status, WantsToRun: true, Deadline: snap.Settings.Deadline, Payload: payload}
		if err := st.UpsertSnapshot(ctx, rec); err != nil {
			t.Fatalf("UpsertSnapshot failed: %v", err)
		}
	}
	factory := newTestFactory(t)

	n, err := Restore(ctx, st, factory, discardLogger())

	if err != nil || n != 1 {
		t.Fatalf("Restore = %d, %v; want 1, nil", n, err)
	}
	task, ok := factory.Scheduler().Task("live")
	if !ok {
		t.Fatal("live task not prepared")
	}
	if got := task.Status(); got != sched.StatusWaitingForActivation && got != sched.StatusRunning {
		t.Errorf("restored status = %s, want ready or running", got)
	}
	rec, _ := st.GetSnapshot(ctx, "expired")
	if rec.Status != sched.StatusCanceled {
		t.Errorf("expired snapshot status = %s, want canceled", rec.Status)
	}
}
