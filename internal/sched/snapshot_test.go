package sched

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type tally struct {
	Count int `json:"count"`
}

func tallyBody(state any, tok *Token) error {
	st := state.(*tally)
	for st.Count < 1_000_000 {
		if err := tok.Sleep(time.Millisecond); err != nil {
			return err
		}
		st.Count++
	}
	return nil
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	err := reg.Register(KindCounter, KindSpec{
		Body:     tallyBody,
		NewState: func() any { return &tally{} },
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return reg
}

func TestRegistry_RejectsUnknownKind(t *testing.T) {
	reg := testRegistry(t)
	if err := reg.Register("sorter", KindSpec{Body: spin, NewState: func() any { return nil }}); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Register(sorter) = %v, want %v", err, ErrUnknownKind)
	}
	if _, err := reg.New(KindFFT, nil, testSettings(1), nil, nil); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("New(unregistered fft) = %v, want %v", err, ErrUnknownKind)
	}
	if _, err := reg.Deserialize([]byte(`{"kind":"sorter","id":"x"}`), nil); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Deserialize(sorter) = %v, want %v", err, ErrUnknownKind)
	}

	plain, _ := NewTask(spin, nil, testSettings(1), nil, nil)
	if _, err := plain.Serialize(); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Serialize(no kind) = %v, want %v", err, ErrUnknownKind)
	}
}

// TestSnapshot_PausedTaskResumes verifies that a paused task survives a restore.
// Given: a counter task paused after counting for a while
// When: it is serialized, restored on a fresh scheduler and continued
// Then: the restored copy keeps its id, state and accounting and counts further
func TestSnapshot_PausedTaskResumes(t *testing.T) {
	// Arrange
	reg := testRegistry(t)
	s := newTestScheduler(t, 1, 1)
	task, err := reg.New(KindCounter, nil, testSettings(3), []string{"file://out"}, s)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := s.PrepareTask(task); err != nil {
		t.Fatalf("PrepareTask failed: %v", err)
	}
	if err := task.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitStatus(t, task, StatusRunning)
	time.Sleep(30 * time.Millisecond)
	if err := task.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	waitStatus(t, task, StatusCreated)

	// Act
	blob, err := task.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	other := newTestScheduler(t, 1, 1)
	restored, err := reg.Deserialize(blob, other)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}

	// Assert
	if restored.ID() != task.ID() || restored.Kind() != KindCounter {
		t.Errorf("restored id/kind = %s/%s, want %s/counter", restored.ID(), restored.Kind(), task.ID())
	}
	saved := task.State().(*tally).Count
	if got := restored.State().(*tally).Count; got != saved {
		t.Errorf("restored count = %d, want %d", got, saved)
	}
	if restored.TotalRunDuration() != task.TotalRunDuration() {
		t.Errorf("restored run time = %v, want %v", restored.TotalRunDuration(), task.TotalRunDuration())
	}
	if got := restored.Resources(); len(got) != 1 || got[0] != "file://out" {
		t.Errorf("restored resources = %v, want [file://out]", got)
	}
	if restored.Status() != StatusCreated || restored.WantsToRun() {
		t.Errorf("restored = %s wants=%v, want created and not wanting to run", restored.Status(), restored.WantsToRun())
	}

	if _, err := other.PrepareTask(restored); err != nil {
		t.Fatalf("PrepareTask(restored) failed: %v", err)
	}
	if err := restored.Continue(); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	waitStatus(t, restored, StatusRunning)
	time.Sleep(30 * time.Millisecond)
	if err := restored.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	waitDone(t, restored, 5*time.Second)
	if got := restored.State().(*tally).Count; got <= saved {
		t.Errorf("count after resume = %d, want > %d", got, saved)
	}
}

func TestSnapshot_RunningComesBackReady(t *testing.T) {
	reg := testRegistry(t)
	snap := Snapshot{
		Kind:       KindCounter,
		ID:         "restored-1",
		Settings:   SnapshotSettings{Priority: 2, Deadline: time.Now().Add(time.Minute), MaxRunDuration: time.Minute, MaxCores: 1},
		Status:     StatusRunning,
		WantsToRun: true,
		State:      json.RawMessage(`{"count":7}`),
	}
	blob, _ := json.Marshal(snap)

	task, err := reg.Deserialize(blob, nil)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if task.Status() != StatusCreated || !task.WantsToRun() {
		t.Errorf("restored = %s wants=%v, want created and wanting to run", task.Status(), task.WantsToRun())
	}

	s := newTestScheduler(t, 1, 1)
	if _, err := s.PrepareTask(task); err != nil {
		t.Fatalf("PrepareTask failed: %v", err)
	}
	waitStatus(t, task, StatusRunning)
}

func TestSnapshot_TerminalStaysTerminal(t *testing.T) {
	reg := testRegistry(t)
	snap := Snapshot{
		Kind:     KindCounter,
		ID:       "done-1",
		Settings: SnapshotSettings{Priority: 1, Deadline: time.Now().Add(time.Minute), MaxRunDuration: time.Minute},
		Status:   StatusFaulted,
		Error:    "sensor unplugged",
	}
	blob, _ := json.Marshal(snap)

	task, err := reg.Deserialize(blob, nil)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	select {
	case <-task.Done():
	default:
		t.Error("Done not closed for a terminal snapshot")
	}
	if task.Err() == nil || task.Err().Error() != "sensor unplugged" {
		t.Errorf("err = %v, want sensor unplugged", task.Err())
	}
	s := newTestScheduler(t, 1, 1)
	if _, err := s.PrepareTask(task); !errors.Is(err, ErrNotEnqueueable) {
		t.Errorf("PrepareTask(faulted) = %v, want %v", err, ErrNotEnqueueable)
	}
}
