package inbox

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"opsched/internal/fft"
	"opsched/internal/kinds"
	"opsched/internal/sched"
)

type chanCreator struct {
	reqs chan kinds.Request
}

func (c *chanCreator) Create(req kinds.Request) (*sched.Task, error) {
	c.reqs <- req
	return sched.NewTask(func(any, *sched.Token) error { return nil }, nil, sched.DefaultTaskSettings(0), nil, nil)
}

func startWatcher(t *testing.T, base kinds.Request) (string, *chanCreator) {
	t.Helper()
	dir := t.TempDir()
	creator := &chanCreator{reqs: make(chan kinds.Request, 4)}
	w, err := New(dir, creator, base, 20*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w.Dir(), creator
}

func writeTone(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := fft.WriteWAV(f, 8000, fft.Sine(440, 8000, 2048, 0.5)); err != nil {
		t.Fatalf("WriteWAV failed: %v", err)
	}
}

// TestWatcher_CreatesFFTTask verifies that a dropped WAV file becomes one fft task.
// Given: a watcher on an empty directory with a priority-5 base request
// When: a WAV file and a text file are written into it
// Then: exactly one fft request naming the WAV file is created
func TestWatcher_CreatesFFTTask(t *testing.T) {
	// Arrange
	priority := 5
	dir, creator := startWatcher(t, kinds.Request{Priority: &priority, Start: true})
	wav := filepath.Join(dir, "tone.wav")

	// Act
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}
	writeTone(t, wav)

	// Assert
	var req kinds.Request
	select {
	case req = <-creator.reqs:
	case <-time.After(5 * time.Second):
		t.Fatal("no task created for tone.wav")
	}
	if req.Kind != sched.KindFFT || !req.Start || req.Priority == nil || *req.Priority != 5 {
		t.Errorf("request = %+v, want started fft with priority 5", req)
	}
	var params kinds.FFTParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if len(params.Inputs) != 1 || params.Inputs[0] != wav {
		t.Errorf("inputs = %v, want [%s]", params.Inputs, wav)
	}

	select {
	case extra := <-creator.reqs:
		t.Errorf("unexpected second request: %s", extra.Params)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNew_MissingDir(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")
	if _, err := New(missing, &chanCreator{}, kinds.Request{}, 0, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Error("New on a missing directory should fail")
	}
}

func TestIsAudio(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"a.wav", true},
		{"B.WAV", true},
		{"a_output.csv", false},
		{"wav", false},
	}
	for _, tt := range tests {
		if got := isAudio(tt.name); got != tt.want {
			t.Errorf("isAudio(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
