package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"opsched/internal/eventbus"
	"opsched/internal/sched"
)

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (r *recordingNotifier) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingNotifier) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

func TestBarkNotifier_Send(t *testing.T) {
	var (
		method string
		path   string
		q      url.Values
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path, q = r.Method, r.URL.Path, r.URL.Query()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := NewBarkNotifier(srv.URL + "/device-key/")
	if err != nil {
		t.Fatalf("NewBarkNotifier failed: %v", err)
	}
	if err := n.Send(context.Background(), "fft finished", "Task: abc"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if method != http.MethodPost || path != "/device-key" {
		t.Errorf("request = %s %s, want POST /device-key", method, path)
	}
	if q.Get("title") != "fft finished" || q.Get("body") != "Task: abc" || q.Get("group") != "opsched" {
		t.Errorf("query = %v", q)
	}
}

func TestBarkNotifier_Errors(t *testing.T) {
	if _, err := NewBarkNotifier(""); err == nil {
		t.Error("NewBarkNotifier(\"\") should fail")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	n, _ := NewBarkNotifier(srv.URL)
	if err := n.Send(context.Background(), "t", "b"); err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("Send = %v, want status 400 error", err)
	}
}

func TestMultiNotifier_JoinsErrors(t *testing.T) {
	errA := errors.New("a down")
	a := &recordingNotifier{err: errA}
	b := &recordingNotifier{}

	err := NewMultiNotifier(a, b).Send(context.Background(), "title", "body")

	if !errors.Is(err, errA) {
		t.Errorf("Send = %v, want %v", err, errA)
	}
	if len(b.sent()) != 1 {
		t.Errorf("second notifier got %d sends, want 1", len(b.sent()))
	}
}

func TestMessage(t *testing.T) {
	tests := []struct {
		name      string
		ev        sched.TaskEvent
		wantTitle string
		want      []string
		notWant   []string
	}{
		{
			name:      "faulted",
			ev:        sched.TaskEvent{TaskID: "t1", Kind: sched.KindFFT, Status: sched.StatusFaulted, Priority: 2, Progress: 50, Error: "open in.wav: no such file"},
			wantTitle: "fft faulted",
			want:      []string{"Task: t1", "Priority: 2", "Progress: 50%", "Error: open in.wav"},
			notWant:   []string{"Deadline:"},
		},
		{
			name:      "completed",
			ev:        sched.TaskEvent{TaskID: "t2", Kind: sched.KindCounter, Status: sched.StatusRanToCompletion, Progress: 100},
			wantTitle: "counter finished",
			want:      []string{"Progress: 100%", "Deadline: met"},
			notWant:   []string{"Error:"},
		},
		{
			name:      "deadline expired",
			ev:        sched.TaskEvent{TaskID: "t3", Status: sched.StatusCanceled, MetDeadline: true},
			wantTitle: "task canceled",
			want:      []string{"Deadline: expired"},
			notWant:   []string{"Deadline: met"},
		},
		{
			name:      "stopped",
			ev:        sched.TaskEvent{TaskID: "t4", Status: sched.StatusCanceled},
			wantTitle: "task canceled",
			notWant:   []string{"Deadline:"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, body := Message(tt.ev)
			if title != tt.wantTitle {
				t.Errorf("title = %q, want %q", title, tt.wantTitle)
			}
			for _, want := range tt.want {
				if !strings.Contains(body, want) {
					t.Errorf("body %q missing %q", body, want)
				}
			}
			for _, bad := range tt.notWant {
				if strings.Contains(body, bad) {
					t.Errorf("body %q contains %q", body, bad)
				}
			}
			if strings.HasSuffix(body, "\n") {
				t.Errorf("body %q ends with a newline", body)
			}
		})
	}
}

// TestWatcher_OnlyTerminal verifies that only terminal transitions are forwarded.
// Given: a watcher fed a mix of status and progress events
// When: the events are delivered
// Then: one notification per terminal status is sent
func TestWatcher_OnlyTerminal(t *testing.T) {
	// Arrange
	rec := &recordingNotifier{}
	w := NewWatcher(rec, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	events := make(chan eventbus.Event, 8)
	send := func(typ string, status sched.Status) {
		events <- eventbus.Event{Type: typ, Data: sched.TaskEvent{TaskID: "t", Kind: sched.KindCounter, Status: status}}
	}

	// Act
	send(sched.EventTaskStatus, sched.StatusWaitingForActivation)
	send(sched.EventTaskStatus, sched.StatusRunning)
	send(sched.EventTaskProgress, sched.StatusRunning)
	send(sched.EventTaskStatus, sched.StatusRanToCompletion)
	send(sched.EventTaskStatus, sched.StatusCanceled)
	close(events)
	w.Run(context.Background(), events)

	// Assert
	got := rec.sent()
	want := []string{"counter finished", "counter canceled"}
	if len(got) != len(want) {
		t.Fatalf("sent = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sent[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestWatcher_Throttles(t *testing.T) {
	rec := &recordingNotifier{}
	w := NewWatcher(rec, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	events := make(chan eventbus.Event, 2)
	events <- eventbus.Event{Type: sched.EventTaskStatus, Data: sched.TaskEvent{TaskID: "a", Status: sched.StatusFaulted}}
	events <- eventbus.Event{Type: sched.EventTaskStatus, Data: sched.TaskEvent{TaskID: "b", Status: sched.StatusFaulted}}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	w.Run(ctx, events)

	if n := len(rec.sent()); n != 1 {
		t.Errorf("sent %d notifications within the burst window, want 1", n)
	}
}
