// Package inbox turns audio files dropped into a directory into fft tasks.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"opsched/internal/kinds"
	"opsched/internal/sched"
)

// DefaultSettle is how long a file must stay quiet before a task is created for it.
const DefaultSettle = 250 * time.Millisecond

// Creator builds and prepares a task from a request.
type Creator interface {
	Create(req kinds.Request) (*sched.Task, error)
}

// Watcher creates one fft task per .wav file written into a directory.
type Watcher struct {
	dir     string
	creator Creator
	base    kinds.Request
	settle  time.Duration
	logger  *slog.Logger
	fsw     *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New starts watching dir. base supplies priority, deadline and run budget for
// every created task; its Kind and Params are overwritten.
func New(dir string, creator Creator, base kinds.Request, settle time.Duration, logger *slog.Logger) (*Watcher, error) {
	if settle <= 0 {
		settle = DefaultSettle
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve inbox dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create inbox watcher: %w", err)
	}
	if err := fsw.Add(abs); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", abs, err)
	}
	return &Watcher{
		dir:     abs,
		creator: creator,
		base:    base,
		settle:  settle,
		logger:  logger,
		fsw:     fsw,
		pending: make(map[string]*time.Timer),
	}, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string { return w.dir }

// Run handles file events until ctx is done or the watcher breaks. It closes
// the underlying watcher on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.close()
	w.logger.Info("inbox watching", "dir", w.dir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("inbox watcher closed")
			}
			if !isAudio(ev.Name) || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.debounce(ev.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("inbox watcher closed")
			}
			w.logger.Warn("inbox watch error", "dir", w.dir, "err", err)
		}
	}
}

// debounce restarts the settle timer for path so partially written files are skipped.
func (w *Watcher) debounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.submit(path)
	})
}

func (w *Watcher) submit(path string) {
	params, err := json.Marshal(kinds.FFTParams{Inputs: []string{path}})
	if err != nil {
		w.logger.Error("encode fft params", "path", path, "err", err)
		return
	}
	req := w.base
	req.Kind = sched.KindFFT
	req.Params = params
	task, err := w.creator.Create(req)
	if err != nil {
		w.logger.Warn("inbox task rejected", "path", path, "err", err)
		return
	}
	w.logger.Info("inbox task created", "path", path, "task_id", task.ID())
}

func (w *Watcher) close() {
	w.mu.Lock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	_ = w.fsw.Close()
}

func isAudio(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".wav")
}
