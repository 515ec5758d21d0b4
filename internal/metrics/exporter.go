// Package metrics exports scheduler activity as Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"opsched/internal/eventbus"
	"opsched/internal/sched"
)

// StatsProvider returns a point-in-time view of scheduler occupancy.
type StatsProvider interface {
	Stats() sched.Stats
}

// Exporter turns scheduler events into counters and histograms and polls
// occupancy into gauges.
type Exporter struct {
	transitions     *prom.CounterVec
	runSeconds      *prom.HistogramVec
	lockWaitSeconds prom.Histogram
	queueDepth      prom.Gauge
	activeTasks     prom.Gauge
	busyWorkers     prom.Gauge
	knownTasks      prom.Gauge
}

// NewExporter creates and registers the collectors on reg, reusing collectors
// that are already registered.
func NewExporter(namespace string, reg prom.Registerer) (*Exporter, error) {
	if namespace == "" {
		namespace = "opsched"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	transitions := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_transitions_total",
		Help:      "Task status transitions by kind and target status.",
	}, []string{"kind", "status"})
	runSeconds := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_run_seconds",
		Help:      "Total run time of tasks that reached a terminal status.",
		Buckets:   prom.ExponentialBuckets(0.01, 4, 8),
	}, []string{"kind", "status"})
	lockWait := prom.NewHistogram(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "resource_wait_seconds",
		Help:      "Time tasks waited to acquire a resource.",
		Buckets:   prom.ExponentialBuckets(0.001, 4, 8),
	})
	queueDepth := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Tasks in the ready queue.",
	})
	activeTasks := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "active_tasks",
		Help:      "Tasks currently running.",
	})
	busyWorkers := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "busy_workers",
		Help:      "Workers currently holding a task.",
	})
	knownTasks := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "known_tasks",
		Help:      "Tasks prepared on the scheduler.",
	})

	var err error
	if transitions, err = registerCollector(reg, transitions); err != nil {
		return nil, err
	}
	if runSeconds, err = registerCollector(reg, runSeconds); err != nil {
		return nil, err
	}
	if lockWait, err = registerCollector(reg, lockWait); err != nil {
		return nil, err
	}
	if queueDepth, err = registerCollector(reg, queueDepth); err != nil {
		return nil, err
	}
	if activeTasks, err = registerCollector(reg, activeTasks); err != nil {
		return nil, err
	}
	if busyWorkers, err = registerCollector(reg, busyWorkers); err != nil {
		return nil, err
	}
	if knownTasks, err = registerCollector(reg, knownTasks); err != nil {
		return nil, err
	}

	return &Exporter{
		transitions:     transitions,
		runSeconds:      runSeconds,
		lockWaitSeconds: lockWait,
		queueDepth:      queueDepth,
		activeTasks:     activeTasks,
		busyWorkers:     busyWorkers,
		knownTasks:      knownTasks,
	}, nil
}

// Observe records one bus event.
func (e *Exporter) Observe(ev eventbus.Event) {
	if e == nil {
		return
	}
	switch data := ev.Data.(type) {
	case sched.TaskEvent:
		if ev.Type != sched.EventTaskStatus {
			return
		}
		kind := normalizeLabel(string(data.Kind), "none")
		e.transitions.WithLabelValues(kind, data.Status.String()).Inc()
		if data.Status.Terminal() {
			e.runSeconds.WithLabelValues(kind, data.Status.String()).Observe(data.TotalRunDuration.Seconds())
		}
	case sched.ResourceEvent:
		e.lockWaitSeconds.Observe(data.Waited.Seconds())
	}
}

// Poll copies the provider's occupancy into the gauges.
func (e *Exporter) Poll(p StatsProvider) {
	if e == nil || p == nil {
		return
	}
	st := p.Stats()
	e.queueDepth.Set(float64(st.Queued))
	e.activeTasks.Set(float64(st.ActiveTasks))
	e.busyWorkers.Set(float64(st.BusyWorkers))
	e.knownTasks.Set(float64(st.Known))
}

// Run observes events and polls p every interval until ctx is done.
func (e *Exporter) Run(ctx context.Context, events <-chan eventbus.Event, p StatsProvider, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	e.Poll(p)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.Observe(ev)
		case <-ticker.C:
			e.Poll(p)
		}
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prom.Gatherer) http.Handler {
	if g == nil {
		g = prom.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
