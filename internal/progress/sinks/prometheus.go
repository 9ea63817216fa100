package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linksentry/linksentry/internal/progress"
)

// PrometheusSink exports verification progress metrics. It owns the
// collectors for task lifecycle counters and per-link check observations.
type PrometheusSink struct {
	tasksStarted   prometheus.Counter
	tasksCompleted *prometheus.CounterVec
	tasksRunning   prometheus.Gauge
	taskRuntime    *prometheus.HistogramVec

	linksChecked *prometheus.CounterVec
	linkDuration prometheus.Histogram

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linksentry_tasks_started_total",
			Help: "Total verification tasks that have started.",
		}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linksentry_tasks_completed_total",
			Help: "Total verification tasks finished partitioned by outcome.",
		}, []string{"outcome"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linksentry_tasks_running",
			Help: "Current number of running verification tasks.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "linksentry_task_runtime_seconds",
			Help:    "Wall time per finished task partitioned by outcome.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"outcome"}),
		linksChecked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linksentry_links_checked_total",
			Help: "Link checks counted against tasks partitioned by verdict.",
		}, []string{"verdict"}),
		linkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linksentry_link_check_duration_seconds",
			Help:    "End-to-end duration of a single link check.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksStarted,
		s.tasksCompleted,
		s.tasksRunning,
		s.taskRuntime,
		s.linksChecked,
		s.linkDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Name implements progress.Sink.
func (s *PrometheusSink) Name() string { return "prometheus" }

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageTaskStart:
		s.tasksStarted.Inc()
		if s.tracker.start(evt.TaskID) {
			s.tasksRunning.Inc()
		}
	case progress.StageLinkDone:
		verdict := evt.Result
		if verdict == "" {
			verdict = "unknown"
		}
		s.linksChecked.WithLabelValues(verdict).Inc()
		if evt.Dur > 0 {
			s.linkDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageTaskDone, progress.StageTaskError, progress.StageTaskCancelled:
		s.finishTask(evt)
	}
}

func (s *PrometheusSink) finishTask(evt progress.Event) {
	outcome := "completed"
	switch evt.Stage {
	case progress.StageTaskError:
		outcome = "failed"
	case progress.StageTaskCancelled:
		outcome = "cancelled"
	}
	s.tasksCompleted.WithLabelValues(outcome).Inc()
	if evt.Dur > 0 {
		s.taskRuntime.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.TaskID) {
		s.tasksRunning.Dec()
	}
}

// taskTracker dedupes start/finish pairs so the running gauge stays accurate
// under duplicate event delivery.
type taskTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[[16]byte]struct{})}
}

func (t *taskTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
