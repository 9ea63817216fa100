package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/linksentry/linksentry/internal/linkcheck"
)

// Emitter is satisfied by *Hub; it lets tests observe emitted events.
type Emitter interface {
	Emit(evt Event)
}

// AggregatorConfig wires the aggregator's collaborators.
type AggregatorConfig struct {
	Tasks linkcheck.TaskStore
	Hub   Emitter
	Clock linkcheck.Clock
	// ETAWindow is the number of recent link durations used for the
	// remaining-time estimate (default 20).
	ETAWindow int
	// OnTaskComplete fires exactly once per task, after the last link is
	// counted. It runs synchronously on the reporting worker's goroutine.
	OnTaskComplete func(ctx context.Context, taskID string)
	Logger         *zap.Logger
}

const defaultETAWindow = 20

// Aggregator maintains per-task counters and emits progress events. The
// atomic counter lives in the task store; the aggregator only keeps the
// in-memory ETA windows, so duplicate reports for the same link are safe as
// long as the queue delivers each job's ack once.
type Aggregator struct {
	tasks      linkcheck.TaskStore
	hub        Emitter
	clock      linkcheck.Clock
	window     int
	onComplete func(ctx context.Context, taskID string)
	logger     *zap.Logger

	mu      sync.Mutex
	windows map[string]*etaWindow
}

// NewAggregator builds an Aggregator from cfg.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.ETAWindow <= 0 {
		cfg.ETAWindow = defaultETAWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Aggregator{
		tasks:      cfg.Tasks,
		hub:        cfg.Hub,
		clock:      cfg.Clock,
		window:     cfg.ETAWindow,
		onComplete: cfg.OnTaskComplete,
		logger:     cfg.Logger,
		windows:    make(map[string]*etaWindow),
	}
}

// TaskStarted emits the TASK_START milestone.
func (a *Aggregator) TaskStarted(task linkcheck.Task) {
	a.hub.Emit(Event{
		TaskID:    IDToBytes(task.ID),
		TS:        a.clock.Now(),
		Stage:     StageTaskStart,
		Processed: task.ProcessedLinks,
		Total:     task.TotalLinks,
	})
}

// TaskFinished emits the terminal milestone for a task and releases the ETA
// window. The stage is derived from the terminal status.
func (a *Aggregator) TaskFinished(task linkcheck.Task, runtime time.Duration) {
	stage := StageTaskDone
	switch task.Status {
	case linkcheck.TaskStatusFailed:
		stage = StageTaskError
	case linkcheck.TaskStatusCancelled:
		stage = StageTaskCancelled
	}
	a.hub.Emit(Event{
		TaskID:    IDToBytes(task.ID),
		TS:        a.clock.Now(),
		Stage:     stage,
		Processed: task.ProcessedLinks,
		Total:     task.TotalLinks,
		Percent:   task.ProgressPercent,
		Result:    string(task.Status),
		Dur:       runtime,
		Note:      task.ErrorText,
	})
	a.mu.Lock()
	delete(a.windows, task.ID)
	a.mu.Unlock()
}

// LinkProcessed counts one finished link against its task, persists the
// derived percent and ETA, and emits a LINK_DONE event. When the counter
// reaches the task total the completion callback fires.
func (a *Aggregator) LinkProcessed(ctx context.Context, link linkcheck.Link, dur time.Duration) error {
	processed, total, err := a.tasks.IncrementProcessed(ctx, link.TaskID)
	if err != nil {
		return fmt.Errorf("increment processed for task %s: %w", link.TaskID, err)
	}

	percent := 0.0
	if total > 0 {
		percent = float64(processed) / float64(total) * 100
	}
	eta := a.estimate(link.TaskID, dur, total-processed)
	if err := a.tasks.UpdateProgress(ctx, link.TaskID, percent, eta); err != nil {
		a.logger.Warn("persisting task progress failed",
			zap.String("task_id", link.TaskID), zap.Error(err))
	}

	a.hub.Emit(Event{
		TaskID:     IDToBytes(link.TaskID),
		TS:         a.clock.Now(),
		Stage:      StageLinkDone,
		LinkID:     link.ID,
		Processed:  processed,
		Total:      total,
		Percent:    percent,
		ETASeconds: eta,
		Result:     string(link.Verdict),
		Dur:        dur,
	})

	if processed >= total && a.onComplete != nil {
		a.onComplete(ctx, link.TaskID)
	}
	return nil
}

// estimate records dur in the task's moving window and projects the remaining
// runtime assuming the recent per-link pace holds.
func (a *Aggregator) estimate(taskID string, dur time.Duration, remaining int64) int64 {
	a.mu.Lock()
	w := a.windows[taskID]
	if w == nil {
		w = newETAWindow(a.window)
		a.windows[taskID] = w
	}
	w.observe(dur)
	mean := w.mean()
	a.mu.Unlock()

	if remaining <= 0 || mean <= 0 {
		return 0
	}
	secs := int64((time.Duration(remaining) * mean).Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// etaWindow is a fixed-size ring of recent link durations.
type etaWindow struct {
	samples []time.Duration
	next    int
	filled  int
	sum     time.Duration
}

func newETAWindow(size int) *etaWindow {
	return &etaWindow{samples: make([]time.Duration, size)}
}

func (w *etaWindow) observe(d time.Duration) {
	if d < 0 {
		d = 0
	}
	w.sum -= w.samples[w.next]
	w.samples[w.next] = d
	w.sum += d
	w.next = (w.next + 1) % len(w.samples)
	if w.filled < len(w.samples) {
		w.filled++
	}
}

func (w *etaWindow) mean() time.Duration {
	if w.filled == 0 {
		return 0
	}
	return w.sum / time.Duration(w.filled)
}
