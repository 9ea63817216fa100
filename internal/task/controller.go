// Package task owns the task lifecycle: launch, cancellation, failure, and
// finalization of verification runs.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/linksentry/linksentry/internal/linkcheck"
	"github.com/linksentry/linksentry/internal/progress"
)

// ErrNoLinks signals a launch request that carries an empty link list.
var ErrNoLinks = errors.New("task has no links")

// ErrNotCancellable signals a cancel request against a terminal task.
var ErrNotCancellable = errors.New("task is not cancellable")

// Enqueuer is the slice of the job queue the controller needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job linkcheck.Job) error
}

// ControllerConfig wires the controller's collaborators.
type ControllerConfig struct {
	Tasks      linkcheck.TaskStore
	Links      linkcheck.LinkStore
	Queue      Enqueuer
	Aggregator *progress.Aggregator
	Clock      linkcheck.Clock
	IDs        linkcheck.IDGenerator
	Logger     *zap.Logger
}

// Controller drives task state transitions. All transitions are CAS-guarded
// in the store, so concurrent callers race safely: exactly one wins and the
// others observe changed=false.
type Controller struct {
	tasks linkcheck.TaskStore
	links linkcheck.LinkStore
	queue Enqueuer
	agg   *progress.Aggregator
	clock linkcheck.Clock
	ids   linkcheck.IDGenerator
	log   *zap.Logger

	mu      sync.Mutex
	started map[string]time.Time
}

// NewController builds a Controller from cfg.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Controller{
		tasks:   cfg.Tasks,
		links:   cfg.Links,
		queue:   cfg.Queue,
		agg:     cfg.Aggregator,
		clock:   cfg.Clock,
		ids:     cfg.IDs,
		log:     cfg.Logger,
		started: make(map[string]time.Time),
	}
}

// Launch creates a task from the supplied rows, persists its links, enqueues
// one job per link, and moves the task to processing. A queue failure after
// creation fails the task rather than leaving it stuck pending.
func (c *Controller) Launch(ctx context.Context, projectID, ownerID string, source linkcheck.SourceKind, rows []linkcheck.LinkSource) (linkcheck.Task, error) {
	if len(rows) == 0 {
		return linkcheck.Task{}, ErrNoLinks
	}

	taskID, err := c.ids.NewID()
	if err != nil {
		return linkcheck.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	now := c.clock.Now()
	task := linkcheck.Task{
		ID:         taskID,
		ProjectID:  projectID,
		OwnerID:    ownerID,
		Source:     source,
		Status:     linkcheck.TaskStatusPending,
		TotalLinks: int64(len(rows)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.tasks.CreateTask(ctx, task); err != nil {
		return linkcheck.Task{}, fmt.Errorf("create task: %w", err)
	}

	links := make([]linkcheck.Link, 0, len(rows))
	for _, row := range rows {
		linkID, err := c.ids.NewID()
		if err != nil {
			return linkcheck.Task{}, fmt.Errorf("generate link id: %w", err)
		}
		links = append(links, linkcheck.Link{
			ID:            linkID,
			TaskID:        taskID,
			URL:           row.URL,
			TargetDomains: row.TargetDomains,
			RowIndex:      row.RowIndex,
			Status:        linkcheck.LinkStatusPending,
			Indexable:     linkcheck.IndexUnknown,
			Relation:      linkcheck.RelationUnknown,
		})
	}
	if err := c.links.CreateLinks(ctx, links); err != nil {
		return linkcheck.Task{}, fmt.Errorf("create links: %w", err)
	}

	for _, link := range links {
		job := linkcheck.Job{
			LinkID:    link.ID,
			TaskID:    taskID,
			ProjectID: projectID,
			OwnerID:   ownerID,
		}
		if err := c.queue.Enqueue(ctx, job); err != nil {
			c.Fail(ctx, taskID, fmt.Sprintf("enqueue link %s: %v", link.ID, err))
			return linkcheck.Task{}, fmt.Errorf("enqueue link %s: %w", link.ID, err)
		}
	}

	changed, err := c.tasks.UpdateTaskStatus(ctx, taskID, linkcheck.TaskStatusPending, linkcheck.TaskStatusProcessing, "")
	if err != nil {
		return linkcheck.Task{}, fmt.Errorf("start task %s: %w", taskID, err)
	}
	if changed {
		task.Status = linkcheck.TaskStatusProcessing
		c.markStarted(taskID, c.clock.Now())
		if c.agg != nil {
			c.agg.TaskStarted(task)
		}
	}
	c.log.Info("task launched",
		zap.String("task_id", taskID),
		zap.String("project_id", projectID),
		zap.Int("links", len(links)))
	return task, nil
}

// Cancel moves a task to cancelled. Workers observe the new status on their
// next lifecycle poll and abandon in-flight checks without writing results.
func (c *Controller) Cancel(ctx context.Context, taskID string) error {
	for _, from := range []linkcheck.TaskStatus{linkcheck.TaskStatusProcessing, linkcheck.TaskStatusPending} {
		changed, err := c.tasks.UpdateTaskStatus(ctx, taskID, from, linkcheck.TaskStatusCancelled, "")
		if err != nil {
			return fmt.Errorf("cancel task %s: %w", taskID, err)
		}
		if changed {
			c.finish(ctx, taskID)
			c.log.Info("task cancelled", zap.String("task_id", taskID))
			return nil
		}
	}
	task, err := c.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == linkcheck.TaskStatusCancelled {
		// Cancelling twice is a no-op.
		return nil
	}
	return fmt.Errorf("cancel task %s in status %s: %w", taskID, task.Status, ErrNotCancellable)
}

// Fail moves a processing task to failed with the given error text. Losing
// the CAS race is fine: some other terminal transition already won.
func (c *Controller) Fail(ctx context.Context, taskID, errText string) {
	changed, err := c.tasks.UpdateTaskStatus(ctx, taskID, linkcheck.TaskStatusProcessing, linkcheck.TaskStatusFailed, errText)
	if err != nil {
		c.log.Error("failing task", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if !changed {
		changed, err = c.tasks.UpdateTaskStatus(ctx, taskID, linkcheck.TaskStatusPending, linkcheck.TaskStatusFailed, errText)
		if err != nil || !changed {
			return
		}
	}
	c.finish(ctx, taskID)
	c.log.Warn("task failed", zap.String("task_id", taskID), zap.String("error", errText))
}

// Cancelled reports whether the task has been cancelled. Workers call this
// between checker steps.
func (c *Controller) Cancelled(ctx context.Context, taskID string) (bool, error) {
	task, err := c.tasks.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return task.Status == linkcheck.TaskStatusCancelled, nil
}

// Progress returns the task read model.
func (c *Controller) Progress(ctx context.Context, taskID string) (linkcheck.Progress, error) {
	task, err := c.tasks.GetTask(ctx, taskID)
	if err != nil {
		return linkcheck.Progress{}, err
	}
	return linkcheck.Progress{
		TaskID:                 task.ID,
		Progress:               task.ProgressPercent,
		ProcessedLinks:         task.ProcessedLinks,
		TotalLinks:             task.TotalLinks,
		EstimatedTimeRemaining: task.EstimatedRemaining,
		Status:                 task.Status,
	}, nil
}

// Runtime returns how long the task has been running on this instance, or
// zero when the start was not observed here.
func (c *Controller) Runtime(taskID string) time.Duration {
	c.mu.Lock()
	start, ok := c.started[taskID]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return c.clock.Now().Sub(start)
}

func (c *Controller) markStarted(taskID string, at time.Time) {
	c.mu.Lock()
	c.started[taskID] = at
	c.mu.Unlock()
}

// takeRuntime returns the task's runtime and removes its start entry. Every
// terminal path must go through here or the map grows without bound.
func (c *Controller) takeRuntime(taskID string) time.Duration {
	c.mu.Lock()
	start, ok := c.started[taskID]
	delete(c.started, taskID)
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return c.clock.Now().Sub(start)
}

// finish emits the terminal milestone and clears the runtime entry.
func (c *Controller) finish(ctx context.Context, taskID string) {
	runtime := c.takeRuntime(taskID)
	if c.agg == nil {
		return
	}
	task, err := c.tasks.GetTask(ctx, taskID)
	if err != nil {
		c.log.Warn("reading task for terminal event", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	c.agg.TaskFinished(task, runtime)
}
