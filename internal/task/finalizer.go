package task

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/linksentry/linksentry/internal/linkcheck"
	"github.com/linksentry/linksentry/internal/progress"
)

// FinalizerConfig wires the finalizer's collaborators. Exporter and Scheduler
// are optional; nil collaborators are skipped.
type FinalizerConfig struct {
	Tasks      linkcheck.TaskStore
	Links      linkcheck.LinkStore
	Exporter   linkcheck.Exporter
	Scheduler  linkcheck.Scheduler
	Aggregator *progress.Aggregator
	Controller *Controller
	Clock      linkcheck.Clock
	// RescheduleAfter, when positive, asks the scheduler to requeue recurring
	// sources this long after the run started.
	RescheduleAfter time.Duration
	Logger          *zap.Logger
}

// Finalizer completes a task once every link has been counted. Completion is
// idempotent: the processing->completed transition is CAS-guarded in the
// store, so of N concurrent callers exactly one runs the export and schedule
// side effects.
type Finalizer struct {
	tasks           linkcheck.TaskStore
	links           linkcheck.LinkStore
	exporter        linkcheck.Exporter
	scheduler       linkcheck.Scheduler
	agg             *progress.Aggregator
	controller      *Controller
	clock           linkcheck.Clock
	rescheduleAfter time.Duration
	log             *zap.Logger
}

// NewFinalizer builds a Finalizer from cfg.
func NewFinalizer(cfg FinalizerConfig) *Finalizer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Finalizer{
		tasks:           cfg.Tasks,
		links:           cfg.Links,
		exporter:        cfg.Exporter,
		scheduler:       cfg.Scheduler,
		agg:             cfg.Aggregator,
		controller:      cfg.Controller,
		clock:           cfg.Clock,
		rescheduleAfter: cfg.RescheduleAfter,
		log:             cfg.Logger,
	}
}

// Run finalizes taskID. Callers invoke it when the processed counter reaches
// the task total; repeated or racing calls are no-ops after the first win.
func (f *Finalizer) Run(ctx context.Context, taskID string) error {
	changed, err := f.tasks.UpdateTaskStatus(ctx, taskID,
		linkcheck.TaskStatusProcessing, linkcheck.TaskStatusCompleted, "")
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	if !changed {
		// Already terminal (completed earlier, cancelled, or failed).
		return nil
	}

	task, err := f.tasks.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load finalized task %s: %w", taskID, err)
	}

	var runtime time.Duration
	if f.controller != nil {
		runtime = f.controller.takeRuntime(taskID)
	}
	if f.agg != nil {
		f.agg.TaskFinished(task, runtime)
	}

	if f.exporter != nil {
		links, err := f.links.ListLinks(ctx, taskID)
		if err != nil {
			f.log.Error("listing links for export",
				zap.String("task_id", taskID), zap.Error(err))
		} else if err := f.exporter.Export(ctx, task, links); err != nil {
			// Export failures do not roll back completion; the link records
			// remain queryable through the API.
			f.log.Error("exporting task results",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}

	// Only imported sources recur; a manual one-off run ends here. The next
	// run is anchored to this run's start so slow runs do not drift the cycle.
	if f.scheduler != nil && f.rescheduleAfter > 0 && task.Source == linkcheck.SourceImported {
		req := linkcheck.ScheduleRequest{
			TaskSourceID: task.ProjectID,
			NextRunAt:    task.CreatedAt.Add(f.rescheduleAfter),
		}
		if err := f.scheduler.ScheduleNext(ctx, req); err != nil {
			f.log.Warn("scheduling next run",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}

	f.log.Info("task completed",
		zap.String("task_id", taskID),
		zap.Int64("links", task.TotalLinks))
	return nil
}
