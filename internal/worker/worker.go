// Package worker implements the link verification execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/linksentry/linksentry/internal/checker"
	"github.com/linksentry/linksentry/internal/linkcheck"
	"github.com/linksentry/linksentry/internal/progress"
	"github.com/linksentry/linksentry/internal/queue"
	"github.com/linksentry/linksentry/internal/task"
)

// errTaskStopped aborts an in-flight check when the owning task went
// terminal; the checker surfaces it wrapped in ErrAborted.
var errTaskStopped = errors.New("task no longer processing")

// Jobs is the slice of the queue a worker consumes.
type Jobs interface {
	Dequeue(ctx context.Context) (queue.Delivery, error)
	Ack(d queue.Delivery) error
	Nack(d queue.Delivery, cause error) error
	Extend(d queue.Delivery) error
}

// LinkChecker runs the per-link state machine.
type LinkChecker interface {
	Check(ctx context.Context, link linkcheck.Link, hooks checker.Hooks) (checker.Outcome, error)
}

// Worker consumes job deliveries and drives one link check per delivery.
type Worker struct {
	name    string
	jobs    Jobs
	tasks   linkcheck.TaskStore
	links   linkcheck.LinkStore
	checker LinkChecker
	agg     *progress.Aggregator
	ctrl    *task.Controller
	clock   linkcheck.Clock
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New constructs a Worker. limiter may be nil to disable pacing.
func New(
	name string,
	jobs Jobs,
	tasks linkcheck.TaskStore,
	links linkcheck.LinkStore,
	lc LinkChecker,
	agg *progress.Aggregator,
	ctrl *task.Controller,
	clock linkcheck.Clock,
	limiter *rate.Limiter,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		name:    name,
		jobs:    jobs,
		tasks:   tasks,
		links:   links,
		checker: lc,
		agg:     agg,
		ctrl:    ctrl,
		clock:   clock,
		limiter: limiter,
		logger:  logger.With(zap.String("worker", name)),
	}
}

// Run blocks, consuming deliveries until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		d, err := w.jobs.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				w.nack(d, err)
				return
			}
		}
		w.process(ctx, d)
	}
}

func (w *Worker) process(ctx context.Context, d queue.Delivery) {
	log := w.logger.With(
		zap.String("task_id", d.Job.TaskID),
		zap.String("link_id", d.Job.LinkID),
		zap.Int("attempt", d.Attempt))

	taskRec, err := w.tasks.GetTask(ctx, d.Job.TaskID)
	if err != nil {
		if errors.Is(err, linkcheck.ErrTaskNotFound) {
			log.Warn("dropping job for unknown task")
			w.ack(d)
			return
		}
		w.nack(d, fmt.Errorf("load task: %w", err))
		return
	}
	if taskRec.Status.Terminal() {
		// Cancelled or already finalized; consume without touching the link.
		log.Debug("dropping job for terminal task", zap.String("status", string(taskRec.Status)))
		w.ack(d)
		return
	}

	link, err := w.links.GetLink(ctx, d.Job.LinkID)
	if err != nil {
		if errors.Is(err, linkcheck.ErrLinkNotFound) {
			// Count the job anyway so a missing row cannot stall the task.
			log.Error("link record missing, counting as processed")
			if w.ack(d) {
				w.report(ctx, linkcheck.Link{ID: d.Job.LinkID, TaskID: d.Job.TaskID, Verdict: linkcheck.VerdictProblem}, 0)
			}
			return
		}
		w.nack(d, fmt.Errorf("load link: %w", err))
		return
	}

	link.Status = linkcheck.LinkStatusChecking
	if err := w.links.UpdateLink(ctx, link); err != nil {
		log.Warn("marking link checking failed", zap.Error(err))
	}

	hooks := checker.Hooks{BeforeStep: func(step checker.Step) error {
		if err := w.jobs.Extend(d); err != nil && !errors.Is(err, queue.ErrUnknownDelivery) {
			log.Debug("lease extend failed", zap.Error(err))
		}
		cancelled, err := w.ctrl.Cancelled(ctx, d.Job.TaskID)
		if err != nil {
			return nil
		}
		if cancelled {
			return errTaskStopped
		}
		return nil
	}}

	start := w.clock.Now()
	outcome, err := w.checker.Check(ctx, link, hooks)
	dur := w.clock.Now().Sub(start)
	if err != nil {
		if errors.Is(err, checker.ErrAborted) {
			log.Info("check aborted", zap.Error(err))
			w.ack(d)
			return
		}
		// Infrastructure failure (session acquire, context). Redeliver.
		w.nack(d, err)
		return
	}

	// Ack first: if the lease expired mid-check the job was redelivered and
	// another worker owns the result now. Writing the outcome or reporting
	// progress here would count the link twice.
	if !w.ack(d) {
		log.Warn("delivery superseded, discarding result")
		return
	}

	now := w.clock.Now()
	link.Status = outcome.Status
	link.HTTPStatus = outcome.HTTPStatus
	link.Indexable = outcome.Indexable
	link.IndexReason = outcome.IndexReason
	link.Relation = outcome.Relation
	link.AnchorText = outcome.AnchorText
	link.CanonicalURL = outcome.CanonicalURL
	link.FinalURL = outcome.FinalURL
	link.Verdict = outcome.Verdict
	link.LoadTimeMs = outcome.LoadTimeMs
	link.AttemptCount = outcome.Attempts
	link.LastCheckedAt = &now
	link.FailureReason = outcome.FailureReason
	if err := w.links.UpdateLink(ctx, link); err != nil {
		// The delivery is already consumed; still count the link so the
		// task can finish with whatever state the row last reached.
		log.Error("persist link result failed", zap.Error(err))
	}

	w.report(ctx, link, dur)
	log.Info("link checked",
		zap.String("status", string(link.Status)),
		zap.String("verdict", string(link.Verdict)),
		zap.Int("http_status", link.HTTPStatus),
		zap.Duration("dur", dur))
}

func (w *Worker) report(ctx context.Context, link linkcheck.Link, dur time.Duration) {
	if w.agg == nil {
		return
	}
	if err := w.agg.LinkProcessed(ctx, link, dur); err != nil {
		w.logger.Error("reporting processed link",
			zap.String("link_id", link.ID), zap.Error(err))
	}
}

// ack consumes the delivery and reports whether this worker still held the
// lease. False means the job expired and was handed to someone else.
func (w *Worker) ack(d queue.Delivery) bool {
	err := w.jobs.Ack(d)
	if err == nil {
		return true
	}
	if !errors.Is(err, queue.ErrUnknownDelivery) {
		w.logger.Warn("ack failed", zap.String("delivery", d.ID), zap.Error(err))
	}
	return false
}

func (w *Worker) nack(d queue.Delivery, cause error) {
	if err := w.jobs.Nack(d, cause); err != nil && !errors.Is(err, queue.ErrUnknownDelivery) {
		w.logger.Warn("nack failed", zap.String("delivery", d.ID), zap.Error(err))
		return
	}
	w.logger.Warn("job redelivery requested",
		zap.String("delivery", d.ID), zap.Error(cause))
}
