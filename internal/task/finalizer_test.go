package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linksentry/linksentry/internal/linkcheck"
	"github.com/linksentry/linksentry/internal/progress"
	"github.com/linksentry/linksentry/internal/storage/memory"
)

type recordingExporter struct {
	mu    sync.Mutex
	calls int
	task  linkcheck.Task
	links []linkcheck.Link
}

func (e *recordingExporter) Export(_ context.Context, task linkcheck.Task, links []linkcheck.Link) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.task = task
	e.links = append([]linkcheck.Link(nil), links...)
	return nil
}

type recordingScheduler struct {
	mu   sync.Mutex
	reqs []linkcheck.ScheduleRequest
}

func (s *recordingScheduler) ScheduleNext(_ context.Context, req linkcheck.ScheduleRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return nil
}

type finalizerFixture struct {
	fin       *Finalizer
	tasks     *memory.TaskStore
	links     *memory.LinkStore
	exporter  *recordingExporter
	scheduler *recordingScheduler
	emitter   *stubEmitter
	clock     *testClock
}

func newFinalizerFixture(t *testing.T, reschedule time.Duration) *finalizerFixture {
	t.Helper()
	f := &finalizerFixture{
		tasks:     memory.NewTaskStore(),
		links:     memory.NewLinkStore(),
		exporter:  &recordingExporter{},
		scheduler: &recordingScheduler{},
		emitter:   &stubEmitter{},
		clock:     &testClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)},
	}
	agg := progress.NewAggregator(progress.AggregatorConfig{
		Tasks: f.tasks,
		Hub:   f.emitter,
		Clock: f.clock,
	})
	f.fin = NewFinalizer(FinalizerConfig{
		Tasks:           f.tasks,
		Links:           f.links,
		Exporter:        f.exporter,
		Scheduler:       f.scheduler,
		Aggregator:      agg,
		Clock:           f.clock,
		RescheduleAfter: reschedule,
	})
	return f
}

func (f *finalizerFixture) seedProcessingTask(t *testing.T, source linkcheck.SourceKind) linkcheck.Task {
	t.Helper()
	task := linkcheck.Task{
		ID:             "task-1",
		ProjectID:      "proj-1",
		Source:         source,
		Status:         linkcheck.TaskStatusProcessing,
		TotalLinks:     2,
		ProcessedLinks: 2,
		CreatedAt:      f.clock.now.Add(-time.Hour),
	}
	require.NoError(t, f.tasks.CreateTask(context.Background(), task))
	require.NoError(t, f.links.CreateLinks(context.Background(), []linkcheck.Link{
		{ID: "link-1", TaskID: task.ID, URL: "https://a.example.org", RowIndex: 1, Verdict: linkcheck.VerdictOK},
		{ID: "link-2", TaskID: task.ID, URL: "https://b.example.org", RowIndex: 2, Verdict: linkcheck.VerdictProblem},
	}))
	return task
}

func TestRunCompletesAndExports(t *testing.T) {
	t.Parallel()

	f := newFinalizerFixture(t, 0)
	task := f.seedProcessingTask(t, linkcheck.SourceManual)

	require.NoError(t, f.fin.Run(context.Background(), task.ID))

	stored, err := f.tasks.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, linkcheck.TaskStatusCompleted, stored.Status)

	f.exporter.mu.Lock()
	defer f.exporter.mu.Unlock()
	require.Equal(t, 1, f.exporter.calls)
	require.Equal(t, task.ID, f.exporter.task.ID)
	require.Len(t, f.exporter.links, 2)
	require.Equal(t, "link-1", f.exporter.links[0].ID)

	require.Equal(t, []progress.Stage{progress.StageTaskDone}, f.emitter.Stages())
	// No reschedule configured.
	require.Empty(t, f.scheduler.reqs)
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFinalizerFixture(t, 0)
	task := f.seedProcessingTask(t, linkcheck.SourceManual)

	require.NoError(t, f.fin.Run(context.Background(), task.ID))
	require.NoError(t, f.fin.Run(context.Background(), task.ID))

	f.exporter.mu.Lock()
	defer f.exporter.mu.Unlock()
	require.Equal(t, 1, f.exporter.calls)
}

func TestRunSkipsCancelledTask(t *testing.T) {
	t.Parallel()

	f := newFinalizerFixture(t, 0)
	task := f.seedProcessingTask(t, linkcheck.SourceManual)

	changed, err := f.tasks.UpdateTaskStatus(context.Background(), task.ID,
		linkcheck.TaskStatusProcessing, linkcheck.TaskStatusCancelled, "")
	require.NoError(t, err)
	require.True(t, changed)

	require.NoError(t, f.fin.Run(context.Background(), task.ID))

	stored, err := f.tasks.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, linkcheck.TaskStatusCancelled, stored.Status)

	f.exporter.mu.Lock()
	defer f.exporter.mu.Unlock()
	require.Zero(t, f.exporter.calls)
}

func TestRunSchedulesNextRun(t *testing.T) {
	t.Parallel()

	f := newFinalizerFixture(t, 24*time.Hour)
	task := f.seedProcessingTask(t, linkcheck.SourceImported)

	require.NoError(t, f.fin.Run(context.Background(), task.ID))

	f.scheduler.mu.Lock()
	defer f.scheduler.mu.Unlock()
	require.Len(t, f.scheduler.reqs, 1)
	require.Equal(t, "proj-1", f.scheduler.reqs[0].TaskSourceID)
	// Anchored to the run's start, not its completion.
	require.Equal(t, task.CreatedAt.Add(24*time.Hour), f.scheduler.reqs[0].NextRunAt)
}

func TestRunSkipsRescheduleForManualSource(t *testing.T) {
	t.Parallel()

	f := newFinalizerFixture(t, 24*time.Hour)
	task := f.seedProcessingTask(t, linkcheck.SourceManual)

	require.NoError(t, f.fin.Run(context.Background(), task.ID))

	f.scheduler.mu.Lock()
	defer f.scheduler.mu.Unlock()
	require.Empty(t, f.scheduler.reqs)
}

// TestRunReleasesControllerRuntime verifies finalization drops the task's
// runtime entry so long-lived instances do not accumulate one per completed
// task.
func TestRunReleasesControllerRuntime(t *testing.T) {
	t.Parallel()

	f := newFinalizerFixture(t, 0)
	ctrl := NewController(ControllerConfig{
		Tasks: f.tasks,
		Links: f.links,
		Queue: &fakeQueue{},
		Clock: f.clock,
	})
	f.fin.controller = ctrl
	task := f.seedProcessingTask(t, linkcheck.SourceManual)
	ctrl.markStarted(task.ID, f.clock.now.Add(-time.Minute))

	require.NoError(t, f.fin.Run(context.Background(), task.ID))
	require.Zero(t, ctrl.Runtime(task.ID))
}

func TestRunUnknownTask(t *testing.T) {
	t.Parallel()

	f := newFinalizerFixture(t, 0)
	err := f.fin.Run(context.Background(), "missing")
	require.ErrorIs(t, err, linkcheck.ErrTaskNotFound)
}
