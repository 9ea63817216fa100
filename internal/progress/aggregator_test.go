package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/linksentry/linksentry/internal/linkcheck"
	"github.com/linksentry/linksentry/internal/storage/memory"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureEmitter) Emit(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func seedTask(t *testing.T, store *memory.TaskStore, total int64) linkcheck.Task {
	t.Helper()
	task := linkcheck.Task{
		ID:         uuid.NewString(),
		ProjectID:  "project-1",
		Status:     linkcheck.TaskStatusProcessing,
		TotalLinks: total,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.CreateTask(context.Background(), task))
	return task
}

func TestLinkProcessedUpdatesCounters(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	emitter := &captureEmitter{}
	agg := NewAggregator(AggregatorConfig{
		Tasks: store,
		Hub:   emitter,
		Clock: fixedClock{now: time.Now()},
	})
	task := seedTask(t, store, 4)

	link := linkcheck.Link{ID: uuid.NewString(), TaskID: task.ID, Verdict: linkcheck.VerdictOK}
	require.NoError(t, agg.LinkProcessed(context.Background(), link, 2*time.Second))

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.ProcessedLinks)
	require.InDelta(t, 25.0, got.ProgressPercent, 0.01)
	// 3 remaining links at 2s apiece.
	require.Equal(t, int64(6), got.EstimatedRemaining)

	events := emitter.Events()
	require.Len(t, events, 1)
	require.Equal(t, StageLinkDone, events[0].Stage)
	require.Equal(t, link.ID, events[0].LinkID)
	require.Equal(t, int64(1), events[0].Processed)
	require.Equal(t, int64(4), events[0].Total)
	require.Equal(t, string(linkcheck.VerdictOK), events[0].Result)
}

func TestLinkProcessedFiresCompletionOnce(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	emitter := &captureEmitter{}

	var mu sync.Mutex
	completions := 0
	agg := NewAggregator(AggregatorConfig{
		Tasks: store,
		Hub:   emitter,
		Clock: fixedClock{now: time.Now()},
		OnTaskComplete: func(_ context.Context, _ string) {
			mu.Lock()
			completions++
			mu.Unlock()
		},
	})
	task := seedTask(t, store, 2)

	link := linkcheck.Link{ID: uuid.NewString(), TaskID: task.ID}
	require.NoError(t, agg.LinkProcessed(context.Background(), link, time.Second))
	mu.Lock()
	require.Equal(t, 0, completions)
	mu.Unlock()

	require.NoError(t, agg.LinkProcessed(context.Background(), link, time.Second))
	mu.Lock()
	require.Equal(t, 1, completions)
	mu.Unlock()
}

func TestLinkProcessedUnknownTask(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(AggregatorConfig{
		Tasks: memory.NewTaskStore(),
		Hub:   &captureEmitter{},
		Clock: fixedClock{now: time.Now()},
	})
	link := linkcheck.Link{ID: uuid.NewString(), TaskID: uuid.NewString()}
	err := agg.LinkProcessed(context.Background(), link, time.Second)
	require.ErrorIs(t, err, linkcheck.ErrTaskNotFound)
}

func TestTaskFinishedStages(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status linkcheck.TaskStatus
		stage  Stage
	}{
		{linkcheck.TaskStatusCompleted, StageTaskDone},
		{linkcheck.TaskStatusFailed, StageTaskError},
		{linkcheck.TaskStatusCancelled, StageTaskCancelled},
	}
	for _, tc := range cases {
		emitter := &captureEmitter{}
		agg := NewAggregator(AggregatorConfig{
			Tasks: memory.NewTaskStore(),
			Hub:   emitter,
			Clock: fixedClock{now: time.Now()},
		})
		agg.TaskFinished(linkcheck.Task{
			ID:             uuid.NewString(),
			Status:         tc.status,
			TotalLinks:     3,
			ProcessedLinks: 3,
		}, 90*time.Second)

		events := emitter.Events()
		require.Len(t, events, 1)
		require.Equal(t, tc.stage, events[0].Stage)
		require.Equal(t, string(tc.status), events[0].Result)
		require.Equal(t, 90*time.Second, events[0].Dur)
	}
}

func TestETAWindowMean(t *testing.T) {
	t.Parallel()

	w := newETAWindow(3)
	require.Equal(t, time.Duration(0), w.mean())

	w.observe(time.Second)
	w.observe(3 * time.Second)
	require.Equal(t, 2*time.Second, w.mean())

	// Ring overwrites the oldest sample once full.
	w.observe(5 * time.Second)
	w.observe(7 * time.Second)
	require.Equal(t, 5*time.Second, w.mean())
}
