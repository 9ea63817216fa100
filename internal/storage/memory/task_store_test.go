package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linksentry/linksentry/internal/linkcheck"
)

func newTask(id string, total int64) linkcheck.Task {
	return linkcheck.Task{
		ID:         id,
		ProjectID:  "proj-1",
		Status:     linkcheck.TaskStatusPending,
		TotalLinks: total,
	}
}

func TestTaskStoreCreateAndGet(t *testing.T) {
	t.Parallel()

	store := NewTaskStore()
	require.NoError(t, store.CreateTask(context.Background(), newTask("t1", 5)))
	require.Error(t, store.CreateTask(context.Background(), newTask("t1", 5)))

	got, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, int64(5), got.TotalLinks)

	_, err = store.GetTask(context.Background(), "nope")
	require.ErrorIs(t, err, linkcheck.ErrTaskNotFound)
}

func TestTaskStoreStatusCAS(t *testing.T) {
	t.Parallel()

	store := NewTaskStore()
	require.NoError(t, store.CreateTask(context.Background(), newTask("t1", 1)))

	changed, err := store.UpdateTaskStatus(context.Background(), "t1",
		linkcheck.TaskStatusPending, linkcheck.TaskStatusProcessing, "")
	require.NoError(t, err)
	require.True(t, changed)

	// Losing the race observes changed=false, not an error.
	changed, err = store.UpdateTaskStatus(context.Background(), "t1",
		linkcheck.TaskStatusPending, linkcheck.TaskStatusProcessing, "")
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = store.UpdateTaskStatus(context.Background(), "t1",
		linkcheck.TaskStatusProcessing, linkcheck.TaskStatusFailed, "boom")
	require.NoError(t, err)
	require.True(t, changed)

	got, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, linkcheck.TaskStatusFailed, got.Status)
	require.Equal(t, "boom", got.ErrorText)

	_, err = store.UpdateTaskStatus(context.Background(), "missing",
		linkcheck.TaskStatusPending, linkcheck.TaskStatusProcessing, "")
	require.ErrorIs(t, err, linkcheck.ErrTaskNotFound)
}

func TestTaskStoreIncrementCapsAtTotal(t *testing.T) {
	t.Parallel()

	store := NewTaskStore()
	require.NoError(t, store.CreateTask(context.Background(), newTask("t1", 2)))

	processed, total, err := store.IncrementProcessed(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, int64(1), processed)
	require.Equal(t, int64(2), total)

	processed, _, err = store.IncrementProcessed(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, int64(2), processed)

	// Duplicate deliveries never push past total.
	processed, _, err = store.IncrementProcessed(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, int64(2), processed)

	_, _, err = store.IncrementProcessed(context.Background(), "missing")
	require.ErrorIs(t, err, linkcheck.ErrTaskNotFound)
}

func TestTaskStoreUpdateProgress(t *testing.T) {
	t.Parallel()

	store := NewTaskStore()
	require.NoError(t, store.CreateTask(context.Background(), newTask("t1", 10)))

	require.NoError(t, store.UpdateProgress(context.Background(), "t1", 40, 120))
	got, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.InDelta(t, 40.0, got.ProgressPercent, 0.01)
	require.Equal(t, int64(120), got.EstimatedRemaining)

	require.ErrorIs(t, store.UpdateProgress(context.Background(), "missing", 1, 1), linkcheck.ErrTaskNotFound)
}

func TestLinkStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewLinkStore()
	links := []linkcheck.Link{
		{ID: "l2", TaskID: "t1", URL: "https://b.example.org", RowIndex: 2},
		{ID: "l1", TaskID: "t1", URL: "https://a.example.org", RowIndex: 1},
	}
	require.NoError(t, store.CreateLinks(context.Background(), links))
	require.Error(t, store.CreateLinks(context.Background(), links))

	got, err := store.GetLink(context.Background(), "l1")
	require.NoError(t, err)
	require.Equal(t, "https://a.example.org", got.URL)

	got.Status = linkcheck.LinkStatusActive
	got.Verdict = linkcheck.VerdictOK
	require.NoError(t, store.UpdateLink(context.Background(), got))

	listed, err := store.ListLinks(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	// Ordered by row index regardless of insert order.
	require.Equal(t, "l1", listed[0].ID)
	require.Equal(t, linkcheck.VerdictOK, listed[0].Verdict)

	_, err = store.GetLink(context.Background(), "missing")
	require.ErrorIs(t, err, linkcheck.ErrLinkNotFound)
	require.ErrorIs(t, store.UpdateLink(context.Background(), linkcheck.Link{ID: "missing"}),
		linkcheck.ErrLinkNotFound)
}
