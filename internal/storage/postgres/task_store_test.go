package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/linksentry/linksentry/internal/linkcheck"
)

func TestCreateTaskInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewTaskStore(mock)
	now := time.Unix(1700000000, 0).UTC()

	task := linkcheck.Task{
		ID:         "task-1",
		ProjectID:  "proj-1",
		OwnerID:    "owner-1",
		Source:     linkcheck.SourceManual,
		Status:     linkcheck.TaskStatusPending,
		TotalLinks: 3,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(
			task.ID,
			task.ProjectID,
			task.OwnerID,
			task.Source,
			task.Status,
			task.TotalLinks,
			task.ProcessedLinks,
			task.ProgressPercent,
			task.EstimatedRemaining,
			task.ErrorText,
			task.CreatedAt,
			task.UpdatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateTask(context.Background(), task))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTaskNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewTaskStore(mock)

	mock.ExpectQuery("SELECT (.+) FROM tasks").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "project_id", "owner_id", "source", "status", "total_links",
			"processed_links", "progress_percent", "eta_seconds", "error_text",
			"created_at", "updated_at",
		}))

	_, err = store.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, linkcheck.ErrTaskNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskStatusCAS(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewTaskStore(mock)

	mock.ExpectExec("UPDATE tasks").
		WithArgs(linkcheck.TaskStatusProcessing, "", "task-1", linkcheck.TaskStatusPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	changed, err := store.UpdateTaskStatus(context.Background(), "task-1",
		linkcheck.TaskStatusPending, linkcheck.TaskStatusProcessing, "")
	require.NoError(t, err)
	require.True(t, changed)

	// A stale expected status affects zero rows and loses the CAS.
	mock.ExpectExec("UPDATE tasks").
		WithArgs(linkcheck.TaskStatusCompleted, "", "task-1", linkcheck.TaskStatusProcessing).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	changed, err = store.UpdateTaskStatus(context.Background(), "task-1",
		linkcheck.TaskStatusProcessing, linkcheck.TaskStatusCompleted, "")
	require.NoError(t, err)
	require.False(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementProcessedReturnsCounters(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewTaskStore(mock)

	mock.ExpectQuery("UPDATE tasks").
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows([]string{"processed_links", "total_links"}).
			AddRow(int64(5), int64(10)))

	processed, total, err := store.IncrementProcessed(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), processed)
	require.Equal(t, int64(10), total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProgressUnknownTask(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewTaskStore(mock)

	mock.ExpectExec("UPDATE tasks").
		WithArgs(25.0, int64(90), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.UpdateProgress(context.Background(), "missing", 25.0, 90)
	require.ErrorIs(t, err, linkcheck.ErrTaskNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
