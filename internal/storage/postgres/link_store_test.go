package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/linksentry/linksentry/internal/linkcheck"
)

func sampleLink() linkcheck.Link {
	return linkcheck.Link{
		ID:            "link-1",
		TaskID:        "task-1",
		URL:           "https://blog.example.org/post",
		TargetDomains: []string{"example.com"},
		RowIndex:      1,
		Status:        linkcheck.LinkStatusPending,
		Indexable:     linkcheck.IndexUnknown,
		Relation:      linkcheck.RelationUnknown,
	}
}

func TestCreateLinksInsertsRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewLinkStore(mock)
	link := sampleLink()

	mock.ExpectExec("INSERT INTO links").
		WithArgs(
			link.ID, link.TaskID, link.URL, link.TargetDomains, link.RowIndex,
			link.Status, link.HTTPStatus, link.Indexable, link.IndexReason,
			link.Relation, link.AnchorText, link.CanonicalURL, link.FinalURL,
			link.Verdict, link.LoadTimeMs, link.AttemptCount,
			link.LastCheckedAt, link.FailureReason,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateLinks(context.Background(), []linkcheck.Link{link}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLinkWritesResultColumns(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewLinkStore(mock)
	checkedAt := time.Unix(1700000000, 0).UTC()
	link := sampleLink()
	link.Status = linkcheck.LinkStatusActive
	link.HTTPStatus = 200
	link.Indexable = linkcheck.IndexYes
	link.Relation = linkcheck.RelationDofollow
	link.Verdict = linkcheck.VerdictOK
	link.LoadTimeMs = 640
	link.AttemptCount = 1
	link.LastCheckedAt = &checkedAt

	mock.ExpectExec("UPDATE links").
		WithArgs(
			link.Status, link.HTTPStatus, link.Indexable, link.IndexReason,
			link.Relation, link.AnchorText, link.CanonicalURL, link.FinalURL,
			link.Verdict, link.LoadTimeMs, link.AttemptCount, link.LastCheckedAt,
			link.FailureReason, link.ID,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateLink(context.Background(), link))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLinkNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewLinkStore(mock)
	link := sampleLink()

	mock.ExpectExec("UPDATE links").
		WithArgs(
			link.Status, link.HTTPStatus, link.Indexable, link.IndexReason,
			link.Relation, link.AnchorText, link.CanonicalURL, link.FinalURL,
			link.Verdict, link.LoadTimeMs, link.AttemptCount, link.LastCheckedAt,
			link.FailureReason, link.ID,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.ErrorIs(t, store.UpdateLink(context.Background(), link), linkcheck.ErrLinkNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListLinksScansRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewLinkStore(mock)

	columns := []string{
		"id", "task_id", "url", "target_domains", "row_index", "status",
		"http_status", "is_indexable", "index_reason", "relation",
		"anchor_text", "canonical_url", "final_url", "verdict",
		"load_time_ms", "attempt_count", "last_checked_at", "failure_reason",
	}
	rows := pgxmock.NewRows(columns).
		AddRow("link-1", "task-1", "https://a.example.org", []string{"example.com"},
			1, linkcheck.LinkStatusActive, 200, linkcheck.IndexYes, "",
			linkcheck.RelationDofollow, "Example", "", "https://a.example.org",
			linkcheck.VerdictOK, int64(420), 1, (*time.Time)(nil), "").
		AddRow("link-2", "task-1", "https://b.example.org", []string{"example.com"},
			2, linkcheck.LinkStatusBroken, 404, linkcheck.IndexUnknown, "",
			linkcheck.RelationNotFound, "", "", "",
			linkcheck.VerdictProblem, int64(0), 1, (*time.Time)(nil), "http-404")

	mock.ExpectQuery("SELECT (.+) FROM links").
		WithArgs("task-1").
		WillReturnRows(rows)

	links, err := store.ListLinks(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, links, 2)
	require.Equal(t, "link-1", links[0].ID)
	require.Equal(t, linkcheck.VerdictOK, links[0].Verdict)
	require.Equal(t, "http-404", links[1].FailureReason)
	require.NoError(t, mock.ExpectationsWereMet())
}
