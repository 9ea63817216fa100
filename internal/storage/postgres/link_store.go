package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/linksentry/linksentry/internal/linkcheck"
)

// LinkStore implements linkcheck.LinkStore using Postgres.
type LinkStore struct {
	db DB
}

// NewLinkStore wraps an existing pool.
func NewLinkStore(db DB) *LinkStore {
	return &LinkStore{db: db}
}

const linkColumns = `id, task_id, url, target_domains, row_index, status,
	http_status, is_indexable, index_reason, relation, anchor_text,
	canonical_url, final_url, verdict, load_time_ms, attempt_count,
	last_checked_at, failure_reason`

// CreateLinks inserts the batch one row at a time; tasks rarely carry more
// than a few thousand links so a COPY pipeline has not been worth it.
func (s *LinkStore) CreateLinks(ctx context.Context, links []linkcheck.Link) error {
	query := `
		INSERT INTO links (` + linkColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18);
	`
	for _, link := range links {
		_, err := s.db.Exec(ctx, query,
			link.ID, link.TaskID, link.URL, link.TargetDomains, link.RowIndex,
			link.Status, link.HTTPStatus, link.Indexable, link.IndexReason,
			link.Relation, link.AnchorText, link.CanonicalURL, link.FinalURL,
			link.Verdict, link.LoadTimeMs, link.AttemptCount,
			link.LastCheckedAt, link.FailureReason)
		if err != nil {
			return fmt.Errorf("insert link %s: %w", link.ID, err)
		}
	}
	return nil
}

// GetLink fetches one link row.
func (s *LinkStore) GetLink(ctx context.Context, linkID string) (linkcheck.Link, error) {
	query := `SELECT ` + linkColumns + ` FROM links WHERE id = $1;`
	link, err := scanLink(s.db.QueryRow(ctx, query, linkID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return linkcheck.Link{}, linkcheck.ErrLinkNotFound
		}
		return linkcheck.Link{}, fmt.Errorf("select link: %w", err)
	}
	return link, nil
}

// UpdateLink overwrites the mutable result columns.
func (s *LinkStore) UpdateLink(ctx context.Context, link linkcheck.Link) error {
	query := `
		UPDATE links
		SET status = $1, http_status = $2, is_indexable = $3,
			index_reason = $4, relation = $5, anchor_text = $6,
			canonical_url = $7, final_url = $8, verdict = $9,
			load_time_ms = $10, attempt_count = $11, last_checked_at = $12,
			failure_reason = $13
		WHERE id = $14;
	`
	tag, err := s.db.Exec(ctx, query,
		link.Status, link.HTTPStatus, link.Indexable, link.IndexReason,
		link.Relation, link.AnchorText, link.CanonicalURL, link.FinalURL,
		link.Verdict, link.LoadTimeMs, link.AttemptCount, link.LastCheckedAt,
		link.FailureReason, link.ID)
	if err != nil {
		return fmt.Errorf("update link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return linkcheck.ErrLinkNotFound
	}
	return nil
}

// ListLinks returns a task's links ordered by row index.
func (s *LinkStore) ListLinks(ctx context.Context, taskID string) ([]linkcheck.Link, error) {
	query := `SELECT ` + linkColumns + ` FROM links WHERE task_id = $1 ORDER BY row_index;`
	rows, err := s.db.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("select links: %w", err)
	}
	defer rows.Close()

	var out []linkcheck.Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		out = append(out, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return out, nil
}

func scanLink(row pgx.Row) (linkcheck.Link, error) {
	var link linkcheck.Link
	err := row.Scan(
		&link.ID, &link.TaskID, &link.URL, &link.TargetDomains,
		&link.RowIndex, &link.Status, &link.HTTPStatus, &link.Indexable,
		&link.IndexReason, &link.Relation, &link.AnchorText,
		&link.CanonicalURL, &link.FinalURL, &link.Verdict, &link.LoadTimeMs,
		&link.AttemptCount, &link.LastCheckedAt, &link.FailureReason)
	if err != nil {
		return linkcheck.Link{}, err
	}
	return link, nil
}
