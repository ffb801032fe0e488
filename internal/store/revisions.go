package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateRevision stores a pre-mutation content snapshot and returns its ID.
func (s *Store) CreateRevision(ctx context.Context, rev Revision) (string, error) {
	if rev.ID == "" {
		rev.ID = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO article_revisions (id, article_id, suggestion_id, previous_content, revision_type, reason, rollback_eligible, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
`, rev.ID, rev.ArticleID, nullableString(rev.SuggestionID), rev.PreviousContent, rev.RevisionType, nullableString(rev.Reason), rev.RollbackEligible)
	if err != nil {
		return "", fmt.Errorf("create revision: %w", err)
	}
	return rev.ID, nil
}

// LatestRevisionForSuggestion returns the newest rollback-eligible snapshot
// written for one article under one suggestion.
func (s *Store) LatestRevisionForSuggestion(ctx context.Context, suggestionID, articleID string) (Revision, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, article_id, COALESCE(suggestion_id,''), previous_content, revision_type, COALESCE(reason,''), rollback_eligible, created_at
FROM article_revisions
WHERE suggestion_id=$1 AND article_id=$2 AND rollback_eligible
ORDER BY created_at DESC
LIMIT 1
`, suggestionID, articleID)
	return scanRevision(row)
}

// ListRevisions returns the revision history of one article, newest first.
func (s *Store) ListRevisions(ctx context.Context, articleID string) ([]Revision, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, article_id, COALESCE(suggestion_id,''), previous_content, revision_type, COALESCE(reason,''), rollback_eligible, created_at
FROM article_revisions
WHERE article_id=$1
ORDER BY created_at DESC
`, articleID)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

func scanRevision(row rowScanner) (Revision, error) {
	var rev Revision
	if err := row.Scan(&rev.ID, &rev.ArticleID, &rev.SuggestionID, &rev.PreviousContent, &rev.RevisionType, &rev.Reason, &rev.RollbackEligible, &rev.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Revision{}, ErrNotFound
		}
		return Revision{}, fmt.Errorf("scan revision: %w", err)
	}
	return rev, nil
}
