package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// CreateSuggestion inserts a suggestion row and returns its generated ID.
func (s *Store) CreateSuggestion(ctx context.Context, sg Suggestion) (string, error) {
	if sg.ID == "" {
		sg.ID = uuid.NewString()
	}
	if sg.Status == "" {
		sg.Status = SuggestionStatusSuggested
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO replacement_suggestions (id, original_url, original_source, replacement_url, replacement_source, reason, confidence_score, status, applied_article_ids, replacement_count, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),NOW())
`, sg.ID, sg.OriginalURL, nullableString(sg.OriginalSource), sg.ReplacementURL, nullableString(sg.ReplacementSource),
		nullableString(sg.Reason), sg.ConfidenceScore, sg.Status, stringArray(sg.AppliedArticleIDs), sg.ReplacementCount)
	if err != nil {
		return "", fmt.Errorf("create suggestion: %w", err)
	}
	return sg.ID, nil
}

// GetSuggestion loads one suggestion by ID.
func (s *Store) GetSuggestion(ctx context.Context, id string) (Suggestion, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, original_url, COALESCE(original_source,''), replacement_url, COALESCE(replacement_source,''), COALESCE(reason,''), confidence_score, status, applied_article_ids, replacement_count, created_at, updated_at
FROM replacement_suggestions
WHERE id=$1
`, id)
	return scanSuggestion(row)
}

// ListSuggestionsByStatus returns suggestions in one lifecycle status.
func (s *Store) ListSuggestionsByStatus(ctx context.Context, status string) ([]Suggestion, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, original_url, COALESCE(original_source,''), replacement_url, COALESCE(replacement_source,''), COALESCE(reason,''), confidence_score, status, applied_article_ids, replacement_count, created_at, updated_at
FROM replacement_suggestions
WHERE status=$1
ORDER BY created_at DESC
`, status)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()

	var out []Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// ActiveSuggestionForURL reports whether a non-terminal suggestion already
// exists for the original URL. A citation holds at most one active suggestion.
func (s *Store) ActiveSuggestionForURL(ctx context.Context, originalURL string) (Suggestion, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, original_url, COALESCE(original_source,''), replacement_url, COALESCE(replacement_source,''), COALESCE(reason,''), confidence_score, status, applied_article_ids, replacement_count, created_at, updated_at
FROM replacement_suggestions
WHERE original_url=$1 AND status IN ($2,$3)
ORDER BY created_at DESC
LIMIT 1
`, originalURL, SuggestionStatusSuggested, SuggestionStatusApproved)
	sg, err := scanSuggestion(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Suggestion{}, false, nil
		}
		return Suggestion{}, false, err
	}
	return sg, true, nil
}

// TransitionSuggestion moves a suggestion from one status to another. The
// update is conditional on the current status so concurrent writers cannot
// skip states; a miss returns ErrBadTransition.
func (s *Store) TransitionSuggestion(ctx context.Context, id, from, to string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE replacement_suggestions SET status=$3, updated_at=NOW() WHERE id=$1 AND status=$2
`, id, from, to)
	if err != nil {
		return fmt.Errorf("transition suggestion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBadTransition
	}
	return nil
}

// MarkSuggestionApplied appends the article to applied_article_ids, bumps the
// replacement count and advances the status to applied.
func (s *Store) MarkSuggestionApplied(ctx context.Context, id, articleID string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE replacement_suggestions
SET status=$3,
    applied_article_ids = array_append(applied_article_ids, $2),
    replacement_count = replacement_count + 1,
    updated_at = NOW()
WHERE id=$1 AND status IN ($3,$4)
`, id, articleID, SuggestionStatusApplied, SuggestionStatusApproved)
	if err != nil {
		return fmt.Errorf("mark suggestion applied: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBadTransition
	}
	return nil
}

func scanSuggestion(row rowScanner) (Suggestion, error) {
	var sg Suggestion
	var applied pq.StringArray
	if err := row.Scan(&sg.ID, &sg.OriginalURL, &sg.OriginalSource, &sg.ReplacementURL, &sg.ReplacementSource,
		&sg.Reason, &sg.ConfidenceScore, &sg.Status, &applied, &sg.ReplacementCount, &sg.CreatedAt, &sg.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Suggestion{}, ErrNotFound
		}
		return Suggestion{}, fmt.Errorf("scan suggestion: %w", err)
	}
	sg.AppliedArticleIDs = []string(applied)
	return sg, nil
}
