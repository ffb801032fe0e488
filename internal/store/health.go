package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertHealthRecord records one probe outcome. Counters accumulate across
// probe cycles: a healthy-ish outcome bumps times_verified, everything else
// bumps times_failed.
func (s *Store) UpsertHealthRecord(ctx context.Context, rec HealthRecord) error {
	verified, failed := 0, 1
	switch rec.Status {
	case HealthStatusHealthy, HealthStatusSlow, HealthStatusRedirected:
		verified, failed = 1, 0
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO citation_health (url, last_checked_at, status, http_status_code, response_time_ms, redirect_url, times_verified, times_failed)
VALUES ($1,NOW(),$2,$3,$4,$5,$6,$7)
ON CONFLICT (url) DO UPDATE SET
  last_checked_at = NOW(),
  status = EXCLUDED.status,
  http_status_code = EXCLUDED.http_status_code,
  response_time_ms = EXCLUDED.response_time_ms,
  redirect_url = EXCLUDED.redirect_url,
  times_verified = citation_health.times_verified + $6,
  times_failed = citation_health.times_failed + $7
`, rec.URL, rec.Status, rec.HTTPStatusCode, rec.ResponseTimeMs, nullableString(rec.RedirectURL), verified, failed)
	if err != nil {
		return fmt.Errorf("upsert health record: %w", err)
	}
	return nil
}

// GetHealthRecord loads the health record for one URL.
func (s *Store) GetHealthRecord(ctx context.Context, url string) (HealthRecord, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT url, last_checked_at, status, http_status_code, response_time_ms, COALESCE(redirect_url,''), times_verified, times_failed
FROM citation_health
WHERE url=$1
`, url)
	var rec HealthRecord
	if err := row.Scan(&rec.URL, &rec.LastCheckedAt, &rec.Status, &rec.HTTPStatusCode, &rec.ResponseTimeMs, &rec.RedirectURL, &rec.TimesVerified, &rec.TimesFailed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return HealthRecord{}, ErrNotFound
		}
		return HealthRecord{}, fmt.Errorf("get health record: %w", err)
	}
	return rec, nil
}

// ListHealthRecords returns health records, optionally filtered by status.
func (s *Store) ListHealthRecords(ctx context.Context, status string) ([]HealthRecord, error) {
	query := `
SELECT url, last_checked_at, status, http_status_code, response_time_ms, COALESCE(redirect_url,''), times_verified, times_failed
FROM citation_health
`
	args := []interface{}{}
	if status != "" {
		query += "WHERE status=$1\n"
		args = append(args, status)
	}
	query += "ORDER BY last_checked_at DESC"

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list health records: %w", err)
	}
	defer rows.Close()

	var out []HealthRecord
	for rows.Next() {
		var rec HealthRecord
		if err := rows.Scan(&rec.URL, &rec.LastCheckedAt, &rec.Status, &rec.HTTPStatusCode, &rec.ResponseTimeMs, &rec.RedirectURL, &rec.TimesVerified, &rec.TimesFailed); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestProbeTime returns the most recent probe timestamp across all records,
// or nil when nothing has been probed yet.
func (s *Store) LatestProbeTime(ctx context.Context) (*time.Time, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT MAX(last_checked_at) FROM citation_health`)
	var t sql.NullTime
	if err := row.Scan(&t); err != nil {
		return nil, fmt.Errorf("latest probe time: %w", err)
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

// MarkHealthReplaced transitions a URL's record to replaced after a
// replacement has been applied everywhere.
func (s *Store) MarkHealthReplaced(ctx context.Context, url string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE citation_health SET status=$2, last_checked_at=NOW() WHERE url=$1
`, url, HealthStatusReplaced)
	if err != nil {
		return fmt.Errorf("mark health replaced: %w", err)
	}
	return nil
}
