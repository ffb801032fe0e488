package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateJobWithChunks persists a job and all its chunk rows in one
// transaction. A failure here aborts the whole batch start.
func (s *Store) CreateJobWithChunks(ctx context.Context, chunkSize int, partitions [][]WorkItem) (string, error) {
	if len(partitions) == 0 {
		return "", fmt.Errorf("no work partitions supplied")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin job tx: %w", err)
	}
	defer tx.Rollback()

	jobID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO replacement_jobs (id, status, total_chunks, chunk_size, auto_applied, manual_review, failed_items, started_at)
VALUES ($1,$2,$3,$4,0,0,0,NOW())
`, jobID, JobStatusRunning, len(partitions), chunkSize); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}

	for i, items := range partitions {
		blob, err := json.Marshal(items)
		if err != nil {
			return "", fmt.Errorf("marshal chunk items: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO replacement_chunks (id, job_id, chunk_number, items, status, progress_current, progress_total)
VALUES ($1,$2,$3,$4,$5,0,$6)
`, uuid.NewString(), jobID, i+1, blob, ChunkStatusPending, len(items)); err != nil {
			return "", fmt.Errorf("insert chunk %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit job tx: %w", err)
	}
	return jobID, nil
}

// GetJob loads one job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, status, total_chunks, chunk_size, auto_applied, manual_review, failed_items, started_at, completed_at
FROM replacement_jobs
WHERE id=$1
`, id)
	var j Job
	var completed sql.NullTime
	if err := row.Scan(&j.ID, &j.Status, &j.TotalChunks, &j.ChunkSize, &j.AutoApplied, &j.ManualReview, &j.FailedItems, &j.StartedAt, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return j, nil
}

// ListChunks returns every chunk of a job in chunk order.
func (s *Store) ListChunks(ctx context.Context, jobID string) ([]Chunk, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, job_id, chunk_number, items, status, progress_current, progress_total, auto_applied, manual_review, failed_items, heartbeat_at, COALESCE(error,'')
FROM replacement_chunks
WHERE job_id=$1
ORDER BY chunk_number
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimNextPendingChunk atomically claims the lowest-numbered pending chunk of
// a job and marks it processing. The second return is false when no pending
// chunk remains.
func (s *Store) ClaimNextPendingChunk(ctx context.Context, jobID string) (Chunk, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
UPDATE replacement_chunks
SET status=$2, heartbeat_at=NOW()
WHERE id = (
  SELECT id FROM replacement_chunks
  WHERE job_id=$1 AND status=$3
  ORDER BY chunk_number
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING id, job_id, chunk_number, items, status, progress_current, progress_total, auto_applied, manual_review, failed_items, heartbeat_at, COALESCE(error,'')
`, jobID, ChunkStatusProcessing, ChunkStatusPending)
	c, err := scanChunk(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Chunk{}, false, nil
		}
		return Chunk{}, false, err
	}
	return c, true, nil
}

// UpdateChunkProgress writes the progress counter and refreshes the heartbeat.
func (s *Store) UpdateChunkProgress(ctx context.Context, chunkID string, current, autoApplied, manualReview, failed int) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE replacement_chunks
SET progress_current=$2, auto_applied=$3, manual_review=$4, failed_items=$5, heartbeat_at=NOW()
WHERE id=$1
`, chunkID, current, autoApplied, manualReview, failed)
	if err != nil {
		return fmt.Errorf("update chunk progress: %w", err)
	}
	return nil
}

// FinishChunk records the terminal chunk status with final counters.
func (s *Store) FinishChunk(ctx context.Context, chunkID, status, errMsg string, autoApplied, manualReview, failed int) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE replacement_chunks
SET status=$2, error=$3, auto_applied=$4, manual_review=$5, failed_items=$6, heartbeat_at=NOW()
WHERE id=$1
`, chunkID, status, nullableString(errMsg), autoApplied, manualReview, failed)
	if err != nil {
		return fmt.Errorf("finish chunk: %w", err)
	}
	return nil
}

// FinalizeJobIfDone aggregates chunk counters into the job and marks it
// completed once completed + failed chunks equal total_chunks. It reports
// whether finalization happened on this call.
func (s *Store) FinalizeJobIfDone(ctx context.Context, jobID string) (Job, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
UPDATE replacement_jobs j
SET status=$2,
    auto_applied=agg.auto_applied,
    manual_review=agg.manual_review,
    failed_items=agg.failed_items,
    completed_at=NOW()
FROM (
  SELECT COALESCE(SUM(auto_applied),0) AS auto_applied,
         COALESCE(SUM(manual_review),0) AS manual_review,
         COALESCE(SUM(failed_items),0) AS failed_items,
         COUNT(*) FILTER (WHERE status IN ($3,$4)) AS done
  FROM replacement_chunks WHERE job_id=$1
) agg
WHERE j.id=$1 AND j.status=$5 AND agg.done = j.total_chunks
RETURNING j.id, j.status, j.total_chunks, j.chunk_size, j.auto_applied, j.manual_review, j.failed_items, j.started_at, j.completed_at
`, jobID, JobStatusCompleted, ChunkStatusCompleted, ChunkStatusFailed, JobStatusRunning)

	var j Job
	var completed sql.NullTime
	if err := row.Scan(&j.ID, &j.Status, &j.TotalChunks, &j.ChunkSize, &j.AutoApplied, &j.ManualReview, &j.FailedItems, &j.StartedAt, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("finalize job: %w", err)
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return j, true, nil
}

// ListStaleChunks returns processing chunks whose heartbeat is older than the
// cutoff. They signal a hung execution and need operator requeueing.
func (s *Store) ListStaleChunks(ctx context.Context, olderThan time.Time) ([]Chunk, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, job_id, chunk_number, items, status, progress_current, progress_total, auto_applied, manual_review, failed_items, heartbeat_at, COALESCE(error,'')
FROM replacement_chunks
WHERE status=$1 AND heartbeat_at < $2
ORDER BY heartbeat_at
`, ChunkStatusProcessing, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stale chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChunk(row rowScanner) (Chunk, error) {
	var c Chunk
	var blob []byte
	var hb sql.NullTime
	if err := row.Scan(&c.ID, &c.JobID, &c.ChunkNumber, &blob, &c.Status, &c.ProgressCurrent, &c.ProgressTotal,
		&c.AutoApplied, &c.ManualReview, &c.FailedItems, &hb, &c.Error); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chunk{}, ErrNotFound
		}
		return Chunk{}, fmt.Errorf("scan chunk: %w", err)
	}
	if hb.Valid {
		t := hb.Time
		c.HeartbeatAt = &t
	}
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &c.Items); err != nil {
			return Chunk{}, fmt.Errorf("decode chunk items: %w", err)
		}
	}
	return c, nil
}
