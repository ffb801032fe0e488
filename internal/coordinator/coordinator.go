// Package coordinator partitions batch replacement work into bounded chunks
// and drives them forward through self-chaining worker invocations.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hungaromedia/citekeeper/internal/domains"
	"github.com/hungaromedia/citekeeper/internal/queue/streams"
	"github.com/hungaromedia/citekeeper/internal/store"
)

const (
	// StreamChunkDispatch carries chunk trigger events between invocations.
	EventChunkDispatch = "chunk.dispatch"
	payloadVersion     = "v1"
)

// ErrNothingToDo reports a batch request that found no dead or disallowed
// citations.
var ErrNothingToDo = errors.New("no qualifying citations to replace")

// DispatchPayload is the JSON payload of a chunk.dispatch event. The worker
// claims the lowest pending chunk itself, so the payload only names the job.
type DispatchPayload struct {
	JobID string `json:"job_id"`
}

// Publisher is the stream-publishing slice the coordinator and worker need.
// *streams.Publisher satisfies it.
type Publisher interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

// StoreAPI captures the store methods the coordinator requires.
type StoreAPI interface {
	ListArticles(ctx context.Context) ([]store.Article, error)
	ListHealthRecords(ctx context.Context, status string) ([]store.HealthRecord, error)
	CreateJobWithChunks(ctx context.Context, chunkSize int, partitions [][]store.WorkItem) (string, error)
	GetJob(ctx context.Context, id string) (store.Job, error)
	ListChunks(ctx context.Context, jobID string) ([]store.Chunk, error)
	ListStaleChunks(ctx context.Context, olderThan time.Time) ([]store.Chunk, error)
}

// Coordinator enumerates qualifying citations, persists job and chunk rows,
// triggers the first chunk and returns without blocking.
type Coordinator struct {
	store     StoreAPI
	table     *domains.Table
	publisher Publisher
	stream    string
	chunkSize int
	logger    *log.Logger
}

// New wires a Coordinator.
func New(st StoreAPI, table *domains.Table, pub Publisher, stream string, chunkSize int) *Coordinator {
	if chunkSize <= 0 {
		chunkSize = 25
	}
	return &Coordinator{
		store:     st,
		table:     table,
		publisher: pub,
		stream:    stream,
		chunkSize: chunkSize,
		logger:    log.New(log.Writer(), "[COORD] ", log.LstdFlags),
	}
}

// StartBatch creates a replacement job covering every qualifying work item,
// optionally capped at limit items, and fires the first chunk dispatch. Only
// failures here surface synchronously; once the job id is returned all
// signal flows through job and chunk counters.
func (c *Coordinator) StartBatch(ctx context.Context, limit int) (string, error) {
	items, err := c.collectWorkItems(ctx, limit)
	if err != nil {
		return "", fmt.Errorf("collect work items: %w", err)
	}
	if len(items) == 0 {
		return "", ErrNothingToDo
	}

	partitions := partition(items, c.chunkSize)
	jobID, err := c.store.CreateJobWithChunks(ctx, c.chunkSize, partitions)
	if err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}

	if _, err := c.publisher.PublishRaw(ctx, c.stream, EventChunkDispatch, payloadVersion, DispatchPayload{JobID: jobID}); err != nil {
		return "", fmt.Errorf("dispatch first chunk: %w", err)
	}
	c.logger.Printf("started job %s: %d items in %d chunks", jobID, len(items), len(partitions))
	return jobID, nil
}

// JobStatus returns the job row together with its chunks for polling.
func (c *Coordinator) JobStatus(ctx context.Context, jobID string) (store.Job, []store.Chunk, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return store.Job{}, nil, err
	}
	chunks, err := c.store.ListChunks(ctx, jobID)
	if err != nil {
		return store.Job{}, nil, err
	}
	return job, chunks, nil
}

// StaleChunks lists processing chunks whose heartbeat is older than age.
// They signal hung executions and need operator requeueing; nothing restarts
// them automatically.
func (c *Coordinator) StaleChunks(ctx context.Context, age time.Duration) ([]store.Chunk, error) {
	return c.store.ListStaleChunks(ctx, time.Now().Add(-age))
}

// collectWorkItems walks every article's citation list and keeps citations
// that are dead (broken/unreachable health) or point at a domain outside the
// allow-list.
func (c *Coordinator) collectWorkItems(ctx context.Context, limit int) ([]store.WorkItem, error) {
	dead := map[string]bool{}
	for _, status := range []string{store.HealthStatusBroken, store.HealthStatusUnreachable} {
		records, err := c.store.ListHealthRecords(ctx, status)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			dead[rec.URL] = true
		}
	}

	articles, err := c.store.ListArticles(ctx)
	if err != nil {
		return nil, err
	}

	var items []store.WorkItem
	for _, a := range articles {
		for _, cit := range a.Citations {
			if !dead[cit.URL] && c.table.Allowed(a.Language, cit.URL) {
				continue
			}
			items = append(items, store.WorkItem{ArticleID: a.ID, Citation: cit})
			if limit > 0 && len(items) >= limit {
				return items, nil
			}
		}
	}
	return items, nil
}

func partition(items []store.WorkItem, size int) [][]store.WorkItem {
	var out [][]store.WorkItem
	for len(items) > 0 {
		n := size
		if len(items) < n {
			n = len(items)
		}
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}
