package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/hungaromedia/citekeeper/internal/domains"
	"github.com/hungaromedia/citekeeper/internal/queue/streams"
	"github.com/hungaromedia/citekeeper/internal/store"
)

// memStore is an in-memory store covering both the coordinator and worker
// API slices.
type memStore struct {
	articles    []store.Article
	health      map[string]string // url -> status
	job         *store.Job
	chunks      []*store.Chunk
	idempotency map[string]bool
	progress    []int // progress values written by heartbeats
}

func newMemStore() *memStore {
	return &memStore{health: map[string]string{}, idempotency: map[string]bool{}}
}

func (m *memStore) ListArticles(context.Context) ([]store.Article, error) {
	return m.articles, nil
}

func (m *memStore) ListHealthRecords(_ context.Context, status string) ([]store.HealthRecord, error) {
	var out []store.HealthRecord
	for url, s := range m.health {
		if status == "" || s == status {
			out = append(out, store.HealthRecord{URL: url, Status: s})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func (m *memStore) CreateJobWithChunks(_ context.Context, chunkSize int, partitions [][]store.WorkItem) (string, error) {
	m.job = &store.Job{ID: "job-1", Status: store.JobStatusRunning, TotalChunks: len(partitions), ChunkSize: chunkSize, StartedAt: time.Now()}
	for i, items := range partitions {
		m.chunks = append(m.chunks, &store.Chunk{
			ID:            fmt.Sprintf("chunk-%d", i+1),
			JobID:         "job-1",
			ChunkNumber:   i + 1,
			Items:         items,
			Status:        store.ChunkStatusPending,
			ProgressTotal: len(items),
		})
	}
	return "job-1", nil
}

func (m *memStore) GetJob(_ context.Context, id string) (store.Job, error) {
	if m.job == nil || m.job.ID != id {
		return store.Job{}, store.ErrNotFound
	}
	return *m.job, nil
}

func (m *memStore) ListChunks(_ context.Context, jobID string) ([]store.Chunk, error) {
	var out []store.Chunk
	for _, ch := range m.chunks {
		if ch.JobID == jobID {
			out = append(out, *ch)
		}
	}
	return out, nil
}

func (m *memStore) ListStaleChunks(_ context.Context, olderThan time.Time) ([]store.Chunk, error) {
	var out []store.Chunk
	for _, ch := range m.chunks {
		if ch.Status == store.ChunkStatusProcessing && ch.HeartbeatAt != nil && ch.HeartbeatAt.Before(olderThan) {
			out = append(out, *ch)
		}
	}
	return out, nil
}

func (m *memStore) ClaimIdempotency(_ context.Context, scope, key string) (bool, error) {
	k := scope + ":" + key
	if m.idempotency[k] {
		return false, nil
	}
	m.idempotency[k] = true
	return true, nil
}

func (m *memStore) GetArticle(_ context.Context, id string) (store.Article, error) {
	for _, a := range m.articles {
		if a.ID == id {
			return a, nil
		}
	}
	return store.Article{}, store.ErrNotFound
}

func (m *memStore) ClaimNextPendingChunk(_ context.Context, jobID string) (store.Chunk, bool, error) {
	var next *store.Chunk
	for _, ch := range m.chunks {
		if ch.JobID != jobID || ch.Status != store.ChunkStatusPending {
			continue
		}
		if next == nil || ch.ChunkNumber < next.ChunkNumber {
			next = ch
		}
	}
	if next == nil {
		return store.Chunk{}, false, nil
	}
	next.Status = store.ChunkStatusProcessing
	return *next, true, nil
}

func (m *memStore) UpdateChunkProgress(_ context.Context, chunkID string, current, auto, manual, failed int) error {
	for _, ch := range m.chunks {
		if ch.ID == chunkID {
			ch.ProgressCurrent = current
			ch.AutoApplied, ch.ManualReview, ch.FailedItems = auto, manual, failed
			now := time.Now()
			ch.HeartbeatAt = &now
			m.progress = append(m.progress, current)
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) FinishChunk(_ context.Context, chunkID, status, errMsg string, auto, manual, failed int) error {
	for _, ch := range m.chunks {
		if ch.ID == chunkID {
			ch.Status = status
			ch.Error = errMsg
			ch.AutoApplied, ch.ManualReview, ch.FailedItems = auto, manual, failed
			ch.ProgressCurrent = ch.ProgressTotal
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) FinalizeJobIfDone(_ context.Context, jobID string) (store.Job, bool, error) {
	if m.job == nil || m.job.ID != jobID || m.job.Status != store.JobStatusRunning {
		return store.Job{}, false, nil
	}
	var auto, manual, failed, done int
	for _, ch := range m.chunks {
		switch ch.Status {
		case store.ChunkStatusCompleted, store.ChunkStatusFailed:
			done++
			auto += ch.AutoApplied
			manual += ch.ManualReview
			failed += ch.FailedItems
		}
	}
	if done != m.job.TotalChunks {
		return store.Job{}, false, nil
	}
	m.job.Status = store.JobStatusCompleted
	m.job.AutoApplied, m.job.ManualReview, m.job.FailedItems = auto, manual, failed
	now := time.Now()
	m.job.CompletedAt = &now
	return *m.job, true, nil
}

type pubStub struct {
	count   int
	streams []string
	events  []string
	err     error
}

func (p *pubStub) PublishRaw(_ context.Context, stream, eventType, _ string, _ interface{}, _ ...streams.PublishOption) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.count++
	p.streams = append(p.streams, stream)
	p.events = append(p.events, eventType)
	return fmt.Sprintf("msg-%d", p.count), nil
}

func loadTable(t *testing.T) *domains.Table {
	t.Helper()
	table, err := domains.Load("")
	if err != nil {
		t.Fatalf("load domain table: %v", err)
	}
	return table
}

// seedArticles creates n articles, each citing one dead URL.
func seedArticles(ms *memStore, n int) {
	for i := 0; i < n; i++ {
		url := fmt.Sprintf("https://dead-%02d.example.com/x", i)
		ms.articles = append(ms.articles, store.Article{
			ID:        fmt.Sprintf("art-%02d", i),
			Language:  "hu",
			Headline:  "Housing piece",
			Content:   fmt.Sprintf(`<p>See <a href="%s">source</a>.</p>`, url),
			Citations: []store.Citation{{URL: url, Source: fmt.Sprintf("Source %02d", i)}},
		})
		ms.health[url] = store.HealthStatusBroken
	}
}

func TestStartBatchPartitionsAndDispatches(t *testing.T) {
	ms := newMemStore()
	seedArticles(ms, 60)
	pub := &pubStub{}
	coord := New(ms, loadTable(t), pub, "chunk.dispatch", 25)

	jobID, err := coord.StartBatch(context.Background(), 0)
	if err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	if jobID != "job-1" {
		t.Fatalf("jobID = %s", jobID)
	}
	if len(ms.chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(ms.chunks))
	}
	sizes := []int{len(ms.chunks[0].Items), len(ms.chunks[1].Items), len(ms.chunks[2].Items)}
	if sizes[0] != 25 || sizes[1] != 25 || sizes[2] != 10 {
		t.Fatalf("chunk sizes = %v, want [25 25 10]", sizes)
	}
	if pub.count != 1 || pub.events[0] != EventChunkDispatch || pub.streams[0] != "chunk.dispatch" {
		t.Fatalf("dispatch = %+v, want one chunk.dispatch event", pub)
	}
}

func TestStartBatchIncludesDisallowedDomains(t *testing.T) {
	ms := newMemStore()
	ms.articles = []store.Article{{
		ID:       "art-1",
		Language: "hu",
		Citations: []store.Citation{
			{URL: "https://www.ksh.hu/fine"},          // allowed and healthy
			{URL: "https://sketchy.example.com/page"}, // healthy but disallowed
		},
	}}
	ms.health["https://www.ksh.hu/fine"] = store.HealthStatusHealthy
	ms.health["https://sketchy.example.com/page"] = store.HealthStatusHealthy

	pub := &pubStub{}
	if _, err := New(ms, loadTable(t), pub, "chunk.dispatch", 25).StartBatch(context.Background(), 0); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	if len(ms.chunks) != 1 || len(ms.chunks[0].Items) != 1 {
		t.Fatalf("chunks = %+v, want one chunk with the disallowed citation", ms.chunks)
	}
	if got := ms.chunks[0].Items[0].Citation.URL; got != "https://sketchy.example.com/page" {
		t.Fatalf("item url = %s", got)
	}
}

func TestStartBatchLimit(t *testing.T) {
	ms := newMemStore()
	seedArticles(ms, 40)
	pub := &pubStub{}
	if _, err := New(ms, loadTable(t), pub, "chunk.dispatch", 25).StartBatch(context.Background(), 30); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	total := 0
	for _, ch := range ms.chunks {
		total += len(ch.Items)
	}
	if total != 30 {
		t.Fatalf("items = %d, want limit 30", total)
	}
}

func TestStartBatchNothingToDo(t *testing.T) {
	ms := newMemStore()
	ms.articles = []store.Article{{
		ID:        "art-1",
		Language:  "hu",
		Citations: []store.Citation{{URL: "https://www.ksh.hu/fine"}},
	}}
	pub := &pubStub{}
	_, err := New(ms, loadTable(t), pub, "chunk.dispatch", 25).StartBatch(context.Background(), 0)
	if !errors.Is(err, ErrNothingToDo) {
		t.Fatalf("err = %v, want ErrNothingToDo", err)
	}
	if pub.count != 0 {
		t.Fatal("must not dispatch an empty job")
	}
}
