package coordinator

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hungaromedia/citekeeper/internal/discovery"
	"github.com/hungaromedia/citekeeper/internal/gate"
	"github.com/hungaromedia/citekeeper/internal/queue/streams"
	"github.com/hungaromedia/citekeeper/internal/store"
)

// scriptedDiscoverer decides each item's fate from the article index encoded
// in its URL: i%3==0 high confidence, i%3==1 low confidence, i%3==2 error.
type scriptedDiscoverer struct{}

func (scriptedDiscoverer) Discover(_ context.Context, req discovery.Request) (store.Suggestion, error) {
	idx := articleIndex(req.Citation.URL)
	switch idx % 3 {
	case 0:
		return store.Suggestion{
			ID:              "sg-" + strconv.Itoa(idx),
			OriginalURL:     req.Citation.URL,
			ReplacementURL:  "https://www.ksh.hu/replacement",
			ConfidenceScore: 9.0,
			Status:          store.SuggestionStatusSuggested,
		}, nil
	case 1:
		return store.Suggestion{
			ID:              "sg-" + strconv.Itoa(idx),
			OriginalURL:     req.Citation.URL,
			ReplacementURL:  "https://www.ksh.hu/replacement",
			ConfidenceScore: 5.0,
			Status:          store.SuggestionStatusSuggested,
		}, nil
	default:
		return store.Suggestion{}, discovery.ErrNoCandidates
	}
}

func articleIndex(url string) int {
	// urls look like https://dead-07.example.com/x
	start := strings.Index(url, "dead-")
	n, _ := strconv.Atoi(url[start+5 : start+7])
	return n
}

type thresholdGate struct{}

func (thresholdGate) Evaluate(_ context.Context, sg store.Suggestion, _ store.Article) (gate.Decision, error) {
	if sg.ConfidenceScore >= 8.0 {
		return gate.DecisionApproved, nil
	}
	return gate.DecisionManual, nil
}

type countingApplier struct {
	applied int
	err     error
}

func (a *countingApplier) Apply(context.Context, string, store.Suggestion) error {
	if a.err != nil {
		return a.err
	}
	a.applied++
	return nil
}

func newTestWorker(ms *memStore, pub Publisher, applier Applier) *Worker {
	return NewWorker(ms, nil, pub, "chunk.dispatch", scriptedDiscoverer{}, thresholdGate{}, applier, time.Hour)
}

// Sixty items, chunk size 25: three chunks processed one dispatch at a time,
// each chaining the next, with the final dispatch finalizing the job.
func TestWorkerChainsThroughJob(t *testing.T) {
	ms := newMemStore()
	seedArticles(ms, 60)
	pub := &pubStub{}
	coord := New(ms, loadTable(t), pub, "chunk.dispatch", 25)

	jobID, err := coord.StartBatch(context.Background(), 0)
	if err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	applier := &countingApplier{}
	w := newTestWorker(ms, pub, applier)

	processed := 0
	for processed < pub.count {
		if err := w.ProcessNext(context.Background(), jobID); err != nil {
			t.Fatalf("ProcessNext #%d: %v", processed+1, err)
		}
		processed++
		if processed > 10 {
			t.Fatal("dispatch chain did not terminate")
		}
	}
	// three chunk dispatches plus the initial one; the final invocation found
	// no pending chunk and finalized instead of chaining
	if processed != 4 {
		t.Fatalf("processed %d dispatches, want 4", processed)
	}

	job, err := ms.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != store.JobStatusCompleted {
		t.Fatalf("job status = %s, want completed", job.Status)
	}
	if job.TotalChunks != 3 {
		t.Fatalf("total chunks = %d, want 3", job.TotalChunks)
	}
	if job.AutoApplied != 20 || job.ManualReview != 20 || job.FailedItems != 20 {
		t.Fatalf("tallies = %d/%d/%d, want 20/20/20", job.AutoApplied, job.ManualReview, job.FailedItems)
	}
	if applier.applied != 20 {
		t.Fatalf("applied = %d, want 20", applier.applied)
	}
	for _, ch := range ms.chunks {
		if ch.Status != store.ChunkStatusCompleted {
			t.Fatalf("chunk %d status = %s", ch.ChunkNumber, ch.Status)
		}
		if ch.ProgressCurrent != ch.ProgressTotal {
			t.Fatalf("chunk %d progress %d/%d", ch.ChunkNumber, ch.ProgressCurrent, ch.ProgressTotal)
		}
	}
}

func TestWorkerApplyFailureCountsAsFailed(t *testing.T) {
	ms := newMemStore()
	seedArticles(ms, 3) // indices 0..2: one auto, one manual, one discovery error
	pub := &pubStub{}
	coord := New(ms, loadTable(t), pub, "chunk.dispatch", 25)
	jobID, err := coord.StartBatch(context.Background(), 0)
	if err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	applier := &countingApplier{err: store.ErrVersionConflict}
	w := newTestWorker(ms, pub, applier)
	if err := w.ProcessNext(context.Background(), jobID); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}

	ch := ms.chunks[0]
	if ch.Status != store.ChunkStatusCompleted {
		t.Fatalf("chunk status = %s, a lost apply race must not fail the chunk", ch.Status)
	}
	// the approved item fell through to failed, the rest were unaffected
	if ch.AutoApplied != 0 || ch.ManualReview != 1 || ch.FailedItems != 2 {
		t.Fatalf("tallies = %d/%d/%d, want 0/1/2", ch.AutoApplied, ch.ManualReview, ch.FailedItems)
	}
}

type panickyDiscoverer struct{}

func (panickyDiscoverer) Discover(context.Context, discovery.Request) (store.Suggestion, error) {
	panic("oracle client exploded")
}

func TestWorkerChunkPanicFailsChunkButChains(t *testing.T) {
	ms := newMemStore()
	seedArticles(ms, 1)
	pub := &pubStub{}
	coord := New(ms, loadTable(t), pub, "chunk.dispatch", 25)
	jobID, err := coord.StartBatch(context.Background(), 0)
	if err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	before := pub.count

	w := NewWorker(ms, nil, pub, "chunk.dispatch", panickyDiscoverer{}, thresholdGate{}, &countingApplier{}, time.Hour)
	if err := w.ProcessNext(context.Background(), jobID); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}

	ch := ms.chunks[0]
	if ch.Status != store.ChunkStatusFailed {
		t.Fatalf("chunk status = %s, want failed", ch.Status)
	}
	if ch.Error == "" {
		t.Fatal("chunk error message missing")
	}
	if pub.count != before+1 {
		t.Fatal("a failed chunk must still chain the next dispatch")
	}

	// the follow-up dispatch finalizes: failed chunks count toward completion
	if err := w.ProcessNext(context.Background(), jobID); err != nil {
		t.Fatalf("final ProcessNext: %v", err)
	}
	if ms.job.Status != store.JobStatusCompleted {
		t.Fatalf("job status = %s, want completed despite the failed chunk", ms.job.Status)
	}
}

func TestHandleDispatchIdempotency(t *testing.T) {
	ms := newMemStore()
	seedArticles(ms, 1)
	pub := &pubStub{}
	coord := New(ms, loadTable(t), pub, "chunk.dispatch", 25)
	jobID, err := coord.StartBatch(context.Background(), 0)
	if err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	payload, _ := json.Marshal(DispatchPayload{JobID: jobID})
	msg := streams.Message{
		ID: "1-0",
		Envelope: streams.Envelope{
			EventID:        "evt-1",
			EventType:      EventChunkDispatch,
			PayloadVersion: "v1",
			Data:           payload,
		},
	}

	w := newTestWorker(ms, pub, &countingApplier{})
	if err := w.HandleDispatch(context.Background(), msg); err != nil {
		t.Fatalf("HandleDispatch: %v", err)
	}
	if ms.chunks[0].Status != store.ChunkStatusCompleted {
		t.Fatalf("chunk status = %s", ms.chunks[0].Status)
	}

	// replaying the same event id is a no-op
	ms.chunks[0].Status = store.ChunkStatusPending
	if err := w.HandleDispatch(context.Background(), msg); err != nil {
		t.Fatalf("replay HandleDispatch: %v", err)
	}
	if ms.chunks[0].Status != store.ChunkStatusPending {
		t.Fatal("replayed event must not claim a chunk")
	}
}

func TestHeartbeatWritesProgress(t *testing.T) {
	ms := newMemStore()
	seedArticles(ms, 4)
	pub := &pubStub{}
	coord := New(ms, loadTable(t), pub, "chunk.dispatch", 25)
	jobID, err := coord.StartBatch(context.Background(), 0)
	if err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	// zero interval: every item writes a heartbeat
	w := NewWorker(ms, nil, pub, "chunk.dispatch", scriptedDiscoverer{}, thresholdGate{}, &countingApplier{}, time.Nanosecond)
	if err := w.ProcessNext(context.Background(), jobID); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if len(ms.progress) != 4 {
		t.Fatalf("heartbeats = %d, want 4", len(ms.progress))
	}
	for i, p := range ms.progress {
		if p != i+1 {
			t.Fatalf("progress sequence = %v, want monotonically increasing", ms.progress)
		}
	}
}
