package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/hungaromedia/citekeeper/internal/discovery"
	"github.com/hungaromedia/citekeeper/internal/gate"
	"github.com/hungaromedia/citekeeper/internal/queue/streams"
	"github.com/hungaromedia/citekeeper/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

const surroundingExcerptLen = 400

// WorkerStoreAPI captures the store methods the chunk worker requires.
type WorkerStoreAPI interface {
	ClaimIdempotency(ctx context.Context, scope, key string) (bool, error)
	GetArticle(ctx context.Context, id string) (store.Article, error)
	ClaimNextPendingChunk(ctx context.Context, jobID string) (store.Chunk, bool, error)
	UpdateChunkProgress(ctx context.Context, chunkID string, current, autoApplied, manualReview, failed int) error
	FinishChunk(ctx context.Context, chunkID, status, errMsg string, autoApplied, manualReview, failed int) error
	FinalizeJobIfDone(ctx context.Context, jobID string) (store.Job, bool, error)
}

// Discoverer is the slice of the replacement discoverer the worker calls.
type Discoverer interface {
	Discover(ctx context.Context, req discovery.Request) (store.Suggestion, error)
}

// Gatekeeper decides whether a suggestion may be applied automatically.
type Gatekeeper interface {
	Evaluate(ctx context.Context, sg store.Suggestion, article store.Article) (gate.Decision, error)
}

// Applier applies an approved suggestion to one article.
type Applier interface {
	Apply(ctx context.Context, articleID string, sg store.Suggestion) error
}

// Worker consumes chunk.dispatch events, processes the claimed chunk's work
// items strictly sequentially, and chains the next invocation. Sequential
// processing respects external API rate limits at the cost of throughput.
type Worker struct {
	logger         *log.Logger
	store          WorkerStoreAPI
	consumer       *streams.Consumer
	publisher      Publisher
	stream         string
	discoverer     Discoverer
	gate           Gatekeeper
	patcher        Applier
	heartbeatEvery time.Duration
	chunkCounter   otelmetric.Int64Counter
	itemCounter    otelmetric.Int64Counter
}

// NewWorker constructs a Worker.
func NewWorker(st WorkerStoreAPI, cons *streams.Consumer, pub Publisher, stream string, disc Discoverer, g Gatekeeper, apply Applier, heartbeatEvery time.Duration) *Worker {
	if heartbeatEvery <= 0 {
		heartbeatEvery = 30 * time.Second
	}
	w := &Worker{
		logger:         log.New(log.Writer(), "[WORKER] ", log.LstdFlags),
		store:          st,
		consumer:       cons,
		publisher:      pub,
		stream:         stream,
		discoverer:     disc,
		gate:           g,
		patcher:        apply,
		heartbeatEvery: heartbeatEvery,
	}
	meter := otel.Meter("citekeeper/worker")
	var err error
	w.chunkCounter, err = meter.Int64Counter("worker_chunks_processed")
	if err != nil {
		w.logger.Printf("warn: create chunk counter failed: %v", err)
	}
	w.itemCounter, err = meter.Int64Counter("worker_items_processed")
	if err != nil {
		w.logger.Printf("warn: create item counter failed: %v", err)
	}
	return w
}

// Start blocks, continuously consuming chunk.dispatch events until the
// context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Printf("chunk worker starting; consuming stream %s", w.stream)
	for {
		select {
		case <-ctx.Done():
			w.logger.Printf("chunk worker stopping: %v", ctx.Err())
			return nil
		default:
		}

		msgs, err := w.consumer.Read(ctx, w.stream, streams.WithBlock(5*time.Second), streams.WithCount(16))
		if err != nil {
			w.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			if err := w.HandleDispatch(ctx, msg); err != nil {
				w.logger.Printf("error handling dispatch %s: %v", msg.ID, err)
			}
			if err := w.consumer.Ack(ctx, w.stream, msg.ID); err != nil {
				w.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
			}
		}
	}
}

// HandleDispatch processes one chunk.dispatch event: claim the lowest pending
// chunk of the job, run it, chain the next dispatch, and finalize the job
// when no pending chunk remains.
func (w *Worker) HandleDispatch(ctx context.Context, msg streams.Message) error {
	claimed, err := w.store.ClaimIdempotency(ctx, msg.Envelope.EventType, msg.Envelope.EventID)
	if err != nil {
		return fmt.Errorf("claim idempotency: %w", err)
	}
	if !claimed {
		w.logger.Printf("skip event %s, already processed", msg.Envelope.EventID)
		return nil
	}

	var payload DispatchPayload
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
		return fmt.Errorf("unmarshal dispatch payload: %w", err)
	}
	return w.ProcessNext(ctx, payload.JobID)
}

// ProcessNext claims and runs one chunk of the job. When no pending chunk
// remains it finalizes the job instead.
func (w *Worker) ProcessNext(ctx context.Context, jobID string) error {
	chunk, ok, err := w.store.ClaimNextPendingChunk(ctx, jobID)
	if err != nil {
		return fmt.Errorf("claim chunk: %w", err)
	}
	if !ok {
		job, done, err := w.store.FinalizeJobIfDone(ctx, jobID)
		if err != nil {
			return err
		}
		if done {
			w.logger.Printf("job %s completed: auto=%d manual=%d failed=%d", job.ID, job.AutoApplied, job.ManualReview, job.FailedItems)
		}
		return nil
	}

	tally := w.runChunk(ctx, chunk)
	status := store.ChunkStatusCompleted
	if tally.fatal != nil {
		// A chunk-fatal error does not stop the chain; finalization still
		// counts the chunk toward job completion.
		status = store.ChunkStatusFailed
		w.logger.Printf("chunk %d of job %s failed: %v", chunk.ChunkNumber, jobID, tally.fatal)
	}
	errMsg := ""
	if tally.fatal != nil {
		errMsg = tally.fatal.Error()
	}
	if err := w.store.FinishChunk(ctx, chunk.ID, status, errMsg, tally.auto, tally.manual, tally.failed); err != nil {
		return fmt.Errorf("finish chunk: %w", err)
	}
	if w.chunkCounter != nil {
		w.chunkCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", status)))
	}

	// Trampoline: fire an independent invocation for the next pending chunk
	// so each execution stays inside its time budget.
	if _, err := w.publisher.PublishRaw(ctx, w.stream, EventChunkDispatch, payloadVersion, DispatchPayload{JobID: jobID}); err != nil {
		return fmt.Errorf("chain next chunk: %w", err)
	}
	return nil
}

type chunkTally struct {
	auto   int
	manual int
	failed int
	fatal  error
}

// runChunk iterates the chunk's work items strictly sequentially. Per-item
// errors are tallied as failed for that item only; a panic escaping the loop
// surfaces as the chunk's fatal error.
func (w *Worker) runChunk(ctx context.Context, chunk store.Chunk) (tally chunkTally) {
	defer func() {
		if r := recover(); r != nil {
			tally.fatal = fmt.Errorf("chunk panic: %v", r)
		}
	}()

	lastBeat := time.Now()
	for i, item := range chunk.Items {
		outcome := w.processItem(ctx, item)
		switch outcome {
		case gate.DecisionApproved:
			tally.auto++
		case gate.DecisionManual, gate.DecisionRejected:
			tally.manual++
		default:
			tally.failed++
		}
		if w.itemCounter != nil {
			w.itemCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", string(outcome))))
		}

		if time.Since(lastBeat) >= w.heartbeatEvery {
			if err := w.store.UpdateChunkProgress(ctx, chunk.ID, i+1, tally.auto, tally.manual, tally.failed); err != nil {
				w.logger.Printf("warn: heartbeat chunk %s: %v", chunk.ID, err)
			}
			lastBeat = time.Now()
		}
	}
	return tally
}

const outcomeFailed gate.Decision = "failed"

// processItem runs Discover -> Gate -> Apply for one work item.
func (w *Worker) processItem(ctx context.Context, item store.WorkItem) gate.Decision {
	article, err := w.store.GetArticle(ctx, item.ArticleID)
	if err != nil {
		w.logger.Printf("item %s/%s: load article: %v", item.ArticleID, item.Citation.URL, err)
		return outcomeFailed
	}

	sg, err := w.discoverer.Discover(ctx, discovery.Request{
		ArticleID:   item.ArticleID,
		Citation:    item.Citation,
		Headline:    article.Headline,
		Language:    article.Language,
		FunnelStage: article.FunnelStage,
		Surrounding: textExcerpt(article.Content, surroundingExcerptLen),
	})
	if err != nil {
		w.logger.Printf("item %s/%s: discover: %v", item.ArticleID, item.Citation.URL, err)
		return outcomeFailed
	}

	decision := gate.DecisionManual
	if sg.Status == store.SuggestionStatusSuggested {
		decision, err = w.gate.Evaluate(ctx, sg, article)
		if err != nil && decision != gate.DecisionRejected {
			w.logger.Printf("item %s/%s: gate: %v", item.ArticleID, item.Citation.URL, err)
			return outcomeFailed
		}
	} else if sg.Status == store.SuggestionStatusApproved {
		decision = gate.DecisionApproved
	}

	if decision != gate.DecisionApproved {
		return decision
	}
	sg.Status = store.SuggestionStatusApproved
	if err := w.patcher.Apply(ctx, item.ArticleID, sg); err != nil {
		// The suggestion stays approved for manual retry.
		w.logger.Printf("item %s/%s: apply: %v", item.ArticleID, item.Citation.URL, err)
		return outcomeFailed
	}
	return gate.DecisionApproved
}

// textExcerpt strips markup and returns the leading visible text, used as the
// discovery query's surrounding-text context.
func textExcerpt(html string, max int) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	text := strings.Join(strings.Fields(doc.Text()), " ")
	runes := []rune(text)
	if len(runes) > max {
		runes = runes[:max]
	}
	return string(runes)
}
