package ingestion_engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/markdave123-py/Extracta/internal/core"
)

// Extractor is the lifecycle operation the workers drive.
type Extractor interface {
	Extract(ctx context.Context, id string) error
}

// ErrQueueClosed is returned by Enqueue after Shutdown.
var ErrQueueClosed = errors.New("extraction queue is shut down")

// Queue is a bounded in-memory job queue of document ids. Jobs are hints: losing one
// on restart leaves the document UPLOADED, and any later trigger picks it up again.
type Queue struct {
	extractor Extractor
	log       zerolog.Logger
	timeout   time.Duration

	jobs      chan string
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewQueue constructs the queue with a bounded job buffer.
func NewQueue(extractor Extractor, size int, timeout time.Duration, log zerolog.Logger) *Queue {
	if size <= 0 {
		size = 64
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Queue{
		extractor: extractor,
		log:       log.With().Str("component", "extract_queue").Logger(),
		timeout:   timeout,
		jobs:      make(chan string, size),
		done:      make(chan struct{}),
	}
}

var _ Ingestor = (*Queue)(nil)

// Start runs numWorkers goroutines reading from the jobs channel until ctx is done
// or the queue is shut down.
func (q *Queue) Start(ctx context.Context, numWorkers int) {
	q.startOnce.Do(func() {
		for w := 1; w <= numWorkers; w++ {
			q.wg.Add(1)
			go q.work(ctx, w)
		}
	})
}

func (q *Queue) work(ctx context.Context, worker int) {
	defer q.wg.Done()
	log := q.log.With().Int("worker_id", worker).Logger()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("worker shutting down")
			return
		case <-q.done:
			q.drain(ctx, log)
			return
		case docID := <-q.jobs:
			q.process(ctx, docID, log)
		}
	}
}

// drain runs the jobs already buffered when Shutdown was called.
func (q *Queue) drain(ctx context.Context, log zerolog.Logger) {
	for {
		select {
		case docID := <-q.jobs:
			q.process(ctx, docID, log)
		default:
			return
		}
	}
}

// process gives each job its own timeout, detached from the caller that enqueued it.
func (q *Queue) process(ctx context.Context, docID string, log zerolog.Logger) {
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.timeout)
	defer cancel()

	err := q.extractor.Extract(jobCtx, docID)
	switch {
	case err == nil:
		log.Debug().Str("doc_id", docID).Msg("extraction job done")
	case core.IsKind(err, core.KindInvalidState):
		log.Debug().Str("doc_id", docID).Err(err).Msg("extraction job skipped")
	default:
		log.Error().Str("doc_id", docID).Err(err).Msg("extraction job failed")
	}
}

// Enqueue schedules a document ID for extraction.
// If the queue is full, this call blocks until space frees up, ctx is done or the
// queue is shut down.
func (q *Queue) Enqueue(ctx context.Context, docID string) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.jobs <- docID:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting jobs and waits for in-flight ones, or for ctx.
func (q *Queue) Shutdown(ctx context.Context) {
	q.stopOnce.Do(func() { close(q.done) })

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.log.Warn().Msg("shutdown interrupted by context")
	case <-done:
		q.log.Info().Msg("queue drained")
	}
}
