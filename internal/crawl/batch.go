package crawl

import (
	"context"
	"time"

	"github.com/klask-io/klask/internal/klaskerr"
	"github.com/klask-io/klask/internal/model"
)

// DefaultBatchDocs and DefaultBatchBytes are the default flush
// thresholds: 25 documents or 4 MiB, whichever comes first.
const (
	DefaultBatchDocs  = 25
	DefaultBatchBytes = 4 << 20
)

// retryDelays is the flush backoff schedule: two retries at 500ms and
// 2s before the crawl fails.
var retryDelays = []time.Duration{500 * time.Millisecond, 2 * time.Second}

// Batcher buffers documents emitted by a crawler and flushes them to the
// indexer in bounded batches, retrying a failed flush with backoff
// before giving up and failing the crawl.
type Batcher struct {
	indexer Indexer
	maxDocs int
	maxSize int64

	buf      []model.FileDocument
	bufBytes int64

	seenIDs map[string]bool

	Indexed int
	Skipped int
}

// NewBatcher creates a Batcher with the given thresholds; zero values
// fall back to the defaults.
func NewBatcher(indexer Indexer, maxDocs int, maxSize int64) *Batcher {
	if maxDocs <= 0 {
		maxDocs = DefaultBatchDocs
	}
	if maxSize <= 0 {
		maxSize = DefaultBatchBytes
	}
	return &Batcher{
		indexer: indexer,
		maxDocs: maxDocs,
		maxSize: maxSize,
		seenIDs: make(map[string]bool),
	}
}

// Add appends a document to the buffer, flushing if a threshold is
// crossed. Cancellation is checked before the flush.
func (b *Batcher) Add(ctx context.Context, cancel CancelToken, d model.FileDocument) error {
	b.seenIDs[d.ID] = true
	b.buf = append(b.buf, d)
	b.bufBytes += int64(len(d.Content))

	if len(b.buf) >= b.maxDocs || b.bufBytes >= b.maxSize {
		if cancel != nil && cancel.Cancelled() {
			return context.Canceled
		}
		return b.Flush(ctx)
	}
	return nil
}

// Flush submits the current buffer to the indexer, retrying on failure
// per the backoff schedule before surfacing CrawlFailed.
func (b *Batcher) Flush(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}
	docs := b.buf
	b.buf = nil
	b.bufBytes = 0

	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelays[attempt-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		result, err := b.indexer.IndexBatch(ctx, docs)
		if err == nil {
			b.Indexed += result.Indexed
			b.Skipped += result.Rejected
			return nil
		}
		lastErr = err
	}
	return klaskerr.Wrap(klaskerr.CrawlFailed, "indexer rejected batch after retries", lastErr)
}

// SeenIDs returns the set of document ids emitted so far, used for the
// end-of-crawl tombstoning reconciliation.
func (b *Batcher) SeenIDs() map[string]bool {
	out := make(map[string]bool, len(b.seenIDs))
	for id := range b.seenIDs {
		out[id] = true
	}
	return out
}

// Tombstone deletes documents for repoID/project/version absent from
// the set of ids emitted during this crawl, reconciling source-side
// deletions. A caller passes enabled=false to skip this step entirely.
func Tombstone(ctx context.Context, indexer Indexer, repoID, project, version string, seenIDs map[string]bool, enabled bool) (int, error) {
	if !enabled {
		return 0, nil
	}
	return indexer.DeleteStale(ctx, repoID, project, version, seenIDs)
}
