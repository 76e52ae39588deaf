package scheduler

import (
	"sync"

	"github.com/klask-io/klask/internal/model"
)

// ProgressSink is the write-only half of the progress registry handed
// to a crawler task; it satisfies internal/crawl.ProgressSink.
type ProgressSink interface {
	Update(repoID string, fn func(p *model.CrawlProgress))
}

// ProgressReader is the read-only half handed to HTTP/admin callers.
type ProgressReader interface {
	GetProgress(repoID string) (model.CrawlProgress, bool)
	ListActiveCrawls() []model.CrawlProgress
}

// ProgressRegistry is the scheduler-owned store of in-flight crawl
// progress records. Safe for concurrent
// use by the scheduler's dispatch loop and any number of crawler tasks
// and HTTP readers.
type ProgressRegistry struct {
	mu      sync.RWMutex
	entries map[string]*model.CrawlProgress
}

// NewProgressRegistry returns an empty registry.
func NewProgressRegistry() *ProgressRegistry {
	return &ProgressRegistry{entries: make(map[string]*model.CrawlProgress)}
}

// Start creates (or replaces) the progress record for repoID at crawl
// start, so a GetProgress issued before the crawler's first Update call
// still sees a record.
func (r *ProgressRegistry) Start(repoID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[repoID] = &model.CrawlProgress{RepositoryID: repoID, State: model.ProgressStarting}
}

// Update mutates the progress record for repoID in place, creating one
// if absent. Satisfies ProgressSink.
func (r *ProgressRegistry) Update(repoID string, fn func(p *model.CrawlProgress)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[repoID]
	if !ok {
		p = &model.CrawlProgress{RepositoryID: repoID}
		r.entries[repoID] = p
	}
	fn(p)
}

// Finish removes repoID's progress record once its terminal state has
// been observed by callers, so the registry doesn't grow unbounded
// across a long-running scheduler's lifetime.
func (r *ProgressRegistry) Finish(repoID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, repoID)
}

// GetProgress returns a copy of repoID's current progress record, and
// whether one exists. Satisfies ProgressReader.
func (r *ProgressRegistry) GetProgress(repoID string) (model.CrawlProgress, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.entries[repoID]
	if !ok {
		return model.CrawlProgress{}, false
	}
	return *p, true
}

// ListActiveCrawls returns a snapshot of every non-terminal progress
// record. Satisfies ProgressReader.
func (r *ProgressRegistry) ListActiveCrawls() []model.CrawlProgress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.CrawlProgress, 0, len(r.entries))
	for _, p := range r.entries {
		if !p.State.IsTerminal() {
			out = append(out, *p)
		}
	}
	return out
}
