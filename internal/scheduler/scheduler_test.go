package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/klask-io/klask/internal/crawl"
	"github.com/klask-io/klask/internal/index"
	"github.com/klask-io/klask/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu          sync.Mutex
	repos       map[string]model.Repository
	inProgress  []string
	outcomes    map[string]CrawlOutcome
	recoveredAt int
}

func newFakeStore(repos ...model.Repository) *fakeStore {
	m := make(map[string]model.Repository, len(repos))
	for _, r := range repos {
		m[r.ID] = r
	}
	return &fakeStore{repos: m, outcomes: make(map[string]CrawlOutcome)}
}

func (s *fakeStore) ListSchedulable(ctx context.Context, now time.Time) ([]model.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Repository
	for _, r := range s.repos {
		if r.CrawlState != model.CrawlInProgress && r.AutoCrawlEnabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) GetRepository(ctx context.Context, repoID string) (model.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[repoID]
	if !ok {
		return model.Repository{}, assert.AnError
	}
	return r, nil
}

func (s *fakeStore) MarkInProgress(ctx context.Context, repoID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.repos[repoID]
	r.CrawlState = model.CrawlInProgress
	s.repos[repoID] = r
	s.inProgress = append(s.inProgress, repoID)
	return nil
}

func (s *fakeStore) RecordCrawlResult(ctx context.Context, repoID string, outcome CrawlOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.repos[repoID]
	if outcome.Success {
		r.CrawlState = model.CrawlIdle
	} else {
		r.CrawlState = model.CrawlFailed
	}
	s.repos[repoID] = r
	s.outcomes[repoID] = outcome
	return nil
}

func (s *fakeStore) RecoverAbandoned(ctx context.Context) ([]model.Repository, error) {
	s.recoveredAt++
	return nil, nil
}

type fakeCrawler struct {
	id      string
	block   chan struct{}
	delay   time.Duration
	fail    bool
	started chan struct{}
}

func (f *fakeCrawler) ID() string { return f.id }

func (f *fakeCrawler) Start(ctx context.Context, cancel crawl.CancelToken, progress crawl.ProgressSink, indexer crawl.Indexer) (model.CrawlSummary, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return model.CrawlSummary{TerminalState: model.ProgressFailed}, nil
		case <-cancel.Done():
			return model.CrawlSummary{TerminalState: model.ProgressFailed}, nil
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return model.CrawlSummary{TerminalState: model.ProgressFailed}, nil
		}
	}
	if f.fail {
		return model.CrawlSummary{TerminalState: model.ProgressFailed}, assert.AnError
	}
	return model.CrawlSummary{FilesIndexed: 1, TerminalState: model.ProgressCompleted}, nil
}

type fakeIndexer struct{}

func (fakeIndexer) IndexBatch(ctx context.Context, docs []model.FileDocument) (index.BatchResult, error) {
	return index.BatchResult{Indexed: len(docs)}, nil
}

func (fakeIndexer) DeleteStale(ctx context.Context, repoID, project, version string, keepIDs map[string]bool) (int, error) {
	return 0, nil
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestDispatchDue_RunsSchedulableRepository(t *testing.T) {
	repo := model.Repository{ID: "r1", AutoCrawlEnabled: true, CrawlFrequencyHours: 1}
	store := newFakeStore(repo)
	progress := NewProgressRegistry()

	sched := New(store, fakeIndexer{}, func(r model.Repository) (crawl.Crawler, error) {
		return &fakeCrawler{id: r.ID}, nil
	}, progress, nil, 4)

	sched.DispatchDue(context.Background())
	sched.wg.Wait()

	store.mu.Lock()
	outcome, ok := store.outcomes["r1"]
	store.mu.Unlock()
	require.True(t, ok)
	assert.True(t, outcome.Success)
}

func TestTriggerCrawl_RejectsWhenAlreadyInProgress(t *testing.T) {
	repo := model.Repository{ID: "r1", AutoCrawlEnabled: true, CrawlFrequencyHours: 1, CrawlState: model.CrawlInProgress}
	store := newFakeStore(repo)
	progress := NewProgressRegistry()

	sched := New(store, fakeIndexer{}, func(r model.Repository) (crawl.Crawler, error) {
		return &fakeCrawler{id: r.ID}, nil
	}, progress, nil, 4)

	err := sched.TriggerCrawl(context.Background(), "r1")
	require.Error(t, err)
}

func TestStopCrawl_CancelsActiveCrawler(t *testing.T) {
	repo := model.Repository{ID: "r1", AutoCrawlEnabled: true, CrawlFrequencyHours: 1}
	store := newFakeStore(repo)
	progress := NewProgressRegistry()

	started := make(chan struct{})
	block := make(chan struct{})
	sched := New(store, fakeIndexer{}, func(r model.Repository) (crawl.Crawler, error) {
		return &fakeCrawler{id: r.ID, started: started, block: block}, nil
	}, progress, nil, 4)

	sched.DispatchDue(context.Background())
	<-started

	waitUntil(t, time.Second, func() bool {
		sched.semMu.Lock()
		defer sched.semMu.Unlock()
		_, ok := sched.active["r1"]
		return ok
	})

	require.NoError(t, sched.StopCrawl("r1"))
	close(block)
	sched.wg.Wait()

	store.mu.Lock()
	outcome := store.outcomes["r1"]
	store.mu.Unlock()
	assert.False(t, outcome.Success)
}

func TestDispatchDue_DoesNotDoubleScheduleQueuedRepository(t *testing.T) {
	r1 := model.Repository{ID: "r1", AutoCrawlEnabled: true, CrawlFrequencyHours: 1}
	store := newFakeStore(r1)
	progress := NewProgressRegistry()

	started := make(chan struct{})
	block := make(chan struct{})
	sched := New(store, fakeIndexer{}, func(r model.Repository) (crawl.Crawler, error) {
		if r.ID == "r1" {
			return &fakeCrawler{id: r.ID, started: started, block: block}, nil
		}
		return &fakeCrawler{id: r.ID}, nil
	}, progress, nil, 1)

	// r1 takes the only slot and blocks.
	sched.DispatchDue(context.Background())
	<-started

	// r2 becomes due while the slot is held: it queues on the semaphore
	// without being marked in_progress, so the store keeps listing it.
	store.mu.Lock()
	store.repos["r2"] = model.Repository{ID: "r2", AutoCrawlEnabled: true, CrawlFrequencyHours: 1}
	store.mu.Unlock()

	sched.DispatchDue(context.Background())
	sched.DispatchDue(context.Background())

	close(block)
	sched.wg.Wait()

	store.mu.Lock()
	var r2Marked int
	for _, id := range store.inProgress {
		if id == "r2" {
			r2Marked++
		}
	}
	store.mu.Unlock()
	assert.Equal(t, 1, r2Marked)
}

func TestTriggerCrawl_RejectsWhenAlreadyQueued(t *testing.T) {
	r0 := model.Repository{ID: "r0", AutoCrawlEnabled: true, CrawlFrequencyHours: 1}
	r1 := model.Repository{ID: "r1", AutoCrawlEnabled: true, CrawlFrequencyHours: 1}
	store := newFakeStore(r0, r1)

	started := make(chan struct{})
	block := make(chan struct{})
	sched := New(store, fakeIndexer{}, func(r model.Repository) (crawl.Crawler, error) {
		if r.ID == "r0" {
			return &fakeCrawler{id: r.ID, started: started, block: block}, nil
		}
		return &fakeCrawler{id: r.ID}, nil
	}, NewProgressRegistry(), nil, 1)

	// r0 holds the only slot, so r1 queues without being marked
	// in_progress; a second trigger for it must still be rejected.
	require.NoError(t, sched.TriggerCrawl(context.Background(), "r0"))
	<-started
	require.NoError(t, sched.TriggerCrawl(context.Background(), "r1"))

	err := sched.TriggerCrawl(context.Background(), "r1")
	require.Error(t, err)

	close(block)
	sched.wg.Wait()
}

func TestDispatchDue_BoundsConcurrencyBySemaphore(t *testing.T) {
	repos := []model.Repository{
		{ID: "r1", AutoCrawlEnabled: true, CrawlFrequencyHours: 1},
		{ID: "r2", AutoCrawlEnabled: true, CrawlFrequencyHours: 1},
		{ID: "r3", AutoCrawlEnabled: true, CrawlFrequencyHours: 1},
	}
	store := newFakeStore(repos...)
	progress := NewProgressRegistry()

	var inFlight int32
	var maxObserved int32
	var mu sync.Mutex

	sched := New(store, fakeIndexer{}, func(r model.Repository) (crawl.Crawler, error) {
		return &fakeCrawlerCounting{delay: 20 * time.Millisecond, inFlight: &inFlight, max: &maxObserved, mu: &mu}, nil
	}, progress, nil, 2)

	sched.DispatchDue(context.Background())
	sched.wg.Wait()

	assert.LessOrEqual(t, int(maxObserved), 2)
}

type fakeCrawlerCounting struct {
	delay    time.Duration
	inFlight *int32
	max      *int32
	mu       *sync.Mutex
}

func (f *fakeCrawlerCounting) ID() string { return "counting" }

func (f *fakeCrawlerCounting) Start(ctx context.Context, cancel crawl.CancelToken, progress crawl.ProgressSink, indexer crawl.Indexer) (model.CrawlSummary, error) {
	f.mu.Lock()
	*f.inFlight++
	if *f.inFlight > *f.max {
		*f.max = *f.inFlight
	}
	f.mu.Unlock()

	time.Sleep(f.delay)

	f.mu.Lock()
	*f.inFlight--
	f.mu.Unlock()

	return model.CrawlSummary{FilesIndexed: 1, TerminalState: model.ProgressCompleted}, nil
}

func TestRecoverAbandoned_DelegatesToStore(t *testing.T) {
	store := newFakeStore()
	sched := New(store, fakeIndexer{}, nil, NewProgressRegistry(), nil, 4)
	require.NoError(t, sched.RecoverAbandoned(context.Background()))
	assert.Equal(t, 1, store.recoveredAt)
}
