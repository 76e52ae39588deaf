package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/klask-io/klask/internal/crawl"
	"github.com/klask-io/klask/internal/klaskerr"
	"github.com/klask-io/klask/internal/model"
	"github.com/klask-io/klask/internal/observability"
)

// DefaultParallelism bounds how many crawls may run at once.
const DefaultParallelism = 4

// DefaultMaxCrawlDurationMinutes is applied when a repository leaves
// max_crawl_duration_minutes unset.
const DefaultMaxCrawlDurationMinutes = 60

// maxSleep bounds the dispatch loop's wake interval so configuration
// changes become visible within a minute even if no repository is due.
const maxSleep = 60 * time.Second

// gracePeriod is how long StopCrawl waits for a crawler to reach a
// terminal state before the scheduler considers it stuck.
const gracePeriod = 10 * time.Second

// progressRetention is how long a terminal progress record stays
// queryable before the registry garbage-collects it.
const progressRetention = time.Minute

// CrawlOutcome is what the scheduler records on the repository row
// after a crawl task finishes.
type CrawlOutcome struct {
	Success         bool
	CompletedAt     time.Time
	DurationSeconds int
	NextCrawlAt     time.Time
}

// RepositoryStore is the narrow slice of the externally-owned
// relational store the scheduler needs: selecting due repositories and
// recording crawl transitions. A real implementation lives in
// internal/store; tests substitute an in-memory fake.
type RepositoryStore interface {
	ListSchedulable(ctx context.Context, now time.Time) ([]model.Repository, error)
	GetRepository(ctx context.Context, repoID string) (model.Repository, error)
	MarkInProgress(ctx context.Context, repoID string, startedAt time.Time) error
	RecordCrawlResult(ctx context.Context, repoID string, outcome CrawlOutcome) error
	RecoverAbandoned(ctx context.Context) ([]model.Repository, error)
}

// CrawlerFactory builds the appropriate crawler (git, provider-hosted,
// or local-tree) for a repository's configured source kind.
type CrawlerFactory func(repo model.Repository) (crawl.Crawler, error)

// Scheduler is the single long-lived dispatch task: it selects due
// repositories, runs their crawls behind a bounded semaphore, and
// records each outcome.
type Scheduler struct {
	Store       RepositoryStore
	Indexer     crawl.Indexer
	NewCrawler  CrawlerFactory
	Progress    *ProgressRegistry
	Logger      *observability.Logger
	Metrics     *observability.MetricsCollector
	Parallelism int

	// Poll bounds the dispatch loop's wake interval; zero falls back
	// to maxSleep.
	Poll time.Duration
	// DefaultTimeout is applied when a repository leaves
	// max_crawl_duration_minutes unset; zero falls back to
	// DefaultMaxCrawlDurationMinutes.
	DefaultTimeout time.Duration

	sem   chan struct{}
	semMu sync.Mutex
	// active holds the cancel handle of each running crawl; scheduled
	// additionally covers crawls still queued on the semaphore, so a
	// repository waiting for a slot is never dispatched twice.
	active    map[string]*crawl.CancelHandle
	scheduled map[string]bool

	wg sync.WaitGroup
}

// New constructs a Scheduler. parallelism <= 0 falls back to
// DefaultParallelism.
func New(store RepositoryStore, indexer crawl.Indexer, newCrawler CrawlerFactory, progress *ProgressRegistry, logger *observability.Logger, parallelism int) *Scheduler {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Scheduler{
		Store:       store,
		Indexer:     indexer,
		NewCrawler:  newCrawler,
		Progress:    progress,
		Logger:      logger,
		Parallelism: parallelism,
		sem:         make(chan struct{}, parallelism),
		active:      make(map[string]*crawl.CancelHandle),
		scheduled:   make(map[string]bool),
	}
}

// RecoverAbandoned cleans up repositories left in_progress by a prior
// process that died mid-crawl. It must run once at startup, before the
// dispatch loop begins.
func (s *Scheduler) RecoverAbandoned(ctx context.Context) error {
	_, err := s.Store.RecoverAbandoned(ctx)
	return err
}

// Run is the dispatch loop: it dispatches everything due, then sleeps
// for Poll (maxSleep when Poll is unset or larger), until ctx is
// cancelled. The sleep is a fixed interval; it is not shortened when a
// repository falls due before it ends.
func (s *Scheduler) Run(ctx context.Context) {
	sleep := s.Poll
	if sleep <= 0 || sleep > maxSleep {
		sleep = maxSleep
	}
	for {
		s.DispatchDue(ctx)

		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-time.After(sleep):
		}
	}
}

// DispatchDue selects every repository whose next_crawl_at has passed
// and whose state isn't already in_progress, and spawns a crawl task
// for each. It does not block on semaphore
// acquisition across repositories: each dispatched repository acquires
// its own slot in its own goroutine.
func (s *Scheduler) DispatchDue(ctx context.Context) {
	due, err := s.Store.ListSchedulable(ctx, time.Now())
	if err != nil {
		if s.Logger != nil {
			s.Logger.ErrorContext(ctx, "list schedulable repositories failed", "error", err)
		}
		return
	}
	if s.Metrics != nil {
		s.Metrics.RecordSchedulerWakeup(len(due))
	}
	for _, repo := range due {
		s.spawn(ctx, repo)
	}
}

// TriggerCrawl bypasses the schedule but still requires a semaphore
// slot; it rejects with AlreadyRunning if the repository is already
// mid-crawl.
func (s *Scheduler) TriggerCrawl(ctx context.Context, repoID string) error {
	repo, err := s.Store.GetRepository(ctx, repoID)
	if err != nil {
		return err
	}
	if repo.CrawlState == model.CrawlInProgress {
		return klaskerr.New(klaskerr.AlreadyRunning, "crawl already in progress for repository "+repoID)
	}
	if !s.spawn(ctx, repo) {
		return klaskerr.New(klaskerr.AlreadyRunning, "crawl already scheduled for repository "+repoID)
	}
	return nil
}

// StopCrawl signals the repository's cancellation token and returns
// immediately; the crawler is expected to transition to Cancelling
// then a terminal state within gracePeriod, after which the scheduler
// considers it stuck and records failure itself.
func (s *Scheduler) StopCrawl(repoID string) error {
	s.semMu.Lock()
	handle, ok := s.active[repoID]
	s.semMu.Unlock()
	if !ok {
		return klaskerr.New(klaskerr.NotFound, "no active crawl for repository "+repoID)
	}
	handle.Cancel()

	time.AfterFunc(gracePeriod, func() {
		p, ok := s.Progress.GetProgress(repoID)
		if !ok || p.State.IsTerminal() {
			return
		}
		if s.Logger != nil {
			s.Logger.Error("crawler did not stop within grace period", "repository_id", repoID, "state", string(p.State))
		}
		s.Progress.Update(repoID, func(p *model.CrawlProgress) { p.State = model.ProgressFailed })
	})
	return nil
}

// GetProgress satisfies ProgressReader by delegating to the registry.
func (s *Scheduler) GetProgress(repoID string) (model.CrawlProgress, bool) {
	return s.Progress.GetProgress(repoID)
}

// ListActiveCrawls satisfies ProgressReader by delegating to the registry.
func (s *Scheduler) ListActiveCrawls() []model.CrawlProgress {
	return s.Progress.ListActiveCrawls()
}

// spawn acquires a semaphore slot and runs repo's crawl in a new
// goroutine, tracked by the scheduler's WaitGroup so Run can drain
// cleanly on shutdown. Returns false without spawning if a crawl for
// the repository is already running or queued: the row is only marked
// in_progress after the slot is acquired, so ListSchedulable can hand
// back a repository that is still waiting for a slot.
func (s *Scheduler) spawn(ctx context.Context, repo model.Repository) bool {
	s.semMu.Lock()
	if s.scheduled[repo.ID] {
		s.semMu.Unlock()
		return false
	}
	s.scheduled[repo.ID] = true
	s.semMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.semMu.Lock()
			delete(s.scheduled, repo.ID)
			s.semMu.Unlock()
		}()

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-s.sem }()

		s.runCrawl(ctx, repo)
	}()
	return true
}

// runCrawl marks the row in_progress, builds the crawler and a
// per-crawl timeout context, runs it, and records the outcome.
func (s *Scheduler) runCrawl(ctx context.Context, repo model.Repository) {
	started := time.Now()
	if err := s.Store.MarkInProgress(ctx, repo.ID, started); err != nil {
		if s.Logger != nil {
			s.Logger.ErrorContext(ctx, "mark repository in_progress failed", "repository_id", repo.ID, "error", err)
		}
		return
	}
	s.Progress.Start(repo.ID)
	defer time.AfterFunc(progressRetention, func() { s.Progress.Finish(repo.ID) })
	if s.Metrics != nil {
		s.Metrics.RecordCrawlStart(string(repo.SourceKind))
	}

	cancelHandle := crawl.NewCancelToken()
	s.semMu.Lock()
	s.active[repo.ID] = cancelHandle
	s.semMu.Unlock()
	defer func() {
		s.semMu.Lock()
		delete(s.active, repo.ID)
		s.semMu.Unlock()
	}()

	timeout := time.Duration(repo.MaxCrawlDurationMins) * time.Minute
	if timeout <= 0 {
		timeout = s.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = DefaultMaxCrawlDurationMinutes * time.Minute
	}
	crawlCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	go func() {
		select {
		case <-crawlCtx.Done():
			cancelHandle.Cancel()
		case <-cancelHandle.Done():
		}
	}()

	c, err := s.NewCrawler(repo)
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.RecordCrawlComplete(string(repo.SourceKind), string(model.ProgressFailed), time.Since(started), 0, 0, 0)
		}
		s.finishFailed(ctx, repo, started)
		return
	}

	summary, err := c.Start(crawlCtx, cancelHandle, s.Progress, s.Indexer)
	if s.Metrics != nil {
		s.Metrics.RecordCrawlComplete(string(repo.SourceKind), string(summary.TerminalState), summary.Duration, summary.FilesIndexed, summary.FilesSkipped, summary.BytesProcessed)
	}
	if err != nil || summary.TerminalState != model.ProgressCompleted {
		if s.Logger != nil && err != nil {
			s.Logger.ErrorContext(ctx, "crawl failed", "repository_id", repo.ID, "error", err)
		}
		s.finishFailed(ctx, repo, started)
		return
	}

	if s.Logger != nil {
		s.Logger.LogCrawlSummary(ctx, summary.FilesIndexed, summary.FilesSkipped, summary.BytesProcessed, summary.Duration)
	}

	completed := time.Now()
	// Fixed-interval schedules count from this completion, not from the
	// stale last_crawled_at the row carried into the crawl.
	rescheduled := repo
	rescheduled.LastCrawledAt = &completed
	next, err := NextCrawlAt(rescheduled, completed)
	if err != nil {
		next = completed.Add(time.Duration(DefaultMaxCrawlDurationMinutes) * time.Minute)
	}
	_ = s.Store.RecordCrawlResult(ctx, repo.ID, CrawlOutcome{
		Success:         true,
		CompletedAt:     completed,
		DurationSeconds: int(completed.Sub(started).Seconds()),
		NextCrawlAt:     next,
	})
}

func (s *Scheduler) finishFailed(ctx context.Context, repo model.Repository, started time.Time) {
	completed := time.Now()
	_ = s.Store.RecordCrawlResult(ctx, repo.ID, CrawlOutcome{
		Success:         false,
		CompletedAt:     completed,
		DurationSeconds: int(completed.Sub(started).Seconds()),
	})
}
