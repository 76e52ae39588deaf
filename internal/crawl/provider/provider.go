// Package provider implements the provider-hosted crawler: it lists a
// namespace's repositories through a Git-provider HTTP API (GitHub
// today) and delegates each admitted child repository to the Git tree
// crawler.
package provider

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v45/github"
	"golang.org/x/oauth2"

	"github.com/klask-io/klask/internal/crawl"
	gitcrawl "github.com/klask-io/klask/internal/crawl/git"
	"github.com/klask-io/klask/internal/klaskerr"
	"github.com/klask-io/klask/internal/model"
	"github.com/klask-io/klask/internal/observability"
)

// RepositoryLister is the narrow go-github surface this crawler needs
// (satisfied directly by a *github.Client's Repositories service),
// letting tests substitute a fake transport without a live API.
type RepositoryLister interface {
	ListByOrg(ctx context.Context, org string, opts *github.RepositoryListByOrgOptions) ([]*github.Repository, *github.Response, error)
}

// Crawler lists a namespace's repositories and delegates per-repository
// ingestion to the Git tree crawler.
type Crawler struct {
	Repo       model.Repository
	Client     RepositoryLister
	MirrorRoot string
	Classifier *crawl.Classifier
	BatchDocs  int
	BatchBytes int64
	Logger     *observability.Logger

	// OnResume is invoked after each child repository completes, so the
	// caller can persist the resumption cursor (LastProcessedProject).
	OnResume func(repoSlug string)

	limiter *rateLimiter
}

// NewGitHubClient builds a go-github client authenticated with token,
// or an unauthenticated client if token is empty.
func NewGitHubClient(ctx context.Context, token string) *github.Client {
	if token == "" {
		return github.NewClient(nil)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts))
}

// ID satisfies crawl.Crawler.
func (c *Crawler) ID() string { return c.Repo.ID }

// Start lists the namespace, applies include/exclude filtering and the
// resumption cursor, then delegates each admitted repository to a Git
// tree crawler.
func (c *Crawler) Start(ctx context.Context, cancel crawl.CancelToken, progress crawl.ProgressSink, indexer crawl.Indexer) (model.CrawlSummary, error) {
	started := time.Now()
	progress.Update(c.Repo.ID, func(p *model.CrawlProgress) {
		p.State = model.ProgressProcessing
		p.StartTime = started
		p.LastHeartbeat = started
	})

	repos, err := c.listNamespace(ctx)
	if err != nil {
		progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressFailed })
		return model.CrawlSummary{TerminalState: model.ProgressFailed}, klaskerr.Wrap(klaskerr.CrawlFailed, "list provider namespace", err)
	}

	sort.Strings(repos)
	admitted := c.filter(repos)

	var summary model.CrawlSummary
	summary.TerminalState = model.ProgressCompleted

	for _, slug := range admitted {
		if cancel.Cancelled() {
			progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressCancelling })
			summary.TerminalState = model.ProgressFailed
			summary.Duration = time.Since(started)
			return summary, nil
		}

		progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.CurrentFile = slug })

		childSummary, err := c.crawlChild(ctx, cancel, progress, indexer, slug)
		if err != nil {
			progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressFailed })
			summary.TerminalState = model.ProgressFailed
			summary.Duration = time.Since(started)
			return summary, err
		}
		summary.FilesIndexed += childSummary.FilesIndexed
		summary.FilesSkipped += childSummary.FilesSkipped
		summary.BytesProcessed += childSummary.BytesProcessed

		if c.OnResume != nil {
			c.OnResume(slug)
		}
	}

	progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressCompleted })
	summary.Duration = time.Since(started)
	return summary, nil
}

// listNamespace paginates ListByOrg and returns the full-name slugs,
// throttling between pages against the API's last-reported rate limit.
func (c *Crawler) listNamespace(ctx context.Context) ([]string, error) {
	if c.limiter == nil {
		c.limiter = newRateLimiter()
	}

	var out []string
	opts := &github.RepositoryListByOrgOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		if err := c.limiter.wait(ctx); err != nil {
			return nil, err
		}
		repos, resp, err := c.Client.ListByOrg(ctx, c.Repo.ProviderNamespace, opts)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			c.limiter.update(resp.Rate.Remaining, resp.Rate.Reset.Time)
		}
		for _, r := range repos {
			out = append(out, r.GetFullName())
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// filter applies the exclude list, exclude globs, and the resumption
// cursor: child repositories lexicographically <= the cursor are
// skipped on restart.
func (c *Crawler) filter(slugs []string) []string {
	excluded := make(map[string]bool, len(c.Repo.ProviderExcludedRepos))
	for _, s := range c.Repo.ProviderExcludedRepos {
		excluded[s] = true
	}

	var out []string
	for _, slug := range slugs {
		if excluded[slug] {
			continue
		}
		if c.matchesExcludeGlob(slug) {
			continue
		}
		if c.Repo.LastProcessedProject != "" && slug <= c.Repo.LastProcessedProject {
			continue
		}
		out = append(out, slug)
	}
	return out
}

func (c *Crawler) matchesExcludeGlob(slug string) bool {
	base := path.Base(slug)
	for _, g := range c.Repo.ProviderExcludeGlobs {
		if ok, _ := path.Match(g, slug); ok {
			return true
		}
		if ok, _ := path.Match(g, base); ok {
			return true
		}
	}
	return false
}

// crawlChild delegates ingestion of one namespace child to the Git
// tree crawler.
func (c *Crawler) crawlChild(ctx context.Context, cancel crawl.CancelToken, progress crawl.ProgressSink, indexer crawl.Indexer, slug string) (model.CrawlSummary, error) {
	return c.childCrawler(slug).Start(ctx, cancel, progress, indexer)
}

// childCrawler builds the Git tree crawler for one namespace child,
// reusing this crawler's classifier and batching thresholds. The child
// gets its own mirror directory under the namespace row's directory and
// its own project name, so children never share a mirror or collide on
// document identity.
func (c *Crawler) childCrawler(slug string) *gitcrawl.Crawler {
	childRepo := c.Repo
	childRepo.Name = lastSegment(slug)
	childRepo.Location = fmt.Sprintf("https://github.com/%s.git", slug)

	return &gitcrawl.Crawler{
		Repo:       childRepo,
		MirrorRoot: c.MirrorRoot,
		MirrorName: path.Join(c.Repo.ID, slug),
		Classifier: c.Classifier,
		BatchDocs:  c.BatchDocs,
		BatchBytes: c.BatchBytes,
		Logger:     c.Logger,
	}
}

func lastSegment(slug string) string {
	parts := strings.Split(slug, "/")
	return parts[len(parts)-1]
}
