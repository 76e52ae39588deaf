// Package git implements the Git tree crawler: it mirrors a remote
// repository locally and reads blob contents directly from the object
// database, never checking files out to a working tree. Skipping the
// checkout eliminates mutable-filesystem races and lets branches be
// read concurrently.
package git

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/klask-io/klask/internal/crawl"
	"github.com/klask-io/klask/internal/klaskerr"
	"github.com/klask-io/klask/internal/model"
	"github.com/klask-io/klask/internal/observability"
)

// MirrorMaxAge bounds how long a local mirror may go without a fetch
// before it's considered stale and re-fetched.
const MirrorMaxAge = time.Hour

// Crawler reads one Git repository's branch tips straight from a local
// bare mirror's object database.
type Crawler struct {
	Repo       model.Repository
	MirrorRoot string // parent directory for this repository's bare mirror
	// MirrorName overrides the mirror directory name under MirrorRoot;
	// empty falls back to Repo.ID. The provider crawler sets it per
	// child repository so namespace children never share a mirror.
	MirrorName string
	Classifier *crawl.Classifier
	BatchDocs  int
	BatchBytes int64
	Logger     *observability.Logger

	// Username/Password authenticate the mirror clone/fetch, decrypted
	// by the caller from the repository row just before the crawl.
	Username, Password string
}

// ID satisfies crawl.Crawler.
func (c *Crawler) ID() string { return c.Repo.ID }

// Start mirrors the repository, walks the requested branches' root
// trees, and submits a document per admitted blob.
func (c *Crawler) Start(ctx context.Context, cancel crawl.CancelToken, progress crawl.ProgressSink, indexer crawl.Indexer) (model.CrawlSummary, error) {
	started := time.Now()
	progress.Update(c.Repo.ID, func(p *model.CrawlProgress) {
		p.State = model.ProgressCloning
		p.StartTime = started
		p.LastHeartbeat = started
	})

	repo, err := c.openOrMirror(ctx)
	if err != nil {
		progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressFailed })
		return model.CrawlSummary{TerminalState: model.ProgressFailed}, klaskerr.Wrap(klaskerr.CrawlFailed, "mirror repository", err)
	}

	branches, err := c.resolveBranches(repo)
	if err != nil {
		progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressFailed })
		return model.CrawlSummary{TerminalState: model.ProgressFailed}, klaskerr.Wrap(klaskerr.CrawlFailed, "resolve branches", err)
	}

	progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressProcessing })

	batcher := crawl.NewBatcher(indexer, c.BatchDocs, c.BatchBytes)
	var filesSkipped int
	var bytesProcessed int64

	for _, b := range branches {
		if cancel.Cancelled() {
			progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressCancelling })
			return c.finishCancelled(progress, started, batcher.Indexed, filesSkipped, bytesProcessed)
		}
		progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.CurrentBranch = b.name })

		skipped, bytesRead, err := c.walkBranch(ctx, repo, b, cancel, progress, batcher)
		filesSkipped += skipped
		bytesProcessed += bytesRead
		if err != nil {
			progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressFailed })
			return model.CrawlSummary{TerminalState: model.ProgressFailed}, err
		}
		if cancel.Cancelled() || ctx.Err() != nil {
			progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressCancelling })
			return c.finishCancelled(progress, started, batcher.Indexed, filesSkipped, bytesProcessed)
		}

		progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressIndexing })
		if err := batcher.Flush(ctx); err != nil {
			progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressFailed })
			return model.CrawlSummary{TerminalState: model.ProgressFailed}, err
		}

		if _, err := crawl.Tombstone(ctx, indexer, c.Repo.ID, c.Repo.Name, b.name, batcher.SeenIDs(), c.Repo.TombstoneEnabled); err != nil {
			progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressFailed })
			return model.CrawlSummary{TerminalState: model.ProgressFailed}, err
		}
	}

	progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressCompleting })
	duration := time.Since(started)
	progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressCompleted })

	return model.CrawlSummary{
		FilesIndexed:   batcher.Indexed,
		FilesSkipped:   filesSkipped + batcher.Skipped,
		BytesProcessed: bytesProcessed,
		Duration:       duration,
		TerminalState:  model.ProgressCompleted,
	}, nil
}

func (c *Crawler) finishCancelled(progress crawl.ProgressSink, started time.Time, indexed, skipped int, bytesProcessed int64) (model.CrawlSummary, error) {
	progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressFailed })
	return model.CrawlSummary{
		FilesIndexed:   indexed,
		FilesSkipped:   skipped,
		BytesProcessed: bytesProcessed,
		Duration:       time.Since(started),
		TerminalState:  model.ProgressFailed,
	}, nil
}

type branchRef struct {
	name string
	hash plumbing.Hash
}

// resolveBranches returns the branches to walk: the default branch
// only when Repo.Branch is unset, every branch when it's the
// AllBranchesSelector sentinel, or the single named branch otherwise.
func (c *Crawler) resolveBranches(repo *git.Repository) ([]branchRef, error) {
	switch c.Repo.Branch {
	case "":
		head, err := repo.Head()
		if err != nil {
			return nil, fmt.Errorf("resolve HEAD: %w", err)
		}
		return []branchRef{{name: head.Name().Short(), hash: head.Hash()}}, nil

	case model.AllBranchesSelector:
		iter, err := repo.Branches()
		if err != nil {
			return nil, fmt.Errorf("list branches: %w", err)
		}
		defer iter.Close()

		var branches []branchRef
		err = iter.ForEach(func(ref *plumbing.Reference) error {
			branches = append(branches, branchRef{name: ref.Name().Short(), hash: ref.Hash()})
			return nil
		})
		if err != nil {
			return nil, err
		}
		return branches, nil

	default:
		ref, err := repo.Reference(plumbing.NewBranchReferenceName(c.Repo.Branch), true)
		if err != nil {
			return nil, fmt.Errorf("resolve branch %s: %w", c.Repo.Branch, err)
		}
		return []branchRef{{name: c.Repo.Branch, hash: ref.Hash()}}, nil
	}
}

// walkBranch reads the branch tip's commit tree directly from the
// object database and submits one document per admitted blob.
func (c *Crawler) walkBranch(ctx context.Context, repo *git.Repository, b branchRef, cancel crawl.CancelToken, progress crawl.ProgressSink, batcher *crawl.Batcher) (skipped int, bytesRead int64, err error) {
	commit, err := repo.CommitObject(b.hash)
	if err != nil {
		return 0, 0, fmt.Errorf("load commit for branch %s: %w", b.name, err)
	}
	lastModified := commit.Committer.When

	tree, err := commit.Tree()
	if err != nil {
		return 0, 0, fmt.Errorf("load tree for branch %s: %w", b.name, err)
	}

	walkErr := tree.Files().ForEach(func(f *object.File) error {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if cancel.Cancelled() {
			return context.Canceled
		}

		progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.FilesDiscovered++ })

		skip := func() {
			skipped++
			progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.FilesSkipped++ })
		}

		ext := crawl.ExtensionOf(f.Name)
		if c.Classifier.ExcludePath(f.Name) || !c.Classifier.AllowExtension(ext) || f.Size > c.Classifier.MaxFileBytes {
			skip()
			return nil
		}

		reader, err := f.Reader()
		if err != nil {
			skip()
			return nil
		}
		defer reader.Close()

		sniff := make([]byte, 8192)
		n, _ := io.ReadFull(reader, sniff)
		sniff = sniff[:n]
		if crawl.IsBinary(sniff) {
			skip()
			return nil
		}

		rest, err := io.ReadAll(reader)
		if err != nil {
			skip()
			return nil
		}
		content := append(sniff, rest...)
		bytesRead += int64(len(content))

		progress.Update(c.Repo.ID, func(p *model.CrawlProgress) {
			p.CurrentFile = f.Name
			p.FilesProcessed++
			p.BytesProcessed += int64(len(content))
			p.LastHeartbeat = time.Now()
		})

		doc := model.FileDocument{
			ID:           model.NewDocumentID(c.Repo.ID, c.Repo.Name, b.name, f.Name),
			Name:         filepath.Base(f.Name),
			Extension:    ext,
			Path:         f.Name,
			Project:      c.Repo.Name,
			Version:      b.name,
			RepositoryID: c.Repo.ID,
			SizeBytes:    int64(len(content)),
			Content:      string(content),
			LastModified: lastModified,
		}
		return batcher.Add(ctx, cancel, doc)
	})
	if walkErr != nil && walkErr != context.Canceled {
		return skipped, bytesRead, walkErr
	}
	return skipped, bytesRead, nil
}

// mirrorDir resolves this crawler's mirror directory: MirrorName when
// set (slashes become nested directories), Repo.ID otherwise.
func (c *Crawler) mirrorDir() string {
	name := c.MirrorName
	if name == "" {
		name = c.Repo.ID
	}
	return filepath.Join(c.MirrorRoot, filepath.FromSlash(name))
}

// openOrMirror opens the local bare mirror if present and fresh, or
// clones/re-fetches it otherwise.
func (c *Crawler) openOrMirror(ctx context.Context) (*git.Repository, error) {
	dir := c.mirrorDir()
	auth := c.authMethod()

	info, statErr := os.Stat(filepath.Join(dir, "HEAD"))
	if statErr != nil {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return nil, fmt.Errorf("create mirror parent: %w", err)
		}
		return git.PlainCloneContext(ctx, dir, true, &git.CloneOptions{
			URL:        c.Repo.Location,
			Auth:       auth,
			NoCheckout: true,
		})
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}
	if time.Since(info.ModTime()) < MirrorMaxAge {
		return repo, nil
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		Auth:       auth,
		Force:      true,
		RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/heads/*"},
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return nil, fmt.Errorf("fetch mirror: %w", err)
	}
	return repo, nil
}

func (c *Crawler) authMethod() *githttp.BasicAuth {
	if c.Username == "" && c.Password == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: c.Username, Password: c.Password}
}
