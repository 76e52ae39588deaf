// Package local implements the local-tree crawler: it walks a
// directory, derives project/version from SVN-style trunk/branches path
// segments, and uses filesystem mtime as last_modified.
package local

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klask-io/klask/internal/crawl"
	"github.com/klask-io/klask/internal/klaskerr"
	"github.com/klask-io/klask/internal/model"
	"github.com/klask-io/klask/internal/observability"
	"github.com/klask-io/klask/internal/security"
)

// Crawler walks Repo.Location, a local directory tree.
type Crawler struct {
	Repo       model.Repository
	Classifier *crawl.Classifier
	BatchDocs  int
	BatchBytes int64
	Logger     *observability.Logger
}

// ID satisfies crawl.Crawler.
func (c *Crawler) ID() string { return c.Repo.ID }

// Start walks the configured directory and submits a document per
// admitted file.
func (c *Crawler) Start(ctx context.Context, cancel crawl.CancelToken, progress crawl.ProgressSink, indexer crawl.Indexer) (model.CrawlSummary, error) {
	started := time.Now()
	progress.Update(c.Repo.ID, func(p *model.CrawlProgress) {
		p.State = model.ProgressProcessing
		p.StartTime = started
		p.LastHeartbeat = started
	})

	root, err := filepath.Abs(c.Repo.Location)
	if err != nil {
		progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressFailed })
		return model.CrawlSummary{TerminalState: model.ProgressFailed}, klaskerr.Wrap(klaskerr.CrawlFailed, "resolve local tree root", err)
	}

	batcher := crawl.NewBatcher(indexer, c.BatchDocs, c.BatchBytes)
	var filesSkipped int
	var bytesProcessed int64
	type scope struct{ project, version string }
	seenByScope := make(map[scope]map[string]bool) // for per-project/version tombstoning

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if cancel.Cancelled() {
			return context.Canceled
		}

		if d.IsDir() {
			if d.Name() != "." && isExcludedDirName(c.Classifier, d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		relPath, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		progress.Update(c.Repo.ID, func(cp *model.CrawlProgress) { cp.FilesDiscovered++ })

		skip := func() {
			filesSkipped++
			progress.Update(c.Repo.ID, func(cp *model.CrawlProgress) { cp.FilesSkipped++ })
		}

		info, err := d.Info()
		if err != nil {
			skip()
			return nil
		}

		ext := crawl.ExtensionOf(d.Name())
		if c.Classifier.ExcludePath(relPath) || !c.Classifier.AllowExtension(ext) || info.Size() > c.Classifier.MaxFileBytes {
			skip()
			return nil
		}

		// A walked entry can still resolve outside root via a
		// symlinked directory; refuse to read anything that does.
		safePath, err := security.ValidatePathWithinBase(p, root)
		if err != nil {
			skip()
			return nil
		}

		content, err := os.ReadFile(safePath)
		if err != nil {
			skip()
			return nil
		}
		if crawl.IsBinary(content) {
			skip()
			return nil
		}

		project, version := deriveProjectVersion(relPath)
		bytesProcessed += int64(len(content))

		progress.Update(c.Repo.ID, func(cp *model.CrawlProgress) {
			cp.CurrentFile = relPath
			cp.FilesProcessed++
			cp.BytesProcessed += int64(len(content))
			cp.LastHeartbeat = time.Now()
		})

		doc := model.FileDocument{
			ID:           model.NewDocumentID(c.Repo.ID, project, version, relPath),
			Name:         filepath.Base(relPath),
			Extension:    ext,
			Path:         relPath,
			Project:      project,
			Version:      version,
			RepositoryID: c.Repo.ID,
			SizeBytes:    info.Size(),
			Content:      string(content),
			LastModified: info.ModTime(),
		}

		sc := scope{project: project, version: version}
		if seenByScope[sc] == nil {
			seenByScope[sc] = make(map[string]bool)
		}
		seenByScope[sc][doc.ID] = true

		return batcher.Add(ctx, cancel, doc)
	})

	if walkErr != nil && walkErr != context.Canceled {
		progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressFailed })
		return model.CrawlSummary{TerminalState: model.ProgressFailed}, klaskerr.Wrap(klaskerr.CrawlFailed, "walk local tree", walkErr)
	}
	if walkErr == context.Canceled {
		progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressCancelling })
		progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressFailed })
		return model.CrawlSummary{
			FilesIndexed:   batcher.Indexed,
			FilesSkipped:   filesSkipped + batcher.Skipped,
			BytesProcessed: bytesProcessed,
			Duration:       time.Since(started),
			TerminalState:  model.ProgressFailed,
		}, nil
	}

	progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressIndexing })
	if err := batcher.Flush(ctx); err != nil {
		progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressFailed })
		return model.CrawlSummary{TerminalState: model.ProgressFailed}, err
	}

	for sc, seenIDs := range seenByScope {
		if _, err := crawl.Tombstone(ctx, indexer, c.Repo.ID, sc.project, sc.version, seenIDs, c.Repo.TombstoneEnabled); err != nil {
			progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressFailed })
			return model.CrawlSummary{TerminalState: model.ProgressFailed}, err
		}
	}

	progress.Update(c.Repo.ID, func(p *model.CrawlProgress) { p.State = model.ProgressCompleted })

	return model.CrawlSummary{
		FilesIndexed:   batcher.Indexed,
		FilesSkipped:   filesSkipped + batcher.Skipped,
		BytesProcessed: bytesProcessed,
		Duration:       time.Since(started),
		TerminalState:  model.ProgressCompleted,
	}, nil
}

func isExcludedDirName(c *crawl.Classifier, name string) bool {
	return c.ExcludeDirs[name]
}

// deriveProjectVersion applies the SVN-style layout heuristic: a path
// containing "branches/<name>/" yields version=<name> and project=the
// segment before "branches"; a path containing "trunk/" yields
// version="trunk" and project=the segment before "trunk"; otherwise
// version="trunk" and project is empty.
func deriveProjectVersion(relPath string) (project, version string) {
	segments := strings.Split(relPath, "/")
	for i, seg := range segments {
		switch seg {
		case "branches":
			if i+1 < len(segments) {
				version = segments[i+1]
				if i > 0 {
					project = segments[i-1]
				}
				return project, version
			}
		case "trunk":
			if i > 0 {
				project = segments[i-1]
			}
			return project, "trunk"
		}
	}
	return "", "trunk"
}
