// Package crawl implements the ingestion pipeline: pluggable crawlers
// that enumerate repository contents, classify files, and feed batches
// to the indexer, one crawler per repository source kind.
package crawl

import (
	"bytes"
	"context"
	"path"
	"strings"
	"sync"

	"github.com/klask-io/klask/internal/index"
	"github.com/klask-io/klask/internal/model"
)

// CancelToken is the cooperative cancellation signal handed to a
// crawler. Crawlers must observe it at least before every batch submit
// and every I/O boundary.
type CancelToken interface {
	// Done returns a channel closed once cancellation has been requested.
	Done() <-chan struct{}
	// Cancelled reports whether cancellation has already been requested.
	Cancelled() bool
}

// CancelHandle is the scheduler-side handle on a CancelToken: it alone
// can signal cancellation, while the crawler it's passed to only sees
// the narrower CancelToken interface.
type CancelHandle struct {
	mu        sync.Mutex
	ch        chan struct{}
	cancelled bool
}

// NewCancelToken returns a fresh, unsignalled cancellation handle.
func NewCancelToken() *CancelHandle {
	return &CancelHandle{ch: make(chan struct{})}
}

// Cancel signals cancellation. Safe to call more than once.
func (t *CancelHandle) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	close(t.ch)
}

// Done returns a channel closed once Cancel has been called.
func (t *CancelHandle) Done() <-chan struct{} { return t.ch }

// Cancelled reports whether Cancel has already been called.
func (t *CancelHandle) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Indexer is the narrow capability crawlers need from the indexing
// engine: submit batches and reconcile deletions at crawl end. The
// dependency runs one way; crawl depends on index, never the reverse.
type Indexer interface {
	IndexBatch(ctx context.Context, docs []model.FileDocument) (index.BatchResult, error)
	DeleteStale(ctx context.Context, repoID, project, version string, keepIDs map[string]bool) (int, error)
}

// ProgressSink is the write-only half of the progress registry handed
// to a crawler task.
type ProgressSink interface {
	Update(repoID string, fn func(p *model.CrawlProgress))
}

// Crawler is the shared contract for all three source kinds.
type Crawler interface {
	ID() string
	Start(ctx context.Context, cancel CancelToken, progress ProgressSink, indexer Indexer) (model.CrawlSummary, error)
}

// Classifier applies the shared file-admission rules: binary sniff,
// size cap, extension allow-list, path exclusions.
type Classifier struct {
	MaxFileBytes    int64
	AllowExtensions map[string]bool // empty means "use DefaultTextualExtensions"
	ExcludeDirs     map[string]bool
	ExcludeGlobs    []string
}

// DefaultMaxFileBytes is the default per-file size cap.
const DefaultMaxFileBytes = 10 << 20

// DefaultExcludeDirs prunes the usual VCS and build-output directories
// before enumeration, never opening files inside them.
func DefaultExcludeDirs() map[string]bool {
	return map[string]bool{
		".git":         true,
		".svn":         true,
		".hg":          true,
		"node_modules": true,
		"vendor":       true,
		"target":       true,
		"build":        true,
		"dist":         true,
	}
}

// DefaultTextualExtensions is the fallback admitted set when a
// repository defines no include-list: code, markup, config, plain text.
func DefaultTextualExtensions() map[string]bool {
	exts := []string{
		"go", "rs", "rb", "py", "js", "ts", "tsx", "jsx", "java", "kt", "c", "h",
		"cpp", "cc", "hpp", "cs", "php", "swift", "scala", "sh", "bash", "pl",
		"lua", "sql", "proto",
		"html", "htm", "css", "scss", "xml", "svg",
		"json", "yaml", "yml", "toml", "ini", "cfg", "conf", "env",
		"md", "markdown", "txt", "rst", "adoc",
	}
	out := make(map[string]bool, len(exts))
	for _, e := range exts {
		out[e] = true
	}
	return out
}

// NewClassifier builds a Classifier from a repository's configured
// extension allow-list (possibly empty). A zero maxBytes falls back to
// DefaultMaxFileBytes.
func NewClassifier(maxBytes int64, allowExtensions []string, excludeGlobs []string) *Classifier {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}
	c := &Classifier{
		MaxFileBytes: maxBytes,
		ExcludeDirs:  DefaultExcludeDirs(),
		ExcludeGlobs: excludeGlobs,
	}
	if len(allowExtensions) > 0 {
		c.AllowExtensions = make(map[string]bool, len(allowExtensions))
		for _, e := range allowExtensions {
			c.AllowExtensions[strings.ToLower(strings.TrimPrefix(e, "."))] = true
		}
	}
	return c
}

// IsBinary reports whether content looks binary: a NUL byte anywhere in
// the first 8 KiB sniff window.
func IsBinary(content []byte) bool {
	const sniffWindow = 8192
	if len(content) > sniffWindow {
		content = content[:sniffWindow]
	}
	return bytes.IndexByte(content, 0) >= 0
}

// AllowExtension reports whether ext (lowercase, no dot) is admitted.
func (c *Classifier) AllowExtension(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if len(c.AllowExtensions) > 0 {
		return c.AllowExtensions[ext]
	}
	return DefaultTextualExtensions()[ext]
}

// ExcludePath reports whether relPath should be pruned: any path
// segment matches an excluded directory name, or the base name matches
// one of the configured shell-glob exclusions.
func (c *Classifier) ExcludePath(relPath string) bool {
	relPath = filepathToSlash(relPath)
	for _, seg := range strings.Split(relPath, "/") {
		if c.ExcludeDirs[seg] {
			return true
		}
	}
	base := path.Base(relPath)
	for _, g := range c.ExcludeGlobs {
		if ok, _ := pathMatch(g, base); ok {
			return true
		}
		if ok, _ := pathMatch(g, relPath); ok {
			return true
		}
	}
	return false
}

// Admit applies path exclusion, size cap, extension filter, and binary
// sniff together: the full per-file admission decision.
func (c *Classifier) Admit(relPath string, ext string, size int64, sniff []byte) bool {
	if c.ExcludePath(relPath) {
		return false
	}
	if size > c.MaxFileBytes {
		return false
	}
	if !c.AllowExtension(ext) {
		return false
	}
	if IsBinary(sniff) {
		return false
	}
	return true
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// ExtensionOf returns the lowercase extension (no dot) of name.
func ExtensionOf(name string) string {
	ext := path.Ext(name)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

