// Package index implements the full-text inverted index behind search:
// field-level tokenization, a query-language compiler, BM25 ranking,
// snippet highlighting, and faceted aggregation. Postings lists, the
// term dictionary, and wildcard/fuzzy matching are hand-rolled;
// surrounding concerns (logging, metrics, facet caching) are delegated.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/klask-io/klask/internal/index/facet"
	"github.com/klask-io/klask/internal/klaskerr"
	"github.com/klask-io/klask/internal/model"
	"github.com/klask-io/klask/internal/observability"
)

// Config tunes indexer behavior.
type Config struct {
	// MaxDocBytes caps indexed content size; larger documents are rejected.
	MaxDocBytes int64
	// CommitAfterDocs triggers a commit after this many uncommitted documents.
	CommitAfterDocs int
	// TopFacetN bounds the number of values returned per faceted field.
	TopFacetN int
}

// DefaultConfig returns the indexer's default tuning.
func DefaultConfig() Config {
	return Config{
		MaxDocBytes:     10 << 20, // 10 MiB, matches the crawler's default size cap
		CommitAfterDocs: 1,
		TopFacetN:       50,
	}
}

// Index is the durable, concurrent full-text index. One writer at a time
// (serialized through commitCh), many concurrent readers guarded by mu.
type Index struct {
	dir    string
	cfg    Config
	logger *observability.Logger

	mu   sync.RWMutex
	docs map[string]*model.FileDocument

	content *fieldPostings
	name    *fieldPostings
	path    *fieldPostings

	facets map[string]map[string]map[string]bool // field -> value -> doc ids

	uncommitted int
	generation  uint64

	facetCache *facet.Cache

	commitCh chan chan error
	closeCh  chan struct{}
	wg       sync.WaitGroup
}

// snapshot is the on-disk representation persisted to dir/index.json.
// The format is internal to this package and not part of any external
// contract.
type snapshot struct {
	Docs []model.FileDocument `json:"docs"`
}

const snapshotFile = "index.json"

// Open loads an index from dir, creating the directory if it does not
// exist. A corrupt snapshot is logged and replaced with an empty index;
// the next crawl repopulates it.
func Open(dir string, cfg Config, logger *observability.Logger) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	idx := &Index{
		dir:      dir,
		cfg:      cfg,
		logger:   logger,
		docs:     make(map[string]*model.FileDocument),
		content:  newFieldPostings(),
		name:     newFieldPostings(),
		path:     newFieldPostings(),
		facets:   make(map[string]map[string]map[string]bool),
		commitCh: make(chan chan error),
		closeCh:  make(chan struct{}),
	}

	if err := idx.load(); err != nil {
		if logger != nil {
			logger.Warn("index directory unreadable, recreating empty index", "dir", dir, "error", err)
		}
		idx.docs = make(map[string]*model.FileDocument)
	}

	idx.wg.Add(1)
	go idx.commitLoop()

	return idx, nil
}

func (idx *Index) load() error {
	p := filepath.Join(idx.dir, snapshotFile)
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("corrupt index snapshot: %w", err)
	}
	for i := range snap.Docs {
		d := snap.Docs[i]
		idx.upsertLocked(&d)
	}
	return nil
}

// commitLoop is the single serialized writer: every persist request is
// funneled through commitCh so only one goroutine ever writes the
// snapshot at a time.
func (idx *Index) commitLoop() {
	defer idx.wg.Done()
	for {
		select {
		case reply := <-idx.commitCh:
			reply <- idx.persist()
		case <-idx.closeCh:
			return
		}
	}
}

// persist writes the current document set to disk. It takes the read
// lock itself while copying idx.docs and releases it before writing;
// only the commit loop calls it, so writes never run concurrently.
func (idx *Index) persist() error {
	idx.mu.RLock()
	snap := snapshot{Docs: make([]model.FileDocument, 0, len(idx.docs))}
	for _, d := range idx.docs {
		snap.Docs = append(snap.Docs, *d)
	}
	idx.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal index snapshot: %w", err)
	}

	tmp := filepath.Join(idx.dir, snapshotFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		if isDiskFull(err) {
			return klaskerr.Wrap(klaskerr.IndexFull, "writing index snapshot", err)
		}
		return fmt.Errorf("write index snapshot: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(idx.dir, snapshotFile)); err != nil {
		return fmt.Errorf("rename index snapshot into place: %w", err)
	}
	return nil
}

// isDiskFull reports whether err represents ENOSPC, surfaced externally
// as klaskerr.IndexFull.
func isDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

// commit requests a synchronous flush from the single writer goroutine.
func (idx *Index) commit(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case idx.commitCh <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetFacetCache attaches an optional Redis-backed cache consulted by
// Filters before recomputing the full facet universe.
func (idx *Index) SetFacetCache(c *facet.Cache) {
	idx.facetCache = c
}

// Close flushes the index and stops the writer goroutine.
func (idx *Index) Close() error {
	err := idx.commit(context.Background())
	close(idx.closeCh)
	idx.wg.Wait()
	return err
}

