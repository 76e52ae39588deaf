package index

import (
	"context"

	"github.com/klask-io/klask/internal/index/analyze"
	"github.com/klask-io/klask/internal/klaskerr"
	"github.com/klask-io/klask/internal/model"
)

// fieldPostings is the postings list for one tokenized field: term ->
// document id -> term frequency, plus each document's token count for
// BM25 length normalization.
type fieldPostings struct {
	postings map[string]map[string]int
	docLen   map[string]int
}

func newFieldPostings() *fieldPostings {
	return &fieldPostings{
		postings: make(map[string]map[string]int),
		docLen:   make(map[string]int),
	}
}

func (fp *fieldPostings) add(docID string, tokens []analyze.Token) {
	fp.docLen[docID] = len(tokens)
	for _, t := range tokens {
		m, ok := fp.postings[t.Term]
		if !ok {
			m = make(map[string]int)
			fp.postings[t.Term] = m
		}
		m[docID]++
	}
}

func (fp *fieldPostings) remove(docID string) {
	delete(fp.docLen, docID)
	for term, m := range fp.postings {
		if _, ok := m[docID]; ok {
			delete(m, docID)
			if len(m) == 0 {
				delete(fp.postings, term)
			}
		}
	}
}

// avgDocLen returns the average token count across all indexed
// documents (a document with no tokens in this field counts as zero),
// used as BM25's avgdl.
func (fp *fieldPostings) avgDocLen() float64 {
	if len(fp.docLen) == 0 {
		return 0
	}
	var sum int
	for _, n := range fp.docLen {
		sum += n
	}
	return float64(sum) / float64(len(fp.docLen))
}

// upsertLocked indexes or replaces a single document's postings and
// facet membership. Caller must hold idx.mu for writing.
func (idx *Index) upsertLocked(d *model.FileDocument) {
	if existing, ok := idx.docs[d.ID]; ok {
		idx.removeLocked(existing)
	}

	idx.docs[d.ID] = d

	idx.content.add(d.ID, analyze.Word(d.Content))
	idx.name.add(d.ID, analyze.Word(d.Name))
	idx.path.add(d.ID, analyze.Path(d.Path))

	idx.addFacetLocked("project", d.Project, d.ID)
	idx.addFacetLocked("version", d.Version, d.ID)
	idx.addFacetLocked("extension", d.Extension, d.ID)
	idx.addFacetLocked("repository_id", d.RepositoryID, d.ID)
}

func (idx *Index) removeLocked(d *model.FileDocument) {
	delete(idx.docs, d.ID)
	idx.content.remove(d.ID)
	idx.name.remove(d.ID)
	idx.path.remove(d.ID)

	idx.removeFacetLocked("project", d.Project, d.ID)
	idx.removeFacetLocked("version", d.Version, d.ID)
	idx.removeFacetLocked("extension", d.Extension, d.ID)
	idx.removeFacetLocked("repository_id", d.RepositoryID, d.ID)
}

func (idx *Index) addFacetLocked(field, value, docID string) {
	if value == "" {
		return
	}
	byValue, ok := idx.facets[field]
	if !ok {
		byValue = make(map[string]map[string]bool)
		idx.facets[field] = byValue
	}
	ids, ok := byValue[value]
	if !ok {
		ids = make(map[string]bool)
		byValue[value] = ids
	}
	ids[docID] = true
}

func (idx *Index) removeFacetLocked(field, value, docID string) {
	if value == "" {
		return
	}
	byValue, ok := idx.facets[field]
	if !ok {
		return
	}
	ids, ok := byValue[value]
	if !ok {
		return
	}
	delete(ids, docID)
	if len(ids) == 0 {
		delete(byValue, value)
	}
}

// IndexBatch atomically upserts the given documents by id, replacing any
// previous document with the same id. Oversized content is rejected; the
// batch otherwise completes and the rejection is counted.
func (idx *Index) IndexBatch(ctx context.Context, docs []model.FileDocument) (BatchResult, error) {
	var result BatchResult

	idx.mu.Lock()
	for i := range docs {
		d := docs[i]
		if idx.cfg.MaxDocBytes > 0 && int64(len(d.Content)) > idx.cfg.MaxDocBytes {
			result.Rejected++
			continue
		}
		idx.upsertLocked(&d)
		result.Indexed++
	}
	idx.uncommitted += result.Indexed
	shouldCommit := idx.uncommitted > 0 && (idx.cfg.CommitAfterDocs <= 0 || idx.uncommitted >= idx.cfg.CommitAfterDocs)
	if shouldCommit {
		idx.uncommitted = 0
	}
	idx.generation++
	idx.mu.Unlock()

	if shouldCommit {
		if err := idx.commit(ctx); err != nil {
			return result, err
		}
	}
	return result, nil
}

// DeleteByRepository removes all documents with the given repository id.
func (idx *Index) DeleteByRepository(ctx context.Context, repoID string) (int, error) {
	idx.mu.Lock()
	var toRemove []*model.FileDocument
	for _, d := range idx.docs {
		if d.RepositoryID == repoID {
			toRemove = append(toRemove, d)
		}
	}
	for _, d := range toRemove {
		idx.removeLocked(d)
	}
	idx.generation++
	idx.mu.Unlock()

	if len(toRemove) > 0 {
		if err := idx.commit(ctx); err != nil {
			return len(toRemove), err
		}
	}
	return len(toRemove), nil
}

// DeleteByIds removes the documents with the given ids, if present.
func (idx *Index) DeleteByIds(ctx context.Context, ids []string) (int, error) {
	idx.mu.Lock()
	var removed int
	for _, id := range ids {
		if d, ok := idx.docs[id]; ok {
			idx.removeLocked(d)
			removed++
		}
	}
	idx.generation++
	idx.mu.Unlock()

	if removed > 0 {
		if err := idx.commit(ctx); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// DeleteStale removes documents for a repository, project, and version
// whose id is absent from keepIDs. This is the tombstoning step crawlers
// run at the end of a crawl to reconcile source-side deletions; the
// project dimension keeps one child of a provider-hosted namespace from
// sweeping away its siblings.
func (idx *Index) DeleteStale(ctx context.Context, repoID, project, version string, keepIDs map[string]bool) (int, error) {
	idx.mu.Lock()
	var toRemove []*model.FileDocument
	for _, d := range idx.docs {
		if d.RepositoryID == repoID && d.Project == project && d.Version == version && !keepIDs[d.ID] {
			toRemove = append(toRemove, d)
		}
	}
	for _, d := range toRemove {
		idx.removeLocked(d)
	}
	idx.generation++
	idx.mu.Unlock()

	if len(toRemove) > 0 {
		if err := idx.commit(ctx); err != nil {
			return len(toRemove), err
		}
	}
	return len(toRemove), nil
}

// GetDocument returns the stored document, including its full content.
func (idx *Index) GetDocument(id string) (*model.FileDocument, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	d, ok := idx.docs[id]
	if !ok {
		return nil, klaskerr.New(klaskerr.NotFound, "document not found: "+id)
	}
	cp := *d
	return &cp, nil
}
