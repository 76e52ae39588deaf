package index

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/klask-io/klask/internal/index/analyze"
	"github.com/klask-io/klask/internal/index/facet"
	"github.com/klask-io/klask/internal/index/highlight"
	"github.com/klask-io/klask/internal/index/query"
	"github.com/klask-io/klask/internal/index/rank"
	"github.com/klask-io/klask/internal/model"
)

// fieldHit records that a concrete dictionary term matched a document's
// field, carrying everything scoreDocs and the highlighter need: which
// document, which field (for the boost), and which term (for tf/idf
// lookup and snippet extraction).
type fieldHit struct {
	DocID string
	Field string
	Term  string
}

var defaultFields = []string{"content", "name", "path"}

func (idx *Index) fieldPostingsFor(field string) *fieldPostings {
	switch field {
	case "content":
		return idx.content
	case "name":
		return idx.name
	case "path":
		return idx.path
	default:
		return nil
	}
}

func (idx *Index) allIDsLocked() map[string]bool {
	ids := make(map[string]bool, len(idx.docs))
	for id := range idx.docs {
		ids[id] = true
	}
	return ids
}

// evalNode walks the query AST, returning the set of matching document
// ids and the concrete term matches found along the way (used for
// scoring and highlighting). Caller must hold idx.mu for reading.
func (idx *Index) evalNode(n *query.Node, field string) (map[string]bool, []fieldHit, error) {
	switch n.Kind {
	case query.KindMatchAll:
		return idx.allIDsLocked(), nil, nil

	case query.KindField:
		return idx.evalNode(n.Children[0], n.Field)

	case query.KindTerm:
		if field != "" {
			return idx.matchTermField(field, n)
		}
		ids := make(map[string]bool)
		var hits []fieldHit
		for _, f := range defaultFields {
			fids, fhits, _ := idx.matchTermField(f, n)
			for id := range fids {
				ids[id] = true
			}
			hits = append(hits, fhits...)
		}
		return ids, hits, nil

	case query.KindPhrase:
		if field != "" {
			return idx.matchPhraseField(field, n)
		}
		ids := make(map[string]bool)
		var hits []fieldHit
		for _, f := range defaultFields {
			fids, fhits, _ := idx.matchPhraseField(f, n)
			for id := range fids {
				ids[id] = true
			}
			hits = append(hits, fhits...)
		}
		return ids, hits, nil

	case query.KindNot:
		childIDs, _, err := idx.evalNode(n.Children[0], field)
		if err != nil {
			return nil, nil, err
		}
		universe := idx.allIDsLocked()
		ids := make(map[string]bool)
		for id := range universe {
			if !childIDs[id] {
				ids[id] = true
			}
		}
		return ids, nil, nil

	case query.KindAnd:
		ids, hits, err := idx.evalNode(n.Children[0], field)
		if err != nil {
			return nil, nil, err
		}
		for _, child := range n.Children[1:] {
			cids, chits, err := idx.evalNode(child, field)
			if err != nil {
				return nil, nil, err
			}
			ids = intersectIDs(ids, cids)
			hits = append(hits, chits...)
		}
		return ids, hits, nil

	case query.KindOr:
		ids, hits, err := idx.evalNode(n.Children[0], field)
		if err != nil {
			return nil, nil, err
		}
		for _, child := range n.Children[1:] {
			cids, chits, err := idx.evalNode(child, field)
			if err != nil {
				return nil, nil, err
			}
			ids = unionIDs(ids, cids)
			hits = append(hits, chits...)
		}
		return ids, hits, nil

	default:
		return map[string]bool{}, nil, nil
	}
}

func (idx *Index) matchTermField(field string, n *query.Node) (map[string]bool, []fieldHit, error) {
	if fp := idx.fieldPostingsFor(field); fp != nil {
		terms := matchTermsInDict(fp, n)
		ids := make(map[string]bool)
		var hits []fieldHit
		for _, term := range terms {
			for docID := range fp.postings[term] {
				ids[docID] = true
				hits = append(hits, fieldHit{DocID: docID, Field: field, Term: term})
			}
		}
		return ids, hits, nil
	}

	if field == "id" {
		ids := make(map[string]bool)
		if n.Wildcard {
			for id := range idx.docs {
				if globMatch(n.Text, strings.ToLower(id)) {
					ids[id] = true
				}
			}
		} else if d, ok := idx.docs[n.Text]; ok {
			ids[d.ID] = true
		}
		return ids, nil, nil
	}

	if byValue, ok := idx.facets[field]; ok {
		ids := make(map[string]bool)
		for value, vids := range byValue {
			lower := strings.ToLower(value)
			var matched bool
			switch {
			case n.Wildcard:
				matched = globMatch(n.Text, lower)
			case n.Fuzzy:
				matched = levenshtein(lower, n.Text) <= n.FuzzyDistance
			default:
				matched = lower == n.Text
			}
			if matched {
				for id := range vids {
					ids[id] = true
				}
			}
		}
		return ids, nil, nil
	}

	// size / last_modified have no keyword-style index; they match
	// nothing via the query language and are only usable for sorting.
	return map[string]bool{}, nil, nil
}

func matchTermsInDict(fp *fieldPostings, n *query.Node) []string {
	if !n.Wildcard && !n.Fuzzy {
		if _, ok := fp.postings[n.Text]; ok {
			return []string{n.Text}
		}
		return nil
	}
	var out []string
	for term := range fp.postings {
		if n.Wildcard && globMatch(n.Text, term) {
			out = append(out, term)
			continue
		}
		if n.Fuzzy && levenshtein(term, n.Text) <= n.FuzzyDistance {
			out = append(out, term)
		}
	}
	return out
}

func (idx *Index) matchPhraseField(field string, n *query.Node) (map[string]bool, []fieldHit, error) {
	phraseTerms := analyze.Terms(analyze.Word(n.Text))
	if len(phraseTerms) == 0 {
		return map[string]bool{}, nil, nil
	}

	if field == "path" {
		ids := make(map[string]bool)
		var hits []fieldHit
		needle := strings.ToLower(n.Text)
		for id, d := range idx.docs {
			if strings.Contains(strings.ToLower(d.Path), needle) {
				ids[id] = true
				for _, t := range phraseTerms {
					hits = append(hits, fieldHit{DocID: id, Field: field, Term: t})
				}
			}
		}
		return ids, hits, nil
	}

	fp := idx.fieldPostingsFor(field)
	if fp == nil {
		return map[string]bool{}, nil, nil
	}

	var candidate map[string]bool
	for i, t := range phraseTerms {
		docsWithTerm := fp.postings[t]
		if len(docsWithTerm) == 0 {
			return map[string]bool{}, nil, nil
		}
		if i == 0 {
			candidate = make(map[string]bool, len(docsWithTerm))
			for id := range docsWithTerm {
				candidate[id] = true
			}
			continue
		}
		next := make(map[string]bool)
		for id := range candidate {
			if _, ok := docsWithTerm[id]; ok {
				next[id] = true
			}
		}
		candidate = next
	}

	ids := make(map[string]bool)
	var hits []fieldHit
	for id := range candidate {
		d := idx.docs[id]
		var text string
		if field == "content" {
			text = d.Content
		} else {
			text = d.Name
		}
		tokens := analyze.Terms(analyze.Word(text))
		if phraseAdjacent(tokens, phraseTerms) {
			ids[id] = true
			for _, t := range phraseTerms {
				hits = append(hits, fieldHit{DocID: id, Field: field, Term: t})
			}
		}
	}
	return ids, hits, nil
}

func phraseAdjacent(tokens, phrase []string) bool {
	if len(phrase) == 0 || len(tokens) < len(phrase) {
		return false
	}
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		match := true
		for j, p := range phrase {
			if tokens[i+j] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func intersectIDs(a, b map[string]bool) map[string]bool {
	if len(b) < len(a) {
		a, b = b, a
	}
	out := make(map[string]bool)
	for id := range a {
		if b[id] {
			out[id] = true
		}
	}
	return out
}

func unionIDs(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for id := range a {
		out[id] = true
	}
	for id := range b {
		out[id] = true
	}
	return out
}

// restrictByValues narrows ids to documents whose field value is one of
// values (OR within the field); an empty values slice is "no constraint".
func (idx *Index) restrictByValues(ids map[string]bool, field string, values []string) map[string]bool {
	if len(values) == 0 {
		return ids
	}
	byValue := idx.facets[field]
	matching := make(map[string]bool)
	for _, v := range values {
		for id := range byValue[v] {
			matching[id] = true
		}
	}
	return intersectIDs(ids, matching)
}

// applyFilters intersects ids with the conjunction of filter dimensions,
// optionally skipping one dimension ("" skips none) so callers can
// compute "one dimension relaxed" facets.
func (idx *Index) applyFilters(ids map[string]bool, f Filters, exclude string) map[string]bool {
	result := ids
	if exclude != "project" {
		result = idx.restrictByValues(result, "project", f.Projects)
	}
	if exclude != "version" {
		result = idx.restrictByValues(result, "version", f.Versions)
	}
	if exclude != "extension" {
		result = idx.restrictByValues(result, "extension", f.Extensions)
	}
	if exclude != "repository_id" {
		result = idx.restrictByValues(result, "repository_id", f.Repositories)
	}
	return result
}

func (idx *Index) computeFacets(matchedIDs map[string]bool, filters Filters) *FacetResult {
	topN := idx.cfg.TopFacetN
	toFacetValues := func(vs []facet.Value) []FacetValue {
		out := make([]FacetValue, len(vs))
		for i, v := range vs {
			out[i] = FacetValue{Value: v.Value, Count: v.Count}
		}
		return out
	}
	return &FacetResult{
		Projects:     toFacetValues(facet.Compute(idx.facets["project"], idx.applyFilters(matchedIDs, filters, "project"), topN)),
		Versions:     toFacetValues(facet.Compute(idx.facets["version"], idx.applyFilters(matchedIDs, filters, "version"), topN)),
		Extensions:   toFacetValues(facet.Compute(idx.facets["extension"], idx.applyFilters(matchedIDs, filters, "extension"), topN)),
		Repositories: toFacetValues(facet.Compute(idx.facets["repository_id"], idx.applyFilters(matchedIDs, filters, "repository_id"), topN)),
	}
}

func (idx *Index) scoreDocs(hits []fieldHit) map[string]float64 {
	type key struct{ field, term string }
	idfCache := make(map[key]float64)
	n := len(idx.docs)
	scores := make(map[string]float64)
	for _, h := range hits {
		fp := idx.fieldPostingsFor(h.Field)
		if fp == nil {
			continue
		}
		k := key{h.Field, h.Term}
		idf, ok := idfCache[k]
		if !ok {
			idf = rank.IDF(n, len(fp.postings[h.Term]))
			idfCache[k] = idf
		}
		tf := fp.postings[h.Term][h.DocID]
		scores[h.DocID] += rank.BoostFor(h.Field) * rank.TermScore(tf, fp.docLen[h.DocID], fp.avgDocLen(), idf)
	}
	return scores
}

func hitTermsFor(hits []fieldHit, docID, field string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, h := range hits {
		if h.DocID != docID || h.Field != field {
			continue
		}
		if !seen[h.Term] {
			seen[h.Term] = true
			out = append(out, h.Term)
		}
	}
	return out
}

type scoredDoc struct {
	doc   *model.FileDocument
	score float64
}

func sortResults(list []scoredDoc, sortOpt string) {
	sortOpt = strings.TrimSpace(sortOpt)
	if sortOpt != "" {
		parts := strings.Fields(sortOpt)
		field := parts[0]
		desc := true
		if len(parts) > 1 && strings.EqualFold(parts[1], "asc") {
			desc = false
		}
		if field == "last_modified" {
			sort.Slice(list, func(i, j int) bool {
				if desc {
					return list[i].doc.LastModified.After(list[j].doc.LastModified)
				}
				return list[i].doc.LastModified.Before(list[j].doc.LastModified)
			})
			return
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		if !list[i].doc.LastModified.Equal(list[j].doc.LastModified) {
			return list[i].doc.LastModified.After(list[j].doc.LastModified)
		}
		return list[i].doc.ID < list[j].doc.ID
	})
}

// Search compiles queryString, evaluates it against the index, applies
// filters, ranks and pages the result, and extracts snippets.
func (idx *Index) Search(ctx context.Context, queryString string, filters Filters, page, size int, opts SearchOptions) (*SearchResult, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 1
	}
	if size > 100 {
		size = 100
	}

	node, err := query.Parse(queryString)
	if err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ids, hits, err := idx.evalNode(node, "")
	if err != nil {
		return nil, err
	}
	ids = idx.applyFilters(ids, filters, "")

	filteredHits := make([]fieldHit, 0, len(hits))
	for _, h := range hits {
		if ids[h.DocID] {
			filteredHits = append(filteredHits, h)
		}
	}
	scores := idx.scoreDocs(filteredHits)

	list := make([]scoredDoc, 0, len(ids))
	for id := range ids {
		list = append(list, scoredDoc{doc: idx.docs[id], score: scores[id]})
	}
	sortResults(list, opts.Sort)

	total := len(list)
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}

	snippetCount := opts.SnippetCount
	if snippetCount <= 0 {
		snippetCount = 3
	}

	hitsOut := make([]Hit, 0, end-start)
	for _, s := range list[start:end] {
		h := hitFromDoc(s.doc, s.score)
		contentTerms := hitTermsFor(filteredHits, s.doc.ID, "content")
		pathTerms := hitTermsFor(filteredHits, s.doc.ID, "path")

		var snippets []string
		snippets = append(snippets, highlight.Snippets(s.doc.Content, contentTerms, snippetCount, 150)...)
		if ps := highlight.PathSnippet(s.doc.Path, pathTerms); ps != "" {
			snippets = append(snippets, ps)
		}
		h.Snippets = snippets
		hitsOut = append(hitsOut, h)
	}

	result := &SearchResult{Total: total, Hits: hitsOut}
	if opts.ComputeFacets {
		result.Facets = idx.computeFacets(ids, filters)
	}
	return result, nil
}

// Facets returns per-field aggregate counts for queryString and filters,
// with one-dimension relaxation, without paging through hit data.
func (idx *Index) Facets(ctx context.Context, queryString string, filters Filters) (*FacetResult, error) {
	node, err := query.Parse(queryString)
	if err != nil {
		return nil, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ids, _, err := idx.evalNode(node, "")
	if err != nil {
		return nil, err
	}
	return idx.computeFacets(ids, filters), nil
}

// Filters returns the full static facet universe, for when the UI has no
// active query. With a facet cache attached, the universe is served from
// Redis while the index generation stands still.
func (idx *Index) Filters(ctx context.Context) (*FacetResult, error) {
	if idx.facetCache != nil {
		idx.mu.RLock()
		gen := idx.generation
		idx.mu.RUnlock()
		if data, ok := idx.facetCache.Get(ctx, gen); ok {
			var cached FacetResult
			if err := json.Unmarshal(data, &cached); err == nil {
				return &cached, nil
			}
		}
	}

	idx.mu.RLock()
	gen := idx.generation
	result := idx.computeFacets(idx.allIDsLocked(), Filters{})
	idx.mu.RUnlock()

	if idx.facetCache != nil {
		if data, err := json.Marshal(result); err == nil {
			idx.facetCache.Put(ctx, gen, data)
		}
	}
	return result, nil
}
