package index

import (
	"time"

	"github.com/klask-io/klask/internal/model"
)

// Filters are conjunctions of disjunctions over the faceted fields:
// project ∈ Projects ∧ version ∈ Versions ∧ extension ∈ Extensions ∧
// repository ∈ Repositories. An empty slice for a field means "no
// constraint on that field".
type Filters struct {
	Projects     []string
	Versions     []string
	Extensions   []string
	Repositories []string
}

// IsEmpty reports whether the filter set constrains nothing.
func (f Filters) IsEmpty() bool {
	return len(f.Projects) == 0 && len(f.Versions) == 0 &&
		len(f.Extensions) == 0 && len(f.Repositories) == 0
}

// SearchOptions selects optional per-request behavior.
type SearchOptions struct {
	// ComputeFacets requests facet recomputation alongside the hit set.
	ComputeFacets bool
	// SnippetCount caps the number of content snippets per hit (default 3).
	SnippetCount int
	// Sort, if non-empty, replaces ranked scoring with an explicit field
	// ordering, e.g. "last_modified desc".
	Sort string
}

// Hit is a single ranked search result.
type Hit struct {
	ID           string
	Name         string
	Path         string
	Project      string
	Version      string
	Extension    string
	RepositoryID string
	SizeBytes    int64
	LastModified time.Time
	Score        float64
	Snippets     []string
}

// FacetValue is one value of a faceted field and its document count.
type FacetValue struct {
	Value string
	Count int
}

// FacetResult carries per-field facet aggregations.
type FacetResult struct {
	Projects     []FacetValue
	Versions     []FacetValue
	Extensions   []FacetValue
	Repositories []FacetValue
}

// SearchResult is the output of Search.
type SearchResult struct {
	Total  int
	Hits   []Hit
	Facets *FacetResult
}

// BatchResult reports the outcome of an IndexBatch call.
type BatchResult struct {
	Indexed  int
	Rejected int
}

func hitFromDoc(d *model.FileDocument, score float64) Hit {
	return Hit{
		ID:           d.ID,
		Name:         d.Name,
		Path:         d.Path,
		Project:      d.Project,
		Version:      d.Version,
		Extension:    d.Extension,
		RepositoryID: d.RepositoryID,
		SizeBytes:    d.SizeBytes,
		LastModified: d.LastModified,
		Score:        score,
	}
}
