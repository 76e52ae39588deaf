// Package httpapi translates the search and scheduler APIs into JSON
// over net/http: decode request, validate, marshal response or a
// single error envelope. One handler per operation, no routing
// framework.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/klask-io/klask/internal/index"
	"github.com/klask-io/klask/internal/klaskerr"
	"github.com/klask-io/klask/internal/model"
	"github.com/klask-io/klask/internal/observability"
)

// Searcher is the narrow indexing-engine capability the HTTP layer needs.
type Searcher interface {
	Search(ctx context.Context, queryString string, filters index.Filters, page, size int, opts index.SearchOptions) (*index.SearchResult, error)
	Facets(ctx context.Context, queryString string, filters index.Filters) (*index.FacetResult, error)
	Filters(ctx context.Context) (*index.FacetResult, error)
	GetDocument(id string) (*model.FileDocument, error)
}

// CrawlController is the narrow scheduler capability the HTTP layer needs.
type CrawlController interface {
	TriggerCrawl(ctx context.Context, repoID string) error
	StopCrawl(repoID string) error
	GetProgress(repoID string) (model.CrawlProgress, bool)
	ListActiveCrawls() []model.CrawlProgress
}

// Handlers implements the core's external HTTP surface.
type Handlers struct {
	Index     Searcher
	Scheduler CrawlController
	Logger    *observability.Logger
	Metrics   *observability.MetricsCollector
}

// New constructs Handlers.
func New(idx Searcher, sched CrawlController, logger *observability.Logger) *Handlers {
	return &Handlers{Index: idx, Scheduler: sched, Logger: logger}
}

// errorResponse is the single JSON error shape: {code, message, offset?}.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Offset  *int   `json:"offset,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, logger *observability.Logger, err error) {
	code := klaskerr.Internal
	message := err.Error()
	var offset *int

	if ke, ok := err.(*klaskerr.Error); ok {
		code = ke.Code
		message = ke.Message
		if ke.Code == klaskerr.QueryParse {
			o := ke.Offset
			offset = &o
		}
	}

	status := statusForCode(code)
	if logger != nil {
		logger.Warn("request failed", "code", code, "message", message, "status", status)
	}
	writeJSON(w, status, errorResponse{Code: string(code), Message: message, Offset: offset})
}

// codeOf extracts the klaskerr code from err, defaulting to Internal.
func codeOf(err error) klaskerr.Code {
	if ke, ok := err.(*klaskerr.Error); ok {
		return ke.Code
	}
	return klaskerr.Internal
}

func statusForCode(code klaskerr.Code) int {
	switch code {
	case klaskerr.QueryParse:
		return http.StatusBadRequest
	case klaskerr.NotFound:
		return http.StatusNotFound
	case klaskerr.AlreadyRunning:
		return http.StatusConflict
	case klaskerr.Unauthorized:
		return http.StatusUnauthorized
	case klaskerr.IndexFull, klaskerr.Internal, klaskerr.CrawlFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// searchHitResponse is one hit in the Search response.
type searchHitResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Project      string    `json:"project"`
	Version      string    `json:"version"`
	Extension    string    `json:"extension"`
	SizeBytes    int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	Score        float64   `json:"score"`
	Snippets     []string  `json:"snippets"`
}

type facetValueResponse struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

type facetsResponse struct {
	Projects     []facetValueResponse `json:"projects"`
	Versions     []facetValueResponse `json:"versions"`
	Extensions   []facetValueResponse `json:"extensions"`
	Repositories []facetValueResponse `json:"repositories"`
}

type searchResponse struct {
	TotalHits int                 `json:"total_hits"`
	Page      int                 `json:"page"`
	Hits      []searchHitResponse `json:"hits"`
	Facets    *facetsResponse     `json:"facets,omitempty"`
}

func facetResultToResponse(f *index.FacetResult) *facetsResponse {
	if f == nil {
		return nil
	}
	convert := func(values []index.FacetValue) []facetValueResponse {
		out := make([]facetValueResponse, len(values))
		for i, v := range values {
			out[i] = facetValueResponse{Value: v.Value, Count: v.Count}
		}
		return out
	}
	return &facetsResponse{
		Projects:     convert(f.Projects),
		Versions:     convert(f.Versions),
		Extensions:   convert(f.Extensions),
		Repositories: convert(f.Repositories),
	}
}

func filtersFromQuery(q interface {
	Get(string) []string
}) index.Filters {
	return index.Filters{
		Projects:     q.Get("project"),
		Versions:     q.Get("version"),
		Extensions:   q.Get("extension"),
		Repositories: q.Get("repository"),
	}
}

// multiQuery adapts url.Values (single key -> []string of that key's
// repeated values) to the small interface filtersFromQuery needs.
type multiQuery struct{ values map[string][]string }

func (m multiQuery) Get(key string) []string { return m.values[key] }

// Search serves search requests: page >= 1, 1 <= size <= 100, query may be empty.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	size, _ := strconv.Atoi(q.Get("size"))
	if size < 1 || size > 100 {
		size = 20
	}

	filters := filtersFromQuery(multiQuery{values: q})
	opts := index.SearchOptions{
		ComputeFacets: q.Get("facets") == "true",
		Sort:          q.Get("sort"),
	}

	start := time.Now()
	result, err := h.Index.Search(r.Context(), q.Get("q"), filters, page, size, opts)
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.RecordSearchError(string(codeOf(err)))
		}
		writeError(w, h.Logger, err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.RecordSearch("search", "ok", time.Since(start), result.Total)
	}
	if h.Logger != nil {
		h.Logger.LogSearch(r.Context(), q.Get("q"), result.Total, time.Since(start))
	}

	resp := searchResponse{TotalHits: result.Total, Page: page, Hits: make([]searchHitResponse, len(result.Hits))}
	for i, hit := range result.Hits {
		resp.Hits[i] = searchHitResponse{
			ID: hit.ID, Name: hit.Name, Path: hit.Path, Project: hit.Project,
			Version: hit.Version, Extension: hit.Extension, SizeBytes: hit.SizeBytes,
			LastModified: hit.LastModified, Score: hit.Score, Snippets: hit.Snippets,
		}
	}
	resp.Facets = facetResultToResponse(result.Facets)
	writeJSON(w, http.StatusOK, resp)
}

// Facets serves per-field facet counts for a query without hit data.
func (h *Handlers) Facets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := filtersFromQuery(multiQuery{values: q})
	result, err := h.Index.Facets(r.Context(), q.Get("q"), filters)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, facetResultToResponse(result))
}

// Filters serves the full static facet universe.
func (h *Handlers) Filters(w http.ResponseWriter, r *http.Request) {
	result, err := h.Index.Filters(r.Context())
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, facetResultToResponse(result))
}

// documentResponse is the GetDocument output, full content included.
type documentResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Extension    string    `json:"extension"`
	Path         string    `json:"path"`
	Project      string    `json:"project"`
	Version      string    `json:"version"`
	RepositoryID string    `json:"repository_id"`
	SizeBytes    int64     `json:"size"`
	Content      string    `json:"content"`
	LastModified time.Time `json:"last_modified"`
}

// GetDocument serves a single stored document by id.
func (h *Handlers) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, h.Logger, klaskerr.New(klaskerr.NotFound, "document id is required"))
		return
	}
	doc, err := h.Index.GetDocument(id)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, documentResponse{
		ID: doc.ID, Name: doc.Name, Extension: doc.Extension, Path: doc.Path,
		Project: doc.Project, Version: doc.Version, RepositoryID: doc.RepositoryID,
		SizeBytes: doc.SizeBytes, Content: doc.Content, LastModified: doc.LastModified,
	})
}

// TriggerCrawl implements the scheduler API's manual trigger.
func (h *Handlers) TriggerCrawl(w http.ResponseWriter, r *http.Request) {
	repoID := r.URL.Query().Get("repository_id")
	if err := h.Scheduler.TriggerCrawl(r.Context(), repoID); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// StopCrawl implements the scheduler API's manual stop.
func (h *Handlers) StopCrawl(w http.ResponseWriter, r *http.Request) {
	repoID := r.URL.Query().Get("repository_id")
	if err := h.Scheduler.StopCrawl(repoID); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// progressResponse mirrors the in-memory crawl progress record.
type progressResponse struct {
	RepositoryID    string    `json:"repository_id"`
	State           string    `json:"state"`
	FilesDiscovered int       `json:"files_discovered"`
	FilesProcessed  int       `json:"files_processed"`
	FilesSkipped    int       `json:"files_skipped"`
	BytesProcessed  int64     `json:"bytes_processed"`
	CurrentFile     string    `json:"current_file"`
	CurrentBranch   string    `json:"current_branch"`
	StartTime       time.Time `json:"start_time"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
}

func progressToResponse(p model.CrawlProgress) progressResponse {
	return progressResponse{
		RepositoryID: p.RepositoryID, State: string(p.State),
		FilesDiscovered: p.FilesDiscovered, FilesProcessed: p.FilesProcessed, FilesSkipped: p.FilesSkipped,
		BytesProcessed: p.BytesProcessed, CurrentFile: p.CurrentFile, CurrentBranch: p.CurrentBranch,
		StartTime: p.StartTime, LastHeartbeat: p.LastHeartbeat,
	}
}

// GetProgress implements the scheduler API's live-progress query.
func (h *Handlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	repoID := r.URL.Query().Get("repository_id")
	progress, ok := h.Scheduler.GetProgress(repoID)
	if !ok {
		writeError(w, h.Logger, klaskerr.New(klaskerr.NotFound, "no active crawl for repository "+repoID))
		return
	}
	writeJSON(w, http.StatusOK, progressToResponse(progress))
}

// ListActiveCrawls implements the scheduler API's active-crawl listing.
func (h *Handlers) ListActiveCrawls(w http.ResponseWriter, r *http.Request) {
	active := h.Scheduler.ListActiveCrawls()
	out := make([]progressResponse, len(active))
	for i, p := range active {
		out[i] = progressToResponse(p)
	}
	writeJSON(w, http.StatusOK, out)
}
