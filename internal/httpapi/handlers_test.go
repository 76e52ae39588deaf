package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klask-io/klask/internal/index"
	"github.com/klask-io/klask/internal/klaskerr"
	"github.com/klask-io/klask/internal/model"
)

type fakeScheduler struct {
	triggerErr error
	stopErr    error
	progress   map[string]model.CrawlProgress
	active     []model.CrawlProgress
}

func (f *fakeScheduler) TriggerCrawl(ctx context.Context, repoID string) error { return f.triggerErr }
func (f *fakeScheduler) StopCrawl(repoID string) error                         { return f.stopErr }
func (f *fakeScheduler) GetProgress(repoID string) (model.CrawlProgress, bool) {
	p, ok := f.progress[repoID]
	return p, ok
}
func (f *fakeScheduler) ListActiveCrawls() []model.CrawlProgress { return f.active }

func newTestIndex(t *testing.T) *index.Index {
	t.Helper()
	idx, err := index.Open(t.TempDir(), index.DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestSearchHandler(t *testing.T) {
	idx := newTestIndex(t)
	_, err := idx.IndexBatch(context.Background(), []model.FileDocument{{
		ID: "a", Name: "auth.rs", Path: "src/auth.rs", Content: "fn login() {}",
		Project: "p1", Version: "main", Extension: "rs", RepositoryID: "r1",
	}})
	require.NoError(t, err)

	h := New(idx, &fakeScheduler{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/search?q=login", nil)
	w := httptest.NewRecorder()
	h.Search(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp searchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.TotalHits)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, "a", resp.Hits[0].ID)
}

func TestSearchHandlerParseError(t *testing.T) {
	idx := newTestIndex(t)
	h := New(idx, &fakeScheduler{}, nil)
	req := httptest.NewRequest(http.MethodGet, `/search?q="unterminated`, nil)
	w := httptest.NewRecorder()
	h.Search(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(klaskerr.QueryParse), resp.Code)
	require.NotNil(t, resp.Offset)
}

func TestGetDocumentHandler(t *testing.T) {
	idx := newTestIndex(t)
	_, err := idx.IndexBatch(context.Background(), []model.FileDocument{{
		ID: "a", Name: "auth.rs", Path: "src/auth.rs", Content: "fn login() {}",
		Project: "p1", Version: "main", Extension: "rs", RepositoryID: "r1",
	}})
	require.NoError(t, err)

	h := New(idx, &fakeScheduler{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/document?id=a", nil)
	w := httptest.NewRecorder()
	h.GetDocument(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp documentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "fn login() {}", resp.Content)
}

func TestGetDocumentHandlerNotFound(t *testing.T) {
	idx := newTestIndex(t)
	h := New(idx, &fakeScheduler{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/document?id=missing", nil)
	w := httptest.NewRecorder()
	h.GetDocument(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTriggerCrawlHandlerAlreadyRunning(t *testing.T) {
	idx := newTestIndex(t)
	h := New(idx, &fakeScheduler{triggerErr: klaskerr.New(klaskerr.AlreadyRunning, "crawl already running")}, nil)
	req := httptest.NewRequest(http.MethodPost, "/crawl/trigger?repository_id=r1", nil)
	w := httptest.NewRecorder()
	h.TriggerCrawl(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetProgressHandler(t *testing.T) {
	idx := newTestIndex(t)
	h := New(idx, &fakeScheduler{progress: map[string]model.CrawlProgress{
		"r1": {RepositoryID: "r1", State: model.ProgressProcessing, FilesProcessed: 3},
	}}, nil)
	req := httptest.NewRequest(http.MethodGet, "/crawl/progress?repository_id=r1", nil)
	w := httptest.NewRecorder()
	h.GetProgress(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp progressResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.FilesProcessed)
}

func TestListActiveCrawlsHandler(t *testing.T) {
	idx := newTestIndex(t)
	h := New(idx, &fakeScheduler{active: []model.CrawlProgress{
		{RepositoryID: "r1", State: model.ProgressProcessing},
		{RepositoryID: "r2", State: model.ProgressCloning},
	}}, nil)
	req := httptest.NewRequest(http.MethodGet, "/crawl/active", nil)
	w := httptest.NewRecorder()
	h.ListActiveCrawls(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp []progressResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp, 2)
}
