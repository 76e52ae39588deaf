package crawl

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/klask-io/klask/internal/index"
	"github.com/klask-io/klask/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	original := retryDelays
	retryDelays = []time.Duration{time.Millisecond, 2 * time.Millisecond}
	code := m.Run()
	retryDelays = original
	os.Exit(code)
}

type fakeIndexer struct {
	batches       [][]model.FileDocument
	failNextCalls int
	deletedRepo   string
	deletedKeep   map[string]bool
}

func (f *fakeIndexer) IndexBatch(ctx context.Context, docs []model.FileDocument) (index.BatchResult, error) {
	if f.failNextCalls > 0 {
		f.failNextCalls--
		return index.BatchResult{}, errors.New("simulated flush failure")
	}
	f.batches = append(f.batches, docs)
	return index.BatchResult{Indexed: len(docs)}, nil
}

func (f *fakeIndexer) DeleteStale(ctx context.Context, repoID, project, version string, keepIDs map[string]bool) (int, error) {
	f.deletedRepo = repoID
	f.deletedKeep = keepIDs
	return 1, nil
}

func TestBatcher_FlushesAtDocCount(t *testing.T) {
	fi := &fakeIndexer{}
	b := NewBatcher(fi, 2, 0)
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, nil, model.FileDocument{ID: "a"}))
	require.NoError(t, b.Add(ctx, nil, model.FileDocument{ID: "b"}))

	require.Len(t, fi.batches, 1)
	assert.Equal(t, 2, b.Indexed)
}

func TestBatcher_FlushesAtByteThreshold(t *testing.T) {
	fi := &fakeIndexer{}
	b := NewBatcher(fi, 100, 10)
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, nil, model.FileDocument{ID: "a", Content: "0123456789extra"}))
	require.Len(t, fi.batches, 1)
}

func TestBatcher_RetriesThenSucceeds(t *testing.T) {
	fi := &fakeIndexer{failNextCalls: 1}
	b := NewBatcher(fi, 1, 0)
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, nil, model.FileDocument{ID: "a"}))
	require.Len(t, fi.batches, 1)
	assert.Equal(t, 1, b.Indexed)
}

func TestBatcher_FailsCrawlAfterExhaustingRetries(t *testing.T) {
	fi := &fakeIndexer{failNextCalls: 99}
	b := NewBatcher(fi, 1, 0)
	ctx := context.Background()

	err := b.Add(ctx, nil, model.FileDocument{ID: "a"})
	require.Error(t, err)
}

func TestBatcher_SeenIDsTracksAllAddedDocs(t *testing.T) {
	fi := &fakeIndexer{}
	b := NewBatcher(fi, 100, 0)
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, nil, model.FileDocument{ID: "a"}))
	require.NoError(t, b.Add(ctx, nil, model.FileDocument{ID: "b"}))

	seen := b.SeenIDs()
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
}

func TestTombstone_SkipsWhenDisabled(t *testing.T) {
	fi := &fakeIndexer{}
	n, err := Tombstone(context.Background(), fi, "repo1", "app", "main", map[string]bool{"a": true}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, fi.deletedRepo)
}

func TestTombstone_DelegatesWhenEnabled(t *testing.T) {
	fi := &fakeIndexer{}
	n, err := Tombstone(context.Background(), fi, "repo1", "app", "main", map[string]bool{"a": true}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "repo1", fi.deletedRepo)
}
