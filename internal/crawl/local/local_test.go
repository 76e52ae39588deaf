package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klask-io/klask/internal/crawl"
	"github.com/klask-io/klask/internal/index"
	"github.com/klask-io/klask/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveProjectVersion_Trunk(t *testing.T) {
	project, version := deriveProjectVersion("myapp/trunk/src/main.go")
	assert.Equal(t, "myapp", project)
	assert.Equal(t, "trunk", version)
}

func TestDeriveProjectVersion_Branches(t *testing.T) {
	project, version := deriveProjectVersion("myapp/branches/release-1.2/src/main.go")
	assert.Equal(t, "myapp", project)
	assert.Equal(t, "release-1.2", version)
}

func TestDeriveProjectVersion_Neither(t *testing.T) {
	project, version := deriveProjectVersion("src/main.go")
	assert.Equal(t, "", project)
	assert.Equal(t, "trunk", version)
}

type fakeIndexer struct {
	docs []model.FileDocument
}

func (f *fakeIndexer) IndexBatch(ctx context.Context, docs []model.FileDocument) (index.BatchResult, error) {
	f.docs = append(f.docs, docs...)
	return index.BatchResult{Indexed: len(docs)}, nil
}

func (f *fakeIndexer) DeleteStale(ctx context.Context, repoID, project, version string, keepIDs map[string]bool) (int, error) {
	return 0, nil
}

type fakeProgress struct{}

func (fakeProgress) Update(repoID string, fn func(p *model.CrawlProgress)) {
	fn(&model.CrawlProgress{})
}

func TestCrawler_Start_WalksTrunkAndBranches(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "myapp", "trunk", "src"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "myapp", "branches", "release-1.2", "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "myapp", "trunk", "src", "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "myapp", "branches", "release-1.2", "src", "main.go"), []byte("package main\n// release\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "myapp", "trunk", "vendor"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "myapp", "trunk", "vendor", "ignored.go"), []byte("package vendor\n"), 0o644))

	fi := &fakeIndexer{}
	c := &Crawler{
		Repo:       model.Repository{ID: "repo1", Location: root, TombstoneEnabled: true},
		Classifier: crawl.NewClassifier(0, nil, nil),
		BatchDocs:  100,
		BatchBytes: 0,
	}

	summary, err := c.Start(context.Background(), crawl.NewCancelToken(), fakeProgress{}, fi)
	require.NoError(t, err)
	assert.Equal(t, model.ProgressCompleted, summary.TerminalState)
	assert.Equal(t, 2, summary.FilesIndexed)
	require.Len(t, fi.docs, 2)

	var versions []string
	for _, d := range fi.docs {
		versions = append(versions, d.Version)
		assert.Equal(t, "myapp", d.Project)
	}
	assert.Contains(t, versions, "trunk")
	assert.Contains(t, versions, "release-1.2")
}

func TestCrawler_Start_SkipsBinaryAndOversized(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin.dat"), []byte{0, 1, 2, 0}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "small.go"), []byte("package main\n"), 0o644))

	fi := &fakeIndexer{}
	c := &Crawler{
		Repo:       model.Repository{ID: "repo1", Location: root},
		Classifier: crawl.NewClassifier(0, nil, nil),
		BatchDocs:  100,
		BatchBytes: 0,
	}

	summary, err := c.Start(context.Background(), crawl.NewCancelToken(), fakeProgress{}, fi)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.FilesIndexed)
	assert.GreaterOrEqual(t, summary.FilesSkipped, 1)
}

func TestCrawler_Start_CancelledMidWalk(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), []byte("package main\n"), 0o644))

	fi := &fakeIndexer{}
	cancel := crawl.NewCancelToken()
	cancel.Cancel()
	c := &Crawler{
		Repo:       model.Repository{ID: "repo1", Location: root},
		Classifier: crawl.NewClassifier(0, nil, nil),
		BatchDocs:  100,
	}

	summary, err := c.Start(context.Background(), cancel, fakeProgress{}, fi)
	require.NoError(t, err)
	assert.Equal(t, model.ProgressFailed, summary.TerminalState)
}
