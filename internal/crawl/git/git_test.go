package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/klask-io/klask/internal/crawl"
	"github.com/klask-io/klask/internal/index"
	"github.com/klask-io/klask/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

// initSourceRepo creates a small non-bare repository with one commit on its
// default branch, used as a local clone source so the test never touches
// the network.
func initSourceRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "vendor"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vendor", "dep.go"), []byte("package vendor\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.bin"), []byte{0, 1, 2, 0, 3}, 0o644))

	_, err = wt.Add(".")
	require.NoError(t, err)

	_, err = wt.Commit("initial commit", &gogit.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Unix(1700000000, 0)},
	})
	require.NoError(t, err)

	return dir
}

func TestCrawler_Start_ClonesAndIndexesDefaultBranch(t *testing.T) {
	source := initSourceRepo(t)
	mirrorRoot := t.TempDir()

	fi := &fakeIndexer{}
	c := &Crawler{
		Repo:       model.Repository{ID: "repo1", Location: source, TombstoneEnabled: true},
		MirrorRoot: mirrorRoot,
		Classifier: crawl.NewClassifier(0, nil, nil),
		BatchDocs:  100,
		BatchBytes: 0,
	}

	summary, err := c.Start(context.Background(), crawl.NewCancelToken(), fakeProgress{}, fi)
	require.NoError(t, err)
	assert.Equal(t, model.ProgressCompleted, summary.TerminalState)
	assert.Equal(t, 1, summary.FilesIndexed)
	require.Len(t, fi.docs, 1)
	assert.Equal(t, "main.go", fi.docs[0].Name)
	assert.Equal(t, "repo1", fi.docs[0].RepositoryID)
}

func TestCrawler_Start_ReusesFreshMirrorOnSecondRun(t *testing.T) {
	source := initSourceRepo(t)
	mirrorRoot := t.TempDir()

	c := &Crawler{
		Repo:       model.Repository{ID: "repo1", Location: source},
		MirrorRoot: mirrorRoot,
		Classifier: crawl.NewClassifier(0, nil, nil),
		BatchDocs:  100,
	}

	_, err := c.Start(context.Background(), crawl.NewCancelToken(), fakeProgress{}, &fakeIndexer{})
	require.NoError(t, err)

	fi2 := &fakeIndexer{}
	summary, err := c.Start(context.Background(), crawl.NewCancelToken(), fakeProgress{}, fi2)
	require.NoError(t, err)
	assert.Equal(t, model.ProgressCompleted, summary.TerminalState)
	assert.Len(t, fi2.docs, 1)
}

// initSourceRepoWithFile is initSourceRepo with a caller-chosen file so
// two sources are distinguishable in the index.
func initSourceRepoWithFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	_, err = wt.Add(".")
	require.NoError(t, err)
	_, err = wt.Commit("initial commit", &gogit.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Unix(1700000000, 0)},
	})
	require.NoError(t, err)

	return dir
}

func TestCrawler_DistinctMirrorNamesDoNotShareAMirror(t *testing.T) {
	sourceA := initSourceRepoWithFile(t, "a.go", "package a\n")
	sourceB := initSourceRepoWithFile(t, "b.go", "package b\n")
	mirrorRoot := t.TempDir()

	// Both crawlers share the repository row id and mirror root, the way
	// a provider-hosted namespace crawl hands its children to the Git
	// crawler back to back.
	crawlerFor := func(name, source string) *Crawler {
		return &Crawler{
			Repo:       model.Repository{ID: "prov-1", Name: name, Location: source},
			MirrorRoot: mirrorRoot,
			MirrorName: "prov-1/org/" + name,
			Classifier: crawl.NewClassifier(0, nil, nil),
			BatchDocs:  100,
		}
	}

	fiA := &fakeIndexer{}
	_, err := crawlerFor("app-a", sourceA).Start(context.Background(), crawl.NewCancelToken(), fakeProgress{}, fiA)
	require.NoError(t, err)

	fiB := &fakeIndexer{}
	_, err = crawlerFor("app-b", sourceB).Start(context.Background(), crawl.NewCancelToken(), fakeProgress{}, fiB)
	require.NoError(t, err)

	require.Len(t, fiA.docs, 1)
	require.Len(t, fiB.docs, 1)
	assert.Equal(t, "a.go", fiA.docs[0].Name)
	assert.Equal(t, "b.go", fiB.docs[0].Name)
	assert.NotEqual(t, fiA.docs[0].ID, fiB.docs[0].ID)
}

func TestResolveBranches_DefaultOnly(t *testing.T) {
	source := initSourceRepo(t)
	repo, err := gogit.PlainOpen(source)
	require.NoError(t, err)

	c := &Crawler{Repo: model.Repository{ID: "repo1"}}
	branches, err := c.resolveBranches(repo)
	require.NoError(t, err)
	require.Len(t, branches, 1)
}
