package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klask-io/klask/internal/klaskerr"
	"github.com/klask-io/klask/internal/model"
	"github.com/klask-io/klask/internal/scheduler"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRepo(id string) model.Repository {
	return model.Repository{
		ID:               id,
		Name:             "example",
		SourceKind:       model.SourceGit,
		Location:         "https://example.test/example.git",
		Enabled:          true,
		AutoCrawlEnabled: true,
		CronExpression:   "0 * * * *",
		CrawlState:       model.CrawlIdle,
		TombstoneEnabled: true,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := sampleRepo("repo-1")
	repo.CredentialCiphertext = "super-secret"
	require.NoError(t, s.Create(ctx, repo))

	got, err := s.Get(ctx, "repo-1")
	require.NoError(t, err)
	assert.Equal(t, "example", got.Name)
	assert.Equal(t, model.RedactedCredential, got.CredentialCiphertext)

	internal, err := s.GetRepository(ctx, "repo-1")
	require.NoError(t, err)
	assert.Equal(t, "super-secret", internal.CredentialCiphertext)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRepository(context.Background(), "missing")
	assert.True(t, klaskerr.Is(err, klaskerr.NotFound))
}

func TestListSchedulable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	due := sampleRepo("due")
	past := time.Now().Add(-time.Minute)
	due.NextCrawlAt = &past
	require.NoError(t, s.Create(ctx, due))

	future := sampleRepo("future")
	ahead := time.Now().Add(time.Hour)
	future.NextCrawlAt = &ahead
	require.NoError(t, s.Create(ctx, future))

	running := sampleRepo("running")
	running.NextCrawlAt = &past
	running.CrawlState = model.CrawlInProgress
	startedAt := time.Now()
	running.CrawlStartedAt = &startedAt
	require.NoError(t, s.Create(ctx, running))

	schedulable, err := s.ListSchedulable(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, schedulable, 1)
	assert.Equal(t, "due", schedulable[0].ID)
}

func TestMarkInProgressAndRecordCrawlResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, sampleRepo("repo-1")))

	started := time.Now()
	require.NoError(t, s.MarkInProgress(ctx, "repo-1", started))

	mid, err := s.GetRepository(ctx, "repo-1")
	require.NoError(t, err)
	assert.Equal(t, model.CrawlInProgress, mid.CrawlState)
	require.NotNil(t, mid.CrawlStartedAt)

	next := time.Now().Add(time.Hour)
	err = s.RecordCrawlResult(ctx, "repo-1", scheduler.CrawlOutcome{
		Success:         true,
		CompletedAt:     time.Now(),
		DurationSeconds: 12,
		NextCrawlAt:     next,
	})
	require.NoError(t, err)

	final, err := s.GetRepository(ctx, "repo-1")
	require.NoError(t, err)
	assert.Equal(t, model.CrawlIdle, final.CrawlState)
	assert.Nil(t, final.CrawlStartedAt)
	assert.Equal(t, 12, final.LastCrawlDurationSeconds)
	require.NotNil(t, final.NextCrawlAt)
}

func TestRecordCrawlResultClearsCursorOnSuccessOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := sampleRepo("repo-1")
	repo.LastProcessedProject = "org/mid-repo"
	require.NoError(t, s.Create(ctx, repo))

	err := s.RecordCrawlResult(ctx, "repo-1", scheduler.CrawlOutcome{
		Success:     false,
		CompletedAt: time.Now(),
	})
	require.NoError(t, err)
	after, err := s.GetRepository(ctx, "repo-1")
	require.NoError(t, err)
	assert.Equal(t, "org/mid-repo", after.LastProcessedProject)

	err = s.RecordCrawlResult(ctx, "repo-1", scheduler.CrawlOutcome{
		Success:     true,
		CompletedAt: time.Now(),
	})
	require.NoError(t, err)
	after, err = s.GetRepository(ctx, "repo-1")
	require.NoError(t, err)
	assert.Empty(t, after.LastProcessedProject)
}

func TestUpdateResumptionCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, sampleRepo("repo-1")))

	require.NoError(t, s.UpdateResumptionCursor(ctx, "repo-1", "org/child-b"))
	after, err := s.GetRepository(ctx, "repo-1")
	require.NoError(t, err)
	assert.Equal(t, "org/child-b", after.LastProcessedProject)

	err = s.UpdateResumptionCursor(ctx, "missing", "org/x")
	assert.True(t, klaskerr.Is(err, klaskerr.NotFound))
}

func TestRecordCrawlResultNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.RecordCrawlResult(context.Background(), "missing", scheduler.CrawlOutcome{Success: true})
	assert.True(t, klaskerr.Is(err, klaskerr.NotFound))
}

func TestRecoverAbandoned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := sampleRepo("abandoned")
	repo.CrawlState = model.CrawlInProgress
	startedAt := time.Now()
	repo.CrawlStartedAt = &startedAt
	repo.LastProcessedProject = "org/mid-repo"
	require.NoError(t, s.Create(ctx, repo))

	recovered, err := s.RecoverAbandoned(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "org/mid-repo", recovered[0].LastProcessedProject)

	after, err := s.GetRepository(ctx, "abandoned")
	require.NoError(t, err)
	assert.Equal(t, model.CrawlFailed, after.CrawlState)
	assert.Nil(t, after.CrawlStartedAt)
	assert.Equal(t, "org/mid-repo", after.LastProcessedProject)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, sampleRepo("repo-1")))
	require.NoError(t, s.Delete(ctx, "repo-1"))

	_, err := s.GetRepository(ctx, "repo-1")
	assert.True(t, klaskerr.Is(err, klaskerr.NotFound))
}

func TestListRedactsCredentials(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := sampleRepo("repo-1")
	repo.CredentialCiphertext = "secret"
	require.NoError(t, s.Create(ctx, repo))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.RedactedCredential, list[0].CredentialCiphertext)
}
