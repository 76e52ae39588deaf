package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDocumentIDDeterministic(t *testing.T) {
	id1 := NewDocumentID("repo-1", "app", "main", "src/auth.rs")
	id2 := NewDocumentID("repo-1", "app", "main", "src/auth.rs")
	assert.Equal(t, id1, id2)

	id3 := NewDocumentID("repo-1", "app", "main", "src/other.rs")
	assert.NotEqual(t, id1, id3)

	// Same path and branch in two different projects of one namespace
	// row must stay distinct documents.
	id4 := NewDocumentID("repo-1", "other-app", "main", "src/auth.rs")
	assert.NotEqual(t, id1, id4)
}

func TestNewRepositoryIDUnique(t *testing.T) {
	id1, err := NewRepositoryID()
	require.NoError(t, err)
	id2, err := NewRepositoryID()
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.Len(t, id1, 36)
}

func TestRepositoryValidate(t *testing.T) {
	t.Run("cron and interval mutually exclusive", func(t *testing.T) {
		r := &Repository{ID: "r1", CronExpression: "0 * * * *", CrawlFrequencyHours: 6}
		assert.Error(t, r.Validate())
	})

	t.Run("in_progress requires started timestamp", func(t *testing.T) {
		r := &Repository{ID: "r1", CrawlState: CrawlInProgress}
		assert.Error(t, r.Validate())

		now := time.Now()
		r.CrawlStartedAt = &now
		assert.NoError(t, r.Validate())
	})

	t.Run("valid repository", func(t *testing.T) {
		r := &Repository{ID: "r1", CronExpression: "0 * * * *", CrawlState: CrawlIdle}
		assert.NoError(t, r.Validate())
	})
}

func TestProgressStateIsTerminal(t *testing.T) {
	assert.True(t, ProgressCompleted.IsTerminal())
	assert.True(t, ProgressFailed.IsTerminal())
	assert.False(t, ProgressProcessing.IsTerminal())
}
