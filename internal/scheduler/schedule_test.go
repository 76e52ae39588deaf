package scheduler

import (
	"testing"
	"time"

	"github.com/klask-io/klask/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextCrawlAt_FiveFieldCron(t *testing.T) {
	from := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	repo := model.Repository{ID: "r1", CronExpression: "0 2 * * *"}

	next, err := NextCrawlAt(repo, from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC), next)
}

func TestNextCrawlAt_SixFieldCronWithSeconds(t *testing.T) {
	from := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	repo := model.Repository{ID: "r1", CronExpression: "30 0 2 * * *"}

	next, err := NextCrawlAt(repo, from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 2, 0, 30, 0, time.UTC), next)
}

func TestNextCrawlAt_IntervalCountsFromLastCompletion(t *testing.T) {
	last := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	repo := model.Repository{ID: "r1", CrawlFrequencyHours: 6, LastCrawledAt: &last}

	next, err := NextCrawlAt(repo, last.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, last.Add(6*time.Hour), next)
}

func TestNextCrawlAt_IntervalWithoutHistoryCountsFromNow(t *testing.T) {
	from := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	repo := model.Repository{ID: "r1", CrawlFrequencyHours: 2}

	next, err := NextCrawlAt(repo, from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(2*time.Hour), next)
}

func TestNextCrawlAt_CronWinsOverInterval(t *testing.T) {
	from := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	repo := model.Repository{ID: "r1", CronExpression: "0 2 * * *", CrawlFrequencyHours: 1}

	next, err := NextCrawlAt(repo, from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC), next)
}

func TestNextCrawlAt_InvalidCronFails(t *testing.T) {
	_, err := NextCrawlAt(model.Repository{ID: "r1", CronExpression: "not a cron"}, time.Now())
	require.Error(t, err)
}

func TestNextCrawlAt_NoScheduleFails(t *testing.T) {
	_, err := NextCrawlAt(model.Repository{ID: "r1"}, time.Now())
	require.Error(t, err)
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule(model.Repository{ID: "r1", CronExpression: "@hourly"}))
	assert.NoError(t, ValidateSchedule(model.Repository{ID: "r1", CrawlFrequencyHours: 12}))
	assert.Error(t, ValidateSchedule(model.Repository{ID: "r1", CronExpression: "61 * * * *"}))
}
