// Package scheduler computes next_crawl_at, dispatches scheduled and
// on-demand crawls under a bounded concurrency limit, and tracks
// in-flight progress.
package scheduler

import (
	"time"

	"github.com/klask-io/klask/internal/klaskerr"
	"github.com/klask-io/klask/internal/model"
	cron "github.com/robfig/cron/v3"
)

// cronParser accepts 5- or 6-field expressions, seconds defaulting to 0.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextCrawlAt computes when r should next run. Cron wins if both a cron
// expression and a fixed interval are configured. from is the time to
// schedule relative to: "now" for cron, r.LastCrawledAt (or from, if
// the repository has never completed a crawl) for the fixed interval.
func NextCrawlAt(r model.Repository, from time.Time) (time.Time, error) {
	if r.CronExpression != "" {
		sched, err := cronParser.Parse(r.CronExpression)
		if err != nil {
			return time.Time{}, klaskerr.Wrap(klaskerr.Internal, "invalid cron expression for repository "+r.ID, err)
		}
		return sched.Next(from.UTC()).UTC(), nil
	}

	if r.CrawlFrequencyHours > 0 {
		base := from
		if r.LastCrawledAt != nil {
			base = *r.LastCrawledAt
		}
		return base.UTC().Add(time.Duration(r.CrawlFrequencyHours) * time.Hour), nil
	}

	return time.Time{}, klaskerr.New(klaskerr.Internal, "repository "+r.ID+" has neither cron nor interval schedule")
}

// ValidateSchedule reports whether r's schedule fields parse. The
// next_crawl_at it computes on the way is discarded; r is not changed.
func ValidateSchedule(r model.Repository) error {
	_, err := NextCrawlAt(r, time.Now())
	return err
}
