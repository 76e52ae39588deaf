// Package store provides a SQLite-backed implementation of the
// relational store that holds repository rows (and, in a full
// deployment, the users table the core does not interpret), so the
// scheduler and crawlers are testable against a real database rather
// than only an in-memory fake.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/klask-io/klask/internal/klaskerr"
	"github.com/klask-io/klask/internal/model"
	"github.com/klask-io/klask/internal/scheduler"
)

// Store is a SQLite-backed RepositoryStore.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at path (":memory:" for an
// in-process, non-persistent store) and ensures its schema exists.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps :memory: databases consistent across
	// goroutines; the connection pool otherwise hands out a fresh,
	// independent in-memory database per connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS repositories (
		id                          TEXT PRIMARY KEY,
		name                        TEXT NOT NULL,
		source_kind                 TEXT NOT NULL,
		location                    TEXT NOT NULL,
		branch                      TEXT NOT NULL DEFAULT '',
		enabled                     INTEGER NOT NULL DEFAULT 1,
		credential_ciphertext       TEXT NOT NULL DEFAULT '',
		credential_iv_mode          TEXT NOT NULL DEFAULT '',
		cron_expression             TEXT NOT NULL DEFAULT '',
		crawl_frequency_hours       INTEGER NOT NULL DEFAULT 0,
		max_crawl_duration_mins     INTEGER NOT NULL DEFAULT 0,
		auto_crawl_enabled          INTEGER NOT NULL DEFAULT 1,
		next_crawl_at               INTEGER,
		last_crawled_at             INTEGER,
		last_crawl_duration_seconds INTEGER NOT NULL DEFAULT 0,
		crawl_state                 TEXT NOT NULL DEFAULT 'idle',
		last_processed_project      TEXT NOT NULL DEFAULT '',
		crawl_started_at            INTEGER,
		provider_namespace          TEXT NOT NULL DEFAULT '',
		provider_excluded_repos     TEXT NOT NULL DEFAULT '[]',
		provider_exclude_globs      TEXT NOT NULL DEFAULT '[]',
		tombstone_enabled           INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_repositories_next_crawl_at ON repositories(next_crawl_at);
	CREATE INDEX IF NOT EXISTS idx_repositories_crawl_state ON repositories(crawl_state);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Create inserts a new repository row.
func (s *Store) Create(ctx context.Context, repo model.Repository) error {
	if err := repo.Validate(); err != nil {
		return klaskerr.Wrap(klaskerr.Internal, "validate repository", err)
	}
	return s.upsert(ctx, repo)
}

// Update overwrites an existing repository row. SQLite's ON CONFLICT
// clause makes this identical to Create for a row that already exists.
func (s *Store) Update(ctx context.Context, repo model.Repository) error {
	if err := repo.Validate(); err != nil {
		return klaskerr.Wrap(klaskerr.Internal, "validate repository", err)
	}
	return s.upsert(ctx, repo)
}

func (s *Store) upsert(ctx context.Context, r model.Repository) error {
	excludedRepos, err := json.Marshal(r.ProviderExcludedRepos)
	if err != nil {
		return fmt.Errorf("marshal excluded repos: %w", err)
	}
	excludeGlobs, err := json.Marshal(r.ProviderExcludeGlobs)
	if err != nil {
		return fmt.Errorf("marshal exclude globs: %w", err)
	}

	query := `
	INSERT INTO repositories (
		id, name, source_kind, location, branch, enabled,
		credential_ciphertext, credential_iv_mode,
		cron_expression, crawl_frequency_hours, max_crawl_duration_mins,
		auto_crawl_enabled, next_crawl_at, last_crawled_at, last_crawl_duration_seconds,
		crawl_state, last_processed_project, crawl_started_at,
		provider_namespace, provider_excluded_repos, provider_exclude_globs, tombstone_enabled
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(id) DO UPDATE SET
		name=excluded.name, source_kind=excluded.source_kind, location=excluded.location,
		branch=excluded.branch, enabled=excluded.enabled,
		credential_ciphertext=excluded.credential_ciphertext, credential_iv_mode=excluded.credential_iv_mode,
		cron_expression=excluded.cron_expression, crawl_frequency_hours=excluded.crawl_frequency_hours,
		max_crawl_duration_mins=excluded.max_crawl_duration_mins, auto_crawl_enabled=excluded.auto_crawl_enabled,
		next_crawl_at=excluded.next_crawl_at, last_crawled_at=excluded.last_crawled_at,
		last_crawl_duration_seconds=excluded.last_crawl_duration_seconds,
		crawl_state=excluded.crawl_state, last_processed_project=excluded.last_processed_project,
		crawl_started_at=excluded.crawl_started_at, provider_namespace=excluded.provider_namespace,
		provider_excluded_repos=excluded.provider_excluded_repos, provider_exclude_globs=excluded.provider_exclude_globs,
		tombstone_enabled=excluded.tombstone_enabled
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Name, string(r.SourceKind), r.Location, r.Branch, boolToInt(r.Enabled),
		r.CredentialCiphertext, string(r.CredentialIVMode),
		r.CronExpression, r.CrawlFrequencyHours, r.MaxCrawlDurationMins,
		boolToInt(r.AutoCrawlEnabled), timeToUnix(r.NextCrawlAt), timeToUnix(r.LastCrawledAt),
		r.LastCrawlDurationSeconds,
		string(r.CrawlState), r.LastProcessedProject, timeToUnix(r.CrawlStartedAt),
		r.ProviderNamespace, string(excludedRepos), string(excludeGlobs), boolToInt(r.TombstoneEnabled),
	)
	if err != nil {
		return fmt.Errorf("upsert repository: %w", err)
	}
	return nil
}

// Delete removes a repository row. The caller's
// indexer.DeleteByRepository call performs the index-side half; this
// only removes the row.
func (s *Store) Delete(ctx context.Context, repoID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, repoID)
	if err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}
	return nil
}

// Get returns one repository by id with RedactedCredential in place of
// any stored ciphertext; credentials never leave the process in
// plaintext over any external interface.
func (s *Store) Get(ctx context.Context, repoID string) (model.Repository, error) {
	repo, err := s.GetRepository(ctx, repoID)
	if err != nil {
		return model.Repository{}, err
	}
	if repo.CredentialCiphertext != "" {
		repo.CredentialCiphertext = model.RedactedCredential
	}
	return repo, nil
}

// GetRepository returns one repository by id with its credential
// ciphertext intact, for internal (crawl-time) use only.
func (s *Store) GetRepository(ctx context.Context, repoID string) (model.Repository, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, repoID)
	repo, err := scanRepository(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Repository{}, klaskerr.New(klaskerr.NotFound, fmt.Sprintf("repository %s not found", repoID))
		}
		return model.Repository{}, fmt.Errorf("scan repository: %w", err)
	}
	return repo, nil
}

// List returns every repository row, credentials redacted.
func (s *Store) List(ctx context.Context) ([]model.Repository, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var out []model.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		if repo.CredentialCiphertext != "" {
			repo.CredentialCiphertext = model.RedactedCredential
		}
		out = append(out, repo)
	}
	return out, rows.Err()
}

// ListSchedulable satisfies scheduler.RepositoryStore: every enabled,
// auto-crawl repository due at or before now and not already running.
func (s *Store) ListSchedulable(ctx context.Context, now time.Time) ([]model.Repository, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE enabled = 1 AND auto_crawl_enabled = 1
		  AND crawl_state != ?
		  AND next_crawl_at IS NOT NULL AND next_crawl_at <= ?`,
		string(model.CrawlInProgress), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("list schedulable repositories: %w", err)
	}
	defer rows.Close()

	var out []model.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		out = append(out, repo)
	}
	return out, rows.Err()
}

// MarkInProgress satisfies scheduler.RepositoryStore: stamps the row
// in_progress with its crawl start time.
func (s *Store) MarkInProgress(ctx context.Context, repoID string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET crawl_state = ?, crawl_started_at = ? WHERE id = ?`,
		string(model.CrawlInProgress), startedAt.Unix(), repoID)
	if err != nil {
		return fmt.Errorf("mark repository in progress: %w", err)
	}
	return checkRowsAffected(res, repoID)
}

// RecordCrawlResult satisfies scheduler.RepositoryStore: applies the
// end-of-crawl bookkeeping on completion or timeout.
func (s *Store) RecordCrawlResult(ctx context.Context, repoID string, outcome scheduler.CrawlOutcome) error {
	state := model.CrawlIdle
	if !outcome.Success {
		state = model.CrawlFailed
	}
	// A completed crawl clears the resumption cursor; a failed one keeps
	// it so the next attempt can resume.
	query := `
		UPDATE repositories SET
			crawl_state = ?, last_crawled_at = ?, last_crawl_duration_seconds = ?,
			next_crawl_at = ?, crawl_started_at = NULL
		WHERE id = ?`
	if outcome.Success {
		query = `
		UPDATE repositories SET
			crawl_state = ?, last_crawled_at = ?, last_crawl_duration_seconds = ?,
			next_crawl_at = ?, crawl_started_at = NULL, last_processed_project = ''
		WHERE id = ?`
	}
	res, err := s.db.ExecContext(ctx, query,
		string(state), outcome.CompletedAt.Unix(), outcome.DurationSeconds,
		timeToUnix(nonZeroPtr(outcome.NextCrawlAt)), repoID)
	if err != nil {
		return fmt.Errorf("record crawl result: %w", err)
	}
	return checkRowsAffected(res, repoID)
}

// UpdateResumptionCursor persists the last successfully processed child
// repository of a provider-hosted crawl so an interrupted run can
// resume past it.
func (s *Store) UpdateResumptionCursor(ctx context.Context, repoID, project string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET last_processed_project = ? WHERE id = ?`, project, repoID)
	if err != nil {
		return fmt.Errorf("update resumption cursor: %w", err)
	}
	return checkRowsAffected(res, repoID)
}

// RecoverAbandoned satisfies scheduler.RepositoryStore: on startup,
// every row left in_progress by a killed process is marked failed with
// its resumption cursor preserved.
func (s *Store) RecoverAbandoned(ctx context.Context) ([]model.Repository, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE crawl_state = ?`, string(model.CrawlInProgress))
	if err != nil {
		return nil, fmt.Errorf("list abandoned repositories: %w", err)
	}
	var abandoned []model.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		abandoned = append(abandoned, repo)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, repo := range abandoned {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE repositories SET crawl_state = ?, crawl_started_at = NULL WHERE id = ?`,
			string(model.CrawlFailed), repo.ID); err != nil {
			return nil, fmt.Errorf("mark abandoned repository %s failed: %w", repo.ID, err)
		}
	}
	return abandoned, nil
}

const selectColumns = `
	SELECT id, name, source_kind, location, branch, enabled,
		credential_ciphertext, credential_iv_mode,
		cron_expression, crawl_frequency_hours, max_crawl_duration_mins,
		auto_crawl_enabled, next_crawl_at, last_crawled_at, last_crawl_duration_seconds,
		crawl_state, last_processed_project, crawl_started_at,
		provider_namespace, provider_excluded_repos, provider_exclude_globs, tombstone_enabled
	FROM repositories`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRepository(row scanner) (model.Repository, error) {
	var r model.Repository
	var sourceKind, ivMode, crawlState string
	var enabled, autoCrawl, tombstone int
	var nextCrawlAt, lastCrawledAt, crawlStartedAt sql.NullInt64
	var excludedReposJSON, excludeGlobsJSON string

	err := row.Scan(
		&r.ID, &r.Name, &sourceKind, &r.Location, &r.Branch, &enabled,
		&r.CredentialCiphertext, &ivMode,
		&r.CronExpression, &r.CrawlFrequencyHours, &r.MaxCrawlDurationMins,
		&autoCrawl, &nextCrawlAt, &lastCrawledAt, &r.LastCrawlDurationSeconds,
		&crawlState, &r.LastProcessedProject, &crawlStartedAt,
		&r.ProviderNamespace, &excludedReposJSON, &excludeGlobsJSON, &tombstone,
	)
	if err != nil {
		return model.Repository{}, err
	}

	r.SourceKind = model.SourceKind(sourceKind)
	r.CredentialIVMode = model.CredentialIVMode(ivMode)
	r.CrawlState = model.CrawlState(crawlState)
	r.Enabled = enabled != 0
	r.AutoCrawlEnabled = autoCrawl != 0
	r.TombstoneEnabled = tombstone != 0
	r.NextCrawlAt = unixToTime(nextCrawlAt)
	r.LastCrawledAt = unixToTime(lastCrawledAt)
	r.CrawlStartedAt = unixToTime(crawlStartedAt)

	if err := json.Unmarshal([]byte(excludedReposJSON), &r.ProviderExcludedRepos); err != nil {
		return model.Repository{}, fmt.Errorf("unmarshal excluded repos: %w", err)
	}
	if err := json.Unmarshal([]byte(excludeGlobsJSON), &r.ProviderExcludeGlobs); err != nil {
		return model.Repository{}, fmt.Errorf("unmarshal exclude globs: %w", err)
	}
	return r, nil
}

func checkRowsAffected(res sql.Result, repoID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return klaskerr.New(klaskerr.NotFound, fmt.Sprintf("repository %s not found", repoID))
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func unixToTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}

func nonZeroPtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
