// Package model defines the core data types shared by the indexer, the
// crawlers, and the scheduler: repositories, file documents, and
// in-flight crawl progress records.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SourceKind identifies how a repository's contents are fetched.
type SourceKind string

const (
	SourceGit            SourceKind = "git"
	SourceProviderHosted SourceKind = "provider_hosted"
	SourceLocalTree      SourceKind = "local_tree"
)

// CrawlState is the persisted state of a repository's most recent crawl.
type CrawlState string

const (
	CrawlIdle       CrawlState = "idle"
	CrawlInProgress CrawlState = "in_progress"
	CrawlFailed     CrawlState = "failed"
)

// CredentialIVMode selects the at-rest encryption mode for stored credentials.
type CredentialIVMode string

const (
	// CredentialIVLegacyFixed reproduces the historical fixed-IV cipher
	// so existing ciphertexts stay decryptable.
	CredentialIVLegacyFixed CredentialIVMode = "legacy_fixed_iv"
	// CredentialIVRandom is the opt-in mode for new deployments.
	CredentialIVRandom CredentialIVMode = "random_iv"
)

// Repository is a configured ingestion source, owned by the external
// relational store; the core only reads and updates scheduling/state fields.
type Repository struct {
	ID         string
	Name       string
	SourceKind SourceKind
	Location   string // clone URL, provider namespace, or local path
	Branch     string // optional branch selector; empty means "default branch only", AllBranchesSelector means every branch

	Enabled bool

	// Credentials, if any, are stored encrypted at rest when a master key
	// is configured. In-process they are only ever plaintext, never
	// serialized across a process boundary.
	CredentialCiphertext string
	CredentialIVMode     CredentialIVMode

	CronExpression       string // mutually exclusive with CrawlFrequencyHours
	CrawlFrequencyHours  int
	MaxCrawlDurationMins int

	AutoCrawlEnabled         bool
	NextCrawlAt              *time.Time
	LastCrawledAt            *time.Time
	LastCrawlDurationSeconds int

	CrawlState           CrawlState
	LastProcessedProject string
	CrawlStartedAt       *time.Time

	// Provider-hosted specifics.
	ProviderNamespace     string
	ProviderExcludedRepos []string
	ProviderExcludeGlobs  []string

	TombstoneEnabled bool
}

// Validate checks the invariants from the data model: schedule is either
// cron or interval but not both; in_progress implies CrawlStartedAt is set.
func (r *Repository) Validate() error {
	if r.CronExpression != "" && r.CrawlFrequencyHours != 0 {
		return fmt.Errorf("repository %s: cron and interval schedule are mutually exclusive", r.ID)
	}
	if r.CrawlState == CrawlInProgress && r.CrawlStartedAt == nil {
		return fmt.Errorf("repository %s: in_progress state requires crawl_started_at", r.ID)
	}
	return nil
}

// RedactedCredential is the placeholder sentinel substituted for real
// credentials on any external interface.
const RedactedCredential = "[redacted]"

// AllBranchesSelector is the Repository.Branch sentinel value requesting
// every branch be crawled instead of just the default.
const AllBranchesSelector = "*"

// NewRepositoryID generates a new random UUID for a repository.
func NewRepositoryID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate repository id: %w", err)
	}
	return id.String(), nil
}

// FileDocument is the indexed unit: one file, at one version/branch, of one repository.
type FileDocument struct {
	ID           string
	Name         string
	Extension    string // lowercase, no leading dot
	Path         string // full path within the repository
	Project      string // derived per source kind
	Version      string // branch or SVN-style version label
	RepositoryID string
	SizeBytes    int64
	Content      string
	LastModified time.Time
}

// NewDocumentID computes the deterministic document identity:
// sha256(repository_id|project|version|path), hex-encoded, so re-crawls
// overwrite in place rather than accumulate duplicates. The project
// dimension keeps children of a provider-hosted namespace from
// colliding when they share a branch name and path.
func NewDocumentID(repositoryID, project, version, path string) string {
	return sha256Hex(repositoryID + "|" + project + "|" + version + "|" + path)
}

// ProgressState is the lifecycle state of an in-flight crawl.
type ProgressState string

const (
	ProgressStarting   ProgressState = "starting"
	ProgressCloning    ProgressState = "cloning"
	ProgressProcessing ProgressState = "processing"
	ProgressIndexing   ProgressState = "indexing"
	ProgressCompleting ProgressState = "completing"
	ProgressCancelling ProgressState = "cancelling"
	ProgressCompleted  ProgressState = "completed"
	ProgressFailed     ProgressState = "failed"
)

// IsTerminal reports whether the state will not transition further.
func (s ProgressState) IsTerminal() bool {
	return s == ProgressCompleted || s == ProgressFailed
}

// CrawlProgress is the in-memory, per-active-crawl status record.
type CrawlProgress struct {
	RepositoryID string
	State        ProgressState

	FilesDiscovered int
	FilesProcessed  int
	FilesSkipped    int
	BytesProcessed  int64

	CurrentFile   string
	CurrentBranch string

	StartTime     time.Time
	LastHeartbeat time.Time
}

// CrawlSummary is returned by a crawler's Start call on completion.
type CrawlSummary struct {
	FilesIndexed   int
	FilesSkipped   int
	BytesProcessed int64
	Duration       time.Duration
	TerminalState  ProgressState
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
