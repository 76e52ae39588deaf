package factory

import (
	"context"
	"fmt"

	"github.com/klask-io/klask/internal/crawl"
	"github.com/klask-io/klask/internal/crawl/git"
	"github.com/klask-io/klask/internal/crawl/local"
	"github.com/klask-io/klask/internal/crawl/provider"
	"github.com/klask-io/klask/internal/crypto"
	"github.com/klask-io/klask/internal/model"
	"github.com/klask-io/klask/internal/observability"
)

// FactoryConfig tunes the crawlers a Factory builds, sourced from
// internal/config.CrawlConfig at startup.
type FactoryConfig struct {
	MirrorRoot string
	BatchDocs  int
	BatchBytes int64
}

// Factory builds the appropriate crawler for a repository's configured
// source kind, decrypting its stored credentials just before handing
// them to the crawler so plaintext secrets live only in the crawl
// task's local scope.
type Factory struct {
	Config FactoryConfig
	Cipher *crypto.Cipher
	Logger *observability.Logger

	// CursorSink, when set, receives the resumption cursor after each
	// child repository of a provider-hosted crawl completes, so the
	// caller can persist it for restart.
	CursorSink func(repoID, project string)
}

// NewFactory constructs a Factory.
func NewFactory(cfg FactoryConfig, cipher *crypto.Cipher, logger *observability.Logger) *Factory {
	return &Factory{Config: cfg, Cipher: cipher, Logger: logger}
}

// Build dispatches on repo.SourceKind to construct the matching crawler.
func (f *Factory) Build(repo model.Repository) (crawl.Crawler, error) {
	classifier := crawl.NewClassifier(0, nil, repo.ProviderExcludeGlobs)

	token, err := f.decryptCredential(repo)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials for repository %s: %w", repo.ID, err)
	}

	switch repo.SourceKind {
	case model.SourceGit:
		username, password := credentialToBasicAuth(token)
		return &git.Crawler{
			Repo:       repo,
			MirrorRoot: f.Config.MirrorRoot,
			Classifier: classifier,
			BatchDocs:  f.Config.BatchDocs,
			BatchBytes: f.Config.BatchBytes,
			Logger:     f.Logger,
			Username:   username,
			Password:   password,
		}, nil

	case model.SourceProviderHosted:
		client := provider.NewGitHubClient(context.Background(), token)
		c := &provider.Crawler{
			Repo:       repo,
			Client:     client.Repositories,
			MirrorRoot: f.Config.MirrorRoot,
			Classifier: classifier,
			BatchDocs:  f.Config.BatchDocs,
			BatchBytes: f.Config.BatchBytes,
			Logger:     f.Logger,
		}
		if f.CursorSink != nil {
			repoID := repo.ID
			c.OnResume = func(slug string) { f.CursorSink(repoID, slug) }
		}
		return c, nil

	case model.SourceLocalTree:
		return &local.Crawler{
			Repo:       repo,
			Classifier: classifier,
			BatchDocs:  f.Config.BatchDocs,
			BatchBytes: f.Config.BatchBytes,
			Logger:     f.Logger,
		}, nil

	default:
		return nil, fmt.Errorf("unknown repository source kind %q", repo.SourceKind)
	}
}

// decryptCredential returns the plaintext token for repo, or "" if it
// carries no credentials. A nil Cipher means plaintext-at-rest.
func (f *Factory) decryptCredential(repo model.Repository) (string, error) {
	if repo.CredentialCiphertext == "" {
		return "", nil
	}
	return f.Cipher.Decrypt(repo.CredentialCiphertext, repo.CredentialIVMode)
}

// credentialToBasicAuth maps a single decrypted token to the
// username/password pair go-git expects for HTTPS auth, following
// GitHub's convention of an arbitrary non-empty username alongside a
// PAT as the password.
func credentialToBasicAuth(token string) (username, password string) {
	if token == "" {
		return "", ""
	}
	return "x-access-token", token
}
