// Package vcs resolves "repository + branch" to a concrete downloadable
// reference (release, tag, or branch head) against a hosted Git provider.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	ProviderGitHub    = "github"
	ProviderGitLab    = "gitlab"
	ProviderBitbucket = "bitbucket"
)

// ErrNotFound means the provider answered but the requested reference does
// not exist (no releases, no version tags, unknown branch). Transport and
// protocol failures are returned as ordinary errors.
var ErrNotFound = errors.New("vcs: reference not found")

// Reference is a resolved upstream version pointer. It is ephemeral and
// recomputed on each resolution.
type Reference struct {
	Name        string
	Version     string
	DownloadURL string
	Updated     time.Time
}

// Options tune reference resolution. The zero value is valid.
type Options struct {
	// ForceBranch disables the release and tag strategies even for default
	// branches, so the branch head always wins.
	ForceBranch bool
	// IncludePrereleases keeps releases flagged as prerelease/upcoming.
	IncludePrereleases bool
	// AssetFilter, when non-empty, is a regular expression matched against
	// release asset names. A matching asset's URL replaces the
	// auto-generated source archive.
	AssetFilter string
	// RequireAsset skips releases without a matching asset instead of
	// falling back to the source archive.
	RequireAsset bool
	// APIBase overrides the provider API base URL. Used by self-hosted
	// instances and tests.
	APIBase string
	// Timeout bounds each provider call. Interactive request paths should
	// pass a few seconds; background paths may pass more.
	Timeout time.Duration
}

// Resolver is the per-provider reference resolution contract.
type Resolver interface {
	// Resolve tries the provider's ordered strategy list for the given
	// branch and returns the first reference found. ErrNotFound means no
	// strategy produced a reference.
	Resolve(ctx context.Context, branch string) (*Reference, error)

	// Download opens an authenticated stream for a reference's archive.
	Download(ctx context.Context, downloadURL string) (io.ReadCloser, error)

	// Test checks that the configured credentials can reach the provider.
	Test(ctx context.Context) error
}

// New maps a provider type to a resolver. selfHosted only applies to
// GitLab; the provider set is closed.
func New(provider, repoURL, credentials string, selfHosted bool, opts Options) (Resolver, error) {
	switch provider {
	case ProviderGitHub:
		return newGitHub(repoURL, credentials, opts)
	case ProviderGitLab:
		return newGitLab(repoURL, credentials, selfHosted, opts)
	case ProviderBitbucket:
		return newBitbucket(repoURL, credentials, opts)
	default:
		return nil, fmt.Errorf("vcs: unknown provider type %q", provider)
	}
}

// DetectProvider guesses the provider type from a repository URL host.
// Self-hosted instances must be configured explicitly.
func DetectProvider(repoURL string) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("vcs: parsing repository URL: %w", err)
	}
	switch u.Hostname() {
	case "github.com":
		return ProviderGitHub, nil
	case "gitlab.com":
		return ProviderGitLab, nil
	case "bitbucket.org":
		return ProviderBitbucket, nil
	}
	return "", fmt.Errorf("vcs: cannot detect provider for host %q", u.Hostname())
}

// IsDefaultBranch reports whether the release/tag strategies apply.
func IsDefaultBranch(branch string) bool {
	return branch == "main" || branch == "master"
}

var repoPathPattern = regexp.MustCompile(`^/?([^/]+?)/([^/#?&]+?)/?$`)

// splitRepoPath extracts "owner" and "repo" from a repository URL path.
func splitRepoPath(repoURL string) (owner, repo string, err error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", "", fmt.Errorf("vcs: parsing repository URL %q: %w", repoURL, err)
	}
	m := repoPathPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return "", "", fmt.Errorf("vcs: invalid repository URL %q", repoURL)
	}
	return m[1], m[2], nil
}

// urlSafe reports whether a ref name survives URL path encoding unchanged.
// Refs that do not (e.g. "feature/x") are replaced with the head commit
// hash when building download URLs.
func urlSafe(ref string) bool {
	return url.PathEscape(ref) == ref
}

type strategy func(ctx context.Context) (*Reference, error)

// resolveWith runs strategies in order, treating ErrNotFound as "try the
// next one" and anything else as fatal for this attempt.
func resolveWith(ctx context.Context, strategies []strategy) (*Reference, error) {
	for _, s := range strategies {
		ref, err := s(ctx)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if ref != nil {
			return ref, nil
		}
	}
	return nil, ErrNotFound
}

// stripVPrefix normalizes "v1.2.3" to "1.2.3".
func stripVPrefix(tag string) string {
	return strings.TrimPrefix(tag, "v")
}

func matchName(pattern, name string) (bool, error) {
	return regexp.MatchString(pattern, name)
}
